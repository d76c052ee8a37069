package classify

import (
	"reflect"
	"testing"
)

func TestClassifyDiskExhausted(t *testing.T) {
	outputs := []string{
		"write /var/lib/docker/tmp/abc: no space left on device",
		"ERROR: No Space Left On Device",
		"failed to register layer: Error processing tar file(exit status 1): write /usr/lib/x.so: no space left on device",
	}

	for _, output := range outputs {
		cls := Classify(output)
		if cls.Kind != KindDiskExhausted {
			t.Errorf("Classify(%q) = %s, want %s", output, cls.Kind, KindDiskExhausted)
		}
	}
}

func TestClassifyPriorityDiskBeatsNameConflict(t *testing.T) {
	output := `Error response from daemon: Conflict. The container name "/localai-redis-1" is already in use by container "f3a1".
write /var/lib/docker/overlay2: no space left on device`

	cls := Classify(output)
	if cls.Kind != KindDiskExhausted {
		t.Fatalf("expected disk exhaustion to take priority, got %s", cls.Kind)
	}
	if len(cls.Names) != 0 {
		t.Errorf("expected no names for disk exhaustion, got %v", cls.Names)
	}
}

func TestClassifyNameConflictExtractsNames(t *testing.T) {
	output := `Error response from daemon: Conflict. The container name "/localai-n8n-1" is already in use by container "abc123". You have to remove (or rename) that container.
Error response from daemon: Conflict. The container name "/localai-postgres-1" is already in use by container "def456".
Error response from daemon: Conflict. The container name "/localai-n8n-1" is already in use by container "abc123".`

	cls := Classify(output)
	if cls.Kind != KindNameConflict {
		t.Fatalf("Classify kind = %s, want %s", cls.Kind, KindNameConflict)
	}

	want := []string{"localai-n8n-1", "localai-postgres-1"}
	if !reflect.DeepEqual(cls.Names, want) {
		t.Errorf("Names = %v, want %v (deduplicated, sorted)", cls.Names, want)
	}
}

func TestClassifyNameConflictShortForm(t *testing.T) {
	output := `error creating container: name "qdrant" is already in use`

	cls := Classify(output)
	if cls.Kind != KindNameConflict {
		t.Fatalf("Classify kind = %s, want %s", cls.Kind, KindNameConflict)
	}
	if !reflect.DeepEqual(cls.Names, []string{"qdrant"}) {
		t.Errorf("Names = %v, want [qdrant]", cls.Names)
	}
}

func TestClassifyNetworkUnreachableV6(t *testing.T) {
	output := `failed to solve: registry-1.docker.io: dial tcp [2600:1f18:2148:bc02:20:1bc7:9678:4f92]:443: connect: network is unreachable`

	cls := Classify(output)
	if cls.Kind != KindNetworkUnreachableV6 {
		t.Errorf("Classify kind = %s, want %s", cls.Kind, KindNetworkUnreachableV6)
	}
}

func TestClassifyIPv4UnreachableIsUnknown(t *testing.T) {
	// An unreachable message with only an IPv4 endpoint must not be
	// treated as the IPv6 condition.
	output := `dial tcp 93.184.216.34:443: connect: network is unreachable`

	cls := Classify(output)
	if cls.Kind != KindUnknown {
		t.Errorf("Classify kind = %s, want %s", cls.Kind, KindUnknown)
	}
}

func TestClassifyTimestampIsNotIPv6(t *testing.T) {
	// Log timestamps contain colon-separated digit groups; they must not
	// satisfy the IPv6 literal requirement.
	output := `2025-01-02 12:34:56 ERROR network is unreachable`

	cls := Classify(output)
	if cls.Kind != KindUnknown {
		t.Errorf("Classify kind = %s, want %s", cls.Kind, KindUnknown)
	}
}

func TestClassifyUnknownDefault(t *testing.T) {
	for _, output := range []string{"", "some random failure", "exit status 1"} {
		cls := Classify(output)
		if cls.Kind != KindUnknown {
			t.Errorf("Classify(%q) = %s, want %s", output, cls.Kind, KindUnknown)
		}
	}
}

func TestClassifyDeterministic(t *testing.T) {
	output := `The container name "/b" is already in use by container "1". The container name "/a" is already in use by container "2".`

	first := Classify(output)
	for i := 0; i < 5; i++ {
		if got := Classify(output); !reflect.DeepEqual(got, first) {
			t.Fatalf("classification not deterministic: %v vs %v", got, first)
		}
	}
	if !reflect.DeepEqual(first.Names, []string{"a", "b"}) {
		t.Errorf("Names = %v, want sorted [a b]", first.Names)
	}
}

func TestKindTerminal(t *testing.T) {
	cases := map[Kind]bool{
		KindDiskExhausted:        true,
		KindUnknown:              true,
		KindNameConflict:         false,
		KindNetworkUnreachableV6: false,
	}
	for kind, want := range cases {
		if got := kind.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", kind, got, want)
		}
	}
}
