// Package classify maps raw container-runtime output to a closed set of
// failure kinds. Classification is a pure function over the combined
// stdout+stderr of a failed command: every failure gets exactly one kind,
// with Unknown as the default.
package classify

import (
	"net"
	"regexp"
	"sort"
	"strings"
)

// Kind identifies one class of runtime failure.
type Kind string

const (
	// KindDiskExhausted indicates the runtime has no space left on device.
	// It requires operator action and is never remediated automatically.
	KindDiskExhausted Kind = "disk_exhausted"

	// KindNameConflict indicates one or more container names are already
	// in use by existing containers.
	KindNameConflict Kind = "container_name_conflict"

	// KindNetworkUnreachableV6 indicates the runtime tried to reach an
	// IPv6 endpoint on a host without a usable IPv6 route.
	KindNetworkUnreachableV6 Kind = "network_unreachable_v6"

	// KindUnknown is the fallback for any unrecognized failure.
	KindUnknown Kind = "unknown"
)

// Terminal returns true if no automated remediation exists for the kind.
func (k Kind) Terminal() bool {
	return k == KindDiskExhausted || k == KindUnknown
}

// Validate checks if the kind is a member of the closed set.
func (k Kind) Validate() bool {
	switch k {
	case KindDiskExhausted, KindNameConflict, KindNetworkUnreachableV6, KindUnknown:
		return true
	default:
		return false
	}
}

// Classification is the result of classifying one failed attempt.
type Classification struct {
	// Kind is the assigned failure kind.
	Kind Kind

	// Names holds the deduplicated, sorted set of conflicting container
	// names. Populated only for KindNameConflict.
	Names []string
}

var (
	// Matches both the daemon's long form
	//   Conflict. The container name "/x" is already in use by container ...
	// and the short form some runtimes emit
	//   ... name "x" is already in use ...
	reNameConflict = regexp.MustCompile(`(?i)name "(/?[^"]+)" is already in use`)

	// Candidate colon-separated tokens; each is confirmed as a real IPv6
	// literal with net.ParseIP so log timestamps never match.
	reV6Candidate = regexp.MustCompile(`[0-9A-Fa-f]*(?::[0-9A-Fa-f]*){2,}`)
)

const diskExhaustedPhrase = "no space left on device"

const unreachablePhrase = "network is unreachable"

// Classify assigns exactly one Kind to the combined output of a failed
// command. Checks run in a fixed priority order: disk exhaustion
// short-circuits everything, then name conflicts, then IPv6 routing
// failures; anything else is Unknown. The function is deterministic and
// total for any input, including the empty string.
func Classify(combinedOutput string) Classification {
	for _, check := range checks {
		if cls, ok := check(combinedOutput); ok {
			return cls
		}
	}
	return Classification{Kind: KindUnknown}
}

// checks is the ordered predicate table. Order matters: a disk-full
// message can embed a name-conflict-shaped phrase, and the most
// catastrophic condition must win.
var checks = []func(string) (Classification, bool){
	matchDiskExhausted,
	matchNameConflict,
	matchNetworkUnreachableV6,
}

func matchDiskExhausted(output string) (Classification, bool) {
	if strings.Contains(strings.ToLower(output), diskExhaustedPhrase) {
		return Classification{Kind: KindDiskExhausted}, true
	}
	return Classification{}, false
}

func matchNameConflict(output string) (Classification, bool) {
	matches := reNameConflict.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return Classification{}, false
	}

	seen := make(map[string]struct{}, len(matches))
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		name := strings.TrimPrefix(m[1], "/")
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	if len(names) == 0 {
		return Classification{}, false
	}
	sort.Strings(names)

	return Classification{Kind: KindNameConflict, Names: names}, true
}

func matchNetworkUnreachableV6(output string) (Classification, bool) {
	if !strings.Contains(strings.ToLower(output), unreachablePhrase) {
		return Classification{}, false
	}
	if !containsIPv6Literal(output) {
		return Classification{}, false
	}
	return Classification{Kind: KindNetworkUnreachableV6}, true
}

func containsIPv6Literal(output string) bool {
	for _, candidate := range reV6Candidate.FindAllString(output, -1) {
		ip := net.ParseIP(candidate)
		if ip != nil && ip.To4() == nil {
			return true
		}
	}
	return false
}
