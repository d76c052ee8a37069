package envstore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleEnv = `# Stack configuration
# Do not commit this file.

POSTGRES_PASSWORD=s3cret
N8N_ENCRYPTION_KEY=abc123

# custom user note
CUSTOM_FLAG=1
MALFORMED LINE WITHOUT EQUALS
`

func TestParsePreservesUnknownLines(t *testing.T) {
	s := Parse(sampleEnv)

	if got := s.Render(); got != sampleEnv {
		t.Errorf("round trip altered content:\ngot:\n%s\nwant:\n%s", got, sampleEnv)
	}
}

func TestParseLookup(t *testing.T) {
	s := Parse(sampleEnv)

	v, ok := s.Get("POSTGRES_PASSWORD")
	if !ok || v != "s3cret" {
		t.Errorf("Get(POSTGRES_PASSWORD) = %q, %v", v, ok)
	}
	if s.Has("MALFORMED") {
		t.Error("malformed line must not index as an entry")
	}
	if _, ok := s.Get("MISSING"); ok {
		t.Error("Get(MISSING) reported present")
	}
}

func TestParseDuplicateKeyLastWins(t *testing.T) {
	s := Parse("A=1\nA=2\n")
	if v, _ := s.Get("A"); v != "2" {
		t.Errorf("Get(A) = %q, want 2", v)
	}
}

func TestSetUpdatesInPlace(t *testing.T) {
	s := Parse("A=1\n# note\nB=2\n")
	s.Set("A", "9")

	want := "A=9\n# note\nB=2\n"
	if got := s.Render(); got != want {
		t.Errorf("Render = %q, want %q", got, want)
	}
}

func TestMigrateAddsOnlyMissingKeys(t *testing.T) {
	s := Parse("POSTGRES_PASSWORD=existing\n")

	added, err := s.Migrate([]Addition{
		{Key: "POSTGRES_PASSWORD", Generate: func() (string, error) { return "REGENERATED", nil }},
		{Key: "JWT_SECRET", Comment: "# auth token signing key", Generate: HexSecret(32)},
	})
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	if len(added) != 1 || added[0] != "JWT_SECRET" {
		t.Errorf("added = %v, want [JWT_SECRET]", added)
	}
	if v, _ := s.Get("POSTGRES_PASSWORD"); v != "existing" {
		t.Errorf("existing value overwritten: %q", v)
	}
	secret, ok := s.Get("JWT_SECRET")
	if !ok || len(secret) != 64 {
		t.Errorf("JWT_SECRET = %q (len %d), want 64 hex chars", secret, len(secret))
	}
	if !strings.Contains(s.Render(), "# auth token signing key\nJWT_SECRET=") {
		t.Errorf("comment not written above new key:\n%s", s.Render())
	}
}

func TestMigrateIdempotent(t *testing.T) {
	s := New()
	additions := []Addition{{Key: "K", Generate: HexSecret(8)}}

	if _, err := s.Migrate(additions); err != nil {
		t.Fatal(err)
	}
	first, _ := s.Get("K")

	if _, err := s.Migrate(additions); err != nil {
		t.Fatal(err)
	}
	second, _ := s.Get("K")

	if first != second {
		t.Errorf("second migration regenerated value: %q vs %q", first, second)
	}
}

func TestReplaceSectionCreatesBlock(t *testing.T) {
	s := Parse("A=1\n")
	s.ReplaceSection("RESOURCES", []Entry{
		{Key: "OLLAMA_CPU_LIMIT", Value: "3"},
		{Key: "OLLAMA_MEM_LIMIT", Value: "5.44G"},
	})

	want := "A=1\n\n# BEGIN RESOURCES\nOLLAMA_CPU_LIMIT=3\nOLLAMA_MEM_LIMIT=5.44G\n# END RESOURCES\n"
	if got := s.Render(); got != want {
		t.Errorf("Render = %q, want %q", got, want)
	}
}

func TestReplaceSectionOverwritesBlock(t *testing.T) {
	initial := "A=1\n\n# BEGIN RESOURCES\nOLD_KEY=old\n# END RESOURCES\nB=2\n"
	s := Parse(initial)
	s.ReplaceSection("RESOURCES", []Entry{{Key: "NEW_KEY", Value: "new"}})

	want := "A=1\n\n# BEGIN RESOURCES\nNEW_KEY=new\n# END RESOURCES\nB=2\n"
	if got := s.Render(); got != want {
		t.Errorf("Render = %q, want %q", got, want)
	}
	if s.Has("OLD_KEY") {
		t.Error("OLD_KEY still indexed after section replacement")
	}
	if v, _ := s.Get("B"); v != "2" {
		t.Error("content after section lost")
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Render() != "" {
		t.Errorf("Render = %q, want empty", s.Render())
	}
}

func TestFlushAtomicWriteAndMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")

	s := Parse("SECRET=x\n")
	if err := s.Flush(path, true); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("mode = %o, want 600", perm)
	}

	data, _ := os.ReadFile(path)
	if string(data) != "SECRET=x\n" {
		t.Errorf("content = %q", data)
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".env.tmp") {
			t.Errorf("temp file %s left behind", e.Name())
		}
	}
}

func TestFlushRotatesBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")

	for i, content := range []string{"GEN=0\n", "GEN=1\n", "GEN=2\n", "GEN=3\n"} {
		s := Parse(content)
		if err := s.Flush(path, true); err != nil {
			t.Fatalf("Flush %d: %v", i, err)
		}
	}

	// Earlier backups keep their suffixes; each flush takes the first
	// unused name.
	checks := map[string]string{
		path:               "GEN=3\n",
		path + ".backup":   "GEN=0\n",
		path + ".backup.1": "GEN=1\n",
		path + ".backup.2": "GEN=2\n",
	}
	for file, want := range checks {
		data, err := os.ReadFile(file)
		if err != nil {
			t.Errorf("missing %s: %v", file, err)
			continue
		}
		if string(data) != want {
			t.Errorf("%s = %q, want %q", file, data, want)
		}
	}
}

func TestFlushWithoutBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")

	for _, content := range []string{"A=1\n", "A=2\n"} {
		s := Parse(content)
		if err := s.Flush(path, false); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := os.Stat(path + ".backup"); !os.IsNotExist(err) {
		t.Error("backup created despite backupExisting=false")
	}
}

func TestPasswordGenerator(t *testing.T) {
	gen := Password(24)

	a, err := gen()
	if err != nil {
		t.Fatal(err)
	}
	b, err := gen()
	if err != nil {
		t.Fatal(err)
	}

	if len(a) != 24 || len(b) != 24 {
		t.Errorf("lengths = %d, %d, want 24", len(a), len(b))
	}
	if a == b {
		t.Error("two generated passwords are identical")
	}
	for _, r := range a {
		if !strings.ContainsRune(passwordAlphabet, r) {
			t.Errorf("password contains character outside alphabet: %q", r)
		}
	}
}
