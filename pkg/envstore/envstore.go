// Package envstore manages the stack's .env file. The store is
// line-preserving: comments, blank lines, ordering, and lines it does not
// understand all survive a load/flush round trip byte for byte. Mutations
// append or replace in place; nothing else moves.
package envstore

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
)

// lineKind discriminates how a parsed line is treated on write-back.
type lineKind int

const (
	// lineRaw is a comment, blank line, or anything unparseable. It is
	// written back verbatim.
	lineRaw lineKind = iota

	// lineEntry is a KEY=VALUE assignment.
	lineEntry
)

type line struct {
	kind lineKind

	// raw is the original text, without trailing newline. For entries
	// this is regenerated on mutation.
	raw string

	// key and value are populated for lineEntry only.
	key   string
	value string
}

// Store holds the parsed contents of one env file.
type Store struct {
	lines []line

	// index maps key to position in lines for entry lines.
	index map[string]int
}

// Addition describes one key the store must contain after migration.
type Addition struct {
	// Key is the variable name.
	Key string

	// Comment, if nonempty, is written on its own line above the new
	// entry. It must already include the leading "#".
	Comment string

	// Generate produces the value when the key is absent. Required.
	Generate func() (string, error)
}

// New returns an empty store.
func New() *Store {
	return &Store{index: make(map[string]int)}
}

// Load parses the env file at path. A missing file yields an empty store,
// not an error; any other read failure is returned.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, fmt.Errorf("failed to read env file %s: %w", path, err)
	}
	return Parse(string(data)), nil
}

// Parse builds a store from file contents.
func Parse(content string) *Store {
	s := New()
	if content == "" {
		return s
	}

	content = strings.TrimSuffix(content, "\n")
	for _, text := range strings.Split(content, "\n") {
		s.appendLine(parseLine(text))
	}
	return s
}

func parseLine(text string) line {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return line{kind: lineRaw, raw: text}
	}

	eq := strings.Index(text, "=")
	if eq <= 0 {
		return line{kind: lineRaw, raw: text}
	}

	key := strings.TrimSpace(text[:eq])
	if key == "" || strings.ContainsAny(key, " \t") {
		return line{kind: lineRaw, raw: text}
	}

	return line{
		kind:  lineEntry,
		raw:   text,
		key:   key,
		value: text[eq+1:],
	}
}

func (s *Store) appendLine(l line) {
	if l.kind == lineEntry {
		// Last assignment wins for lookup, matching how the runtime
		// resolves duplicate keys.
		s.index[l.key] = len(s.lines)
	}
	s.lines = append(s.lines, l)
}

// Get returns the value for key and whether it exists.
func (s *Store) Get(key string) (string, bool) {
	i, ok := s.index[key]
	if !ok {
		return "", false
	}
	return s.lines[i].value, true
}

// Has reports whether key is present.
func (s *Store) Has(key string) bool {
	_, ok := s.index[key]
	return ok
}

// Set assigns key to value, updating the existing line in place or
// appending a new one at the end.
func (s *Store) Set(key, value string) {
	if i, ok := s.index[key]; ok {
		s.lines[i].value = value
		s.lines[i].raw = key + "=" + value
		return
	}
	s.appendLine(line{kind: lineEntry, raw: key + "=" + value, key: key, value: value})
}

// Migrate ensures every addition's key exists, generating values only for
// absent keys. Existing values are never touched, so secrets survive
// re-runs. Returns the keys that were added.
func (s *Store) Migrate(additions []Addition) ([]string, error) {
	var added []string
	for _, a := range additions {
		if s.Has(a.Key) {
			continue
		}
		if a.Generate == nil {
			return added, fmt.Errorf("no generator for key %s", a.Key)
		}
		value, err := a.Generate()
		if err != nil {
			return added, fmt.Errorf("failed to generate value for %s: %w", a.Key, err)
		}
		if a.Comment != "" {
			s.appendLine(line{kind: lineRaw, raw: a.Comment})
		}
		s.Set(a.Key, value)
		added = append(added, a.Key)
	}
	return added, nil
}

// ReplaceSection rewrites the block between "# BEGIN <marker>" and
// "# END <marker>" with the given entries, creating the block at the end
// of the file when absent. Keys inside the section are owned by the
// caller and fully regenerated on every call; the rest of the file is
// untouched.
func (s *Store) ReplaceSection(marker string, entries []Entry) {
	begin := "# BEGIN " + marker
	end := "# END " + marker

	section := make([]line, 0, len(entries)+2)
	section = append(section, line{kind: lineRaw, raw: begin})
	for _, e := range entries {
		section = append(section, line{
			kind:  lineEntry,
			raw:   e.Key + "=" + e.Value,
			key:   e.Key,
			value: e.Value,
		})
	}
	section = append(section, line{kind: lineRaw, raw: end})

	beginIdx, endIdx := -1, -1
	for i, l := range s.lines {
		if l.kind != lineRaw {
			continue
		}
		switch strings.TrimSpace(l.raw) {
		case begin:
			if beginIdx == -1 {
				beginIdx = i
			}
		case end:
			endIdx = i
		}
	}

	if beginIdx == -1 || endIdx <= beginIdx {
		// No existing section. Separate from preceding content with a
		// blank line when the file is nonempty.
		if len(s.lines) > 0 {
			s.appendRawIfNeeded()
		}
		for _, l := range section {
			s.appendLine(l)
		}
		return
	}

	replaced := make([]line, 0, len(s.lines)-(endIdx-beginIdx+1)+len(section))
	replaced = append(replaced, s.lines[:beginIdx]...)
	replaced = append(replaced, section...)
	replaced = append(replaced, s.lines[endIdx+1:]...)

	s.lines = replaced
	s.reindex()
}

func (s *Store) appendRawIfNeeded() {
	if last := s.lines[len(s.lines)-1]; last.kind == lineRaw && strings.TrimSpace(last.raw) == "" {
		return
	}
	s.lines = append(s.lines, line{kind: lineRaw, raw: ""})
}

func (s *Store) reindex() {
	s.index = make(map[string]int, len(s.lines))
	for i, l := range s.lines {
		if l.kind == lineEntry {
			s.index[l.key] = i
		}
	}
}

// Entry is one key/value pair for section replacement.
type Entry struct {
	Key   string
	Value string
}

// Render serializes the store. A nonempty file always ends with a newline.
func (s *Store) Render() string {
	if len(s.lines) == 0 {
		return ""
	}
	var b strings.Builder
	for _, l := range s.lines {
		b.WriteString(l.raw)
		b.WriteByte('\n')
	}
	return b.String()
}

// Flush writes the store to path atomically: render to a temp file in the
// same directory, fsync, then rename over the target. When backupExisting
// is set and the target already exists, the current file is first moved to
// path.backup, or path.backup.1, path.backup.2, and so on, using the first
// unused suffix; existing backups are never overwritten.
// The file is created with mode 0600 since it carries credentials.
func (s *Store) Flush(path string, backupExisting bool) error {
	dir := filepath.Dir(path)

	if backupExisting {
		if _, err := os.Stat(path); err == nil {
			if err := backupCurrent(path); err != nil {
				return err
			}
		}
	}

	tmp, err := os.CreateTemp(dir, ".env.tmp.*")
	if err != nil {
		return fmt.Errorf("failed to create temp env file: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.WriteString(s.Render()); err != nil {
		cleanup()
		return fmt.Errorf("failed to write temp env file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		cleanup()
		return fmt.Errorf("failed to chmod temp env file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync temp env file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp env file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace env file %s: %w", path, err)
	}
	return nil
}

// backupCurrent moves path to the first unused backup name: path.backup,
// then path.backup.1, path.backup.2, and so on. Earlier backups keep their
// names and contents.
func backupCurrent(path string) error {
	candidate := path + ".backup"
	for i := 1; ; i++ {
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			break
		}
		candidate = fmt.Sprintf("%s.backup.%d", path, i)
	}
	if err := os.Rename(path, candidate); err != nil {
		return fmt.Errorf("failed to back up env file to %s: %w", candidate, err)
	}
	return nil
}

// HexSecret returns a generator producing n random bytes hex-encoded.
func HexSecret(n int) func() (string, error) {
	return func() (string, error) {
		buf := make([]byte, n)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		return hex.EncodeToString(buf), nil
	}
}

// passwordAlphabet excludes characters that break shell quoting or env
// file parsing.
const passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Password returns a generator producing an n-character alphanumeric
// password from crypto/rand.
func Password(n int) func() (string, error) {
	return func() (string, error) {
		out := make([]byte, n)
		max := big.NewInt(int64(len(passwordAlphabet)))
		for i := range out {
			idx, err := rand.Int(rand.Reader, max)
			if err != nil {
				return "", fmt.Errorf("failed to read random index: %w", err)
			}
			out[i] = passwordAlphabet[idx.Int64()]
		}
		return string(out), nil
	}
}
