package fingerprint

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gogpu/progcache/internal/atomicfile"
)

// Sentinel errors for fingerprint records.
var (
	// ErrNoRecord is returned by Load when no valid record exists.
	ErrNoRecord = errors.New("fingerprint: no record")

	// ErrInvalidName is returned when a key or stage name cannot be used as
	// part of a file name.
	ErrInvalidName = errors.New("fingerprint: invalid key or stage name")
)

// Store persists committed fingerprints under a directory.
// Store holds no in-memory state; it is safe for concurrent use across
// distinct keys.
type Store struct {
	dir string
}

// NewStore returns a store rooted at dir. The directory is created on the
// first Commit.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the record path for a stage under key.
func (s *Store) Path(key, stage string) string {
	return filepath.Join(s.dir, key+"_"+stage+".hash")
}

// HasChanged reports whether sum differs from the committed fingerprint.
// A missing, unreadable or truncated record counts as changed.
func (s *Store) HasChanged(key, stage string, sum Sum) bool {
	prev, err := s.Load(key, stage)
	if err != nil {
		return true
	}
	return prev != sum
}

// Load returns the committed fingerprint for a stage.
// Returns ErrNoRecord if the record is missing or not exactly Size bytes.
// Other read failures are returned wrapped.
func (s *Store) Load(key, stage string) (Sum, error) {
	var sum Sum
	if err := validName(key, stage); err != nil {
		return sum, err
	}
	data, err := os.ReadFile(s.Path(key, stage))
	if errors.Is(err, fs.ErrNotExist) {
		return sum, ErrNoRecord
	}
	if err != nil {
		return sum, fmt.Errorf("fingerprint: read %s/%s: %w", key, stage, err)
	}
	if len(data) != Size {
		return sum, ErrNoRecord
	}
	copy(sum[:], data)
	return sum, nil
}

// Commit records sum as the fingerprint of a stage. Committing the value
// already on disk does not rewrite the file.
func (s *Store) Commit(key, stage string, sum Sum) error {
	if err := validName(key, stage); err != nil {
		return err
	}
	if prev, err := s.Load(key, stage); err == nil && prev == sum {
		return nil
	}
	if err := atomicfile.WriteFile(s.Path(key, stage), sum[:], 0o644); err != nil {
		return fmt.Errorf("fingerprint: commit %s/%s: %w", key, stage, err)
	}
	return nil
}

// Invalidate removes the record for a stage, so the next HasChanged reports
// true. A missing record is not an error.
func (s *Store) Invalidate(key, stage string) error {
	if err := validName(key, stage); err != nil {
		return err
	}
	if err := atomicfile.Remove(s.Path(key, stage)); err != nil {
		return fmt.Errorf("fingerprint: invalidate %s/%s: %w", key, stage, err)
	}
	return nil
}

func validName(key, stage string) error {
	for _, n := range [...]string{key, stage} {
		if n == "" || n == "." || n == ".." || strings.ContainsAny(n, `/\`) {
			return fmt.Errorf("%w: %q", ErrInvalidName, n)
		}
	}
	return nil
}
