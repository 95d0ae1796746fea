// Package binstore persists linked program binaries, one entry per cache
// key.
//
// An entry is stored at <dir>/<key>.bin with the layout
//
//	[format: uint32 little-endian][length: uint64 little-endian][payload]
//
// and is replaced atomically, so a reader sees either the previous entry
// or the new one. Entries are never deleted by this package; staleness is
// detected by the caller.
package binstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gogpu/progcache/internal/atomicfile"
)

// headerSize is the size of the format tag plus the payload length.
const headerSize = 4 + 8

// Sentinel errors returned by Store and TryRestore.
var (
	// ErrUnsupported means the platform offers no program binary formats.
	// Every load is a miss and the entry file is never opened.
	ErrUnsupported = errors.New("binstore: platform supports no binary formats")

	// ErrMiss means there is no usable entry: the file is absent or its
	// format tag is not one the platform accepts.
	ErrMiss = errors.New("binstore: cache miss")

	// ErrCorrupt means the entry file exists but its bytes are malformed.
	ErrCorrupt = errors.New("binstore: corrupt entry")

	// ErrInvalid means the platform rejected the stored binary.
	ErrInvalid = errors.New("binstore: binary rejected by platform")

	// ErrInvalidKey is returned for keys that cannot name a file.
	ErrInvalidKey = errors.New("binstore: invalid key")

	// ErrEmptyPayload is returned by Save for an empty payload.
	ErrEmptyPayload = errors.New("binstore: empty payload")
)

// Capabilities reports the program binary formats the platform accepts.
type Capabilities interface {
	BinaryFormats() []uint32
}

// Entry is a stored program binary.
type Entry struct {
	Format  uint32
	Payload []byte
}

// Info describes an entry on disk without validating it against the
// platform.
type Info struct {
	Path    string
	Exists  bool
	Format  uint32
	Size    int64
	ModTime time.Time
}

// Store reads and writes entries under a directory.
type Store struct {
	dir  string
	caps Capabilities
}

// New returns a store rooted at dir. caps is queried on every Load.
func New(dir string, caps Capabilities) *Store {
	return &Store{dir: dir, caps: caps}
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the entry path for key.
func (s *Store) Path(key string) string {
	return filepath.Join(s.dir, key+".bin")
}

// Supported reports whether the platform offers at least one format.
func (s *Store) Supported() bool {
	return s.caps != nil && len(s.caps.BinaryFormats()) > 0
}

// Save atomically writes format and payload as the entry for key.
func (s *Store) Save(key string, format uint32, payload []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	if err := atomicfile.WriteFile(s.Path(key), encode(format, payload), 0o644); err != nil {
		return fmt.Errorf("binstore: save %s: %w", key, err)
	}
	return nil
}

// Load returns the entry for key.
//
// The capability check comes first: with no supported formats Load returns
// ErrUnsupported without touching the file. A missing file or a format the
// platform does not list is ErrMiss. Malformed bytes are ErrCorrupt.
func (s *Store) Load(key string) (Entry, error) {
	if err := validKey(key); err != nil {
		return Entry{}, err
	}
	if !s.Supported() {
		return Entry{}, ErrUnsupported
	}
	data, err := os.ReadFile(s.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return Entry{}, ErrMiss
	}
	if err != nil {
		return Entry{}, fmt.Errorf("%w: read %s: %w", ErrCorrupt, key, err)
	}
	e, err := decode(data)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %s: %w", ErrCorrupt, key, err)
	}
	if !slices.Contains(s.caps.BinaryFormats(), e.Format) {
		return Entry{}, fmt.Errorf("%w: %s: format %#x not supported", ErrMiss, key, e.Format)
	}
	return e, nil
}

// Stat describes the entry for key. A missing entry is not an error.
func (s *Store) Stat(key string) (Info, error) {
	if err := validKey(key); err != nil {
		return Info{}, err
	}
	info := Info{Path: s.Path(key)}
	f, err := os.Open(info.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return info, nil
	}
	if err != nil {
		return info, fmt.Errorf("binstore: stat %s: %w", key, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return info, fmt.Errorf("binstore: stat %s: %w", key, err)
	}
	info.Exists = true
	info.ModTime = st.ModTime()

	var hdr [headerSize]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		return info, fmt.Errorf("%w: %s: short header", ErrCorrupt, key)
	}
	info.Format = binary.LittleEndian.Uint32(hdr[0:4])
	info.Size = int64(binary.LittleEndian.Uint64(hdr[4:12]))
	if info.Size != st.Size()-headerSize {
		return info, fmt.Errorf("%w: %s: length %d, file holds %d", ErrCorrupt, key, info.Size, st.Size()-headerSize)
	}
	return info, nil
}

func encode(format uint32, payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], format)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(len(payload)))
	copy(buf[headerSize:], payload)
	return buf
}

func decode(data []byte) (Entry, error) {
	if len(data) < headerSize {
		return Entry{}, fmt.Errorf("short header: %d bytes", len(data))
	}
	format := binary.LittleEndian.Uint32(data[0:4])
	n := binary.LittleEndian.Uint64(data[4:12])
	if n == 0 {
		return Entry{}, errors.New("empty payload")
	}
	if n != uint64(len(data)-headerSize) {
		return Entry{}, fmt.Errorf("length %d, file holds %d", n, len(data)-headerSize)
	}
	return Entry{Format: format, Payload: data[headerSize:]}, nil
}

func validKey(key string) error {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
