package progcache

import (
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/zeebo/blake3"
)

// keyDomain separates derived cache keys from stage fingerprints.
var keyDomain = [32]byte{
	'p', 'r', 'o', 'g', 'c', 'a', 'c', 'h', 'e', '.', 'k', 'e', 'y', 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// errInlineKey is returned when a key must be derived from inline sources.
var errInlineKey = errors.New("progcache: inline stage sources need an explicit key")

// SanitizeKey maps an explicit key to a file-name-safe form. Bytes outside
// [A-Za-z0-9._-] become '_'; "." and ".." are rejected by returning "".
func SanitizeKey(key string) string {
	b := []byte(key)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '-':
		default:
			b[i] = '_'
		}
	}
	s := string(b)
	if s == "." || s == ".." {
		return ""
	}
	return s
}

// DeriveKey returns a stable key for a set of stage source files: the hex
// form of the first 16 bytes of a BLAKE3 digest over the sorted
// "kind=absolute-path" lines. The key depends on file locations only, never
// on their contents, so edits are detected by fingerprints rather than by a
// key change.
func DeriveKey(stages []StageSource) (string, error) {
	if len(stages) == 0 {
		return "", fmt.Errorf("%w: no stages", ErrInvalidRequest)
	}
	lines := make([]string, 0, len(stages))
	for _, s := range stages {
		if s.Path == "" {
			return "", errInlineKey
		}
		abs, err := filepath.Abs(s.Path)
		if err != nil {
			return "", fmt.Errorf("progcache: derive key: %w", err)
		}
		lines = append(lines, s.Kind.String()+"="+filepath.ToSlash(filepath.Clean(abs)))
	}
	slices.Sort(lines)

	hasher, err := blake3.NewKeyed(keyDomain[:])
	if err != nil {
		panic("progcache: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = hasher.Write([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(hasher.Sum(nil)[:16]), nil
}

// ResolveKey returns the key a request is stored under: the sanitised
// explicit key, or a key derived from the stage paths.
func ResolveKey(req Request) (string, error) {
	if req.Key != "" {
		k := SanitizeKey(req.Key)
		if k == "" {
			return "", fmt.Errorf("%w: key %q", ErrInvalidRequest, req.Key)
		}
		return k, nil
	}
	return DeriveKey(req.Stages)
}
