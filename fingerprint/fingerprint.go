// Package fingerprint computes content fingerprints of stage sources and
// persists the last committed fingerprint per stage per cache key.
//
// A fingerprint is a BLAKE3 keyed digest of the normalised source text, so
// byte order marks and CRLF/CR line endings never change it. Records are
// stored one file per stage, next to the cache entry:
//
//	<dir>/<key>_<stage>.hash
//
// Each record holds exactly the 32 raw digest bytes and is written
// atomically. A record of any other size is treated as absent.
package fingerprint

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/gogpu/progcache/internal/source"
)

// Size is the length of a fingerprint in bytes.
const Size = 32

// Sum is a stage source fingerprint.
type Sum [Size]byte

// domainKey separates stage fingerprints from every other use of BLAKE3 in
// this module. Changing it invalidates all stored records.
var domainKey = [32]byte{
	'p', 'r', 'o', 'g', 'c', 'a', 'c', 'h', 'e', '.', 's', 't', 'a', 'g', 'e', '.',
	's', 'o', 'u', 'r', 'c', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Of returns the fingerprint of text after normalisation.
// Already-normalised text hashes to the same value.
func Of(text string) Sum {
	if norm, err := source.Normalize(text); err == nil {
		text = norm
	}
	return sumBytes([]byte(text))
}

func sumBytes(data []byte) Sum {
	hasher, err := blake3.NewKeyed(domainKey[:])
	if err != nil {
		panic("fingerprint: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = hasher.Write(data)
	var s Sum
	copy(s[:], hasher.Sum(nil))
	return s
}

// String returns the lower-case hex form of s.
func (s Sum) String() string {
	return hex.EncodeToString(s[:])
}

// Short returns the first 12 hex digits of s, for logs.
func (s Sum) Short() string {
	return s.String()[:12]
}

// IsZero reports whether s is the zero value.
func (s Sum) IsZero() bool {
	return s == Sum{}
}

// ParseHex parses the hex form produced by String.
func ParseHex(str string) (Sum, error) {
	var s Sum
	b, err := hex.DecodeString(str)
	if err != nil {
		return s, fmt.Errorf("fingerprint: parse %q: %w", str, err)
	}
	if len(b) != Size {
		return s, fmt.Errorf("fingerprint: parse %q: %w", str, errBadLength)
	}
	copy(s[:], b)
	return s, nil
}

var errBadLength = errors.New("wrong length")
