// Package source reads shader stage sources and normalises them so that
// byte-level differences that do not change program meaning (byte order
// marks, CRLF or CR line endings) never produce a different fingerprint.
package source

import (
	"fmt"
	"os"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Read loads the file at path and returns its normalised text.
func Read(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return Normalize(string(data))
}

// Normalize strips a leading byte order mark (decoding UTF-16 sources to
// UTF-8 when the mark says so) and rewrites CRLF and lone CR as LF.
func Normalize(text string) (string, error) {
	t := transform.Chain(unicode.BOMOverride(unicode.UTF8.NewDecoder()), lineEndings{})
	out, _, err := transform.String(t, text)
	if err != nil {
		return "", fmt.Errorf("source: normalize: %w", err)
	}
	return out, nil
}

// lineEndings is a transform.Transformer mapping "\r\n" and "\r" to "\n".
type lineEndings struct{ transform.NopResetter }

func (lineEndings) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nSrc < len(src) {
		c := src[nSrc]
		if c != '\r' {
			if nDst >= len(dst) {
				return nDst, nSrc, transform.ErrShortDst
			}
			dst[nDst] = c
			nDst++
			nSrc++
			continue
		}
		// A trailing CR may be the first half of CRLF split across buffers.
		if nSrc+1 == len(src) && !atEOF {
			return nDst, nSrc, transform.ErrShortSrc
		}
		if nDst >= len(dst) {
			return nDst, nSrc, transform.ErrShortDst
		}
		dst[nDst] = '\n'
		nDst++
		nSrc++
		if nSrc < len(src) && src[nSrc] == '\n' {
			nSrc++
		}
	}
	return nDst, nSrc, nil
}
