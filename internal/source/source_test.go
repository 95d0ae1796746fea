package source

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"lf untouched", "a\nb\n", "a\nb\n"},
		{"crlf", "a\r\nb\r\n", "a\nb\n"},
		{"lone cr", "a\rb\r", "a\nb\n"},
		{"mixed", "a\r\nb\rc\n", "a\nb\nc\n"},
		{"double cr", "a\r\r\nb", "a\n\nb"},
		{"utf8 bom", "\xef\xbb\xbf@vertex\r\n", "@vertex\n"},
		{"trailing cr", "x\r", "x\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.in)
			if err != nil {
				t.Fatalf("Normalize(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeUTF16(t *testing.T) {
	// "a\r\nb" in UTF-16LE with BOM.
	in := string([]byte{0xff, 0xfe, 'a', 0, '\r', 0, '\n', 0, 'b', 0})
	got, err := Normalize(in)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if got != "a\nb" {
		t.Errorf("Normalize(utf16) = %q, want %q", got, "a\nb")
	}
}

func TestNormalizeLargeInput(t *testing.T) {
	// Larger than the transform buffer so CRLF pairs straddle chunk edges.
	line := strings.Repeat("x", 127) + "\r\n"
	in := strings.Repeat(line, 200)
	want := strings.Repeat(strings.Repeat("x", 127)+"\n", 200)

	got, err := Normalize(in)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if got != want {
		t.Errorf("Normalize(large) length = %d, want %d", len(got), len(want))
	}
}

func TestRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shader.wgsl")
	if err := os.WriteFile(path, []byte("fn main() {}\r\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got != "fn main() {}\n" {
		t.Errorf("Read() = %q", got)
	}

	if _, err := Read(filepath.Join(t.TempDir(), "missing.wgsl")); !os.IsNotExist(err) {
		t.Errorf("Read(missing) error = %v, want not-exist", err)
	}
}
