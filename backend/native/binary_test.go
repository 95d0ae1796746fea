package native

import (
	"bytes"
	"errors"
	"slices"
	"testing"
)

func TestProgramBinaryRoundTrip(t *testing.T) {
	for _, format := range []uint32{FormatSPIRVZstd, FormatSPIRVLZ4} {
		t.Run(formatName(format), func(t *testing.T) {
			b := newTestBackend(t, Options{Format: format, Adapter: "test-adapter"})
			p := mustLink(t, b, vertexWGSL, fragmentWGSL)
			defer b.ReleaseProgram(p)

			gotFormat, payload, err := b.ProgramBinary(p)
			if err != nil {
				t.Fatalf("ProgramBinary() error = %v", err)
			}
			if gotFormat != format {
				t.Errorf("ProgramBinary() format = %#x, want %#x", gotFormat, format)
			}
			if b.BinaryFormats()[0] != format {
				t.Errorf("BinaryFormats() = %#x, preferred format not first", b.BinaryFormats())
			}

			h, err := b.RestoreProgram(gotFormat, payload)
			if err != nil {
				t.Fatalf("RestoreProgram() error = %v", err)
			}
			restored := h.(*Program)
			defer b.ReleaseProgram(restored)

			if !slices.Equal(restored.Uniforms(), p.Uniforms()) {
				t.Errorf("restored Uniforms() = %v, want %v", restored.Uniforms(), p.Uniforms())
			}
			if !bytes.Equal(restored.vertex.SPIRV, p.vertex.SPIRV) {
				t.Error("restored vertex SPIR-V differs")
			}
			if restored.vertex.Stride != 12 || len(restored.vertex.Inputs) != 1 {
				t.Errorf("restored vertex inputs = %+v stride %d", restored.vertex.Inputs, restored.vertex.Stride)
			}
			// Restore creates and releases its own stage modules.
			if st := b.Stats(); st.Modules != 0 || st.Pipelines != 2 {
				t.Errorf("Stats() = %+v, want 0 modules and 2 pipelines", st)
			}
		})
	}
}

func TestProgramBinaryReleased(t *testing.T) {
	b := newTestBackend(t, Options{})
	p := mustLink(t, b, vertexWGSL, fragmentWGSL)
	b.ReleaseProgram(p)
	if _, _, err := b.ProgramBinary(p); !errors.Is(err, ErrReleased) {
		t.Errorf("ProgramBinary(released) error = %v, want ErrReleased", err)
	}
}

func TestRestoreProgramRejects(t *testing.T) {
	b := newTestBackend(t, Options{Adapter: "gpu-a", Toolchain: "naga@test"})
	p := mustLink(t, b, vertexWGSL, fragmentWGSL)
	defer b.ReleaseProgram(p)
	format, payload, err := b.ProgramBinary(p)
	if err != nil {
		t.Fatalf("ProgramBinary() error = %v", err)
	}

	encodeImage := func(img programImage) []byte {
		t.Helper()
		raw, err := encMode.Marshal(img)
		if err != nil {
			t.Fatal(err)
		}
		out, err := compress(FormatSPIRVZstd, raw)
		if err != nil {
			t.Fatal(err)
		}
		return out
	}
	good := programImage{Toolchain: "naga@test", Adapter: "gpu-a", Stages: []stageImage{p.vertex, p.fragment}}
	badSPIRV := good
	badSPIRV.Stages = []stageImage{p.vertex, p.fragment}
	badSPIRV.Stages[1].SPIRV = bytes.Repeat([]byte{0xAB}, 40)
	vertexOnly := good
	vertexOnly.Stages = []stageImage{p.vertex}

	tests := []struct {
		name    string
		backend *Backend
		format  uint32
		payload []byte
		want    error
	}{
		{"unknown format", b, 0x1234, payload, ErrUnsupportedFormat},
		{"garbage payload", b, format, []byte("not zstd at all"), nil},
		{"truncated lz4", b, FormatSPIRVLZ4, []byte{1, 0}, nil},
		{"toolchain upgrade", newTestBackend(t, Options{Adapter: "gpu-a", Toolchain: "naga@next"}), format, payload, ErrToolchainMismatch},
		{"different adapter", newTestBackend(t, Options{Adapter: "gpu-b", Toolchain: "naga@test"}), format, payload, ErrAdapterMismatch},
		{"binaries disabled", newTestBackend(t, Options{Adapter: "gpu-a", Toolchain: "naga@test", DisableBinaries: true}), format, payload, ErrUnsupportedFormat},
		{"bad spirv", b, FormatSPIRVZstd, encodeImage(badSPIRV), ErrBadSPIRV},
		{"missing stage", b, FormatSPIRVZstd, encodeImage(vertexOnly), ErrStageSet},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := tt.backend.Stats()
			h, err := tt.backend.RestoreProgram(tt.format, tt.payload)
			if err == nil {
				t.Fatalf("RestoreProgram() = %v, want error", h)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("RestoreProgram() error = %v, want %v", err, tt.want)
			}
			if after := tt.backend.Stats(); after != before {
				t.Errorf("rejected restore leaked objects: %+v -> %+v", before, after)
			}
		})
	}
}

func TestRestoreProgramBoundsImage(t *testing.T) {
	b := newTestBackend(t, Options{Adapter: "gpu-a", Toolchain: "naga@test"})

	img := programImage{Toolchain: "naga@test", Adapter: "gpu-a"}
	img.Stages = make([]stageImage, maxImageElements+1)
	raw, err := encMode.Marshal(img)
	if err != nil {
		t.Fatal(err)
	}
	payload, err := compress(FormatSPIRVZstd, raw)
	if err != nil {
		t.Fatal(err)
	}

	before := b.Stats()
	if h, err := b.RestoreProgram(FormatSPIRVZstd, payload); err == nil {
		t.Fatalf("RestoreProgram(%d stages) = %v, want error", len(img.Stages), h)
	}
	if after := b.Stats(); after != before {
		t.Errorf("oversized image leaked objects: %+v -> %+v", before, after)
	}

	var back programImage
	if err := decMode.Unmarshal(raw, &back); err == nil {
		t.Error("decMode accepted an image over the element limit")
	}
}

func TestLZ4StoresIncompressibleRaw(t *testing.T) {
	raw := []byte{0x01, 0x7f, 0x33}
	out, err := compress(FormatSPIRVLZ4, raw)
	if err != nil {
		t.Fatalf("compress() error = %v", err)
	}
	if len(out) != 4+len(raw) {
		t.Errorf("compressed length = %d, want %d", len(out), 4+len(raw))
	}
	back, err := decompress(FormatSPIRVLZ4, out)
	if err != nil {
		t.Fatalf("decompress() error = %v", err)
	}
	if !bytes.Equal(back, raw) {
		t.Errorf("decompress() = %v, want %v", back, raw)
	}
}

func TestLZ4RoundTripCompressible(t *testing.T) {
	raw := bytes.Repeat([]byte("progcache "), 200)
	out, err := compress(FormatSPIRVLZ4, raw)
	if err != nil {
		t.Fatalf("compress() error = %v", err)
	}
	if len(out) >= len(raw) {
		t.Errorf("compressed length %d not smaller than %d", len(out), len(raw))
	}
	back, err := decompress(FormatSPIRVLZ4, out)
	if err != nil {
		t.Fatalf("decompress() error = %v", err)
	}
	if !bytes.Equal(back, raw) {
		t.Error("lz4 round trip changed the data")
	}
}

func formatName(format uint32) string {
	switch format {
	case FormatSPIRVZstd:
		return "zstd"
	case FormatSPIRVLZ4:
		return "lz4"
	}
	return "unknown"
}
