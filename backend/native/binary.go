package native

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/gogpu/progcache"
)

// maxImageSize bounds the decompressed size of a program image.
const maxImageSize = 64 << 20

// Decoder bounds for the structure of a program image.
const (
	maxImageDepth    = 16
	maxImageElements = 1024
)

// programImage is the serialized form of a linked program.
type programImage struct {
	Toolchain string       `cbor:"toolchain"`
	Adapter   string       `cbor:"adapter"`
	Stages    []stageImage `cbor:"stages"`
}

// stageImage is one stage of a programImage.
type stageImage struct {
	Kind     uint8         `cbor:"kind"`
	Entry    string        `cbor:"entry"`
	SPIRV    []byte        `cbor:"spirv"`
	Uniforms []Uniform     `cbor:"uniforms,omitempty"`
	Inputs   []VertexInput `cbor:"inputs,omitempty"`
	Stride   uint64        `cbor:"stride,omitempty"`
}

func imageOf(s *Stage) stageImage {
	return stageImage{
		Kind:     uint8(s.kind),
		Entry:    s.entry,
		SPIRV:    s.code,
		Uniforms: s.uniforms,
		Inputs:   s.inputs,
		Stride:   s.stride,
	}
}

// encMode uses Core Deterministic Encoding so the same program always
// produces identical bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("native: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxNestedLevels:  maxImageDepth,
		MaxArrayElements: maxImageElements,
		MaxMapPairs:      maxImageElements,
	}.DecMode()
	if err != nil {
		panic("native: CBOR decoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("native: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxImageSize))
	if err != nil {
		panic("native: zstd decoder initialization failed: " + err.Error())
	}
}

// ProgramBinary encodes the program in the backend's preferred format.
func (b *Backend) ProgramBinary(h progcache.ProgramHandle) (uint32, []byte, error) {
	p, err := b.program(h)
	if err != nil {
		return 0, nil, err
	}
	p.mu.Lock()
	released := p.released
	p.mu.Unlock()
	if released {
		return 0, nil, ErrReleased
	}

	raw, err := encMode.Marshal(programImage{
		Toolchain: b.toolchain,
		Adapter:   b.adapter,
		Stages:    []stageImage{p.vertex, p.fragment},
	})
	if err != nil {
		return 0, nil, fmt.Errorf("native: encode image: %w", err)
	}
	payload, err := compress(b.opts.Format, raw)
	if err != nil {
		return 0, nil, err
	}
	return b.opts.Format, payload, nil
}

// RestoreProgram rebuilds a program from a binary produced by
// ProgramBinary. The image must come from the same toolchain and adapter.
func (b *Backend) RestoreProgram(format uint32, payload []byte) (progcache.ProgramHandle, error) {
	if b.opts.DisableBinaries {
		return nil, fmt.Errorf("%w: binaries disabled", ErrUnsupportedFormat)
	}
	raw, err := decompress(format, payload)
	if err != nil {
		return nil, err
	}
	var img programImage
	if err := decMode.Unmarshal(raw, &img); err != nil {
		return nil, fmt.Errorf("native: decode image: %w", err)
	}
	if img.Toolchain != b.toolchain {
		return nil, fmt.Errorf("%w: %q, running %q", ErrToolchainMismatch, img.Toolchain, b.toolchain)
	}
	if img.Adapter != b.adapter {
		return nil, fmt.Errorf("%w: %q, running on %q", ErrAdapterMismatch, img.Adapter, b.adapter)
	}

	var vimg, fimg *stageImage
	for i := range img.Stages {
		si := &img.Stages[i]
		switch progcache.StageKind(si.Kind) {
		case progcache.StageVertex:
			if vimg != nil {
				return nil, fmt.Errorf("%w: duplicate vertex stage", ErrStageSet)
			}
			vimg = si
		case progcache.StageFragment:
			if fimg != nil {
				return nil, fmt.Errorf("%w: duplicate fragment stage", ErrStageSet)
			}
			fimg = si
		default:
			return nil, fmt.Errorf("%w: unknown stage kind %d", ErrStageSet, si.Kind)
		}
	}
	if vimg == nil || fimg == nil {
		return nil, fmt.Errorf("%w: image has %d stages", ErrStageSet, len(img.Stages))
	}

	vs, err := b.stageFromImage(progcache.StageVertex, vimg)
	if err != nil {
		return nil, err
	}
	defer b.ReleaseStage(vs)
	fs, err := b.stageFromImage(progcache.StageFragment, fimg)
	if err != nil {
		return nil, err
	}
	defer b.ReleaseStage(fs)

	p, err := b.link(vs, fs)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (b *Backend) stageFromImage(kind progcache.StageKind, img *stageImage) (*Stage, error) {
	if img.Entry == "" {
		return nil, fmt.Errorf("native: %s stage image has no entry point", kind)
	}
	s := &Stage{
		backend:  b,
		kind:     kind,
		entry:    img.Entry,
		code:     img.SPIRV,
		uniforms: img.Uniforms,
		inputs:   img.Inputs,
		stride:   img.Stride,
	}
	if err := b.createModule(s); err != nil {
		return nil, fmt.Errorf("native: %s stage: %w", kind, err)
	}
	return s, nil
}

// compress wraps a program image in the given format. LZ4 payloads start
// with the uncompressed length as a little-endian uint32; a block the same
// length as the image is stored uncompressed.
func compress(format uint32, raw []byte) ([]byte, error) {
	switch format {
	case FormatSPIRVZstd:
		return zstdEncoder.EncodeAll(raw, nil), nil
	case FormatSPIRVLZ4:
		out := make([]byte, 4+lz4.CompressBlockBound(len(raw)))
		binary.LittleEndian.PutUint32(out, uint32(len(raw)))
		n, err := lz4.CompressBlock(raw, out[4:], nil)
		if err != nil {
			return nil, fmt.Errorf("native: lz4 compress: %w", err)
		}
		if n == 0 || n >= len(raw) {
			return append(out[:4], raw...), nil
		}
		return out[:4+n], nil
	}
	return nil, fmt.Errorf("%w: %#x", ErrUnsupportedFormat, format)
}

func decompress(format uint32, payload []byte) ([]byte, error) {
	switch format {
	case FormatSPIRVZstd:
		raw, err := zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("native: zstd decompress: %w", err)
		}
		return raw, nil
	case FormatSPIRVLZ4:
		if len(payload) < 4 {
			return nil, errors.New("native: lz4 payload too short")
		}
		size := binary.LittleEndian.Uint32(payload)
		block := payload[4:]
		if size > maxImageSize {
			return nil, fmt.Errorf("native: lz4 image of %d bytes exceeds limit", size)
		}
		if uint32(len(block)) == size {
			return block, nil
		}
		raw := make([]byte, size)
		n, err := lz4.UncompressBlock(block, raw)
		if err != nil {
			return nil, fmt.Errorf("native: lz4 decompress: %w", err)
		}
		if n != int(size) {
			return nil, fmt.Errorf("native: lz4 decompress: got %d bytes, expected %d", n, size)
		}
		return raw, nil
	}
	return nil, fmt.Errorf("%w: %#x", ErrUnsupportedFormat, format)
}
