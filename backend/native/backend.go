package native

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/progcache"
)

// Binary formats produced by ProgramBinary.
const (
	// FormatSPIRVZstd is a zstd-compressed program image ("SPVZ").
	FormatSPIRVZstd uint32 = 0x5350565A

	// FormatSPIRVLZ4 is an LZ4 block-compressed program image ("SPVL").
	FormatSPIRVLZ4 uint32 = 0x5350564C
)

// Options configures a Backend. The zero value is usable.
type Options struct {
	// Logger receives backend logs. Nil follows progcache.Logger.
	Logger *slog.Logger

	// ColorFormat is the render target format of linked pipelines.
	// Defaults to BGRA8Unorm.
	ColorFormat gputypes.TextureFormat

	// Blend is the color blend state. Defaults to premultiplied alpha.
	Blend *gputypes.BlendState

	// SampleCount is the pipeline multisample count. Defaults to 1.
	SampleCount uint32

	// Format is the binary format ProgramBinary writes: FormatSPIRVZstd
	// (default) or FormatSPIRVLZ4. Both are accepted on restore.
	Format uint32

	// DisableBinaries makes the backend report no binary formats, which
	// turns off binary caching in progcache.
	DisableBinaries bool

	// Adapter identifies the GPU and driver. Binaries built under a
	// different identity are rejected on restore. See AdapterIdentity.
	Adapter string

	// Toolchain overrides the shader toolchain identity recorded in
	// binaries. Defaults to the linked naga module version.
	Toolchain string
}

// Stats counts live GPU objects owned by a Backend.
type Stats struct {
	Modules   int64
	Pipelines int64
	Buffers   int64
}

// Backend compiles and links WGSL programs on a HAL device.
// It is safe for concurrent use.
type Backend struct {
	device hal.Device
	queue  hal.Queue
	opts   Options

	toolchain string
	adapter   string

	mu     sync.Mutex
	active *Program

	modules   atomic.Int64
	pipelines atomic.Int64
	buffers   atomic.Int64
}

var _ progcache.Backend = (*Backend)(nil)

// New creates a backend on an existing device and queue.
func New(device hal.Device, queue hal.Queue, opts Options) (*Backend, error) {
	if device == nil {
		return nil, ErrNilDevice
	}
	if queue == nil {
		return nil, ErrNilQueue
	}
	if opts.ColorFormat == gputypes.TextureFormatUndefined {
		opts.ColorFormat = gputypes.TextureFormatBGRA8Unorm
	}
	if opts.Blend == nil {
		premul := gputypes.BlendStatePremultiplied()
		opts.Blend = &premul
	}
	if opts.SampleCount == 0 {
		opts.SampleCount = 1
	}
	switch opts.Format {
	case 0:
		opts.Format = FormatSPIRVZstd
	case FormatSPIRVZstd, FormatSPIRVLZ4:
	default:
		return nil, fmt.Errorf("%w: %#x", ErrUnsupportedFormat, opts.Format)
	}

	b := &Backend{
		device:    device,
		queue:     queue,
		opts:      opts,
		toolchain: opts.Toolchain,
		adapter:   opts.Adapter,
	}
	if b.toolchain == "" {
		b.toolchain = defaultToolchain()
	}
	if b.adapter == "" {
		b.adapter = "unknown"
	}
	return b, nil
}

// NewFromProvider creates a backend on the device of a gpucontext provider.
// The provider must expose HalDevice and HalQueue. When opts.Adapter is
// empty the adapter identity is taken from the provider (see
// ProviderIdentity), and the provider's surface format is used as the
// color format.
func NewFromProvider(provider gpucontext.DeviceProvider, opts Options) (*Backend, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrProviderNotHAL
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrProviderNotHAL)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrProviderNotHAL)
	}
	if opts.Adapter == "" {
		opts.Adapter = ProviderIdentity(provider)
	}
	if opts.ColorFormat == gputypes.TextureFormatUndefined {
		opts.ColorFormat = provider.SurfaceFormat()
	}
	return New(device, queue, opts)
}

// ProviderIdentity returns the adapter identity of a provider. When the
// provider's adapter reports full HAL adapter info through an
// Info() gputypes.AdapterInfo method, the result equals AdapterIdentity of
// that info, so driver changes are detected. Otherwise it is built from the
// adapter type and name, the only fields gpucontext.AdapterInfo carries.
func ProviderIdentity(provider gpucontext.DeviceProvider) string {
	type infoAdapter interface {
		Info() gputypes.AdapterInfo
	}
	if a, ok := provider.Adapter().(infoAdapter); ok {
		return AdapterIdentity(a.Info())
	}
	info := provider.AdapterInfo()
	return fmt.Sprintf("provider/%s/%s", info.Type, info.Name)
}

// AdapterIdentity formats adapter info as a binary compatibility identity.
// Any change of backend, device or driver produces a different identity.
func AdapterIdentity(info gputypes.AdapterInfo) string {
	return fmt.Sprintf("%s/%s/%04x:%04x/%s %s",
		info.Backend, info.Name, info.VendorID, info.DeviceID, info.Driver, info.DriverInfo)
}

func defaultToolchain() string {
	version := "devel"
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, dep := range bi.Deps {
			if dep.Path == "github.com/gogpu/naga" {
				version = dep.Version
				if dep.Replace != nil && dep.Replace.Version != "" {
					version = dep.Replace.Version
				}
				break
			}
		}
	}
	return "naga@" + version + "+spirv1.3"
}

// Toolchain returns the toolchain identity recorded in binaries.
func (b *Backend) Toolchain() string { return b.toolchain }

// Adapter returns the adapter identity recorded in binaries.
func (b *Backend) Adapter() string { return b.adapter }

// Stats returns the live object counts.
func (b *Backend) Stats() Stats {
	return Stats{
		Modules:   b.modules.Load(),
		Pipelines: b.pipelines.Load(),
		Buffers:   b.buffers.Load(),
	}
}

func (b *Backend) logger() *slog.Logger {
	if b.opts.Logger != nil {
		return b.opts.Logger
	}
	return progcache.Logger()
}

// BinaryFormats lists the formats accepted by RestoreProgram, preferred
// format first. It is empty when binaries are disabled.
func (b *Backend) BinaryFormats() []uint32 {
	if b.opts.DisableBinaries {
		return nil
	}
	if b.opts.Format == FormatSPIRVLZ4 {
		return []uint32{FormatSPIRVLZ4, FormatSPIRVZstd}
	}
	return []uint32{FormatSPIRVZstd, FormatSPIRVLZ4}
}

// BindProgram makes p the active program for Encode.
func (b *Backend) BindProgram(h progcache.ProgramHandle) error {
	p, err := b.program(h)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.active = p
	b.mu.Unlock()
	return nil
}

// Active returns the program bound last, or nil.
func (b *Backend) Active() *Program {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// Encode sets the active program's pipeline and bind groups on pass.
func (b *Backend) Encode(pass hal.RenderPassEncoder) error {
	p := b.Active()
	if p == nil {
		return ErrNoActiveProgram
	}
	return p.Encode(pass)
}

func (b *Backend) program(h progcache.ProgramHandle) (*Program, error) {
	p, ok := h.(*Program)
	if !ok || p == nil || p.backend != b {
		return nil, ErrForeignHandle
	}
	return p, nil
}

func (b *Backend) clearActive(p *Program) {
	b.mu.Lock()
	if b.active == p {
		b.active = nil
	}
	b.mu.Unlock()
}
