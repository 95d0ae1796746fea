package native

import (
	"testing"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/progcache"
)

// =============================================================================
// Test Helpers
// =============================================================================

const vertexWGSL = `
struct Transform {
    mvp: mat4x4<f32>,
}

@group(0) @binding(0) var<uniform> transform: Transform;

@vertex
fn vs_main(@location(0) position: vec3<f32>) -> @builtin(position) vec4<f32> {
    return transform.mvp * vec4<f32>(position, 1.0);
}
`

const fragmentWGSL = `
struct Material {
    tint: vec4<f32>,
}

@group(0) @binding(1) var<uniform> material: Material;

@fragment
fn fs_main() -> @location(0) vec4<f32> {
    return material.tint;
}
`

// conflictingFragmentWGSL reuses the vertex stage's binding slot.
const conflictingFragmentWGSL = `
struct Material {
    tint: vec4<f32>,
}

@group(0) @binding(0) var<uniform> material: Material;

@fragment
fn fs_main() -> @location(0) vec4<f32> {
    return material.tint;
}
`

const sharedVertexWGSL = `
struct Frame {
    tint: vec4<f32>,
}

@group(0) @binding(0) var<uniform> frame: Frame;

@vertex
fn vs_main(@location(0) position: vec3<f32>) -> @builtin(position) vec4<f32> {
    return vec4<f32>(position * frame.tint.x, 1.0);
}
`

const sharedFragmentWGSL = `
struct Frame {
    tint: vec4<f32>,
}

@group(0) @binding(0) var<uniform> frame: Frame;

@fragment
fn fs_main() -> @location(0) vec4<f32> {
    return frame.tint;
}
`

// openNoop opens a device on the noop HAL backend.
func openNoop(t *testing.T) hal.OpenDevice {
	t.Helper()
	inst, err := noop.API{}.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	t.Cleanup(inst.Destroy)
	adapters := inst.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		t.Fatal("noop backend exposes no adapters")
	}
	od, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return od
}

func newTestBackend(t *testing.T, opts Options) *Backend {
	t.Helper()
	od := openNoop(t)
	b, err := New(od.Device, od.Queue, opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return b
}

func mustCompile(t *testing.T, b *Backend, kind progcache.StageKind, src string) *Stage {
	t.Helper()
	h, err := b.CompileStage(kind, src)
	if err != nil {
		t.Fatalf("CompileStage(%s) error = %v", kind, err)
	}
	return h.(*Stage)
}

func mustLink(t *testing.T, b *Backend, vs, fs string) *Program {
	t.Helper()
	v := mustCompile(t, b, progcache.StageVertex, vs)
	f := mustCompile(t, b, progcache.StageFragment, fs)
	defer b.ReleaseStage(v)
	defer b.ReleaseStage(f)
	h, err := b.LinkProgram([]progcache.StageHandle{v, f})
	if err != nil {
		t.Fatalf("LinkProgram() error = %v", err)
	}
	return h.(*Program)
}

// recordingPass records the encode calls a Program makes.
type recordingPass struct {
	hal.RenderPassEncoder
	pipelines  int
	bindGroups []uint32
}

func (r *recordingPass) SetPipeline(hal.RenderPipeline) { r.pipelines++ }

func (r *recordingPass) SetBindGroup(index uint32, _ hal.BindGroup, _ []uint32) {
	r.bindGroups = append(r.bindGroups, index)
}

// halProvider is a gpucontext.DeviceProvider exposing HAL types.
type halProvider struct {
	od      hal.OpenDevice
	info    gpucontext.AdapterInfo
	adapter gpucontext.Adapter
}

func (p *halProvider) Device() gpucontext.Device {
	return p.od.Device
}

func (p *halProvider) Queue() gpucontext.Queue {
	return p.od.Queue
}

func (p *halProvider) SurfaceFormat() gputypes.TextureFormat {
	return gputypes.TextureFormatRGBA8Unorm
}

func (p *halProvider) Adapter() gpucontext.Adapter {
	return p.adapter
}

func (p *halProvider) AdapterInfo() gpucontext.AdapterInfo {
	return p.info
}

func (p *halProvider) HalDevice() any {
	return p.od.Device
}

func (p *halProvider) HalQueue() any {
	return p.od.Queue
}

// infoAdapter is a provider adapter that reports full HAL adapter info.
type infoAdapter struct {
	info gputypes.AdapterInfo
}

func (a infoAdapter) Info() gputypes.AdapterInfo {
	return a.info
}

// plainProvider does not expose HAL types.
type plainProvider struct{ gpucontext.DeviceProvider }
