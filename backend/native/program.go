package native

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/progcache"
)

// Program is a linked render pipeline with its uniform buffers.
type Program struct {
	backend *Backend

	vertex   stageImage
	fragment stageImage
	bindings []binding

	// fields indexes uniform locations; index maps names to fields.
	fields []field
	index  map[string]int

	mu           sync.Mutex
	groupLayouts []hal.BindGroupLayout
	pipeLayout   hal.PipelineLayout
	pipeline     hal.RenderPipeline
	blocks       []*uniformBlock
	groups       []hal.BindGroup
	released     bool
}

// field is a settable range of a uniform buffer.
type field struct {
	name   string
	block  int
	offset uint32
	size   uint32
}

// uniformBlock is one uniform buffer with its CPU shadow copy.
type uniformBlock struct {
	group   uint32
	binding uint32
	buffer  hal.Buffer
	shadow  []byte
}

// newProgram indexes uniform names. A binding is addressed by its variable
// name, a struct member by "variable.member", and also by the bare member
// name when no other binding or member uses it.
func newProgram(b *Backend, vs, fs *Stage, bindings []binding) *Program {
	p := &Program{
		backend:  b,
		vertex:   imageOf(vs),
		fragment: imageOf(fs),
		bindings: bindings,
		index:    make(map[string]int),
	}
	add := func(f field) {
		p.index[f.name] = len(p.fields)
		p.fields = append(p.fields, f)
	}
	bare := make(map[string]int)
	for i, bd := range bindings {
		add(field{name: bd.Name, block: i, size: bd.Size})
		for _, m := range bd.Members {
			add(field{name: bd.Name + "." + m.Name, block: i, offset: m.Offset, size: m.Size})
			bare[m.Name]++
		}
	}
	for i, bd := range bindings {
		for _, m := range bd.Members {
			if _, taken := p.index[m.Name]; taken || bare[m.Name] != 1 {
				continue
			}
			add(field{name: m.Name, block: i, offset: m.Offset, size: m.Size})
		}
	}
	return p
}

// createUniforms allocates one buffer per binding and one bind group per
// group layout.
func (p *Program) createUniforms() error {
	b := p.backend
	for _, bd := range p.bindings {
		size := alignUniform(uint64(bd.Size))
		buf, err := b.device.CreateBuffer(&hal.BufferDescriptor{
			Label: fmt.Sprintf("progcache_%s", bd.Name),
			Size:  size,
			Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
		})
		if err != nil {
			return fmt.Errorf("create uniform buffer %q: %w", bd.Name, err)
		}
		b.buffers.Add(1)
		p.blocks = append(p.blocks, &uniformBlock{
			group:   bd.Group,
			binding: bd.Binding,
			buffer:  buf,
			shadow:  make([]byte, size),
		})
	}

	for g, layout := range p.groupLayouts {
		var entries []gputypes.BindGroupEntry
		for _, blk := range p.blocks {
			if blk.group != uint32(g) {
				continue
			}
			entries = append(entries, gputypes.BindGroupEntry{
				Binding: blk.binding,
				Resource: gputypes.BufferBinding{
					Buffer: blk.buffer.NativeHandle(),
					Size:   uint64(len(blk.shadow)),
				},
			})
		}
		group, err := b.device.CreateBindGroup(&hal.BindGroupDescriptor{
			Label:   fmt.Sprintf("progcache_group%d", g),
			Layout:  layout,
			Entries: entries,
		})
		if err != nil {
			return fmt.Errorf("create bind group %d: %w", g, err)
		}
		p.groups = append(p.groups, group)
	}
	return nil
}

// alignUniform rounds a uniform buffer size up to 16 bytes.
func alignUniform(n uint64) uint64 {
	if n == 0 {
		return 16
	}
	return (n + 15) &^ 15
}

// Encode sets the program's pipeline and bind groups on pass.
func (p *Program) Encode(pass hal.RenderPassEncoder) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return ErrReleased
	}
	pass.SetPipeline(p.pipeline)
	for g, group := range p.groups {
		pass.SetBindGroup(uint32(g), group, nil)
	}
	return nil
}

// Uniforms returns the names accepted by UniformLocation.
func (p *Program) Uniforms() []string {
	names := make([]string, len(p.fields))
	for i, f := range p.fields {
		names[i] = f.name
	}
	return names
}

// UniformData returns a copy of the CPU shadow of a named uniform.
func (p *Program) UniformData(name string) ([]byte, bool) {
	i, ok := p.index[name]
	if !ok {
		return nil, false
	}
	f := p.fields[i]
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return nil, false
	}
	out := make([]byte, f.size)
	copy(out, p.blocks[f.block].shadow[f.offset:])
	return out, true
}

func (p *Program) set(location int, data []byte) error {
	if location < 0 || location >= len(p.fields) {
		return fmt.Errorf("%w: %d", ErrUnknownLocation, location)
	}
	f := p.fields[location]
	if len(data) > int(f.size) {
		return fmt.Errorf("%w: %q is %d bytes, got %d", ErrUniformSize, f.name, f.size, len(data))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return ErrReleased
	}
	blk := p.blocks[f.block]
	copy(blk.shadow[f.offset:], data)
	if err := p.backend.queue.WriteBuffer(blk.buffer, uint64(f.offset), data); err != nil {
		return fmt.Errorf("native: write uniform %q: %w", f.name, err)
	}
	return nil
}

// destroy releases GPU objects in reverse creation order.
func (p *Program) destroy() {
	b := p.backend
	if p.pipeline != nil {
		b.device.DestroyRenderPipeline(p.pipeline)
		p.pipeline = nil
		b.pipelines.Add(-1)
	}
	for _, g := range p.groups {
		b.device.DestroyBindGroup(g)
	}
	p.groups = nil
	for _, blk := range p.blocks {
		b.device.DestroyBuffer(blk.buffer)
		b.buffers.Add(-1)
	}
	p.blocks = nil
	if p.pipeLayout != nil {
		b.device.DestroyPipelineLayout(p.pipeLayout)
		p.pipeLayout = nil
	}
	for _, l := range p.groupLayouts {
		b.device.DestroyBindGroupLayout(l)
	}
	p.groupLayouts = nil
}

// ReleaseProgram destroys everything the program owns. Releasing twice is
// a no-op.
func (b *Backend) ReleaseProgram(h progcache.ProgramHandle) {
	p, err := b.program(h)
	if err != nil {
		b.logger().Warn("native: release of foreign program handle", "type", fmt.Sprintf("%T", h))
		return
	}
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return
	}
	p.released = true
	p.destroy()
	p.mu.Unlock()
	b.clearActive(p)
}

// UniformLocation resolves a uniform name, or returns -1.
func (b *Backend) UniformLocation(h progcache.ProgramHandle, name string) int {
	p, err := b.program(h)
	if err != nil {
		return -1
	}
	if i, ok := p.index[name]; ok {
		return i
	}
	return -1
}

// SetUniform writes data at a location returned by UniformLocation.
func (b *Backend) SetUniform(h progcache.ProgramHandle, location int, data []byte) error {
	p, err := b.program(h)
	if err != nil {
		return err
	}
	return p.set(location, data)
}
