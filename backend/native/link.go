package native

import (
	"fmt"
	"sort"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/progcache"
)

// binding is a uniform buffer binding of a linked program.
type binding struct {
	Uniform
	visibility gputypes.ShaderStages
}

// LinkProgram links one vertex and one fragment stage into a render
// pipeline. The input stages stay owned by the caller.
func (b *Backend) LinkProgram(handles []progcache.StageHandle) (progcache.ProgramHandle, error) {
	vs, fs, err := b.pickStages(handles)
	if err != nil {
		return nil, err
	}
	p, err := b.link(vs, fs)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (b *Backend) pickStages(handles []progcache.StageHandle) (vs, fs *Stage, err error) {
	for _, h := range handles {
		s, ok := h.(*Stage)
		if !ok || s == nil || s.backend != b {
			return nil, nil, &Diagnostic{Stage: "program", Phase: PhaseLink, Err: ErrForeignHandle}
		}
		if s.released {
			return nil, nil, &Diagnostic{Stage: "program", Phase: PhaseLink, Err: ErrReleased}
		}
		switch s.kind {
		case progcache.StageVertex:
			if vs != nil {
				return nil, nil, &Diagnostic{Stage: "program", Phase: PhaseLink, Err: ErrStageSet,
					Messages: []string{"duplicate vertex stage"}}
			}
			vs = s
		case progcache.StageFragment:
			if fs != nil {
				return nil, nil, &Diagnostic{Stage: "program", Phase: PhaseLink, Err: ErrStageSet,
					Messages: []string{"duplicate fragment stage"}}
			}
			fs = s
		}
	}
	if vs == nil || fs == nil {
		return nil, nil, &Diagnostic{Stage: "program", Phase: PhaseLink, Err: ErrStageSet,
			Messages: []string{fmt.Sprintf("got %d stage handles", len(handles))}}
	}
	return vs, fs, nil
}

// mergeBindings combines the uniforms of both stages. A binding slot used by
// both stages must carry the same declaration, and a uniform name may not
// name two different slots.
func mergeBindings(vs, fs *Stage) ([]binding, error) {
	type slot struct{ group, binding uint32 }
	bySlot := make(map[slot]*binding)
	byName := make(map[string]slot)
	var conflicts []string

	add := func(u Uniform, stage gputypes.ShaderStages) {
		k := slot{u.Group, u.Binding}
		if prev, ok := byName[u.Name]; ok && prev != k {
			conflicts = append(conflicts, fmt.Sprintf("uniform %q bound at @group(%d) @binding(%d) and @group(%d) @binding(%d)",
				u.Name, prev.group, prev.binding, k.group, k.binding))
			return
		}
		if have, ok := bySlot[k]; ok {
			if have.Name != u.Name || have.Size != u.Size {
				conflicts = append(conflicts, fmt.Sprintf("@group(%d) @binding(%d) declared as %q (%d bytes) and %q (%d bytes)",
					k.group, k.binding, have.Name, have.Size, u.Name, u.Size))
				return
			}
			have.visibility |= stage
			return
		}
		bySlot[k] = &binding{Uniform: u, visibility: stage}
		byName[u.Name] = k
	}
	for _, u := range vs.uniforms {
		add(u, gputypes.ShaderStageVertex)
	}
	for _, u := range fs.uniforms {
		add(u, gputypes.ShaderStageFragment)
	}
	if len(conflicts) > 0 {
		return nil, &Diagnostic{Stage: "program", Phase: PhaseLink, Err: ErrUniformConflict, Messages: conflicts}
	}

	out := make([]binding, 0, len(bySlot))
	for _, bd := range bySlot {
		out = append(out, *bd)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		return out[i].Binding < out[j].Binding
	})
	return out, nil
}

func (b *Backend) link(vs, fs *Stage) (*Program, error) {
	bindings, err := mergeBindings(vs, fs)
	if err != nil {
		return nil, err
	}
	p := newProgram(b, vs, fs, bindings)
	if err := b.createPipeline(p, vs, fs); err != nil {
		p.destroy()
		return nil, &Diagnostic{Stage: "program", Phase: PhaseLink, Err: err}
	}
	b.logger().Debug("native: program linked",
		"vertex", vs.entry, "fragment", fs.entry, "bindings", len(bindings))
	return p, nil
}

// createPipeline creates the program's layouts, uniform buffers, bind
// groups and render pipeline. On error the caller destroys p.
func (b *Backend) createPipeline(p *Program, vs, fs *Stage) error {
	groups := groupBindings(p.bindings)
	for g, entries := range groups {
		layoutEntries := make([]gputypes.BindGroupLayoutEntry, len(entries))
		for i, e := range entries {
			layoutEntries[i] = gputypes.BindGroupLayoutEntry{
				Binding:    e.Binding,
				Visibility: e.visibility,
				Buffer: &gputypes.BufferBindingLayout{
					Type:           gputypes.BufferBindingTypeUniform,
					MinBindingSize: uint64(e.Size),
				},
			}
		}
		layout, err := b.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
			Label:   fmt.Sprintf("progcache_group%d_layout", g),
			Entries: layoutEntries,
		})
		if err != nil {
			return fmt.Errorf("create bind group layout %d: %w", g, err)
		}
		p.groupLayouts = append(p.groupLayouts, layout)
	}

	pipeLayout, err := b.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "progcache_pipe_layout",
		BindGroupLayouts: p.groupLayouts,
	})
	if err != nil {
		return fmt.Errorf("create pipeline layout: %w", err)
	}
	p.pipeLayout = pipeLayout

	if err := p.createUniforms(); err != nil {
		return err
	}

	pipeline, err := b.device.CreateRenderPipeline(&hal.RenderPipelineDescriptor{
		Label:  "progcache_pipeline",
		Layout: p.pipeLayout,
		Vertex: hal.VertexState{
			Module:     vs.module,
			EntryPoint: vs.entry,
			Buffers:    vertexLayout(vs),
		},
		Fragment: &hal.FragmentState{
			Module:     fs.module,
			EntryPoint: fs.entry,
			Targets: []gputypes.ColorTargetState{
				{
					Format:    b.opts.ColorFormat,
					Blend:     b.opts.Blend,
					WriteMask: gputypes.ColorWriteMaskAll,
				},
			},
		},
		Primitive: gputypes.PrimitiveState{
			Topology: gputypes.PrimitiveTopologyTriangleList,
			CullMode: gputypes.CullModeNone,
		},
		Multisample: gputypes.MultisampleState{
			Count: b.opts.SampleCount,
			Mask:  0xFFFFFFFF,
		},
	})
	if err != nil {
		return fmt.Errorf("create render pipeline: %w", err)
	}
	p.pipeline = pipeline
	b.pipelines.Add(1)
	return nil
}

// groupBindings splits sorted bindings by group. Groups without bindings
// get an empty layout so that group indices stay dense.
func groupBindings(bindings []binding) [][]binding {
	if len(bindings) == 0 {
		return nil
	}
	groups := make([][]binding, bindings[len(bindings)-1].Group+1)
	for _, bd := range bindings {
		groups[bd.Group] = append(groups[bd.Group], bd)
	}
	return groups
}

func vertexLayout(vs *Stage) []gputypes.VertexBufferLayout {
	if len(vs.inputs) == 0 {
		return nil
	}
	attrs := make([]gputypes.VertexAttribute, len(vs.inputs))
	for i, in := range vs.inputs {
		attrs[i] = gputypes.VertexAttribute{
			Format:         gputypes.VertexFormat(in.Format),
			Offset:         in.Offset,
			ShaderLocation: in.Location,
		}
	}
	return []gputypes.VertexBufferLayout{{
		ArrayStride: vs.stride,
		StepMode:    gputypes.VertexStepModeVertex,
		Attributes:  attrs,
	}}
}
