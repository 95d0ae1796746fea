package native

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/naga/ir"
	"github.com/gogpu/naga/spirv"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/progcache"
)

// spirvMagic is the first word of every SPIR-V module.
const spirvMagic = 0x07230203

// Uniform is a uniform buffer binding declared by a stage.
type Uniform struct {
	Name    string   `cbor:"name"`
	Group   uint32   `cbor:"group"`
	Binding uint32   `cbor:"binding"`
	Size    uint32   `cbor:"size"`
	Members []Member `cbor:"members,omitempty"`
}

// Member is a field of a uniform struct.
type Member struct {
	Name   string `cbor:"name"`
	Offset uint32 `cbor:"offset"`
	Size   uint32 `cbor:"size"`
}

// VertexInput is a vertex shader input attribute, packed in location order
// into a single vertex buffer.
type VertexInput struct {
	Location uint32 `cbor:"location"`
	Format   uint32 `cbor:"format"`
	Offset   uint64 `cbor:"offset"`
}

// Stage is a compiled shader stage.
type Stage struct {
	backend *Backend
	kind    progcache.StageKind
	entry   string
	code    []byte
	module  hal.ShaderModule

	uniforms []Uniform
	inputs   []VertexInput
	stride   uint64

	released bool
}

// StageKind implements progcache.StageHandle.
func (s *Stage) StageKind() progcache.StageKind { return s.kind }

// EntryPoint returns the entry point function name.
func (s *Stage) EntryPoint() string { return s.entry }

// Uniforms returns the uniform bindings the stage declares.
func (s *Stage) Uniforms() []Uniform { return s.uniforms }

// SPIRV returns the generated SPIR-V module bytes.
func (s *Stage) SPIRV() []byte { return s.code }

// CompileStage compiles WGSL source for one stage. The first entry point
// of the matching stage is used.
func (b *Backend) CompileStage(kind progcache.StageKind, source string) (progcache.StageHandle, error) {
	s, err := b.compile(kind, source)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (b *Backend) compile(kind progcache.StageKind, source string) (*Stage, error) {
	name := kind.String()
	want, ok := nagaStage(kind)
	if !ok {
		return nil, &Diagnostic{Stage: name, Phase: PhaseParse, Err: fmt.Errorf("unsupported stage kind")}
	}

	ast, err := naga.Parse(source)
	if err != nil {
		return nil, &Diagnostic{Stage: name, Phase: PhaseParse, Err: err}
	}
	module, err := naga.LowerWithSource(ast, source)
	if err != nil {
		return nil, &Diagnostic{Stage: name, Phase: PhaseLower, Err: err}
	}
	verrs, err := naga.Validate(module)
	if err != nil {
		return nil, &Diagnostic{Stage: name, Phase: PhaseValidate, Err: err}
	}
	if len(verrs) > 0 {
		msgs := make([]string, len(verrs))
		for i := range verrs {
			msgs[i] = verrs[i].Error()
		}
		return nil, &Diagnostic{Stage: name, Phase: PhaseValidate, Messages: msgs,
			Err: fmt.Errorf("%d validation errors", len(verrs))}
	}

	ep := findEntryPoint(module, want)
	if ep == nil {
		return nil, &Diagnostic{Stage: name, Phase: PhaseReflect, Err: fmt.Errorf("no @%s entry point", name)}
	}
	uniforms, err := reflectUniforms(module)
	if err != nil {
		return nil, &Diagnostic{Stage: name, Phase: PhaseReflect, Err: err}
	}
	var (
		inputs []VertexInput
		stride uint64
	)
	if kind == progcache.StageVertex {
		inputs, stride, err = reflectInputs(module, ep)
		if err != nil {
			return nil, &Diagnostic{Stage: name, Phase: PhaseReflect, Err: err}
		}
	}

	code, err := naga.GenerateSPIRV(module, spirv.Options{Version: spirv.Version1_3})
	if err != nil {
		return nil, &Diagnostic{Stage: name, Phase: PhaseGenerate, Err: err}
	}

	s := &Stage{
		backend:  b,
		kind:     kind,
		entry:    ep.Name,
		code:     code,
		uniforms: uniforms,
		inputs:   inputs,
		stride:   stride,
	}
	if err := b.createModule(s); err != nil {
		return nil, &Diagnostic{Stage: name, Phase: PhaseModule, Err: err}
	}
	b.logger().Debug("native: stage compiled",
		"stage", name, "entry", s.entry, "spirv_bytes", len(code), "uniforms", len(uniforms))
	return s, nil
}

// createModule turns the stage's SPIR-V into a HAL shader module.
func (b *Backend) createModule(s *Stage) error {
	words, err := spirvWords(s.code)
	if err != nil {
		return err
	}
	module, err := b.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  "progcache_" + s.kind.String(),
		Source: hal.ShaderSource{SPIRV: words},
	})
	if err != nil {
		return fmt.Errorf("create shader module: %w", err)
	}
	s.module = module
	b.modules.Add(1)
	return nil
}

// ReleaseStage destroys the stage's shader module. Releasing twice is a no-op.
func (b *Backend) ReleaseStage(h progcache.StageHandle) {
	s, ok := h.(*Stage)
	if !ok || s == nil || s.backend != b {
		b.logger().Warn("native: release of foreign stage handle", "type", fmt.Sprintf("%T", h))
		return
	}
	if s.released {
		return
	}
	s.released = true
	if s.module != nil {
		b.device.DestroyShaderModule(s.module)
		s.module = nil
		b.modules.Add(-1)
	}
}

func nagaStage(kind progcache.StageKind) (ir.ShaderStage, bool) {
	switch kind {
	case progcache.StageVertex:
		return ir.StageVertex, true
	case progcache.StageFragment:
		return ir.StageFragment, true
	}
	return 0, false
}

func findEntryPoint(module *ir.Module, stage ir.ShaderStage) *ir.EntryPoint {
	for i := range module.EntryPoints {
		if module.EntryPoints[i].Stage == stage {
			return &module.EntryPoints[i]
		}
	}
	return nil
}

// reflectUniforms lists the uniform buffer bindings of a module, sorted by
// group then binding. Any other bound resource is rejected.
func reflectUniforms(module *ir.Module) ([]Uniform, error) {
	var out []Uniform
	for _, gv := range module.GlobalVariables {
		if gv.Binding == nil {
			continue
		}
		if gv.Space != ir.SpaceUniform {
			return nil, fmt.Errorf("binding %q (@group(%d) @binding(%d)): only uniform buffers are supported",
				gv.Name, gv.Binding.Group, gv.Binding.Binding)
		}
		u := Uniform{
			Name:    gv.Name,
			Group:   gv.Binding.Group,
			Binding: gv.Binding.Binding,
			Size:    ir.TypeSize(module, gv.Type),
		}
		if int(gv.Type) < len(module.Types) {
			if st, ok := module.Types[gv.Type].Inner.(ir.StructType); ok {
				for _, m := range st.Members {
					u.Members = append(u.Members, Member{
						Name:   m.Name,
						Offset: m.Offset,
						Size:   ir.TypeSize(module, m.Type),
					})
				}
			}
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		return out[i].Binding < out[j].Binding
	})
	return out, nil
}

// reflectInputs collects the @location inputs of a vertex entry point,
// either as direct arguments or as members of a struct argument, and packs
// them in location order.
func reflectInputs(module *ir.Module, ep *ir.EntryPoint) ([]VertexInput, uint64, error) {
	type located struct {
		location uint32
		ty       ir.TypeHandle
	}
	var found []located
	for _, arg := range ep.Function.Arguments {
		if arg.Binding != nil {
			if lb, ok := (*arg.Binding).(ir.LocationBinding); ok {
				found = append(found, located{lb.Location, arg.Type})
			}
			continue
		}
		if int(arg.Type) >= len(module.Types) {
			continue
		}
		st, ok := module.Types[arg.Type].Inner.(ir.StructType)
		if !ok {
			continue
		}
		for _, m := range st.Members {
			if m.Binding == nil {
				continue
			}
			if lb, ok := (*m.Binding).(ir.LocationBinding); ok {
				found = append(found, located{lb.Location, m.Type})
			}
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].location < found[j].location })

	inputs := make([]VertexInput, 0, len(found))
	var offset uint64
	for _, f := range found {
		format, ok := vertexFormat(module, f.ty)
		if !ok {
			return nil, 0, fmt.Errorf("vertex input @location(%d) has no vertex format", f.location)
		}
		inputs = append(inputs, VertexInput{Location: f.location, Format: uint32(format), Offset: offset})
		offset += format.Size()
	}
	return inputs, offset, nil
}

// vertexFormat maps 32-bit scalar and vector types to vertex formats.
func vertexFormat(module *ir.Module, ty ir.TypeHandle) (gputypes.VertexFormat, bool) {
	if int(ty) >= len(module.Types) {
		return 0, false
	}
	var (
		scalar ir.ScalarType
		size   ir.VectorSize = 1
	)
	switch t := module.Types[ty].Inner.(type) {
	case ir.ScalarType:
		scalar = t
	case ir.VectorType:
		scalar, size = t.Scalar, t.Size
	default:
		return 0, false
	}
	if scalar.Width != 4 || size < 1 || size > 4 {
		return 0, false
	}
	var table [4]gputypes.VertexFormat
	switch scalar.Kind {
	case ir.ScalarFloat:
		table = [4]gputypes.VertexFormat{gputypes.VertexFormatFloat32, gputypes.VertexFormatFloat32x2,
			gputypes.VertexFormatFloat32x3, gputypes.VertexFormatFloat32x4}
	case ir.ScalarUint:
		table = [4]gputypes.VertexFormat{gputypes.VertexFormatUint32, gputypes.VertexFormatUint32x2,
			gputypes.VertexFormatUint32x3, gputypes.VertexFormatUint32x4}
	case ir.ScalarSint:
		table = [4]gputypes.VertexFormat{gputypes.VertexFormatSint32, gputypes.VertexFormatSint32x2,
			gputypes.VertexFormatSint32x3, gputypes.VertexFormatSint32x4}
	default:
		return 0, false
	}
	return table[size-1], true
}

// spirvWords converts little-endian SPIR-V bytes to words, checking the
// module magic.
func spirvWords(code []byte) ([]uint32, error) {
	if len(code) < 20 || len(code)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadSPIRV, len(code))
	}
	words := make([]uint32, len(code)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(code[i*4:])
	}
	if words[0] != spirvMagic {
		return nil, fmt.Errorf("%w: magic %#08x", ErrBadSPIRV, words[0])
	}
	return words, nil
}
