package progcache

import (
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
)

// Program is a linked program ready for drawing.
//
// Each Program owns its uniform location cache: a name is resolved through
// the backend on first use and the result, including "not found", is kept
// until Release. Programs are safe for concurrent use, but drawing with the
// same program from several goroutines is up to the backend.
type Program struct {
	backend Backend
	key     string
	logger  *slog.Logger

	mu        sync.Mutex
	handle    ProgramHandle
	locations map[string]int
	released  bool
}

func newProgram(b Backend, h ProgramHandle, key string, logger *slog.Logger) *Program {
	return &Program{
		backend:   b,
		key:       key,
		logger:    logger,
		handle:    h,
		locations: make(map[string]int),
	}
}

// Key returns the cache key the program was built under.
func (p *Program) Key() string { return p.key }

// Handle returns the backend handle, or nil after Release.
func (p *Program) Handle() ProgramHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return nil
	}
	return p.handle
}

// Use makes the program active for subsequent draws.
func (p *Program) Use() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return ErrReleased
	}
	return p.backend.BindProgram(p.handle)
}

// Location returns the resolved location of a named uniform, or -1 if the
// program has none by that name. The first miss for a name is logged.
func (p *Program) Location(name string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return -1, ErrReleased
	}
	return p.locationLocked(name), nil
}

func (p *Program) locationLocked(name string) int {
	if loc, ok := p.locations[name]; ok {
		return loc
	}
	loc := p.backend.UniformLocation(p.handle, name)
	if loc < 0 {
		loc = -1
		p.logger.Warn("progcache: uniform not found", "key", p.key, "uniform", name)
	}
	p.locations[name] = loc
	return loc
}

// SetUniform writes raw little-endian data to a named uniform.
// Setting a uniform the program does not declare is a no-op.
func (p *Program) SetUniform(name string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return ErrReleased
	}
	loc := p.locationLocked(name)
	if loc < 0 {
		return nil
	}
	return p.backend.SetUniform(p.handle, loc, data)
}

// SetFloat sets an f32 uniform.
func (p *Program) SetFloat(name string, v float32) error {
	return p.SetUniform(name, putFloats(v))
}

// SetInt sets an i32 uniform.
func (p *Program) SetInt(name string, v int32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	return p.SetUniform(name, b[:])
}

// SetVec2 sets a vec2<f32> uniform.
func (p *Program) SetVec2(name string, x, y float32) error {
	return p.SetUniform(name, putFloats(x, y))
}

// SetVec3 sets a vec3<f32> uniform.
func (p *Program) SetVec3(name string, x, y, z float32) error {
	return p.SetUniform(name, putFloats(x, y, z))
}

// SetVec4 sets a vec4<f32> uniform.
func (p *Program) SetVec4(name string, x, y, z, w float32) error {
	return p.SetUniform(name, putFloats(x, y, z, w))
}

// SetMat4 sets a mat4x4<f32> uniform from 16 column-major values.
func (p *Program) SetMat4(name string, m [16]float32) error {
	return p.SetUniform(name, putFloats(m[:]...))
}

// Release destroys the program and its location cache. Further calls on
// the program return ErrReleased. Release is idempotent.
func (p *Program) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return
	}
	p.released = true
	p.backend.ReleaseProgram(p.handle)
	p.handle = nil
	p.locations = nil
}

func putFloats(vs ...float32) []byte {
	b := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
	}
	return b
}
