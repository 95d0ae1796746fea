package progcache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

const (
	vsSource = "@vertex fn vs_main() -> @builtin(position) vec4<f32> { return vec4<f32>(); }\n"
	fsSource = "@fragment fn fs_main() -> @location(0) vec4<f32> { return vec4<f32>(1.0); }\n"

	fakeFormat uint32 = 0xFA4E
)

// fakeStage is a compiled stage of fakeBackend.
type fakeStage struct {
	kind   StageKind
	source string
}

func (s *fakeStage) StageKind() StageKind { return s.kind }

// fakeProgram is a linked program of fakeBackend.
type fakeProgram struct {
	sources map[StageKind]string
}

// fakeBackend records every call the Cache makes. Sources containing
// "#error" fail to compile; linkFailures makes the next links fail.
type fakeBackend struct {
	mu sync.Mutex

	formats       []uint32
	linkFailures  int
	rejectRestore bool
	binaryErr     error
	uniforms      map[string]int
	compileHook   func(StageKind)

	compiles        []StageKind
	links           int
	binaryCalls     int
	restoreCalls    int
	liveStages      map[*fakeStage]bool
	liveProgs       map[*fakeProgram]bool
	releasedStages  int
	bound           ProgramHandle
	locationLookups map[string]int
	writes          []uniformWrite
}

type uniformWrite struct {
	location int
	data     []byte
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		formats:         []uint32{fakeFormat},
		uniforms:        map[string]int{"tint": 0, "mvp": 1},
		liveStages:      make(map[*fakeStage]bool),
		liveProgs:       make(map[*fakeProgram]bool),
		locationLookups: make(map[string]int),
	}
}

func (f *fakeBackend) CompileStage(kind StageKind, source string) (StageHandle, error) {
	if f.compileHook != nil {
		f.compileHook(kind)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compiles = append(f.compiles, kind)
	if strings.Contains(source, "#error") {
		return nil, fmt.Errorf("%s: syntax error at #error", kind)
	}
	s := &fakeStage{kind: kind, source: source}
	f.liveStages[s] = true
	return s, nil
}

func (f *fakeBackend) ReleaseStage(h StageHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := h.(*fakeStage)
	if !f.liveStages[s] {
		panic("fake: stage released twice")
	}
	delete(f.liveStages, s)
	f.releasedStages++
}

func (f *fakeBackend) LinkProgram(stages []StageHandle) (ProgramHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links++
	if f.linkFailures > 0 {
		f.linkFailures--
		return nil, errors.New("link: varying mismatch")
	}
	p := &fakeProgram{sources: make(map[StageKind]string)}
	for _, h := range stages {
		s := h.(*fakeStage)
		if !f.liveStages[s] {
			return nil, errors.New("link: stage handle not live")
		}
		p.sources[s.kind] = s.source
	}
	f.liveProgs[p] = true
	return p, nil
}

func (f *fakeBackend) ReleaseProgram(h ProgramHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.liveProgs, h.(*fakeProgram))
}

func (f *fakeBackend) BinaryFormats() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.formats
}

func (f *fakeBackend) ProgramBinary(h ProgramHandle) (uint32, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.binaryCalls++
	if f.binaryErr != nil {
		return 0, nil, f.binaryErr
	}
	p := h.(*fakeProgram)
	return fakeFormat, []byte("fake:" + p.sources[StageVertex] + "\x00" + p.sources[StageFragment]), nil
}

func (f *fakeBackend) RestoreProgram(format uint32, payload []byte) (ProgramHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restoreCalls++
	if f.rejectRestore {
		return nil, errors.New("driver version changed")
	}
	body, ok := strings.CutPrefix(string(payload), "fake:")
	if format != fakeFormat || !ok {
		return nil, errors.New("bad binary")
	}
	vs, fs, ok := strings.Cut(body, "\x00")
	if !ok {
		return nil, errors.New("bad binary")
	}
	p := &fakeProgram{sources: map[StageKind]string{StageVertex: vs, StageFragment: fs}}
	f.liveProgs[p] = true
	return p, nil
}

func (f *fakeBackend) BindProgram(h ProgramHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bound = h
	return nil
}

func (f *fakeBackend) UniformLocation(_ ProgramHandle, name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locationLookups[name]++
	if loc, ok := f.uniforms[name]; ok {
		return loc
	}
	return -1
}

func (f *fakeBackend) SetUniform(_ ProgramHandle, location int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, uniformWrite{location, append([]byte(nil), data...)})
	return nil
}

// reset clears call counters but keeps live handles.
func (f *fakeBackend) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compiles = nil
	f.links = 0
	f.binaryCalls = 0
	f.restoreCalls = 0
}

func (f *fakeBackend) compileCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.compiles)
}

func (f *fakeBackend) liveStageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.liveStages)
}

// testRequest returns a request with inline sources.
func testRequest(t *testing.T, key, vs, fs string) Request {
	t.Helper()
	return Request{
		Key: key,
		Stages: []StageSource{
			{Kind: StageVertex, Source: vs},
			{Kind: StageFragment, Source: fs},
		},
	}
}

// fixture is a cache directory plus stage source files on disk.
type fixture struct {
	t       *testing.T
	dir     string
	vsPath  string
	fsPath  string
	backend *fakeBackend
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	src := t.TempDir()
	f := &fixture{
		t:       t,
		dir:     filepath.Join(t.TempDir(), "cache"),
		vsPath:  filepath.Join(src, "sprite.vert.wgsl"),
		fsPath:  filepath.Join(src, "sprite.frag.wgsl"),
		backend: newFakeBackend(),
	}
	f.setSources(vsSource, fsSource)
	return f
}

func (f *fixture) setSources(vs, fs string) {
	f.t.Helper()
	if err := os.WriteFile(f.vsPath, []byte(vs), 0o644); err != nil {
		f.t.Fatal(err)
	}
	if err := os.WriteFile(f.fsPath, []byte(fs), 0o644); err != nil {
		f.t.Fatal(err)
	}
}

func (f *fixture) request(key string) Request {
	return Request{
		Key: key,
		Stages: []StageSource{
			{Kind: StageVertex, Path: f.vsPath},
			{Kind: StageFragment, Path: f.fsPath},
		},
	}
}

func (f *fixture) newCache(opts ...Option) *Cache {
	f.t.Helper()
	c, err := New(f.backend, append([]Option{WithDir(f.dir)}, opts...)...)
	if err != nil {
		f.t.Fatalf("New() error = %v", err)
	}
	f.t.Cleanup(func() { _ = c.Close() })
	return c
}
