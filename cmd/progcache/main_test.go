package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"

	"github.com/gogpu/progcache"
	"github.com/gogpu/progcache/backend/native"
	"github.com/gogpu/progcache/config"
)

// =============================================================================
// Test Helpers
// =============================================================================

const spriteVertex = `
struct Transform {
    mvp: mat4x4<f32>,
}

@group(0) @binding(0) var<uniform> transform: Transform;

@vertex
fn vs_main(@location(0) position: vec3<f32>) -> @builtin(position) vec4<f32> {
    return transform.mvp * vec4<f32>(position, 1.0);
}
`

const spriteFragment = `
struct Material {
    tint: vec4<f32>,
}

@group(0) @binding(1) var<uniform> material: Material;

@fragment
fn fs_main() -> @location(0) vec4<f32> {
    return material.tint;
}
`

// writeProject lays out a manifest with one good and one broken program.
func writeProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"shaders/sprite.vert.wgsl": spriteVertex,
		"shaders/sprite.frag.wgsl": spriteFragment,
		"shaders/broken.frag.wgsl": "@fragment fn fs_main( -> {",
		"progcache.toml": `
cache_dir = "cache"
formats   = ["lz4"]
jobs      = 2

[[program]]
name     = "sprite"
key      = "sprite"
vertex   = "shaders/sprite.vert.wgsl"
fragment = "shaders/sprite.frag.wgsl"

[[program]]
name     = "broken"
key      = "broken"
vertex   = "shaders/sprite.vert.wgsl"
fragment = "shaders/broken.frag.wgsl"
`,
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return filepath.Join(dir, "progcache.toml")
}

// run executes the CLI and returns stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	color.NoColor = true
	t.Cleanup(func() { progcache.SetLogger(nil) })

	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), err
}

// =============================================================================
// Tests
// =============================================================================

func TestBuildThenCached(t *testing.T) {
	manifest := writeProject(t)

	out, err := run(t, "build", "--gpu", "noop", "--manifest", manifest, "sprite")
	if err != nil {
		t.Fatalf("first build error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "compiled") || !strings.Contains(out, "vertex,fragment") {
		t.Errorf("first build output = %q, want compiled with both stages", out)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(manifest), "cache", "sprite.bin")); err != nil {
		t.Errorf("binary not stored under the manifest cache_dir: %v", err)
	}

	out, err = run(t, "build", "--gpu", "noop", "--manifest", manifest, "sprite")
	if err != nil {
		t.Fatalf("second build error = %v\n%s", err, out)
	}
	if !strings.HasPrefix(out, "cached") {
		t.Errorf("second build output = %q, want cached", out)
	}
}

func TestBuildFailureExitsNonZero(t *testing.T) {
	manifest := writeProject(t)

	out, err := run(t, "build", "--gpu", "noop", "--manifest", manifest)
	if !errors.Is(err, errBuildFailed) {
		t.Fatalf("build error = %v, want errBuildFailed", err)
	}
	if !strings.Contains(out, "failed") || !strings.Contains(out, "broken") {
		t.Errorf("output = %q, want the broken program reported", out)
	}
	if !strings.Contains(out, "sprite") {
		t.Errorf("output = %q, want the good program still built", out)
	}
}

func TestBuildUnknownProgram(t *testing.T) {
	manifest := writeProject(t)
	_, err := run(t, "build", "--gpu", "noop", "--manifest", manifest, "missing")
	if !errors.Is(err, config.ErrNoProgram) {
		t.Errorf("build(missing) error = %v, want config.ErrNoProgram", err)
	}
}

func TestStatus(t *testing.T) {
	manifest := writeProject(t)
	cacheDir := t.TempDir()

	out, err := run(t, "status", "--gpu", "noop", "--manifest", manifest, "--cache-dir", cacheDir, "sprite")
	if err != nil {
		t.Fatalf("status error = %v", err)
	}
	if !strings.Contains(out, "no record") || !strings.Contains(out, "missing") {
		t.Errorf("status before build = %q, want no record and missing binary", out)
	}

	if _, err := run(t, "build", "--gpu", "noop", "--manifest", manifest, "--cache-dir", cacheDir, "sprite"); err != nil {
		t.Fatalf("build error = %v", err)
	}
	out, err = run(t, "status", "--gpu", "noop", "--manifest", manifest, "--cache-dir", cacheDir, "sprite")
	if err != nil {
		t.Fatalf("status error = %v", err)
	}
	if strings.Contains(out, "no record") || !strings.Contains(out, "unchanged") || !strings.Contains(out, "spirv+lz4") {
		t.Errorf("status after build = %q, want unchanged stages and an lz4 binary", out)
	}
}

func TestKey(t *testing.T) {
	out, err := run(t, "key", "a.vert.wgsl", "a.frag.wgsl")
	if err != nil {
		t.Fatalf("key error = %v", err)
	}
	want, err := progcache.DeriveKey([]progcache.StageSource{
		{Kind: progcache.StageVertex, Path: "a.vert.wgsl"},
		{Kind: progcache.StageFragment, Path: "a.frag.wgsl"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != want {
		t.Errorf("key = %q, want %q", out, want)
	}

	if _, err := run(t, "key", "only-one"); err == nil {
		t.Error("key with one argument succeeded")
	}
}

func TestSelectBackend(t *testing.T) {
	if b, err := selectBackend("noop"); err != nil || b == nil {
		t.Errorf("selectBackend(noop) = %v, %v", b, err)
	}
	if _, err := selectBackend("directx9"); err == nil {
		t.Error("selectBackend(directx9) error = nil")
	}
}

func TestBackendOptions(t *testing.T) {
	dev := &device{}
	tests := []struct {
		formats  []string
		disabled bool
		format   uint32
	}{
		{nil, false, 0},
		{[]string{"zstd"}, false, native.FormatSPIRVZstd},
		{[]string{"lz4", "zstd"}, false, native.FormatSPIRVLZ4},
		{[]string{"none"}, true, 0},
	}
	for _, tt := range tests {
		opts, err := backendOptions(&config.Manifest{Formats: tt.formats}, dev)
		if err != nil {
			t.Errorf("backendOptions(%v) error = %v", tt.formats, err)
			continue
		}
		if opts.DisableBinaries != tt.disabled || opts.Format != tt.format {
			t.Errorf("backendOptions(%v) = %+v", tt.formats, opts)
		}
	}
}

func TestFindManifestExplicit(t *testing.T) {
	if got, err := findManifest("custom.yaml"); err != nil || got != "custom.yaml" {
		t.Errorf("findManifest(custom.yaml) = %q, %v", got, err)
	}
}
