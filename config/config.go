// Package config loads progcache manifests.
//
// A manifest names the cache directory, binary formats and logging level,
// and lists the programs a build produces. It can be written as TOML, YAML
// or JSON (comments and trailing commas allowed):
//
//	cache_dir = ".progcache"
//	formats   = ["zstd"]
//	log_level = "info"
//	file_lock = true
//	jobs      = 4
//
//	[[program]]
//	name     = "sprite"
//	vertex   = "shaders/sprite.vert.wgsl"
//	fragment = "shaders/sprite.frag.wgsl"
//
// Relative paths are resolved against the directory holding the manifest.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/gogpu/progcache"
)

// Format names accepted in the formats list.
const (
	FormatZstd = "zstd"
	FormatLZ4  = "lz4"
	FormatNone = "none"
)

var (
	// ErrUnknownExtension is returned for manifest files that are not
	// TOML, YAML or JSON.
	ErrUnknownExtension = errors.New("config: unknown manifest extension")

	// ErrNoProgram is returned by Manifest.Select for an unknown name.
	ErrNoProgram = errors.New("config: no such program")
)

// Manifest is a loaded manifest.
type Manifest struct {
	CacheDir string    `toml:"cache_dir" yaml:"cache_dir" json:"cache_dir"`
	Formats  []string  `toml:"formats" yaml:"formats" json:"formats"`
	LogLevel string    `toml:"log_level" yaml:"log_level" json:"log_level"`
	FileLock bool      `toml:"file_lock" yaml:"file_lock" json:"file_lock"`
	Jobs     int       `toml:"jobs" yaml:"jobs" json:"jobs"`
	Programs []Program `toml:"program" yaml:"program" json:"program"`

	// Path is the file the manifest was read from.
	Path string `toml:"-" yaml:"-" json:"-"`
}

// Program is one [[program]] entry.
type Program struct {
	Name     string `toml:"name" yaml:"name" json:"name"`
	Key      string `toml:"key" yaml:"key" json:"key"`
	Vertex   string `toml:"vertex" yaml:"vertex" json:"vertex"`
	Fragment string `toml:"fragment" yaml:"fragment" json:"fragment"`
}

// Request returns the build request for p.
func (p Program) Request() progcache.Request {
	return progcache.Request{
		Key: p.Key,
		Stages: []progcache.StageSource{
			{Kind: progcache.StageVertex, Path: p.Vertex},
			{Kind: progcache.StageFragment, Path: p.Fragment},
		},
	}
}

// Load reads, resolves and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	m, err := Parse(filepath.Ext(path), data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	m.Path = path
	m.resolve(filepath.Dir(path))
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return m, nil
}

// Parse decodes manifest data in the format named by ext (".toml",
// ".yaml", ".yml", ".json" or ".jsonc"). Paths are left as written and
// the result is not validated.
func Parse(ext string, data []byte) (*Manifest, error) {
	var m Manifest
	switch strings.ToLower(ext) {
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("parsing toml: %w", err)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("parsing yaml: %w", err)
		}
	case ".json", ".jsonc":
		dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("parsing json: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownExtension, ext)
	}
	return &m, nil
}

// resolve makes relative paths absolute against dir.
func (m *Manifest) resolve(dir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	m.CacheDir = abs(m.CacheDir)
	for i := range m.Programs {
		m.Programs[i].Vertex = abs(m.Programs[i].Vertex)
		m.Programs[i].Fragment = abs(m.Programs[i].Fragment)
	}
}

// Validate checks the manifest. Program errors name the program.
func (m *Manifest) Validate() error {
	var errs []error
	if _, err := m.Level(); err != nil {
		errs = append(errs, err)
	}
	if err := validateFormats(m.Formats); err != nil {
		errs = append(errs, err)
	}
	if m.Jobs < 0 {
		errs = append(errs, fmt.Errorf("jobs must not be negative, got %d", m.Jobs))
	}

	seen := make(map[string]bool, len(m.Programs))
	for i, p := range m.Programs {
		name := p.Name
		if name == "" {
			errs = append(errs, fmt.Errorf("program #%d: missing name", i+1))
			name = fmt.Sprintf("#%d", i+1)
		} else if seen[name] {
			errs = append(errs, fmt.Errorf("program %q: listed twice", name))
		}
		seen[name] = true
		if p.Vertex == "" {
			errs = append(errs, fmt.Errorf("program %q: missing vertex", name))
		}
		if p.Fragment == "" {
			errs = append(errs, fmt.Errorf("program %q: missing fragment", name))
		}
		if p.Key != "" && progcache.SanitizeKey(p.Key) == "" {
			errs = append(errs, fmt.Errorf("program %q: unusable key %q", name, p.Key))
		}
	}
	return errors.Join(errs...)
}

func validateFormats(formats []string) error {
	for _, f := range formats {
		switch f {
		case FormatZstd, FormatLZ4:
		case FormatNone:
			if len(formats) > 1 {
				return fmt.Errorf("format %q cannot be combined with others", FormatNone)
			}
		default:
			return fmt.Errorf("unknown format %q", f)
		}
	}
	return nil
}

// BinariesDisabled reports whether formats is ["none"].
func (m *Manifest) BinariesDisabled() bool {
	return slices.Equal(m.Formats, []string{FormatNone})
}

// PreferredFormat returns the first listed format, or "" when none is
// listed and the backend default applies.
func (m *Manifest) PreferredFormat() string {
	if len(m.Formats) == 0 {
		return ""
	}
	return m.Formats[0]
}

// Level parses LogLevel. An empty level is slog.LevelWarn.
func (m *Manifest) Level() (slog.Level, error) {
	if m.LogLevel == "" {
		return slog.LevelWarn, nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(m.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}

// Select returns the named programs in the given order, or every program
// when names is empty.
func (m *Manifest) Select(names ...string) ([]Program, error) {
	if len(names) == 0 {
		return m.Programs, nil
	}
	out := make([]Program, 0, len(names))
	for _, n := range names {
		i := slices.IndexFunc(m.Programs, func(p Program) bool { return p.Name == n })
		if i < 0 {
			return nil, fmt.Errorf("%w %q", ErrNoProgram, n)
		}
		out = append(out, m.Programs[i])
	}
	return out, nil
}
