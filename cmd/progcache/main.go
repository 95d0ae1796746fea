// Command progcache builds and inspects GPU program caches described by a
// manifest.
//
// Usage:
//
//	progcache build [name...]     build programs, reusing cached binaries
//	progcache status [name...]    show fingerprint and binary state
//	progcache key <vert> <frag>   print the cache key derived from two paths
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/gogpu/progcache"
	"github.com/gogpu/progcache/backend/native"
	"github.com/gogpu/progcache/config"
)

// defaultManifests are tried in order when --manifest is not given.
var defaultManifests = []string{
	"progcache.toml",
	"progcache.yaml",
	"progcache.yml",
	"progcache.json",
	"progcache.jsonc",
}

var (
	cachedColor   = color.New(color.FgGreen)
	compiledColor = color.New(color.FgYellow)
	failedColor   = color.New(color.FgRed, color.Bold)
	dimColor      = color.New(color.Faint)
)

// globalFlags holds the persistent flags shared by every subcommand.
type globalFlags struct {
	manifest string
	cacheDir string
	gpu      string
	verbose  bool
}

func (g *globalFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&g.manifest, "manifest", "m", "", "manifest file (default: progcache.{toml,yaml,yml,json,jsonc} in the working directory)")
	fs.StringVar(&g.cacheDir, "cache-dir", "", "cache directory (overrides the manifest)")
	fs.StringVar(&g.gpu, "gpu", "auto", "GPU backend: auto, vulkan, metal, dx12, gl or noop")
	fs.BoolVarP(&g.verbose, "verbose", "v", false, "log cache decisions at debug level")
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "progcache",
		Short: "Build and inspect cached GPU programs",
		Long: `progcache compiles WGSL vertex and fragment stages into linked GPU
programs and keeps their binaries on disk, so unchanged programs load
without recompiling.

Examples:
  # Build every program in ./progcache.toml
  progcache build

  # Build one program on the noop device
  progcache build --gpu noop sprite

  # Show what the next build would do
  progcache status`,
		SilenceUsage: true,
	}
	g.register(root.PersistentFlags())

	root.AddCommand(
		newBuildCmd(g),
		newStatusCmd(g),
		newKeyCmd(),
	)
	return root
}

// session is the state a manifest-driven subcommand works with.
type session struct {
	manifest *config.Manifest
	device   *device
	backend  *native.Backend
	cache    *progcache.Cache
	logger   *slog.Logger
}

// openSession loads the manifest, opens the GPU device and creates the
// cache. Close releases all of it.
func openSession(g *globalFlags, stderr io.Writer) (*session, error) {
	path, err := findManifest(g.manifest)
	if err != nil {
		return nil, err
	}
	m, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	level, err := m.Level()
	if err != nil {
		return nil, err
	}
	if g.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	progcache.SetLogger(logger)

	dev, err := openDevice(g.gpu)
	if err != nil {
		return nil, err
	}
	opts, err := backendOptions(m, dev)
	if err != nil {
		dev.Close()
		return nil, err
	}
	opts.Logger = logger
	b, err := native.New(dev.open.Device, dev.open.Queue, opts)
	if err != nil {
		dev.Close()
		return nil, err
	}

	dir := g.cacheDir
	if dir == "" {
		dir = m.CacheDir
	}
	if dir == "" {
		dir = progcache.DefaultDir()
	}
	c, err := progcache.New(b, progcache.WithDir(dir), progcache.WithLogger(logger))
	if err != nil {
		dev.Close()
		return nil, err
	}
	logger.Debug("progcache: session opened",
		"manifest", path, "dir", dir, "adapter", b.Adapter(), "toolchain", b.Toolchain())
	return &session{manifest: m, device: dev, backend: b, cache: c, logger: logger}, nil
}

// Close closes the cache and the device, in that order.
func (s *session) Close() {
	if err := s.cache.Close(); err != nil {
		s.logger.Warn("progcache: closing cache", "err", err)
	}
	s.device.Close()
}

// backendOptions maps the manifest's format list onto native options.
func backendOptions(m *config.Manifest, dev *device) (native.Options, error) {
	opts := native.Options{Adapter: native.AdapterIdentity(dev.info)}
	if m.BinariesDisabled() {
		opts.DisableBinaries = true
		return opts, nil
	}
	switch f := m.PreferredFormat(); f {
	case "":
	case config.FormatZstd:
		opts.Format = native.FormatSPIRVZstd
	case config.FormatLZ4:
		opts.Format = native.FormatSPIRVLZ4
	default:
		return opts, fmt.Errorf("progcache: unsupported format %q", f)
	}
	return opts, nil
}

func findManifest(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	for _, name := range defaultManifests {
		if _, err := os.Stat(name); err == nil {
			return name, nil
		}
	}
	return "", errors.New("progcache: no manifest found; pass --manifest")
}

// displayPath shortens p relative to the working directory when possible.
func displayPath(p string) string {
	wd, err := os.Getwd()
	if err != nil {
		return p
	}
	rel, err := filepath.Rel(wd, p)
	if err != nil || len(rel) >= len(p) {
		return p
	}
	return rel
}
