package progcache

import (
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/metric"
)

// DefaultRetentionLimit is the default number of compiled stage handles
// kept alive between builds.
const DefaultRetentionLimit = 64

// Option configures a Cache during creation.
//
// Example:
//
//	cache, err := progcache.New(backend,
//	    progcache.WithDir(".progcache"),
//	    progcache.WithLogger(slog.Default()),
//	)
type Option func(*options)

// options holds optional configuration for Cache creation.
type options struct {
	dir            string
	logger         *slog.Logger
	meterProvider  metric.MeterProvider
	retainStages   bool
	retentionLimit int
	required       []StageKind
}

// defaultOptions returns the default cache options.
func defaultOptions() options {
	return options{
		dir:            DefaultDir(),
		retainStages:   true,
		retentionLimit: DefaultRetentionLimit,
		required:       DefaultStages,
	}
}

// DefaultDir returns the default cache directory: "progcache" under the
// user cache directory, or under the temp directory if there is none.
func DefaultDir() string {
	base, err := os.UserCacheDir()
	if err != nil || base == "" {
		base = os.TempDir()
	}
	return filepath.Join(base, "progcache")
}

// WithDir sets the directory holding binaries and fingerprint records.
func WithDir(dir string) Option {
	return func(o *options) {
		o.dir = dir
	}
}

// WithLogger sets a logger for this cache only. Without it the cache logs
// through the package-wide logger (see SetLogger).
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider used for build
// metrics. The default is the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		o.meterProvider = mp
	}
}

// WithStageRetention controls whether compiled stage handles are kept after
// a successful link, so a later build that changes only some stages can
// reuse the others without recompiling. Enabled by default.
func WithStageRetention(enabled bool) Option {
	return func(o *options) {
		o.retainStages = enabled
	}
}

// WithRetentionLimit bounds the number of retained stage handles. The
// least recently used handle is released when the limit is exceeded.
// A limit of 0 means unlimited.
func WithRetentionLimit(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.retentionLimit = n
		}
	}
}

// WithRequiredStages sets the stage kinds every request must provide
// exactly once. The default is DefaultStages.
func WithRequiredStages(kinds ...StageKind) Option {
	return func(o *options) {
		o.required = append([]StageKind(nil), kinds...)
	}
}
