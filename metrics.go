package progcache

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of all progcache instruments.
const meterName = "github.com/gogpu/progcache"

// metrics holds the build instruments of one Cache.
type metrics struct {
	builds    metric.Int64Counter
	compiles  metric.Int64Counter
	links     metric.Int64Counter
	fallbacks metric.Int64Counter
	duration  metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	builds, err := meter.Int64Counter(
		"progcache.builds",
		metric.WithDescription("Program builds by path and outcome"),
		metric.WithUnit("{build}"),
	)
	if err != nil {
		return nil, err
	}

	compiles, err := meter.Int64Counter(
		"progcache.stage.compiles",
		metric.WithDescription("Stage compilations from source"),
		metric.WithUnit("{compile}"),
	)
	if err != nil {
		return nil, err
	}

	links, err := meter.Int64Counter(
		"progcache.link.attempts",
		metric.WithDescription("Program link attempts"),
		metric.WithUnit("{link}"),
	)
	if err != nil {
		return nil, err
	}

	fallbacks, err := meter.Int64Counter(
		"progcache.cache.fallbacks",
		metric.WithDescription("Stored binaries that could not be used"),
		metric.WithUnit("{fallback}"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"progcache.build.duration_ms",
		metric.WithDescription("Build duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &metrics{
		builds:    builds,
		compiles:  compiles,
		links:     links,
		fallbacks: fallbacks,
		duration:  duration,
	}, nil
}

func (m *metrics) recordBuild(ctx context.Context, path BuildPath, err error, d time.Duration) {
	outcome := "ready"
	if err != nil {
		outcome = "failed"
	}
	opt := metric.WithAttributes(
		attribute.String("path", path.String()),
		attribute.String("outcome", outcome),
	)
	m.builds.Add(ctx, 1, opt)
	m.duration.Record(ctx, float64(d.Microseconds())/1000, opt)
}

func (m *metrics) recordCompile(ctx context.Context, kind StageKind) {
	m.compiles.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", kind.String())))
}

func (m *metrics) recordLink(ctx context.Context) {
	m.links.Add(ctx, 1)
}

func (m *metrics) recordFallback(ctx context.Context, reason string) {
	m.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
