package progcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/gogpu/progcache/binstore"
	"github.com/gogpu/progcache/fingerprint"
	"github.com/gogpu/progcache/internal/lru"
	"github.com/gogpu/progcache/internal/source"
)

// Request describes one program build.
type Request struct {
	// Key names the cache entry. An empty key is derived from the stage
	// paths (see DeriveKey).
	Key string

	// Stages lists exactly one source per required stage kind.
	Stages []StageSource
}

// BuildPath is the route a successful build took.
type BuildPath uint8

const (
	// PathTrustCache means the program was restored from the stored binary.
	PathTrustCache BuildPath = iota + 1

	// PathRebuild means at least one stage changed or had no record.
	PathRebuild

	// PathFallbackRebuild means every fingerprint matched but the stored
	// binary was unusable, so all stages were recompiled.
	PathFallbackRebuild
)

// String returns the path name used in logs and metrics.
func (p BuildPath) String() string {
	switch p {
	case PathTrustCache:
		return "trust_cache"
	case PathRebuild:
		return "rebuild"
	case PathFallbackRebuild:
		return "fallback_rebuild"
	default:
		return "none"
	}
}

// Result describes a successful build.
type Result struct {
	// Program is the usable program. The caller owns it and must Release it.
	Program *Program

	// FromCache reports whether the program came from the stored binary.
	// It is informational only.
	FromCache bool

	Path BuildPath
	Key  string

	// Compiled lists the stages compiled from source, in required order.
	Compiled []StageKind

	// Reused lists the stages whose retained handles were linked without
	// recompiling.
	Reused []StageKind

	// LinkAttempts is 0 for a cache hit, 1 normally, 2 after a retry.
	LinkAttempts int

	// Persisted reports whether the new binary and fingerprints were
	// stored. A failed save leaves the program usable.
	Persisted bool

	// Shared is set by Group when the result was handed to more than one
	// caller. The Program must then be released once.
	Shared bool

	// BuildID correlates log lines of one build.
	BuildID string
}

// Cache builds programs through a Backend, persisting binaries and stage
// fingerprints in a directory.
type Cache struct {
	backend  Backend
	opts     options
	fps      *fingerprint.Store
	bins     *binstore.Store
	retained *lru.Cache[retainKey, retainedStage]
	metrics  *metrics
	closed   atomic.Bool

	// afterSave runs between storing the binary and committing
	// fingerprints. Tests use it to simulate a crash.
	afterSave func()
}

// New creates a cache driving backend.
func New(backend Backend, opts ...Option) (*Cache, error) {
	if backend == nil {
		return nil, errors.New("progcache: nil backend")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := validateRequired(o.required); err != nil {
		return nil, err
	}
	if o.meterProvider == nil {
		o.meterProvider = otel.GetMeterProvider()
	}
	m, err := newMetrics(o.meterProvider.Meter(meterName))
	if err != nil {
		return nil, fmt.Errorf("progcache: metrics: %w", err)
	}

	c := &Cache{
		backend: backend,
		opts:    o,
		fps:     fingerprint.NewStore(o.dir),
		bins:    binstore.New(o.dir, backend),
		metrics: m,
	}
	if o.retainStages {
		c.retained = newRetention(backend, o.retentionLimit)
	}
	return c, nil
}

func validateRequired(kinds []StageKind) error {
	if len(kinds) == 0 {
		return errors.New("progcache: no required stages")
	}
	seen := make(map[StageKind]bool, len(kinds))
	for _, k := range kinds {
		if !k.Valid() {
			return fmt.Errorf("progcache: unknown required stage %s", k)
		}
		if seen[k] {
			return fmt.Errorf("progcache: required stage %s listed twice", k)
		}
		seen[k] = true
	}
	return nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.opts.dir }

// Backend returns the backend the cache drives.
func (c *Cache) Backend() Backend { return c.backend }

// Fingerprints returns the fingerprint store.
func (c *Cache) Fingerprints() *fingerprint.Store { return c.fps }

// Binaries returns the binary store.
func (c *Cache) Binaries() *binstore.Store { return c.bins }

// RequiredStages returns the stage kinds every request must provide.
func (c *Cache) RequiredStages() []StageKind {
	return slices.Clone(c.opts.required)
}

func (c *Cache) logger() *slog.Logger {
	if c.opts.logger != nil {
		return c.opts.logger
	}
	return Logger()
}

// Close releases every retained stage handle. Programs returned by earlier
// builds stay valid. Build returns ErrClosed afterwards.
func (c *Cache) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if c.retained != nil {
		c.retained.Purge()
	}
	return nil
}

// Build produces a usable program for req.
//
// ctx is checked before the build starts; a started build always runs to
// completion. On failure the returned error is a *BuildError (or
// ErrInvalidRequest for a malformed request) and the stored entry for the
// key is left as it was.
func (c *Cache) Build(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.closed.Load() {
		return nil, ErrClosed
	}
	key, err := ResolveKey(req)
	if err != nil {
		return nil, err
	}
	srcs, err := c.orderStages(req.Stages)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	b := &build{
		c:   c,
		ctx: ctx,
		key: key,
		log: c.logger().With("key", key, "build", id),
		res: &Result{Key: key, BuildID: id},
	}
	start := time.Now()
	res, err := b.run(srcs)
	c.metrics.recordBuild(ctx, b.res.Path, err, time.Since(start))
	return res, err
}

// orderStages checks that srcs holds exactly one source per required kind
// and returns them in required order.
func (c *Cache) orderStages(srcs []StageSource) ([]StageSource, error) {
	byKind := make(map[StageKind]StageSource, len(srcs))
	for _, s := range srcs {
		if !slices.Contains(c.opts.required, s.Kind) {
			return nil, fmt.Errorf("%w: unexpected %s stage", ErrInvalidRequest, s.Kind)
		}
		if _, dup := byKind[s.Kind]; dup {
			return nil, fmt.Errorf("%w: duplicate %s stage", ErrInvalidRequest, s.Kind)
		}
		byKind[s.Kind] = s
	}
	out := make([]StageSource, 0, len(c.opts.required))
	for _, k := range c.opts.required {
		s, ok := byKind[k]
		if !ok {
			return nil, fmt.Errorf("%w: missing %s stage", ErrInvalidRequest, k)
		}
		out = append(out, s)
	}
	return out, nil
}

// stageState tracks one stage through a build.
type stageState struct {
	src      StageSource
	text     string
	sum      fingerprint.Sum
	changed  bool
	handle   StageHandle
	compiled bool
}

// build is the state of one Build call.
type build struct {
	c      *Cache
	ctx    context.Context
	key    string
	log    *slog.Logger
	stages []*stageState
	res    *Result
}

func (b *build) run(srcs []StageSource) (*Result, error) {
	anyChanged := false
	for _, s := range srcs {
		text, err := readStage(s)
		if err != nil {
			return nil, b.fail(SourceUnreadable, s.Kind, err)
		}
		st := &stageState{src: s, text: text, sum: fingerprint.Of(text)}
		st.changed = b.c.fps.HasChanged(b.key, s.Kind.String(), st.sum)
		b.log.Debug("progcache: fingerprint checked",
			"stage", s.Kind, "fingerprint", st.sum.Short(), "changed", st.changed)
		anyChanged = anyChanged || st.changed
		b.stages = append(b.stages, st)
	}

	if anyChanged {
		b.res.Path = PathRebuild
		return b.rebuild(false)
	}

	if h, ok := b.trustCache(); ok {
		b.res.Path = PathTrustCache
		b.res.FromCache = true
		b.res.Program = newProgram(b.c.backend, h, b.key, b.log)
		b.log.Info("progcache: loaded from cache")
		return b.res, nil
	}
	b.res.Path = PathFallbackRebuild
	return b.rebuild(true)
}

func readStage(s StageSource) (string, error) {
	if s.Path != "" {
		return source.Read(s.Path)
	}
	if s.Source == "" {
		return "", errors.New("stage has neither a path nor inline source")
	}
	return source.Normalize(s.Source)
}

// trustCache loads and restores the stored binary. Any failure is logged
// and reported as false so the caller falls back to a full rebuild.
func (b *build) trustCache() (ProgramHandle, bool) {
	entry, err := b.c.bins.Load(b.key)
	if err != nil {
		b.fallback(err)
		return nil, false
	}
	h, err := binstore.TryRestore[ProgramHandle](b.c.backend, entry)
	if err == nil && h == nil {
		err = fmt.Errorf("%w: backend returned no program", binstore.ErrInvalid)
	}
	if err != nil {
		b.fallback(err)
		return nil, false
	}
	return h, true
}

func (b *build) fallback(err error) {
	var reason string
	switch {
	case errors.Is(err, binstore.ErrUnsupported):
		reason = "unsupported"
		b.log.Debug("progcache: binary caching unsupported, compiling from source", "kind", CacheUnsupported)
	case errors.Is(err, binstore.ErrMiss):
		reason = "miss"
		b.log.Debug("progcache: no usable binary, compiling from source", "err", err)
	case errors.Is(err, binstore.ErrInvalid):
		reason = "invalid"
		b.log.Warn("progcache: stored binary rejected, compiling from source", "kind", CacheInvalid, "err", err)
	default:
		reason = "corrupt"
		b.log.Warn("progcache: stored binary unreadable, compiling from source", "kind", CacheCorrupt, "err", err)
	}
	b.c.metrics.recordFallback(b.ctx, reason)
}

// rebuild compiles stages, links with one full-recompile retry, and
// persists the result. With all set every stage is compiled; otherwise
// unchanged stages reuse retained handles when available.
func (b *build) rebuild(all bool) (*Result, error) {
	for _, st := range b.stages {
		if !all && !st.changed {
			if h, ok := b.c.takeRetained(b.key, st.src.Kind, st.sum); ok {
				st.handle = h
				b.res.Reused = append(b.res.Reused, st.src.Kind)
				continue
			}
		}
		if err := b.compile(st); err != nil {
			b.releaseStages()
			return nil, err
		}
	}

	prog, err := b.link()
	if err != nil {
		b.log.Warn("progcache: link failed, recompiling all stages", "err", err)
		b.releaseStages()
		b.c.dropRetained(b.key)
		b.res.Reused = nil
		for _, st := range b.stages {
			if err := b.compile(st); err != nil {
				b.releaseStages()
				return nil, err
			}
		}
		prog, err = b.link()
		if err != nil {
			b.releaseStages()
			return nil, b.fail(LinkDiagnostic, 0, err)
		}
	}

	for _, st := range b.stages {
		b.c.retain(b.key, st.src.Kind, st.handle, st.sum)
		st.handle = nil
	}
	b.persist(prog)

	b.res.Program = newProgram(b.c.backend, prog, b.key, b.log)
	b.log.Info("progcache: compiled from source",
		"path", b.res.Path,
		"compiled", kindsString(b.res.Compiled),
		"link_attempts", b.res.LinkAttempts,
		"persisted", b.res.Persisted)
	return b.res, nil
}

func (b *build) compile(st *stageState) error {
	kind := st.src.Kind
	b.c.metrics.recordCompile(b.ctx, kind)
	h, err := b.c.backend.CompileStage(kind, st.text)
	if err == nil && h == nil {
		err = errors.New("backend returned no stage handle")
	}
	if err != nil {
		return b.fail(CompileDiagnostic, kind, err)
	}
	st.handle = h
	st.compiled = true
	if !slices.Contains(b.res.Compiled, kind) {
		b.res.Compiled = append(b.res.Compiled, kind)
		slices.SortFunc(b.res.Compiled, b.requiredOrder)
	}
	b.log.Debug("progcache: stage compiled", "stage", kind, "source", st.src.origin())
	return nil
}

func (b *build) requiredOrder(x, y StageKind) int {
	return slices.Index(b.c.opts.required, x) - slices.Index(b.c.opts.required, y)
}

func (b *build) link() (ProgramHandle, error) {
	handles := make([]StageHandle, len(b.stages))
	for i, st := range b.stages {
		handles[i] = st.handle
	}
	b.res.LinkAttempts++
	b.c.metrics.recordLink(b.ctx)
	prog, err := b.c.backend.LinkProgram(handles)
	if err == nil && prog == nil {
		err = errors.New("backend returned no program")
	}
	if err != nil {
		return nil, err
	}
	b.log.Debug("progcache: program linked", "attempt", b.res.LinkAttempts)
	return prog, nil
}

func (b *build) releaseStages() {
	for _, st := range b.stages {
		if st.handle != nil {
			b.c.backend.ReleaseStage(st.handle)
			st.handle = nil
		}
	}
}

// persist stores the program binary and then commits the fingerprints of
// the stages compiled this round. Records of changed stages are removed
// before the save, so an interruption between save and commit is seen as
// a change on the next run. Failures are logged and leave the program
// usable.
func (b *build) persist(prog ProgramHandle) {
	if !b.c.bins.Supported() {
		b.log.Debug("progcache: binary caching unsupported, not persisting", "kind", CacheUnsupported)
		return
	}
	format, payload, err := b.c.backend.ProgramBinary(prog)
	if err != nil {
		b.log.Warn("progcache: cannot read program binary", "err", err)
		return
	}
	for _, st := range b.stages {
		if !st.compiled || !st.changed {
			continue
		}
		if err := b.c.fps.Invalidate(b.key, st.src.Kind.String()); err != nil {
			b.log.Warn("progcache: cannot invalidate fingerprint, not persisting", "stage", st.src.Kind, "err", err)
			return
		}
	}
	if err := b.c.bins.Save(b.key, format, payload); err != nil {
		b.log.Warn("progcache: cannot save program binary", "err", err)
		return
	}
	if b.c.afterSave != nil {
		b.c.afterSave()
	}
	for _, st := range b.stages {
		if !st.compiled {
			continue
		}
		if err := b.c.fps.Commit(b.key, st.src.Kind.String(), st.sum); err != nil {
			b.log.Warn("progcache: cannot commit fingerprint", "stage", st.src.Kind, "err", err)
			return
		}
	}
	b.res.Persisted = true
	b.log.Debug("progcache: binary saved", "format", fmt.Sprintf("%#x", format), "bytes", len(payload))
}

func (b *build) fail(kind ErrorKind, stage StageKind, err error) error {
	be := &BuildError{Kind: kind, Key: b.key, Stage: stage, Err: err}
	b.log.Error("progcache: build failed", "kind", kind, "err", err)
	return be
}

func kindsString(kinds []StageKind) string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.String()
	}
	return strings.Join(names, ",")
}
