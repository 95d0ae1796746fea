package progcache

import (
	"context"
	"errors"
	"path/filepath"
	"runtime"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/gogpu/progcache/internal/filelock"
)

// Group serialises builds per cache key on top of a Cache.
//
// Concurrent Build calls for the same key in one process share a single
// execution. With WithFileLock each build also holds <dir>/<key>.lock, so
// processes sharing a cache directory never write the same key at once.
type Group struct {
	cache    *Cache
	sf       singleflight.Group
	fileLock bool
	jobs     int
}

// GroupOption configures a Group.
type GroupOption func(*Group)

// WithFileLock enables the cross-process lock file per key.
func WithFileLock(enabled bool) GroupOption {
	return func(g *Group) {
		g.fileLock = enabled
	}
}

// WithJobs bounds how many keys BuildAll builds at once.
// Values below 1 select runtime.GOMAXPROCS(0).
func WithJobs(n int) GroupOption {
	return func(g *Group) {
		g.jobs = n
	}
}

// NewGroup returns a Group building through c.
func NewGroup(c *Cache, opts ...GroupOption) *Group {
	g := &Group{cache: c}
	for _, opt := range opts {
		opt(g)
	}
	if g.jobs < 1 {
		g.jobs = runtime.GOMAXPROCS(0)
	}
	return g
}

// Cache returns the underlying cache.
func (g *Group) Cache() *Cache { return g.cache }

// Build builds req, joining an in-flight build of the same key if there is
// one. Joined callers receive a copy of the same Result with Shared set.
func (g *Group) Build(ctx context.Context, req Request) (*Result, error) {
	key, err := ResolveKey(req)
	if err != nil {
		return nil, err
	}
	req.Key = key

	v, err, shared := g.sf.Do(key, func() (any, error) {
		return g.build(ctx, key, req)
	})
	if err != nil {
		return nil, err
	}
	res := v.(*Result)
	if shared {
		cp := *res
		cp.Shared = true
		return &cp, nil
	}
	return res, nil
}

func (g *Group) build(ctx context.Context, key string, req Request) (*Result, error) {
	if g.fileLock {
		l, err := filelock.Lock(ctx, filepath.Join(g.cache.Dir(), key+".lock"))
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := l.Unlock(); err != nil {
				g.cache.logger().Warn("progcache: cannot release lock", "key", key, "err", err)
			}
		}()
	}
	return g.cache.Build(ctx, req)
}

// Outcome is the result of one request in BuildAll.
type Outcome struct {
	Request Request
	Result  *Result
	Err     error
}

// BuildAll builds every request, running up to the configured number of
// keys concurrently. One failure does not stop the others. The returned
// error joins all per-request errors.
func (g *Group) BuildAll(ctx context.Context, reqs []Request) ([]Outcome, error) {
	out := make([]Outcome, len(reqs))

	var eg errgroup.Group
	eg.SetLimit(g.jobs)
	for i, req := range reqs {
		eg.Go(func() error {
			res, err := g.Build(ctx, req)
			out[i] = Outcome{Request: req, Result: res, Err: err}
			return nil
		})
	}
	_ = eg.Wait()

	var errs []error
	for _, o := range out {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return out, errors.Join(errs...)
}
