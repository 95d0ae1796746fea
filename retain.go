package progcache

import (
	"github.com/gogpu/progcache/fingerprint"
	"github.com/gogpu/progcache/internal/lru"
)

// retainKey identifies a retained stage handle.
type retainKey struct {
	key  string
	kind StageKind
}

// retainedStage is a compiled stage kept alive after a successful link,
// together with the fingerprint of the text it was compiled from.
type retainedStage struct {
	handle StageHandle
	sum    fingerprint.Sum
}

func newRetention(b Backend, limit int) *lru.Cache[retainKey, retainedStage] {
	return lru.New[retainKey, retainedStage](limit, func(_ retainKey, r retainedStage) {
		b.ReleaseStage(r.handle)
	})
}

// takeRetained hands over the retained handle for a stage if it was
// compiled from text with the given fingerprint. A stale handle is
// released.
func (c *Cache) takeRetained(key string, kind StageKind, sum fingerprint.Sum) (StageHandle, bool) {
	if c.retained == nil {
		return nil, false
	}
	r, ok := c.retained.Take(retainKey{key, kind})
	if !ok {
		return nil, false
	}
	if r.sum != sum {
		c.backend.ReleaseStage(r.handle)
		return nil, false
	}
	return r.handle, true
}

// retain keeps h for later builds, or releases it when retention is off.
func (c *Cache) retain(key string, kind StageKind, h StageHandle, sum fingerprint.Sum) {
	if c.retained == nil {
		c.backend.ReleaseStage(h)
		return
	}
	c.retained.Set(retainKey{key, kind}, retainedStage{handle: h, sum: sum})
}

// Retained returns the number of stage handles currently kept alive.
func (c *Cache) Retained() int {
	if c.retained == nil {
		return 0
	}
	return c.retained.Len()
}

// dropRetained releases every retained handle of key.
func (c *Cache) dropRetained(key string) {
	if c.retained == nil {
		return
	}
	for _, k := range c.opts.required {
		c.retained.Delete(retainKey{key, k})
	}
}
