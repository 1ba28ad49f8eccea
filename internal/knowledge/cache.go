package knowledge

import (
	"context"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultCacheSize = 128
	defaultCacheTTL  = time.Minute
)

type cacheEntry struct {
	entries  []Entry
	storedAt time.Time
}

// CachedStore wraps a Store with an LRU cache of query results. Any
// successful Append purges the cache so reads never miss a new lesson.
type CachedStore struct {
	delegate Store
	cache    *lru.Cache[string, cacheEntry]
	ttl      time.Duration
	now      func() time.Time
}

// NewCachedStore wraps delegate. Non-positive size or ttl fall back to defaults.
func NewCachedStore(delegate Store, size int, ttl time.Duration) *CachedStore {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	// lru.New only errors on non-positive size which we guard above.
	cache, _ := lru.New[string, cacheEntry](size)
	return &CachedStore{delegate: delegate, cache: cache, ttl: ttl, now: time.Now}
}

// Query serves from cache when a fresh result exists.
func (c *CachedStore) Query(ctx context.Context, tags []string, limit int) ([]Entry, error) {
	key := cacheKey(tags, limit)
	if hit, ok := c.cache.Get(key); ok {
		if c.now().Sub(hit.storedAt) < c.ttl {
			return cloneEntries(hit.entries), nil
		}
		c.cache.Remove(key)
	}
	entries, err := c.delegate.Query(ctx, tags, limit)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, cacheEntry{entries: cloneEntries(entries), storedAt: c.now()})
	return entries, nil
}

// Append writes through and invalidates cached queries.
func (c *CachedStore) Append(ctx context.Context, e Entry) error {
	if err := c.delegate.Append(ctx, e); err != nil {
		return err
	}
	c.cache.Purge()
	return nil
}

// Len returns the number of cached queries.
func (c *CachedStore) Len() int {
	return c.cache.Len()
}

func cacheKey(tags []string, limit int) string {
	return fmt.Sprintf("%s|%d", strings.Join(normalizeTags(tags), ","), limit)
}

func cloneEntries(in []Entry) []Entry {
	if in == nil {
		return nil
	}
	out := make([]Entry, len(in))
	for i, e := range in {
		e.Tags = append([]string(nil), e.Tags...)
		out[i] = e
	}
	return out
}
