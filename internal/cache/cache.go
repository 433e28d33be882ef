// Package cache is the content-addressed response cache in front of
// provider calls.
package cache

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/site-enrich/internal/model"
)

// DefaultSWRFraction is the share of the TTL after which a hit triggers
// background revalidation.
const DefaultSWRFraction = 0.5

// Hit is a fresh cache lookup result.
type Hit struct {
	Entry model.CacheEntry
	// Revalidate is set once the entry is past the stale-while-revalidate
	// window but not yet expired.
	Revalidate bool
}

// Stats are cumulative counters since process start.
type Stats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	StaleServed int64 `json:"stale_served"`
	Revalidates int64 `json:"revalidates"`
	ReadErrors  int64 `json:"read_errors"`
	WriteErrors int64 `json:"write_errors"`
}

// Cache fronts a Backend with expiry, SWR and error-swallowing semantics.
type Cache struct {
	backend     Backend
	swrFraction float64
	nowFunc     func() time.Time
	log         *zap.Logger

	hits, misses, stale, revalidates, readErrs, writeErrs atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithSWRFraction sets the stale-while-revalidate fraction of the TTL.
func WithSWRFraction(f float64) Option {
	return func(c *Cache) {
		if f > 0 && f <= 1 {
			c.swrFraction = f
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.nowFunc = now }
}

// New creates a Cache over backend.
func New(backend Backend, opts ...Option) *Cache {
	c := &Cache{
		backend:     backend,
		swrFraction: DefaultSWRFraction,
		nowFunc:     time.Now,
		log:         zap.L().With(zap.String("component", "cache")),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the entry for key if it has not expired. Backend errors are
// reported as a miss.
func (c *Cache) Get(ctx context.Context, key string) (*Hit, bool) {
	entry, ok := c.load(ctx, key)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	now := c.nowFunc()
	if entry.Expired(now) {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	c.touch(ctx, key)

	hit := &Hit{Entry: *entry}
	ttl := entry.ExpiresAt.Sub(entry.CreatedAt)
	if ttl > 0 && now.Sub(entry.CreatedAt) >= time.Duration(float64(ttl)*c.swrFraction) {
		hit.Revalidate = true
		c.revalidates.Add(1)
	}
	return hit, true
}

// GetStale returns the entry for key whether or not it has expired.
func (c *Cache) GetStale(ctx context.Context, key string) (*model.CacheEntry, bool) {
	entry, ok := c.load(ctx, key)
	if !ok {
		return nil, false
	}
	c.stale.Add(1)
	c.touch(ctx, key)
	return entry, true
}

// Put stores payload under key for ttl. Failures are logged and counted,
// never returned.
func (c *Cache) Put(ctx context.Context, key, provider string, payload json.RawMessage, ttl time.Duration) {
	if ttl <= 0 || len(payload) == 0 {
		return
	}
	now := c.nowFunc().UTC()
	err := c.backend.Save(ctx, model.CacheEntry{
		Key:       key,
		Provider:  provider,
		Payload:   payload,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	})
	if err != nil {
		c.writeErrs.Add(1)
		c.log.Warn("cache write failed",
			zap.String("provider", provider),
			zap.String("key", shortKey(key)),
			zap.Error(err),
		)
	}
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		StaleServed: c.stale.Load(),
		Revalidates: c.revalidates.Load(),
		ReadErrors:  c.readErrs.Load(),
		WriteErrors: c.writeErrs.Load(),
	}
}

func (c *Cache) load(ctx context.Context, key string) (*model.CacheEntry, bool) {
	entry, err := c.backend.Load(ctx, key)
	if err != nil {
		c.readErrs.Add(1)
		c.log.Warn("cache read failed", zap.String("key", shortKey(key)), zap.Error(err))
		return nil, false
	}
	if entry == nil {
		return nil, false
	}
	return entry, true
}

func (c *Cache) touch(ctx context.Context, key string) {
	if err := c.backend.Touch(ctx, key); err != nil {
		c.log.Debug("cache touch failed", zap.String("key", shortKey(key)), zap.Error(err))
	}
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
