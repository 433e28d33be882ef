package cache

import (
	"context"
	"errors"
	"time"

	rediscache "github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/site-enrich/internal/model"
)

// Backend persists cache entries. Load returns nil, nil on a miss and
// returns expired entries as-is.
type Backend interface {
	Load(ctx context.Context, key string) (*model.CacheEntry, error)
	Save(ctx context.Context, entry model.CacheEntry) error
	Touch(ctx context.Context, key string) error
}

// EntryStore is the subset of the store used by SQLBackend.
type EntryStore interface {
	GetCacheEntry(ctx context.Context, key string) (*model.CacheEntry, error)
	PutCacheEntry(ctx context.Context, entry model.CacheEntry) error
	TouchCacheEntry(ctx context.Context, key string) error
}

// SQLBackend keeps entries in the cache_entries table.
type SQLBackend struct {
	store EntryStore
}

// NewSQLBackend wraps a store.
func NewSQLBackend(s EntryStore) *SQLBackend {
	return &SQLBackend{store: s}
}

func (b *SQLBackend) Load(ctx context.Context, key string) (*model.CacheEntry, error) {
	return b.store.GetCacheEntry(ctx, key)
}

func (b *SQLBackend) Save(ctx context.Context, entry model.CacheEntry) error {
	return b.store.PutCacheEntry(ctx, entry)
}

func (b *SQLBackend) Touch(ctx context.Context, key string) error {
	return b.store.TouchCacheEntry(ctx, key)
}

const (
	redisKeyPrefix = "enrich:cache:"
	redisHitPrefix = "enrich:cache:hits:"
)

// RedisBackend keeps entries in Redis with an in-process TinyLFU tier.
// Entries outlive their expiry by the grace period so that stale reads
// remain possible.
type RedisBackend struct {
	client *redis.Client
	cache  *rediscache.Cache
	grace  time.Duration
}

// NewRedisBackend builds a RedisBackend. localSize <= 0 disables the local
// tier.
func NewRedisBackend(client *redis.Client, localSize int, grace time.Duration) *RedisBackend {
	opts := &rediscache.Options{Redis: client}
	if localSize > 0 {
		opts.LocalCache = rediscache.NewTinyLFU(localSize, time.Minute)
	}
	return &RedisBackend{
		client: client,
		cache:  rediscache.New(opts),
		grace:  grace,
	}
}

func (b *RedisBackend) Load(ctx context.Context, key string) (*model.CacheEntry, error) {
	var entry model.CacheEntry
	err := b.cache.Get(ctx, redisKeyPrefix+key, &entry)
	if errors.Is(err, rediscache.ErrCacheMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "cache: redis get")
	}
	hits, err := b.client.Get(ctx, redisHitPrefix+key).Int64()
	if err == nil {
		entry.HitCount = hits
	}
	return &entry, nil
}

func (b *RedisBackend) Save(ctx context.Context, entry model.CacheEntry) error {
	ttl := time.Until(entry.ExpiresAt) + b.grace
	if ttl <= 0 {
		return nil
	}
	err := b.cache.Set(&rediscache.Item{
		Ctx:   ctx,
		Key:   redisKeyPrefix + entry.Key,
		Value: entry,
		TTL:   ttl,
	})
	return eris.Wrap(err, "cache: redis set")
}

func (b *RedisBackend) Touch(ctx context.Context, key string) error {
	return eris.Wrap(b.client.Incr(ctx, redisHitPrefix+key).Err(), "cache: redis touch")
}
