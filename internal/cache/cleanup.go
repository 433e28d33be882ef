package cache

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// RetentionStore is the subset of the store pruned by Cleaner.
type RetentionStore interface {
	DeleteExpiredCache(ctx context.Context, before time.Time) (int64, error)
	DeleteUsageBefore(ctx context.Context, before time.Time) (int64, error)
}

// Cleaner prunes long-expired cache entries and old usage records.
type Cleaner struct {
	store          RetentionStore
	grace          time.Duration
	usageRetention time.Duration
}

// CleanupReport counts deleted rows.
type CleanupReport struct {
	CacheEntries int64 `json:"cache_entries"`
	UsageRecords int64 `json:"usage_records"`
}

// NewCleaner creates a Cleaner. Entries are deleted once they have been
// expired for longer than grace; usage records once older than
// usageRetention.
func NewCleaner(s RetentionStore, grace, usageRetention time.Duration) *Cleaner {
	if grace <= 0 {
		grace = 7 * 24 * time.Hour
	}
	if usageRetention <= 0 {
		usageRetention = 90 * 24 * time.Hour
	}
	return &Cleaner{store: s, grace: grace, usageRetention: usageRetention}
}

// Run performs one cleanup pass relative to now.
func (c *Cleaner) Run(ctx context.Context, now time.Time) (*CleanupReport, error) {
	entries, err := c.store.DeleteExpiredCache(ctx, now.Add(-c.grace))
	if err != nil {
		return nil, eris.Wrap(err, "cache: cleanup entries")
	}
	usage, err := c.store.DeleteUsageBefore(ctx, now.Add(-c.usageRetention))
	if err != nil {
		return nil, eris.Wrap(err, "cache: cleanup usage")
	}

	zap.L().Info("cache cleanup complete",
		zap.Int64("cache_entries", entries),
		zap.Int64("usage_records", usage),
	)
	return &CleanupReport{CacheEntries: entries, UsageRecords: usage}, nil
}
