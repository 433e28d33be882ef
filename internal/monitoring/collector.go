package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/site-enrich/internal/cache"
	"github.com/sells-group/site-enrich/internal/model"
)

// Snapshot is a point-in-time view of the service.
type Snapshot struct {
	Phases     map[model.Phase]int    `json:"phases"`
	Mode       *model.SystemModeState `json:"system_mode"`
	DailySpend decimal.Decimal        `json:"daily_spend"`
	DailyCalls int                    `json:"daily_calls"`
	Cache      *cache.Stats           `json:"cache,omitempty"`
	CacheTable *model.CacheTableStats `json:"cache_table,omitempty"`
	Breakers   map[string]string      `json:"breakers,omitempty"`

	CollectedAt time.Time `json:"collected_at"`
}

// StatsStore is the read surface the collector needs.
type StatsStore interface {
	CountByStatus(ctx context.Context) (map[model.Phase]int, error)
	GetSystemMode(ctx context.Context) (*model.SystemModeState, error)
	ListSnapshots(ctx context.Context, from, to time.Time) ([]model.CostSnapshot, error)
	CacheStats(ctx context.Context, now time.Time) (*model.CacheTableStats, error)
}

// Collector gathers a Snapshot from the store and in-process counters.
type Collector struct {
	store    StatsStore
	cache    *cache.Cache
	breakers func() map[string]string
	now      func() time.Time
}

// NewCollector creates a collector. c and breakers may be nil.
func NewCollector(st StatsStore, c *cache.Cache, breakers func() map[string]string) *Collector {
	return &Collector{store: st, cache: c, breakers: breakers, now: time.Now}
}

// Collect gathers a snapshot. Daily spend covers the current UTC day.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	now := c.now().UTC()
	snap := &Snapshot{CollectedAt: now}

	phases, err := c.store.CountByStatus(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count by status")
	}
	snap.Phases = phases

	mode, err := c.store.GetSystemMode(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: get system mode")
	}
	snap.Mode = mode

	dayStart := now.Truncate(24 * time.Hour)
	snaps, err := c.store.ListSnapshots(ctx, dayStart, dayStart.Add(24*time.Hour))
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list cost snapshots")
	}
	for _, s := range snaps {
		snap.DailySpend = snap.DailySpend.Add(s.EstimatedCost)
		snap.DailyCalls += s.Calls
	}

	table, err := c.store.CacheStats(ctx, now)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: cache stats")
	}
	snap.CacheTable = table

	if c.cache != nil {
		st := c.cache.Stats()
		snap.Cache = &st
	}
	if c.breakers != nil {
		snap.Breakers = c.breakers()
	}
	return snap, nil
}
