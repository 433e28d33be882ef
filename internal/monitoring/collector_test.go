package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/site-enrich/internal/model"
)

type fakeStatsStore struct {
	phases    map[model.Phase]int
	mode      *model.SystemModeState
	snapshots []model.CostSnapshot
	countErr  error

	from, to time.Time
}

func (f *fakeStatsStore) CountByStatus(context.Context) (map[model.Phase]int, error) {
	return f.phases, f.countErr
}

func (f *fakeStatsStore) GetSystemMode(context.Context) (*model.SystemModeState, error) {
	return f.mode, nil
}

func (f *fakeStatsStore) ListSnapshots(_ context.Context, from, to time.Time) ([]model.CostSnapshot, error) {
	f.from, f.to = from, to
	return f.snapshots, nil
}

func (f *fakeStatsStore) CacheStats(context.Context, time.Time) (*model.CacheTableStats, error) {
	return &model.CacheTableStats{Entries: 10, Live: 8}, nil
}

func TestCollector_Collect(t *testing.T) {
	st := &fakeStatsStore{
		phases: map[model.Phase]int{model.PhaseComplete: 5, model.PhaseError: 1},
		mode:   &model.SystemModeState{Mode: model.ModeNormal},
		snapshots: []model.CostSnapshot{
			{Provider: "google_places", Calls: 100, EstimatedCost: decimal.RequireFromString("0.283")},
			{Provider: "google_geocode", Calls: 10, EstimatedCost: decimal.RequireFromString("0.05")},
		},
	}
	c := NewCollector(st, nil, func() map[string]string { return map[string]string{"fema_flood": "open"} })
	c.now = func() time.Time { return time.Date(2026, 3, 2, 15, 30, 0, 0, time.UTC) }

	snap, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, snap.Phases[model.PhaseComplete])
	assert.Equal(t, "0.333", snap.DailySpend.String())
	assert.Equal(t, 110, snap.DailyCalls)
	assert.Equal(t, int64(8), snap.CacheTable.Live)
	assert.Nil(t, snap.Cache)
	assert.Equal(t, "open", snap.Breakers["fema_flood"])
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), st.from)
	assert.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), st.to)
}

func TestCollector_Collect_StoreError(t *testing.T) {
	st := &fakeStatsStore{countErr: errors.New("db down")}
	_, err := NewCollector(st, nil, nil).Collect(context.Background())
	assert.Error(t, err)
}
