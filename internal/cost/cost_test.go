package cost

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/site-enrich/internal/model"
	"github.com/sells-group/site-enrich/internal/monitoring"
	"github.com/sells-group/site-enrich/internal/provider"
	"github.com/sells-group/site-enrich/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "cost.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func testCalculator() *Calculator {
	return NewCalculator(RatesFromCatalog(provider.DefaultCatalog()))
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []monitoring.Alert
	err    error
}

func (f *fakeAlerter) Send(_ context.Context, a monitoring.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.alerts = append(f.alerts, a)
	return nil
}

func recordCalls(t *testing.T, st *store.SQLiteStore, provider string, n int, at time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, st.RecordUsage(context.Background(), model.UsageRecord{
			Provider:   provider,
			Success:    i%4 != 0,
			DurationMs: 100,
			CreatedAt:  at.Add(time.Duration(i) * time.Second),
		}))
	}
}

func TestCalculator(t *testing.T) {
	calc := testCalculator()
	assert.Equal(t, "0.283", calc.Cost("google_places", 100).String())
	assert.Equal(t, "0.05", calc.Cost("google_geocode", 10).String())
	assert.True(t, calc.Cost("fema_flood", 1000).IsZero())
	assert.True(t, calc.Cost("unknown", 5).IsZero())
	assert.Equal(t, []string{"google_geocode", "google_places"}, calc.Metered())
}

func TestAggregator_RunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	hour := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	recordCalls(t, st, "google_places", 8, hour.Add(5*time.Minute))
	recordCalls(t, st, "fema_flood", 3, hour.Add(10*time.Minute))
	recordCalls(t, st, "google_places", 5, hour.Add(70*time.Minute)) // next hour

	agg := NewAggregator(st, testCalculator())
	first, err := agg.Run(ctx, hour.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, hour, first.Hour)
	assert.Equal(t, 2, first.Providers)

	_, err = agg.Run(ctx, hour)
	require.NoError(t, err)

	snaps, err := st.ListSnapshots(ctx, hour, hour.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, snaps, 2)

	byProvider := map[string]model.CostSnapshot{}
	for _, s := range snaps {
		byProvider[s.Provider] = s
	}
	places := byProvider["google_places"]
	assert.Equal(t, 8, places.Calls)
	assert.Equal(t, 6, places.Successes)
	assert.Equal(t, 2, places.Errors)
	assert.True(t, d("0.02264").Equal(places.EstimatedCost), places.EstimatedCost.String())
	assert.True(t, byProvider["fema_flood"].EstimatedCost.IsZero())
}

func TestAggregator_CumulativeDailyCost(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	recordCalls(t, st, "google_places", 10, day.Add(1*time.Hour))
	recordCalls(t, st, "google_places", 20, day.Add(2*time.Hour))
	recordCalls(t, st, "google_places", 5, day.Add(-1*time.Hour)) // previous day

	agg := NewAggregator(st, testCalculator())
	_, err := agg.Run(ctx, day.Add(-time.Hour))
	require.NoError(t, err)
	_, err = agg.Run(ctx, day.Add(time.Hour))
	require.NoError(t, err)
	res, err := agg.RunPrevious(ctx, day.Add(3*time.Hour+15*time.Minute))
	require.NoError(t, err)

	require.Len(t, res.Snapshots, 1)
	snap := res.Snapshots[0]
	assert.Equal(t, day.Add(2*time.Hour), snap.Hour)
	assert.True(t, d("0.0566").Equal(snap.EstimatedCost), snap.EstimatedCost.String())
	assert.True(t, d("0.0849").Equal(snap.CumulativeDailyCost), snap.CumulativeDailyCost.String())
}

func TestAggregator_EmptyHour(t *testing.T) {
	st := newTestStore(t)
	res, err := NewAggregator(st, testCalculator()).Run(context.Background(), time.Date(2026, 3, 2, 5, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Zero(t, res.Providers)
	assert.Empty(t, res.Snapshots)
}

func TestModeController_ActivateAndReset(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	mc := NewModeController(st)

	cur, err := mc.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.ModeNormal, cur.Mode)

	state, changed, err := mc.Activate(ctx, "spend", []string{"google_places"}, EvaluatorActor)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, state.Emergency())

	_, changed, err = mc.Activate(ctx, "again", nil, EvaluatorActor)
	require.NoError(t, err)
	assert.False(t, changed)

	_, _, err = mc.Reset(ctx, " ", "no actor")
	assert.ErrorIs(t, err, ErrActorRequired)

	state, changed, err = mc.Reset(ctx, "ops@example.com", "budget raised")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, model.ModeNormal, state.Mode)

	_, changed, err = mc.Reset(ctx, "ops@example.com", "twice")
	require.NoError(t, err)
	assert.False(t, changed)

	events, err := mc.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.ModeNormal, events[0].Mode)
	assert.Equal(t, "ops@example.com", events[0].ChangedBy)
	assert.Equal(t, model.ModeEmergency, events[1].Mode)
}

func seedSnapshots(t *testing.T, st *store.SQLiteStore, snaps ...model.CostSnapshot) {
	t.Helper()
	require.NoError(t, st.UpsertSnapshots(context.Background(), snaps))
}

func TestEvaluator_BelowBudget(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	now := time.Date(2026, 3, 2, 15, 10, 0, 0, time.UTC)
	seedSnapshots(t, st, model.CostSnapshot{Hour: now.Truncate(time.Hour), Provider: "google_places", Calls: 100, EstimatedCost: d("0.283")})

	alerts := &fakeAlerter{}
	ev, err := NewEvaluator(st, NewModeController(st), alerts, testCalculator(), EvaluatorConfig{}).Evaluate(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, ev.Severity)
	assert.False(t, ev.EmergencyMode)
	assert.Empty(t, alerts.alerts)
	assert.True(t, DefaultDailyWarn.Equal(ev.Thresholds.Warn))
}

func TestEvaluator_WarningDoesNotLatch(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	now := time.Date(2026, 3, 2, 15, 10, 0, 0, time.UTC)
	seedSnapshots(t, st,
		model.CostSnapshot{Hour: now.Add(-2 * time.Hour).Truncate(time.Hour), Provider: "google_places", Calls: 20000, EstimatedCost: d("56.6")},
		model.CostSnapshot{Hour: now.Add(-26 * time.Hour).Truncate(time.Hour), Provider: "google_places", Calls: 1000, EstimatedCost: d("2.83")},
	)

	alerts := &fakeAlerter{}
	ev, err := NewEvaluator(st, NewModeController(st), alerts, testCalculator(), EvaluatorConfig{}).Evaluate(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, monitoring.SeverityWarning, ev.Severity)
	assert.False(t, ev.EmergencyMode)
	assert.True(t, d("56.6").Equal(ev.DailySpend))
	assert.True(t, d("59.43").Equal(ev.MonthlySpend))

	require.Len(t, alerts.alerts, 1)
	a := alerts.alerts[0]
	assert.Equal(t, monitoring.SeverityWarning, a.Severity)
	assert.Equal(t, "$50/day (warning)", a.ThresholdBreached)
	assert.Contains(t, a.RecommendedActions, "Review top cost drivers")

	mode, err := st.GetSystemMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.ModeNormal, mode.Mode)
}

func TestEvaluator_CriticalLatchesEmergency(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	now := time.Date(2026, 3, 2, 15, 10, 0, 0, time.UTC)
	hour := now.Truncate(time.Hour)
	providers := []string{"google_places", "google_geocode", "fema_flood", "a", "b", "c"}
	var snaps []model.CostSnapshot
	for i, p := range providers {
		snaps = append(snaps, model.CostSnapshot{
			Hour: hour, Provider: p, Calls: 10 * (i + 1),
			EstimatedCost: decimal.NewFromInt(int64(60 - i*10)),
		})
	}
	seedSnapshots(t, st, snaps...)

	alerts := &fakeAlerter{}
	mc := NewModeController(st)
	eval := NewEvaluator(st, mc, alerts, testCalculator(), EvaluatorConfig{})

	ev, err := eval.Evaluate(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, monitoring.SeverityEmergency, ev.Severity)
	assert.True(t, ev.EmergencyActivated)
	assert.True(t, ev.EmergencyMode)
	require.Len(t, ev.TopDrivers, DefaultTopDrivers)
	assert.Equal(t, "google_places", ev.TopDrivers[0].Source)
	assert.Equal(t, "b", ev.TopDrivers[4].Source)

	mode, err := mc.Current(ctx)
	require.NoError(t, err)
	assert.True(t, mode.Emergency())
	assert.Equal(t, EvaluatorActor, mode.ChangedBy)
	assert.Equal(t, []string{"google_geocode", "google_places"}, mode.Providers)

	// Already latched: critical, no second activation.
	ev, err = eval.Evaluate(ctx, now.Add(15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, monitoring.SeverityCritical, ev.Severity)
	assert.False(t, ev.EmergencyActivated)

	require.Len(t, alerts.alerts, 2)
	assert.Equal(t, monitoring.SeverityEmergency, alerts.alerts[0].Severity)
	assert.Equal(t, "$100/day (critical)", alerts.alerts[0].ThresholdBreached)
	events, err := mc.History(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestEvaluator_DropBelowThresholdKeepsEmergency(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	mc := NewModeController(st)
	_, _, err := mc.Activate(ctx, "yesterday", []string{"google_places"}, EvaluatorActor)
	require.NoError(t, err)

	ev, err := NewEvaluator(st, mc, nil, testCalculator(), EvaluatorConfig{}).Evaluate(ctx, time.Date(2026, 3, 3, 1, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, ev.Severity)
	assert.True(t, ev.EmergencyMode)
}

func TestEvaluator_BudgetRowsAndProviderBudget(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	now := time.Date(2026, 3, 2, 15, 10, 0, 0, time.UTC)
	require.NoError(t, st.UpsertBudget(ctx, model.BudgetConfig{Scope: model.BudgetScopeSystem, Warn: d("500"), Critical: d("1000"), Active: true}))
	require.NoError(t, st.UpsertBudget(ctx, model.BudgetConfig{Scope: "google_geocode", Warn: d("5"), Critical: d("10"), Active: true}))
	seedSnapshots(t, st, model.CostSnapshot{Hour: now.Truncate(time.Hour), Provider: "google_geocode", Calls: 2400, EstimatedCost: d("12")})

	alerts := &fakeAlerter{}
	ev, err := NewEvaluator(st, NewModeController(st), alerts, testCalculator(), EvaluatorConfig{}).Evaluate(ctx, now)
	require.NoError(t, err)
	assert.True(t, d("500").Equal(ev.Thresholds.Warn))
	require.Len(t, ev.Breaches, 1)
	assert.Equal(t, "google_geocode", ev.Breaches[0].Scope)
	assert.Equal(t, monitoring.SeverityEmergency, ev.Severity)
	require.Len(t, alerts.alerts, 1)
	assert.Equal(t, "google_geocode $10/day (critical)", alerts.alerts[0].ThresholdBreached)
}

func TestEvaluator_AlertFailureStillEvaluates(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	now := time.Date(2026, 3, 2, 15, 10, 0, 0, time.UTC)
	seedSnapshots(t, st, model.CostSnapshot{Hour: now.Truncate(time.Hour), Provider: "google_places", Calls: 1, EstimatedCost: d("75")})

	ev, err := NewEvaluator(st, NewModeController(st), &fakeAlerter{err: errors.New("webhook down")}, testCalculator(), EvaluatorConfig{}).Evaluate(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, monitoring.SeverityWarning, ev.Severity)
	assert.False(t, ev.AlertSent)
}
