package provider

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/site-enrich/internal/cache"
	"github.com/sells-group/site-enrich/internal/model"
	"github.com/sells-group/site-enrich/internal/resilience"
)

type memBackend struct {
	mu      sync.Mutex
	entries map[string]model.CacheEntry
}

func newMemBackend() *memBackend {
	return &memBackend{entries: make(map[string]model.CacheEntry)}
}

func (m *memBackend) Load(_ context.Context, key string) (*model.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *memBackend) Save(_ context.Context, e model.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.Key] = e
	return nil
}

func (m *memBackend) Touch(context.Context, string) error { return nil }

type fakeMode struct {
	mu    sync.Mutex
	state *model.SystemModeState
	err   error
	reads int
}

func (f *fakeMode) GetSystemMode(context.Context) (*model.SystemModeState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.err != nil {
		return nil, f.err
	}
	if f.state == nil {
		return &model.SystemModeState{Mode: model.ModeNormal}, nil
	}
	return f.state, nil
}

type fakeUsage struct {
	mu       sync.Mutex
	records  []model.UsageRecord
	countErr error
	base     int
}

func (f *fakeUsage) RecordUsage(_ context.Context, rec model.UsageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeUsage) CountApplicationCalls(_ context.Context, appID string, _ time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.countErr != nil {
		return 0, f.countErr
	}
	n := f.base
	for _, r := range f.records {
		if r.ApplicationID == appID {
			n++
		}
	}
	return n, nil
}

func (f *fakeUsage) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type countingHandler struct {
	calls   atomic.Int32
	payload string
	err     error
	delay   time.Duration
}

func (h *countingHandler) Fetch(ctx context.Context, _ Spec, _ Request) (json.RawMessage, error) {
	h.calls.Add(1)
	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if h.err != nil {
		return nil, h.err
	}
	return json.RawMessage(h.payload), nil
}

type callerFixture struct {
	caller  *Caller
	backend *memBackend
	cache   *cache.Cache
	mode    *fakeMode
	usage   *fakeUsage
	now     time.Time
}

func newCallerFixture(t *testing.T, cfg CallerConfig, specs map[Spec]Handler) *callerFixture {
	t.Helper()
	f := &callerFixture{
		backend: newMemBackend(),
		mode:    &fakeMode{},
		usage:   &fakeUsage{},
		now:     time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC),
	}
	f.cache = cache.New(f.backend, cache.WithClock(func() time.Time { return f.now }))
	reg := NewEmptyRegistry()
	for spec, h := range specs {
		reg.Register(spec, h)
	}
	f.caller = NewCaller(reg, f.cache, f.mode, f.usage, cfg)
	t.Cleanup(f.caller.Wait)
	return f
}

var (
	floodSpec  = Spec{Key: "fema_flood", Kind: KindOverlay, TTL: time.Hour}
	placesSpec = Spec{Key: "google_places", Kind: KindOverlay, Metered: true, UnitCost: 0.00283, TTL: time.Hour}
)

func floodRequest() Request {
	return Request{Provider: "fema_flood", ApplicationID: "app-1", Point: houston}
}

func TestCaller_UnknownProvider(t *testing.T) {
	f := newCallerFixture(t, CallerConfig{}, nil)
	res := f.caller.Call(context.Background(), Request{Provider: "nope"})
	assert.False(t, res.Success)
	assert.Equal(t, model.FailurePermanent, res.FailureKind)
	assert.Equal(t, "nope", res.Provider)
	assert.Zero(t, f.usage.count())
}

func TestCaller_LiveCallWritesThroughAndRecordsUsage(t *testing.T) {
	h := &countingHandler{payload: `{"zone":"AE"}`}
	f := newCallerFixture(t, CallerConfig{}, map[Spec]Handler{floodSpec: h})

	res := f.caller.Call(context.Background(), floodRequest())
	require.True(t, res.Success, res.Error)
	assert.False(t, res.Cached)
	assert.JSONEq(t, `{"zone":"AE"}`, string(res.Payload))
	assert.Equal(t, int32(1), h.calls.Load())
	require.Equal(t, 1, f.usage.count())
	assert.True(t, f.usage.records[0].Success)
	assert.Equal(t, "app-1", f.usage.records[0].ApplicationID)

	// Fresh hit: zero adapter invocations, no usage record.
	res = f.caller.Call(context.Background(), floodRequest())
	require.True(t, res.Success)
	assert.True(t, res.Cached)
	assert.Equal(t, int32(1), h.calls.Load())
	assert.Equal(t, 1, f.usage.count())
}

func TestCaller_ExpiredEntryCallsLive(t *testing.T) {
	h := &countingHandler{payload: `{"zone":"X"}`}
	f := newCallerFixture(t, CallerConfig{}, map[Spec]Handler{floodSpec: h})

	f.caller.Call(context.Background(), floodRequest())
	f.now = f.now.Add(2 * time.Hour)
	res := f.caller.Call(context.Background(), floodRequest())
	assert.True(t, res.Success)
	assert.False(t, res.Cached)
	assert.Equal(t, int32(2), h.calls.Load())
}

func TestCaller_StaleWhileRevalidate(t *testing.T) {
	h := &countingHandler{payload: `{"zone":"AE"}`}
	f := newCallerFixture(t, CallerConfig{}, map[Spec]Handler{floodSpec: h})

	f.caller.Call(context.Background(), floodRequest())
	f.now = f.now.Add(40 * time.Minute)

	res := f.caller.Call(context.Background(), floodRequest())
	assert.True(t, res.Success)
	assert.True(t, res.Cached)
	f.caller.Wait()
	assert.Equal(t, int32(2), h.calls.Load())
	assert.Equal(t, 2, f.usage.count())
}

// latchingMode reports normal for the first n reads and emergency after.
type latchingMode struct {
	mu    sync.Mutex
	n     int
	reads int
}

func (l *latchingMode) GetSystemMode(context.Context) (*model.SystemModeState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reads++
	if l.reads > l.n {
		return &model.SystemModeState{Mode: model.ModeEmergency}, nil
	}
	return &model.SystemModeState{Mode: model.ModeNormal}, nil
}

func TestCaller_RevalidationHonorsEmergency(t *testing.T) {
	h := &countingHandler{payload: `{"count":3}`}
	f := newCallerFixture(t, CallerConfig{}, map[Spec]Handler{placesSpec: h})
	mode := &latchingMode{n: 2}
	f.caller.mode = mode
	req := Request{Provider: "google_places", ApplicationID: "app-1", Point: houston}

	require.True(t, f.caller.Call(context.Background(), req).Success)
	f.now = f.now.Add(40 * time.Minute)

	// The second read lets the call through; emergency latches before the
	// background refresh starts.
	res := f.caller.Call(context.Background(), req)
	assert.True(t, res.Cached)
	f.caller.Wait()

	assert.Equal(t, int32(1), h.calls.Load())
	assert.Equal(t, 1, f.usage.count())
	assert.Equal(t, 3, mode.reads)
}

func TestCaller_RevalidationHonorsApplicationBudget(t *testing.T) {
	h := &countingHandler{payload: `{"zone":"AE"}`}
	f := newCallerFixture(t, CallerConfig{AppBudgetCalls: 1}, map[Spec]Handler{floodSpec: h})

	require.True(t, f.caller.Call(context.Background(), floodRequest()).Success)
	f.now = f.now.Add(40 * time.Minute)

	res := f.caller.Call(context.Background(), floodRequest())
	assert.True(t, res.Cached)
	f.caller.Wait()

	assert.Equal(t, int32(1), h.calls.Load())
	assert.Equal(t, 1, f.usage.count())
}

func TestCaller_EmergencyBlocksMeteredCalls(t *testing.T) {
	h := &countingHandler{payload: `{"results":[]}`}
	f := newCallerFixture(t, CallerConfig{}, map[Spec]Handler{placesSpec: h, floodSpec: &countingHandler{payload: `{}`}})
	f.mode.state = &model.SystemModeState{Mode: model.ModeEmergency, Reason: "critical spend"}

	req := Request{Provider: "google_places", ApplicationID: "app-1", Point: houston}
	for i := 0; i < 5; i++ {
		res := f.caller.Call(context.Background(), req)
		assert.False(t, res.Success)
		assert.Equal(t, model.FailureThrottled, res.FailureKind)
	}
	assert.Zero(t, h.calls.Load())
	assert.Zero(t, f.usage.count())
	assert.Equal(t, 5, f.mode.reads)

	// Unmetered providers are unaffected.
	res := f.caller.Call(context.Background(), floodRequest())
	assert.True(t, res.Success)
	assert.Equal(t, 5, f.mode.reads)
}

func TestCaller_EmergencyServesStaleCache(t *testing.T) {
	h := &countingHandler{payload: `{"count":3}`}
	f := newCallerFixture(t, CallerConfig{}, map[Spec]Handler{placesSpec: h})
	req := Request{Provider: "google_places", ApplicationID: "app-1", Point: houston}

	require.True(t, f.caller.Call(context.Background(), req).Success)
	f.now = f.now.Add(48 * time.Hour)
	f.mode.state = &model.SystemModeState{Mode: model.ModeEmergency}

	res := f.caller.Call(context.Background(), req)
	assert.True(t, res.Success)
	assert.True(t, res.Cached)
	assert.True(t, res.Stale)
	assert.JSONEq(t, `{"count":3}`, string(res.Payload))
	assert.Equal(t, int32(1), h.calls.Load())
}

func TestCaller_ModeReadErrorFailsClosed(t *testing.T) {
	h := &countingHandler{payload: `{}`}
	f := newCallerFixture(t, CallerConfig{}, map[Spec]Handler{placesSpec: h})
	f.mode.err = errors.New("connection refused")

	res := f.caller.Call(context.Background(), Request{Provider: "google_places", Point: houston})
	assert.Equal(t, model.FailureThrottled, res.FailureKind)
	assert.Zero(t, h.calls.Load())
}

func TestCaller_ApplicationBudget(t *testing.T) {
	h := &countingHandler{payload: `{}`}
	f := newCallerFixture(t, CallerConfig{AppBudgetCalls: 2}, map[Spec]Handler{floodSpec: h})

	for i := 0; i < 2; i++ {
		req := floodRequest()
		req.Params = map[string]string{"n": string(rune('a' + i))}
		require.True(t, f.caller.Call(context.Background(), req).Success)
	}
	req := floodRequest()
	req.Params = map[string]string{"n": "z"}
	res := f.caller.Call(context.Background(), req)
	assert.False(t, res.Success)
	assert.Equal(t, model.FailureBudget, res.FailureKind)
	assert.Equal(t, int32(2), h.calls.Load())

	// Cached answers are still served over budget.
	req.Params = map[string]string{"n": "a"}
	assert.True(t, f.caller.Call(context.Background(), req).Cached)
}

func TestCaller_BudgetCountErrorFailsOpen(t *testing.T) {
	h := &countingHandler{payload: `{}`}
	f := newCallerFixture(t, CallerConfig{AppBudgetCalls: 1}, map[Spec]Handler{floodSpec: h})
	f.usage.countErr = errors.New("db down")
	assert.True(t, f.caller.Call(context.Background(), floodRequest()).Success)
}

func TestCaller_BreakerOpensAfterTransientFailures(t *testing.T) {
	h := &countingHandler{err: resilience.Transient("fema_flood", errors.New("503"), 503)}
	f := newCallerFixture(t, CallerConfig{
		Breaker: resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour},
	}, map[Spec]Handler{floodSpec: h})

	for i := 0; i < 2; i++ {
		res := f.caller.Call(context.Background(), floodRequest())
		assert.Equal(t, model.FailureTransient, res.FailureKind)
	}
	res := f.caller.Call(context.Background(), floodRequest())
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "circuit breaker is open")
	assert.Equal(t, int32(2), h.calls.Load())
	assert.Equal(t, 2, f.usage.count())
	assert.Equal(t, "open", f.caller.BreakerStates()["fema_flood"])
}

func TestCaller_TimeoutKind(t *testing.T) {
	h := &countingHandler{payload: `{}`, delay: time.Second}
	spec := floodSpec
	spec.Timeout = 20 * time.Millisecond
	f := newCallerFixture(t, CallerConfig{}, map[Spec]Handler{spec: h})

	res := f.caller.Call(context.Background(), floodRequest())
	assert.False(t, res.Success)
	assert.Equal(t, model.FailureTimeout, res.FailureKind)
	require.Equal(t, 1, f.usage.count())
	assert.False(t, f.usage.records[0].Success)
}

func TestCaller_PermanentFailureNotCached(t *testing.T) {
	h := &countingHandler{err: resilience.Permanent("fema_flood", errors.New("bad request"), 400)}
	f := newCallerFixture(t, CallerConfig{}, map[Spec]Handler{floodSpec: h})

	res := f.caller.Call(context.Background(), floodRequest())
	assert.Equal(t, model.FailurePermanent, res.FailureKind)
	f.caller.Call(context.Background(), floodRequest())
	assert.Equal(t, int32(2), h.calls.Load())
	assert.Equal(t, 400, f.usage.records[0].StatusCode)
}

func TestCaller_NilCache(t *testing.T) {
	h := &countingHandler{payload: `{}`}
	reg := NewEmptyRegistry()
	reg.Register(floodSpec, h)
	c := NewCaller(reg, nil, nil, nil, CallerConfig{})
	assert.True(t, c.Call(context.Background(), floodRequest()).Success)
	assert.True(t, c.Call(context.Background(), floodRequest()).Success)
	assert.Equal(t, int32(2), h.calls.Load())
}

func TestAdaptiveLimiter(t *testing.T) {
	lim := newAdaptiveLimiter("p", 60, 1)
	assert.InDelta(t, 1.0, float64(lim.limit()), 1e-9)

	lim.onRateLimit()
	assert.InDelta(t, 0.5, float64(lim.limit()), 1e-9)
	lim.onRateLimit()
	lim.onRateLimit()
	assert.InDelta(t, 0.25, float64(lim.limit()), 1e-9)

	for i := 0; i < 20; i++ {
		lim.onSuccess()
	}
	assert.InDelta(t, 1.0, float64(lim.limit()), 1e-9)
}
