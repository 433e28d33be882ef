package provider

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/site-enrich/internal/cache"
	"github.com/sells-group/site-enrich/internal/model"
	"github.com/sells-group/site-enrich/internal/resilience"
)

// Default call guards.
const (
	DefaultTimeout           = 15 * time.Second
	DefaultAppBudgetCalls    = 150
	DefaultAppBudgetWindow   = 24 * time.Hour
	DefaultRevalidateTimeout = 15 * time.Second
)

// ErrUnknownProvider is the cause of a call to a key outside the registry.
var ErrUnknownProvider = eris.New("unknown provider")

// ModeReader reads the committed system mode.
type ModeReader interface {
	GetSystemMode(ctx context.Context) (*model.SystemModeState, error)
}

// UsageRecorder writes and counts the usage log.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, rec model.UsageRecord) error
	CountApplicationCalls(ctx context.Context, applicationID string, since time.Time) (int, error)
}

// CallerConfig tunes the guarded call path. Zero values take defaults.
type CallerConfig struct {
	Timeout           time.Duration
	AppBudgetCalls    int
	AppBudgetWindow   time.Duration
	RevalidateTimeout time.Duration
	Breaker           resilience.CircuitBreakerConfig
}

// Caller runs provider calls behind the system mode, cache, budget, circuit
// breaker and rate limit checks.
type Caller struct {
	registry *Registry
	cache    *cache.Cache
	mode     ModeReader
	usage    UsageRecorder
	cfg      CallerConfig
	breakers *resilience.ProviderBreakers

	limMu    sync.Mutex
	limiters map[string]*adaptiveLimiter

	revalidate singleflight.Group
	bg         sync.WaitGroup
	now        func() time.Time
	log        *zap.Logger
}

// NewCaller creates a Caller. c may be nil to disable caching.
func NewCaller(reg *Registry, c *cache.Cache, mode ModeReader, usage UsageRecorder, cfg CallerConfig) *Caller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.AppBudgetCalls <= 0 {
		cfg.AppBudgetCalls = DefaultAppBudgetCalls
	}
	if cfg.AppBudgetWindow <= 0 {
		cfg.AppBudgetWindow = DefaultAppBudgetWindow
	}
	if cfg.RevalidateTimeout <= 0 {
		cfg.RevalidateTimeout = DefaultRevalidateTimeout
	}
	return &Caller{
		registry: reg,
		cache:    c,
		mode:     mode,
		usage:    usage,
		cfg:      cfg,
		breakers: resilience.NewProviderBreakers(cfg.Breaker),
		limiters: make(map[string]*adaptiveLimiter),
		now:      time.Now,
		log:      zap.L().With(zap.String("component", "provider.caller")),
	}
}

// Registry returns the provider registry.
func (c *Caller) Registry() *Registry { return c.registry }

// BreakerStates returns the circuit state of every provider called so far.
func (c *Caller) BreakerStates() map[string]string { return c.breakers.States() }

// Wait blocks until background revalidations have finished.
func (c *Caller) Wait() { c.bg.Wait() }

// Call runs one guarded provider call. It never returns an error; failures
// are carried in the result.
func (c *Caller) Call(ctx context.Context, req Request) model.OverlayResult {
	start := c.now()
	p, ok := c.registry.Get(req.Provider)
	if !ok {
		return failed(req.Provider, resilience.Permanent(req.Provider, ErrUnknownProvider, 0), start, c.now())
	}
	spec := p.Spec
	key := cache.Key(spec.Key, req.keyInput(spec))

	if spec.Metered {
		if blocked := c.meteredBlocked(ctx, spec.Key); blocked {
			if entry := c.stale(ctx, key); entry != nil {
				res := cachedResult(spec.Key, entry.Payload, start, c.now())
				res.Stale = true
				return res
			}
			return failed(spec.Key, resilience.Throttled(spec.Key), start, c.now())
		}
	}

	if c.cache != nil {
		if hit, ok := c.cache.Get(ctx, key); ok {
			if hit.Revalidate {
				c.scheduleRevalidate(p, req, key)
			}
			return cachedResult(spec.Key, hit.Entry.Payload, start, c.now())
		}
	}

	if c.overBudget(ctx, spec.Key, req.ApplicationID) {
		return failed(spec.Key, resilience.BudgetExceeded(spec.Key), start, c.now())
	}

	payload, err := c.live(ctx, p, req)
	if err != nil {
		return failed(spec.Key, err, start, c.now())
	}
	if c.cache != nil {
		c.cache.Put(ctx, key, spec.Key, payload, spec.TTL)
	}
	return model.OverlayResult{
		Provider:   spec.Key,
		Success:    true,
		Payload:    payload,
		DurationMs: c.now().Sub(start).Milliseconds(),
	}
}

// meteredBlocked reads the mode for every metered call. A read error blocks.
func (c *Caller) meteredBlocked(ctx context.Context, provider string) bool {
	if c.mode == nil {
		return false
	}
	state, err := c.mode.GetSystemMode(ctx)
	if err != nil {
		c.log.Error("system mode read failed, throttling metered call",
			zap.String("provider", provider),
			zap.Error(err),
		)
		return true
	}
	return state.Emergency()
}

// overBudget reports whether the application has used its live call budget.
// A count error allows the call.
func (c *Caller) overBudget(ctx context.Context, provider, applicationID string) bool {
	if applicationID == "" || c.usage == nil {
		return false
	}
	since := c.now().Add(-c.cfg.AppBudgetWindow)
	n, err := c.usage.CountApplicationCalls(ctx, applicationID, since)
	if err != nil {
		c.log.Warn("budget count failed, allowing call",
			zap.String("provider", provider),
			zap.String("application_id", applicationID),
			zap.Error(err),
		)
		return false
	}
	return n >= c.cfg.AppBudgetCalls
}

func (c *Caller) stale(ctx context.Context, key string) *model.CacheEntry {
	if c.cache == nil {
		return nil
	}
	entry, ok := c.cache.GetStale(ctx, key)
	if !ok {
		return nil
	}
	return entry
}

// live runs the breaker, limiter and handler for one call and records usage.
func (c *Caller) live(ctx context.Context, p Provider, req Request) (json.RawMessage, error) {
	spec := p.Spec
	cb := c.breakers.Get(spec.Key)
	if !cb.Allow() {
		return nil, resilience.CircuitOpenError(spec.Key)
	}

	lim := c.limiter(spec)
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return nil, resilience.Timeout(spec.Key, err)
			}
			// Wait fails fast when the deadline cannot fit the next token.
			return nil, resilience.Transient(spec.Key, err, 0)
		}
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	start := c.now()
	payload, err := p.Handler.Fetch(callCtx, spec, req)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && resilience.Classify(err) != model.FailureTimeout {
		err = resilience.Timeout(spec.Key, err)
	}
	cancel()
	duration := c.now().Sub(start)

	cb.Record(err)
	if lim != nil {
		if statusCode(err) == 429 {
			lim.onRateLimit()
		} else if err == nil {
			lim.onSuccess()
		}
	}
	c.recordUsage(ctx, spec.Key, req.ApplicationID, err, duration)

	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (c *Caller) recordUsage(ctx context.Context, provider, appID string, err error, d time.Duration) {
	if c.usage == nil {
		return
	}
	rec := model.UsageRecord{
		Provider:      provider,
		ApplicationID: appID,
		Success:       err == nil,
		StatusCode:    statusCode(err),
		DurationMs:    d.Milliseconds(),
		CreatedAt:     c.now().UTC(),
	}
	if rerr := c.usage.RecordUsage(context.WithoutCancel(ctx), rec); rerr != nil {
		c.log.Warn("record usage failed", zap.String("provider", provider), zap.Error(rerr))
	}
}

func (c *Caller) limiter(spec Spec) *adaptiveLimiter {
	if spec.RatePerMin <= 0 {
		return nil
	}
	c.limMu.Lock()
	defer c.limMu.Unlock()
	lim, ok := c.limiters[spec.Key]
	if !ok {
		lim = newAdaptiveLimiter(spec.Key, spec.RatePerMin, spec.Burst)
		c.limiters[spec.Key] = lim
	}
	return lim
}

// scheduleRevalidate refreshes key in the background. Concurrent requests
// for the same key share one live call. The mode and budget are read again
// when the refresh starts; a blocked refresh leaves the entry as it is.
func (c *Caller) scheduleRevalidate(p Provider, req Request, key string) {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		_, _, _ = c.revalidate.Do(key, func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RevalidateTimeout)
			defer cancel()
			if p.Spec.Metered && c.meteredBlocked(ctx, p.Spec.Key) {
				c.log.Debug("revalidation skipped, metered calls blocked", zap.String("provider", p.Spec.Key))
				return nil, nil
			}
			if c.overBudget(ctx, p.Spec.Key, req.ApplicationID) {
				c.log.Debug("revalidation skipped, application over budget",
					zap.String("provider", p.Spec.Key),
					zap.String("application_id", req.ApplicationID),
				)
				return nil, nil
			}
			payload, err := c.live(ctx, p, req)
			if err != nil {
				c.log.Debug("revalidation failed",
					zap.String("provider", p.Spec.Key),
					zap.Error(err),
				)
				return nil, err
			}
			c.cache.Put(ctx, key, p.Spec.Key, payload, p.Spec.TTL)
			return nil, nil
		})
	}()
}

func statusCode(err error) int {
	var pe *resilience.ProviderError
	if errors.As(err, &pe) {
		return pe.StatusCode
	}
	return 0
}

func cachedResult(provider string, payload json.RawMessage, start, end time.Time) model.OverlayResult {
	return model.OverlayResult{
		Provider:   provider,
		Success:    true,
		Payload:    payload,
		Cached:     true,
		DurationMs: end.Sub(start).Milliseconds(),
	}
}

func failed(provider string, err error, start, end time.Time) model.OverlayResult {
	return model.OverlayResult{
		Provider:    provider,
		Success:     false,
		Error:       err.Error(),
		FailureKind: resilience.Classify(err),
		DurationMs:  end.Sub(start).Milliseconds(),
	}
}
