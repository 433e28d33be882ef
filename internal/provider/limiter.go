package provider

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// adaptiveLimiter wraps a rate.Limiter whose rate drops by half on a
// provider 429 and recovers by 20% per success, bounded to [initial/4,
// initial].
type adaptiveLimiter struct {
	provider string

	mu      sync.Mutex
	limiter *rate.Limiter
	initial rate.Limit
	current rate.Limit
}

func newAdaptiveLimiter(provider string, perMin, burst int) *adaptiveLimiter {
	if burst <= 0 {
		burst = 1
	}
	initial := rate.Limit(float64(perMin) / 60)
	return &adaptiveLimiter{
		provider: provider,
		limiter:  rate.NewLimiter(initial, burst),
		initial:  initial,
		current:  initial,
	}
}

func (a *adaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

func (a *adaptiveLimiter) onSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current >= a.initial {
		return
	}
	next := a.current * 1.2
	if next > a.initial {
		next = a.initial
	}
	a.current = next
	a.limiter.SetLimit(next)
}

func (a *adaptiveLimiter) onRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	next := a.current * 0.5
	if floor := a.initial / 4; next < floor {
		next = floor
	}
	a.current = next
	a.limiter.SetLimit(next)
	zap.L().Warn("provider: reducing rate after 429",
		zap.String("provider", a.provider),
		zap.Float64("per_sec", float64(next)),
	)
}

func (a *adaptiveLimiter) limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}
