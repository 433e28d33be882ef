package main

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/site-enrich/internal/cache"
	"github.com/sells-group/site-enrich/internal/cost"
	"github.com/sells-group/site-enrich/internal/db"
	"github.com/sells-group/site-enrich/internal/fanout"
	"github.com/sells-group/site-enrich/internal/monitoring"
	"github.com/sells-group/site-enrich/internal/pipeline"
	"github.com/sells-group/site-enrich/internal/progress"
	"github.com/sells-group/site-enrich/internal/provider"
	"github.com/sells-group/site-enrich/internal/queue"
	"github.com/sells-group/site-enrich/internal/recovery"
	"github.com/sells-group/site-enrich/internal/resilience"
	"github.com/sells-group/site-enrich/internal/store"
)

// appEnv holds the initialized services shared by the serve, worker and
// maintenance commands.
type appEnv struct {
	Store     store.Store
	Redis     *redis.Client // nil when Redis is unavailable and not required
	Registry  *provider.Registry
	Cache     *cache.Cache
	Caller    *provider.Caller
	Machine   *progress.Machine
	Fanout    *fanout.Orchestrator
	Runner    *pipeline.Runner
	Trigger   recovery.Trigger
	Sweeper   *recovery.Sweeper
	Mode      *cost.ModeController
	Evaluator *cost.Evaluator
	Calc      *cost.Calculator
	Alerter   *monitoring.Alerter
	Collector *monitoring.Collector

	closers []func() error
}

// Close releases resources held by the environment, newest first.
func (e *appEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			zap.L().Warn("close failed", zap.Error(err))
		}
	}
}

// redisRequired reports whether the configuration cannot run without Redis.
func redisRequired() bool {
	return cfg.Queue.Driver == "asynq" || cfg.Cache.Backend == "redis"
}

// initEnv wires the store, provider stack, progress machine, pipeline,
// recovery sweeper and cost governor. Callers should defer env.Close().
func initEnv(ctx context.Context) (*appEnv, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	env := &appEnv{}
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	env.Store = st
	env.closers = append(env.closers, st.Close)

	rdb, err := db.NewRedis(ctx, cfg.Redis.URL)
	switch {
	case err == nil:
		env.Redis = rdb
		env.closers = append(env.closers, rdb.Close)
	case redisRequired():
		env.Close()
		return nil, eris.Wrap(err, "redis is required by the queue or cache backend")
	default:
		zap.L().Warn("redis unavailable, progress events will not be broadcast", zap.Error(err))
	}

	cat := provider.DefaultCatalog()
	if cfg.Providers.CatalogPath != "" {
		if cat, err = provider.LoadCatalog(cfg.Providers.CatalogPath); err != nil {
			env.Close()
			return nil, err
		}
	}
	env.Registry, err = provider.NewRegistry(cat, provider.HandlerDeps{
		HTTP:      &http.Client{Timeout: 30 * time.Second},
		GoogleKey: cfg.Providers.GoogleKey,
		UserAgent: cfg.Providers.UserAgent,
	})
	if err != nil {
		env.Close()
		return nil, err
	}

	var backend cache.Backend = cache.NewSQLBackend(st)
	if cfg.Cache.Backend == "redis" {
		backend = cache.NewRedisBackend(env.Redis, cfg.Cache.LocalSize, days(cfg.Cache.ExpiredGraceDays))
	}
	env.Cache = cache.New(backend, cache.WithSWRFraction(cfg.Cache.SWRFraction))

	env.Caller = provider.NewCaller(env.Registry, env.Cache, st, st, provider.CallerConfig{
		Timeout:           cfg.Providers.Timeout(),
		AppBudgetCalls:    cfg.Providers.AppBudgetCalls,
		AppBudgetWindow:   time.Duration(cfg.Providers.AppBudgetWindowHrs) * time.Hour,
		RevalidateTimeout: time.Duration(cfg.Providers.RevalidateTimeoutMs) * time.Millisecond,
		Breaker: resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.Providers.BreakerThreshold,
			ResetTimeout:     time.Duration(cfg.Providers.BreakerResetSecs) * time.Second,
		},
	})
	env.closers = append(env.closers, func() error { env.Caller.Wait(); return nil })

	var pub progress.Publisher = progress.NopPublisher{}
	if env.Redis != nil {
		pub = progress.NewRedisPublisher(env.Redis)
	}
	env.Machine = progress.NewMachine(st, pub, cfg.Recovery.MaxAttempts)

	overlays := env.Registry.KeysOfKind(provider.KindOverlay)
	env.Fanout = fanout.NewOrchestrator(env.Caller, st, env.Machine, overlays)
	env.Runner = pipeline.NewRunner(st, env.Machine, env.Caller, env.Fanout, pipeline.Config{
		GeocodeProvider:  firstKey(env.Registry.KeysOfKind(provider.KindGeocode)),
		ParcelProvider:   firstKey(env.Registry.KeysOfKind(provider.KindParcel)),
		UtilityProviders: registered(env.Registry, cfg.Providers.UtilityProviders),
		Overlays:         overlays,
		AppBudgetCalls:   cfg.Providers.AppBudgetCalls,
		AppBudgetWindow:  time.Duration(cfg.Providers.AppBudgetWindowHrs) * time.Hour,
	})

	switch cfg.Queue.Driver {
	case "asynq":
		opts, err := db.ParseRedisURL(cfg.Redis.URL)
		if err != nil {
			env.Close()
			return nil, err
		}
		t := queue.NewAsynqTrigger(queue.RedisConnOpt(opts), cfg.Queue.Name, cfg.Queue.MaxRetry)
		env.Trigger = t
		env.closers = append(env.closers, t.Close)
	default:
		t := queue.NewInlineTrigger(env.Runner)
		env.Trigger = t
		env.closers = append(env.closers, func() error { t.Wait(); return nil })
	}

	env.Sweeper = recovery.NewSweeper(st, env.Machine, env.Trigger, recovery.Config{
		StaleAfter:  time.Duration(cfg.Recovery.StaleAfterMins) * time.Minute,
		MaxAttempts: cfg.Recovery.MaxAttempts,
		BatchSize:   cfg.Recovery.BatchSize,
		ItemDelay:   time.Duration(cfg.Recovery.ItemDelayMs) * time.Millisecond,
		Interval:    time.Duration(cfg.Recovery.IntervalMins) * time.Minute,
		Trigger:     cfg.Recovery.Trigger,
	})

	env.Calc = cost.NewCalculator(cost.RatesFromCatalog(cat))
	env.Mode = cost.NewModeController(st)
	env.Alerter = monitoring.NewAlerter(cfg.Monitoring)
	env.Evaluator = cost.NewEvaluator(st, env.Mode, env.Alerter, env.Calc, cost.EvaluatorConfig{
		Defaults: cost.Thresholds{
			Warn:     decimal.NewFromFloat(cfg.Cost.DailyWarnUSD),
			Critical: decimal.NewFromFloat(cfg.Cost.DailyCriticalUSD),
		},
		TopDrivers: cfg.Cost.TopDrivers,
	})
	env.Collector = monitoring.NewCollector(st, env.Cache, env.Caller.BreakerStates)

	zap.L().Info("environment ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("queue", cfg.Queue.Driver),
		zap.String("cache", cfg.Cache.Backend),
		zap.Int("providers", len(env.Registry.Keys())),
		zap.Bool("redis", env.Redis != nil),
	)
	return env, nil
}

// jobs returns the scheduled maintenance jobs.
func (e *appEnv) jobs() []monitoring.Job {
	aggregator := cost.NewAggregator(e.Store, e.Calc)
	cleaner := cache.NewCleaner(e.Store, days(cfg.Cache.ExpiredGraceDays), days(cfg.Cache.UsageRetentionDays))
	return []monitoring.Job{
		{
			Name:     "cost_aggregate",
			Interval: time.Duration(cfg.Cost.AggregateIntervalMins) * time.Minute,
			Run: func(ctx context.Context, now time.Time) (any, error) {
				return aggregator.RunPrevious(ctx, now)
			},
		},
		{
			Name:     "cost_evaluate",
			Interval: time.Duration(cfg.Cost.EvaluateIntervalMins) * time.Minute,
			Run: func(ctx context.Context, now time.Time) (any, error) {
				return e.Evaluator.Evaluate(ctx, now)
			},
		},
		{
			Name:     "recovery_sweep",
			Interval: time.Duration(cfg.Recovery.IntervalMins) * time.Minute,
			Run: func(ctx context.Context, _ time.Time) (any, error) {
				return e.Sweeper.Sweep(ctx, recovery.Options{Trigger: cfg.Recovery.Trigger})
			},
		},
		{
			Name:     "cache_cleanup",
			Interval: time.Duration(cfg.Monitoring.CleanupIntervalHrs) * time.Hour,
			Run: func(ctx context.Context, now time.Time) (any, error) {
				return cleaner.Run(ctx, now)
			},
		},
		monitoring.HealthCheckJob(time.Duration(cfg.Monitoring.CheckIntervalMins)*time.Minute, e.Collector, e.Alerter),
	}
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

func firstKey(keys []string) string {
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}

// registered keeps the keys the registry knows about.
func registered(reg *provider.Registry, keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := reg.Get(k); ok {
			out = append(out, k)
		} else {
			zap.L().Warn("unknown utility provider ignored", zap.String("provider", k))
		}
	}
	return out
}

// redisOrNil avoids handing out a typed nil client.
func redisOrNil(e *appEnv) redis.UniversalClient {
	if e.Redis == nil {
		return nil
	}
	return e.Redis
}
