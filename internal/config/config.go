package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Providers  ProvidersConfig  `yaml:"providers" mapstructure:"providers"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Cost       CostConfig       `yaml:"cost" mapstructure:"cost"`
	Recovery   RecoveryConfig   `yaml:"recovery" mapstructure:"recovery"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RedisConfig configures the Redis connection used for progress events,
// the optional Redis cache backend and the task queue.
type RedisConfig struct {
	URL string `yaml:"url" mapstructure:"url"`
}

// QueueConfig configures how pipeline runs are dispatched.
type QueueConfig struct {
	// Driver is "asynq" to enqueue runs on Redis or "inline" to run them
	// in-process.
	Driver      string `yaml:"driver" mapstructure:"driver"`
	Name        string `yaml:"name" mapstructure:"name"`
	Concurrency int    `yaml:"concurrency" mapstructure:"concurrency"`
	MaxRetry    int    `yaml:"max_retry" mapstructure:"max_retry"`
}

// ProvidersConfig configures provider adapters and their call guards.
type ProvidersConfig struct {
	CatalogPath         string `yaml:"catalog_path" mapstructure:"catalog_path"`
	TimeoutSecs         int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	GoogleKey           string `yaml:"google_key" mapstructure:"google_key"`
	UserAgent           string `yaml:"user_agent" mapstructure:"user_agent"`
	AppBudgetCalls      int    `yaml:"app_budget_calls" mapstructure:"app_budget_calls"`
	AppBudgetWindowHrs  int    `yaml:"app_budget_window_hours" mapstructure:"app_budget_window_hours"`
	BreakerThreshold    int    `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs    int    `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
	RevalidateTimeoutMs int    `yaml:"revalidate_timeout_ms" mapstructure:"revalidate_timeout_ms"`
	// UtilityProviders are queried during the enriching phase instead of
	// the overlay round.
	UtilityProviders []string `yaml:"utility_providers" mapstructure:"utility_providers"`
}

// Timeout returns the default per-call timeout.
func (c ProvidersConfig) Timeout() time.Duration {
	if c.TimeoutSecs <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.TimeoutSecs) * time.Second
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Backend            string  `yaml:"backend" mapstructure:"backend"` // "sql" or "redis"
	SWRFraction        float64 `yaml:"swr_fraction" mapstructure:"swr_fraction"`
	LocalSize          int     `yaml:"local_size" mapstructure:"local_size"`
	ExpiredGraceDays   int     `yaml:"expired_grace_days" mapstructure:"expired_grace_days"`
	UsageRetentionDays int     `yaml:"usage_retention_days" mapstructure:"usage_retention_days"`
}

// CostConfig configures the cost governor jobs and default budgets.
type CostConfig struct {
	AggregateIntervalMins int     `yaml:"aggregate_interval_mins" mapstructure:"aggregate_interval_mins"`
	EvaluateIntervalMins  int     `yaml:"evaluate_interval_mins" mapstructure:"evaluate_interval_mins"`
	DailyWarnUSD          float64 `yaml:"daily_warn_usd" mapstructure:"daily_warn_usd"`
	DailyCriticalUSD      float64 `yaml:"daily_critical_usd" mapstructure:"daily_critical_usd"`
	TopDrivers            int     `yaml:"top_drivers" mapstructure:"top_drivers"`
}

// RecoveryConfig configures the recovery sweeper.
type RecoveryConfig struct {
	IntervalMins   int  `yaml:"interval_mins" mapstructure:"interval_mins"`
	StaleAfterMins int  `yaml:"stale_after_mins" mapstructure:"stale_after_mins"`
	MaxAttempts    int  `yaml:"max_attempts" mapstructure:"max_attempts"`
	BatchSize      int  `yaml:"batch_size" mapstructure:"batch_size"`
	ItemDelayMs    int  `yaml:"item_delay_ms" mapstructure:"item_delay_ms"`
	Trigger        bool `yaml:"trigger" mapstructure:"trigger"`
}

// MonitoringConfig configures alert delivery and the stats endpoint.
type MonitoringConfig struct {
	WebhookURL            string `yaml:"webhook_url" mapstructure:"webhook_url"`
	WebhookTimeoutSecs    int    `yaml:"webhook_timeout_secs" mapstructure:"webhook_timeout_secs"`
	CleanupIntervalHrs    int    `yaml:"cleanup_interval_hours" mapstructure:"cleanup_interval_hours"`
	CheckIntervalMins     int    `yaml:"check_interval_mins" mapstructure:"check_interval_mins"`
	ErrorBacklogThreshold int    `yaml:"error_backlog_threshold" mapstructure:"error_backlog_threshold"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ENRICH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("redis.url", "localhost:6379")
	v.SetDefault("queue.driver", "asynq")
	v.SetDefault("queue.name", "enrichment")
	v.SetDefault("queue.concurrency", 10)
	v.SetDefault("queue.max_retry", 0)
	v.SetDefault("providers.timeout_secs", 15)
	v.SetDefault("providers.user_agent", "site-enrich/1.0")
	v.SetDefault("providers.app_budget_calls", 150)
	v.SetDefault("providers.app_budget_window_hours", 24)
	v.SetDefault("providers.breaker_threshold", 5)
	v.SetDefault("providers.breaker_reset_secs", 60)
	v.SetDefault("providers.revalidate_timeout_ms", 15000)
	v.SetDefault("providers.utility_providers", []string{"water_utilities"})
	v.SetDefault("cache.backend", "sql")
	v.SetDefault("cache.swr_fraction", 0.5)
	v.SetDefault("cache.local_size", 10000)
	v.SetDefault("cache.expired_grace_days", 7)
	v.SetDefault("cache.usage_retention_days", 90)
	v.SetDefault("cost.aggregate_interval_mins", 60)
	v.SetDefault("cost.evaluate_interval_mins", 15)
	v.SetDefault("cost.daily_warn_usd", 50.0)
	v.SetDefault("cost.daily_critical_usd", 100.0)
	v.SetDefault("cost.top_drivers", 5)
	v.SetDefault("recovery.interval_mins", 15)
	v.SetDefault("recovery.stale_after_mins", 120)
	v.SetDefault("recovery.max_attempts", 3)
	v.SetDefault("recovery.batch_size", 5)
	v.SetDefault("recovery.item_delay_ms", 2000)
	v.SetDefault("recovery.trigger", true)
	v.SetDefault("monitoring.webhook_timeout_secs", 10)
	v.SetDefault("monitoring.cleanup_interval_hours", 24)
	v.SetDefault("monitoring.check_interval_mins", 5)
	v.SetDefault("monitoring.error_backlog_threshold", 25)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit_rps", 20.0)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks settings that have no usable default. All problems are
// reported together.
func (c *Config) Validate() error {
	var problems []string
	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		problems = append(problems, fmt.Sprintf("unsupported store driver %q", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}
	switch c.Cache.Backend {
	case "sql", "redis":
	default:
		problems = append(problems, fmt.Sprintf("unsupported cache backend %q", c.Cache.Backend))
	}
	switch c.Queue.Driver {
	case "asynq", "inline":
	default:
		problems = append(problems, fmt.Sprintf("unsupported queue driver %q", c.Queue.Driver))
	}
	if c.Recovery.MaxAttempts < 1 {
		problems = append(problems, "recovery.max_attempts must be at least 1")
	}
	if c.Cost.DailyCriticalUSD < c.Cost.DailyWarnUSD {
		problems = append(problems, "cost.daily_critical_usd must not be below cost.daily_warn_usd")
	}
	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
