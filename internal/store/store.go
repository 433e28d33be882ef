// Package store persists applications, the usage log, cost snapshots,
// budgets, the system mode and cache entries.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/site-enrich/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrRevisionConflict is returned when an optimistic progress write
	// lost against a concurrent writer.
	ErrRevisionConflict = eris.New("store: revision conflict")
)

// ApplicationStore persists application records.
type ApplicationStore interface {
	CreateApplication(ctx context.Context, app model.NewApplication) (*model.Application, error)
	GetApplication(ctx context.Context, id string) (*model.Application, error)
	GetApplications(ctx context.Context, ids []string) ([]model.Application, error)
	WriteProgress(ctx context.Context, w model.ProgressWrite) (*model.Application, error)
	UpdateLocation(ctx context.Context, id string, coords *model.Coordinates, parcel json.RawMessage) error
	SetEnrichment(ctx context.Context, id string, meta model.EnrichmentMetadata) error
	ListRecoverable(ctx context.Context, filter model.RecoveryFilter) ([]model.Application, error)
	ListExhausted(ctx context.Context, filter model.RecoveryFilter) ([]model.Application, error)
	CountByStatus(ctx context.Context) (map[model.Phase]int, error)
}

// UsageStore persists the provider usage log.
type UsageStore interface {
	RecordUsage(ctx context.Context, rec model.UsageRecord) error
	SummarizeUsage(ctx context.Context, from, to time.Time) ([]model.UsageSummary, error)
	CountApplicationCalls(ctx context.Context, applicationID string, since time.Time) (int, error)
	DeleteUsageBefore(ctx context.Context, before time.Time) (int64, error)
}

// CostStore persists snapshots, budgets, the system mode and job history.
type CostStore interface {
	UpsertSnapshots(ctx context.Context, snaps []model.CostSnapshot) error
	ListSnapshots(ctx context.Context, from, to time.Time) ([]model.CostSnapshot, error)
	ListBudgets(ctx context.Context) ([]model.BudgetConfig, error)
	UpsertBudget(ctx context.Context, b model.BudgetConfig) error
	GetSystemMode(ctx context.Context) (*model.SystemModeState, error)
	SetSystemMode(ctx context.Context, state model.SystemModeState) error
	ListModeEvents(ctx context.Context, limit int) ([]model.SystemModeState, error)
	RecordJobRun(ctx context.Context, run model.JobRun) error
	ListJobRuns(ctx context.Context, job string, limit int) ([]model.JobRun, error)
}

// CacheStore persists response cache entries.
type CacheStore interface {
	GetCacheEntry(ctx context.Context, key string) (*model.CacheEntry, error)
	PutCacheEntry(ctx context.Context, entry model.CacheEntry) error
	TouchCacheEntry(ctx context.Context, key string) error
	DeleteExpiredCache(ctx context.Context, before time.Time) (int64, error)
	CacheStats(ctx context.Context, now time.Time) (*model.CacheTableStats, error)
}

// Store defines the persistence interface for the enrichment service.
type Store interface {
	ApplicationStore
	UsageStore
	CostStore
	CacheStore

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

func defaultLimit(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}
