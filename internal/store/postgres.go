package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/site-enrich/internal/db"
	"github.com/sells-group/site-enrich/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists the hot-path queries prepared on each new
// connection.
var preparedStatements = map[string]string{
	"get_application": `SELECT ` + pgApplicationColumns + ` FROM applications WHERE id = $1`,
	"insert_usage":    `INSERT INTO api_usage_log (provider, application_id, success, status_code, duration_ms, created_at) VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6)`,
	"get_cache_entry": `SELECT cache_key, provider, payload, created_at, expires_at, hit_count FROM cache_entries WHERE cache_key = $1`,
	"touch_cache":     `UPDATE cache_entries SET hit_count = hit_count + 1 WHERE cache_key = $1`,
	"count_app_calls": `SELECT COUNT(*) FROM api_usage_log WHERE application_id = $1 AND created_at >= $2`,
	"get_system_mode": `SELECT mode, reason, providers, changed_by, changed_at FROM system_mode WHERE id = 1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS applications (
	id              TEXT PRIMARY KEY,
	address         TEXT NOT NULL DEFAULT '',
	lat             DOUBLE PRECISION,
	lng             DOUBLE PRECISION,
	parcel_geometry JSONB,
	status          TEXT NOT NULL DEFAULT 'pending',
	status_percent  INTEGER NOT NULL DEFAULT 0,
	status_rev      BIGINT NOT NULL DEFAULT 0,
	error_code      TEXT,
	attempts        INTEGER NOT NULL DEFAULT 0,
	data_flags      TEXT[] NOT NULL DEFAULT '{}',
	enrichment      JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_applications_status_updated ON applications(status, updated_at);

CREATE TABLE IF NOT EXISTS api_usage_log (
	id             BIGSERIAL PRIMARY KEY,
	provider       TEXT NOT NULL,
	application_id TEXT,
	success        BOOLEAN NOT NULL,
	status_code    INTEGER NOT NULL DEFAULT 0,
	duration_ms    BIGINT NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_usage_created_at ON api_usage_log(created_at);
CREATE INDEX IF NOT EXISTS idx_usage_app_created ON api_usage_log(application_id, created_at);

CREATE TABLE IF NOT EXISTS cost_snapshots (
	hour                  TIMESTAMPTZ NOT NULL,
	provider              TEXT NOT NULL,
	calls                 INTEGER NOT NULL DEFAULT 0,
	successes             INTEGER NOT NULL DEFAULT 0,
	errors                INTEGER NOT NULL DEFAULT 0,
	avg_duration_ms       BIGINT NOT NULL DEFAULT 0,
	estimated_cost        NUMERIC(12,4) NOT NULL DEFAULT 0,
	cumulative_daily_cost NUMERIC(12,4) NOT NULL DEFAULT 0,
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (hour, provider)
);

CREATE TABLE IF NOT EXISTS budget_config (
	scope      TEXT PRIMARY KEY,
	warn       NUMERIC(12,2) NOT NULL,
	critical   NUMERIC(12,2) NOT NULL,
	active     BOOLEAN NOT NULL DEFAULT true,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS system_mode (
	id         SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	mode       TEXT NOT NULL DEFAULT 'normal',
	reason     TEXT NOT NULL DEFAULT '',
	providers  TEXT[] NOT NULL DEFAULT '{}',
	changed_by TEXT NOT NULL DEFAULT '',
	changed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

INSERT INTO system_mode (id) VALUES (1) ON CONFLICT DO NOTHING;

CREATE TABLE IF NOT EXISTS system_mode_events (
	id         BIGSERIAL PRIMARY KEY,
	mode       TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	providers  TEXT[] NOT NULL DEFAULT '{}',
	changed_by TEXT NOT NULL DEFAULT '',
	changed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS cache_entries (
	cache_key  TEXT PRIMARY KEY,
	provider   TEXT NOT NULL,
	payload    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ NOT NULL,
	hit_count  BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries(expires_at);

CREATE TABLE IF NOT EXISTS job_runs (
	id          BIGSERIAL PRIMARY KEY,
	job         TEXT NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	status      TEXT NOT NULL,
	detail      JSONB
);

CREATE INDEX IF NOT EXISTS idx_job_runs_job_started ON job_runs(job, started_at DESC);
`

const pgApplicationColumns = `id, address, lat, lng, parcel_geometry, status, status_percent, status_rev, COALESCE(error_code, ''), attempts, data_flags, enrichment, created_at, updated_at`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Applications ---

func (s *PostgresStore) CreateApplication(ctx context.Context, in model.NewApplication) (*model.Application, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	var lat, lng *float64
	if in.Coordinates != nil {
		lat, lng = &in.Coordinates.Lat, &in.Coordinates.Lng
	}
	var parcel []byte
	if len(in.ParcelGeometry) > 0 {
		parcel = in.ParcelGeometry
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO applications (id, address, lat, lng, parcel_geometry, status, status_percent, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8)`,
		id, in.Address, lat, lng, parcel, string(model.PhasePending), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert application")
	}

	return &model.Application{
		ID:             id,
		Address:        in.Address,
		Coordinates:    in.Coordinates,
		ParcelGeometry: in.ParcelGeometry,
		Status:         model.PhasePending,
		DataFlags:      []string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (s *PostgresStore) GetApplication(ctx context.Context, id string) (*model.Application, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgApplicationColumns+` FROM applications WHERE id = $1`, id)
	app, err := scanPGApplication(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: application %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get application %s", id)
	}
	return app, nil
}

func (s *PostgresStore) GetApplications(ctx context.Context, ids []string) ([]model.Application, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgApplicationColumns+` FROM applications WHERE id = ANY($1) ORDER BY created_at`, ids)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get applications")
	}
	return collectPGApplications(rows)
}

func (s *PostgresStore) WriteProgress(ctx context.Context, w model.ProgressWrite) (*model.Application, error) {
	flags := w.DataFlags
	if flags == nil {
		flags = []string{}
	}
	updated := w.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	row := s.pool.QueryRow(ctx,
		`UPDATE applications
		 SET status = $3, status_percent = $4, error_code = NULLIF($5, ''), attempts = $6,
		     data_flags = $7, updated_at = $8, status_rev = status_rev + 1
		 WHERE id = $1 AND status_rev = $2 AND attempts <= $6
		 RETURNING `+pgApplicationColumns,
		w.ID, w.PrevRev, string(w.Status), w.Percent, w.ErrorCode, w.Attempts, flags, updated,
	)
	app, err := scanPGApplication(row)
	if err == nil {
		return app, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(err, "postgres: write progress %s", w.ID)
	}

	var rev int64
	err = s.pool.QueryRow(ctx, `SELECT status_rev FROM applications WHERE id = $1`, w.ID).Scan(&rev)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: application %s", w.ID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: read revision %s", w.ID)
	}
	return nil, eris.Wrapf(ErrRevisionConflict, "postgres: application %s at rev %d, expected %d", w.ID, rev, w.PrevRev)
}

func (s *PostgresStore) UpdateLocation(ctx context.Context, id string, coords *model.Coordinates, parcel json.RawMessage) error {
	var lat, lng *float64
	if coords != nil {
		lat, lng = &coords.Lat, &coords.Lng
	}
	var parcelArg []byte
	if len(parcel) > 0 {
		parcelArg = parcel
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE applications
		 SET lat = COALESCE($2, lat), lng = COALESCE($3, lng), parcel_geometry = COALESCE($4, parcel_geometry)
		 WHERE id = $1`,
		id, lat, lng, parcelArg,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update location %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: application %s", id)
	}
	return nil
}

func (s *PostgresStore) SetEnrichment(ctx context.Context, id string, meta model.EnrichmentMetadata) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal enrichment")
	}
	tag, err := s.pool.Exec(ctx, `UPDATE applications SET enrichment = $2 WHERE id = $1`, id, metaJSON)
	if err != nil {
		return eris.Wrapf(err, "postgres: set enrichment %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: application %s", id)
	}
	return nil
}

// ListRecoverable returns errored or stalled applications that still have
// attempts left, oldest first.
func (s *PostgresStore) ListRecoverable(ctx context.Context, f model.RecoveryFilter) ([]model.Application, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgApplicationColumns+` FROM applications
		 WHERE attempts < $1
		   AND (status = $2 OR (status = ANY($3) AND updated_at < $4))
		 ORDER BY updated_at ASC
		 LIMIT $5`,
		f.MaxAttempts, string(model.PhaseError), model.PhaseStrings(model.InProgressPhases()), f.StaleBefore, defaultLimit(f.Limit, 5),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list recoverable")
	}
	return collectPGApplications(rows)
}

// ListExhausted returns errored or stalled applications that have used
// all of their attempts and are not yet marked permanent.
func (s *PostgresStore) ListExhausted(ctx context.Context, f model.RecoveryFilter) ([]model.Application, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgApplicationColumns+` FROM applications
		 WHERE attempts >= $1
		   AND (status = $2 OR (status = ANY($3) AND updated_at < $4))
		 ORDER BY updated_at ASC
		 LIMIT $5`,
		f.MaxAttempts, string(model.PhaseError), model.PhaseStrings(model.InProgressPhases()), f.StaleBefore, defaultLimit(f.Limit, 100),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list exhausted")
	}
	return collectPGApplications(rows)
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[model.Phase]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM applications GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count by status")
	}
	defer rows.Close()

	out := make(map[model.Phase]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan status count")
		}
		out[model.Phase(status)] = n
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate status counts")
}

// --- Usage ---

func (s *PostgresStore) RecordUsage(ctx context.Context, rec model.UsageRecord) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_usage_log (provider, application_id, success, status_code, duration_ms, created_at) VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6)`,
		rec.Provider, rec.ApplicationID, rec.Success, rec.StatusCode, rec.DurationMs, created,
	)
	return eris.Wrap(err, "postgres: record usage")
}

func (s *PostgresStore) SummarizeUsage(ctx context.Context, from, to time.Time) ([]model.UsageSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT provider,
		        COUNT(*),
		        COUNT(*) FILTER (WHERE success),
		        COUNT(*) FILTER (WHERE NOT success),
		        COALESCE(AVG(duration_ms), 0)::bigint
		 FROM api_usage_log
		 WHERE created_at >= $1 AND created_at < $2
		 GROUP BY provider
		 ORDER BY provider`,
		from, to,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: summarize usage")
	}
	defer rows.Close()

	var out []model.UsageSummary
	for rows.Next() {
		var u model.UsageSummary
		if err := rows.Scan(&u.Provider, &u.Calls, &u.Successes, &u.Errors, &u.AvgDurationMs); err != nil {
			return nil, eris.Wrap(err, "postgres: scan usage summary")
		}
		out = append(out, u)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate usage summary")
}

func (s *PostgresStore) CountApplicationCalls(ctx context.Context, applicationID string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM api_usage_log WHERE application_id = $1 AND created_at >= $2`,
		applicationID, since,
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: count calls for %s", applicationID)
	}
	return n, nil
}

func (s *PostgresStore) DeleteUsageBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM api_usage_log WHERE created_at < $1`, before)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete usage")
	}
	return tag.RowsAffected(), nil
}

// --- Cost ---

var snapshotUpsert = db.Upsert{
	Table: "cost_snapshots",
	Columns: []string{
		"hour", "provider", "calls", "successes", "errors",
		"avg_duration_ms", "estimated_cost", "cumulative_daily_cost", "updated_at",
	},
	Keys:  []string{"hour", "provider"},
	Touch: []string{"updated_at"},
}

// UpsertSnapshots writes hourly snapshots, replacing any existing row for
// the same (hour, provider). Re-aggregating an unchanged hour rewrites
// nothing.
func (s *PostgresStore) UpsertSnapshots(ctx context.Context, snaps []model.CostSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([][]any, len(snaps))
	for i, sn := range snaps {
		rows[i] = []any{
			sn.Hour.UTC(), sn.Provider, sn.Calls, sn.Successes, sn.Errors,
			sn.AvgDurationMs, sn.EstimatedCost.InexactFloat64(), sn.CumulativeDailyCost.InexactFloat64(), now,
		}
	}
	_, err := snapshotUpsert.Write(ctx, s.pool, rows)
	return eris.Wrap(err, "postgres: upsert snapshots")
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, from, to time.Time) ([]model.CostSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT hour, provider, calls, successes, errors, avg_duration_ms,
		        estimated_cost::text, cumulative_daily_cost::text
		 FROM cost_snapshots
		 WHERE hour >= $1 AND hour < $2
		 ORDER BY hour, provider`,
		from, to,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list snapshots")
	}
	defer rows.Close()

	var out []model.CostSnapshot
	for rows.Next() {
		var sn model.CostSnapshot
		var est, cum string
		if err := rows.Scan(&sn.Hour, &sn.Provider, &sn.Calls, &sn.Successes, &sn.Errors, &sn.AvgDurationMs, &est, &cum); err != nil {
			return nil, eris.Wrap(err, "postgres: scan snapshot")
		}
		if sn.EstimatedCost, err = decimal.NewFromString(est); err != nil {
			return nil, eris.Wrap(err, "postgres: parse estimated cost")
		}
		if sn.CumulativeDailyCost, err = decimal.NewFromString(cum); err != nil {
			return nil, eris.Wrap(err, "postgres: parse cumulative cost")
		}
		out = append(out, sn)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate snapshots")
}

func (s *PostgresStore) ListBudgets(ctx context.Context) ([]model.BudgetConfig, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT scope, warn::text, critical::text, active FROM budget_config WHERE active ORDER BY scope`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list budgets")
	}
	defer rows.Close()

	var out []model.BudgetConfig
	for rows.Next() {
		var b model.BudgetConfig
		var warn, crit string
		if err := rows.Scan(&b.Scope, &warn, &crit, &b.Active); err != nil {
			return nil, eris.Wrap(err, "postgres: scan budget")
		}
		if b.Warn, err = decimal.NewFromString(warn); err != nil {
			return nil, eris.Wrapf(err, "postgres: parse warn for %s", b.Scope)
		}
		if b.Critical, err = decimal.NewFromString(crit); err != nil {
			return nil, eris.Wrapf(err, "postgres: parse critical for %s", b.Scope)
		}
		out = append(out, b)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate budgets")
}

func (s *PostgresStore) UpsertBudget(ctx context.Context, b model.BudgetConfig) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO budget_config (scope, warn, critical, active, updated_at)
		 VALUES ($1, $2::numeric, $3::numeric, $4, now())
		 ON CONFLICT (scope) DO UPDATE SET warn = EXCLUDED.warn, critical = EXCLUDED.critical,
		     active = EXCLUDED.active, updated_at = EXCLUDED.updated_at`,
		b.Scope, b.Warn.String(), b.Critical.String(), b.Active,
	)
	return eris.Wrapf(err, "postgres: upsert budget %s", b.Scope)
}

func (s *PostgresStore) GetSystemMode(ctx context.Context) (*model.SystemModeState, error) {
	var st model.SystemModeState
	var mode string
	err := s.pool.QueryRow(ctx,
		`SELECT mode, reason, providers, changed_by, changed_at FROM system_mode WHERE id = 1`,
	).Scan(&mode, &st.Reason, &st.Providers, &st.ChangedBy, &st.ChangedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.SystemModeState{Mode: model.ModeNormal}, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get system mode")
	}
	st.Mode = model.SystemMode(mode)
	return &st, nil
}

// SetSystemMode updates the mode row and appends an audit event in one
// transaction.
func (s *PostgresStore) SetSystemMode(ctx context.Context, st model.SystemModeState) error {
	changed := st.ChangedAt
	if changed.IsZero() {
		changed = time.Now().UTC()
	}
	providers := st.Providers
	if providers == nil {
		providers = []string{}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin set mode")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO system_mode (id, mode, reason, providers, changed_by, changed_at)
		 VALUES (1, $1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET mode = EXCLUDED.mode, reason = EXCLUDED.reason,
		     providers = EXCLUDED.providers, changed_by = EXCLUDED.changed_by, changed_at = EXCLUDED.changed_at`,
		string(st.Mode), st.Reason, providers, st.ChangedBy, changed,
	); err != nil {
		return eris.Wrap(err, "postgres: update system mode")
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO system_mode_events (mode, reason, providers, changed_by, changed_at) VALUES ($1, $2, $3, $4, $5)`,
		string(st.Mode), st.Reason, providers, st.ChangedBy, changed,
	); err != nil {
		return eris.Wrap(err, "postgres: insert mode event")
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit set mode")
}

func (s *PostgresStore) ListModeEvents(ctx context.Context, limit int) ([]model.SystemModeState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT mode, reason, providers, changed_by, changed_at FROM system_mode_events ORDER BY id DESC LIMIT $1`,
		defaultLimit(limit, 20),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list mode events")
	}
	defer rows.Close()

	var out []model.SystemModeState
	for rows.Next() {
		var st model.SystemModeState
		var mode string
		if err := rows.Scan(&mode, &st.Reason, &st.Providers, &st.ChangedBy, &st.ChangedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan mode event")
		}
		st.Mode = model.SystemMode(mode)
		out = append(out, st)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate mode events")
}

func (s *PostgresStore) RecordJobRun(ctx context.Context, run model.JobRun) error {
	var detail []byte
	if len(run.Detail) > 0 {
		detail = run.Detail
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO job_runs (job, started_at, duration_ms, status, detail) VALUES ($1, $2, $3, $4, $5)`,
		run.Job, run.StartedAt.UTC(), run.DurationMs, string(run.Status), detail,
	)
	return eris.Wrapf(err, "postgres: record job run %s", run.Job)
}

func (s *PostgresStore) ListJobRuns(ctx context.Context, job string, limit int) ([]model.JobRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT job, started_at, duration_ms, status, detail FROM job_runs
		 WHERE ($1 = '' OR job = $1)
		 ORDER BY started_at DESC LIMIT $2`,
		job, defaultLimit(limit, 20),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list job runs")
	}
	defer rows.Close()

	var out []model.JobRun
	for rows.Next() {
		var r model.JobRun
		var status string
		var detail []byte
		if err := rows.Scan(&r.Job, &r.StartedAt, &r.DurationMs, &status, &detail); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job run")
		}
		r.Status = model.JobRunStatus(status)
		if len(detail) > 0 {
			r.Detail = json.RawMessage(detail)
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate job runs")
}

// --- Cache ---

// GetCacheEntry returns the entry for key, expired or not. A miss returns
// nil, nil.
func (s *PostgresStore) GetCacheEntry(ctx context.Context, key string) (*model.CacheEntry, error) {
	var e model.CacheEntry
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT cache_key, provider, payload, created_at, expires_at, hit_count FROM cache_entries WHERE cache_key = $1`,
		key,
	).Scan(&e.Key, &e.Provider, &payload, &e.CreatedAt, &e.ExpiresAt, &e.HitCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get cache entry")
	}
	e.Payload = json.RawMessage(payload)
	return &e, nil
}

func (s *PostgresStore) PutCacheEntry(ctx context.Context, e model.CacheEntry) error {
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cache_entries (cache_key, provider, payload, created_at, expires_at, hit_count)
		 VALUES ($1, $2, $3, $4, $5, 0)
		 ON CONFLICT (cache_key) DO UPDATE SET provider = EXCLUDED.provider, payload = EXCLUDED.payload,
		     created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at`,
		e.Key, e.Provider, []byte(e.Payload), created, e.ExpiresAt.UTC(),
	)
	return eris.Wrap(err, "postgres: put cache entry")
}

func (s *PostgresStore) TouchCacheEntry(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `UPDATE cache_entries SET hit_count = hit_count + 1 WHERE cache_key = $1`, key)
	return eris.Wrap(err, "postgres: touch cache entry")
}

func (s *PostgresStore) DeleteExpiredCache(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM cache_entries WHERE expires_at < $1`, before)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired cache")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) CacheStats(ctx context.Context, now time.Time) (*model.CacheTableStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT provider, COUNT(*), COUNT(*) FILTER (WHERE expires_at > $1), COALESCE(SUM(hit_count), 0)::bigint
		 FROM cache_entries GROUP BY provider ORDER BY provider`,
		now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: cache stats")
	}
	defer rows.Close()

	st := &model.CacheTableStats{ByProvider: make(map[string]int64)}
	for rows.Next() {
		var provider string
		var entries, live, hits int64
		if err := rows.Scan(&provider, &entries, &live, &hits); err != nil {
			return nil, eris.Wrap(err, "postgres: scan cache stats")
		}
		st.Entries += entries
		st.Live += live
		st.TotalHits += hits
		st.ByProvider[provider] = entries
	}
	return st, eris.Wrap(rows.Err(), "postgres: iterate cache stats")
}

// helpers

func scanPGApplication(row pgx.Row) (*model.Application, error) {
	var a model.Application
	var lat, lng *float64
	var parcel, enrichment []byte
	var status string
	err := row.Scan(&a.ID, &a.Address, &lat, &lng, &parcel, &status, &a.StatusPercent, &a.StatusRev,
		&a.ErrorCode, &a.Attempts, &a.DataFlags, &enrichment, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Status = model.Phase(status)
	if lat != nil && lng != nil {
		a.Coordinates = &model.Coordinates{Lat: *lat, Lng: *lng}
	}
	if len(parcel) > 0 {
		a.ParcelGeometry = json.RawMessage(parcel)
	}
	if a.DataFlags == nil {
		a.DataFlags = []string{}
	}
	if len(enrichment) > 0 {
		a.Enrichment = &model.EnrichmentMetadata{}
		if err := json.Unmarshal(enrichment, a.Enrichment); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal enrichment")
		}
	}
	return &a, nil
}

func collectPGApplications(rows pgx.Rows) ([]model.Application, error) {
	defer rows.Close()
	var out []model.Application
	for rows.Next() {
		app, err := scanPGApplication(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan application")
		}
		out = append(out, *app)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate applications")
}
