package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/sells-group/site-enrich/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are
// stored as unix milliseconds and money as decimal text.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS applications (
	id              TEXT PRIMARY KEY,
	address         TEXT NOT NULL DEFAULT '',
	lat             REAL,
	lng             REAL,
	parcel_geometry TEXT,
	status          TEXT NOT NULL DEFAULT 'pending',
	status_percent  INTEGER NOT NULL DEFAULT 0,
	status_rev      INTEGER NOT NULL DEFAULT 0,
	error_code      TEXT NOT NULL DEFAULT '',
	attempts        INTEGER NOT NULL DEFAULT 0,
	data_flags      TEXT NOT NULL DEFAULT '[]',
	enrichment      TEXT,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_applications_status_updated ON applications(status, updated_at);

CREATE TABLE IF NOT EXISTS api_usage_log (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	provider       TEXT NOT NULL,
	application_id TEXT NOT NULL DEFAULT '',
	success        INTEGER NOT NULL,
	status_code    INTEGER NOT NULL DEFAULT 0,
	duration_ms    INTEGER NOT NULL DEFAULT 0,
	created_at     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usage_created_at ON api_usage_log(created_at);
CREATE INDEX IF NOT EXISTS idx_usage_app_created ON api_usage_log(application_id, created_at);

CREATE TABLE IF NOT EXISTS cost_snapshots (
	hour                  INTEGER NOT NULL,
	provider              TEXT NOT NULL,
	calls                 INTEGER NOT NULL DEFAULT 0,
	successes             INTEGER NOT NULL DEFAULT 0,
	errors                INTEGER NOT NULL DEFAULT 0,
	avg_duration_ms       INTEGER NOT NULL DEFAULT 0,
	estimated_cost        TEXT NOT NULL DEFAULT '0',
	cumulative_daily_cost TEXT NOT NULL DEFAULT '0',
	updated_at            INTEGER NOT NULL,
	PRIMARY KEY (hour, provider)
);

CREATE TABLE IF NOT EXISTS budget_config (
	scope      TEXT PRIMARY KEY,
	warn       TEXT NOT NULL,
	critical   TEXT NOT NULL,
	active     INTEGER NOT NULL DEFAULT 1,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS system_mode (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	mode       TEXT NOT NULL DEFAULT 'normal',
	reason     TEXT NOT NULL DEFAULT '',
	providers  TEXT NOT NULL DEFAULT '[]',
	changed_by TEXT NOT NULL DEFAULT '',
	changed_at INTEGER NOT NULL DEFAULT 0
);

INSERT OR IGNORE INTO system_mode (id) VALUES (1);

CREATE TABLE IF NOT EXISTS system_mode_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	mode       TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	providers  TEXT NOT NULL DEFAULT '[]',
	changed_by TEXT NOT NULL DEFAULT '',
	changed_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS cache_entries (
	cache_key  TEXT PRIMARY KEY,
	provider   TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	hit_count  INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries(expires_at);

CREATE TABLE IF NOT EXISTS job_runs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	job         TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL,
	detail      TEXT
);

CREATE INDEX IF NOT EXISTS idx_job_runs_job_started ON job_runs(job, started_at);
`

const sqliteApplicationColumns = `id, address, lat, lng, parcel_geometry, status, status_percent, status_rev, error_code, attempts, data_flags, enrichment, created_at, updated_at`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Applications ---

func (s *SQLiteStore) CreateApplication(ctx context.Context, in model.NewApplication) (*model.Application, error) {
	id := uuid.New().String()
	now := time.Now().UTC().Truncate(time.Millisecond)

	var lat, lng sql.NullFloat64
	if in.Coordinates != nil {
		lat = sql.NullFloat64{Float64: in.Coordinates.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: in.Coordinates.Lng, Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO applications (id, address, lat, lng, parcel_geometry, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, in.Address, lat, lng, nullText(in.ParcelGeometry), string(model.PhasePending), toMillis(now), toMillis(now),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert application")
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

func (s *SQLiteStore) GetApplication(ctx context.Context, id string) (*model.Application, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteApplicationColumns+` FROM applications WHERE id = ?`, id)
	app, err := scanApplication(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: application %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get application %s", id)
	}
	return app, nil
}

func (s *SQLiteStore) GetApplications(ctx context.Context, ids []string) ([]model.Application, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteApplicationColumns+` FROM applications WHERE id IN (`+placeholders(len(ids))+`) ORDER BY created_at`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get applications")
	}
	return collectApplications(rows)
}

func (s *SQLiteStore) WriteProgress(ctx context.Context, w model.ProgressWrite) (*model.Application, error) {
	flags := w.DataFlags
	if flags == nil {
		flags = []string{}
	}
	flagsJSON, err := json.Marshal(flags)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal flags")
	}
	updated := w.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE applications
		 SET status = ?, status_percent = ?, error_code = ?, attempts = ?, data_flags = ?, updated_at = ?,
		     status_rev = status_rev + 1
		 WHERE id = ? AND status_rev = ? AND attempts <= ?`,
		string(w.Status), w.Percent, w.ErrorCode, w.Attempts, string(flagsJSON), toMillis(updated),
		w.ID, w.PrevRev, w.Attempts,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: write progress %s", w.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		var rev int64
		err := s.db.QueryRowContext(ctx, `SELECT status_rev FROM applications WHERE id = ?`, w.ID).Scan(&rev)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "sqlite: application %s", w.ID)
		}
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: read revision %s", w.ID)
		}
		return nil, eris.Wrapf(ErrRevisionConflict, "sqlite: application %s at rev %d, expected %d", w.ID, rev, w.PrevRev)
	}
	return s.GetApplication(ctx, w.ID)
}

func (s *SQLiteStore) UpdateLocation(ctx context.Context, id string, coords *model.Coordinates, parcel json.RawMessage) error {
	var lat, lng sql.NullFloat64
	if coords != nil {
		lat = sql.NullFloat64{Float64: coords.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: coords.Lng, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE applications
		 SET lat = COALESCE(?, lat), lng = COALESCE(?, lng), parcel_geometry = COALESCE(?, parcel_geometry)
		 WHERE id = ?`,
		lat, lng, nullText(parcel), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update location %s", id)
	}
	return checkRowsAffected(res, "application", id)
}

func (s *SQLiteStore) SetEnrichment(ctx context.Context, id string, meta model.EnrichmentMetadata) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal enrichment")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE applications SET enrichment = ? WHERE id = ?`, string(metaJSON), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set enrichment %s", id)
	}
	return checkRowsAffected(res, "application", id)
}

func (s *SQLiteStore) ListRecoverable(ctx context.Context, f model.RecoveryFilter) ([]model.Application, error) {
	return s.listCandidates(ctx, "attempts < ?", f, defaultLimit(f.Limit, 5))
}

func (s *SQLiteStore) ListExhausted(ctx context.Context, f model.RecoveryFilter) ([]model.Application, error) {
	return s.listCandidates(ctx, "attempts >= ?", f, defaultLimit(f.Limit, 100))
}

func (s *SQLiteStore) listCandidates(ctx context.Context, attemptsCond string, f model.RecoveryFilter, limit int) ([]model.Application, error) {
	inProgress := model.PhaseStrings(model.InProgressPhases())
	args := []any{f.MaxAttempts, string(model.PhaseError)}
	for _, p := range inProgress {
		args = append(args, p)
	}
	args = append(args, toMillis(f.StaleBefore), limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteApplicationColumns+` FROM applications
		 WHERE `+attemptsCond+`
		   AND (status = ? OR (status IN (`+placeholders(len(inProgress))+`) AND updated_at < ?))
		 ORDER BY updated_at ASC
		 LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list recovery candidates")
	}
	return collectApplications(rows)
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[model.Phase]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM applications GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count by status")
	}
	defer rows.Close()

	out := make(map[model.Phase]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan status count")
		}
		out[model.Phase(status)] = n
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate status counts")
}

// --- Usage ---

func (s *SQLiteStore) RecordUsage(ctx context.Context, rec model.UsageRecord) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_usage_log (provider, application_id, success, status_code, duration_ms, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Provider, rec.ApplicationID, rec.Success, rec.StatusCode, rec.DurationMs, toMillis(created),
	)
	return eris.Wrap(err, "sqlite: record usage")
}

func (s *SQLiteStore) SummarizeUsage(ctx context.Context, from, to time.Time) ([]model.UsageSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider,
		        COUNT(*),
		        SUM(CASE WHEN success THEN 1 ELSE 0 END),
		        SUM(CASE WHEN success THEN 0 ELSE 1 END),
		        CAST(COALESCE(AVG(duration_ms), 0) AS INTEGER)
		 FROM api_usage_log
		 WHERE created_at >= ? AND created_at < ?
		 GROUP BY provider
		 ORDER BY provider`,
		toMillis(from), toMillis(to),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: summarize usage")
	}
	defer rows.Close()

	var out []model.UsageSummary
	for rows.Next() {
		var u model.UsageSummary
		if err := rows.Scan(&u.Provider, &u.Calls, &u.Successes, &u.Errors, &u.AvgDurationMs); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan usage summary")
		}
		out = append(out, u)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate usage summary")
}

func (s *SQLiteStore) CountApplicationCalls(ctx context.Context, applicationID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM api_usage_log WHERE application_id = ? AND created_at >= ?`,
		applicationID, toMillis(since),
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: count calls for %s", applicationID)
	}
	return n, nil
}

func (s *SQLiteStore) DeleteUsageBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_usage_log WHERE created_at < ?`, toMillis(before))
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete usage")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

// --- Cost ---

func (s *SQLiteStore) UpsertSnapshots(ctx context.Context, snaps []model.CostSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin upsert snapshots")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO cost_snapshots (hour, provider, calls, successes, errors, avg_duration_ms, estimated_cost, cumulative_daily_cost, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (hour, provider) DO UPDATE SET
		     calls = excluded.calls, successes = excluded.successes, errors = excluded.errors,
		     avg_duration_ms = excluded.avg_duration_ms, estimated_cost = excluded.estimated_cost,
		     cumulative_daily_cost = excluded.cumulative_daily_cost, updated_at = excluded.updated_at`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare upsert snapshots")
	}
	defer stmt.Close()

	now := toMillis(time.Now().UTC())
	for _, sn := range snaps {
		if _, err := stmt.ExecContext(ctx,
			toMillis(sn.Hour), sn.Provider, sn.Calls, sn.Successes, sn.Errors, sn.AvgDurationMs,
			sn.EstimatedCost.String(), sn.CumulativeDailyCost.String(), now,
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert snapshot %s", sn.Provider)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit upsert snapshots")
}

func (s *SQLiteStore) ListSnapshots(ctx context.Context, from, to time.Time) ([]model.CostSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT hour, provider, calls, successes, errors, avg_duration_ms, estimated_cost, cumulative_daily_cost
		 FROM cost_snapshots
		 WHERE hour >= ? AND hour < ?
		 ORDER BY hour, provider`,
		toMillis(from), toMillis(to),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list snapshots")
	}
	defer rows.Close()

	var out []model.CostSnapshot
	for rows.Next() {
		var sn model.CostSnapshot
		var hour int64
		var est, cum string
		if err := rows.Scan(&hour, &sn.Provider, &sn.Calls, &sn.Successes, &sn.Errors, &sn.AvgDurationMs, &est, &cum); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan snapshot")
		}
		sn.Hour = fromMillis(hour)
		if sn.EstimatedCost, err = decimal.NewFromString(est); err != nil {
			return nil, eris.Wrap(err, "sqlite: parse estimated cost")
		}
		if sn.CumulativeDailyCost, err = decimal.NewFromString(cum); err != nil {
			return nil, eris.Wrap(err, "sqlite: parse cumulative cost")
		}
		out = append(out, sn)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate snapshots")
}

func (s *SQLiteStore) ListBudgets(ctx context.Context) ([]model.BudgetConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT scope, warn, critical, active FROM budget_config WHERE active = 1 ORDER BY scope`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list budgets")
	}
	defer rows.Close()

	var out []model.BudgetConfig
	for rows.Next() {
		var b model.BudgetConfig
		var warn, crit string
		if err := rows.Scan(&b.Scope, &warn, &crit, &b.Active); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan budget")
		}
		if b.Warn, err = decimal.NewFromString(warn); err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse warn for %s", b.Scope)
		}
		if b.Critical, err = decimal.NewFromString(crit); err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse critical for %s", b.Scope)
		}
		out = append(out, b)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate budgets")
}

func (s *SQLiteStore) UpsertBudget(ctx context.Context, b model.BudgetConfig) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO budget_config (scope, warn, critical, active, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (scope) DO UPDATE SET warn = excluded.warn, critical = excluded.critical,
		     active = excluded.active, updated_at = excluded.updated_at`,
		b.Scope, b.Warn.String(), b.Critical.String(), b.Active, toMillis(time.Now().UTC()),
	)
	return eris.Wrapf(err, "sqlite: upsert budget %s", b.Scope)
}

func (s *SQLiteStore) GetSystemMode(ctx context.Context) (*model.SystemModeState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT mode, reason, providers, changed_by, changed_at FROM system_mode WHERE id = 1`)
	st, err := scanModeState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return &model.SystemModeState{Mode: model.ModeNormal}, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get system mode")
	}
	return st, nil
}

func (s *SQLiteStore) SetSystemMode(ctx context.Context, st model.SystemModeState) error {
	changed := st.ChangedAt
	if changed.IsZero() {
		changed = time.Now().UTC()
	}
	providers := st.Providers
	if providers == nil {
		providers = []string{}
	}
	provJSON, err := json.Marshal(providers)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal providers")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin set mode")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO system_mode (id, mode, reason, providers, changed_by, changed_at) VALUES (1, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET mode = excluded.mode, reason = excluded.reason,
		     providers = excluded.providers, changed_by = excluded.changed_by, changed_at = excluded.changed_at`,
		string(st.Mode), st.Reason, string(provJSON), st.ChangedBy, toMillis(changed),
	); err != nil {
		return eris.Wrap(err, "sqlite: update system mode")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO system_mode_events (mode, reason, providers, changed_by, changed_at) VALUES (?, ?, ?, ?, ?)`,
		string(st.Mode), st.Reason, string(provJSON), st.ChangedBy, toMillis(changed),
	); err != nil {
		return eris.Wrap(err, "sqlite: insert mode event")
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit set mode")
}

func (s *SQLiteStore) ListModeEvents(ctx context.Context, limit int) ([]model.SystemModeState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT mode, reason, providers, changed_by, changed_at FROM system_mode_events ORDER BY id DESC LIMIT ?`,
		defaultLimit(limit, 20),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list mode events")
	}
	defer rows.Close()

	var out []model.SystemModeState
	for rows.Next() {
		st, err := scanModeState(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan mode event")
		}
		out = append(out, *st)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate mode events")
}

func (s *SQLiteStore) RecordJobRun(ctx context.Context, run model.JobRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_runs (job, started_at, duration_ms, status, detail) VALUES (?, ?, ?, ?, ?)`,
		run.Job, toMillis(run.StartedAt), run.DurationMs, string(run.Status), nullText(run.Detail),
	)
	return eris.Wrapf(err, "sqlite: record job run %s", run.Job)
}

func (s *SQLiteStore) ListJobRuns(ctx context.Context, job string, limit int) ([]model.JobRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job, started_at, duration_ms, status, detail FROM job_runs
		 WHERE (? = '' OR job = ?)
		 ORDER BY started_at DESC, id DESC LIMIT ?`,
		job, job, defaultLimit(limit, 20),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list job runs")
	}
	defer rows.Close()

	var out []model.JobRun
	for rows.Next() {
		var r model.JobRun
		var started int64
		var status string
		var detail sql.NullString
		if err := rows.Scan(&r.Job, &started, &r.DurationMs, &status, &detail); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job run")
		}
		r.StartedAt = fromMillis(started)
		r.Status = model.JobRunStatus(status)
		if detail.Valid {
			r.Detail = json.RawMessage(detail.String)
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate job runs")
}

// --- Cache ---

func (s *SQLiteStore) GetCacheEntry(ctx context.Context, key string) (*model.CacheEntry, error) {
	var e model.CacheEntry
	var payload string
	var created, expires int64
	err := s.db.QueryRowContext(ctx,
		`SELECT cache_key, provider, payload, created_at, expires_at, hit_count FROM cache_entries WHERE cache_key = ?`,
		key,
	).Scan(&e.Key, &e.Provider, &payload, &created, &expires, &e.HitCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get cache entry")
	}
	e.Payload = json.RawMessage(payload)
	e.CreatedAt = fromMillis(created)
	e.ExpiresAt = fromMillis(expires)
	return &e, nil
}

func (s *SQLiteStore) PutCacheEntry(ctx context.Context, e model.CacheEntry) error {
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (cache_key, provider, payload, created_at, expires_at, hit_count)
		 VALUES (?, ?, ?, ?, ?, 0)
		 ON CONFLICT (cache_key) DO UPDATE SET provider = excluded.provider, payload = excluded.payload,
		     created_at = excluded.created_at, expires_at = excluded.expires_at`,
		e.Key, e.Provider, string(e.Payload), toMillis(created), toMillis(e.ExpiresAt),
	)
	return eris.Wrap(err, "sqlite: put cache entry")
}

func (s *SQLiteStore) TouchCacheEntry(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE cache_entries SET hit_count = hit_count + 1 WHERE cache_key = ?`, key)
	return eris.Wrap(err, "sqlite: touch cache entry")
}

func (s *SQLiteStore) DeleteExpiredCache(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at < ?`, toMillis(before))
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired cache")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) CacheStats(ctx context.Context, now time.Time) (*model.CacheTableStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, COUNT(*), SUM(CASE WHEN expires_at > ? THEN 1 ELSE 0 END), COALESCE(SUM(hit_count), 0)
		 FROM cache_entries GROUP BY provider ORDER BY provider`,
		toMillis(now),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: cache stats")
	}
	defer rows.Close()

	st := &model.CacheTableStats{ByProvider: make(map[string]int64)}
	for rows.Next() {
		var provider string
		var entries, live, hits int64
		if err := rows.Scan(&provider, &entries, &live, &hits); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan cache stats")
		}
		st.Entries += entries
		st.Live += live
		st.TotalHits += hits
		st.ByProvider[provider] = entries
	}
	return st, eris.Wrap(rows.Err(), "sqlite: iterate cache stats")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanApplication(row scannable) (*model.Application, error) {
	var a model.Application
	var lat, lng sql.NullFloat64
	var parcel, enrichment sql.NullString
	var status, flags string
	var created, updated int64

	err := row.Scan(&a.ID, &a.Address, &lat, &lng, &parcel, &status, &a.StatusPercent, &a.StatusRev,
		&a.ErrorCode, &a.Attempts, &flags, &enrichment, &created, &updated)
	if err != nil {
		return nil, err
	}
	a.Status = model.Phase(status)
	a.CreatedAt = fromMillis(created)
	a.UpdatedAt = fromMillis(updated)
	if lat.Valid && lng.Valid {
		a.Coordinates = &model.Coordinates{Lat: lat.Float64, Lng: lng.Float64}
	}
	if parcel.Valid && parcel.String != "" {
		a.ParcelGeometry = json.RawMessage(parcel.String)
	}
	if err := json.Unmarshal([]byte(flags), &a.DataFlags); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal data flags")
	}
	if a.DataFlags == nil {
		a.DataFlags = []string{}
	}
	if enrichment.Valid && enrichment.String != "" {
		a.Enrichment = &model.EnrichmentMetadata{}
		if err := json.Unmarshal([]byte(enrichment.String), a.Enrichment); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal enrichment")
		}
	}
	return &a, nil
}

func collectApplications(rows *sql.Rows) ([]model.Application, error) {
	defer rows.Close()
	var out []model.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan application")
		}
		out = append(out, *app)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate applications")
}

func scanModeState(row scannable) (*model.SystemModeState, error) {
	var st model.SystemModeState
	var mode, providers string
	var changed int64
	if err := row.Scan(&mode, &st.Reason, &providers, &st.ChangedBy, &changed); err != nil {
		return nil, err
	}
	st.Mode = model.SystemMode(mode)
	if changed > 0 {
		st.ChangedAt = fromMillis(changed)
	}
	if err := json.Unmarshal([]byte(providers), &st.Providers); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal providers")
	}
	return &st, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func nullText(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
