package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/site-enrich/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

var applicationColumnNames = []string{
	"id", "address", "lat", "lng", "parcel_geometry", "status", "status_percent", "status_rev",
	"error_code", "attempts", "data_flags", "enrichment", "created_at", "updated_at",
}

func TestPostgresStore_GetApplication_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, address, lat, lng .* FROM applications WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetApplication(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetApplication(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lat, lng := 30.27, -97.74

	mock.ExpectQuery(`FROM applications WHERE id = \$1`).
		WithArgs("app-1").
		WillReturnRows(pgxmock.NewRows(applicationColumnNames).AddRow(
			"app-1", "100 Congress Ave", &lat, &lng, []byte(nil), "overlay_fetch", 55, int64(3),
			"", 1, []string{"parcel_not_found"}, []byte(`{"trace_id":"abc"}`), now, now,
		))

	app, err := s.GetApplication(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, model.PhaseOverlayFetch, app.Status)
	assert.Equal(t, int64(3), app.StatusRev)
	require.NotNil(t, app.Coordinates)
	assert.InDelta(t, 30.27, app.Coordinates.Lat, 1e-9)
	assert.True(t, app.HasFlag(model.FlagParcelNotFound))
	require.NotNil(t, app.Enrichment)
	assert.Equal(t, "abc", app.Enrichment.TraceID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WriteProgress_Conflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`UPDATE applications .* WHERE id = \$1 AND status_rev = \$2 AND attempts <= \$6`).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT status_rev FROM applications WHERE id = \$1`).
		WithArgs("app-1").
		WillReturnRows(pgxmock.NewRows([]string{"status_rev"}).AddRow(int64(5)))

	_, err := s.WriteProgress(context.Background(), model.ProgressWrite{
		ID: "app-1", PrevRev: 4, Status: model.PhaseScoring, Percent: 80,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRevisionConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WriteProgress_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`UPDATE applications`).WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT status_rev FROM applications`).
		WithArgs("gone").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.WriteProgress(context.Background(), model.ProgressWrite{ID: "gone", Status: model.PhaseError})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordUsage(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO api_usage_log`).
		WithArgs("google_places", "app-1", true, 200, int64(120), at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.RecordUsage(context.Background(), model.UsageRecord{
		Provider: "google_places", ApplicationID: "app-1", Success: true,
		StatusCode: 200, DurationMs: 120, CreatedAt: at,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertSnapshots(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_stage_cost_snapshots"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_cost_snapshots"}, snapshotUpsert.Columns).WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO "cost_snapshots" AS t .* ON CONFLICT \("hour", "provider"\) DO UPDATE .* IS DISTINCT FROM`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	err := s.UpsertSnapshots(context.Background(), []model.CostSnapshot{{
		Hour:                time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Provider:            "google_places",
		Calls:               10,
		Successes:           9,
		Errors:              1,
		EstimatedCost:       decimal.RequireFromString("0.32"),
		CumulativeDailyCost: decimal.RequireFromString("0.32"),
	}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertSnapshots_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	require.NoError(t, s.UpsertSnapshots(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListBudgets(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT scope, warn::text, critical::text, active FROM budget_config`).
		WillReturnRows(pgxmock.NewRows([]string{"scope", "warn", "critical", "active"}).
			AddRow("system", "50.00", "100.00", true).
			AddRow("google_places", "10.00", "20.00", true))

	budgets, err := s.ListBudgets(context.Background())
	require.NoError(t, err)
	require.Len(t, budgets, 2)
	assert.True(t, budgets[0].Critical.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, "google_places", budgets[1].Scope)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetSystemMode_DefaultsToNormal(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM system_mode WHERE id = 1`).WillReturnError(pgx.ErrNoRows)

	st, err := s.GetSystemMode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.ModeNormal, st.Mode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetSystemMode_WritesAuditRow(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO system_mode \(id`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO system_mode_events`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	err := s.SetSystemMode(context.Background(), model.SystemModeState{
		Mode: model.ModeEmergency, Reason: "daily spend 120.00 >= 100.00", ChangedBy: "cost-evaluator",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetSystemMode_AuditFailureRollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO system_mode \(id`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO system_mode_events`).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := s.SetSystemMode(context.Background(), model.SystemModeState{Mode: model.ModeNormal, ChangedBy: "ops"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert mode event")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetCacheEntry_Miss(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM cache_entries WHERE cache_key = \$1`).
		WithArgs("k1").
		WillReturnError(pgx.ErrNoRows)

	entry, err := s.GetCacheEntry(context.Background(), "k1")
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteExpiredCache(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	before := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`DELETE FROM cache_entries WHERE expires_at < \$1`).
		WithArgs(before).
		WillReturnResult(pgxmock.NewResult("DELETE", 7))

	n, err := s.DeleteExpiredCache(context.Background(), before)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Ping(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`SELECT 1`).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	require.NoError(t, s.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
