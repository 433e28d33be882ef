package db

import (
	"context"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var snapshots = Upsert{
	Table:   "cost_snapshots",
	Columns: []string{"hour", "provider", "calls", "updated_at"},
	Keys:    []string{"hour", "provider"},
	Touch:   []string{"updated_at"},
}

func TestUpsert_EmptyRows(t *testing.T) {
	n, err := snapshots.Write(context.Background(), nil, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestUpsert_InvalidDefinition(t *testing.T) {
	row := [][]any{{"h1", "flood", 3, "now"}}
	tests := []struct {
		name string
		u    Upsert
		rows [][]any
		want string
	}{
		{"no columns", Upsert{Table: "cost_snapshots", Keys: []string{"hour"}}, row, "no columns specified"},
		{"no keys", Upsert{Table: "cost_snapshots", Columns: snapshots.Columns}, row, "no conflict keys specified"},
		{"unknown key", Upsert{Table: "cost_snapshots", Columns: snapshots.Columns, Keys: []string{"day"}}, row, `key "day" is not a column`},
		{"unknown touch", Upsert{Table: "cost_snapshots", Columns: snapshots.Columns, Keys: snapshots.Keys, Touch: []string{"seen_at"}}, row, `touch column "seen_at"`},
		{"short row", snapshots, [][]any{{"h1", "flood"}}, "row 0 has 2 values, want 4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.u.Write(context.Background(), nil, tt.rows)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestUpsert_Success(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_stage_cost_snapshots" \(LIKE "cost_snapshots"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_cost_snapshots"}, snapshots.Columns).WillReturnResult(2)
	mock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT ("hour", "provider") DO UPDATE SET "calls" = EXCLUDED."calls", "updated_at" = EXCLUDED."updated_at" WHERE (t."calls") IS DISTINCT FROM (EXCLUDED."calls")`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	n, err := snapshots.Write(context.Background(), mock, [][]any{
		{"h1", "flood", 3, "now"},
		{"h1", "places", 2, "now"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestUpsert_CopyError(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_cost_snapshots"}, snapshots.Columns).
		WillReturnError(fmt.Errorf("permission denied"))
	mock.ExpectRollback()

	_, err = snapshots.Write(context.Background(), mock, [][]any{{"h1", "flood", 3, "now"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "copy 1 rows for cost_snapshots")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_MergeSQLKeysOnly(t *testing.T) {
	u := Upsert{Table: "billing.seen", Columns: []string{"hour", "provider"}, Keys: []string{"hour", "provider"}}
	assert.Equal(t,
		`INSERT INTO "billing"."seen" AS t ("hour", "provider") SELECT "hour", "provider" FROM "_stage_billing_seen" ON CONFLICT ("hour", "provider") DO NOTHING`,
		u.mergeSQL())
}

func TestLastPerKey(t *testing.T) {
	h1 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h2 := h1.Add(time.Hour)
	rows := [][]any{
		{h1, "flood", 1},
		{h1, "places", 4},
		{h1, "flood", 2},
		{h2, "flood", 7},
		{h1, "flood", 3},
	}
	got := lastPerKey(rows, []int{0, 1})
	assert.Equal(t, [][]any{
		{h1, "flood", 3},
		{h1, "places", 4},
		{h2, "flood", 7},
	}, got)
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"cost_snapshots", `"cost_snapshots"`},
		{"billing.cost_snapshots", `"billing"."cost_snapshots"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeTable(tt.input))
		})
	}
}
