// Package db provides shared Postgres and Redis connection helpers.
package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Upsert merges batches of rows into a table keyed by a unique constraint.
// Rows are staged in a temp table with COPY and merged with a single
// INSERT ... ON CONFLICT, so writing the same batch twice leaves the table
// as the first write did.
type Upsert struct {
	Table   string   // target table, optionally schema-qualified
	Columns []string // column order of every row
	Keys    []string // the unique constraint; must be a subset of Columns
	// Touch columns are rewritten with every changed row but never mark a
	// row as changed on their own (updated_at and the like).
	Touch []string
}

// Write merges rows and returns the number of rows inserted or changed.
// Rows sharing a key within the batch collapse to the last one.
func (u Upsert) Write(ctx context.Context, pool Pool, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	keyIdx, err := u.check(rows)
	if err != nil {
		return 0, err
	}
	rows = lastPerKey(rows, keyIdx)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	stage := u.stageTable()
	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{stage}.Sanitize(),
		sanitizeTable(u.Table),
	)
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: stage %s", u.Table)
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{stage}, u.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: copy %d rows for %s", len(rows), u.Table)
	}

	tag, err := tx.Exec(ctx, u.mergeSQL())
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: merge %s", u.Table)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}
	return tag.RowsAffected(), nil
}

// check validates the definition against rows and returns the positions of
// the key columns.
func (u Upsert) check(rows [][]any) ([]int, error) {
	if len(u.Columns) == 0 {
		return nil, eris.Errorf("db: upsert %s: no columns specified", u.Table)
	}
	if len(u.Keys) == 0 {
		return nil, eris.Errorf("db: upsert %s: no conflict keys specified", u.Table)
	}
	pos := make(map[string]int, len(u.Columns))
	for i, c := range u.Columns {
		pos[c] = i
	}
	keyIdx := make([]int, len(u.Keys))
	for i, k := range u.Keys {
		p, ok := pos[k]
		if !ok {
			return nil, eris.Errorf("db: upsert %s: key %q is not a column", u.Table, k)
		}
		keyIdx[i] = p
	}
	for _, t := range u.Touch {
		if _, ok := pos[t]; !ok {
			return nil, eris.Errorf("db: upsert %s: touch column %q is not a column", u.Table, t)
		}
	}
	for i, r := range rows {
		if len(r) != len(u.Columns) {
			return nil, eris.Errorf("db: upsert %s: row %d has %d values, want %d", u.Table, i, len(r), len(u.Columns))
		}
	}
	return keyIdx, nil
}

// valueColumns returns the columns whose change makes a row count as updated.
func (u Upsert) valueColumns() []string {
	skip := make(map[string]bool, len(u.Keys)+len(u.Touch))
	for _, k := range u.Keys {
		skip[k] = true
	}
	for _, t := range u.Touch {
		skip[t] = true
	}
	var out []string
	for _, c := range u.Columns {
		if !skip[c] {
			out = append(out, c)
		}
	}
	return out
}

func (u Upsert) stageTable() string {
	return "_stage_" + strings.ReplaceAll(u.Table, ".", "_")
}

// mergeSQL builds the INSERT ... ON CONFLICT statement. Rows whose value
// columns already match are left untouched.
func (u Upsert) mergeSQL() string {
	target := sanitizeTable(u.Table)
	cols := quoteAndJoin(u.Columns)
	insert := fmt.Sprintf("INSERT INTO %s AS t (%s) SELECT %s FROM %s ON CONFLICT (%s)",
		target, cols, cols, pgx.Identifier{u.stageTable()}.Sanitize(), quoteAndJoin(u.Keys))

	values := u.valueColumns()
	if len(values) == 0 {
		return insert + " DO NOTHING"
	}

	set := make([]string, 0, len(values)+len(u.Touch))
	current := make([]string, len(values))
	incoming := make([]string, len(values))
	for i, c := range values {
		col := pgx.Identifier{c}.Sanitize()
		set = append(set, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
		current[i] = "t." + col
		incoming[i] = "EXCLUDED." + col
	}
	for _, c := range u.Touch {
		col := pgx.Identifier{c}.Sanitize()
		set = append(set, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
	}
	return fmt.Sprintf("%s DO UPDATE SET %s WHERE (%s) IS DISTINCT FROM (%s)",
		insert, strings.Join(set, ", "), strings.Join(current, ", "), strings.Join(incoming, ", "))
}

// lastPerKey drops earlier rows that share a key with a later one, keeping
// first-seen order. ON CONFLICT cannot touch the same row twice in one
// statement.
func lastPerKey(rows [][]any, keyIdx []int) [][]any {
	at := make(map[string]int, len(rows))
	out := make([][]any, 0, len(rows))
	for _, r := range rows {
		parts := make([]string, len(keyIdx))
		for i, k := range keyIdx {
			parts[i] = fmt.Sprintf("%T:%v", r[k], r[k])
		}
		key := strings.Join(parts, "\x1f")
		if i, ok := at[key]; ok {
			out[i] = r
			continue
		}
		at[key] = len(out)
		out = append(out, r)
	}
	return out
}

// sanitizeTable handles schema-qualified table names like "billing.cost_snapshots".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
