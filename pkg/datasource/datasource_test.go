package datasource

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`CREATE TABLE orders (id INTEGER, customer TEXT, amount REAL)`)
	require.NoError(t, err)
	for _, row := range []struct {
		id       int
		customer string
		amount   float64
	}{
		{1, "alice", 12.5},
		{2, "bob", 7},
		{3, "carol", 99.99},
		{4, "dave", 1},
		{5, "erin", 3.5},
	} {
		_, err = db.Exec(`INSERT INTO orders (id, customer, amount) VALUES (?, ?, ?)`, row.id, row.customer, row.amount)
		require.NoError(t, err)
	}
	return db
}

func TestSQLRunnerQuery(t *testing.T) {
	t.Parallel()

	runner := NewSQLRunner(newTestDB(t))
	res, err := runner.Query(context.Background(), `SELECT id, customer, amount FROM orders ORDER BY id`)
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "customer", "amount"}, res.Columns)
	require.Len(t, res.Rows, 5)
	assert.Equal(t, "alice", res.Rows[0]["customer"])
	assert.Equal(t, int64(1), res.Rows[0]["id"])
	assert.Equal(t, 12.5, res.Rows[0]["amount"])
	assert.False(t, res.Truncated)
	assert.False(t, res.Empty())
}

func TestSQLRunnerRowCap(t *testing.T) {
	t.Parallel()

	runner := NewSQLRunner(newTestDB(t), WithMaxRows(2))
	res, err := runner.Query(context.Background(), `SELECT id FROM orders ORDER BY id`)
	require.NoError(t, err)

	assert.Len(t, res.Rows, 2)
	assert.True(t, res.Truncated)
}

func TestSQLRunnerQueryError(t *testing.T) {
	t.Parallel()

	runner := NewSQLRunner(newTestDB(t))
	_, err := runner.Query(context.Background(), `SELECT nope FROM missing_table`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such table")
}

func TestPreview(t *testing.T) {
	t.Parallel()

	res := &Result{
		Columns: []string{"month", "total"},
		Rows: []map[string]any{
			{"month": "2026-01", "total": int64(100)},
			{"month": "2026-02", "total": nil},
		},
	}

	full := Preview(res, 0)
	assert.Contains(t, full, "month | total")
	assert.Contains(t, full, "--- | ---")
	assert.Contains(t, full, "2026-01 | 100")
	assert.Contains(t, full, "2026-02 | NULL")
	assert.Contains(t, full, "(2 rows)")

	partial := Preview(res, 1)
	assert.Contains(t, partial, "(showing 1 of 2 rows)")
	assert.NotContains(t, partial, "2026-02")

	assert.Equal(t, "(no rows)", Preview(nil, 3))
}
