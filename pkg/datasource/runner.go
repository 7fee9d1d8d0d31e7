package datasource

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Runner executes a SQL statement against one data source and returns rows in
// row-of-object form. Implementations normalize driver types at this boundary
// so everything downstream sees plain strings and numbers.
type Runner interface {
	Query(ctx context.Context, query string) (*Result, error)
}

// Result is the normalized outcome of one query.
type Result struct {
	Columns   []string         `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	Duration  time.Duration    `json:"duration"`
	Truncated bool             `json:"truncated,omitempty"`
}

// Empty reports whether the query returned no rows.
func (r *Result) Empty() bool {
	return r == nil || len(r.Rows) == 0
}

const defaultMaxRows = 1000

// SQLRunner runs queries over a sqlx handle. It caps the number of rows
// fetched per query so a runaway SELECT cannot blow up a prompt or the
// process.
type SQLRunner struct {
	db      *sqlx.DB
	maxRows int
	timeout time.Duration
}

type Option func(*SQLRunner)

// WithMaxRows caps the rows fetched per query. Values below 1 keep the
// default.
func WithMaxRows(n int) Option {
	return func(r *SQLRunner) {
		if n > 0 {
			r.maxRows = n
		}
	}
}

// WithTimeout sets a per-query deadline on top of the caller's context.
func WithTimeout(d time.Duration) Option {
	return func(r *SQLRunner) {
		r.timeout = d
	}
}

// Open connects a SQLRunner to the named driver ("mysql", "sqlite3", ...).
// The connection is established lazily on first use.
func Open(driver, dsn string, opts ...Option) (*SQLRunner, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s data source", driver)
	}
	return NewSQLRunner(db, opts...), nil
}

// NewSQLRunner wraps an existing handle. The runner does not take ownership;
// call Close to release the underlying pool.
func NewSQLRunner(db *sqlx.DB, opts ...Option) *SQLRunner {
	r := &SQLRunner{
		db:      db,
		maxRows: defaultMaxRows,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *SQLRunner) Close() error {
	return r.db.Close()
}

// Query runs the statement and scans every row into a map keyed by column
// name. Byte slices are converted to strings because both the MySQL and
// SQLite drivers return text columns as []byte.
func (r *SQLRunner) Query(ctx context.Context, query string) (*Result, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "execute query")
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrap(err, "read result columns")
	}

	res := &Result{
		Columns: columns,
		Rows:    []map[string]any{},
	}
	for rows.Next() {
		if len(res.Rows) >= r.maxRows {
			res.Truncated = true
			break
		}
		row := map[string]any{}
		if err := rows.MapScan(row); err != nil {
			return nil, errors.Wrap(err, "scan row")
		}
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate rows")
	}
	res.Duration = time.Since(start)

	log.Debug().
		Int("rows", len(res.Rows)).
		Bool("truncated", res.Truncated).
		Dur("duration", res.Duration).
		Msg("datasource: query executed")

	return res, nil
}
