package schema

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/gazette/pkg/datasource"
)

// Fetcher loads schema metadata in two phases. ListTables is the cheap
// listing phase; DescribeTable is invoked per table, only for tables that are
// actually needed.
type Fetcher interface {
	ListTables(ctx context.Context) ([]TableMeta, error)
	DescribeTable(ctx context.Context, name string) (*TableSchema, error)
}

// Dialect selects the metadata queries used by SQLFetcher.
type Dialect string

const (
	DialectMySQL  Dialect = "mysql"
	DialectSQLite Dialect = "sqlite"
)

// DialectForDriver maps a database/sql driver name to a Dialect.
func DialectForDriver(driver string) Dialect {
	switch driver {
	case "sqlite3", "sqlite":
		return DialectSQLite
	default:
		return DialectMySQL
	}
}

// SQLFetcher reads table metadata through the shared query adapter, so schema
// introspection goes through the same row cap and timeout as everything else.
type SQLFetcher struct {
	runner  datasource.Runner
	dialect Dialect
}

func NewSQLFetcher(runner datasource.Runner, dialect Dialect) *SQLFetcher {
	return &SQLFetcher{runner: runner, dialect: dialect}
}

func (f *SQLFetcher) ListTables(ctx context.Context) ([]TableMeta, error) {
	var query string
	switch f.dialect {
	case DialectSQLite:
		query = `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`
	default:
		query = `SELECT table_name, table_comment FROM information_schema.tables WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE' ORDER BY table_name`
	}

	res, err := f.runner.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "list tables")
	}

	tables := make([]TableMeta, 0, len(res.Rows))
	for _, row := range res.Rows {
		name := mapString(row, "table_name")
		if name == "" {
			name = mapString(row, "name")
		}
		if name == "" {
			continue
		}
		tables = append(tables, TableMeta{
			Name:    name,
			Comment: mapString(row, "table_comment"),
		})
	}
	return tables, nil
}

func (f *SQLFetcher) DescribeTable(ctx context.Context, name string) (*TableSchema, error) {
	switch f.dialect {
	case DialectSQLite:
		return f.describeSQLite(ctx, name)
	default:
		return f.describeMySQL(ctx, name)
	}
}

func (f *SQLFetcher) describeMySQL(ctx context.Context, name string) (*TableSchema, error) {
	query := fmt.Sprintf(
		`SELECT column_name, column_type, is_nullable, column_comment FROM information_schema.columns WHERE table_schema = DATABASE() AND table_name = '%s' ORDER BY ordinal_position`,
		escapeLiteral(name))
	res, err := f.runner.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrapf(err, "describe table %s", name)
	}

	ts := &TableSchema{Name: name}
	for _, row := range res.Rows {
		ts.Columns = append(ts.Columns, ColumnInfo{
			Name:     mapString(row, "column_name"),
			Type:     mapString(row, "column_type"),
			Nullable: strings.EqualFold(mapString(row, "is_nullable"), "YES"),
			Comment:  mapString(row, "column_comment"),
		})
	}
	return ts, nil
}

func (f *SQLFetcher) describeSQLite(ctx context.Context, name string) (*TableSchema, error) {
	query := fmt.Sprintf(`PRAGMA table_info('%s')`, escapeLiteral(name))
	res, err := f.runner.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrapf(err, "describe table %s", name)
	}

	ts := &TableSchema{Name: name}
	for _, row := range res.Rows {
		ts.Columns = append(ts.Columns, ColumnInfo{
			Name:     mapString(row, "name"),
			Type:     mapString(row, "type"),
			Nullable: mapInt(row, "notnull") == 0,
		})
	}
	return ts, nil
}

func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// mapString reads a row value by key, tolerating the upper-case column names
// some MySQL versions return for information_schema queries.
func mapString(row map[string]any, key string) string {
	v, ok := row[key]
	if !ok {
		if v, ok = row[strings.ToUpper(key)]; !ok {
			return ""
		}
	}
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", val)
	}
}

func mapInt(row map[string]any, key string) int64 {
	v, ok := row[key]
	if !ok {
		v, ok = row[strings.ToUpper(key)]
		if !ok {
			return 0
		}
	}
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	case string:
		if val == "1" {
			return 1
		}
		return 0
	default:
		return 0
	}
}

// StaticFetcher serves a fixed set of schemas. Listing order follows the
// order the schemas were registered in.
type StaticFetcher struct {
	tables  []TableMeta
	schemas map[string]*TableSchema
}

func NewStaticFetcher(schemas ...*TableSchema) *StaticFetcher {
	f := &StaticFetcher{schemas: map[string]*TableSchema{}}
	for _, ts := range schemas {
		f.tables = append(f.tables, TableMeta{Name: ts.Name, Comment: ts.Comment})
		f.schemas[strings.ToLower(ts.Name)] = ts
	}
	return f
}

func (f *StaticFetcher) ListTables(ctx context.Context) ([]TableMeta, error) {
	return append([]TableMeta(nil), f.tables...), nil
}

func (f *StaticFetcher) DescribeTable(ctx context.Context, name string) (*TableSchema, error) {
	ts, ok := f.schemas[strings.ToLower(name)]
	if !ok {
		return nil, &NotFoundError{Table: name}
	}
	return ts, nil
}
