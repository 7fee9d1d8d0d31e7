package schema

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchemas() []*TableSchema {
	return []*TableSchema{
		{
			Name:    "customers",
			Comment: "registered customers",
			Columns: []ColumnInfo{
				{Name: "id", Type: "INTEGER", Nullable: false},
				{Name: "name", Type: "TEXT", Nullable: false},
				{Name: "region", Type: "TEXT", Nullable: true},
				{Name: "created_at", Type: "DATETIME", Nullable: false},
			},
		},
		{
			Name:    "orders",
			Comment: "customer orders, one row per purchase",
			Columns: []ColumnInfo{
				{Name: "id", Type: "INTEGER", Nullable: false},
				{Name: "customer_id", Type: "INTEGER", Nullable: false},
				{Name: "amount", Type: "DECIMAL(10,2)", Nullable: false, Comment: "order total"},
				{Name: "status", Type: "TEXT", Nullable: false},
				{Name: "created_at", Type: "DATETIME", Nullable: false},
			},
		},
		{
			Name:    "products",
			Comment: "product catalog",
			Columns: []ColumnInfo{
				{Name: "id", Type: "INTEGER", Nullable: false},
				{Name: "name", Type: "TEXT", Nullable: false},
				{Name: "price", Type: "DECIMAL(10,2)", Nullable: false},
			},
		},
		{
			Name:    "audit_logs",
			Comment: "internal audit trail",
			Columns: []ColumnInfo{
				{Name: "ts", Type: "DATETIME", Nullable: false},
				{Name: "actor", Type: "TEXT", Nullable: false},
				{Name: "message", Type: "TEXT", Nullable: true},
			},
		},
	}
}

type countingFetcher struct {
	inner         Fetcher
	listCalls     int
	describeCalls int
}

func (f *countingFetcher) ListTables(ctx context.Context) ([]TableMeta, error) {
	f.listCalls++
	return f.inner.ListTables(ctx)
}

func (f *countingFetcher) DescribeTable(ctx context.Context, name string) (*TableSchema, error) {
	f.describeCalls++
	return f.inner.DescribeTable(ctx, name)
}

func TestProviderListsOnce(t *testing.T) {
	t.Parallel()

	fetcher := &countingFetcher{inner: NewStaticFetcher(testSchemas()...)}
	p := NewProvider("sales_db", fetcher)

	ctx := context.Background()
	first, err := p.Tables(ctx)
	require.NoError(t, err)
	second, err := p.Tables(ctx)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first, 4)
	assert.Equal(t, 1, fetcher.listCalls)
}

func TestProviderDescribesLazily(t *testing.T) {
	t.Parallel()

	fetcher := &countingFetcher{inner: NewStaticFetcher(testSchemas()...)}
	p := NewProvider("sales_db", fetcher)
	ctx := context.Background()

	ts, err := p.Table(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, "orders", ts.Name)
	assert.Len(t, ts.Columns, 5)

	_, err = p.Table(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.describeCalls)
}

func TestProviderCaseInsensitiveLookup(t *testing.T) {
	t.Parallel()

	p := NewProvider("sales_db", NewStaticFetcher(testSchemas()...))
	ts, err := p.Table(context.Background(), "Orders")
	require.NoError(t, err)
	assert.Equal(t, "orders", ts.Name)
}

func TestProviderUnknownTable(t *testing.T) {
	t.Parallel()

	p := NewProvider("sales_db", NewStaticFetcher(testSchemas()...))
	_, err := p.Table(context.Background(), "invoices")

	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "invoices", nf.Table)
	assert.Equal(t, "sales_db", nf.DataSource)
}

func TestProviderEmptyDataSource(t *testing.T) {
	t.Parallel()

	p := NewProvider("empty_db", NewStaticFetcher())
	_, err := p.Tables(context.Background())

	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "empty_db", nf.DataSource)
	assert.Empty(t, nf.Table)
}

func TestProviderReset(t *testing.T) {
	t.Parallel()

	fetcher := &countingFetcher{inner: NewStaticFetcher(testSchemas()...)}
	p := NewProvider("sales_db", fetcher)
	ctx := context.Background()

	_, err := p.Tables(ctx)
	require.NoError(t, err)
	_, err = p.Table(ctx, "orders")
	require.NoError(t, err)

	p.Reset()

	_, err = p.Tables(ctx)
	require.NoError(t, err)
	_, err = p.Table(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.listCalls)
	assert.Equal(t, 2, fetcher.describeCalls)
}

func TestProviderSchemaMapSkipsUnknown(t *testing.T) {
	t.Parallel()

	p := NewProvider("sales_db", NewStaticFetcher(testSchemas()...))
	m, err := p.SchemaMap(context.Background(), []string{"orders", "invoices"})
	require.NoError(t, err)

	require.Len(t, m, 1)
	require.Contains(t, m, "orders")
	assert.NotContains(t, m, "invoices")
}

func TestProviderSchemaMapSurfacesFetchErrors(t *testing.T) {
	t.Parallel()

	p := NewProvider("sales_db", &failingFetcher{})
	_, err := p.SchemaMap(context.Background(), []string{"orders"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

type failingFetcher struct{}

func (f *failingFetcher) ListTables(ctx context.Context) ([]TableMeta, error) {
	return nil, errors.New("connection refused")
}

func (f *failingFetcher) DescribeTable(ctx context.Context, name string) (*TableSchema, error) {
	return nil, errors.New("connection refused")
}
