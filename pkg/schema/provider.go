package schema

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Provider caches schema metadata for one data source. The table list is
// loaded once; per-table descriptions are loaded on first use and cached
// thereafter. One provider is shared per data source and injected by
// reference wherever schema context is needed.
type Provider struct {
	dataSource string
	fetcher    Fetcher

	mu      sync.RWMutex
	listed  bool
	tables  []TableMeta
	schemas map[string]*TableSchema
}

func NewProvider(dataSource string, fetcher Fetcher) *Provider {
	return &Provider{
		dataSource: dataSource,
		fetcher:    fetcher,
		schemas:    map[string]*TableSchema{},
	}
}

func (p *Provider) DataSource() string {
	return p.dataSource
}

// Tables returns the table listing, fetching it on first call. A data source
// with zero tables is a *NotFoundError, never an empty success.
func (p *Provider) Tables(ctx context.Context) ([]TableMeta, error) {
	p.mu.RLock()
	if p.listed {
		out := append([]TableMeta(nil), p.tables...)
		p.mu.RUnlock()
		return out, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listed {
		return append([]TableMeta(nil), p.tables...), nil
	}

	tables, err := p.fetcher.ListTables(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "list tables for data source %s", p.dataSource)
	}
	if len(tables) == 0 {
		return nil, &NotFoundError{DataSource: p.dataSource}
	}
	p.tables = tables
	p.listed = true
	log.Debug().
		Str("data_source", p.dataSource).
		Int("tables", len(tables)).
		Msg("schema: table list loaded")
	return append([]TableMeta(nil), p.tables...), nil
}

// Table returns the full schema for one table, describing it on first use.
// Lookup is case-insensitive against the listing; a name not in the listing
// is a *NotFoundError.
func (p *Provider) Table(ctx context.Context, name string) (*TableSchema, error) {
	key := strings.ToLower(name)
	p.mu.RLock()
	if ts, ok := p.schemas[key]; ok {
		p.mu.RUnlock()
		return ts, nil
	}
	p.mu.RUnlock()

	tables, err := p.Tables(ctx)
	if err != nil {
		return nil, err
	}
	canonical := ""
	for _, t := range tables {
		if strings.EqualFold(t.Name, name) {
			canonical = t.Name
			break
		}
	}
	if canonical == "" {
		return nil, &NotFoundError{DataSource: p.dataSource, Table: name}
	}
	key = strings.ToLower(canonical)

	p.mu.Lock()
	defer p.mu.Unlock()
	if ts, ok := p.schemas[key]; ok {
		return ts, nil
	}

	ts, err := p.fetcher.DescribeTable(ctx, canonical)
	if err != nil {
		return nil, errors.Wrapf(err, "describe table %s", canonical)
	}
	if ts == nil || len(ts.Columns) == 0 {
		return nil, &NotFoundError{DataSource: p.dataSource, Table: canonical}
	}
	p.schemas[key] = ts
	log.Debug().
		Str("data_source", p.dataSource).
		Str("table", canonical).
		Int("columns", len(ts.Columns)).
		Msg("schema: table described")
	return ts, nil
}

// SchemaMap describes each named table and returns them keyed by canonical
// name. Tables the data source does not know are omitted so the caller can
// report them as invalid references.
func (p *Provider) SchemaMap(ctx context.Context, names []string) (map[string]*TableSchema, error) {
	out := make(map[string]*TableSchema, len(names))
	for _, name := range names {
		ts, err := p.Table(ctx, name)
		if err != nil {
			var nf *NotFoundError
			if errors.As(err, &nf) {
				continue
			}
			return nil, err
		}
		out[ts.Name] = ts
	}
	return out, nil
}

// Reset drops both caches so the next call reloads from the data source.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listed = false
	p.tables = nil
	p.schemas = map[string]*TableSchema{}
}

func (p *Provider) cachedSchemas() map[string]*TableSchema {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]*TableSchema, len(p.schemas))
	for k, v := range p.schemas {
		out[k] = v
	}
	return out
}
