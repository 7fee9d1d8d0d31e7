package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/gazette/pkg/datasource"
	"github.com/go-go-golems/gazette/pkg/schema"
	"github.com/go-go-golems/gazette/pkg/sqlcheck"
	"github.com/go-go-golems/gazette/pkg/tools"
)

const (
	defaultSearchTopK  = 5
	defaultPreviewRows = 10
)

// Toolbox owns the shared state behind the pipeline's tool handlers: the
// schema provider, the data source runner, the resolved reporting window, and
// the rows produced by the accepted query. One Toolbox serves one run.
type Toolbox struct {
	provider *schema.Provider
	runner   datasource.Runner

	mu        sync.Mutex
	start     string
	end       string
	result    *datasource.Result
	probeUsed bool
}

func NewToolbox(provider *schema.Provider, runner datasource.Runner) *Toolbox {
	return &Toolbox{provider: provider, runner: runner}
}

// SetWindow fixes the dates substituted into probed statements.
func (t *Toolbox) SetWindow(start, end string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.start, t.end = start, end
}

// SetResult stores the rows of the accepted query so data.preview can show
// them in later stages.
func (t *Toolbox) SetResult(res *datasource.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.result = res
}

// Result returns the stored query result, or nil before any execution.
func (t *Toolbox) Result() *datasource.Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// RearmProbe re-arms the single-probe guard for a fresh validation pass.
func (t *Toolbox) RearmProbe() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.probeUsed = false
}

// Registry builds the full tool registry. Stage managers subset it per stage.
func (t *Toolbox) Registry() (tools.Registry, error) {
	reg := tools.NewInMemoryRegistry()

	defs := []struct {
		name, desc string
		params     interface{}
		handler    tools.Handler
		opts       []tools.DefinitionOption
	}{
		{
			name:    "schema.search_tables",
			desc:    "Find the tables most relevant to a free-text query. Returns one line per table with its columns.",
			params:  searchTablesArgs{},
			handler: t.searchTables,
			opts:    []tools.DefinitionOption{tools.WithConcurrencySafe()},
		},
		{
			name:    "schema.describe_table",
			desc:    "Return the full column list of one table, with types and comments.",
			params:  describeTableArgs{},
			handler: t.describeTable,
			opts:    []tools.DefinitionOption{tools.WithConcurrencySafe()},
		},
		{
			name:    "sql.validate",
			desc:    "Check every table and column reference in a SQL statement against the allowed schema. Reports wrong references and suggests a rewrite.",
			params:  validateArgs{},
			handler: t.validateSQL,
		},
		{
			name:    "sql.probe",
			desc:    "Parse and plan a SQL statement against the live database without returning rows. May be used at most once per validation pass.",
			params:  probeArgs{},
			handler: t.probeSQL,
		},
		{
			name:    "data.preview",
			desc:    "Show the first rows returned by the accepted query.",
			params:  previewArgs{},
			handler: t.previewData,
		},
	}

	for _, d := range defs {
		def, err := tools.NewDefinition(d.name, d.desc, d.params, d.handler, d.opts...)
		if err != nil {
			return nil, errors.Wrapf(err, "pipeline: define %s", d.name)
		}
		if err := reg.Register(*def); err != nil {
			return nil, errors.Wrapf(err, "pipeline: register %s", d.name)
		}
	}
	return reg, nil
}

type searchTablesArgs struct {
	Query string `json:"query" jsonschema:"required,description=Free-text description of the data you need"`
	TopK  int    `json:"top_k,omitempty" jsonschema:"description=How many tables to return (default 5)"`
}

func (t *Toolbox) searchTables(ctx context.Context, raw json.RawMessage) (string, error) {
	var args searchTablesArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", errors.Wrap(err, "decode arguments")
	}
	topK := args.TopK
	if topK <= 0 {
		topK = defaultSearchTopK
	}

	docs, err := t.provider.Retrieve(ctx, args.Query, topK)
	if err != nil {
		return "", err
	}
	if len(docs) == 0 {
		return "no tables matched the query", nil
	}

	var sb strings.Builder
	for _, ts := range docs {
		sb.WriteString(ts.Name)
		if ts.Comment != "" {
			fmt.Fprintf(&sb, " (%s)", ts.Comment)
		}
		sb.WriteString(": ")
		sb.WriteString(strings.Join(ts.ColumnNames(), ", "))
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

type describeTableArgs struct {
	Table string `json:"table" jsonschema:"required,description=Exact name of the table to describe"`
}

func (t *Toolbox) describeTable(ctx context.Context, raw json.RawMessage) (string, error) {
	var args describeTableArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", errors.Wrap(err, "decode arguments")
	}
	if strings.TrimSpace(args.Table) == "" {
		return "", errors.New("table name cannot be empty")
	}

	ts, err := t.provider.Table(ctx, args.Table)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("table ")
	sb.WriteString(ts.Name)
	if ts.Comment != "" {
		sb.WriteString(" -- ")
		sb.WriteString(ts.Comment)
	}
	sb.WriteString("\n")
	for _, col := range ts.Columns {
		fmt.Fprintf(&sb, "- %s (%s)", col.Name, col.Type)
		if col.Nullable {
			sb.WriteString(" NULL")
		} else {
			sb.WriteString(" NOT NULL")
		}
		if col.Comment != "" {
			sb.WriteString(" -- ")
			sb.WriteString(col.Comment)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

type validateArgs struct {
	SQL string `json:"sql" jsonschema:"required,description=SQL statement to check against the allowed schema"`
}

func (t *Toolbox) validateSQL(ctx context.Context, raw json.RawMessage) (string, error) {
	var args validateArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", errors.Wrap(err, "decode arguments")
	}
	if strings.TrimSpace(args.SQL) == "" {
		return "", errors.New("sql cannot be empty")
	}

	tableRefs, _ := sqlcheck.ExtractReferences(args.SQL)
	names := make([]string, 0, len(tableRefs))
	for _, tr := range tableRefs {
		names = append(names, tr.Name)
	}
	schemas, err := t.provider.SchemaMap(ctx, names)
	if err != nil {
		return "", err
	}

	report := sqlcheck.Validate(args.SQL, schemas)
	if report.Valid {
		return "ok: every table and column reference exists in the schema", nil
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return "", errors.Wrap(err, "encode report")
	}
	fixed, changes := sqlcheck.AutoFix(args.SQL, report)
	if len(changes) > 0 {
		return fmt.Sprintf("%s\nsuggested rewrite:\n%s", payload, fixed), nil
	}
	return string(payload), nil
}

type probeArgs struct {
	SQL string `json:"sql" jsonschema:"required,description=SQL statement to parse and plan against the live database"`
}

func (t *Toolbox) probeSQL(ctx context.Context, raw json.RawMessage) (string, error) {
	var args probeArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", errors.Wrap(err, "decode arguments")
	}
	if strings.TrimSpace(args.SQL) == "" {
		return "", errors.New("sql cannot be empty")
	}

	t.mu.Lock()
	if t.probeUsed {
		t.mu.Unlock()
		return "", errors.New("sql.probe has already been used for this validation pass; fix the statement from the reported error instead")
	}
	t.probeUsed = true
	start, end := t.start, t.end
	t.mu.Unlock()

	stmt := sqlcheck.SubstitutePlaceholders(args.SQL, start, end)
	if err := sqlcheck.DeepValidate(ctx, t.runner, stmt); err != nil {
		return "", err
	}
	return "probe succeeded: the statement parses and plans against the live database", nil
}

type previewArgs struct {
	Rows int `json:"rows,omitempty" jsonschema:"description=How many rows to include (default 10)"`
}

func (t *Toolbox) previewData(ctx context.Context, raw json.RawMessage) (string, error) {
	var args previewArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", errors.Wrap(err, "decode arguments")
	}
	rows := args.Rows
	if rows <= 0 {
		rows = defaultPreviewRows
	}

	res := t.Result()
	if res == nil {
		return "no query results are available yet", nil
	}
	return datasource.Preview(res, rows), nil
}
