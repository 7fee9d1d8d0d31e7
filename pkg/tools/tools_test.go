package tools

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/gazette/pkg/turns"
)

type searchParams struct {
	Query string `json:"query" jsonschema:"required,description=Search text"`
	TopK  int    `json:"top_k,omitempty"`
}

func newSearchTool(t *testing.T, calls *atomic.Int64) Definition {
	t.Helper()
	def, err := NewDefinition("schema.search_tables", "Search tables by keyword", searchParams{},
		func(ctx context.Context, args json.RawMessage) (string, error) {
			if calls != nil {
				calls.Add(1)
			}
			var p searchParams
			if err := json.Unmarshal(args, &p); err != nil {
				return "", err
			}
			return "found tables for " + p.Query, nil
		})
	require.NoError(t, err)
	return *def
}

func TestRegistryRegisterGetSubset(t *testing.T) {
	t.Parallel()

	reg := NewInMemoryRegistry()
	require.NoError(t, reg.Register(newSearchTool(t, nil)))

	noop, err := NewDefinition("sql.validate", "Validate a SQL statement", nil,
		func(ctx context.Context, args json.RawMessage) (string, error) { return "ok", nil })
	require.NoError(t, err)
	require.NoError(t, reg.Register(*noop))

	def, err := reg.Get("schema.search_tables")
	require.NoError(t, err)
	assert.Equal(t, "schema.search_tables", def.Name)

	_, err = reg.Get("missing")
	require.Error(t, err)

	names := []string{}
	for _, d := range reg.List() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"schema.search_tables", "sql.validate"}, names)

	sub := reg.Subset([]string{"sql.validate", "not-there"})
	assert.Len(t, sub.List(), 1)
	assert.Equal(t, 2, reg.Count())

	require.NoError(t, reg.Unregister("sql.validate"))
	assert.False(t, reg.Has("sql.validate"))
}

func TestExecutorValidatesArguments(t *testing.T) {
	t.Parallel()

	reg := NewInMemoryRegistry()
	var calls atomic.Int64
	require.NoError(t, reg.Register(newSearchTool(t, &calls)))

	exec := NewDefaultExecutor()

	rec := exec.ExecuteCall(context.Background(), turns.ToolCall{
		ID:        "call-1",
		Name:      "schema.search_tables",
		Arguments: json.RawMessage(`{"top_k":3}`),
	}, reg)

	assert.True(t, rec.Recoverable)
	assert.Contains(t, rec.Error, "validation")
	assert.Equal(t, int64(0), calls.Load(), "handler must not run on invalid arguments")

	rec = exec.ExecuteCall(context.Background(), turns.ToolCall{
		ID:        "call-2",
		Name:      "schema.search_tables",
		Arguments: json.RawMessage(`{"query":"sales"}`),
	}, reg)

	require.Empty(t, rec.Error)
	assert.Equal(t, "found tables for sales", rec.Result)
	assert.Equal(t, int64(1), calls.Load())
}

func TestExecutorUnknownToolIsRecoverable(t *testing.T) {
	t.Parallel()

	exec := NewDefaultExecutor()
	rec := exec.ExecuteCall(context.Background(), turns.ToolCall{ID: "x", Name: "nope"}, NewInMemoryRegistry())

	assert.True(t, rec.Recoverable)
	assert.Contains(t, rec.Error, "not_found")
}

func TestExecutorTimeout(t *testing.T) {
	t.Parallel()

	reg := NewInMemoryRegistry()
	slow, err := NewDefinition("data.preview", "Preview rows", nil,
		func(ctx context.Context, args json.RawMessage) (string, error) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(5 * time.Second):
				return "rows", nil
			}
		})
	require.NoError(t, err)
	require.NoError(t, reg.Register(*slow))

	exec := NewDefaultExecutor(WithTimeout(20 * time.Millisecond))
	rec := exec.ExecuteCall(context.Background(), turns.ToolCall{ID: "t", Name: "data.preview"}, reg)

	assert.True(t, rec.Recoverable)
	assert.Contains(t, rec.Error, "timeout")
}

func TestExecuteBatchKeepsDeclarationOrder(t *testing.T) {
	t.Parallel()

	reg := NewInMemoryRegistry()

	parallel, err := NewDefinition("schema.describe_table", "Describe one table", nil,
		func(ctx context.Context, args json.RawMessage) (string, error) {
			time.Sleep(10 * time.Millisecond)
			return "described", nil
		}, WithConcurrencySafe())
	require.NoError(t, err)
	require.NoError(t, reg.Register(*parallel))

	serial, err := NewDefinition("sql.validate", "Validate a SQL statement", nil,
		func(ctx context.Context, args json.RawMessage) (string, error) {
			return "validated", nil
		})
	require.NoError(t, err)
	require.NoError(t, reg.Register(*serial))

	exec := NewDefaultExecutor(WithMaxParallel(2))
	calls := []turns.ToolCall{
		{ID: "1", Name: "schema.describe_table"},
		{ID: "2", Name: "sql.validate"},
		{ID: "3", Name: "schema.describe_table"},
	}

	records := exec.ExecuteBatch(context.Background(), calls, reg)
	require.Len(t, records, 3)
	assert.Equal(t, "1", records[0].Call.ID)
	assert.Equal(t, "described", records[0].Result)
	assert.Equal(t, "validated", records[1].Result)
	assert.Equal(t, "described", records[2].Result)
}
