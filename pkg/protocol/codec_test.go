package protocol

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/gazette/pkg/tools"
)

func TestDecodeToolCall(t *testing.T) {
	t.Parallel()

	codec := NewCodec()
	resp, err := codec.Decode(`{"action":"tool_call","toolCalls":[{"name":"schema.list_tables","arguments":{}}]}`)
	require.NoError(t, err)

	require.Equal(t, ActionToolCall, resp.Action)
	require.Len(t, resp.ToolCalls, 1)
	call := resp.ToolCalls[0]
	assert.Equal(t, "schema.list_tables", call.Name)
	assert.NotEmpty(t, call.ID)
	assert.Equal(t, "{}", string(call.Arguments))
}

func TestDecodeFinish(t *testing.T) {
	t.Parallel()

	codec := NewCodec()
	resp, err := codec.Decode(`{"action":"finish","content":"SELECT 1"}`)
	require.NoError(t, err)

	assert.Equal(t, ActionFinish, resp.Action)
	assert.Empty(t, resp.ToolCalls)
	assert.Equal(t, "SELECT 1", resp.Content)
}

func TestDecodeFencedBlock(t *testing.T) {
	t.Parallel()

	raw := "Here is my plan.\n```json\n{\"reasoning\":\"check the schema first\",\"action\":\"tool_call\",\"toolCalls\":[{\"name\":\"schema.search_tables\",\"arguments\":{\"query\":\"orders\"}}]}\n```\nDone."

	codec := NewCodec()
	resp, err := codec.Decode(raw)
	require.NoError(t, err)

	assert.Equal(t, "check the schema first", resp.Reasoning)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "schema.search_tables", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"query":"orders"}`, string(resp.ToolCalls[0].Arguments))
}

func TestDecodeEmbeddedInProse(t *testing.T) {
	t.Parallel()

	raw := `Sure! {"action":"finish","content":"SELECT COUNT(*) FROM orders"} hope that helps`

	codec := NewCodec()
	resp, err := codec.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, ActionFinish, resp.Action)
	assert.Equal(t, "SELECT COUNT(*) FROM orders", resp.Content)
}

func TestDecodeMalformedDegradesToFinish(t *testing.T) {
	t.Parallel()

	codec := NewCodec()
	resp, err := codec.Decode("I could not produce JSON, sorry.")

	require.Error(t, err)
	var derr *DecodeError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, ActionFinish, resp.Action)
	assert.Equal(t, "I could not produce JSON, sorry.", resp.Content)
}

func TestDecodeUnknownActionDegrades(t *testing.T) {
	t.Parallel()

	codec := NewCodec()
	resp, err := codec.Decode(`{"action":"dance","content":"x"}`)

	var derr *DecodeError
	require.ErrorAs(t, err, &derr)
	assert.Contains(t, derr.Reason, "unknown action")
	assert.Equal(t, ActionFinish, resp.Action)
}

func TestDecodeLenientVariants(t *testing.T) {
	t.Parallel()

	codec := NewCodec()

	t.Run("snake_case tool_calls", func(t *testing.T) {
		resp, err := codec.Decode(`{"action":"tool_call","tool_calls":[{"name":"sql.validate","arguments":{"sql":"SELECT 1"}}]}`)
		require.NoError(t, err)
		require.Len(t, resp.ToolCalls, 1)
		assert.Equal(t, "sql.validate", resp.ToolCalls[0].Name)
	})

	t.Run("double-encoded arguments", func(t *testing.T) {
		resp, err := codec.Decode(`{"action":"tool_call","toolCalls":[{"name":"sql.validate","arguments":"{\"sql\":\"SELECT 1\"}"}]}`)
		require.NoError(t, err)
		require.Len(t, resp.ToolCalls, 1)
		assert.JSONEq(t, `{"sql":"SELECT 1"}`, string(resp.ToolCalls[0].Arguments))
	})

	t.Run("missing action with calls", func(t *testing.T) {
		resp, err := codec.Decode(`{"toolCalls":[{"name":"data.preview","arguments":{}}]}`)
		require.NoError(t, err)
		assert.Equal(t, ActionToolCall, resp.Action)
	})

	t.Run("answer fallback key", func(t *testing.T) {
		resp, err := codec.Decode(`{"action":"finish","answer":"forty-two"}`)
		require.NoError(t, err)
		assert.Equal(t, "forty-two", resp.Content)
	})

	t.Run("object content keeps JSON form", func(t *testing.T) {
		resp, err := codec.Decode(`{"action":"finish","content":{"type":"line","title":"Monthly Sales"}}`)
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"line","title":"Monthly Sales"}`, resp.Content)
	})
}

func TestDecodeToolCallWithoutCallsDegrades(t *testing.T) {
	t.Parallel()

	codec := NewCodec()
	resp, err := codec.Decode(`{"action":"tool_call"}`)

	var derr *DecodeError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, ActionFinish, resp.Action)
}

func TestCatalogSection(t *testing.T) {
	t.Parallel()

	type params struct {
		Query string `json:"query" jsonschema:"required,description=Search text"`
		TopK  int    `json:"top_k,omitempty" jsonschema:"description=How many tables to return"`
	}
	def, err := tools.NewDefinition("schema.search_tables", "Search tables by keyword.", params{},
		func(ctx context.Context, args json.RawMessage) (string, error) { return "", nil })
	require.NoError(t, err)

	codec := NewCodec()
	catalog := codec.CatalogSection([]tools.Definition{*def})

	assert.Contains(t, catalog, "### schema.search_tables")
	assert.Contains(t, catalog, "Search tables by keyword.")
	assert.Contains(t, catalog, "query (string, required): Search text")
	assert.Contains(t, catalog, "top_k (integer)")

	contract := codec.ContractSection()
	assert.Contains(t, contract, `"tool_call" | "finish"`)
	assert.Contains(t, contract, "exactly one JSON object")
}
