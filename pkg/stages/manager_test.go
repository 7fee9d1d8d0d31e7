package stages

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/gazette/pkg/tools"
)

func registryWith(t *testing.T, names ...string) tools.Registry {
	t.Helper()
	reg := tools.NewInMemoryRegistry()
	for _, name := range names {
		def, err := tools.NewDefinition(name, name, nil,
			func(ctx context.Context, args json.RawMessage) (string, error) {
				return "", nil
			})
		require.NoError(t, err)
		require.NoError(t, reg.Register(*def))
	}
	return reg
}

func TestParse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want Stage
	}{
		{"sql_generation", SQLGeneration},
		{"SQLGeneration", SQLGeneration},
		{"chart generation", ChartGeneration},
		{"document-generation", DocumentGeneration},
		{"  sql_validation  ", SQLValidation},
	}
	for _, tc := range cases {
		got, err := Parse(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	_, err := Parse("deploy")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown stage "deploy"`)
}

func TestDefaultSpecs(t *testing.T) {
	t.Parallel()

	m, err := NewManager()
	require.NoError(t, err)

	assert.InDelta(t, 0.80, m.Threshold(SQLGeneration), 1e-9)
	assert.InDelta(t, 0.80, m.Threshold(SQLValidation), 1e-9)
	assert.InDelta(t, 0.75, m.Threshold(ChartGeneration), 1e-9)
	assert.InDelta(t, 0.85, m.Threshold(DocumentGeneration), 1e-9)

	for _, stage := range All() {
		spec, ok := m.Spec(stage)
		require.True(t, ok, stage)
		assert.Positive(t, spec.TokenBudget, stage)
		assert.NotEmpty(t, spec.Template, stage)
	}

	_, ok := m.Spec(Stage("deploy"))
	assert.False(t, ok)
}

func TestRenderPromptSQLGeneration(t *testing.T) {
	t.Parallel()

	m, err := NewManager()
	require.NoError(t, err)

	out, err := m.RenderPrompt(SQLGeneration, PromptData{
		Placeholder:   "  monthly sales by region  ",
		Intent:        "track regional performance",
		SchemaContext: "Allowed tables: orders (id, amount, created_at)",
	})
	require.NoError(t, err)

	assert.Contains(t, out, "Placeholder: monthly sales by region\n", "placeholder is trimmed")
	assert.Contains(t, out, "Business intent: track regional performance")
	assert.NotContains(t, out, "Target objective")
	assert.Contains(t, out, "Time window: the last 30 days", "empty window falls back to the default")
	assert.Contains(t, out, "Allowed tables: orders (id, amount, created_at)")
	assert.Contains(t, out, "{{start_date}}")
	assert.Contains(t, out, "{{end_date}}")
}

func TestRenderPromptSQLValidation(t *testing.T) {
	t.Parallel()

	m, err := NewManager()
	require.NoError(t, err)

	out, err := m.RenderPrompt(SQLValidation, PromptData{
		SQL:           "SELECT amt FROM orders",
		ErrorInfo:     "column-not-found: no such column: amt",
		SchemaContext: "Allowed tables: orders (id, amount)",
	})
	require.NoError(t, err)

	assert.Contains(t, out, "SELECT amt FROM orders")
	assert.Contains(t, out, "column-not-found: no such column: amt")
	assert.Contains(t, out, "sql.probe")
}

func TestRenderPromptDocumentOmitsEmptySections(t *testing.T) {
	t.Parallel()

	m, err := NewManager()
	require.NoError(t, err)

	out, err := m.RenderPrompt(DocumentGeneration, PromptData{
		Placeholder: "quarterly revenue",
		TimeWindow:  "2026-01-01 to 2026-03-31",
		SQL:         "SELECT 1",
	})
	require.NoError(t, err)

	assert.Contains(t, out, "Time window: 2026-01-01 to 2026-03-31")
	assert.Contains(t, out, "Accepted SQL:")
	assert.NotContains(t, out, "Data preview:")
	assert.NotContains(t, out, "Chart specification:")
}

func TestRenderPromptUnknownStage(t *testing.T) {
	t.Parallel()

	m, err := NewManager()
	require.NoError(t, err)

	_, err = m.RenderPrompt(Stage("deploy"), PromptData{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no template for stage deploy")
}

func TestRegistrySubsetsPerStage(t *testing.T) {
	t.Parallel()

	full := registryWith(t,
		"schema.search_tables", "schema.describe_table",
		"sql.validate", "sql.probe", "data.preview")

	m, err := NewManager()
	require.NoError(t, err)

	assert.Len(t, m.Registry(SQLGeneration, full).List(), 3)
	assert.Len(t, m.Registry(SQLValidation, full).List(), 4)
	assert.Len(t, m.Registry(ChartGeneration, full).List(), 1)
	assert.Empty(t, m.Registry(DocumentGeneration, full).List())

	gen := m.Registry(SQLGeneration, full)
	_, err = gen.Get("sql.probe")
	require.Error(t, err, "probe is reserved for the validation stage")

	require.NoError(t, gen.Unregister("sql.validate"))
	assert.Len(t, full.List(), 5, "the subset is a copy, the full registry keeps all tools")
}

func TestWithSpecOverride(t *testing.T) {
	t.Parallel()

	m, err := NewManager(WithSpec(Spec{
		Stage:     ChartGeneration,
		Tools:     []string{"data.preview"},
		Template:  "CUSTOM {{ .Placeholder }}",
		Threshold: 0.9,
	}))
	require.NoError(t, err)

	out, err := m.RenderPrompt(ChartGeneration, PromptData{Placeholder: "x"})
	require.NoError(t, err)
	assert.Equal(t, "CUSTOM x", out)
	assert.InDelta(t, 0.9, m.Threshold(ChartGeneration), 1e-9)
}

func TestWithThresholdOverride(t *testing.T) {
	t.Parallel()

	m, err := NewManager(WithThreshold(SQLGeneration, 0.95))
	require.NoError(t, err)
	assert.InDelta(t, 0.95, m.Threshold(SQLGeneration), 1e-9)
}

func TestNewManagerRejectsBrokenTemplate(t *testing.T) {
	t.Parallel()

	_, err := NewManager(WithSpec(Spec{Stage: Stage("broken"), Template: "{{ .Oops"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse template for broken")
}
