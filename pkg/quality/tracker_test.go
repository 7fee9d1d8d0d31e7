package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/gazette/pkg/turns"
)

func TestTrackerShouldContinue(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	state := turns.NewState(10)

	met := Snapshot{Stage: "sql_generation", Score: 0.85, Threshold: 0.80}
	assert.False(t, tr.ShouldContinue(met, state))

	low := Snapshot{Stage: "sql_generation", Score: 0.50, Threshold: 0.80}
	assert.True(t, tr.ShouldContinue(low, state))

	exhausted := turns.NewState(1).Next()
	assert.False(t, tr.ShouldContinue(low, exhausted))
}

func TestTrackerStagnation(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	state := turns.NewState(10)

	for _, score := range []float64{0.50, 0.505, 0.508} {
		tr.Record(Snapshot{Stage: "chart_generation", Score: score, Threshold: 0.75})
	}
	flat := Snapshot{Stage: "chart_generation", Score: 0.508, Threshold: 0.75}
	assert.False(t, tr.ShouldContinue(flat, state))

	for _, score := range []float64{0.30, 0.45, 0.60} {
		tr.Record(Snapshot{Stage: "document_generation", Score: score, Threshold: 0.85})
	}
	moving := Snapshot{Stage: "document_generation", Score: 0.60, Threshold: 0.85}
	assert.True(t, tr.ShouldContinue(moving, state))
}

func TestTrackerBestAndHistory(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	_, ok := tr.Best("sql_generation")
	assert.False(t, ok)

	tr.Record(Snapshot{Stage: "sql_generation", Score: 0.50})
	tr.Record(Snapshot{Stage: "sql_generation", Score: 0.72})
	tr.Record(Snapshot{Stage: "sql_generation", Score: 0.61})

	best, ok := tr.Best("sql_generation")
	require.True(t, ok)
	assert.Equal(t, 0.72, best.Score)

	hist := tr.History("sql_generation")
	require.Len(t, hist, 3)
	assert.Equal(t, 0.50, hist[0].Score)
	assert.Equal(t, 0.61, hist[2].Score)

	hist[0].Score = 0.99
	again := tr.History("sql_generation")
	assert.Equal(t, 0.50, again[0].Score)
}
