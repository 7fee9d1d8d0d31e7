package runloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/gazette/pkg/events"
	"github.com/go-go-golems/gazette/pkg/tools"
	"github.com/go-go-golems/gazette/pkg/turns"
)

const (
	finishReply = `{"action":"finish","content":"SELECT 1"}`
	listReply   = `{"action":"tool_call","toolCalls":[{"name":"schema.list_tables","arguments":{}}]}`
)

// scriptedEngine replays canned replies in order, repeating the last one once
// the script runs out.
type scriptedEngine struct {
	replies []string
	err     error
	calls   atomic.Int64
}

func (e *scriptedEngine) Complete(ctx context.Context, prompt string) (string, error) {
	n := int(e.calls.Add(1)) - 1
	if e.err != nil {
		return "", e.err
	}
	if n >= len(e.replies) {
		n = len(e.replies) - 1
	}
	return e.replies[n], nil
}

func probeReply(sql string) string {
	return fmt.Sprintf(`{"action":"tool_call","toolCalls":[{"name":"sql.probe","arguments":{"sql":%q}}]}`, sql)
}

func newLoopRegistry(t *testing.T, listCalls, probeCalls *atomic.Int64) tools.Registry {
	t.Helper()
	reg := tools.NewInMemoryRegistry()

	list, err := tools.NewDefinition("schema.list_tables", "List all tables", nil,
		func(ctx context.Context, args json.RawMessage) (string, error) {
			if listCalls != nil {
				listCalls.Add(1)
			}
			return "customers, orders", nil
		})
	require.NoError(t, err)
	require.NoError(t, reg.Register(*list))

	probe, err := tools.NewDefinition("sql.probe", "Probe a SQL statement", nil,
		func(ctx context.Context, args json.RawMessage) (string, error) {
			if probeCalls != nil {
				probeCalls.Add(1)
			}
			return "", errors.New("no such column: amt")
		})
	require.NoError(t, err)
	require.NoError(t, reg.Register(*probe))

	return reg
}

func staticBuilder(prompt string) PromptBuilder {
	return func(ctx context.Context, run *Run) (string, error) {
		return prompt, nil
	}
}

func TestRunFinishesWithoutTools(t *testing.T) {
	t.Parallel()

	eng := &scriptedEngine{replies: []string{finishReply}}
	ctrl := New(
		WithEngine(eng),
		WithRegistry(newLoopRegistry(t, nil, nil)),
		WithPromptBuilder(staticBuilder("generate sql")),
	)

	res, err := ctrl.Run(context.Background(), nil, turns.State{}, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "SELECT 1", res.Content)
	assert.Empty(t, res.Guidance)
	assert.Equal(t, int64(1), eng.calls.Load())
	assert.Equal(t, 0, res.State.Counter)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, turns.RoleAssistant, res.Messages[0].Role)
}

func TestRunExecutesToolsThenFinishes(t *testing.T) {
	t.Parallel()

	var listCalls atomic.Int64
	eng := &scriptedEngine{replies: []string{listReply, finishReply}}
	ctrl := New(
		WithEngine(eng),
		WithRegistry(newLoopRegistry(t, &listCalls, nil)),
		WithPromptBuilder(staticBuilder("generate sql")),
	)

	seed := []turns.Message{turns.NewUserMessage("monthly sales report")}
	res, err := ctrl.Run(context.Background(), nil, turns.State{}, seed)
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, int64(1), listCalls.Load())

	require.Len(t, res.Records, 1)
	assert.Equal(t, "schema.list_tables", res.Records[0].Call.Name)
	assert.Equal(t, "customers, orders", res.Records[0].Result)
	assert.NotEmpty(t, res.Records[0].Call.ID)
	assert.Equal(t, 0, res.Records[0].Turn)

	require.Len(t, res.Messages, 4)
	assert.Equal(t, turns.RoleUser, res.Messages[0].Role)
	assert.Equal(t, turns.RoleAssistant, res.Messages[1].Role)
	assert.Equal(t, turns.RoleTool, res.Messages[2].Role)
	assert.Equal(t, "customers, orders", res.Messages[2].Content)
	assert.Equal(t, turns.RoleAssistant, res.Messages[3].Role)

	assert.Equal(t, 1, res.State.Counter)
}

func TestRunStuckLoopDetection(t *testing.T) {
	t.Parallel()

	var listCalls atomic.Int64
	eng := &scriptedEngine{replies: []string{listReply}}
	ctrl := New(
		WithEngine(eng),
		WithRegistry(newLoopRegistry(t, &listCalls, nil)),
		WithPromptBuilder(staticBuilder("p")),
		WithConfig(NewConfig().WithMaxIterations(10).WithStuckWindow(3)),
	)

	res, err := ctrl.Run(context.Background(), nil, turns.State{}, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusStuckLoop, res.Status)
	assert.Equal(t, int64(3), eng.calls.Load(), "third identical batch must terminate the run")
	assert.Equal(t, int64(2), listCalls.Load(), "the detected batch must not execute")
	assert.Contains(t, res.Guidance, "repeated the identical tool-call batch 3 times")
	assert.Less(t, res.State.Counter, 10)

	last := res.Messages[len(res.Messages)-1]
	assert.Equal(t, turns.RoleSystem, last.Role)
	assert.Contains(t, last.Content, "loop detected")
}

func TestRunMaxIterationsReached(t *testing.T) {
	t.Parallel()

	eng := &scriptedEngine{replies: []string{
		listReply,
		probeReply("SELECT a"),
		listReply,
		probeReply("SELECT b"),
	}}
	ctrl := New(
		WithEngine(eng),
		WithRegistry(newLoopRegistry(t, nil, nil)),
		WithPromptBuilder(staticBuilder("p")),
		WithConfig(NewConfig().WithMaxIterations(4).WithFailureBudget(10)),
	)

	res, err := ctrl.Run(context.Background(), nil, turns.State{}, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusMaxIterationsReached, res.Status)
	assert.Equal(t, int64(4), eng.calls.Load())
	assert.True(t, res.State.IsFinal())
	assert.Contains(t, res.Guidance, "iteration cap of 4")
}

func TestRunCancelledBeforeStart(t *testing.T) {
	t.Parallel()

	eng := &scriptedEngine{replies: []string{finishReply}}
	ctrl := New(
		WithEngine(eng),
		WithRegistry(newLoopRegistry(t, nil, nil)),
		WithPromptBuilder(staticBuilder("p")),
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := ctrl.Run(ctx, nil, turns.State{}, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusCancelled, res.Status)
	assert.Equal(t, int64(0), eng.calls.Load(), "no model call may start after cancellation")
	assert.Contains(t, res.Guidance, "cancelled")
}

func TestRunMalformedReplyDegradesToFinish(t *testing.T) {
	t.Parallel()

	raw := "sure, here is the query: SELECT 1"
	eng := &scriptedEngine{replies: []string{raw}}
	ctrl := New(
		WithEngine(eng),
		WithRegistry(newLoopRegistry(t, nil, nil)),
		WithPromptBuilder(staticBuilder("p")),
	)

	res, err := ctrl.Run(context.Background(), nil, turns.State{}, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, raw, res.Content)
}

func TestRunFailureBudgetDisablesTool(t *testing.T) {
	t.Parallel()

	var probeCalls atomic.Int64
	eng := &scriptedEngine{replies: []string{
		probeReply("SELECT a"),
		probeReply("SELECT b"),
		probeReply("SELECT c"),
		finishReply,
	}}
	ctrl := New(
		WithEngine(eng),
		WithRegistry(newLoopRegistry(t, nil, &probeCalls)),
		WithPromptBuilder(staticBuilder("p")),
		WithConfig(NewConfig().WithMaxIterations(10).WithFailureBudget(2)),
	)

	res, err := ctrl.Run(context.Background(), nil, turns.State{}, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, int64(2), probeCalls.Load(), "disabled tool must not execute")

	require.Len(t, res.Records, 3)
	assert.Contains(t, res.Records[0].Error, "no such column")
	assert.Contains(t, res.Records[1].Error, "now disabled for the rest of this run")
	assert.Contains(t, res.Records[2].Error, "disabled for the rest of this run after repeated failures")
	assert.True(t, res.Records[2].Recoverable)
}

func TestRunModelFailuresExhaustBudget(t *testing.T) {
	t.Parallel()

	eng := &scriptedEngine{err: errors.New("connection refused")}
	ctrl := New(
		WithEngine(eng),
		WithRegistry(newLoopRegistry(t, nil, nil)),
		WithPromptBuilder(staticBuilder("p")),
		WithConfig(NewConfig().WithMaxIterations(10).WithFailureBudget(3)),
	)

	res, err := ctrl.Run(context.Background(), nil, turns.State{}, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, int64(3), eng.calls.Load())
	assert.Contains(t, res.Guidance, "failed 3 times in a row")
	assert.Contains(t, res.Guidance, "connection refused")
}

func TestRunPublishesToolEvents(t *testing.T) {
	t.Parallel()

	eng := &scriptedEngine{replies: []string{listReply, finishReply}}
	ctrl := New(
		WithEngine(eng),
		WithRegistry(newLoopRegistry(t, nil, nil)),
		WithPromptBuilder(staticBuilder("p")),
	)

	sink := events.NewChannelSink(16)
	ctx := events.WithSinks(context.Background(), sink)

	execCtx := turns.NewExecutionContext("user-1", "ds-1")
	execCtx.SetMeta("stage", "sql_generation")

	_, err := ctrl.Run(ctx, execCtx, turns.State{}, nil)
	require.NoError(t, err)

	sink.Close()
	var got []events.Event
	for ev := range sink.Events() {
		got = append(got, ev)
	}

	require.Len(t, got, 2)
	call, ok := got[0].(*events.EventToolCall)
	require.True(t, ok)
	assert.Equal(t, "schema.list_tables", call.Name)
	assert.Equal(t, "sql_generation", call.Metadata().Stage)
	assert.Equal(t, execCtx.RunID, call.Metadata().RunID)

	result, ok := got[1].(*events.EventToolResult)
	require.True(t, ok)
	assert.Equal(t, "customers, orders", result.Result)
}

func TestRunPromptBuilderSeesTranscript(t *testing.T) {
	t.Parallel()

	var prompts []string
	builder := func(ctx context.Context, run *Run) (string, error) {
		prompts = append(prompts, fmt.Sprintf("turn=%d messages=%d", run.State.Counter, len(run.Messages)))
		return "p", nil
	}

	eng := &scriptedEngine{replies: []string{listReply, finishReply}}
	ctrl := New(
		WithEngine(eng),
		WithRegistry(newLoopRegistry(t, nil, nil)),
		WithPromptBuilder(builder),
	)

	seed := []turns.Message{turns.NewUserMessage("report")}
	_, err := ctrl.Run(context.Background(), nil, turns.State{}, seed)
	require.NoError(t, err)

	assert.Equal(t, []string{"turn=0 messages=1", "turn=1 messages=3"}, prompts)
}

func TestRunThreadsExternalState(t *testing.T) {
	t.Parallel()

	prev := turns.NewState(5).Next().Next()

	eng := &scriptedEngine{replies: []string{finishReply}}
	ctrl := New(
		WithEngine(eng),
		WithRegistry(newLoopRegistry(t, nil, nil)),
		WithPromptBuilder(staticBuilder("p")),
	)

	res, err := ctrl.Run(context.Background(), nil, prev, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, prev.ID, res.State.ID)
	assert.Equal(t, 2, res.State.Counter)
}

func TestRunRequiresEngineAndBuilder(t *testing.T) {
	t.Parallel()

	_, err := New(WithRegistry(newLoopRegistry(t, nil, nil)), WithPromptBuilder(staticBuilder("p"))).
		Run(context.Background(), nil, turns.State{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine is nil")

	_, err = New(WithEngine(&scriptedEngine{}), WithRegistry(newLoopRegistry(t, nil, nil))).
		Run(context.Background(), nil, turns.State{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prompt builder is nil")
}

func TestSignatureWindow(t *testing.T) {
	t.Parallel()

	w := newSignatureWindow(3)
	assert.False(t, w.stuck())

	w.push("a")
	w.push("a")
	assert.False(t, w.stuck(), "window not yet full")

	w.push("a")
	assert.True(t, w.stuck())

	w.push("b")
	assert.False(t, w.stuck(), "a fresh signature clears the streak")

	assert.Equal(t, "b", w.last())
}
