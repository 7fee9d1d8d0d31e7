package runloop

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/gazette/pkg/engine"
	"github.com/go-go-golems/gazette/pkg/events"
	"github.com/go-go-golems/gazette/pkg/protocol"
	"github.com/go-go-golems/gazette/pkg/tools"
	"github.com/go-go-golems/gazette/pkg/turns"
)

// Status is the terminal state of one run.
type Status string

const (
	StatusSuccess              Status = "success"
	StatusMaxIterationsReached Status = "max-iterations-reached"
	StatusStuckLoop            Status = "stuck-loop"
	StatusCancelled            Status = "cancelled"
	StatusFailed               Status = "failed"
)

// Run is the live state of one control loop execution. It is handed to the
// prompt builder on every step so dynamic prompt sections can reflect the
// latest transcript.
type Run struct {
	Exec     *turns.ExecutionContext
	State    turns.State
	Messages []turns.Message
	Records  []turns.ToolCallRecord
	// Disabled lists tools removed from the run after exhausting their
	// failure budget, in the order they were disabled.
	Disabled []string
}

// PromptBuilder composes the full prompt for the next model call. It runs on
// every step, so schema context, previous errors and other dynamic sections
// may change between turns.
type PromptBuilder func(ctx context.Context, run *Run) (string, error)

// Result is the outcome of one run. Non-success statuses still carry the
// best partial content plus guidance for the caller.
type Result struct {
	Status   Status
	Content  string
	State    turns.State
	Messages []turns.Message
	Records  []turns.ToolCallRecord
	Guidance string
}

// Controller drives the turn loop: build prompt, call the model, decode,
// execute tools, fold results back, repeat. The loop is an explicit
// iteration over an accumulator plus an immutable state value, so
// cancellation can take effect at any depth without unwinding a call stack.
type Controller struct {
	eng      engine.Engine
	registry tools.Registry
	executor tools.Executor
	codec    protocol.Codec
	cfg      Config
	builder  PromptBuilder
}

type Option func(*Controller)

func WithEngine(eng engine.Engine) Option {
	return func(c *Controller) { c.eng = eng }
}

func WithRegistry(registry tools.Registry) Option {
	return func(c *Controller) { c.registry = registry }
}

func WithExecutor(executor tools.Executor) Option {
	return func(c *Controller) { c.executor = executor }
}

func WithCodec(codec protocol.Codec) Option {
	return func(c *Controller) { c.codec = codec }
}

func WithConfig(cfg Config) Option {
	return func(c *Controller) { c.cfg = cfg }
}

func WithPromptBuilder(builder PromptBuilder) Option {
	return func(c *Controller) { c.builder = builder }
}

func New(opts ...Option) *Controller {
	c := &Controller{
		codec: protocol.NewCodec(),
		cfg:   NewConfig(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.executor == nil {
		c.executor = tools.NewDefaultExecutor(tools.WithTimeout(c.cfg.ToolTimeout))
	}
	return c
}

// Run executes the loop until a terminal condition is hit. The initial state
// may carry a counter from a previous stage; a zero state starts fresh with
// the configured iteration cap. Terminal conditions are returned as Result
// statuses, not errors; the error return covers misconfiguration and prompt
// assembly failures only.
func (c *Controller) Run(ctx context.Context, execCtx *turns.ExecutionContext, initial turns.State, seed []turns.Message) (*Result, error) {
	if c.eng == nil {
		return nil, errors.New("runloop: engine is nil")
	}
	if c.registry == nil {
		return nil, errors.New("runloop: registry is nil")
	}
	if c.builder == nil {
		return nil, errors.New("runloop: prompt builder is nil")
	}
	if execCtx == nil {
		execCtx = turns.NewExecutionContext("", "")
	}

	run := &Run{
		Exec:     execCtx,
		State:    initial,
		Messages: append([]turns.Message(nil), seed...),
	}
	if run.State.ID == "" {
		run.State = turns.NewState(c.cfg.MaxIterations)
	}

	window := newSignatureWindow(c.cfg.StuckWindow)
	failures := map[string]int{}
	disabled := map[string]bool{}
	modelFailures := 0
	partial := ""

	for {
		if ctx.Err() != nil {
			log.Debug().Str("run_id", execCtx.RunID).Msg("runloop: run cancelled")
			return c.result(run, StatusCancelled, partial,
				"the run was cancelled; no further model or tool calls were started"), nil
		}
		if run.State.IsFinal() {
			log.Warn().
				Int("max_iterations", run.State.MaxIterations).
				Str("run_id", execCtx.RunID).
				Msg("runloop: maximum iterations reached")
			return c.result(run, StatusMaxIterationsReached, partial,
				fmt.Sprintf("the iteration cap of %d was reached before the model finished; the content is the best partial output, re-run with a higher cap or accept it", run.State.MaxIterations)), nil
		}

		prompt, err := c.builder(ctx, run)
		if err != nil {
			return nil, errors.Wrap(err, "runloop: build prompt")
		}

		log.Debug().
			Int("turn", run.State.Counter).
			Int("prompt_len", len(prompt)).
			Str("run_id", execCtx.RunID).
			Msg("runloop: model call")
		raw, err := c.eng.Complete(ctx, prompt)
		if err != nil {
			if ctx.Err() != nil {
				return c.result(run, StatusCancelled, partial,
					"the run was cancelled during a model call"), nil
			}
			modelFailures++
			log.Warn().Err(err).Int("consecutive_failures", modelFailures).Msg("runloop: model call failed")
			if modelFailures >= c.cfg.FailureBudget {
				return c.result(run, StatusFailed, partial,
					fmt.Sprintf("the model backend failed %d times in a row (%s); check connectivity and credentials before re-running", modelFailures, err)), nil
			}
			run.State = run.State.Next()
			continue
		}
		modelFailures = 0

		resp, derr := c.codec.Decode(raw)
		if derr != nil {
			log.Warn().Err(derr).Int("turn", run.State.Counter).Msg("runloop: malformed model reply, treating as finish")
		}
		run.Messages = turns.AppendMessages(run.Messages, turns.NewAssistantMessage(raw))
		if resp.Content != "" {
			partial = resp.Content
		}

		if resp.Action == protocol.ActionFinish || len(resp.ToolCalls) == 0 {
			log.Debug().Int("turn", run.State.Counter).Str("run_id", execCtx.RunID).Msg("runloop: finish")
			return c.result(run, StatusSuccess, resp.Content, ""), nil
		}

		window.push(turns.Signature(resp.ToolCalls))
		if window.stuck() {
			log.Warn().
				Int("window", window.size).
				Str("signature", window.last()).
				Str("run_id", execCtx.RunID).
				Msg("runloop: stuck loop detected")
			run.Messages = turns.AppendMessages(run.Messages, turns.NewSystemMessage(
				fmt.Sprintf("loop detected: the same tool-call batch was requested %d times in a row", window.size)))
			return c.result(run, StatusStuckLoop, partial,
				fmt.Sprintf("the model repeated the identical tool-call batch %d times; rephrase the request or adjust the available tools before re-running", window.size)), nil
		}

		records := c.executeBatch(ctx, run, resp.ToolCalls, failures, disabled)
		for _, rec := range records {
			run.Records = append(run.Records, rec)
			run.Messages = turns.AppendMessages(run.Messages,
				turns.NewToolMessage(rec.Call.ID, rec.Call.Name, toolMessageContent(rec)))
		}

		run.State = run.State.Next()
	}
}

// executeBatch dispatches one decoded batch. Disabled tools get a synthetic
// recoverable error record without touching the executor; everything else
// runs through it (sequential in declaration order, concurrency-safe tools
// joined in parallel). A tool crossing its failure budget is disabled for
// the rest of the run and the failure message says so.
func (c *Controller) executeBatch(ctx context.Context, run *Run, calls []turns.ToolCall, failures map[string]int, disabled map[string]bool) []turns.ToolCallRecord {
	stage, _ := run.Exec.Meta("stage")
	meta := events.EventMetadata{
		RunID:         run.Exec.RunID,
		CorrelationID: run.Exec.CorrelationID,
		Stage:         stage,
		Turn:          run.State.Counter,
	}

	records := make([]turns.ToolCallRecord, len(calls))
	var execIdx []int
	var execCalls []turns.ToolCall
	for i, call := range calls {
		events.PublishToContext(ctx, events.NewToolCallEvent(meta, call.ID, call.Name, string(call.Arguments)))
		if disabled[call.Name] {
			records[i] = turns.ToolCallRecord{
				Call:        call,
				Error:       fmt.Sprintf("tool %s is disabled for the rest of this run after repeated failures; do not call it again", call.Name),
				Recoverable: true,
			}
			continue
		}
		execIdx = append(execIdx, i)
		execCalls = append(execCalls, call)
	}

	executed := c.executor.ExecuteBatch(ctx, execCalls, c.registry)
	for j, i := range execIdx {
		records[i] = executed[j]
	}

	for i := range records {
		records[i].Turn = run.State.Counter
		rec := records[i]
		if rec.Error != "" && !disabled[rec.Call.Name] {
			failures[rec.Call.Name]++
			if failures[rec.Call.Name] >= c.cfg.FailureBudget {
				disabled[rec.Call.Name] = true
				run.Disabled = append(run.Disabled, rec.Call.Name)
				records[i].Error = fmt.Sprintf("%s (the tool failed %d times and is now disabled for the rest of this run)",
					rec.Error, failures[rec.Call.Name])
				log.Warn().
					Str("tool", rec.Call.Name).
					Int("failures", failures[rec.Call.Name]).
					Msg("runloop: tool disabled after exhausting its failure budget")
			}
		}
		events.PublishToContext(ctx, events.NewToolResultEvent(meta,
			records[i].Call.ID, records[i].Call.Name, records[i].Result, records[i].Error))
	}

	return records
}

func (c *Controller) result(run *Run, status Status, content, guidance string) *Result {
	return &Result{
		Status:   status,
		Content:  content,
		State:    run.State,
		Messages: run.Messages,
		Records:  run.Records,
		Guidance: guidance,
	}
}

func toolMessageContent(rec turns.ToolCallRecord) string {
	if rec.Error != "" {
		return "error: " + rec.Error
	}
	return rec.Result
}

// signatureWindow holds the signatures of the most recent tool-call batches.
type signatureWindow struct {
	size int
	sigs []string
}

func newSignatureWindow(size int) *signatureWindow {
	if size < 2 {
		size = 2
	}
	return &signatureWindow{size: size}
}

func (w *signatureWindow) push(sig string) {
	w.sigs = append(w.sigs, sig)
	if len(w.sigs) > w.size {
		w.sigs = w.sigs[len(w.sigs)-w.size:]
	}
}

// stuck reports whether the window is full and every signature in it is
// identical.
func (w *signatureWindow) stuck() bool {
	if len(w.sigs) < w.size {
		return false
	}
	first := w.sigs[0]
	for _, s := range w.sigs[1:] {
		if s != first {
			return false
		}
	}
	return true
}

func (w *signatureWindow) last() string {
	if len(w.sigs) == 0 {
		return ""
	}
	return w.sigs[len(w.sigs)-1]
}
