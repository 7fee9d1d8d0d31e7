package tools

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/gazette/pkg/turns"
)

// Executor dispatches decoded tool calls against a registry.
type Executor interface {
	ExecuteCall(ctx context.Context, call turns.ToolCall, registry Registry) turns.ToolCallRecord
	ExecuteBatch(ctx context.Context, calls []turns.ToolCall, registry Registry) []turns.ToolCallRecord
}

// DefaultExecutor validates arguments against each tool's schema before
// dispatch and treats every failure as recoverable: the error lands in the
// record, never aborts the batch.
type DefaultExecutor struct {
	timeout     time.Duration
	maxParallel int
}

type ExecutorOption func(*DefaultExecutor)

// WithTimeout caps the duration of a single tool call.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *DefaultExecutor) { e.timeout = d }
}

// WithMaxParallel caps how many concurrency-safe calls run at once.
func WithMaxParallel(n int) ExecutorOption {
	return func(e *DefaultExecutor) { e.maxParallel = n }
}

func NewDefaultExecutor(opts ...ExecutorOption) *DefaultExecutor {
	e := &DefaultExecutor{
		timeout:     30 * time.Second,
		maxParallel: 3,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// ExecuteCall runs one tool call and returns its record. The record's Turn
// field is left for the caller to fill in.
func (e *DefaultExecutor) ExecuteCall(ctx context.Context, call turns.ToolCall, registry Registry) turns.ToolCallRecord {
	start := time.Now()
	rec := turns.ToolCallRecord{Call: call}

	def, err := registry.Get(call.Name)
	if err != nil {
		execErr := &ExecutionError{Tool: call.Name, Kind: ErrorKindNotFound, Message: err.Error()}
		rec.Error = execErr.Error()
		rec.Recoverable = true
		rec.Duration = time.Since(start)
		return rec
	}

	if verr := e.validateArguments(def, call.Arguments); verr != nil {
		rec.Error = verr.Error()
		rec.Recoverable = true
		rec.Duration = time.Since(start)
		return rec
	}

	execCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	log.Debug().Str("tool", call.Name).Str("call_id", call.ID).Msg("tools: executing call")
	result, err := def.Handler(execCtx, normalizeArgs(call.Arguments))
	rec.Duration = time.Since(start)
	if err != nil {
		kind := ErrorKindExecution
		if execCtx.Err() == context.DeadlineExceeded {
			kind = ErrorKindTimeout
		}
		execErr := &ExecutionError{Tool: call.Name, Kind: kind, Message: err.Error()}
		rec.Error = execErr.Error()
		rec.Recoverable = true
		return rec
	}

	rec.Result = result
	return rec
}

// ExecuteBatch runs a batch of calls, sequential in declaration order except
// for concurrency-safe tools, which run in parallel and are joined before
// returning. Records come back in declaration order either way.
func (e *DefaultExecutor) ExecuteBatch(ctx context.Context, calls []turns.ToolCall, registry Registry) []turns.ToolCallRecord {
	if len(calls) == 0 {
		return nil
	}

	records := make([]turns.ToolCallRecord, len(calls))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(e.maxParallel)

	var sequential []int
	for i, call := range calls {
		def, err := registry.Get(call.Name)
		if err == nil && def.ConcurrencySafe {
			i, call := i, call
			eg.Go(func() error {
				records[i] = e.ExecuteCall(egCtx, call, registry)
				return nil
			})
			continue
		}
		sequential = append(sequential, i)
	}

	for _, i := range sequential {
		records[i] = e.ExecuteCall(ctx, calls[i], registry)
	}

	_ = eg.Wait()
	return records
}

// validateArguments checks the call's JSON against the reflected parameter
// schema. A failure is a recoverable validation error so the model can
// correct itself next turn.
func (e *DefaultExecutor) validateArguments(def *Definition, args json.RawMessage) *ExecutionError {
	if def.Parameters == nil {
		return nil
	}
	schemaJSON, err := json.Marshal(def.Parameters)
	if err != nil {
		return &ExecutionError{Tool: def.Name, Kind: ErrorKindValidation, Message: err.Error()}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewBytesLoader(normalizeArgs(args)),
	)
	if err != nil {
		return &ExecutionError{Tool: def.Name, Kind: ErrorKindValidation, Message: err.Error()}
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, resErr := range result.Errors() {
			msgs = append(msgs, resErr.String())
		}
		return &ExecutionError{Tool: def.Name, Kind: ErrorKindValidation, Message: strings.Join(msgs, "; ")}
	}
	return nil
}

func normalizeArgs(args json.RawMessage) json.RawMessage {
	if len(args) == 0 {
		return json.RawMessage("{}")
	}
	return args
}

var _ Executor = (*DefaultExecutor)(nil)
