package retry

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// maxRetries is the hard cap on regeneration attempts per unit. A second
// downstream failure is terminal, never retried again.
const maxRetries = 1

// RetryContext tells a regeneration attempt what failed and why. The first
// generation of every unit runs without one.
type RetryContext struct {
	OriginalSQL  string
	ErrorMessage string
	ErrorType    Classification
	RetryCount   int
	MaxRetries   int
}

// Unit is one SQL unit of work: a generator that produces a statement and
// the downstream execution the orchestrator watches for failure. Generate is
// called with a nil RetryContext on the first, static-only attempt; a non-nil
// RetryContext marks the single regeneration attempt, which is also the only
// attempt permitted to run a live validation query.
type Unit struct {
	Generate func(ctx context.Context, rc *RetryContext) (string, error)
	RunSQL   func(ctx context.Context, sql string) error
}

// Outcome reports the accepted SQL and how it got there. Classification keeps
// the cause of the first downstream failure even when the regeneration
// succeeded, so callers can see what was fixed.
type Outcome struct {
	SQL            string
	Attempts       int
	Regenerated    bool
	Classification Classification
}

// Error is the terminal failure of a unit. It carries the classification so
// callers can route infrastructure failures away from generation bugs.
type Error struct {
	Classification Classification
	SQL            string
	Cause          error
}

func (e *Error) Error() string {
	return fmt.Sprintf("retry: terminal %s failure: %v", e.Classification, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Orchestrator runs SQL units with the hybrid strategy: a static-only first
// generation, then at most one regeneration after a confirmed downstream
// failure. Connection and permission failures skip regeneration entirely,
// new SQL cannot fix those.
type Orchestrator struct{}

func New() *Orchestrator {
	return &Orchestrator{}
}

// Execute runs one unit. The returned Outcome is non-nil whenever at least
// one statement was generated, including alongside a terminal *Error.
func (o *Orchestrator) Execute(ctx context.Context, unit Unit) (*Outcome, error) {
	if unit.Generate == nil {
		return nil, errors.New("retry: unit has no generator")
	}
	if unit.RunSQL == nil {
		return nil, errors.New("retry: unit has no runner")
	}

	sql, err := unit.Generate(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "retry: first generation")
	}
	out := &Outcome{SQL: sql, Attempts: 1}

	runErr := unit.RunSQL(ctx, sql)
	if runErr == nil {
		return out, nil
	}

	class := Classify(runErr)
	out.Classification = class
	log.Warn().
		Str("classification", string(class)).
		Err(runErr).
		Msg("retry: downstream execution failed")

	if class.Infrastructure() {
		return out, &Error{Classification: class, SQL: sql, Cause: runErr}
	}

	rc := &RetryContext{
		OriginalSQL:  sql,
		ErrorMessage: runErr.Error(),
		ErrorType:    class,
		RetryCount:   1,
		MaxRetries:   maxRetries,
	}
	regen, err := unit.Generate(ctx, rc)
	if err != nil {
		return out, errors.Wrap(err, "retry: regeneration")
	}
	out.SQL = regen
	out.Attempts = 2
	out.Regenerated = true

	if runErr = unit.RunSQL(ctx, regen); runErr != nil {
		class = Classify(runErr)
		out.Classification = class
		log.Warn().
			Str("classification", string(class)).
			Err(runErr).
			Msg("retry: regenerated statement failed, giving up")
		return out, &Error{Classification: class, SQL: regen, Cause: runErr}
	}

	log.Debug().
		Str("classification", string(out.Classification)).
		Msg("retry: regeneration fixed the statement")
	return out, nil
}
