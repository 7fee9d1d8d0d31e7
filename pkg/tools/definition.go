package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
)

// Handler executes one tool call. Arguments arrive as the raw JSON object
// the model supplied, already validated against the definition's schema.
// Results are strings because they are folded straight back into the
// transcript.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// Definition describes one callable tool: its catalog identity, the JSON
// schema its arguments must satisfy, and the handler dispatching it.
// Dotted names like "schema.list_tables" are the naming convention.
type Definition struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  *jsonschema.Schema `json:"parameters"`
	// ConcurrencySafe marks tools that may run in parallel within one turn.
	ConcurrencySafe bool    `json:"concurrency_safe,omitempty"`
	Handler         Handler `json:"-"`
}

type DefinitionOption func(*Definition)

// WithConcurrencySafe allows the executor to run this tool in parallel with
// other concurrency-safe calls of the same batch.
func WithConcurrencySafe() DefinitionOption {
	return func(d *Definition) { d.ConcurrencySafe = true }
}

// NewDefinition builds a Definition, reflecting the parameter struct into a
// JSON schema. Pass a nil params value for tools without arguments.
func NewDefinition(name, description string, params interface{}, handler Handler, opts ...DefinitionOption) (*Definition, error) {
	if name == "" {
		return nil, errors.New("tool name cannot be empty")
	}
	if handler == nil {
		return nil, errors.Errorf("tool %s has no handler", name)
	}

	def := &Definition{
		Name:        name,
		Description: description,
		Parameters:  reflectSchema(params),
		Handler:     handler,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(def)
		}
	}
	return def, nil
}

// reflectSchema expands the parameter struct inline instead of using $refs
// so the schema can be rendered into the textual catalog as-is.
func reflectSchema(params interface{}) *jsonschema.Schema {
	if params == nil {
		return &jsonschema.Schema{Type: "object"}
	}
	reflector := jsonschema.Reflector{
		DoNotReference: true,
	}
	schema := reflector.Reflect(params)
	if schema.Type == "" && schema.Ref == "" {
		schema.Type = "object"
	}
	return schema
}

// Error kinds for ExecutionError.
const (
	ErrorKindValidation = "validation"
	ErrorKindExecution  = "execution"
	ErrorKindTimeout    = "timeout"
	ErrorKindNotFound   = "not_found"
)

// ExecutionError is a recoverable tool failure. The controller folds it back
// into the transcript as a synthetic error result and counts it against the
// tool's failure budget.
type ExecutionError struct {
	Tool    string `json:"tool"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s [%s]: %s", e.Tool, e.Kind, e.Message)
}
