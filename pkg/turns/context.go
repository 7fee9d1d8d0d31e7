package turns

import (
	"sync"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v3"
)

// ExecutionContext carries run-scoped identity and metadata across turns and
// stage switches. Metadata follows single-writer-per-key discipline; all
// access goes through the lock. Cancellation rides on the context.Context
// passed to every call, not on this struct.
type ExecutionContext struct {
	RunID         string
	CorrelationID string
	UserID        string
	DataSourceID  string

	mu       sync.RWMutex
	metadata map[string]string
}

// NewExecutionContext creates the shared context for one run with a fresh
// run id and a prefixed short correlation id.
func NewExecutionContext(userID, dataSourceID string) *ExecutionContext {
	return &ExecutionContext{
		RunID:         uuid.NewString(),
		CorrelationID: "run_" + shortuuid.New(),
		UserID:        userID,
		DataSourceID:  dataSourceID,
		metadata:      map[string]string{},
	}
}

// SetMeta stores one metadata entry.
func (e *ExecutionContext) SetMeta(key, value string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.metadata == nil {
		e.metadata = map[string]string{}
	}
	e.metadata[key] = value
}

// Meta reads one metadata entry.
func (e *ExecutionContext) Meta(key string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.metadata[key]
	return v, ok
}

// MetaSnapshot returns a copy of the metadata map.
func (e *ExecutionContext) MetaSnapshot() map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		out[k] = v
	}
	return out
}
