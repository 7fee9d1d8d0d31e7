package turns

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a transcript message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in a run transcript. Transcripts are additive:
// helpers return fresh slices and earlier entries are never rewritten.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// Name carries the tool name for RoleTool messages.
	Name string `json:"name,omitempty"`
	// ToolCallID links a RoleTool message back to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall is a decoded request to execute one tool. IDs are generated at
// decode time, never taken from model output.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolCallRecord is the executed form of a ToolCall.
type ToolCallRecord struct {
	Call        ToolCall      `json:"call"`
	Result      string        `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
	Recoverable bool          `json:"recoverable,omitempty"`
	Duration    time.Duration `json:"duration"`
	// Turn is the loop counter at which the call executed.
	Turn int `json:"turn"`
}

// State tracks the progression of one control loop. Values are immutable:
// Next returns a fresh instance and leaves the receiver untouched, so a
// stage switch can thread the previous stage's final state into the next
// stage without resetting the counter.
type State struct {
	ID            string `json:"id"`
	ParentID      string `json:"parent_id,omitempty"`
	Counter       int    `json:"counter"`
	MaxIterations int    `json:"max_iterations"`
}

// NewState returns the initial state of a run, counter zero.
func NewState(maxIterations int) State {
	return State{
		ID:            uuid.NewString(),
		MaxIterations: maxIterations,
	}
}

// Next derives the state for the following turn. The receiver is unchanged.
func (s State) Next() State {
	return State{
		ID:            uuid.NewString(),
		ParentID:      s.ID,
		Counter:       s.Counter + 1,
		MaxIterations: s.MaxIterations,
	}
}

// IsFinal reports whether the iteration budget is exhausted.
func (s State) IsFinal() bool {
	return s.Counter >= s.MaxIterations
}

// Remaining returns the number of turns left before the cap.
func (s State) Remaining() int {
	r := s.MaxIterations - s.Counter
	if r < 0 {
		return 0
	}
	return r
}
