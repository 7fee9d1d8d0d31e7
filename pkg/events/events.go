package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// EventType identifies one kind of pipeline event.
type EventType string

const (
	EventTypeStageStart    EventType = "stage-start"
	EventTypeToolCall      EventType = "tool-call"
	EventTypeToolResult    EventType = "tool-result"
	EventTypeQualityScore  EventType = "quality-score"
	EventTypeStageComplete EventType = "stage-complete"
	EventTypeFinish        EventType = "finish"
	EventTypeError         EventType = "error"
)

// EventMetadata travels with every event.
type EventMetadata struct {
	ID            uuid.UUID `json:"message_id"`
	RunID         string    `json:"run_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Stage         string    `json:"stage,omitempty"`
	Turn          int       `json:"turn,omitempty"`
	Timestamp     time.Time `json:"timestamp,omitempty"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("message_id", em.ID.String())
	if em.RunID != "" {
		e.Str("run_id", em.RunID)
	}
	if em.CorrelationID != "" {
		e.Str("correlation_id", em.CorrelationID)
	}
	if em.Stage != "" {
		e.Str("stage", em.Stage)
	}
	e.Int("turn", em.Turn)
}

// Event is one entry of the pipeline's output stream.
type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

// EventImpl carries the fields shared by all concrete events.
type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta,omitempty"`

	// payload keeps the raw JSON when the event was parsed off the wire
	payload []byte
}

func (e *EventImpl) Type() EventType         { return e.Type_ }
func (e *EventImpl) Metadata() EventMetadata { return e.Metadata_ }
func (e *EventImpl) Payload() []byte         { return e.payload }

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

// EventStageStart announces that a pipeline stage began.
type EventStageStart struct {
	EventImpl

	Stage string `json:"stage"`
}

func NewStageStartEvent(meta EventMetadata, stage string) *EventStageStart {
	stampMeta(&meta)
	return &EventStageStart{
		EventImpl: EventImpl{Type_: EventTypeStageStart, Metadata_: meta},
		Stage:     stage,
	}
}

// EventToolCall reports a tool invocation about to execute.
type EventToolCall struct {
	EventImpl

	Name  string `json:"name"`
	Input string `json:"input,omitempty"`
	// CallID is the generated id of the decoded call.
	CallID string `json:"call_id,omitempty"`
}

func NewToolCallEvent(meta EventMetadata, callID, name, input string) *EventToolCall {
	stampMeta(&meta)
	return &EventToolCall{
		EventImpl: EventImpl{Type_: EventTypeToolCall, Metadata_: meta},
		Name:      name,
		Input:     input,
		CallID:    callID,
	}
}

// EventToolResult reports the outcome of one tool invocation.
type EventToolResult struct {
	EventImpl

	Name   string `json:"name"`
	CallID string `json:"call_id,omitempty"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func NewToolResultEvent(meta EventMetadata, callID, name, result, errText string) *EventToolResult {
	stampMeta(&meta)
	return &EventToolResult{
		EventImpl: EventImpl{Type_: EventTypeToolResult, Metadata_: meta},
		Name:      name,
		CallID:    callID,
		Result:    result,
		Error:     errText,
	}
}

// EventQualityScore reports a scorer verdict for a candidate output.
type EventQualityScore struct {
	EventImpl

	Score      float64            `json:"score"`
	Threshold  float64            `json:"threshold"`
	Dimensions map[string]float64 `json:"dimensions,omitempty"`
	Issues     []string           `json:"issues,omitempty"`
}

func NewQualityScoreEvent(meta EventMetadata, score, threshold float64, dimensions map[string]float64, issues []string) *EventQualityScore {
	stampMeta(&meta)
	return &EventQualityScore{
		EventImpl:  EventImpl{Type_: EventTypeQualityScore, Metadata_: meta},
		Score:      score,
		Threshold:  threshold,
		Dimensions: dimensions,
		Issues:     issues,
	}
}

// EventStageComplete announces a finished stage and its accepted output.
type EventStageComplete struct {
	EventImpl

	Stage  string `json:"stage"`
	Output string `json:"output,omitempty"`
}

func NewStageCompleteEvent(meta EventMetadata, stage, output string) *EventStageComplete {
	stampMeta(&meta)
	return &EventStageComplete{
		EventImpl: EventImpl{Type_: EventTypeStageComplete, Metadata_: meta},
		Stage:     stage,
		Output:    output,
	}
}

// EventFinish closes the stream for one run.
type EventFinish struct {
	EventImpl

	Status string `json:"status"`
	Output string `json:"output,omitempty"`
}

func NewFinishEvent(meta EventMetadata, status, output string) *EventFinish {
	stampMeta(&meta)
	return &EventFinish{
		EventImpl: EventImpl{Type_: EventTypeFinish, Metadata_: meta},
		Status:    status,
		Output:    output,
	}
}

// EventError surfaces a terminal problem with guidance for the caller.
type EventError struct {
	EventImpl

	Kind     string `json:"kind"`
	Message  string `json:"message"`
	Guidance string `json:"guidance,omitempty"`
}

func NewErrorEvent(meta EventMetadata, kind, message, guidance string) *EventError {
	stampMeta(&meta)
	return &EventError{
		EventImpl: EventImpl{Type_: EventTypeError, Metadata_: meta},
		Kind:      kind,
		Message:   message,
		Guidance:  guidance,
	}
}

func stampMeta(meta *EventMetadata) {
	if meta.ID == uuid.Nil {
		meta.ID = uuid.New()
	}
	if meta.Timestamp.IsZero() {
		meta.Timestamp = time.Now()
	}
}

// NewEventFromJSON parses a serialized event back into its concrete type,
// used by router handlers reading watermill payloads.
func NewEventFromJSON(b []byte) (Event, error) {
	var base EventImpl
	if err := json.Unmarshal(b, &base); err != nil {
		return nil, errors.Wrap(err, "unmarshal event envelope")
	}
	base.payload = b

	var ret Event
	switch base.Type_ {
	case EventTypeStageStart:
		ret = &EventStageStart{}
	case EventTypeToolCall:
		ret = &EventToolCall{}
	case EventTypeToolResult:
		ret = &EventToolResult{}
	case EventTypeQualityScore:
		ret = &EventQualityScore{}
	case EventTypeStageComplete:
		ret = &EventStageComplete{}
	case EventTypeFinish:
		ret = &EventFinish{}
	case EventTypeError:
		ret = &EventError{}
	default:
		return nil, errors.Errorf("unknown event type %q", base.Type_)
	}

	if err := json.Unmarshal(b, ret); err != nil {
		return nil, errors.Wrapf(err, "unmarshal %s event", base.Type_)
	}
	setPayload(ret, b)
	return ret, nil
}

func setPayload(e Event, b []byte) {
	switch ev := e.(type) {
	case *EventStageStart:
		ev.payload = b
	case *EventToolCall:
		ev.payload = b
	case *EventToolResult:
		ev.payload = b
	case *EventQualityScore:
		ev.payload = b
	case *EventStageComplete:
		ev.payload = b
	case *EventFinish:
		ev.payload = b
	case *EventError:
		ev.payload = b
	}
}
