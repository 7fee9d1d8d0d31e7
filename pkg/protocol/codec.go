package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/gazette/pkg/tools"
	"github.com/go-go-golems/gazette/pkg/turns"
)

// Action is what the model decided to do with its turn.
type Action string

const (
	ActionToolCall Action = "tool_call"
	ActionFinish   Action = "finish"
)

// ModelResponse is the decoded form of one model reply.
type ModelResponse struct {
	Reasoning string
	Action    Action
	ToolCalls []turns.ToolCall
	Content   string
}

// DecodeError reports a model reply that did not follow the contract. It is
// non-fatal: the codec degrades to treating the raw text as finish content
// and the caller logs the error.
type DecodeError struct {
	Raw    string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("protocol decode: %s", e.Reason)
}

var _ error = (*DecodeError)(nil)

// Codec renders the tool catalog and response contract into prompt text and
// decodes model replies. The model channel is a single text prompt in and a
// single text reply out, so tool calling is simulated entirely through this
// textual contract.
type Codec struct{}

func NewCodec() Codec {
	return Codec{}
}

// CatalogSection renders the tool catalog injected into system instructions.
func (c Codec) CatalogSection(defs []tools.Definition) string {
	var sb strings.Builder
	sb.WriteString("## Available tools\n")
	if len(defs) == 0 {
		sb.WriteString("\n(no tools are available; finish directly)\n")
		return sb.String()
	}
	for _, def := range defs {
		sb.WriteString("\n### ")
		sb.WriteString(def.Name)
		sb.WriteString("\n")
		if def.Description != "" {
			sb.WriteString(def.Description)
			sb.WriteString("\n")
		}
		sb.WriteString(renderParameters(def))
	}
	return sb.String()
}

func renderParameters(def tools.Definition) string {
	schema := def.Parameters
	if schema == nil || schema.Properties == nil || schema.Properties.Len() == 0 {
		return "Parameters: none\n"
	}

	required := map[string]bool{}
	for _, name := range schema.Required {
		required[name] = true
	}

	var sb strings.Builder
	sb.WriteString("Parameters:\n")
	for pair := schema.Properties.Oldest(); pair != nil; pair = pair.Next() {
		name := pair.Key
		prop := pair.Value
		sb.WriteString("- ")
		sb.WriteString(name)
		sb.WriteString(" (")
		if prop.Type != "" {
			sb.WriteString(prop.Type)
		} else {
			sb.WriteString("any")
		}
		if required[name] {
			sb.WriteString(", required")
		}
		sb.WriteString(")")
		if prop.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(prop.Description)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// ContractSection renders the response-shape contract.
func (c Codec) ContractSection() string {
	return `## Response format

Reply with exactly one JSON object and nothing else:

{
  "reasoning": "one or two sentences on what you are doing and why",
  "action": "tool_call" | "finish",
  "toolCalls": [{"name": "<tool name>", "arguments": { ... }}],
  "content": "final output (only when action is finish)"
}

Rules:
- action "tool_call" requires at least one entry in toolCalls; arguments must satisfy the tool's parameter schema.
- action "finish" requires content and must not include toolCalls.
- Never invent tool names that are not in the catalog.
`
}

// Decode parses a model reply. It accepts a bare JSON object, a JSON string
// wrapping one, a fenced code block, or an object embedded in prose. A reply
// that cannot be decoded degrades to finish content carrying the raw text,
// returned together with a *DecodeError so the caller can log it; the run
// continues either way.
func (c Codec) Decode(raw string) (*ModelResponse, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return &ModelResponse{Action: ActionFinish}, &DecodeError{Raw: raw, Reason: "empty response"}
	}

	for _, candidate := range candidates(trimmed) {
		env, ok := parseEnvelope(candidate)
		if !ok {
			continue
		}
		resp, derr := env.toResponse(raw)
		if derr != nil {
			return resp, derr
		}
		log.Trace().Str("action", string(resp.Action)).Int("tool_calls", len(resp.ToolCalls)).Msg("protocol: decoded model response")
		return resp, nil
	}

	return &ModelResponse{Action: ActionFinish, Content: trimmed},
		&DecodeError{Raw: raw, Reason: "no tool-call envelope found, treating reply as finish content"}
}

// candidates lists the substrings that might hold the envelope, in
// decreasing order of trust.
func candidates(trimmed string) []string {
	out := []string{trimmed}

	// a JSON string literal wrapping the envelope
	if strings.HasPrefix(trimmed, `"`) {
		var inner string
		if err := json.Unmarshal([]byte(trimmed), &inner); err == nil {
			out = append(out, strings.TrimSpace(inner))
		}
	}

	out = append(out, fencedBlocks(trimmed)...)

	if start := strings.Index(trimmed, "{"); start >= 0 {
		if end := strings.LastIndex(trimmed, "}"); end > start {
			out = append(out, trimmed[start:end+1])
		}
	}

	return out
}

func fencedBlocks(s string) []string {
	var blocks []string
	for {
		start := strings.Index(s, "```")
		if start < 0 {
			break
		}
		rest := s[start+3:]
		nl := strings.IndexByte(rest, '\n')
		if nl < 0 {
			break
		}
		body := rest[nl+1:]
		end := strings.Index(body, "```")
		if end < 0 {
			break
		}
		blocks = append(blocks, strings.TrimSpace(body[:end]))
		s = body[end+3:]
	}
	return blocks
}

type envelopeCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type envelope struct {
	Reasoning      json.RawMessage `json:"reasoning"`
	Action         string          `json:"action"`
	ToolCalls      []envelopeCall  `json:"toolCalls"`
	ToolCallsSnake []envelopeCall  `json:"tool_calls"`
	Content        json.RawMessage `json:"content"`
	Answer         json.RawMessage `json:"answer"`
	Text           json.RawMessage `json:"text"`
	Result         json.RawMessage `json:"result"`
}

// parseEnvelope reports ok only when the candidate parses as JSON and holds
// something usable: an action, tool calls, or one of the content keys.
func parseEnvelope(candidate string) (*envelope, bool) {
	if !strings.HasPrefix(candidate, "{") {
		return nil, false
	}
	var env envelope
	if err := json.Unmarshal([]byte(candidate), &env); err != nil {
		return nil, false
	}
	if env.Action == "" && len(env.calls()) == 0 && env.contentText() == "" {
		return nil, false
	}
	return &env, true
}

func (e *envelope) calls() []envelopeCall {
	if len(e.ToolCalls) > 0 {
		return e.ToolCalls
	}
	return e.ToolCallsSnake
}

// contentText coerces whichever content key is set into text. String values
// are unquoted; anything else keeps its compact JSON form, which is what the
// chart stage emits.
func (e *envelope) contentText() string {
	for _, raw := range []json.RawMessage{e.Content, e.Answer, e.Text, e.Result} {
		if s := rawToText(raw); s != "" {
			return s
		}
	}
	return ""
}

func rawToText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err == nil {
		return buf.String()
	}
	return string(raw)
}

func (e *envelope) toResponse(raw string) (*ModelResponse, *DecodeError) {
	resp := &ModelResponse{Reasoning: rawToText(e.Reasoning)}

	calls := e.calls()
	switch e.Action {
	case string(ActionToolCall):
	case string(ActionFinish):
		calls = nil
	case "":
		// lenient: infer the action from what is present
		if len(calls) == 0 {
			resp.Action = ActionFinish
			resp.Content = e.contentText()
			return resp, nil
		}
	default:
		return &ModelResponse{Action: ActionFinish, Content: strings.TrimSpace(raw)},
			&DecodeError{Raw: raw, Reason: fmt.Sprintf("unknown action %q", e.Action)}
	}

	if len(calls) == 0 {
		resp.Action = ActionFinish
		resp.Content = e.contentText()
		if e.Action == string(ActionToolCall) {
			return &ModelResponse{Action: ActionFinish, Content: strings.TrimSpace(raw)},
				&DecodeError{Raw: raw, Reason: "action tool_call without toolCalls"}
		}
		return resp, nil
	}

	resp.Action = ActionToolCall
	for _, call := range calls {
		if call.Name == "" {
			continue
		}
		resp.ToolCalls = append(resp.ToolCalls, turns.ToolCall{
			ID:        uuid.NewString(),
			Name:      call.Name,
			Arguments: normalizeArguments(call.Arguments),
		})
	}
	if len(resp.ToolCalls) == 0 {
		return &ModelResponse{Action: ActionFinish, Content: strings.TrimSpace(raw)},
			&DecodeError{Raw: raw, Reason: "tool calls present but none carried a name"}
	}
	return resp, nil
}

// normalizeArguments compacts the arguments object and unwraps the
// double-encoded string form some models produce.
func normalizeArguments(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage("{}")
	}

	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err == nil {
			inner = strings.TrimSpace(inner)
			if strings.HasPrefix(inner, "{") && json.Valid([]byte(inner)) {
				raw = json.RawMessage(inner)
			}
		}
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return json.RawMessage("{}")
	}
	return json.RawMessage(buf.Bytes())
}
