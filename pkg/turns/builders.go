package turns

// NewSystemMessage builds a system-role message.
func NewSystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

// NewUserMessage builds a user-role message.
func NewUserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// NewAssistantMessage builds an assistant-role message.
func NewAssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

// NewToolMessage builds a tool-result message linked to the call it answers.
func NewToolMessage(callID, name, content string) Message {
	return Message{Role: RoleTool, Content: content, Name: name, ToolCallID: callID}
}

// AppendMessages returns a fresh slice containing history followed by msgs.
// The input slice is never mutated; callers holding earlier snapshots keep
// seeing their own view of the transcript.
func AppendMessages(history []Message, msgs ...Message) []Message {
	out := make([]Message, 0, len(history)+len(msgs))
	out = append(out, history...)
	out = append(out, msgs...)
	return out
}
