// Package claudecli provides types and a client for the headless stream-json
// protocol spoken by LLM CLI binaries. The CLI emits one JSON object per line
// on stdout and accepts user messages as line-delimited JSON on stdin.
package claudecli

import "encoding/json"

// Message types emitted by the CLI
const (
	// MessageTypeSystem is the initial system message with session info
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains text from the assistant
	MessageTypeAssistant = "assistant"
	// MessageTypeUser echoes a user turn
	MessageTypeUser = "user"
	// MessageTypeToolUse announces a tool invocation
	MessageTypeToolUse = "tool_use"
	// MessageTypeToolResult carries a tool invocation result
	MessageTypeToolResult = "tool_result"
	// MessageTypeResult is the final result message
	MessageTypeResult = "result"
	// MessageTypeError is an in-band error from the CLI
	MessageTypeError = "error"
)

// SubtypeInit marks the first system message carrying the upstream session id.
const SubtypeInit = "init"

// CLIMessage represents one stdout line from the CLI.
// The message type determines which fields are populated.
type CLIMessage struct {
	// Type is the message type (system, assistant, tool_use, result, ...)
	Type string `json:"type"`

	// Subtype refines the type ("init" on the first system message)
	Subtype string `json:"subtype,omitempty"`

	// SessionID is the upstream session id, set on system/init
	SessionID string `json:"session_id,omitempty"`

	// Message carries assistant or echoed user text
	Message string `json:"message,omitempty"`

	// Tool fields, set on tool_use and tool_result
	Tool      string          `json:"tool,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
	Content   string          `json:"content,omitempty"`

	// Error is set on error messages
	Error string `json:"error,omitempty"`

	// Raw line for passthrough of provider-specific fields
	RawContent json.RawMessage `json:"-"`
}

// IsInit reports whether the message is the init handshake.
func (m *CLIMessage) IsInit() bool {
	return m.Type == MessageTypeSystem && m.Subtype == SubtypeInit
}

// UserMessage is sent to provide a prompt to the CLI.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody contains the user message content.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content string `json:"content"`
}

// NewUserMessage builds the stdin record for one user turn.
func NewUserMessage(content string) *UserMessage {
	return &UserMessage{
		Type: MessageTypeUser,
		Message: UserMessageBody{
			Role:    "user",
			Content: content,
		},
	}
}
