package session

import (
	"encoding/json"
	"time"

	"github.com/elementalhq/elemental/pkg/claudecli"
)

// EventKind discriminates the tagged SessionEvent variants.
type EventKind string

const (
	EventSystem     EventKind = "system"
	EventAssistant  EventKind = "assistant"
	EventUser       EventKind = "user"
	EventToolUse    EventKind = "tool_use"
	EventToolResult EventKind = "tool_result"
	EventResult     EventKind = "result"
	EventError      EventKind = "error"
	// EventRaw carries a stdout line that was not valid JSON.
	EventRaw EventKind = "raw"
	// EventPTYData carries opaque terminal output from interactive sessions.
	EventPTYData EventKind = "pty-data"
)

// SlowConsumerReason is the reason field on the final error event delivered
// to an evicted subscriber.
const SlowConsumerReason = "slow_consumer"

// Event is one parsed item from a subprocess stream. The kind determines
// which extracted fields are set; Raw always carries the original record
// for passthrough.
type Event struct {
	SessionID string    `json:"session_id"`
	Kind      EventKind `json:"type"`
	Subtype   string    `json:"subtype,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Extracted fields
	Text              string          `json:"text,omitempty"`
	Tool              string          `json:"tool,omitempty"`
	ToolUseID         string          `json:"tool_use_id,omitempty"`
	ToolInput         json.RawMessage `json:"tool_input,omitempty"`
	UpstreamSessionID string          `json:"upstream_session_id,omitempty"`
	Reason            string          `json:"reason,omitempty"`
	ExitCode          *int            `json:"exit_code,omitempty"`

	Raw json.RawMessage `json:"raw,omitempty"`
}

// EventFromCLIMessage converts a parsed protocol message into a stream event.
func EventFromCLIMessage(sessionID string, msg *claudecli.CLIMessage) Event {
	ev := Event{
		SessionID: sessionID,
		Kind:      EventKind(msg.Type),
		Subtype:   msg.Subtype,
		Timestamp: time.Now().UTC(),
		Tool:      msg.Tool,
		ToolUseID: msg.ToolUseID,
		ToolInput: msg.ToolInput,
		Raw:       msg.RawContent,
	}
	switch ev.Kind {
	case EventSystem:
		ev.UpstreamSessionID = msg.SessionID
	case EventError:
		ev.Text = msg.Error
	case EventToolResult:
		ev.Text = msg.Content
	default:
		ev.Text = msg.Message
	}
	return ev
}

// RawEvent wraps a non-JSON stdout line as a stream event.
func RawEvent(sessionID string, line []byte) Event {
	return Event{
		SessionID: sessionID,
		Kind:      EventRaw,
		Timestamp: time.Now().UTC(),
		Text:      string(line),
	}
}

// PTYDataEvent wraps opaque terminal output as a stream event.
func PTYDataEvent(sessionID string, data []byte) Event {
	cp := make([]byte, len(data))
	copy(cp, data)
	return Event{
		SessionID: sessionID,
		Kind:      EventPTYData,
		Timestamp: time.Now().UTC(),
		Raw:       cp,
	}
}

// SlowConsumerEvent is the final event delivered to an evicted subscriber.
func SlowConsumerEvent(sessionID string) Event {
	return Event{
		SessionID: sessionID,
		Kind:      EventError,
		Timestamp: time.Now().UTC(),
		Reason:    SlowConsumerReason,
	}
}

// ExitEvent is the synthetic terminal result event emitted on process exit.
func ExitEvent(sessionID string, exitCode int) Event {
	code := exitCode
	return Event{
		SessionID: sessionID,
		Kind:      EventResult,
		Subtype:   "exit",
		Timestamp: time.Now().UTC(),
		ExitCode:  &code,
	}
}
