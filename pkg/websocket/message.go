// Package websocket defines the wire envelope for the event-stream WebSocket
// endpoint: clients subscribe to named channels and receive matching events.
package websocket

import (
	"encoding/json"
	"time"
)

// MessageType discriminates envelope variants.
type MessageType string

const (
	// Client to server.
	TypeSubscribe   MessageType = "subscribe"
	TypeUnsubscribe MessageType = "unsubscribe"

	// Server to client.
	TypeSubscribed MessageType = "subscribed"
	TypeEvent      MessageType = "event"
	TypeError      MessageType = "error"
)

// Error codes carried in error envelopes.
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnknownType   = "UNKNOWN_TYPE"
)

// Message is the envelope for all frames on the socket.
type Message struct {
	Type      MessageType     `json:"type"`
	Channels  []string        `json:"channels,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ErrorPayload is the payload of an error envelope.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewEvent wraps a payload as an event on the given channel.
func NewEvent(channel string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      TypeEvent,
		Channel:   channel,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewSubscribed acknowledges the client's current channel set.
func NewSubscribed(channels []string) *Message {
	return &Message{
		Type:      TypeSubscribed,
		Channels:  channels,
		Timestamp: time.Now().UTC(),
	}
}

// NewError builds an error envelope.
func NewError(code, message string) (*Message, error) {
	data, err := json.Marshal(ErrorPayload{Code: code, Message: message})
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      TypeError,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// ParsePayload parses the payload into the given struct.
func (m *Message) ParsePayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
