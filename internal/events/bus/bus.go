// Package bus carries cross-component events. Two implementations share one
// interface: an in-process bus for single-binary deployments and tests, and
// NATS for multi-instance setups.
package bus

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by publish and subscribe calls after Close.
var ErrClosed = errors.New("event bus is closed")

// Event is one message on the bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent stamps a fresh event with an id and the current time.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler consumes one delivered event. A non-nil error is logged by the
// bus; it does not stop delivery to other subscribers.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a live registration that can be torn down.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the publish side and subscribe side of the bus. Subjects are
// dot-separated; subscribe patterns may use NATS wildcards ("*" for one
// token, ">" for one or more trailing tokens).
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe delivers each event to exactly one member of the named
	// queue group.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	Close()
	IsConnected() bool
}
