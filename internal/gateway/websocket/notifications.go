package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/elementalhq/elemental/internal/common/logger"
	"github.com/elementalhq/elemental/internal/events"
	"github.com/elementalhq/elemental/internal/events/bus"
	ws "github.com/elementalhq/elemental/pkg/websocket"
)

// ChannelBroadcaster relays bus events onto hub channels.
type ChannelBroadcaster struct {
	hub           *Hub
	subscriptions []bus.Subscription
	logger        *logger.Logger
}

// RegisterChannelNotifications wires the well-known channels to the bus.
// Subscriptions are torn down when ctx ends.
func RegisterChannelNotifications(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) *ChannelBroadcaster {
	b := &ChannelBroadcaster{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_broadcaster")),
	}
	if eventBus == nil {
		return b
	}

	for _, channel := range []string{events.ChannelSessions, events.ChannelTasks, events.ChannelDispatch} {
		b.subscribe(eventBus, channel)
	}

	go func() {
		<-ctx.Done()
		b.Close()
	}()
	return b
}

// Close tears down all bus subscriptions.
func (b *ChannelBroadcaster) Close() {
	for _, sub := range b.subscriptions {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	b.subscriptions = nil
}

func (b *ChannelBroadcaster) subscribe(eventBus bus.EventBus, channel string) {
	subject := events.ChannelSubject(channel)
	sub, err := eventBus.Subscribe(subject, func(_ context.Context, event *bus.Event) error {
		msg, err := ws.NewEvent(channel, event)
		if err != nil {
			b.logger.Error("failed to build websocket event",
				zap.String("channel", channel), zap.Error(err))
			return nil
		}
		b.hub.Broadcast(channel, msg)
		return nil
	})
	if err != nil {
		b.logger.Error("failed to subscribe to events",
			zap.String("subject", subject), zap.Error(err))
		return
	}
	b.subscriptions = append(b.subscriptions, sub)
}
