// Package websocket is the WebSocket gateway: clients subscribe to named
// channels and receive matching bus events.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/elementalhq/elemental/internal/common/logger"
	ws "github.com/elementalhq/elemental/pkg/websocket"
)

// channelMessage pairs an outbound envelope with the channel it belongs to.
type channelMessage struct {
	channel string
	msg     *ws.Message
}

// Hub manages all WebSocket client connections and their channel sets.
type Hub struct {
	clients map[*Client]bool

	// Clients keyed by subscribed channel.
	channelSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *channelMessage

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:            make(map[*Client]bool),
		channelSubscribers: make(map[string]map[*Client]bool),
		register:           make(chan *Client),
		unregister:         make(chan *Client),
		broadcast:          make(chan *channelMessage, 256),
		logger:             log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case cm := <-h.broadcast:
			h.broadcastToChannel(cm.channel, cm.msg)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.channelSubscribers = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)

		for channel := range client.channels {
			if clients, ok := h.channelSubscribers[channel]; ok {
				delete(clients, client)
				if len(clients) == 0 {
					delete(h.channelSubscribers, channel)
				}
			}
		}
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

// broadcastToChannel relays a message to every client subscribed to the
// channel. Slow clients are dropped, never waited on.
func (h *Hub) broadcastToChannel(channel string, msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.channelSubscribers[channel] {
		select {
		case client.send <- data:
		default:
			h.logger.Debug("dropping message for slow client",
				zap.String("client_id", client.ID),
				zap.String("channel", channel))
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast relays an envelope to the channel's subscribers.
func (h *Hub) Broadcast(channel string, msg *ws.Message) {
	h.broadcast <- &channelMessage{channel: channel, msg: msg}
}

// SubscribeChannels adds the channels to the client's set.
func (h *Hub) SubscribeChannels(client *Client, channels []string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, channel := range channels {
		if channel == "" {
			continue
		}
		if _, ok := h.channelSubscribers[channel]; !ok {
			h.channelSubscribers[channel] = make(map[*Client]bool)
		}
		h.channelSubscribers[channel][client] = true
		client.channels[channel] = true
	}
	return client.channelList()
}

// UnsubscribeChannels removes the channels from the client's set.
func (h *Hub) UnsubscribeChannels(client *Client, channels []string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, channel := range channels {
		delete(client.channels, channel)
		if clients, ok := h.channelSubscribers[channel]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.channelSubscribers, channel)
			}
		}
	}
	return client.channelList()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscriberCount returns how many clients follow the channel.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channelSubscribers[channel])
}
