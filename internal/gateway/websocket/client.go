package websocket

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/elementalhq/elemental/internal/common/logger"
	ws "github.com/elementalhq/elemental/pkg/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer; a missed pong
	// trips the read deadline and closes the connection.
	pongWait = 60 * time.Second

	// Ping period, must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

// Client represents a single WebSocket connection.
type Client struct {
	ID         string
	conn       *websocket.Conn
	hub        *Hub
	send       chan []byte
	channels   map[string]bool
	mu         sync.RWMutex
	dispatcher *ws.Dispatcher
	logger     *logger.Logger
}

// NewClient creates a new WebSocket client.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	c := &Client{
		ID:       id,
		conn:     conn,
		hub:      hub,
		send:     make(chan []byte, 256),
		channels: make(map[string]bool),
		logger:   log.WithFields(zap.String("client_id", id)),
	}

	c.dispatcher = ws.NewDispatcher()
	c.dispatcher.RegisterFunc(ws.TypeSubscribe, c.handleSubscribe)
	c.dispatcher.RegisterFunc(ws.TypeUnsubscribe, c.handleUnsubscribe)
	return c
}

// channelList returns the client's channels sorted. Callers must hold the
// hub lock.
func (c *Client) channelList() []string {
	out := make([]string, 0, len(c.channels))
	for channel := range c.channels {
		out = append(out, channel)
	}
	sort.Strings(out)
	return out
}

// ReadPump pumps messages from the WebSocket connection to the hub.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		var msg ws.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError(ws.ErrorCodeBadRequest, "invalid message format")
			continue
		}

		reply, err := c.dispatcher.Dispatch(context.Background(), &msg)
		if err != nil {
			c.logger.Error("failed to handle message", zap.Error(err))
			c.sendError(ws.ErrorCodeInternalError, "failed to handle message")
			continue
		}
		if reply != nil {
			c.sendMessage(reply)
		}
	}
}

func (c *Client) handleSubscribe(_ context.Context, msg *ws.Message) (*ws.Message, error) {
	if len(msg.Channels) == 0 {
		return ws.NewError(ws.ErrorCodeValidation, "channels is required")
	}
	current := c.hub.SubscribeChannels(c, msg.Channels)
	return ws.NewSubscribed(current), nil
}

func (c *Client) handleUnsubscribe(_ context.Context, msg *ws.Message) (*ws.Message, error) {
	current := c.hub.UnsubscribeChannels(c, msg.Channels)
	return ws.NewSubscribed(current), nil
}

func (c *Client) sendMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal message", zap.Error(err))
		return
	}

	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full, dropping message")
	}
}

func (c *Client) sendError(code, message string) {
	msg, err := ws.NewError(code, message)
	if err != nil {
		c.logger.Error("failed to create error message", zap.Error(err))
		return
	}
	c.sendMessage(msg)
}

// WritePump pumps messages from the hub to the WebSocket connection and
// keeps the heartbeat going.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Batch additional queued messages.
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
