// Package sse bridges internal event streams to Server-Sent Events: a
// per-session feed and an aggregated multi-channel feed.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/elementalhq/elemental/internal/common/logger"
	"github.com/elementalhq/elemental/internal/events"
	"github.com/elementalhq/elemental/internal/events/bus"
	"github.com/elementalhq/elemental/internal/session"
	"github.com/elementalhq/elemental/internal/session/manager"
)

// Handler serves the SSE endpoints.
type Handler struct {
	manager  *manager.Manager
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewHandler creates the SSE handler.
func NewHandler(mgr *manager.Manager, eventBus bus.EventBus, log *logger.Logger) *Handler {
	return &Handler{
		manager:  mgr,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "sse")),
	}
}

// SetupRoutes adds the SSE routes to the Gin engine.
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.GET("/agents/:id/stream", h.StreamAgentSession)
	router.GET("/api/events/stream", h.StreamChannels)
}

func setStreamHeaders(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()
}

func writeEvent(c *gin.Context, eventType string, data []byte) bool {
	if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", eventType, data); err != nil {
		return false
	}
	c.Writer.Flush()
	return true
}

// StreamAgentSession streams the agent's most recent live session as SSE.
// GET /agents/:id/stream
func (h *Handler) StreamAgentSession(c *gin.Context) {
	agentID := c.Param("id")

	sess := h.latestLiveSession(agentID)
	if sess == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no live session for agent " + agentID})
		return
	}

	sub, err := h.manager.Stream(sess.ID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	defer sub.Close()

	// Headers must reach the client before the first event.
	setStreamHeaders(c)

	log := h.logger.WithSessionID(sess.ID)
	log.Debug("sse session stream opened", zap.String("agent_id", agentID))
	defer log.Debug("sse session stream closed")

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.Error("failed to marshal session event", zap.Error(err))
				continue
			}
			if !writeEvent(c, string(ev.Kind), data) {
				return
			}
		}
	}
}

// StreamChannels streams bus events for the requested channels as SSE.
// GET /api/events/stream?channels=tasks,sessions
func (h *Handler) StreamChannels(c *gin.Context) {
	raw := c.Query("channels")
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "channels query parameter is required"})
		return
	}

	var channels []string
	for _, channel := range strings.Split(raw, ",") {
		if channel = strings.TrimSpace(channel); channel != "" {
			channels = append(channels, channel)
		}
	}
	if len(channels) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no valid channels requested"})
		return
	}

	// Bounded feed: a client that cannot drain it in time is evicted with
	// a final slow_consumer error rather than silently losing events. The
	// bus handlers never block either way.
	feed := make(chan *bus.Event, 64)
	overflow := make(chan struct{}, 1)
	var subs []bus.Subscription
	for _, channel := range channels {
		sub, err := h.eventBus.Subscribe(events.ChannelSubject(channel), func(_ context.Context, event *bus.Event) error {
			select {
			case feed <- event:
			default:
				select {
				case overflow <- struct{}{}:
				default:
				}
			}
			return nil
		})
		if err != nil {
			h.logger.WithError(err).Error("failed to subscribe to channel",
				zap.String("channel", channel))
			continue
		}
		subs = append(subs, sub)
	}
	defer func() {
		for _, sub := range subs {
			if sub != nil && sub.IsValid() {
				_ = sub.Unsubscribe()
			}
		}
	}()

	setStreamHeaders(c)
	h.logger.Debug("sse channel stream opened", zap.Strings("channels", channels))

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-overflow:
			h.logger.Warn("sse channel stream evicting slow consumer",
				zap.Strings("channels", channels))
			data, _ := json.Marshal(gin.H{"reason": session.SlowConsumerReason})
			writeEvent(c, "error", data)
			return
		case event := <-feed:
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("failed to marshal bus event", zap.Error(err))
				continue
			}
			if !writeEvent(c, event.Type, data) {
				return
			}
		}
	}
}

func (h *Handler) latestLiveSession(agentID string) *session.Session {
	var latest *session.Session
	for _, s := range h.manager.ListByAgent(agentID) {
		if s.Status.IsTerminal() {
			continue
		}
		if latest == nil || s.CreatedAt.After(latest.CreatedAt) {
			latest = s
		}
	}
	return latest
}
