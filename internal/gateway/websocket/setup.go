package websocket

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/elementalhq/elemental/internal/common/logger"
	"github.com/elementalhq/elemental/internal/events/bus"
)

// Gateway bundles the WebSocket hub, its HTTP handler, and the bus bridge.
type Gateway struct {
	Hub         *Hub
	Handler     *Handler
	Broadcaster *ChannelBroadcaster
	logger      *logger.Logger
}

// NewGateway creates the WebSocket gateway and starts the hub loop. Events
// from the bus are relayed to subscribed clients until ctx ends.
func NewGateway(ctx context.Context, eventBus bus.EventBus, log *logger.Logger) *Gateway {
	hub := NewHub(log)
	go hub.Run(ctx)

	return &Gateway{
		Hub:         hub,
		Handler:     NewHandler(hub, log),
		Broadcaster: RegisterChannelNotifications(ctx, eventBus, hub, log),
		logger:      log,
	}
}

// SetupRoutes adds the WebSocket routes to the Gin engine.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
}
