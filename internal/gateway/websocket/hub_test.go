package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elementalhq/elemental/internal/common/logger"
	"github.com/elementalhq/elemental/internal/events"
	"github.com/elementalhq/elemental/internal/events/bus"
	ws "github.com/elementalhq/elemental/pkg/websocket"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func newTestGateway(t *testing.T) (*Gateway, bus.EventBus, *httptest.Server) {
	t.Helper()
	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	gw := NewGateway(ctx, eventBus, log)
	gw.SetupRoutes(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return gw, eventBus, srv
}

func dial(t *testing.T, srv *httptest.Server) *gorillaws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *gorillaws.Conn, timeout time.Duration) *ws.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	var msg ws.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return &msg
}

func TestSubscribeAndReceiveEvent(t *testing.T) {
	gw, eventBus, srv := newTestGateway(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(ws.Message{
		Type:     ws.TypeSubscribe,
		Channels: []string{events.ChannelTasks},
	}))

	ack := readEnvelope(t, conn, 2*time.Second)
	assert.Equal(t, ws.TypeSubscribed, ack.Type)
	assert.Equal(t, []string{events.ChannelTasks}, ack.Channels)

	deadline := time.Now().Add(2 * time.Second)
	for gw.Hub.SubscriberCount(events.ChannelTasks) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	event := bus.NewEvent(events.TaskAssigned, "test", map[string]interface{}{
		"task_id":  "t1",
		"agent_id": "w1",
	})
	require.NoError(t, eventBus.Publish(context.Background(), events.TaskAssigned, event))

	got := readEnvelope(t, conn, 2*time.Second)
	assert.Equal(t, ws.TypeEvent, got.Type)
	assert.Equal(t, events.ChannelTasks, got.Channel)

	var payload bus.Event
	require.NoError(t, got.ParsePayload(&payload))
	assert.Equal(t, events.TaskAssigned, payload.Type)
	assert.Equal(t, "t1", payload.Data["task_id"])
}

func TestUnsubscribedChannelsAreSilent(t *testing.T) {
	gw, eventBus, srv := newTestGateway(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(ws.Message{
		Type:     ws.TypeSubscribe,
		Channels: []string{events.ChannelSessions},
	}))
	ack := readEnvelope(t, conn, 2*time.Second)
	assert.Equal(t, ws.TypeSubscribed, ack.Type)

	deadline := time.Now().Add(2 * time.Second)
	for gw.Hub.SubscriberCount(events.ChannelSessions) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	// A task event must not reach a sessions-only subscriber.
	event := bus.NewEvent(events.TaskAssigned, "test", nil)
	require.NoError(t, eventBus.Publish(context.Background(), events.TaskAssigned, event))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	var msg ws.Message
	err := conn.ReadJSON(&msg)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "timeout") ||
		gorillaws.IsUnexpectedCloseError(err), "expected a read timeout, got %v", err)
}

func TestUnsubscribeShrinksChannelSet(t *testing.T) {
	_, _, srv := newTestGateway(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(ws.Message{
		Type:     ws.TypeSubscribe,
		Channels: []string{events.ChannelTasks, events.ChannelSessions},
	}))
	ack := readEnvelope(t, conn, 2*time.Second)
	assert.ElementsMatch(t, []string{events.ChannelTasks, events.ChannelSessions}, ack.Channels)

	require.NoError(t, conn.WriteJSON(ws.Message{
		Type:     ws.TypeUnsubscribe,
		Channels: []string{events.ChannelTasks},
	}))
	ack = readEnvelope(t, conn, 2*time.Second)
	assert.Equal(t, []string{events.ChannelSessions}, ack.Channels)
}

func TestUnknownMessageType(t *testing.T) {
	_, _, srv := newTestGateway(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(ws.Message{Type: "bogus"}))
	msg := readEnvelope(t, conn, 2*time.Second)
	assert.Equal(t, ws.TypeError, msg.Type)

	var payload ws.ErrorPayload
	require.NoError(t, msg.ParsePayload(&payload))
	assert.Equal(t, ws.ErrorCodeUnknownType, payload.Code)
}

func TestSubscribeWithoutChannels(t *testing.T) {
	_, _, srv := newTestGateway(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(ws.Message{Type: ws.TypeSubscribe}))
	msg := readEnvelope(t, conn, 2*time.Second)
	assert.Equal(t, ws.TypeError, msg.Type)

	var payload ws.ErrorPayload
	require.NoError(t, msg.ParsePayload(&payload))
	assert.Equal(t, ws.ErrorCodeValidation, payload.Code)
}
