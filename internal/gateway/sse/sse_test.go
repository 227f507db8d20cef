package sse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elementalhq/elemental/internal/common/logger"
	"github.com/elementalhq/elemental/internal/events"
	"github.com/elementalhq/elemental/internal/events/bus"
	"github.com/elementalhq/elemental/internal/session"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

// stalledWriter blocks body writes until released, so a test can fill the
// relay buffer behind a client that is not reading.
type stalledWriter struct {
	mu      sync.Mutex
	buf     strings.Builder
	header  http.Header
	release chan struct{}
	writing chan struct{}
	once    sync.Once
}

func newStalledWriter() *stalledWriter {
	return &stalledWriter{
		header:  make(http.Header),
		release: make(chan struct{}),
		writing: make(chan struct{}),
	}
}

func (w *stalledWriter) Header() http.Header { return w.header }
func (w *stalledWriter) WriteHeader(int)     {}
func (w *stalledWriter) Flush()              {}

func (w *stalledWriter) Write(p []byte) (int, error) {
	w.once.Do(func() { close(w.writing) })
	<-w.release
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *stalledWriter) body() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

// publishUntilWriting publishes task events until one reaches the writer,
// proving the stream's subscriptions are live.
func publishUntilWriting(t *testing.T, eventBus bus.EventBus, writing <-chan struct{}) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, eventBus.Publish(context.Background(), events.TaskAssigned,
			bus.NewEvent(events.TaskAssigned, "test", nil)))
		select {
		case <-writing:
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
	t.Fatal("stream never started writing")
}

func TestStreamChannelsRequiresChannels(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/events/stream", nil)

	NewHandler(nil, eventBus, log).StreamChannels(c)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamChannelsDeliversBusEvents(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	w := newStalledWriter()
	close(w.release)
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/events/stream?channels=tasks", nil).WithContext(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		NewHandler(nil, eventBus, log).StreamChannels(c)
	}()

	publishUntilWriting(t, eventBus, w.writing)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after the client disconnected")
	}
	assert.Contains(t, w.body(), "event: "+events.TaskAssigned)
}

func TestStreamChannelsEvictsSlowConsumer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	w := newStalledWriter()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/events/stream?channels=tasks", nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		NewHandler(nil, eventBus, log).StreamChannels(c)
	}()

	// The writer is now stuck mid-event. Fill the relay buffer behind it
	// and push it over.
	publishUntilWriting(t, eventBus, w.writing)
	for i := 0; i < 80; i++ {
		require.NoError(t, eventBus.Publish(context.Background(), events.TaskAssigned,
			bus.NewEvent(events.TaskAssigned, "test", nil)))
	}

	close(w.release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after the relay overflowed")
	}

	body := w.body()
	require.Contains(t, body, "event: error")
	assert.Contains(t, body, session.SlowConsumerReason)
	tail := body[strings.Index(body, "event: error"):]
	assert.NotContains(t, tail, "event: "+events.TaskAssigned, "eviction error ends the stream")
}
