package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/elementalhq/elemental/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func TestSubjectMatches(t *testing.T) {
	cases := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"session.s1", "session.s1", true},
		{"session.s1", "session.s2", false},
		{"session.*", "session.s1", true},
		{"session.*", "session.s1.event", false},
		{"session.>", "session.s1", true},
		{"session.>", "session.s1.event", true},
		{"session.>", "session", false},
		{"events.*.created", "events.user.created", true},
		{"events.*.created", "events.created", false},
		{"*.*", "a.b", true},
		{"*.*", "a", false},
	}
	for _, tc := range cases {
		if got := subjectMatches(tc.pattern, tc.subject); got != tc.want {
			t.Errorf("subjectMatches(%q, %q) = %v, want %v", tc.pattern, tc.subject, got, tc.want)
		}
	}
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe("test.subject", func(_ context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	event := NewEvent("test.type", "test-source", map[string]any{"key": "value"})
	if err := b.Publish(context.Background(), "test.subject", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case e := <-received:
		if e.ID != event.ID || e.Type != event.Type {
			t.Errorf("got event %s/%s, want %s/%s", e.ID, e.Type, event.ID, event.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestMemoryEventBus_MultipleSubscribers(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var count int32
	for i := 0; i < 3; i++ {
		sub, err := b.Subscribe("test.multi", func(_ context.Context, _ *Event) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe %d failed: %v", i, err)
		}
		defer func() { _ = sub.Unsubscribe() }()
	}

	if err := b.Publish(context.Background(), "test.multi", NewEvent("t", "s", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if got := atomic.LoadInt32(&count); got != 3 {
		t.Errorf("handler calls = %d, want 3", got)
	}
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var count int32
	sub, err := b.Subscribe("test.unsub", func(_ context.Context, _ *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ctx := context.Background()
	event := NewEvent("t", "s", nil)
	if err := b.Publish(ctx, "test.unsub", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("subscription still valid after Unsubscribe")
	}

	if err := b.Publish(ctx, "test.unsub", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if got := atomic.LoadInt32(&count); got != 1 {
		t.Errorf("handler calls = %d, want 1", got)
	}
}

func TestMemoryEventBus_WildcardDelivery(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var count int32
	sub, err := b.Subscribe("events.*.created", func(_ context.Context, _ *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	ctx := context.Background()
	for _, subject := range []string{
		"events.user.created",  // matches
		"events.order.created", // matches
		"events.created",       // missing middle token
		"events.user.updated",  // wrong tail
	} {
		if err := b.Publish(ctx, subject, NewEvent("t", "s", nil)); err != nil {
			t.Fatalf("Publish(%s) failed: %v", subject, err)
		}
	}
	if got := atomic.LoadInt32(&count); got != 2 {
		t.Errorf("deliveries = %d, want 2", got)
	}
}

func TestMemoryEventBus_QueueSubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var total int32
	perSub := make([]int32, 3)
	for i := 0; i < 3; i++ {
		idx := i
		sub, err := b.QueueSubscribe("test.queue", "workers", func(_ context.Context, _ *Event) error {
			atomic.AddInt32(&total, 1)
			atomic.AddInt32(&perSub[idx], 1)
			return nil
		})
		if err != nil {
			t.Fatalf("QueueSubscribe %d failed: %v", i, err)
		}
		defer func() { _ = sub.Unsubscribe() }()
	}

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		if err := b.Publish(ctx, "test.queue", NewEvent("t", "s", nil)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	if got := atomic.LoadInt32(&total); got != 6 {
		t.Errorf("total deliveries = %d, want 6 (one subscriber per event)", got)
	}
	for i := range perSub {
		if got := atomic.LoadInt32(&perSub[i]); got != 2 {
			t.Errorf("subscriber %d got %d events, want 2 (round-robin)", i, got)
		}
	}
}

func TestMemoryEventBus_ConcurrentPublish(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var received int32
	sub, err := b.Subscribe("test.concurrent", func(_ context.Context, _ *Event) error {
		atomic.AddInt32(&received, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	const goroutines, perGoroutine = 10, 100
	var wg sync.WaitGroup
	ctx := context.Background()
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				if err := b.Publish(ctx, "test.concurrent", NewEvent("t", "s", nil)); err != nil {
					t.Errorf("Publish failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&received); got != goroutines*perGoroutine {
		t.Errorf("received = %d, want %d", got, goroutines*perGoroutine)
	}
}

func TestMemoryEventBus_Close(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	if !b.IsConnected() {
		t.Error("new bus reports disconnected")
	}

	b.Close()
	if b.IsConnected() {
		t.Error("closed bus reports connected")
	}

	ctx := context.Background()
	if err := b.Publish(ctx, "x", NewEvent("t", "s", nil)); err != ErrClosed {
		t.Errorf("Publish after Close = %v, want ErrClosed", err)
	}
	if _, err := b.Subscribe("x", func(_ context.Context, _ *Event) error { return nil }); err != ErrClosed {
		t.Errorf("Subscribe after Close = %v, want ErrClosed", err)
	}
}

func TestNewEvent(t *testing.T) {
	before := time.Now().UTC()
	event := NewEvent("user.created", "user-service", map[string]any{"user_id": 123})
	after := time.Now().UTC()

	if event.ID == "" {
		t.Error("event ID not set")
	}
	if event.Type != "user.created" || event.Source != "user-service" {
		t.Errorf("type/source = %s/%s", event.Type, event.Source)
	}
	if event.Data["user_id"] != 123 {
		t.Error("data not carried")
	}
	if event.Timestamp.Before(before) || event.Timestamp.After(after) {
		t.Error("timestamp outside creation window")
	}
}

// Delivery order matters for streamed session content: dispatch is inline on
// the publisher's goroutine, so handlers see events in publish order even
// when their execution times vary.
func TestMemoryEventBus_OrderingWithSlowHandler(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	const numEvents = 50
	var mu sync.Mutex
	var order []int

	sub, err := b.Subscribe("test.ordering", func(_ context.Context, event *Event) error {
		seq := int(event.Data["seq"].(float64))
		// Earlier events sleep longer; async dispatch would reorder them.
		time.Sleep(time.Duration(numEvents-seq) * 100 * time.Microsecond)
		mu.Lock()
		order = append(order, seq)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	ctx := context.Background()
	for i := 0; i < numEvents; i++ {
		event := NewEvent("t", "s", map[string]any{"seq": float64(i)})
		if err := b.Publish(ctx, "test.ordering", event); err != nil {
			t.Fatalf("Publish failed at seq %d: %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != numEvents {
		t.Fatalf("received %d events, want %d", len(order), numEvents)
	}
	for i, seq := range order {
		if seq != i {
			t.Fatalf("ordering violation at position %d: got seq %d", i, seq)
		}
	}
}
