// Package stream provides the per-session broadcast channel: one producer
// (the spawner's parser), many bounded subscribers, slow-consumer eviction.
package stream

import (
	"sync"

	"go.uber.org/zap"

	"github.com/elementalhq/elemental/internal/common/constants"
	"github.com/elementalhq/elemental/internal/common/logger"
	"github.com/elementalhq/elemental/internal/session"
)

// Subscriber is one bounded receiver on a session's event stream.
type Subscriber struct {
	// ch has capacity depth+1: the extra slot is reserved for the final
	// eviction or exit event so it can be delivered even at overflow.
	ch     chan session.Event
	depth  int
	cancel func()
	once   sync.Once
}

// Events returns the receive channel. It is closed on eviction, explicit
// Close, or session teardown.
func (s *Subscriber) Events() <-chan session.Event {
	return s.ch
}

// Close detaches the subscriber from the broadcaster. Closing a subscriber
// never affects the session or other subscribers.
func (s *Subscriber) Close() {
	s.cancel()
}

func (s *Subscriber) finish(final *session.Event) {
	s.once.Do(func() {
		if final != nil {
			select {
			case s.ch <- *final:
			default:
			}
		}
		close(s.ch)
	})
}

// Broadcaster fans a session's events out to N subscribers, each with an
// independent bounded buffer. Publish never blocks: a subscriber whose
// buffer is full is evicted with a final slow_consumer error event.
type Broadcaster struct {
	sessionID  string
	bufferSize int
	logger     *logger.Logger

	mu          sync.Mutex
	subscribers []*Subscriber
	closed      bool
}

// NewBroadcaster creates a broadcaster for one session. bufferSize <= 0
// falls back to a depth of 64.
func NewBroadcaster(sessionID string, bufferSize int, log *logger.Logger) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = constants.SubscriberBufferSize
	}
	return &Broadcaster{
		sessionID:  sessionID,
		bufferSize: bufferSize,
		logger:     log.WithSessionID(sessionID),
	}
}

// Subscribe registers a new bounded subscriber receiving events from now on.
// Subscribing after Close yields an already-closed channel.
func (b *Broadcaster) Subscribe() *Subscriber {
	return b.SubscribeBuffered(b.bufferSize)
}

// SubscribeBuffered registers a subscriber with an explicit buffer depth.
func (b *Broadcaster) SubscribeBuffered(depth int) *Subscriber {
	if depth <= 0 {
		depth = b.bufferSize
	}

	sub := &Subscriber{ch: make(chan session.Event, depth+1), depth: depth}
	sub.cancel = func() { b.removeAndFinish(sub, nil) }

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subscribers = append(b.subscribers, sub)
	return sub
}

// Publish delivers an event to every subscriber. Delivery is a non-blocking
// send per subscriber; overflowing subscribers are evicted so the producer
// is never held up.
func (b *Broadcaster) Publish(ev session.Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	// Snapshot so eviction can mutate the list without racing the sends.
	subs := make([]*Subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.Unlock()

	for _, sub := range subs {
		if len(sub.ch) >= sub.depth {
			b.evict(sub)
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.evict(sub)
		}
	}
}

// evict removes an overflowing subscriber, delivering the final
// slow_consumer error event in the reserved slot before closing.
func (b *Broadcaster) evict(sub *Subscriber) {
	b.logger.Warn("evicting slow subscriber",
		zap.Int("buffer", sub.depth))
	final := session.SlowConsumerEvent(b.sessionID)
	b.removeAndFinish(sub, &final)
}

func (b *Broadcaster) removeAndFinish(sub *Subscriber, final *session.Event) {
	b.mu.Lock()
	for i, s := range b.subscribers {
		if s == sub {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	sub.finish(final)
}

// Close emits the synthetic terminal result event to every subscriber, then
// closes all streams. Safe to call more than once.
func (b *Broadcaster) Close(exitCode int) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subscribers
	b.subscribers = nil
	b.mu.Unlock()

	final := session.ExitEvent(b.sessionID, exitCode)
	for _, sub := range subs {
		sub.finish(&final)
	}
}

// SubscriberCount returns the number of attached subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
