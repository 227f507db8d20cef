package bus

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/elementalhq/elemental/internal/common/logger"
)

// MemoryEventBus delivers events synchronously in-process. Handlers run
// inline on the publisher's goroutine, so events from one publisher arrive
// at every subscriber in publish order.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   []*memorySub
	groups map[string]*rrGroup
	closed bool
	logger *logger.Logger
}

type memorySub struct {
	bus     *MemoryEventBus
	subject string
	queue   string // empty for plain subscriptions
	handler EventHandler

	mu     sync.Mutex
	active bool
}

// rrGroup tracks round-robin state for one queue group.
type rrGroup struct {
	mu   sync.Mutex
	subs []*memorySub
	next int
}

// NewMemoryEventBus creates an empty in-process bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		groups: make(map[string]*rrGroup),
		logger: log,
	}
}

// Publish delivers the event to every matching subscriber, and to one member
// per matching queue group.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}

	var targets []*memorySub
	seenGroups := make(map[string]bool)
	for _, sub := range b.subs {
		if !sub.IsValid() || !subjectMatches(sub.subject, subject) {
			continue
		}
		if sub.queue != "" {
			key := groupKey(sub.queue, sub.subject)
			if seenGroups[key] {
				continue
			}
			seenGroups[key] = true
			if g := b.groups[key]; g != nil {
				if picked := g.pick(); picked != nil {
					targets = append(targets, picked)
				}
			}
			continue
		}
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if err := sub.handler(ctx, event); err != nil {
			b.logger.Error("event handler failed",
				zap.String("subject", subject),
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	}
	return nil
}

// Subscribe registers a handler for a subject pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	return b.add(subject, "", handler)
}

// QueueSubscribe registers a handler in a queue group. Members of the same
// group on the same pattern share the traffic round-robin.
func (b *MemoryEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	return b.add(subject, queue, handler)
}

func (b *MemoryEventBus) add(subject, queue string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	sub := &memorySub{
		bus:     b,
		subject: subject,
		queue:   queue,
		handler: handler,
		active:  true,
	}
	b.subs = append(b.subs, sub)

	if queue != "" {
		key := groupKey(queue, subject)
		g := b.groups[key]
		if g == nil {
			g = &rrGroup{}
			b.groups[key] = g
		}
		g.mu.Lock()
		g.subs = append(g.subs, sub)
		g.mu.Unlock()
	}
	return sub, nil
}

// Close deactivates every subscription and rejects further calls.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, sub := range b.subs {
		sub.mu.Lock()
		sub.active = false
		sub.mu.Unlock()
	}
	b.subs = nil
	b.groups = make(map[string]*rrGroup)
}

// IsConnected reports whether the bus still accepts traffic.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (s *memorySub) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	if s.queue != "" {
		if g := b.groups[groupKey(s.queue, s.subject)]; g != nil {
			g.remove(s)
		}
	}
	return nil
}

func (s *memorySub) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (g *rrGroup) pick() *memorySub {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := len(g.subs)
	for i := 0; i < n; i++ {
		sub := g.subs[(g.next+i)%n]
		if sub.IsValid() {
			g.next = (g.next + i + 1) % n
			return sub
		}
	}
	return nil
}

func (g *rrGroup) remove(s *memorySub) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, sub := range g.subs {
		if sub == s {
			g.subs = append(g.subs[:i], g.subs[i+1:]...)
			break
		}
	}
}

func groupKey(queue, subject string) string {
	return queue + "|" + subject
}

// subjectMatches implements NATS wildcard semantics token by token:
// "*" matches exactly one token, ">" matches one or more trailing tokens.
func subjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
