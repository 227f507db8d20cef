// Package shared provides the refcounted coordinator for embedded upstream
// provider processes. Many sessions share one backing server per key; the
// first acquire starts it, the last release closes it.
package shared

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/elementalhq/elemental/internal/common/logger"
)

// Handle is the caller-visible side of a running shared server.
type Handle interface {
	Close() error
}

// Config carries provider-specific startup settings, passed through opaquely.
type Config map[string]string

// StartupFunc starts the backing server for a key. Called at most once per
// key while a lease is live; concurrent acquires coalesce on one call.
type StartupFunc func(ctx context.Context, key string, cfg Config) (Handle, error)

// ReleaseFunc returns the caller's reference. Idempotent.
type ReleaseFunc func()

// startup is the one-shot awaitable for an in-flight server start.
// handle and err are immutable once done is closed.
type startup struct {
	done   chan struct{}
	handle Handle
	err    error
}

// lease tracks one key's refcount and server handle.
// Invariants: refcount >= 0; at most one live handle and one in-flight
// startup per key; a failed startup never leaks refcount.
type lease struct {
	refcount int
	handle   Handle
	pending  *startup
}

// Coordinator serializes acquire/release per key.
type Coordinator struct {
	start  StartupFunc
	logger *logger.Logger

	mu     sync.Mutex
	leases map[string]*lease
}

// NewCoordinator creates a coordinator using start to boot backing servers.
func NewCoordinator(start StartupFunc, log *logger.Logger) *Coordinator {
	return &Coordinator{
		start:  start,
		logger: log.WithFields(zap.String("component", "shared-server")),
		leases: make(map[string]*lease),
	}
}

// Acquire returns the shared handle for key, starting the server if needed.
// Concurrent acquires during startup all await the same startup and share
// its outcome. The speculative refcount taken at entry is rolled back on
// startup failure or caller cancellation.
func (c *Coordinator) Acquire(ctx context.Context, key string, cfg Config) (Handle, ReleaseFunc, error) {
	c.mu.Lock()

	l, ok := c.leases[key]
	if !ok {
		l = &lease{}
		c.leases[key] = l
	}
	l.refcount++

	// Live handle: share it.
	if l.handle != nil {
		h := l.handle
		c.mu.Unlock()
		return h, c.releaseFunc(key), nil
	}

	// Startup already in flight: await it.
	if l.pending != nil {
		p := l.pending
		c.mu.Unlock()
		return c.await(ctx, key, p)
	}

	// First caller: begin startup.
	p := &startup{done: make(chan struct{})}
	l.pending = p
	c.mu.Unlock()

	c.logger.Info("starting shared server", zap.String("key", key))
	handle, err := c.start(ctx, key, cfg)

	c.mu.Lock()
	p.handle = handle
	p.err = err
	if err == nil {
		l.handle = handle
	}
	l.pending = nil
	close(p.done)
	c.mu.Unlock()

	if err != nil {
		c.logger.Error("shared server startup failed", zap.String("key", key), zap.Error(err))
		c.rollback(key)
		return nil, nil, err
	}
	return handle, c.releaseFunc(key), nil
}

// await blocks on an in-flight startup and shares its outcome.
func (c *Coordinator) await(ctx context.Context, key string, p *startup) (Handle, ReleaseFunc, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		c.rollback(key)
		return nil, nil, ctx.Err()
	}
	if p.err != nil {
		c.rollback(key)
		return nil, nil, p.err
	}
	return p.handle, c.releaseFunc(key), nil
}

// Release decrements the key's refcount; at zero the handle is closed and
// all state for the key is cleared.
func (c *Coordinator) Release(key string) {
	c.mu.Lock()
	l, ok := c.leases[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	l.refcount--
	if l.refcount > 0 {
		c.mu.Unlock()
		return
	}
	h := l.handle
	delete(c.leases, key)
	c.mu.Unlock()

	if h != nil {
		c.logger.Info("closing shared server", zap.String("key", key))
		if err := h.Close(); err != nil {
			c.logger.Warn("shared server close failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// rollback undoes the speculative refcount taken at Acquire entry.
func (c *Coordinator) rollback(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.leases[key]
	if !ok {
		return
	}
	l.refcount--
	if l.refcount <= 0 && l.handle == nil && l.pending == nil {
		delete(c.leases, key)
	}
}

// releaseFunc wraps Release in an idempotent token.
func (c *Coordinator) releaseFunc(key string) ReleaseFunc {
	var once sync.Once
	return func() {
		once.Do(func() { c.Release(key) })
	}
}

// Refcount reports the current refcount for key.
func (c *Coordinator) Refcount(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.leases[key]; ok {
		return l.refcount
	}
	return 0
}

// Close closes every live handle and clears all leases.
func (c *Coordinator) Close() {
	c.mu.Lock()
	leases := c.leases
	c.leases = make(map[string]*lease)
	c.mu.Unlock()

	for key, l := range leases {
		if l.handle != nil {
			if err := l.handle.Close(); err != nil {
				c.logger.Warn("shared server close failed", zap.String("key", key), zap.Error(err))
			}
		}
	}
}
