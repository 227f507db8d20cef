// Package appctx builds contexts for work that must not die with the
// request that triggered it.
package appctx

import (
	"context"
	"time"
)

// Detached returns a context bounded only by the stop channel and the
// timeout, never by a caller's cancellation. Pass a nil stop channel to keep
// just the timeout, e.g. for a final state write during shutdown.
func Detached(stopCh <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	if stopCh == nil {
		return ctx, cancel
	}

	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
