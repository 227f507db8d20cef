// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for various operations.
const (
	// InitHandshakeTimeout is the default maximum time to wait for the
	// headless init event after spawn. Configurable per call, clamped to
	// MinInitHandshakeTimeout.
	InitHandshakeTimeout = 120 * time.Second

	// MinInitHandshakeTimeout is the lower bound for per-call init timeouts.
	MinInitHandshakeTimeout = 5 * time.Second

	// GracefulStopTimeout is the grace window between the soft shutdown
	// signal and force-kill.
	GracefulStopTimeout = 5 * time.Second

	// StoreCallTimeout bounds every dispatch-loop call into the task store.
	StoreCallTimeout = 30 * time.Second

	// DispatchMaxBackoff caps the exponential backoff while the task store
	// is unreachable.
	DispatchMaxBackoff = 60 * time.Second
)

// Defaults for stream fan-out and interactive sessions.
const (
	// SubscriberBufferSize is the default per-subscriber event buffer depth.
	SubscriberBufferSize = 64

	// DefaultPTYCols and DefaultPTYRows size newly allocated pseudo-terminals.
	DefaultPTYCols = 120
	DefaultPTYRows = 30
)
