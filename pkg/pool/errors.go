package pool

import "errors"

var (
	// ErrQueueFull is returned by Acquire when the pool is saturated and
	// the wait queue has no room. The caller must back off or fail.
	ErrQueueFull = errors.New("session pool: wait queue full")

	// ErrQueueTimeout is returned to a queued acquirer whose entry
	// outlived the queue-expiry window without being fulfilled.
	ErrQueueTimeout = errors.New("session pool: queued acquire timed out")

	// ErrShuttingDown is returned when the pool no longer accepts
	// acquires, and to every queued acquirer at shutdown.
	ErrShuttingDown = errors.New("session pool: shutting down")

	// ErrHandleNotFound is returned for operations naming an id the
	// pool does not hold.
	ErrHandleNotFound = errors.New("session pool: handle not found")
)
