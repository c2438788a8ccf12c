package worker

import (
	"errors"

	bridgeerrors "github.com/c360/cepbridge/errors"
)

// Sentinel errors for worker pool operations
var (
	ErrPoolNotStarted     = errors.New("worker pool not started")
	ErrPoolStopped        = errors.New("worker pool stopped")
	ErrPoolAlreadyStarted = errors.New("worker pool already started")
	ErrNilProcessor       = errors.New("processor function cannot be nil")
	ErrStopTimeout        = errors.New("timeout waiting for workers to stop")

	// ErrQueueFull is the shared queue-full sentinel so callers can test for
	// backpressure without importing this package.
	ErrQueueFull = bridgeerrors.ErrQueueFull
)
