package xdma

import (
	"errors"
)

// The error taxonomy of the DMA layer. Errors returned by this package, and
// errors attached to a request status, wrap one of these and can be tested
// with errors.Is.
var (
	// ErrNoCapacity reports that no channel, descriptor or segment slot is
	// free. The caller may retry later.
	ErrNoCapacity = errors.New("no capacity")

	// ErrQueueFull is the back-pressure signal of Enqueue.
	ErrQueueFull = errors.New("queue full")

	// ErrEmpty is returned by Dequeue when the oldest request is not done.
	ErrEmpty = errors.New("no completed request")

	// ErrBackendTimeout reports that a bounded hardware poll ran out of
	// retries.
	ErrBackendTimeout = errors.New("backend timeout")

	// ErrProtocol reports an invalid response from the hardware.
	ErrProtocol = errors.New("protocol error")

	// ErrConfiguration reports a channel used in a state or mode that does
	// not allow the operation.
	ErrConfiguration = errors.New("configuration error")

	// ErrCancelled is the status of requests invalidated by Terminate.
	ErrCancelled = errors.New("cancelled")
)
