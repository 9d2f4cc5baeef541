package queue

import "errors"

// Failure kinds the queue reports. Each settlement rejects with exactly one
// of these (or with whatever the render itself returned); kinds are
// distinguished by identity, never by an integer code.
var (
	// ErrQueueFull rejects admission when waiting plus running would exceed
	// the task budget. Submit returns it synchronously.
	ErrQueueFull = errors.New("render queue is full")

	// ErrQueueTimeout settles an item that aged out in waiting before start.
	ErrQueueTimeout = errors.New("queue wait budget exceeded")

	// ErrJobTimeout settles an item that exceeded its execution budget after
	// start.
	ErrJobTimeout = errors.New("render execution budget exceeded")

	// ErrCancelled settles an item whose caller abandoned it. Cancellation is
	// normal control flow, never an operational error.
	ErrCancelled = errors.New("processing cancelled")
)
