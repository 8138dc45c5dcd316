package queue

import "errors"

var (
	ErrUserBanned       = errors.New("user is banned")
	ErrConcurrencyLimit = errors.New("per-user concurrency limit exceeded")
	// ErrQueueFull is advisory backpressure: callers should retry later.
	ErrQueueFull    = errors.New("queue full, retry later")
	ErrUnknownJob   = errors.New("unknown job")
	ErrInvalidState = errors.New("job is not in a cancellable state")
)
