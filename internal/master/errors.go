package master

import "errors"

var (
	// ErrTaskNotFound is returned for ids that were never submitted, were already
	// consumed, or whose node vanished without a completion.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskNotCompleted is returned when a wait times out.
	ErrTaskNotCompleted = errors.New("task not completed")
	// ErrNoConnection is returned by WaitForConnection on timeout.
	ErrNoConnection = errors.New("no slave connected")
	// ErrPayloadTooLarge is returned by Submit when the payload cannot fit in one frame.
	ErrPayloadTooLarge = errors.New("task payload too large")
	// ErrQueueFull is returned by Submit when the pending queue is at capacity.
	ErrQueueFull = errors.New("task queue full")
	// ErrStopped is returned once the master has been stopped.
	ErrStopped = errors.New("master stopped")
	// ErrPortsExhausted is returned when no port pair is left to allocate.
	ErrPortsExhausted = errors.New("port range exhausted")
)
