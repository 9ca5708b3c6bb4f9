package orchestrator

import "errors"

var (
	// ErrEstopped rejects start while an emergency stop is latched.
	ErrEstopped = errors.New("orchestrator is estopped; clear_estop first")
	// ErrAlreadyRunning rejects start while the loop is running.
	ErrAlreadyRunning = errors.New("dispatch loop already running")
	// ErrLoopRunning rejects operations that need a stopped loop.
	ErrLoopRunning = errors.New("operation requires a stopped dispatch loop")
	// ErrNotFound is returned for unknown ids, indexes or waits.
	ErrNotFound = errors.New("not found")
	// ErrInvalid is returned for malformed work items.
	ErrInvalid = errors.New("invalid work item")
)
