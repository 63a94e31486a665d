package analysis

import "errors"

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrResultNotFound    = errors.New("analysis result not found")
	ErrLeaseLost         = errors.New("task lease lost")
	ErrInvalidTransition = errors.New("invalid task state transition")
	ErrDuplicateResult   = errors.New("task already has a result")

	ErrPluginExecution = errors.New("plugin execution failed")
	ErrTimeout         = errors.New("task timed out")
	ErrCancelled       = errors.New("task cancelled")
)
