package tools

import "fmt"

// ErrToolUnavailable is returned when a tool call targets a tool that
// is not registered. The agent reports it back to the model as a tool
// result rather than aborting the turn.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}

// InvalidArgumentsError means the model's arguments did not satisfy the
// tool's parameter schema. The handler was not called.
type InvalidArgumentsError struct {
	ToolName string
	Err      error
}

func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.ToolName, e.Err)
}

func (e *InvalidArgumentsError) Unwrap() error { return e.Err }

// ExecutionError wraps a handler failure, panic, or timeout.
type ExecutionError struct {
	ToolName string
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.ToolName, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
