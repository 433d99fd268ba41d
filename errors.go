package tandem

import (
	"errors"
	"fmt"
)

// ErrDisposed is returned by public methods after Dispose.
var ErrDisposed = errors.New("tandem: loop disposed")

// ErrNotRunning is returned when an operation requires a started loop.
var ErrNotRunning = errors.New("tandem: loop not running")

// ErrAlreadyRunning is returned by Start when the loop is already running.
var ErrAlreadyRunning = errors.New("tandem: loop already running")

// ErrEmptyInput is returned by Send when the input carries no messages.
var ErrEmptyInput = errors.New("tandem: input has no messages")

// ErrMissingToolCallID reports a tool call that arrived from the pipeline
// without a tool_call_id. This is a contract violation by an upstream stage,
// not a recoverable tool failure: the turn aborts with this error.
type ErrMissingToolCallID struct {
	// ToolName is the function name on the offending call, if any.
	ToolName string
}

func (e *ErrMissingToolCallID) Error() string {
	return fmt.Sprintf("tandem: tool call %q has no tool_call_id", e.ToolName)
}

// ErrStreamFailed wraps a pipeline stream failure. The run ends abnormally
// but the driver keeps consuming subsequent inputs.
type ErrStreamFailed struct {
	RunID string
	Err   error
}

func (e *ErrStreamFailed) Error() string {
	return fmt.Sprintf("tandem: run %s stream failed: %v", e.RunID, e.Err)
}

func (e *ErrStreamFailed) Unwrap() error { return e.Err }
