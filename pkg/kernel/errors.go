package kernel

import "fmt"

// StateViolationError is returned when an operation is attempted from a
// state it is not legal in. Both the required and actual states are named,
// so a caller's log line is actionable without re-deriving the state
// machine.
type StateViolationError struct {
	Op       string
	Required []string
	Actual   string
}

func (e *StateViolationError) Error() string {
	return fmt.Sprintf("%s requires state in %v, got %s", e.Op, e.Required, e.Actual)
}

// NotConnectedError is returned when an operation is attempted before Start
// or after Cleanup.
type NotConnectedError struct{}

func (e *NotConnectedError) Error() string { return "kernel: not connected" }

// DisconnectedError is returned when the transport closed mid-operation.
type DisconnectedError struct{}

func (e *DisconnectedError) Error() string { return "kernel: disconnected" }

// ProcessTerminatedError is returned by Start when the child exits before
// the initial pause. Resume, Pause and the step operations do not return
// it: when the child exits while they wait, they return the Terminated
// state with a nil error, and operations attempted after the exit fail
// with StateViolationError.
type ProcessTerminatedError struct {
	ExitCode *int
	Signal   string
}

func (e *ProcessTerminatedError) Error() string {
	if e.ExitCode != nil {
		return fmt.Sprintf("kernel: process terminated (exit code %d)", *e.ExitCode)
	}
	return "kernel: process terminated"
}

// InvalidArgumentError is returned for malformed operation arguments, e.g.
// an out-of-range frame or scope index. Breakpoint arguments (a
// non-positive line, an empty log-message template) are rejected with
// breakpoint.InvalidArgumentError instead.
type InvalidArgumentError struct{ Reason string }

func (e *InvalidArgumentError) Error() string { return "kernel: invalid argument: " + e.Reason }

// BreakpointUnresolvedError reports that a set operation returned no CDP
// id; the breakpoint remains in the local registry for possible later
// resolution.
type BreakpointUnresolvedError struct{ LocalID string }

func (e *BreakpointUnresolvedError) Error() string {
	return fmt.Sprintf("kernel: breakpoint %s unresolved", e.LocalID)
}
