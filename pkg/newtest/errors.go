package newtest

import "fmt"

// InfraError is a failure to reach or bring up the routers (load, connect,
// setup, teardown).
type InfraError struct {
	Op     string // "load", "connect", "setup", "teardown"
	Router string // router name, or "" for topology-level errors
	Err    error
}

func (e *InfraError) Error() string {
	if e.Router != "" {
		return fmt.Sprintf("newtest: %s %s: %v", e.Op, e.Router, e.Err)
	}
	return fmt.Sprintf("newtest: %s: %v", e.Op, e.Err)
}

func (e *InfraError) Unwrap() error {
	return e.Err
}

// StepError represents a step execution error.
type StepError struct {
	Step   string
	Action StepAction
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("newtest: step %s (%s): %v", e.Step, e.Action, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// PauseError is returned when a run stops early because its suite was
// asked to pause.
type PauseError struct {
	Completed int
}

func (e *PauseError) Error() string {
	return fmt.Sprintf("newtest: paused after %d scenarios", e.Completed)
}
