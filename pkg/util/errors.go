// Package util provides logging, the harness error taxonomy and address helpers.
package util

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors. Every typed error below unwraps to exactly one of these.
var (
	ErrSetup                 = errors.New("setup failed")
	ErrConfigRejected        = errors.New("configuration rejected")
	ErrConvergenceTimeout    = errors.New("convergence timeout")
	ErrResolutionUnavailable = errors.New("address not yet available")
	ErrFault                 = errors.New("fault injection failed")
	ErrNotFound              = errors.New("resource not found")
	ErrInvalidConfig         = errors.New("invalid configuration")
	ErrValidationFailed      = errors.New("validation failed")
)

// SetupError aborts a run before any assertion executes.
type SetupError struct {
	Stage  string // "load", "backend", "configure", "resolve"
	Router string
	Err    error
}

func (e *SetupError) Error() string {
	if e.Router != "" {
		return fmt.Sprintf("setup %s on %s: %v", e.Stage, e.Router, e.Err)
	}
	return fmt.Sprintf("setup %s: %v", e.Stage, e.Err)
}

func (e *SetupError) Unwrap() []error {
	return []error{ErrSetup, e.Err}
}

// NewSetupError creates a setup error
func NewSetupError(stage, router string, err error) *SetupError {
	return &SetupError{Stage: stage, Router: router, Err: err}
}

// ConfigRejectedError reports the statement a router refused. Statements
// applied before it in the same batch stay applied.
type ConfigRejectedError struct {
	Router    string
	Statement string
	Output    string
}

func (e *ConfigRejectedError) Error() string {
	msg := fmt.Sprintf("%s rejected %q", e.Router, e.Statement)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

func (e *ConfigRejectedError) Unwrap() error {
	return ErrConfigRejected
}

// NewConfigRejectedError creates a config rejected error
func NewConfigRejectedError(router, statement, output string) *ConfigRejectedError {
	return &ConfigRejectedError{Router: router, Statement: statement, Output: output}
}

// ConvergenceTimeoutError carries the last state observed before the deadline.
type ConvergenceTimeoutError struct {
	What     string
	Timeout  time.Duration
	Attempts int
	Last     string
	Cause    error
}

func (e *ConvergenceTimeoutError) Error() string {
	msg := fmt.Sprintf("%s: not converged after %s (%d attempts)", e.What, e.Timeout, e.Attempts)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if e.Last != "" {
		msg += "\nlast observed:\n" + e.Last
	}
	return msg
}

func (e *ConvergenceTimeoutError) Unwrap() error {
	return ErrConvergenceTimeout
}

// ResolutionUnavailableError is returned when a link-local address has not
// been assigned yet. Callers retry or fail; they never substitute another address.
type ResolutionUnavailableError struct {
	Router    string
	Interface string
}

func (e *ResolutionUnavailableError) Error() string {
	return fmt.Sprintf("no link-local address on %s %s", e.Router, e.Interface)
}

func (e *ResolutionUnavailableError) Unwrap() error {
	return ErrResolutionUnavailable
}

// FaultError reports a failed admin state change.
type FaultError struct {
	Router    string
	Interface string
	Up        bool
	Err       error
}

func (e *FaultError) Error() string {
	state := "down"
	if e.Up {
		state = "up"
	}
	return fmt.Sprintf("set %s %s %s: %v", e.Router, e.Interface, state, e.Err)
}

func (e *FaultError) Unwrap() []error {
	return []error{ErrFault, e.Err}
}

// ValidationError represents one or more validation failures
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "validation failed: " + e.Errors[0]
	}
	return fmt.Sprintf("validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// NewValidationError creates a validation error from messages
func NewValidationError(messages ...string) *ValidationError {
	return &ValidationError{Errors: messages}
}

// ValidationBuilder helps accumulate validation errors
type ValidationBuilder struct {
	errors []string
}

// Add adds an error message if condition is false
func (v *ValidationBuilder) Add(condition bool, message string) *ValidationBuilder {
	if !condition {
		v.errors = append(v.errors, message)
	}
	return v
}

// AddErrorf adds a formatted error message
func (v *ValidationBuilder) AddErrorf(format string, args ...interface{}) *ValidationBuilder {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
	return v
}

// HasErrors returns true if there are validation errors
func (v *ValidationBuilder) HasErrors() bool {
	return len(v.errors) > 0
}

// Build returns the validation error or nil if no errors
func (v *ValidationBuilder) Build() error {
	if len(v.errors) == 0 {
		return nil
	}
	return &ValidationError{Errors: v.errors}
}
