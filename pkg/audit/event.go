// Package audit keeps a journal of the changes pushed to routers during a
// run: configuration statements, interface admin changes and BGP clears.
package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/newtron-network/newtconv/pkg/device"
)

// Operations recorded in the journal.
const (
	OpConfigure = "configure"
	OpLinkDown  = "link-down"
	OpLinkUp    = "link-up"
	OpClearBGP  = "clear-bgp"
)

// Event is one change made to a router.
type Event struct {
	ID         string             `json:"id"`
	Timestamp  time.Time          `json:"timestamp"`
	RunID      string             `json:"run_id,omitempty"`
	Router     string             `json:"router"`
	Operation  string             `json:"operation"`
	Interface  string             `json:"interface,omitempty"`
	Statements []device.Statement `json:"statements,omitempty"`
	Success    bool               `json:"success"`
	Error      string             `json:"error,omitempty"`
	Duration   time.Duration      `json:"duration"`
}

// Filter defines criteria for querying audit events
type Filter struct {
	Router      string
	RunID       string
	Operation   string
	Interface   string
	StartTime   time.Time
	EndTime     time.Time
	SuccessOnly bool
	FailureOnly bool
	Limit       int
	Offset      int
}

// NewEvent creates a new audit event
func NewEvent(router, operation string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Router:    router,
		Operation: operation,
	}
}

// WithInterface sets the interface name
func (e *Event) WithInterface(iface string) *Event {
	e.Interface = iface
	return e
}

// WithStatements sets the statements sent to the router
func (e *Event) WithStatements(stmts []device.Statement) *Event {
	e.Statements = stmts
	return e
}

// WithResult marks the event successful when err is nil, failed otherwise.
func (e *Event) WithResult(err error) *Event {
	e.Success = err == nil
	e.Error = ""
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// WithDuration sets the duration from start until now.
func (e *Event) WithDuration(start time.Time) *Event {
	e.Duration = time.Since(start)
	return e
}
