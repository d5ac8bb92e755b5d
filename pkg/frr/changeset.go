package frr

import (
	"fmt"
	"strings"
	"time"

	"github.com/newtron-network/newtconv/pkg/device"
	"github.com/newtron-network/newtconv/pkg/intent"
)

// ChangeSet is the statements one router needs to reach a desired
// configuration.
type ChangeSet struct {
	Router     string             `json:"router"`
	Timestamp  time.Time          `json:"timestamp"`
	Statements []device.Statement `json:"statements"`

	desired *intent.Router
}

// NewChangeSet creates an empty ChangeSet.
func NewChangeSet(router string) *ChangeSet {
	return &ChangeSet{
		Router:     router,
		Timestamp:  time.Now(),
		Statements: make([]device.Statement, 0),
	}
}

// IsEmpty returns true if there are no statements.
func (cs *ChangeSet) IsEmpty() bool {
	return len(cs.Statements) == 0
}

// Desired is the configuration recorded once the statements are applied.
func (cs *ChangeSet) Desired() *intent.Router {
	return cs.desired.Clone()
}

// String lists the statements, one per line.
func (cs *ChangeSet) String() string {
	if cs.IsEmpty() {
		return "No changes"
	}
	var sb strings.Builder
	for _, s := range cs.Statements {
		tag := "[ADD]"
		if strings.HasPrefix(s.Line, "no ") {
			tag = "[DEL]"
		}
		sb.WriteString(fmt.Sprintf("  %s %s\n", tag, s))
	}
	return sb.String()
}

// Preview returns a formatted preview of the changes.
func (cs *ChangeSet) Preview() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Router: %s\n", cs.Router))
	sb.WriteString(fmt.Sprintf("Changes:\n%s", cs.String()))
	return sb.String()
}

// Script renders the statements as a vtysh configuration script.
func (cs *ChangeSet) Script() string {
	var sb strings.Builder
	sb.WriteString("configure terminal\n")
	for _, s := range cs.Statements {
		for i, c := range s.Context {
			sb.WriteString(strings.Repeat(" ", i))
			sb.WriteString(c)
			sb.WriteString("\n")
		}
		sb.WriteString(strings.Repeat(" ", len(s.Context)))
		sb.WriteString(s.Line)
		sb.WriteString("\n")
		if len(s.Context) > 0 {
			sb.WriteString("end\nconfigure terminal\n")
		}
	}
	sb.WriteString("end\n")
	return sb.String()
}
