// Package newtest runs YAML test scenarios against a harness. A scenario
// names a topology and a sequence of steps: configuration deltas, fault
// injection and verifications that poll the routers until they converge.
package newtest

import (
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/newtron-network/newtconv/pkg/intent"
	"github.com/newtron-network/newtconv/pkg/util"
)

// Scenario is a parsed test scenario from a YAML file.
type Scenario struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Topology    string   `yaml:"topology"`
	Requires    []string `yaml:"requires,omitempty"`
	Repeat      int      `yaml:"repeat,omitempty"`
	Steps       []Step   `yaml:"steps"`
}

// Step is a single action within a scenario.
// Fields are action-specific; the parser checks that the fields an action
// needs are present.
type Step struct {
	Name    string         `yaml:"name"`
	Action  StepAction     `yaml:"action"`
	Routers routerSelector `yaml:"routers,omitempty"`

	// wait
	Duration time.Duration `yaml:"duration,omitempty"`

	// apply-config, remove-config
	Config intent.Set `yaml:"config,omitempty"`

	// set-interface, flap-interface, resolve-link-local
	Interface string        `yaml:"interface,omitempty"`
	Status    string        `yaml:"status,omitempty"` // "up" or "down"
	Hold      time.Duration `yaml:"hold,omitempty"`

	// verify-routes
	AFI    intent.AFI  `yaml:"afi,omitempty"`
	Table  string      `yaml:"table,omitempty"`
	Routes []RouteSpec `yaml:"routes,omitempty"`

	// command
	Command string `yaml:"command,omitempty"`

	// All verify-* actions, resolve-link-local, command
	Expect *ExpectBlock `yaml:"expect,omitempty"`
}

// StepAction identifies the type of step to execute.
type StepAction string

const (
	ActionApplyConfig      StepAction = "apply-config"
	ActionRemoveConfig     StepAction = "remove-config"
	ActionResetConfig      StepAction = "reset-config"
	ActionVerifyBGP        StepAction = "verify-bgp-convergence"
	ActionVerifyRoutes     StepAction = "verify-routes"
	ActionSetInterface     StepAction = "set-interface"
	ActionFlapInterface    StepAction = "flap-interface"
	ActionClearBGP         StepAction = "clear-bgp"
	ActionResolveLinkLocal StepAction = "resolve-link-local"
	ActionWait             StepAction = "wait"
	ActionCommand          StepAction = "command"
)

// validActions is the set of all recognized step actions, derived from the
// executors map in steps.go at init time.
var validActions map[StepAction]bool

func init() {
	validActions = make(map[StepAction]bool, len(executors))
	for action := range executors {
		validActions[action] = true
	}
}

// routerSelector handles the two YAML forms for the "routers" field:
//
//	routers: all        → All: true
//	routers: [r1, r2]   → Routers: ["r1", "r2"]
type routerSelector struct {
	All     bool
	Routers []string
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (rs *routerSelector) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		if value.Value == "all" {
			rs.All = true
			return nil
		}
		return fmt.Errorf("line %d: invalid router selector %q (expected \"all\" or a list)", value.Line, value.Value)
	}
	return value.Decode(&rs.Routers)
}

// IsZero lets omitempty drop an unset selector.
func (rs routerSelector) IsZero() bool {
	return !rs.All && len(rs.Routers) == 0
}

// Resolve returns the routers to target. All resolves to every router in
// natural order.
func (rs *routerSelector) Resolve(all []string) []string {
	if rs.All {
		sorted := make([]string, len(all))
		copy(sorted, all)
		sort.Slice(sorted, func(i, j int) bool { return util.NaturalLess(sorted[i], sorted[j]) })
		return sorted
	}
	return rs.Routers
}

// RouteSpec is the expected state of one or more consecutive prefixes.
type RouteSpec struct {
	Network string `yaml:"network"`
	// Count expands Network to consecutive prefixes, like no_of_ip in a
	// static route intent.
	Count        int      `yaml:"count,omitempty"`
	NextHops     []string `yaml:"nexthops,omitempty"`
	NextHopCount int      `yaml:"nexthop_count,omitempty"`
	Mode         string   `yaml:"mode,omitempty"` // "all-of" (default) or "any-of"
	Absent       bool     `yaml:"absent,omitempty"`
	Protocol     string   `yaml:"protocol,omitempty"`
}

// ExpectBlock holds polling bounds and the action-specific match options.
type ExpectBlock struct {
	Timeout      time.Duration `yaml:"timeout,omitempty"`
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`

	// verify-routes
	Strict   bool   `yaml:"strict,omitempty"`
	Protocol string `yaml:"protocol,omitempty"`

	// command
	Contains string `yaml:"contains,omitempty"`
}
