package newtest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/newtron-network/newtconv/pkg/intent"
	"github.com/newtron-network/newtconv/pkg/rib"
	"github.com/newtron-network/newtconv/pkg/util"
)

// Default timeouts for actions that wait on the routers. Poll intervals
// left unset fall back to the harness defaults.
const (
	defaultConvergenceTimeout = 120 * time.Second
	defaultRouteTimeout       = 60 * time.Second
	defaultLinkLocalTimeout   = 30 * time.Second
)

// ParseScenario reads a YAML scenario file and returns a validated Scenario.
func ParseScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario %s: %w", path, err)
	}
	s, err := parseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("parsing scenario %s: %w", path, err)
	}
	return s, nil
}

func parseScenario(data []byte) (*Scenario, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var s Scenario
	if err := dec.Decode(&s); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, util.NewValidationError("empty scenario")
		}
		return nil, err
	}
	if err := ValidateScenario(&s); err != nil {
		return nil, err
	}
	applyDefaults(&s)
	return &s, nil
}

// ParseAllScenarios reads all .yaml files in dir and returns parsed scenarios.
func ParseAllScenarios(dir string) ([]*Scenario, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading scenarios dir %s: %w", dir, err)
	}

	var scenarios []*Scenario
	for _, e := range entries {
		if e.IsDir() || !isYAML(e.Name()) {
			continue
		}
		s, err := ParseScenario(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

func isYAML(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

// ValidateScenario checks the scenario header and every step.
func ValidateScenario(s *Scenario) error {
	var v util.ValidationBuilder
	v.Add(s.Name != "", "scenario name is required")
	v.Add(s.Topology != "", fmt.Sprintf("scenario %s: topology is required", s.Name))
	v.Add(len(s.Steps) > 0, fmt.Sprintf("scenario %s: no steps", s.Name))
	v.Add(s.Repeat >= 0, fmt.Sprintf("scenario %s: repeat must not be negative", s.Name))
	for i := range s.Steps {
		if err := validateStepFields(s.Name, i, &s.Steps[i]); err != nil {
			v.AddErrorf("%v", err)
		}
	}
	return v.Build()
}

// requireRouters checks that the step has a router selector.
func requireRouters(prefix string, step *Step) error {
	if !step.Routers.All && len(step.Routers.Routers) == 0 {
		return fmt.Errorf("%s: routers is required", prefix)
	}
	return nil
}

// stepValidation declares what fields each action requires.
type stepValidation struct {
	needsRouters bool     // must have a router selector
	singleRouter bool     // exactly one router required (implies needsRouters)
	fields       []string // required step-level fields
	custom       func(prefix string, step *Step) error
}

// stepValidations is the declarative validation table for all step actions.
var stepValidations = map[StepAction]stepValidation{
	ActionWait: {custom: func(prefix string, step *Step) error {
		if step.Duration <= 0 {
			return fmt.Errorf("%s: duration is required", prefix)
		}
		return nil
	}},
	ActionApplyConfig:  {custom: validateConfig},
	ActionRemoveConfig: {custom: validateConfig},
	ActionResetConfig:  {},
	ActionVerifyBGP:    {},
	ActionClearBGP:     {},
	ActionVerifyRoutes: {needsRouters: true, custom: validateRoutes},
	ActionSetInterface: {singleRouter: true, fields: []string{"interface", "status"}, custom: func(prefix string, step *Step) error {
		if step.Status != "up" && step.Status != "down" {
			return fmt.Errorf("%s: status must be up or down, not %q", prefix, step.Status)
		}
		return nil
	}},
	ActionFlapInterface:    {singleRouter: true, fields: []string{"interface"}},
	ActionResolveLinkLocal: {singleRouter: true, fields: []string{"interface"}},
	ActionCommand:          {needsRouters: true, fields: []string{"command"}},
}

// stepFieldGetter maps step-level field names to their accessor functions.
var stepFieldGetter = map[string]func(*Step) string{
	"interface": func(s *Step) string { return s.Interface },
	"status":    func(s *Step) string { return s.Status },
	"command":   func(s *Step) string { return s.Command },
}

func validateConfig(prefix string, step *Step) error {
	if len(step.Config) == 0 {
		return fmt.Errorf("%s: config is required", prefix)
	}
	if err := step.Config.Validate(); err != nil {
		return fmt.Errorf("%s: %w", prefix, err)
	}
	return nil
}

func validateRoutes(prefix string, step *Step) error {
	if len(step.Routes) == 0 {
		return fmt.Errorf("%s: routes is required", prefix)
	}
	if step.AFI != "" && step.AFI != intent.IPv4 && step.AFI != intent.IPv6 {
		return fmt.Errorf("%s: afi must be ipv4 or ipv6", prefix)
	}
	switch rib.Table(step.Table) {
	case "", rib.TableBGP, rib.TableRIB, rib.TableAppDB:
	default:
		return fmt.Errorf("%s: unknown table %q", prefix, step.Table)
	}
	for _, r := range step.Routes {
		p, err := netip.ParsePrefix(r.Network)
		if err != nil {
			return fmt.Errorf("%s: route network %q is not a prefix", prefix, r.Network)
		}
		if step.AFI != "" && p.Addr().Is4() != (step.AFI == intent.IPv4) {
			return fmt.Errorf("%s: route %s is not %s", prefix, r.Network, step.AFI)
		}
		switch rib.Mode(r.Mode) {
		case "", rib.AllOf, rib.AnyOf:
		default:
			return fmt.Errorf("%s: route %s: mode must be all-of or any-of", prefix, r.Network)
		}
		if r.Absent && (len(r.NextHops) > 0 || r.NextHopCount > 0) {
			return fmt.Errorf("%s: route %s: absent routes take no nexthops", prefix, r.Network)
		}
	}
	return nil
}

// validateStepFields checks required fields per action type using the
// stepValidations table.
func validateStepFields(scenario string, index int, step *Step) error {
	prefix := fmt.Sprintf("scenario %s step %d (%s)", scenario, index, step.Name)

	if !validActions[step.Action] {
		return fmt.Errorf("%s: unknown action %q", prefix, step.Action)
	}
	v := stepValidations[step.Action]

	if v.singleRouter {
		if step.Routers.All || len(step.Routers.Routers) != 1 {
			return fmt.Errorf("%s: %s requires exactly one router", prefix, step.Action)
		}
	} else if v.needsRouters {
		if err := requireRouters(prefix, step); err != nil {
			return err
		}
	}

	for _, field := range v.fields {
		getter, exists := stepFieldGetter[field]
		if !exists {
			return fmt.Errorf("%s: unknown validation field %q (bug)", prefix, field)
		}
		if getter(step) == "" {
			return fmt.Errorf("%s: %s is required", prefix, field)
		}
	}

	if v.custom != nil {
		if err := v.custom(prefix, step); err != nil {
			return err
		}
	}
	return nil
}

// ValidateDependencyGraph checks that all Requires references exist and there
// are no cycles. On success it returns scenarios in dependency order.
func ValidateDependencyGraph(scenarios []*Scenario) ([]*Scenario, error) {
	names := make(map[string]bool, len(scenarios))
	for _, s := range scenarios {
		if names[s.Name] {
			return nil, fmt.Errorf("duplicate scenario name: %s", s.Name)
		}
		names[s.Name] = true
	}

	for _, s := range scenarios {
		for _, req := range s.Requires {
			if req == s.Name {
				return nil, fmt.Errorf("scenario %s requires itself", s.Name)
			}
			if !names[req] {
				return nil, fmt.Errorf("scenario %s requires unknown scenario %q", s.Name, req)
			}
		}
	}

	return topologicalSort(scenarios)
}

// topologicalSort returns scenarios in dependency order using Kahn's
// algorithm. Independent scenarios keep their input order.
func topologicalSort(scenarios []*Scenario) ([]*Scenario, error) {
	byName := make(map[string]*Scenario, len(scenarios))
	inDegree := make(map[string]int, len(scenarios))
	dependents := make(map[string][]string)

	for _, s := range scenarios {
		byName[s.Name] = s
		inDegree[s.Name] = len(s.Requires)
		for _, req := range s.Requires {
			dependents[req] = append(dependents[req], s.Name)
		}
	}

	var queue []string
	for _, s := range scenarios {
		if inDegree[s.Name] == 0 {
			queue = append(queue, s.Name)
		}
	}

	var sorted []*Scenario
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		sorted = append(sorted, byName[name])

		for _, dep := range dependents[name] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(scenarios) {
		var inCycle []string
		for _, s := range scenarios {
			if inDegree[s.Name] > 0 {
				inCycle = append(inCycle, s.Name)
			}
		}
		return nil, fmt.Errorf("dependency cycle involving: %s", strings.Join(inCycle, ", "))
	}

	return sorted, nil
}

// applyDefaults fills the per-action timeouts.
func applyDefaults(s *Scenario) {
	for i := range s.Steps {
		step := &s.Steps[i]

		var timeout time.Duration
		switch step.Action {
		case ActionVerifyBGP, ActionClearBGP:
			timeout = defaultConvergenceTimeout
		case ActionVerifyRoutes:
			timeout = defaultRouteTimeout
			if step.AFI == "" {
				step.AFI = intent.IPv4
			}
		case ActionResolveLinkLocal:
			timeout = defaultLinkLocalTimeout
		default:
			continue
		}
		if step.Expect == nil {
			step.Expect = &ExpectBlock{}
		}
		if step.Expect.Timeout == 0 {
			step.Expect.Timeout = timeout
		}
	}
}
