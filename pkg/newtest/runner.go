package newtest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/newtron-network/newtconv/pkg/device"
	"github.com/newtron-network/newtconv/pkg/harness"
	"github.com/newtron-network/newtconv/pkg/topology"
	"github.com/newtron-network/newtconv/pkg/util"
)

// Connector returns the backend and control channel for a loaded topology.
// path is the file the topology was loaded from. A nil backend leaves the
// routers to be managed outside the run.
type Connector func(ctx context.Context, topo *topology.Topology, path string) (harness.Backend, device.Channel, error)

// Runner is the top-level newtest orchestrator.
type Runner struct {
	ScenariosDir  string
	TopologiesDir string
	Connect       Connector
	Harness       harness.Options
	Progress      ProgressReporter
	// RunID identifies the run in reports and state.
	RunID string

	h *harness.Harness
}

// RunOptions controls Runner behavior from CLI flags.
type RunOptions struct {
	Scenario string
	All      bool
	Topology string
	// Keep leaves the routers running after the last scenario.
	Keep bool

	// Lifecycle fields, set when a run is tracked as a suite.
	Suite     string                // suite name for pause checks; empty disables them
	Resume    bool                  // true when resuming a paused run
	Completed map[string]StepStatus // scenario → status from previous run (resume)
}

// NewRunner creates a new test runner.
func NewRunner(scenariosDir, topologiesDir string, connect Connector) *Runner {
	return &Runner{
		ScenariosDir:  scenariosDir,
		TopologiesDir: topologiesDir,
		Connect:       connect,
		RunID:         uuid.NewString(),
	}
}

// LoadScenarios parses the scenarios a run would execute, in execution
// order.
func (r *Runner) LoadScenarios(opts RunOptions) ([]*Scenario, error) {
	if opts.Scenario == "" && !opts.All {
		return nil, fmt.Errorf("specify --scenario <name> or --all")
	}

	if !opts.All {
		path, err := resolveScenarioPath(r.ScenariosDir, opts.Scenario)
		if err != nil {
			return nil, err
		}
		s, err := ParseScenario(path)
		if err != nil {
			return nil, err
		}
		return []*Scenario{s}, nil
	}

	scenarios, err := ParseAllScenarios(r.ScenariosDir)
	if err != nil {
		return nil, err
	}
	if len(scenarios) == 0 {
		return nil, fmt.Errorf("no scenarios found in %s", r.ScenariosDir)
	}
	if HasRequires(scenarios) {
		return ValidateDependencyGraph(scenarios)
	}
	return scenarios, nil
}

// Run executes one or all scenarios and returns results.
// When all scenarios share a topology it is set up once and the scenarios
// run against it in order. Scenarios with `requires` are sorted by
// dependency order and skipped if a blocker did not pass.
func (r *Runner) Run(ctx context.Context, opts RunOptions) ([]*ScenarioResult, error) {
	if r.Connect == nil {
		return nil, fmt.Errorf("newtest: runner has no connector")
	}
	if opts.Topology != "" {
		if _, err := resolveTopologyPath(r.TopologiesDir, opts.Topology); err != nil {
			return nil, err
		}
	}

	scenarios, err := r.LoadScenarios(opts)
	if err != nil {
		return nil, err
	}

	r.progress(func(p ProgressReporter) { p.SuiteStart(scenarios) })
	suiteStart := time.Now()

	var results []*ScenarioResult
	if topo := sharedTopology(scenarios, opts.Topology); topo != "" {
		results, err = r.runShared(ctx, scenarios, topo, opts)
	} else {
		results, err = r.runIndependent(ctx, scenarios, opts)
	}
	if err != nil {
		return results, err
	}

	r.progress(func(p ProgressReporter) { p.SuiteEnd(results, time.Since(suiteStart)) })
	return results, nil
}

// scenarioRunner executes a single scenario within the iteration loop.
type scenarioRunner func(ctx context.Context, sc *Scenario, topology string) (*ScenarioResult, error)

// iterateScenarios is the scenario loop shared by runShared and
// runIndependent. It handles resume, pause, requires checks and progress
// reporting; run performs the scenario itself.
func (r *Runner) iterateScenarios(ctx context.Context, scenarios []*Scenario, opts RunOptions, run scenarioRunner) ([]*ScenarioResult, error) {
	scenarioStatus := make(map[string]StepStatus)
	var results []*ScenarioResult

	for name, st := range opts.Completed {
		scenarioStatus[name] = st
	}

	for i, sc := range scenarios {
		topology := opts.Topology
		if topology == "" {
			topology = sc.Topology
		}

		if opts.Resume {
			if prev, ok := opts.Completed[sc.Name]; ok && prev == StepStatusPassed {
				result := &ScenarioResult{
					Name:       sc.Name,
					Topology:   topology,
					Status:     StepStatusSkipped,
					SkipReason: "already passed (resumed)",
				}
				results = append(results, result)
				r.progress(func(p ProgressReporter) { p.ScenarioEnd(result, i, len(scenarios)) })
				continue
			}
		}

		// Another process set status to "pausing": stop here
		if opts.Suite != "" && CheckPausing(opts.Suite) {
			return results, &PauseError{Completed: len(results)}
		}
		if err := ctx.Err(); err != nil {
			return results, err
		}

		if reason := checkRequires(sc, scenarioStatus); reason != "" {
			result := &ScenarioResult{
				Name:       sc.Name,
				Topology:   topology,
				Status:     StepStatusSkipped,
				SkipReason: reason,
			}
			results = append(results, result)
			scenarioStatus[sc.Name] = StepStatusSkipped
			r.progress(func(p ProgressReporter) { p.ScenarioEnd(result, i, len(scenarios)) })
			continue
		}

		r.progress(func(p ProgressReporter) { p.ScenarioStart(sc.Name, i, len(scenarios)) })

		result, err := run(ctx, sc, topology)
		if err != nil {
			return results, err
		}

		results = append(results, result)
		scenarioStatus[sc.Name] = result.Status
		r.progress(func(p ProgressReporter) { p.ScenarioEnd(result, i, len(scenarios)) })
	}

	return results, nil
}

// setup loads the topology, connects to its routers and brings the network
// up with its initial configuration.
func (r *Runner) setup(ctx context.Context, name string) (*harness.Harness, error) {
	path, err := resolveTopologyPath(r.TopologiesDir, name)
	if err != nil {
		return nil, &InfraError{Op: "load", Err: err}
	}
	topo, err := topology.Load(path)
	if err != nil {
		return nil, &InfraError{Op: "load", Err: err}
	}
	backend, ch, err := r.Connect(ctx, topo, path)
	if err != nil {
		return nil, &InfraError{Op: "connect", Err: err}
	}

	h := harness.New(topo, backend, ch, r.Harness)
	util.WithField("topology", topo.Name).Infof("setting up %d routers", len(topo.RouterNames()))
	if err := h.Setup(ctx); err != nil {
		if tdErr := h.Teardown(context.WithoutCancel(ctx)); tdErr != nil {
			util.Warnf("teardown after failed setup: %v", tdErr)
		}
		ie := &InfraError{Op: "setup", Err: err}
		var se *util.SetupError
		if errors.As(err, &se) {
			ie.Router = se.Router
		}
		return nil, ie
	}
	return h, nil
}

// teardown stops the routers, or only drops the channel when keep is set.
func (r *Runner) teardown(ctx context.Context, h *harness.Harness, keep bool) {
	ctx = context.WithoutCancel(ctx)
	if keep {
		if err := h.Channel().Close(); err != nil {
			util.Warnf("closing channel: %v", err)
		}
		return
	}
	if err := h.Teardown(ctx); err != nil {
		util.Warnf("teardown: %v", err)
	}
}

// runShared sets the topology up once and runs every scenario against it.
func (r *Runner) runShared(ctx context.Context, scenarios []*Scenario, topology string, opts RunOptions) ([]*ScenarioResult, error) {
	h, err := r.setup(ctx, topology)
	if err != nil {
		var results []*ScenarioResult
		for _, sc := range scenarios {
			results = append(results, &ScenarioResult{
				Name:        sc.Name,
				Topology:    topology,
				Status:      StepStatusError,
				DeployError: err,
			})
		}
		return results, nil
	}
	defer r.teardown(ctx, h, opts.Keep)
	r.h = h

	return r.iterateScenarios(ctx, scenarios, opts, func(ctx context.Context, sc *Scenario, _ string) (*ScenarioResult, error) {
		result := &ScenarioResult{Name: sc.Name, Topology: topology}
		start := time.Now()
		r.runScenarioSteps(ctx, sc, result)
		result.Duration = time.Since(start)
		return result, nil
	})
}

// runIndependent runs each scenario with its own setup and teardown.
func (r *Runner) runIndependent(ctx context.Context, scenarios []*Scenario, opts RunOptions) ([]*ScenarioResult, error) {
	return r.iterateScenarios(ctx, scenarios, opts, func(ctx context.Context, sc *Scenario, topology string) (*ScenarioResult, error) {
		return r.RunScenario(ctx, sc, topology, opts.Keep), nil
	})
}

// RunScenario sets a topology up, executes one scenario against it and
// tears it down unless keep is set.
func (r *Runner) RunScenario(ctx context.Context, scenario *Scenario, topology string, keep bool) *ScenarioResult {
	result := &ScenarioResult{Name: scenario.Name, Topology: topology}
	start := time.Now()

	h, err := r.setup(ctx, topology)
	if err != nil {
		result.DeployError = err
		result.Status = StepStatusError
		result.Duration = time.Since(start)
		return result
	}
	defer r.teardown(ctx, h, keep)
	r.h = h

	r.runScenarioSteps(ctx, scenario, result)
	result.Duration = time.Since(start)
	return result
}

// runScenarioSteps executes the steps of a scenario, appending results to result.
// When scenario.Repeat > 1, all steps are executed in a loop for the specified
// number of iterations. Execution stops on the first failed iteration.
func (r *Runner) runScenarioSteps(ctx context.Context, scenario *Scenario, result *ScenarioResult) {
	repeat := scenario.Repeat
	if repeat <= 1 {
		repeat = 1
	}
	result.Repeat = scenario.Repeat

	for iter := 1; iter <= repeat; iter++ {
		iterFailed := false
		for i := range scenario.Steps {
			step := &scenario.Steps[i]
			r.progress(func(p ProgressReporter) { p.StepStart(scenario.Name, step, i, len(scenario.Steps)) })

			sr := *r.executeStep(ctx, step)
			if repeat > 1 {
				sr.Iteration = iter
			}
			result.Steps = append(result.Steps, sr)
			r.progress(func(p ProgressReporter) { p.StepEnd(scenario.Name, &sr, i, len(scenario.Steps)) })

			// Fail-fast within iteration
			if sr.Status == StepStatusFailed || sr.Status == StepStatusError {
				iterFailed = true
				break
			}
		}

		if iterFailed {
			if repeat > 1 {
				result.FailedIteration = iter
			}
			break
		}
	}

	result.Status = computeOverallStatus(result.Steps)
}

// executeStep dispatches a step to its executor.
func (r *Runner) executeStep(ctx context.Context, step *Step) *StepResult {
	executor, ok := executors[step.Action]
	if !ok {
		err := &StepError{Step: step.Name, Action: step.Action, Err: fmt.Errorf("unknown action: %s", step.Action)}
		return &StepResult{
			Name:    step.Name,
			Action:  step.Action,
			Status:  StepStatusError,
			Message: err.Error(),
		}
	}

	start := time.Now()
	result := executor.Execute(ctx, r, step)
	result.Duration = time.Since(start)
	result.Name = step.Name
	result.Action = step.Action

	// Aggregate per-router error details into Message when executors only set Details
	if result.Message == "" && len(result.Details) > 0 {
		var msgs []string
		for _, d := range result.Details {
			if d.Status != StepStatusPassed && d.Message != "" {
				msgs = append(msgs, d.Router+": "+d.Message)
			}
		}
		result.Message = strings.Join(msgs, "; ")
	}

	return result
}

// progress calls fn with the ProgressReporter if one is set.
func (r *Runner) progress(fn func(ProgressReporter)) {
	if r.Progress != nil {
		fn(r.Progress)
	}
}

// resolveRouters resolves step.Routers to concrete router names.
func (r *Runner) resolveRouters(step *Step) []string {
	return step.Routers.Resolve(r.h.Topo.RouterNames())
}

// computeOverallStatus computes overall scenario status from step results.
func computeOverallStatus(steps []StepResult) StepStatus {
	hasError := false
	for _, s := range steps {
		if s.Status == StepStatusError {
			hasError = true
		}
		if s.Status == StepStatusFailed {
			return StepStatusFailed
		}
	}
	if hasError {
		return StepStatusError
	}
	return StepStatusPassed
}

// HasRequires returns true if any scenario declares dependencies.
func HasRequires(scenarios []*Scenario) bool {
	for _, s := range scenarios {
		if len(s.Requires) > 0 {
			return true
		}
	}
	return false
}

// sharedTopology returns the common topology if all scenarios use the same one,
// or the override if set. Returns "" if topologies are mixed.
func sharedTopology(scenarios []*Scenario, override string) string {
	if override != "" {
		return override
	}
	if len(scenarios) == 0 {
		return ""
	}
	topo := scenarios[0].Topology
	for _, s := range scenarios[1:] {
		if s.Topology != topo {
			return ""
		}
	}
	return topo
}

// checkRequires returns a skip reason if any required scenario did not pass,
// or "" if all requirements are satisfied. A required scenario that has not
// been run yet is treated as not passed.
func checkRequires(sc *Scenario, status map[string]StepStatus) string {
	for _, req := range sc.Requires {
		st, ok := status[req]
		if !ok {
			return fmt.Sprintf("requires '%s' which has not run yet", req)
		}
		if st != StepStatusPassed {
			return fmt.Sprintf("requires '%s' which %s", req, statusVerb(st))
		}
	}
	return ""
}

// resolveTopologyPath resolves a topology name to a file. Tries in order:
//  1. The name itself, when it is an existing file
//  2. <dir>/<name>.yaml, .yml and .json
//  3. <dir>/<name>/topology.yaml
func resolveTopologyPath(dir, name string) (string, error) {
	if info, err := os.Stat(name); err == nil && !info.IsDir() {
		return name, nil
	}
	candidates := []string{
		filepath.Join(dir, name+".yaml"),
		filepath.Join(dir, name+".yml"),
		filepath.Join(dir, name+".json"),
		filepath.Join(dir, name, "topology.yaml"),
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	return "", fmt.Errorf("topology %q not found in %s: %w", name, dir, util.ErrNotFound)
}

// resolveScenarioPath resolves a scenario name to a YAML file path.
// Tries in order:
//  1. Exact match: <dir>/<name>.yaml
//  2. Numbered prefix: <dir>/*-<name>.yaml
//  3. Scan files for matching name: field
func resolveScenarioPath(dir, name string) (string, error) {
	exact := filepath.Join(dir, name+".yaml")
	if _, err := os.Stat(exact); err == nil {
		return exact, nil
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "*-"+name+".yaml"))
	if len(matches) == 1 {
		return matches[0], nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("scenario %q not found: %w", name, err)
	}
	var found string
	for _, e := range entries {
		if e.IsDir() || !isYAML(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		s, err := ParseScenario(path)
		if err != nil {
			continue
		}
		if s.Name == name {
			if found != "" {
				return "", fmt.Errorf("ambiguous scenario name %q: found in %s and %s", name, filepath.Base(found), e.Name())
			}
			found = path
		}
	}
	if found != "" {
		return found, nil
	}

	return "", fmt.Errorf("scenario %q not found in %s: %w", name, dir, util.ErrNotFound)
}
