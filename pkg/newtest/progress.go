package newtest

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/newtron-network/newtconv/pkg/cli"
	"github.com/newtron-network/newtconv/pkg/util"
)

// ProgressReporter receives lifecycle callbacks during test execution.
type ProgressReporter interface {
	SuiteStart(scenarios []*Scenario)
	ScenarioStart(name string, index, total int)
	ScenarioEnd(result *ScenarioResult, index, total int)
	StepStart(scenario string, step *Step, index, total int)
	StepEnd(scenario string, result *StepResult, index, total int)
	SuiteEnd(results []*ScenarioResult, duration time.Duration)
}

// consoleProgress is an append-only terminal progress reporter.
// It never uses ANSI cursor rewriting, so output is safe for pipes, CI,
// and scrollback buffers.
type consoleProgress struct {
	W       io.Writer
	Verbose bool

	dotWidth int
}

// NewConsoleProgress creates a progress reporter writing to stdout.
func NewConsoleProgress(verbose bool) ProgressReporter {
	return newConsoleProgress(os.Stdout, verbose)
}

func newConsoleProgress(w io.Writer, verbose bool) *consoleProgress {
	return &consoleProgress{W: w, Verbose: verbose, dotWidth: 30}
}

func (p *consoleProgress) SuiteStart(scenarios []*Scenario) {
	if len(scenarios) == 0 {
		return
	}

	maxName := 0
	for _, s := range scenarios {
		if len(s.Name) > maxName {
			maxName = len(s.Name)
		}
	}
	p.dotWidth = maxName + 6

	topology := scenarios[0].Topology
	if sharedTopology(scenarios, "") == "" {
		topology = "mixed"
	}
	fmt.Fprintf(p.W, "\nnewtconv: %d scenarios, topology: %s\n\n", len(scenarios), topology)

	fmt.Fprintf(p.W, "  %-4s  %-*s  %s\n", "#", p.dotWidth-6, "SCENARIO", "STEPS")
	for i, s := range scenarios {
		fmt.Fprintf(p.W, "  %-4d  %-*s  %d\n", i+1, p.dotWidth-6, s.Name, len(s.Steps))
	}
	fmt.Fprintln(p.W)
}

func (p *consoleProgress) ScenarioStart(name string, index, total int) {
	if p.Verbose {
		fmt.Fprintf(p.W, "  [%d/%d]  %s\n", index+1, total, name)
	}
}

func (p *consoleProgress) ScenarioEnd(result *ScenarioResult, index, total int) {
	tag := fmt.Sprintf("[%d/%d]", index+1, total)

	if p.Verbose {
		if result.DeployError != nil {
			fmt.Fprintf(p.W, "          %s\n", cli.Dim(result.DeployError.Error()))
		}
		fmt.Fprintf(p.W, "          %s  (%s)\n\n", p.colorStatus(result.Status), formatDurationCompact(result.Duration))
		return
	}

	padded := cli.DotPad(result.Name, p.dotWidth)

	switch result.Status {
	case StepStatusSkipped:
		reason := ""
		if result.SkipReason != "" {
			if len(result.SkipReason) > 40 {
				reason = "  (" + result.SkipReason[:37] + "...)"
			} else {
				reason = "  (" + result.SkipReason + ")"
			}
		}
		fmt.Fprintf(p.W, "  %-7s %s %s%s\n", tag, padded, cli.Yellow("SKIP"), cli.Dim(reason))
	case StepStatusPassed:
		fmt.Fprintf(p.W, "  %-7s %s %s  (%s)\n", tag, padded, cli.Green("PASS"), formatDurationCompact(result.Duration))
	case StepStatusFailed:
		fmt.Fprintf(p.W, "  %-7s %s %s  (%s)\n", tag, padded, cli.Red("FAIL"), formatDurationCompact(result.Duration))
	case StepStatusError:
		fmt.Fprintf(p.W, "  %-7s %s %s  (%s)\n", tag, padded, cli.Red("ERROR"), formatDurationCompact(result.Duration))
	}
}

func (p *consoleProgress) StepStart(scenario string, step *Step, index, total int) {
	util.WithStep(step.Name).Debugf("%s: %s", scenario, step.Action)
}

func (p *consoleProgress) StepEnd(scenario string, result *StepResult, index, total int) {
	if !p.Verbose {
		return
	}

	stepDot := cli.DotPad(result.Name, p.dotWidth-10)
	tag := fmt.Sprintf("[%d/%d]", index+1, total)
	fmt.Fprintf(p.W, "          %s %s %s  (%s)\n", tag, stepDot, p.colorStatus(result.Status), formatDurationCompact(result.Duration))

	if result.Status == StepStatusFailed || result.Status == StepStatusError {
		if result.Message != "" {
			fmt.Fprintf(p.W, "               %s\n", cli.Dim(result.Message))
		}
		for _, d := range result.Details {
			if d.Status != StepStatusPassed {
				fmt.Fprintf(p.W, "               %s: %s\n", d.Router, cli.Dim(d.Message))
			}
		}
	}
}

func (p *consoleProgress) SuiteEnd(results []*ScenarioResult, duration time.Duration) {
	passed, failed, skipped, errored := 0, 0, 0, 0
	for _, r := range results {
		switch r.Status {
		case StepStatusPassed:
			passed++
		case StepStatusFailed:
			failed++
		case StepStatusSkipped:
			skipped++
		case StepStatusError:
			errored++
		}
	}

	fmt.Fprintf(p.W, "\n---\n")
	fmt.Fprintf(p.W, "newtconv: %d scenarios", len(results))

	parts := []string{}
	if passed > 0 {
		parts = append(parts, cli.Green(fmt.Sprintf("%d passed", passed)))
	}
	if failed > 0 {
		parts = append(parts, cli.Red(fmt.Sprintf("%d failed", failed)))
	}
	if errored > 0 {
		parts = append(parts, cli.Red(fmt.Sprintf("%d errored", errored)))
	}
	if skipped > 0 {
		parts = append(parts, cli.Yellow(fmt.Sprintf("%d skipped", skipped)))
	}
	if len(parts) > 0 {
		fmt.Fprintf(p.W, ": %s", strings.Join(parts, ", "))
	}
	fmt.Fprintf(p.W, "  (%s)\n", formatDurationCompact(duration))

	if failed+errored > 0 {
		fmt.Fprintf(p.W, "\n  FAILED:\n")
		for i, r := range results {
			if r.Status != StepStatusFailed && r.Status != StepStatusError {
				continue
			}
			fmt.Fprintf(p.W, "    [%d]  %s\n", i+1, r.Name)
			if r.DeployError != nil {
				fmt.Fprintf(p.W, "         setup: %s\n", r.DeployError)
				continue
			}
			for _, step := range r.Steps {
				if step.Status == StepStatusFailed || step.Status == StepStatusError {
					fmt.Fprintf(p.W, "         step %q (%s): %s\n", step.Name, step.Action, firstLine(stepMessage(&step)))
				}
			}
		}
	}

	if skipped > 0 {
		fmt.Fprintf(p.W, "\n  SKIPPED:\n")
		for i, r := range results {
			if r.Status != StepStatusSkipped {
				continue
			}
			reason := r.SkipReason
			if reason == "" {
				reason = "skipped"
			}
			padded := cli.DotPad(r.Name, p.dotWidth)
			fmt.Fprintf(p.W, "    [%d]  %s %s\n", i+1, padded, reason)
		}
	}

	fmt.Fprintln(p.W)
}

// stepMessage is the step message, or the per-router messages when the
// step has none of its own.
func stepMessage(s *StepResult) string {
	if s.Message != "" {
		return s.Message
	}
	var msgs []string
	for _, d := range s.Details {
		if d.Status != StepStatusPassed && d.Message != "" {
			msgs = append(msgs, d.Router+": "+d.Message)
		}
	}
	if len(msgs) > 0 {
		return strings.Join(msgs, "; ")
	}
	return string(s.Status)
}

func (p *consoleProgress) colorStatus(s StepStatus) string {
	switch s {
	case StepStatusPassed:
		return cli.Green(string(s))
	case StepStatusFailed, StepStatusError:
		return cli.Red(string(s))
	case StepStatusSkipped:
		return cli.Yellow(string(s))
	default:
		return string(s)
	}
}

// formatDurationCompact formats a duration in a human-readable compact form.
func formatDurationCompact(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	if s == 0 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dm%02ds", m, s)
}

// StateReporter wraps a ProgressReporter and persists run state as the
// suite progresses, for the status and pause commands.
type StateReporter struct {
	Inner ProgressReporter
	State *RunState
}

// save writes the state without losing a pause requested by another
// process since the last write.
func (r *StateReporter) save() {
	if r.State.Status == SuiteStatusRunning && CheckPausing(r.State.Suite) {
		r.State.Status = SuiteStatusPausing
	}
	if err := SaveRunState(r.State); err != nil {
		util.Warnf("saving run state: %v", err)
	}
}

func (r *StateReporter) SuiteStart(scenarios []*Scenario) {
	r.State.Scenarios = make([]ScenarioState, len(scenarios))
	for i, s := range scenarios {
		r.State.Scenarios[i] = ScenarioState{Name: s.Name, Description: s.Description, Requires: s.Requires}
	}
	r.save()
	r.Inner.SuiteStart(scenarios)
}

func (r *StateReporter) ScenarioStart(name string, index, total int) {
	if index < len(r.State.Scenarios) {
		r.State.Scenarios[index].Status = "running"
		r.State.Scenarios[index].Steps = nil
	}
	r.save()
	r.Inner.ScenarioStart(name, index, total)
}

func (r *StateReporter) ScenarioEnd(result *ScenarioResult, index, total int) {
	if index < len(r.State.Scenarios) {
		sc := &r.State.Scenarios[index]
		sc.Status = string(result.Status)
		sc.Duration = formatDurationCompact(result.Duration)
		sc.SkipReason = result.SkipReason
		sc.CurrentStep = ""
	}
	r.save()
	r.Inner.ScenarioEnd(result, index, total)
}

func (r *StateReporter) StepStart(scenario string, step *Step, index, total int) {
	if sc := r.find(scenario); sc != nil {
		sc.CurrentStep = step.Name
		r.save()
	}
	r.Inner.StepStart(scenario, step, index, total)
}

func (r *StateReporter) StepEnd(scenario string, result *StepResult, index, total int) {
	if sc := r.find(scenario); sc != nil {
		sc.Steps = append(sc.Steps, StepState{
			Name:     result.Name,
			Action:   string(result.Action),
			Status:   string(result.Status),
			Duration: formatDurationCompact(result.Duration),
			Message:  firstLine(result.Message),
		})
		r.save()
	}
	r.Inner.StepEnd(scenario, result, index, total)
}

func (r *StateReporter) SuiteEnd(results []*ScenarioResult, duration time.Duration) {
	r.State.Finished = time.Now()
	r.save()
	r.Inner.SuiteEnd(results, duration)
}

func (r *StateReporter) find(scenario string) *ScenarioState {
	for i := range r.State.Scenarios {
		if r.State.Scenarios[i].Name == scenario {
			return &r.State.Scenarios[i]
		}
	}
	return nil
}
