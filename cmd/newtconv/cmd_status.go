package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtconv/pkg/cli"
	"github.com/newtron-network/newtconv/pkg/newtest"
)

func newStatusCmd() *cobra.Command {
	var (
		dir         string
		jsonOutput  bool
		suiteFilter string
		detail      bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show suite run status",
		Long: `Show the status of a running, paused, or completed test suite.
Without --dir or --suite, shows all suites with state.

  newtconv status                       # all suites
  newtconv status --suite rfc5549       # suites whose name contains "rfc5549"
  newtconv status --detail              # show per-step timing and status
  newtconv status --dir /path/to/suite  # specific suite by directory
  newtconv status --json                # machine-readable output`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("dir") {
				return printSuiteStatus(newtest.SuiteName(dir), jsonOutput, detail)
			}

			suites, err := newtest.ListSuiteStates()
			if err != nil {
				return err
			}

			// Apply --suite filter (substring match, case-insensitive).
			if suiteFilter != "" {
				lower := strings.ToLower(suiteFilter)
				var matched []string
				for _, s := range suites {
					if strings.Contains(strings.ToLower(s), lower) {
						matched = append(matched, s)
					}
				}
				if len(matched) == 0 {
					return fmt.Errorf("no suite matching %q", suiteFilter)
				}
				suites = matched
			}

			if len(suites) == 0 {
				if jsonOutput {
					fmt.Println("[]")
					return nil
				}
				fmt.Println("no active suites")
				return nil
			}

			if jsonOutput {
				var states []*newtest.RunState
				for _, suite := range suites {
					state, err := newtest.LoadRunState(suite)
					if err != nil || state == nil {
						continue
					}
					states = append(states, state)
				}
				return json.NewEncoder(os.Stdout).Encode(states)
			}

			for i, suite := range suites {
				if i > 0 {
					fmt.Println()
				}
				if err := printSuiteStatus(suite, false, detail); err != nil {
					fmt.Printf("  error: %v\n", err)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "suite directory")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "JSON output")
	cmd.Flags().StringVarP(&suiteFilter, "suite", "s", "", "show only suites whose name contains this string")
	cmd.Flags().BoolVarP(&detail, "detail", "d", false, "show per-step timing and status")

	return cmd
}

func printSuiteStatus(suite string, jsonMode, detail bool) error {
	state, err := newtest.LoadRunState(suite)
	if err != nil {
		return err
	}
	if state == nil {
		return fmt.Errorf("no state found for suite %s", suite)
	}

	if jsonMode {
		return json.NewEncoder(os.Stdout).Encode(state)
	}

	fmt.Printf("newtconv: %s\n", suite)
	if state.RunID != "" {
		fmt.Printf("  run:       %s\n", state.RunID)
	}

	topology := resolveTopologyFromState(state)
	if topology != "" {
		where := "not found"
		if _, path, err := loadTopology(topology); err == nil {
			where = path
		}
		fmt.Printf("  topology:  %s (%s)\n", topology, where)
	}

	statusStr := string(state.Status)
	if state.PID != 0 && newtest.IsProcessAlive(state.PID) {
		statusStr = fmt.Sprintf("%s (pid %d)", statusStr, state.PID)
	} else if state.PID != 0 && state.Status == newtest.SuiteStatusRunning {
		statusStr = cli.Yellow("aborted") + fmt.Sprintf(" (pid %d exited)", state.PID)
	}
	fmt.Printf("  status:    %s\n", colorRunStatus(state.Status, statusStr))

	if !state.Started.IsZero() {
		ago := time.Since(state.Started).Round(time.Second)
		fmt.Printf("  started:   %s (%s ago)\n", state.Started.Format(newtest.DateTimeFormat), ago)
	}
	if !state.Finished.IsZero() {
		ago := time.Since(state.Finished).Round(time.Second)
		duration := state.Finished.Sub(state.Started).Round(time.Second)
		fmt.Printf("  finished:  %s (%s ago, took %s)\n", state.Finished.Format(newtest.DateTimeFormat), ago, duration)
	}

	if len(state.Scenarios) == 0 {
		return nil
	}

	fmt.Printf("  scenarios: %d\n\n", len(state.Scenarios))

	t := cli.NewTable("#", "SCENARIO", "STEPS", "STATUS", "REQUIRES", "DURATION").WithPrefix("  ")

	passed, failed, errored, skipped, running := 0, 0, 0, 0, 0
	for i, sc := range state.Scenarios {
		requires := "\u2014"
		if len(sc.Requires) > 0 {
			requires = strings.Join(sc.Requires, ", ")
		}

		duration := sc.Duration
		if sc.Status == "running" && sc.CurrentStep != "" {
			duration = fmt.Sprintf("step %d: %s", len(sc.Steps)+1, sc.CurrentStep)
		}
		if newtest.StepStatus(sc.Status) == newtest.StepStatusSkipped && sc.SkipReason != "" {
			duration = sc.SkipReason
		}

		t.Row(fmt.Sprintf("%d", i+1), sc.Name, fmt.Sprintf("%d", len(sc.Steps)),
			colorScenarioStatus(newtest.StepStatus(sc.Status)), requires, duration)

		switch newtest.StepStatus(sc.Status) {
		case newtest.StepStatusPassed:
			passed++
		case newtest.StepStatusFailed:
			failed++
		case newtest.StepStatusError:
			errored++
		case newtest.StepStatusSkipped:
			skipped++
		case "":
			// pending
		default:
			running++
		}
	}
	t.Flush()

	if detail {
		printDetailView(state)
	}

	fmt.Printf("\n  progress: %d/%d passed", passed, len(state.Scenarios))
	if failed > 0 {
		fmt.Printf(", %d failed", failed)
	}
	if errored > 0 {
		fmt.Printf(", %d errored", errored)
	}
	if skipped > 0 {
		fmt.Printf(", %d skipped", skipped)
	}
	if pending := len(state.Scenarios) - passed - failed - errored - skipped - running; pending > 0 {
		fmt.Printf(", %d pending", pending)
	}
	fmt.Println()
	return nil
}

// printDetailView prints per-step results for each scenario that has them.
func printDetailView(state *newtest.RunState) {
	for _, sc := range state.Scenarios {
		if len(sc.Steps) == 0 {
			continue
		}

		fmt.Printf("\n  %s:\n", sc.Name)
		if sc.Description != "" {
			fmt.Printf("    %s\n", cli.Dim(sc.Description))
		}
		t := cli.NewTable("#", "STEP", "ACTION", "STATUS", "DURATION", "MESSAGE").WithPrefix("    ")
		for i, step := range sc.Steps {
			msg := step.Message
			if len(msg) > 60 {
				msg = msg[:57] + "..."
			}
			t.Row(fmt.Sprintf("%d", i+1), step.Name, step.Action,
				colorScenarioStatus(newtest.StepStatus(step.Status)), step.Duration, msg)
		}
		t.Flush()
	}
}

func colorRunStatus(status newtest.SuiteStatus, text string) string {
	switch status {
	case newtest.SuiteStatusRunning, newtest.SuiteStatusComplete:
		return cli.Green(text)
	case newtest.SuiteStatusPausing, newtest.SuiteStatusPaused:
		return cli.Yellow(text)
	case newtest.SuiteStatusFailed, newtest.SuiteStatusAborted:
		return cli.Red(text)
	default:
		return text
	}
}

func colorScenarioStatus(status newtest.StepStatus) string {
	switch status {
	case newtest.StepStatusPassed:
		return cli.Green(string(status))
	case newtest.StepStatusFailed, newtest.StepStatusError:
		return cli.Red(string(status))
	case newtest.StepStatusSkipped:
		return cli.Yellow(string(status))
	case "":
		return "\u2014"
	default:
		return string(status)
	}
}
