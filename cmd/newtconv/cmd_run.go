package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtconv/pkg/audit"
	"github.com/newtron-network/newtconv/pkg/newtest"
	"github.com/newtron-network/newtconv/pkg/rib"
	"github.com/newtron-network/newtconv/pkg/util"
)

func newRunCmd() *cobra.Command {
	var (
		dir         string
		scenario    string
		topology    string
		table       string
		junitPath   string
		reportPath  string
		keep        bool
		skipInitial bool
	)

	cmd := &cobra.Command{
		Use:     "run [suite]",
		Aliases: []string{"start"},
		Short:   "Run or resume a test suite",
		Long: `Set up the topology, run scenarios, and tear the topology down.

The suite can be a name (resolved under newtconv/suites/) or a path.
All scenarios run by default. Use --scenario to run a single one.

  newtconv run rfc5549-ebgp                             # run all scenarios
  newtconv run rfc5549-ebgp --scenario unnumbered-ecmp
  newtconv run rfc5549-ebgp --table bgp --junit out.xml

If a previous run was paused, run resumes from where it left off.
Use 'newtconv pause' to gracefully interrupt.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := loadSettings()
			applyLogLevel(s)

			var positional string
			if len(args) > 0 {
				positional = args[0]
			}
			dir = resolveDir(cmd, dir, positional)
			absDir, err := filepath.Abs(dir)
			if err != nil {
				return fmt.Errorf("resolve dir: %w", err)
			}

			topologiesDir, err := filepath.Abs(s.GetTopologiesDir())
			if err != nil {
				return fmt.Errorf("resolve topologies dir: %w", err)
			}
			suite := newtest.SuiteName(absDir)

			fmt.Fprintf(os.Stderr, "newtconv: suite %s (%s)\n", suite, absDir)

			opts := newtest.RunOptions{
				Scenario: scenario,
				All:      scenario == "",
				Topology: topology,
				Keep:     keep,
				Suite:    suite,
			}

			existing, err := newtest.LoadRunState(suite)
			if err != nil {
				return err
			}
			if existing != nil && existing.Status == newtest.SuiteStatusPaused {
				fmt.Fprintf(os.Stderr, "resuming paused suite %s\n", suite)
				opts.Resume = true
				completedMap := make(map[string]newtest.StepStatus)
				for _, sc := range existing.Scenarios {
					if sc.Status != "" && sc.Status != "running" {
						completedMap[sc.Name] = newtest.StepStatus(sc.Status)
					}
				}
				opts.Completed = completedMap
			}

			runner := newtest.NewRunner(absDir, topologiesDir, connector(s))
			runner.Harness = harnessOptions(s)
			runner.Harness.SkipInitial = skipInitial
			if table != "" {
				t := rib.Table(table)
				if t != rib.TableBGP && t != rib.TableRIB && t != rib.TableAppDB {
					return fmt.Errorf("--table must be %s, %s or %s", rib.TableBGP, rib.TableRIB, rib.TableAppDB)
				}
				runner.Harness.Table = t
			}

			state := &newtest.RunState{
				Suite:    suite,
				SuiteDir: absDir,
				RunID:    runner.RunID,
				Topology: topology,
				Status:   newtest.SuiteStatusRunning,
				Started:  time.Now(),
			}
			if err := newtest.AcquireLock(state); err != nil {
				return err
			}
			defer func() { _ = newtest.ReleaseLock(state) }()

			if closeJournal, err := openJournal(suite, runner.RunID); err != nil {
				util.Warnf("change journal disabled: %v", err)
			} else {
				defer closeJournal()
			}

			runner.Progress = &newtest.StateReporter{
				Inner: newtest.NewConsoleProgress(verboseFlag),
				State: state,
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			results, runErr := runner.Run(ctx, opts)

			var pauseErr *newtest.PauseError
			if errors.As(runErr, &pauseErr) {
				state.Status = newtest.SuiteStatusPaused
				saveState(state)
				fmt.Fprintf(os.Stderr, "\n%s; resume with: newtconv run %s\n", pauseErr, suite)
				return nil
			}

			if ctx.Err() != nil {
				state.Status = newtest.SuiteStatusAborted
				state.Finished = time.Now()
				saveState(state)
				return fmt.Errorf("%w: interrupted", errInfraError)
			}

			if runErr != nil {
				state.Status = newtest.SuiteStatusFailed
				state.Finished = time.Now()
				saveState(state)
				return runErr
			}

			hasFailure, hasError := false, false
			for _, r := range results {
				if r.Status == newtest.StepStatusFailed {
					hasFailure = true
				}
				if r.Status == newtest.StepStatusError || r.DeployError != nil {
					hasError = true
				}
			}

			if hasFailure || hasError {
				state.Status = newtest.SuiteStatusFailed
			} else {
				state.Status = newtest.SuiteStatusComplete
			}
			state.Finished = time.Now()
			saveState(state)

			gen := &newtest.ReportGenerator{RunID: runner.RunID, Results: results}
			if reportPath != "" {
				if err := gen.WriteMarkdown(reportPath); err != nil {
					util.Warnf("failed to write markdown report: %v", err)
				}
			}
			if junitPath != "" {
				if err := gen.WriteJUnit(junitPath); err != nil {
					util.Warnf("failed to write JUnit report: %v", err)
				}
			}

			if hasError {
				return errInfraError
			}
			if hasFailure {
				return errTestFailure
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "directory containing scenario YAML files")
	cmd.Flags().StringVar(&scenario, "scenario", "", "run specific scenario (default: all)")
	cmd.Flags().StringVar(&topology, "topology", "", "override topology")
	cmd.Flags().StringVar(&table, "table", "", "routing table for verify-routes steps: bgp, rib or appdb")
	cmd.Flags().StringVar(&junitPath, "junit", "", "JUnit XML output path")
	cmd.Flags().StringVar(&reportPath, "report", "newtconv/.generated/report.md", "markdown report path (empty to skip)")
	cmd.Flags().BoolVar(&keep, "keep", false, "leave the routers running after the suite")
	cmd.Flags().BoolVar(&skipInitial, "skip-initial", false, "do not apply the topology's initial configuration")

	return cmd
}

func saveState(state *newtest.RunState) {
	if err := newtest.SaveRunState(state); err != nil {
		util.Warnf("failed to save run state: %v", err)
	}
}

// openJournal records the changes of this run in the suite's audit journal.
func openJournal(suite, runID string) (func(), error) {
	path, err := journalPath(suite)
	if err != nil {
		return nil, err
	}
	logger, err := audit.NewFileLogger(path, audit.RotationConfig{MaxSize: 10 << 20, MaxBackups: 5})
	if err != nil {
		return nil, err
	}
	audit.SetDefaultLogger(audit.WithRun(logger, runID))
	return func() {
		audit.SetDefaultLogger(nil)
		logger.Close()
	}, nil
}

func journalPath(suite string) (string, error) {
	dir, err := newtest.StateDir(suite)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "audit.jsonl"), nil
}
