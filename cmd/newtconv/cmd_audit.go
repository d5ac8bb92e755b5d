package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtconv/pkg/audit"
	"github.com/newtron-network/newtconv/pkg/cli"
	"github.com/newtron-network/newtconv/pkg/newtest"
)

func newAuditCmd() *cobra.Command {
	var (
		dir        string
		filter     audit.Filter
		lastRun    bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the changes a suite pushed to its routers",
		Long: `Lists the journal of configuration statements, interface admin changes
and BGP clears recorded while a suite ran.

  newtconv audit                       # every change of the active suite
  newtconv audit --last                # changes of the most recent run
  newtconv audit --router r2 --failed  # rejected changes on r2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			suite, err := resolveSuite(cmd, dir, nil)
			if err != nil {
				return err
			}
			if lastRun {
				state, err := newtest.LoadRunState(suite)
				if err != nil {
					return err
				}
				if state == nil || state.RunID == "" {
					return fmt.Errorf("no run recorded for suite %s", suite)
				}
				filter.RunID = state.RunID
			}

			path, err := journalPath(suite)
			if err != nil {
				return err
			}
			events, err := audit.ReadFile(path, filter)
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(events)
			}
			if len(events) == 0 {
				fmt.Println("no changes recorded")
				return nil
			}

			t := cli.NewTable("TIME", "ROUTER", "OPERATION", "TARGET", "RESULT", "DURATION")
			for _, e := range events {
				target := e.Interface
				if e.Operation == audit.OpConfigure {
					target = fmt.Sprintf("%d statements", len(e.Statements))
				}
				result := cli.Green("ok")
				if !e.Success {
					result = cli.Red(firstLine(e.Error))
				}
				t.Row(e.Timestamp.Format(newtest.DateTimeFormat), e.Router, e.Operation, target, result,
					e.Duration.Round(time.Millisecond).String())
			}
			t.Flush()

			if verboseFlag {
				for _, e := range events {
					if len(e.Statements) == 0 {
						continue
					}
					fmt.Printf("\n%s %s:\n", e.Router, e.Timestamp.Format(newtest.DateTimeFormat))
					for _, s := range e.Statements {
						fmt.Printf("  %s\n", s)
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "suite directory (auto-detected if omitted)")
	cmd.Flags().StringVar(&filter.Router, "router", "", "only changes on this router")
	cmd.Flags().StringVar(&filter.Operation, "operation", "", "only this operation: configure, link-down, link-up or clear-bgp")
	cmd.Flags().BoolVar(&filter.FailureOnly, "failed", false, "only failed changes")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "show at most this many changes")
	cmd.Flags().BoolVar(&lastRun, "last", false, "only changes of the most recent run")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "JSON output")

	return cmd
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
