package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtconv/pkg/newtest"
)

func newStopCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Bring the lab down and clean up suite state",
		Long: `Runs the configured down command for the suite's topology, if any, and
removes suite state. Refuses to stop a suite with a running process; use
'newtconv pause' first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := loadSettings()
			applyLogLevel(s)

			suite, err := resolveSuite(cmd, dir, nil)
			if err != nil {
				return err
			}

			state, err := newtest.LoadRunState(suite)
			if err != nil {
				return err
			}
			if state == nil {
				return fmt.Errorf("no state found for suite %s", suite)
			}
			if state.PID != 0 && newtest.IsProcessAlive(state.PID) {
				return fmt.Errorf("suite %s is running (pid %d); use 'newtconv pause' first", suite, state.PID)
			}

			if s.DownCommand != "" {
				if name := resolveTopologyFromState(state); name != "" {
					topo, path, err := loadTopology(name)
					if err != nil {
						fmt.Printf("warning: %v\n", err)
					} else {
						fmt.Printf("bringing down topology %s...\n", topo.Name)
						backend := &newtest.ExecBackend{Down: s.DownCommand, File: path}
						if err := backend.Start(context.Background(), topo); err != nil {
							fmt.Printf("warning: %v\n", err)
						} else if err := backend.Stop(context.Background()); err != nil {
							fmt.Printf("warning: %v\n", err)
						}
					}
				}
			}

			if err := newtest.RemoveRunState(suite); err != nil {
				return fmt.Errorf("remove state: %w", err)
			}

			fmt.Printf("suite %s stopped and cleaned up\n", suite)
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "suite directory (auto-detected if omitted)")

	return cmd
}
