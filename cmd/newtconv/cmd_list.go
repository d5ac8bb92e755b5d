package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtconv/pkg/cli"
	"github.com/newtron-network/newtconv/pkg/newtest"
)

func newListCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "list [suite]",
		Short: "List suites, or the scenarios of a suite",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !cmd.Flags().Changed("dir") {
				return listSuites()
			}
			dir = resolveDir(cmd, dir, args...)
			scenarios, err := newtest.ParseAllScenarios(dir)
			if err != nil {
				return err
			}
			if len(scenarios) == 0 {
				fmt.Printf("No scenarios found in %s\n", dir)
				return nil
			}
			if newtest.HasRequires(scenarios) {
				if scenarios, err = newtest.ValidateDependencyGraph(scenarios); err != nil {
					return err
				}
			}

			t := cli.NewTable("#", "SCENARIO", "TOPOLOGY", "STEPS", "REQUIRES", "DESCRIPTION")
			for i, s := range scenarios {
				requires := "\u2014"
				if len(s.Requires) > 0 {
					requires = strings.Join(s.Requires, ", ")
				}
				t.Row(fmt.Sprintf("%d", i+1), s.Name, s.Topology, fmt.Sprintf("%d", len(s.Steps)), requires, s.Description)
			}
			t.Flush()
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "directory containing scenario YAML files")

	return cmd
}

func listSuites() error {
	base := filepath.Join("newtconv", "suites")
	entries, err := os.ReadDir(base)
	if err != nil {
		return err
	}
	fmt.Println("Available suites:")
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		scenarios, err := newtest.ParseAllScenarios(filepath.Join(base, e.Name()))
		if err != nil {
			fmt.Printf("  %-24s %s\n", e.Name(), cli.Red(err.Error()))
			continue
		}
		fmt.Printf("  %-24s %d scenarios\n", e.Name(), len(scenarios))
	}
	return nil
}
