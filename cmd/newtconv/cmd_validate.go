package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtconv/pkg/cli"
	"github.com/newtron-network/newtconv/pkg/newtest"
	"github.com/newtron-network/newtconv/pkg/topology"
)

func newValidateCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "validate [suite]",
		Short: "Check a suite without touching any router",
		Long: `Parses every scenario of a suite, checks the requires graph, loads each
topology the suite names, and checks that every router and interface a
step refers to exists.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			applyLogLevel(loadSettings())
			dir = resolveDir(cmd, dir, args...)

			scenarios, err := newtest.ParseAllScenarios(dir)
			if err != nil {
				return err
			}
			if len(scenarios) == 0 {
				return fmt.Errorf("no scenarios found in %s", dir)
			}
			if _, err := newtest.ValidateDependencyGraph(scenarios); err != nil {
				return err
			}

			topologies := map[string]*topology.Topology{}
			problems := 0
			for _, sc := range scenarios {
				topo, ok := topologies[sc.Topology]
				if !ok {
					topo, _, err = loadTopology(sc.Topology)
					if err != nil {
						return fmt.Errorf("%s: %w", sc.Name, err)
					}
					topologies[sc.Topology] = topo
				}
				for _, msg := range checkScenarioRefs(topo, sc) {
					fmt.Printf("  %s %s\n", cli.Red("✗"), msg)
					problems++
				}
			}
			if problems > 0 {
				return fmt.Errorf("%d problems in %s", problems, dir)
			}

			fmt.Printf("%s %d scenarios in %s\n", cli.Green("✓"), len(scenarios), dir)
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "directory containing scenario YAML files")

	return cmd
}

// checkScenarioRefs reports steps that name routers or interfaces the
// topology does not have.
func checkScenarioRefs(topo *topology.Topology, sc *newtest.Scenario) []string {
	var out []string
	for i := range sc.Steps {
		step := &sc.Steps[i]
		for _, router := range step.Routers.Resolve(topo.RouterNames()) {
			r, err := topo.Router(router)
			if err != nil {
				out = append(out, fmt.Sprintf("%s/%s: %v", sc.Name, step.Name, err))
				continue
			}
			if step.Interface == "" {
				continue
			}
			if _, err := r.Lookup(step.Interface); err != nil {
				out = append(out, fmt.Sprintf("%s/%s: %v", sc.Name, step.Name, err))
			}
		}
		for _, router := range step.Config.Routers() {
			if _, err := topo.Router(router); err != nil {
				out = append(out, fmt.Sprintf("%s/%s: config: %v", sc.Name, step.Name, err))
			}
		}
	}
	return out
}
