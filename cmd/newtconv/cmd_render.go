package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtconv/pkg/frr"
	"github.com/newtron-network/newtconv/pkg/intent"
	"github.com/newtron-network/newtconv/pkg/topology"
)

func newRenderCmd() *cobra.Command {
	var (
		noInitial bool
		script    bool
	)

	cmd := &cobra.Command{
		Use:   "render <topology> [intent-file]",
		Short: "Print the FRR statements an intent file would produce",
		Long: `Renders the statements an intent file would push, without contacting any
router. The topology's initial configuration is taken as already applied
unless --no-initial is given. Without an intent file, the initial
configuration itself is rendered.

  newtconv render rfc5549-ebgp
  newtconv render rfc5549-ebgp statics.yaml --script`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			applyLogLevel(loadSettings())

			topo, _, err := loadTopology(args[0])
			if err != nil {
				return err
			}
			applier := frr.NewApplier(topo, nil)

			set := topo.Initial()
			if len(args) == 2 {
				if !noInitial {
					if err := recordPlan(topo, applier, set); err != nil {
						return fmt.Errorf("initial configuration: %w", err)
					}
				}
				if set, err = intent.ParseFile(args[1]); err != nil {
					return err
				}
			}

			plan, err := applier.Plan(set)
			if err != nil {
				return err
			}
			for i, cs := range plan {
				if i > 0 {
					fmt.Println()
				}
				if script {
					fmt.Printf("! %s\n%s", cs.Router, cs.Script())
				} else {
					fmt.Print(cs.Preview())
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noInitial, "no-initial", false, "render against routers with no configuration")
	cmd.Flags().BoolVar(&script, "script", false, "print vtysh scripts instead of a change preview")

	return cmd
}

// recordPlan records the result of set on the topology as if it had been
// applied.
func recordPlan(topo *topology.Topology, applier *frr.Applier, set intent.Set) error {
	if len(set) == 0 {
		return nil
	}
	plan, err := applier.Plan(set)
	if err != nil {
		return err
	}
	for _, cs := range plan {
		r, err := topo.Router(cs.Router)
		if err != nil {
			return err
		}
		r.SetConfig(cs.Desired())
	}
	return nil
}
