package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtconv/pkg/version"
)

var verboseFlag bool

// Sentinel errors for exit code mapping. RunE handlers return these instead
// of calling os.Exit directly, so deferred cleanup (like lock release) runs.
var (
	errTestFailure = errors.New("test failure")
	errInfraError  = errors.New("infrastructure error")
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "newtconv",
		Short: "BGP convergence conformance tests for FRR topologies",
		Long: `Newtconv drives FRR routers through configuration changes and link faults
and verifies that BGP sessions and routing tables converge as expected.

A suite is a directory of YAML scenario files (e.g., "rfc5549-ebgp").
Suites can be specified by name (resolved under newtconv/suites/) or by path.

Lifecycle:
  newtconv run <suite>               # set up topology, run all scenarios
  newtconv status                    # check progress
  newtconv pause                     # stop after current scenario
  newtconv run <suite>               # resume from where it left off
  newtconv stop                      # bring the lab down and clean state

Offline:
  newtconv list [suite]              # show scenarios in a suite
  newtconv validate [suite]          # parse scenarios and check dependencies
  newtconv topology <name>           # show allocated interfaces and addresses
  newtconv render <topology> <file>  # print the FRR statements an intent produces
  newtconv audit                     # changes pushed to the routers`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	}

	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(
		newRunCmd(),
		newPauseCmd(),
		newStopCmd(),
		newStatusCmd(),
		newListCmd(),
		newValidateCmd(),
		newTopologyCmd(),
		newRenderCmd(),
		newLinkLocalCmd(),
		newAuditCmd(),
		newSettingsCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				if version.IsDev() {
					fmt.Println("newtconv dev build")
					return
				}
				fmt.Println("newtconv " + version.Info())
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		if err != errInfraError && err != errTestFailure {
			fmt.Fprintln(os.Stderr, err)
		}
		if errors.Is(err, errInfraError) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
