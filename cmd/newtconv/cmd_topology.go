package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtconv/pkg/topology"
)

func newTopologyCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "topology <name|path>",
		Short: "Show a topology's routers, interfaces and allocated addresses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topo, path, err := loadTopology(args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(interfaceRows(topo))
			}
			fmt.Printf("%s (%s)\n\n", topo.Name, path)
			fmt.Print(topo.Describe())
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the interfaces as JSON")

	return cmd
}

// interfaceRow is the JSON form of one interface.
type interfaceRow struct {
	Router  string `json:"router"`
	Name    string `json:"name"`
	LinkKey string `json:"link_key,omitempty"`
	Peer    string `json:"peer,omitempty"`
	IPv4    string `json:"ipv4,omitempty"`
	IPv6    string `json:"ipv6,omitempty"`
}

func interfaceRows(topo *topology.Topology) []interfaceRow {
	var rows []interfaceRow
	add := func(i *topology.Interface) {
		row := interfaceRow{Router: i.Router, Name: i.Name, LinkKey: i.LinkKey, Peer: i.Peer}
		if i.IPv4.IsValid() {
			row.IPv4 = i.IPv4.String()
		}
		if i.IPv6.IsValid() {
			row.IPv6 = i.IPv6.String()
		}
		rows = append(rows, row)
	}
	for _, r := range topo.Routers() {
		if r.Loopback != nil {
			add(r.Loopback)
		}
		for _, i := range r.Interfaces {
			add(i)
		}
	}
	return rows
}
