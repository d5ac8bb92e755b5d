package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtconv/pkg/cli"
	"github.com/newtron-network/newtconv/pkg/linklocal"
)

func newLinkLocalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "linklocal <topology> <router> [interface...]",
		Short: "Show the IPv6 link-local addresses of a running router",
		Long: `Queries a running router for the link-local address of each interface.
Interfaces may be given as link keys (r2-link0) or kernel names. Without
any, every link interface of the router is shown.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := loadSettings()
			applyLogLevel(s)

			topo, _, err := loadTopology(args[0])
			if err != nil {
				return err
			}
			r, err := topo.Router(args[1])
			if err != nil {
				return err
			}
			ch, err := openChannel(s, topo)
			if err != nil {
				return err
			}
			defer ch.Close()

			refs := args[2:]
			if len(refs) == 0 {
				for _, i := range r.Interfaces {
					refs = append(refs, i.Name)
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			resolver := linklocal.New(topo, ch)
			t := cli.NewTable("INTERFACE", "LINK", "PEER", "LINK-LOCAL")
			for _, ref := range refs {
				iface, err := r.Lookup(ref)
				if err != nil {
					return err
				}
				addr, ok, err := resolver.Resolve(ctx, r.Name, iface.Name)
				value := addr.String()
				switch {
				case err != nil:
					value = cli.Red(err.Error())
				case !ok:
					value = cli.Yellow("none")
				}
				t.Row(iface.Name, iface.LinkKey, iface.Peer, value)
			}
			t.Flush()
			return nil
		},
	}
	return cmd
}
