package fault

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/newtron-network/newtconv/internal/testutil"
	"github.com/newtron-network/newtconv/pkg/device"
	"github.com/newtron-network/newtconv/pkg/linklocal"
	"github.com/newtron-network/newtconv/pkg/util"
)

// cliOnly hides the fabric's direct link control so changes go through the
// daemon CLI.
type cliOnly struct {
	device.Channel
}

func TestSetInterfaceAdmin(t *testing.T) {
	topo := testutil.Topology(t, testutil.PairEBGP)
	f := testutil.StartFabric(t, topo)
	ll := linklocal.New(topo, f)
	in := New(topo, f, ll)
	ctx := testutil.Context(t)

	old, ok, err := ll.Resolve(ctx, "r1", "r1-r2-eth0")
	if err != nil || !ok {
		t.Fatalf("Resolve = %v, %v", ok, err)
	}

	if err := in.SetInterfaceAdmin(ctx, "r1", "r2-link0", false); err != nil {
		t.Fatal(err)
	}
	r1, _ := topo.Router("r1")
	if r1.AdminUp("r1-r2-eth0") {
		t.Error("topology still records the interface up")
	}
	if _, ok := ll.Cached("r1", "r1-r2-eth0"); !ok {
		t.Error("bringing an interface down dropped its link-local address")
	}

	if err := in.SetInterfaceAdmin(ctx, "r1", "r1-r2-eth0", true); err != nil {
		t.Fatal(err)
	}
	if !r1.AdminUp("r1-r2-eth0") {
		t.Error("topology still records the interface down")
	}
	if _, ok := ll.Cached("r1", "r1-r2-eth0"); ok {
		t.Error("link-local address still cached after bring-up")
	}
	cur, _, err := ll.Resolve(ctx, "r1", "r1-r2-eth0")
	if err != nil {
		t.Fatal(err)
	}
	if cur == old {
		t.Errorf("resolved the stale address %s", cur)
	}
}

func TestSetInterfaceAdminThroughCLI(t *testing.T) {
	topo := testutil.Topology(t, testutil.PairEBGP)
	f := testutil.StartFabric(t, topo)
	in := New(topo, cliOnly{f}, nil)
	ctx := testutil.Context(t)

	if err := in.SetInterfaceAdmin(ctx, "r2", "r2-r1-eth1", false); err != nil {
		t.Fatal(err)
	}
	applied := f.Applied("r2")
	if len(applied) != 1 || applied[0] != "interface r2-r1-eth1 / shutdown" {
		t.Errorf("applied = %q", applied)
	}
}

func TestSetInterfaceAdminErrors(t *testing.T) {
	topo := testutil.Topology(t, testutil.PairEBGP)
	f := testutil.StartFabric(t, topo)
	in := New(topo, f, nil)
	ctx := testutil.Context(t)

	tests := []struct {
		name, router, iface string
		want                error
	}{
		{"unknown router", "r9", "eth0", util.ErrNotFound},
		{"unknown interface", "r1", "r1-r9-eth0", util.ErrNotFound},
		{"loopback", "r1", "lo", util.ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := in.SetInterfaceAdmin(ctx, tt.router, tt.iface, false)
			var fe *util.FaultError
			if !errors.As(err, &fe) {
				t.Fatalf("err = %v, want FaultError", err)
			}
			if !errors.Is(err, util.ErrFault) || !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want ErrFault and %v", err, tt.want)
			}
		})
	}

	f.Stop(context.Background())
	if err := in.SetInterfaceAdmin(ctx, "r1", "r1-r2-eth0", false); !errors.Is(err, util.ErrFault) {
		t.Errorf("stopped network: err = %v, want ErrFault", err)
	}
}

func TestFlap(t *testing.T) {
	topo := testutil.Topology(t, testutil.PairEBGP)
	f := testutil.StartFabric(t, topo)
	in := New(topo, f, nil)
	before := f.LinkLocalOf("r1", "r1-r2-eth1")

	if err := in.Flap(testutil.Context(t), "r1", "r1-r2-eth1", time.Millisecond); err != nil {
		t.Fatal(err)
	}
	r1, _ := topo.Router("r1")
	if !r1.AdminUp("r1-r2-eth1") {
		t.Error("interface left down after a flap")
	}
	if f.LinkLocalOf("r1", "r1-r2-eth1") == before {
		t.Error("flap did not cycle the interface")
	}

	// A cancelled hold still restores the interface.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := in.Flap(ctx, "r1", "r1-r2-eth1", time.Hour)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if !r1.AdminUp("r1-r2-eth1") {
		t.Error("interface left down after a cancelled flap")
	}
}

func TestRestoreAll(t *testing.T) {
	topo := testutil.Topology(t, testutil.PairEBGP)
	f := testutil.StartFabric(t, topo)
	in := New(topo, f, nil)
	ctx := testutil.Context(t)

	for _, iface := range []string{"r2-r1-eth0", "r2-r1-eth1"} {
		if err := in.SetInterfaceAdmin(ctx, "r2", iface, false); err != nil {
			t.Fatal(err)
		}
	}
	if err := in.RestoreAll(ctx); err != nil {
		t.Fatal(err)
	}
	r2, _ := topo.Router("r2")
	for _, i := range r2.Interfaces {
		if !r2.AdminUp(i.Name) {
			t.Errorf("%s still down", i)
		}
	}
}

func TestParseAdminStatus(t *testing.T) {
	if up, err := ParseAdminStatus("up"); err != nil || !up {
		t.Errorf("up = %v, %v", up, err)
	}
	if up, err := ParseAdminStatus("down"); err != nil || up {
		t.Errorf("down = %v, %v", up, err)
	}
	if _, err := ParseAdminStatus("sideways"); !errors.Is(err, util.ErrInvalidConfig) {
		t.Errorf("sideways: err = %v", err)
	}
}
