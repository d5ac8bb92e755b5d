package testutil

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/newtron-network/newtconv/pkg/device"
	"github.com/newtron-network/newtconv/pkg/frr"
	"github.com/newtron-network/newtconv/pkg/intent"
	"github.com/newtron-network/newtconv/pkg/rib"
	"github.com/newtron-network/newtconv/pkg/topology"
	"github.com/newtron-network/newtconv/pkg/util"
)

func setup(t *testing.T, doc string) (*topology.Topology, *Fabric, *frr.Applier) {
	t.Helper()
	topo := Topology(t, doc)
	f := StartFabric(t, topo)
	a := frr.NewApplier(topo, f)
	if err := a.Apply(Context(t), topo.Initial()); err != nil {
		t.Fatalf("initial configuration: %v", err)
	}
	return topo, f, a
}

func summary(t *testing.T, f *Fabric, router string) map[string]string {
	t.Helper()
	out, err := f.Exec(context.Background(), router, rib.BGPSummaryCommand)
	if err != nil {
		t.Fatalf("%s summary: %v", router, err)
	}
	states, err := rib.ParseBGPSummary([]byte(out))
	if err != nil {
		t.Fatal(err)
	}
	return states
}

func zebra(t *testing.T, f *Fabric, router string, afi intent.AFI) *rib.ObservedRouteSet {
	t.Helper()
	src := rib.ZebraSource{Channel: f}
	set, err := src.Snapshot(context.Background(), router, afi)
	if err != nil {
		t.Fatalf("%s %s RIB: %v", router, afi, err)
	}
	return set
}

func interfaces(entries []rib.Entry) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.NextHop.Interface)
	}
	sort.Strings(out)
	return out
}

func staticRoutes(network string, count int) intent.Set {
	return intent.Set{"r1": {StaticRoutes: []intent.StaticRoute{{Network: network, Count: count, NextHop: "Null0"}}}}
}

func TestFabricUnnumberedSessions(t *testing.T) {
	_, f, _ := setup(t, PairEBGP)

	want := map[string]string{"r1-r2-eth0": "Established", "r1-r2-eth1": "Established"}
	if diff := cmp.Diff(want, summary(t, f, "r1")); diff != "" {
		t.Errorf("r1 sessions (-want +got):\n%s", diff)
	}
	want = map[string]string{"r2-r1-eth0": "Established", "r2-r1-eth1": "Established"}
	if diff := cmp.Diff(want, summary(t, f, "r2")); diff != "" {
		t.Errorf("r2 sessions (-want +got):\n%s", diff)
	}
}

func TestFabricECMPOverLinkLocal(t *testing.T) {
	_, f, a := setup(t, PairEBGP)
	if err := a.Apply(Context(t), staticRoutes("11.0.20.1/32", 5)); err != nil {
		t.Fatal(err)
	}

	set := zebra(t, f, "r2", intent.IPv4)
	for i := 1; i <= 5; i++ {
		p := netip.MustParsePrefix(fmt.Sprintf("11.0.20.%d/32", i))
		entries := set.Entries(p, "bgp")
		if diff := cmp.Diff([]string{"r2-r1-eth0", "r2-r1-eth1"}, interfaces(entries)); diff != "" {
			t.Errorf("%s nexthop interfaces (-want +got):\n%s", p, diff)
		}
		for _, e := range entries {
			if !e.NextHop.IP.IsLinkLocalUnicast() {
				t.Errorf("%s nexthop %s is not link-local", p, e.NextHop)
			}
		}
	}

	// The originating router does not install its own advertisement.
	if got := zebra(t, f, "r1", intent.IPv4).Entries(netip.MustParsePrefix("11.0.20.1/32"), "bgp"); len(got) != 0 {
		t.Errorf("r1 installed %d bgp entries for its own route", len(got))
	}
}

func TestFabricMaximumPaths(t *testing.T) {
	_, f, a := setup(t, PairEBGP)
	if err := a.Apply(Context(t), staticRoutes("11.0.20.1/32", 1)); err != nil {
		t.Fatal(err)
	}
	one := intent.Set{"r2": {BGP: &intent.BGP{AddressFamily: map[intent.AFI]*intent.AddressFamily{
		intent.IPv4: {Unicast: &intent.Unicast{MaximumPaths: &intent.MaximumPaths{EBGP: intent.IntPtr(1)}}},
	}}}}
	if err := a.Apply(Context(t), one); err != nil {
		t.Fatal(err)
	}
	p := netip.MustParsePrefix("11.0.20.1/32")
	if got := len(zebra(t, f, "r2", intent.IPv4).Entries(p, "bgp")); got != 1 {
		t.Errorf("maximum-paths 1: %d nexthops, want 1", got)
	}

	bgp, err := (&rib.BGPSource{Channel: f}).Snapshot(context.Background(), "r2", intent.IPv4)
	if err != nil {
		t.Fatal(err)
	}
	var selected int
	entries := bgp.Entries(p, "")
	for _, e := range entries {
		if e.Selected {
			selected++
		}
	}
	if len(entries) != 2 || selected != 1 {
		t.Errorf("bgp table: %d paths, %d selected; want 2 paths, 1 selected", len(entries), selected)
	}
}

func TestFabricNumberedTransit(t *testing.T) {
	topo, f, _ := setup(t, LineNumbered)

	set, err := (&rib.BGPSource{Channel: f}).Snapshot(context.Background(), "r3", intent.IPv4)
	if err != nil {
		t.Fatal(err)
	}
	entries := set.Entries(netip.MustParsePrefix("10.0.0.0/24"), "")
	if len(entries) != 1 {
		t.Fatalf("r3 has %d paths to 10.0.0.0/24, want 1:\n%s", len(entries), set)
	}
	if got := entries[0].Attrs.ASPath; got != "200 100" {
		t.Errorf("as path = %q, want \"200 100\"", got)
	}
	r2, _ := topo.Router("r2")
	toR3 := r2.LinksTo("r3")[0]
	if got := entries[0].NextHop.IP; got != toR3.IPv4.Addr() {
		t.Errorf("nexthop = %s, want %s", got, toR3.IPv4.Addr())
	}

	// r2 prefers its connected route.
	p := netip.MustParsePrefix("10.0.0.0/24")
	if got := zebra(t, f, "r2", intent.IPv4).Entries(p, ""); len(got) != 1 || got[0].Protocol != "connected" {
		t.Errorf("r2 selected %v, want the connected route", got)
	}
}

func TestFabricLinkDown(t *testing.T) {
	_, f, a := setup(t, PairEBGP)
	if err := a.Apply(Context(t), staticRoutes("11.0.20.1/32", 1)); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	before := f.LinkLocalOf("r1", "r1-r2-eth0")

	if err := f.SetLinkAdmin(ctx, "r1", "r1-r2-eth0", false); err != nil {
		t.Fatal(err)
	}
	if got := summary(t, f, "r2")["r2-r1-eth0"]; got == "Established" {
		t.Errorf("session over a down link is %s", got)
	}
	p := netip.MustParsePrefix("11.0.20.1/32")
	if diff := cmp.Diff([]string{"r2-r1-eth1"}, interfaces(zebra(t, f, "r2", intent.IPv4).Entries(p, "bgp"))); diff != "" {
		t.Errorf("nexthops with one link down (-want +got):\n%s", diff)
	}

	if err := f.SetLinkAdmin(ctx, "r1", "r1-r2-eth0", true); err != nil {
		t.Fatal(err)
	}
	if got := len(zebra(t, f, "r2", intent.IPv4).Entries(p, "bgp")); got != 2 {
		t.Errorf("after restore: %d nexthops, want 2", got)
	}
	if after := f.LinkLocalOf("r1", "r1-r2-eth0"); after == before {
		t.Errorf("link-local address %s did not change across a cycle", after)
	}
}

func TestFabricRejectsStatements(t *testing.T) {
	_, f, _ := setup(t, PairEBGP)
	ctx := context.Background()

	err := f.Configure(ctx, "r1", device.Statement{Line: "ip route 11.0.0.0/8 no-such-if"})
	var rej *util.ConfigRejectedError
	if !errors.As(err, &rej) {
		t.Fatalf("unknown interface: err = %v, want ConfigRejectedError", err)
	}
	err = f.Configure(ctx, "r1", device.Statement{Line: "router bgp 65000"})
	if !errors.As(err, &rej) {
		t.Fatalf("second AS: err = %v, want ConfigRejectedError", err)
	}

	f.RejectLine = "network"
	err = f.Configure(ctx, "r1", device.Statement{
		Context: []string{"router bgp 100", "address-family ipv4 unicast"},
		Line:    "network 12.0.0.0/8",
	})
	if !errors.As(err, &rej) {
		t.Fatalf("RejectLine: err = %v, want ConfigRejectedError", err)
	}

	if _, err := f.Exec(ctx, "r9", rib.BGPSummaryCommand); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("unknown router: err = %v, want ErrNotFound", err)
	}
	if _, err := f.Exec(ctx, "r1", "show version"); err == nil {
		t.Error("unsupported command: want error")
	}
}

func TestFabricLag(t *testing.T) {
	_, f, a := setup(t, PairEBGP)
	f.Lag = 2
	if err := a.Apply(Context(t), staticRoutes("11.0.20.1/32", 1)); err != nil {
		t.Fatal(err)
	}
	p := netip.MustParsePrefix("11.0.20.1/32")
	for i := 0; i < 2; i++ {
		if got := zebra(t, f, "r2", intent.IPv4).Entries(p, ""); len(got) != 0 {
			t.Fatalf("query %d saw the change early", i+1)
		}
	}
	if got := zebra(t, f, "r2", intent.IPv4).Entries(p, ""); len(got) != 2 {
		t.Errorf("after lag: %d entries, want 2", len(got))
	}
}

func TestFabricClearBGP(t *testing.T) {
	_, f, _ := setup(t, PairEBGP)
	if _, err := f.Exec(context.Background(), "r1", "clear bgp *"); err != nil {
		t.Fatal(err)
	}
	if got := summary(t, f, "r1")["r1-r2-eth0"]; got != "Connect" {
		t.Errorf("right after clear: %s, want Connect", got)
	}
	summary(t, f, "r1")
	if got := summary(t, f, "r1")["r1-r2-eth0"]; got != "Established" {
		t.Errorf("after hold: %s, want Established", got)
	}
}

func TestFabricLinkLocalDelay(t *testing.T) {
	topo, f, _ := setup(t, PairEBGP)
	f.LinkLocalDelay = 1
	ctx := context.Background()
	if err := f.SetLinkAdmin(ctx, "r2", "r2-r1-eth1", false); err != nil {
		t.Fatal(err)
	}
	if err := f.SetLinkAdmin(ctx, "r2", "r2-r1-eth1", true); err != nil {
		t.Fatal(err)
	}
	show := func() string {
		out, err := f.Exec(ctx, "r2", "show interface r2-r1-eth1 json")
		if err != nil {
			t.Fatal(err)
		}
		return out
	}
	ll := f.LinkLocalOf("r2", "r2-r1-eth1").String()
	if out := show(); strings.Contains(out, ll) {
		t.Errorf("link-local reported before the delay elapsed:\n%s", out)
	}
	if out := show(); !strings.Contains(out, ll) {
		t.Errorf("link-local %s missing:\n%s", ll, out)
	}
	r2, _ := topo.Router("r2")
	i, _ := r2.Interface("r2-r1-eth1")
	if out := show(); !strings.Contains(out, i.IPv6.String()) {
		t.Errorf("global address %s missing:\n%s", i.IPv6, out)
	}
}

func TestFabricStartStop(t *testing.T) {
	topo := Topology(t, PairEBGP)
	f := NewFabric(topo)
	ctx := context.Background()
	if _, err := f.Exec(ctx, "r1", rib.BGPSummaryCommand); err == nil {
		t.Error("Exec before Start: want error")
	}
	f.StartErr = errors.New("no capacity")
	if err := f.Start(ctx, topo); err == nil {
		t.Error("Start with StartErr: want error")
	}
	f.StartErr = nil
	if err := f.Start(ctx, Topology(t, PairEBGP)); err == nil {
		t.Error("Start with a different topology: want error")
	}
	if err := f.Start(ctx, topo); err != nil {
		t.Fatal(err)
	}
	if err := f.Stop(ctx); err != nil {
		t.Fatal(err)
	}
}
