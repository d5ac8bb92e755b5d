package harness

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/newtron-network/newtconv/internal/testutil"
	"github.com/newtron-network/newtconv/pkg/intent"
	"github.com/newtron-network/newtconv/pkg/poll"
	"github.com/newtron-network/newtconv/pkg/rib"
	"github.com/newtron-network/newtconv/pkg/util"
)

const links = 8

var fastPoll = poll.Options{Timeout: 2 * time.Second, Interval: time.Millisecond}

func newHarness(t *testing.T, doc string) (*Harness, *testutil.Fabric) {
	t.Helper()
	topo := testutil.Topology(t, doc)
	f := testutil.NewFabric(topo)
	h := New(topo, f, f, Options{Poll: fastPoll})
	t.Cleanup(func() { h.Teardown(context.Background()) })
	return h, f
}

func started(t *testing.T, doc string) (*Harness, *testutil.Fabric) {
	t.Helper()
	h, f := newHarness(t, doc)
	if err := h.Setup(testutil.Context(t)); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	return h, f
}

func statics(count int, del bool) intent.Set {
	sr := intent.StaticRoute{Network: "11.0.20.1/32", Count: count, NextHop: "Null0", Delete: del}
	return intent.Set{"r1": {StaticRoutes: []intent.StaticRoute{sr}}}
}

func maxPaths(n int) intent.Set {
	af := &intent.AddressFamily{Unicast: &intent.Unicast{
		MaximumPaths: &intent.MaximumPaths{EBGP: intent.IntPtr(n)},
	}}
	return intent.Set{"r2": {BGP: &intent.BGP{AddressFamily: map[intent.AFI]*intent.AddressFamily{intent.IPv4: af}}}}
}

// viaLinks lists r1's end of the given parallel links as nexthops.
func viaLinks(idx ...int) []string {
	var out []string
	for _, i := range idx {
		out = append(out, fmt.Sprintf("r1:r2-link%d", i))
	}
	return out
}

func span(from, to int) []int {
	var out []int
	for i := from; i < to; i++ {
		out = append(out, i)
	}
	return out
}

func expand(t *testing.T, count int, tmpl rib.Expectation) []rib.Expectation {
	t.Helper()
	exps, err := rib.Expand("11.0.20.1/32", count, tmpl)
	if err != nil {
		t.Fatal(err)
	}
	return exps
}

func verify(t *testing.T, h *Harness, exps []rib.Expectation, opts ...rib.MatchOption) *RouteReport {
	t.Helper()
	rep, err := h.VerifyRoutes(testutil.Context(t), RouteCheck{
		Router:       "r2",
		Expectations: exps,
		Options:      opts,
	})
	if err != nil {
		t.Fatalf("VerifyRoutes: %v\n%s", err, rep)
	}
	return rep
}

func TestSetupConverges(t *testing.T) {
	h, _ := started(t, testutil.ParallelEBGP(links))

	states, err := h.VerifyBGPConvergence(testutil.Context(t), poll.Options{})
	if err != nil {
		t.Fatalf("VerifyBGPConvergence: %v", err)
	}
	for _, r := range []string{"r1", "r2"} {
		if len(states[r]) != links {
			t.Errorf("%s has %d sessions, want %d", r, len(states[r]), links)
		}
		for peer, st := range states[r] {
			if st != "Established" {
				t.Errorf("%s %s is %s", r, peer, st)
			}
		}
	}
}

func TestSetupBackendFailure(t *testing.T) {
	h, f := newHarness(t, testutil.PairEBGP)
	f.StartErr = errors.New("container runtime unavailable")

	err := h.Setup(testutil.Context(t))
	var se *util.SetupError
	if !errors.As(err, &se) {
		t.Fatalf("Setup = %v, want *util.SetupError", err)
	}
	if se.Stage != "backend" {
		t.Errorf("Stage = %q, want backend", se.Stage)
	}
	if !errors.Is(err, util.ErrSetup) || !errors.Is(err, f.StartErr) {
		t.Errorf("error chain of %v is incomplete", err)
	}
}

func TestSetupConfigRejected(t *testing.T) {
	h, f := newHarness(t, testutil.PairEBGP)
	f.RejectLine = "redistribute static"

	err := h.Setup(testutil.Context(t))
	var se *util.SetupError
	if !errors.As(err, &se) {
		t.Fatalf("Setup = %v, want *util.SetupError", err)
	}
	if se.Stage != "configure" || se.Router != "r1" {
		t.Errorf("SetupError = %+v, want stage configure on r1", se)
	}
	if !errors.Is(err, util.ErrConfigRejected) {
		t.Errorf("%v does not carry the rejection", err)
	}
}

func TestSkipInitial(t *testing.T) {
	topo := testutil.Topology(t, testutil.PairEBGP)
	f := testutil.NewFabric(topo)
	h := New(topo, f, f, Options{Poll: fastPoll, SkipInitial: true})
	t.Cleanup(func() { h.Teardown(context.Background()) })

	if err := h.Setup(testutil.Context(t)); err != nil {
		t.Fatal(err)
	}
	if got := f.Statements(); got != 0 {
		t.Errorf("%d statements sent, want none", got)
	}
	states, err := h.VerifyBGPConvergence(testutil.Context(t), poll.Options{})
	if err != nil || len(states) != 0 {
		t.Errorf("VerifyBGPConvergence = %v, %v; want nothing to verify", states, err)
	}
}

func TestConvergenceTimeout(t *testing.T) {
	h, _ := started(t, testutil.PairEBGP)
	ctx := testutil.Context(t)

	if err := h.SetInterfaceAdmin(ctx, "r1", "r2-link0", false); err != nil {
		t.Fatal(err)
	}
	states, err := h.VerifyBGPConvergence(ctx, poll.Options{Timeout: 20 * time.Millisecond})
	var te *util.ConvergenceTimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("VerifyBGPConvergence = %v, want a timeout", err)
	}
	if te.Attempts < 1 || !strings.Contains(te.Last, "r1-r2-eth0") {
		t.Errorf("timeout carries %d attempts and last state %q", te.Attempts, te.Last)
	}
	if states["r1"]["r1-r2-eth0"] == "Established" {
		t.Error("session over the downed link reported Established")
	}
	if states["r1"]["r1-r2-eth1"] != "Established" {
		t.Errorf("session over the healthy link is %q", states["r1"]["r1-r2-eth1"])
	}
}

func TestMaximumPaths(t *testing.T) {
	h, _ := started(t, testutil.ParallelEBGP(links))
	ctx := testutil.Context(t)
	if err := h.Apply(ctx, statics(5, false)); err != nil {
		t.Fatal(err)
	}

	if err := h.Apply(ctx, maxPaths(1)); err != nil {
		t.Fatal(err)
	}
	rep := verify(t, h, expand(t, 5, rib.Expectation{Count: 1, NextHops: viaLinks(span(0, links)...)}),
		rib.WithAnyOf(), rib.WithProtocol("bgp"))
	for _, o := range rep.Outcomes {
		if len(o.Got) != 1 {
			t.Errorf("%s: %d nexthops with maximum-paths 1", o.Expectation.Prefix, len(o.Got))
		}
	}

	if err := h.Apply(ctx, maxPaths(links)); err != nil {
		t.Fatal(err)
	}
	rep = verify(t, h, expand(t, 5, rib.Expectation{Count: links, NextHops: viaLinks(span(0, links)...)}),
		rib.WithStrict(), rib.WithProtocol("bgp"))
	for _, o := range rep.Outcomes {
		if diff := cmp.Diff(o.Want, o.Got); diff != "" {
			t.Errorf("%s nexthops (-want +got):\n%s", o.Expectation.Prefix, diff)
		}
	}
}

func TestIBGPMaximumPaths(t *testing.T) {
	h, _ := started(t, testutil.ParallelIBGP(links))
	ctx := testutil.Context(t)

	states, err := h.VerifyBGPConvergence(ctx, poll.Options{})
	if err != nil {
		t.Fatalf("VerifyBGPConvergence: %v", err)
	}
	if len(states["r2"]) != links {
		t.Errorf("r2 has %d sessions, want %d", len(states["r2"]), links)
	}
	if err := h.Apply(ctx, statics(5, false)); err != nil {
		t.Fatal(err)
	}
	all := expand(t, 5, rib.Expectation{Count: links, NextHops: viaLinks(span(0, links)...)})
	verify(t, h, all, rib.WithStrict(), rib.WithProtocol("bgp"))

	ibgp := func(n int) intent.Set {
		af := &intent.AddressFamily{Unicast: &intent.Unicast{
			MaximumPaths: &intent.MaximumPaths{IBGP: intent.IntPtr(n), EBGP: intent.IntPtr(1)},
		}}
		return intent.Set{"r2": {BGP: &intent.BGP{AddressFamily: map[intent.AFI]*intent.AddressFamily{intent.IPv4: af}}}}
	}
	if err := h.Apply(ctx, ibgp(1)); err != nil {
		t.Fatal(err)
	}
	rep := verify(t, h, expand(t, 5, rib.Expectation{Count: 1, NextHops: viaLinks(span(0, links)...)}),
		rib.WithAnyOf(), rib.WithProtocol("bgp"))
	for _, o := range rep.Outcomes {
		if len(o.Got) != 1 {
			t.Errorf("%s: %d nexthops with maximum-paths ibgp 1", o.Expectation.Prefix, len(o.Got))
		}
	}

	// maximum-paths 1 for eBGP must not constrain iBGP multipath.
	if err := h.Apply(ctx, ibgp(links)); err != nil {
		t.Fatal(err)
	}
	verify(t, h, all, rib.WithStrict(), rib.WithProtocol("bgp"))

	if _, err := h.ClearBGPAndVerify(ctx, poll.Options{}, "r2"); err != nil {
		t.Fatalf("ClearBGPAndVerify: %v", err)
	}
	verify(t, h, all, rib.WithStrict(), rib.WithProtocol("bgp"))
}

func TestStaticWithdraw(t *testing.T) {
	h, f := started(t, testutil.PairEBGP)
	f.Lag = 3
	ctx := testutil.Context(t)

	if err := h.Apply(ctx, statics(5, false)); err != nil {
		t.Fatal(err)
	}
	verify(t, h, expand(t, 5, rib.Expectation{Count: 2}))

	if err := h.Apply(ctx, statics(5, true)); err != nil {
		t.Fatal(err)
	}
	rep := verify(t, h, expand(t, 5, rib.Expectation{Absent: true}))
	if len(rep.Failed()) != 0 {
		t.Errorf("failed outcomes after success: %v", rep.Failed())
	}
	r1, _ := h.Topo.Router("r1")
	if got := r1.Config().StaticRoutes; len(got) != 0 {
		t.Errorf("r1 still records static routes %v", got)
	}
}

func TestFlapRestoresECMP(t *testing.T) {
	h, _ := started(t, testutil.ParallelEBGP(links))
	ctx := testutil.Context(t)
	if err := h.Apply(ctx, statics(5, false)); err != nil {
		t.Fatal(err)
	}
	all := expand(t, 5, rib.Expectation{Count: links, NextHops: viaLinks(span(0, links)...)})
	verify(t, h, all, rib.WithStrict())

	if err := h.SetInterfaceAdmin(ctx, "r1", "r2-link3", false); err != nil {
		t.Fatal(err)
	}
	remaining := append(span(0, 3), span(4, links)...)
	verify(t, h, expand(t, 5, rib.Expectation{Count: links - 1, NextHops: viaLinks(remaining...)}), rib.WithStrict())

	if err := h.SetInterfaceAdmin(ctx, "r1", "r2-link3", true); err != nil {
		t.Fatal(err)
	}
	verify(t, h, all, rib.WithStrict())

	if err := h.Flap(ctx, "r1", "r1-r2-eth5", time.Millisecond); err != nil {
		t.Fatalf("Flap: %v", err)
	}
	verify(t, h, all, rib.WithStrict())
	if _, err := h.VerifyBGPConvergence(ctx, poll.Options{}); err != nil {
		t.Errorf("sessions after flap: %v", err)
	}
}

func TestVerifyRoutesByLinkLocal(t *testing.T) {
	h, f := started(t, testutil.PairEBGP)
	ctx := testutil.Context(t)
	if err := h.Apply(ctx, statics(1, false)); err != nil {
		t.Fatal(err)
	}

	ll := f.LinkLocalOf("r1", "r1-r2-eth1").String()
	verify(t, h, []rib.Expectation{{
		Prefix:   netip.MustParsePrefix("11.0.20.1/32"),
		NextHops: []string{ll},
	}})

	got, err := h.ResolveLinkLocal(ctx, "r1", "r2-link1", poll.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got != ll {
		t.Errorf("ResolveLinkLocal = %s, want %s", got, ll)
	}
}

func TestVerifyRoutesTimeout(t *testing.T) {
	h, _ := started(t, testutil.PairEBGP)
	ctx := testutil.Context(t)
	if err := h.Apply(ctx, statics(2, false)); err != nil {
		t.Fatal(err)
	}

	rep, err := h.VerifyRoutes(ctx, RouteCheck{
		Router:       "r2",
		Expectations: expand(t, 2, rib.Expectation{Count: 3}),
		Poll:         poll.Options{Timeout: 20 * time.Millisecond},
	})
	if !errors.Is(err, util.ErrConvergenceTimeout) {
		t.Fatalf("VerifyRoutes = %v, want a timeout", err)
	}
	if rep == nil || len(rep.Failed()) != 2 {
		t.Fatalf("report = %v, want two failed outcomes", rep)
	}
	if !strings.Contains(rep.String(), "have 2 entries, want 3") {
		t.Errorf("report does not explain the failure:\n%s", rep)
	}
}

func TestVerifyRoutesUnknownNexthop(t *testing.T) {
	h, f := started(t, testutil.PairEBGP)
	ctx := testutil.Context(t)
	before := f.Queries()

	_, err := h.VerifyRoutes(ctx, RouteCheck{
		Router:       "r2",
		Expectations: []rib.Expectation{{Prefix: netip.MustParsePrefix("1.0.1.17/32"), NextHops: []string{"r9:lo"}}},
	})
	if !errors.Is(err, util.ErrNotFound) {
		t.Fatalf("VerifyRoutes = %v, want ErrNotFound", err)
	}
	if errors.Is(err, util.ErrConvergenceTimeout) {
		t.Error("an unknown router was retried until timeout")
	}
	// One round of interface lookups plus one table read.
	if n := f.Queries() - before; n > 6 {
		t.Errorf("%d queries for a permanent failure", n)
	}
}

func TestVerifyRoutesBadArguments(t *testing.T) {
	h, _ := started(t, testutil.PairEBGP)
	ctx := testutil.Context(t)

	if _, err := h.VerifyRoutes(ctx, RouteCheck{Router: "r7"}); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("unknown router: %v", err)
	}
	_, err := h.VerifyRoutes(ctx, RouteCheck{Router: "r2", Table: rib.TableAppDB})
	if !errors.Is(err, util.ErrInvalidConfig) {
		t.Errorf("APP_DB without redis: %v", err)
	}
}

func TestVerifyRoutesBGPTable(t *testing.T) {
	h, _ := started(t, testutil.PairEBGP)
	ctx := testutil.Context(t)
	if err := h.Apply(ctx, statics(1, false)); err != nil {
		t.Fatal(err)
	}

	rep, err := h.VerifyRoutes(ctx, RouteCheck{
		Router:       "r2",
		Table:        rib.TableBGP,
		Expectations: expand(t, 1, rib.Expectation{Count: 2, NextHops: viaLinks(0, 1)}),
	})
	if err != nil {
		t.Fatalf("VerifyRoutes: %v\n%s", err, rep)
	}
	if rep.Snapshot.Table != rib.TableBGP {
		t.Errorf("read table %s", rep.Snapshot.Table)
	}
}

func TestClearBGPAndVerify(t *testing.T) {
	h, f := started(t, testutil.PairEBGP)
	ctx := testutil.Context(t)
	before := f.Queries()

	states, err := h.ClearBGPAndVerify(ctx, poll.Options{})
	if err != nil {
		t.Fatalf("ClearBGPAndVerify: %v", err)
	}
	want := SessionStates{
		"r1": {"r1-r2-eth0": "Established", "r1-r2-eth1": "Established"},
		"r2": {"r2-r1-eth0": "Established", "r2-r1-eth1": "Established"},
	}
	if diff := cmp.Diff(want, states); diff != "" {
		t.Errorf("states (-want +got):\n%s", diff)
	}
	// Two clears and at least one polling round that saw the sessions down.
	if n := f.Queries() - before; n < 6 {
		t.Errorf("converged after %d queries; the clear was not observed", n)
	}
}

func TestReset(t *testing.T) {
	h, f := started(t, testutil.PairEBGP)
	ctx := testutil.Context(t)
	if err := h.Apply(ctx, statics(1, false)); err != nil {
		t.Fatal(err)
	}
	f.ResetApplied()

	if err := h.Reset(ctx, "r1"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	applied := f.Applied("r1")
	if len(applied) == 0 || applied[0] != "no router bgp 100" {
		t.Errorf("r1 received %v", applied)
	}
	if got := f.Applied("r2"); len(got) != 0 {
		t.Errorf("r2 was touched: %v", got)
	}
	r1, _ := h.Topo.Router("r1")
	if cfg := r1.Config(); cfg.BGP != nil || len(cfg.StaticRoutes) != 0 {
		t.Errorf("r1 still records %+v", cfg)
	}

	verify(t, h, []rib.Expectation{{Prefix: netip.MustParsePrefix("11.0.20.1/32"), Absent: true}})

	if err := h.Reset(ctx, "r9"); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("Reset(r9) = %v", err)
	}
}

func TestResetAll(t *testing.T) {
	h, f := started(t, testutil.PairEBGP)
	ctx := testutil.Context(t)
	f.ResetApplied()

	if err := h.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	for name, want := range map[string]string{"r1": "no router bgp 100", "r2": "no router bgp 200"} {
		applied := f.Applied(name)
		if len(applied) == 0 || applied[0] != want {
			t.Errorf("%s received %v, want %q first", name, applied, want)
		}
		r, _ := h.Topo.Router(name)
		if r.Config().BGP != nil {
			t.Errorf("%s still records BGP", name)
		}
	}

	states, err := h.VerifyBGPConvergence(ctx, poll.Options{})
	if err != nil || len(states) != 0 {
		t.Errorf("convergence without BGP = %v, %v", states, err)
	}

	// The initial configuration goes back on cleanly.
	if err := h.Apply(ctx, h.Topo.Initial()); err != nil {
		t.Fatalf("reapply: %v", err)
	}
	if _, err := h.VerifyBGPConvergence(ctx, poll.Options{}); err != nil {
		t.Errorf("convergence after reapply: %v", err)
	}
}

func TestDeleteBGPRouterByRouter(t *testing.T) {
	h, f := started(t, testutil.PairEBGP)
	ctx := testutil.Context(t)

	if err := h.Reset(ctx, "r1"); err != nil {
		t.Fatalf("Reset(r1): %v", err)
	}

	// r2 still has neighbors towards r1; they keep rendering and are not
	// expected to come up.
	f.ResetApplied()
	if err := h.Apply(ctx, maxPaths(8)); err != nil {
		t.Fatalf("Apply on r2 after r1 lost BGP: %v", err)
	}
	if diff := cmp.Diff([]string{"router bgp 200 / address-family ipv4 unicast / maximum-paths 8"}, f.Applied("r2")); diff != "" {
		t.Errorf("r2 statements (-want +got):\n%s", diff)
	}
	states, err := h.VerifyBGPConvergence(ctx, poll.Options{}, "r2")
	if err != nil || len(states) != 0 {
		t.Errorf("r2 convergence = %v, %v", states, err)
	}

	if err := h.Reset(ctx, "r2"); err != nil {
		t.Fatalf("Reset(r2): %v", err)
	}
	r2, _ := h.Topo.Router("r2")
	if r2.Config().BGP != nil {
		t.Error("r2 still records BGP")
	}
}

func TestTeardown(t *testing.T) {
	h, _ := started(t, testutil.PairEBGP)
	ctx := testutil.Context(t)
	if err := h.SetInterfaceAdmin(ctx, "r1", "r2-link0", false); err != nil {
		t.Fatal(err)
	}
	if err := h.Teardown(ctx); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	r1, _ := h.Topo.Router("r1")
	if !r1.AdminUp("r1-r2-eth0") || r1.Config().BGP != nil {
		t.Error("Teardown left recorded state behind")
	}
	if _, err := h.Channel().Exec(ctx, "r1", rib.BGPSummaryCommand); err == nil {
		t.Error("routers still answer after Teardown")
	}

	// The topology can be brought up again.
	if err := h.Setup(ctx); err != nil {
		t.Fatalf("second Setup: %v", err)
	}
	if _, err := h.VerifyBGPConvergence(ctx, poll.Options{}); err != nil {
		t.Errorf("second convergence: %v", err)
	}
}

func TestPlan(t *testing.T) {
	h, f := started(t, testutil.PairEBGP)
	before := f.Statements()

	cs, err := h.Plan(maxPaths(1))
	if err != nil {
		t.Fatal(err)
	}
	if len(cs) != 1 || cs[0].Router != "r2" {
		t.Fatalf("Plan = %v", cs)
	}
	if !strings.Contains(cs[0].String(), "maximum-paths 1") {
		t.Errorf("plan:\n%s", cs[0])
	}
	if f.Statements() != before {
		t.Error("Plan sent statements")
	}
}
