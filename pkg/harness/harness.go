// Package harness owns a test network for the duration of a test: it brings
// the routers up, pushes configuration, injects faults and polls the routers
// until their BGP sessions and routing tables reach an expected state.
//
// A Harness is driven by a single goroutine. Queries inside one verification
// fan out to routers in parallel; everything else is sequential.
package harness

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/newtron-network/newtconv/pkg/audit"
	"github.com/newtron-network/newtconv/pkg/device"
	"github.com/newtron-network/newtconv/pkg/fault"
	"github.com/newtron-network/newtconv/pkg/frr"
	"github.com/newtron-network/newtconv/pkg/intent"
	"github.com/newtron-network/newtconv/pkg/linklocal"
	"github.com/newtron-network/newtconv/pkg/poll"
	"github.com/newtron-network/newtconv/pkg/rib"
	"github.com/newtron-network/newtconv/pkg/topology"
	"github.com/newtron-network/newtconv/pkg/util"
)

// Backend starts and stops the routers of a topology.
type Backend interface {
	Start(ctx context.Context, topo *topology.Topology) error
	Stop(ctx context.Context) error
}

// Options tunes a Harness. Zero values select the defaults.
type Options struct {
	// Poll bounds every verification that is not given its own bounds.
	Poll poll.Options
	// Table is the routing table VerifyRoutes reads by default.
	Table rib.Table
	// SkipInitial leaves the topology's initial configuration unapplied.
	SkipInitial bool
}

// Harness ties a topology to the control channel of its routers.
type Harness struct {
	Topo      *topology.Topology
	LinkLocal *linklocal.Resolver
	Faults    *fault.Injector

	backend Backend
	ch      device.Channel
	applier *frr.Applier
	opts    Options
	started bool
}

// New creates a harness. backend may be nil when the routers are managed
// outside the harness.
func New(topo *topology.Topology, backend Backend, ch device.Channel, opts Options) *Harness {
	ll := linklocal.New(topo, ch)
	if opts.Table == "" {
		opts.Table = rib.TableRIB
	}
	return &Harness{
		Topo:      topo,
		LinkLocal: ll,
		Faults:    fault.New(topo, ch, ll),
		backend:   backend,
		ch:        ch,
		applier:   frr.NewApplier(topo, ch),
		opts:      opts,
	}
}

// Channel returns the control channel.
func (h *Harness) Channel() device.Channel { return h.ch }

// Setup starts the routers and applies the topology's initial
// configuration. Any failure is a *util.SetupError.
func (h *Harness) Setup(ctx context.Context) error {
	for _, r := range h.Topo.Routers() {
		r.ResetState()
	}
	h.LinkLocal.Flush()
	if h.backend != nil {
		util.Infof("starting %d routers of %s", len(h.Topo.RouterNames()), h.Topo.Name)
		if err := h.backend.Start(ctx, h.Topo); err != nil {
			return util.NewSetupError("backend", "", err)
		}
	}
	h.started = true

	if h.opts.SkipInitial {
		return nil
	}
	initial := h.Topo.Initial()
	if len(initial) == 0 {
		return nil
	}
	if err := h.applier.Apply(ctx, initial); err != nil {
		var rej *util.ConfigRejectedError
		if errors.As(err, &rej) {
			return util.NewSetupError("configure", rej.Router, err)
		}
		return util.NewSetupError("configure", "", err)
	}
	return nil
}

// Teardown stops the routers and closes the channel. Recorded state is
// dropped so the topology can be set up again.
func (h *Harness) Teardown(ctx context.Context) error {
	var errs []error
	if h.backend != nil && h.started {
		if err := h.backend.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping routers: %w", err))
		}
	}
	if err := h.ch.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing channel: %w", err))
	}
	for _, r := range h.Topo.Routers() {
		r.ResetState()
	}
	h.LinkLocal.Flush()
	h.started = false
	return errors.Join(errs...)
}

// Apply pushes a batch of intents. See frr.Applier.Apply.
func (h *Harness) Apply(ctx context.Context, set intent.Set) error {
	return h.applier.Apply(ctx, set)
}

// Plan renders a batch without applying it.
func (h *Harness) Plan(set intent.Set) ([]*frr.ChangeSet, error) {
	return h.applier.Plan(set)
}

// Reset retracts everything recorded on the given routers, or on every
// router when none are given.
func (h *Harness) Reset(ctx context.Context, routers ...string) error {
	if len(routers) == 0 {
		routers = h.Topo.RouterNames()
	}
	set := intent.Set{}
	for _, name := range routers {
		r, err := h.Topo.Router(name)
		if err != nil {
			return err
		}
		set[name] = intent.Retraction(r.Config())
	}
	return h.applier.Apply(ctx, set)
}

func (h *Harness) pollOptions(o poll.Options, what string) poll.Options {
	if o.Timeout == 0 {
		o.Timeout = h.opts.Poll.Timeout
	}
	if o.Interval == 0 {
		o.Interval = h.opts.Poll.Interval
	}
	if o.What == "" {
		o.What = what
	}
	return o
}

// recordedAS returns the local AS recorded for a router.
func (h *Harness) recordedAS(peer string) intent.ASN {
	r, err := h.Topo.Router(peer)
	if err != nil {
		return 0
	}
	if cfg := r.Config(); cfg.BGP != nil {
		return cfg.BGP.LocalAS
	}
	return 0
}

// expectedSessions derives each router's neighbor keys from its recorded
// configuration. Routers without sessions are left out.
func (h *Harness) expectedSessions(routers []string) (map[string][]string, error) {
	if len(routers) == 0 {
		routers = h.Topo.RouterNames()
	}
	out := map[string][]string{}
	for _, name := range routers {
		r, err := h.Topo.Router(name)
		if err != nil {
			return nil, err
		}
		ids, err := frr.SessionIDs(h.Topo, name, r.Config(), h.recordedAS)
		if err != nil {
			return nil, err
		}
		if len(ids) > 0 {
			out[name] = ids
		}
	}
	return out, nil
}

// SessionStates is router -> neighbor -> state.
type SessionStates map[string]map[string]string

func (s SessionStates) String() string {
	routers := make([]string, 0, len(s))
	for r := range s {
		routers = append(routers, r)
	}
	sort.Slice(routers, func(i, j int) bool { return util.NaturalLess(routers[i], routers[j]) })
	var b strings.Builder
	for _, r := range routers {
		peers := make([]string, 0, len(s[r]))
		for p := range s[r] {
			peers = append(peers, p)
		}
		sort.Slice(peers, func(i, j int) bool { return util.NaturalLess(peers[i], peers[j]) })
		for _, p := range peers {
			fmt.Fprintf(&b, "  %s %s %s\n", r, p, s[r][p])
		}
	}
	return b.String()
}

// VerifyBGPConvergence polls until every configured neighbor of the given
// routers (all routers when none are given) is Established. Routers are
// queried in parallel. On timeout the error is a
// *util.ConvergenceTimeoutError listing the last states.
func (h *Harness) VerifyBGPConvergence(ctx context.Context, opts poll.Options, routers ...string) (SessionStates, error) {
	expected, err := h.expectedSessions(routers)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(expected))
	for name := range expected {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return util.NaturalLess(names[i], names[j]) })

	opts = h.pollOptions(opts, "BGP convergence")
	res := poll.Until(ctx, opts, func(ctx context.Context) (SessionStates, bool, error) {
		observed, err := poll.Collect(ctx, names, func(ctx context.Context, router string) (map[string]string, error) {
			out, err := h.ch.Exec(ctx, router, rib.BGPSummaryCommand)
			if err != nil {
				return nil, err
			}
			return rib.ParseBGPSummary([]byte(out))
		})
		if err != nil {
			return nil, false, err
		}
		states := SessionStates{}
		ok := true
		for _, name := range names {
			states[name] = map[string]string{}
			for _, id := range expected[name] {
				st, found := observed[name][id]
				if !found {
					st = "missing"
				}
				states[name][id] = st
				ok = ok && st == "Established"
			}
		}
		return states, ok, nil
	})
	if res.OK {
		util.Infof("BGP converged on %d routers after %s", len(names), res.Elapsed.Round(time.Millisecond))
	}
	return res.Last, res.Err
}

// ClearBGPAndVerify resets every BGP session of the given routers and waits
// for them to re-establish.
func (h *Harness) ClearBGPAndVerify(ctx context.Context, opts poll.Options, routers ...string) (SessionStates, error) {
	targets := routers
	if len(targets) == 0 {
		expected, err := h.expectedSessions(nil)
		if err != nil {
			return nil, err
		}
		for name := range expected {
			targets = append(targets, name)
		}
		sort.Slice(targets, func(i, j int) bool { return util.NaturalLess(targets[i], targets[j]) })
	}
	for _, name := range targets {
		util.WithRouter(name).Info("clear bgp *")
		start := time.Now()
		_, err := h.ch.Exec(ctx, name, "clear bgp *")
		audit.Log(audit.NewEvent(name, audit.OpClearBGP).WithResult(err).WithDuration(start))
		if err != nil {
			return nil, fmt.Errorf("%s: clear bgp: %w", name, err)
		}
	}
	return h.VerifyBGPConvergence(ctx, opts, routers...)
}

// RouteCheck is one VerifyRoutes request.
type RouteCheck struct {
	Router       string
	AFI          intent.AFI
	Table        rib.Table // defaults to the harness table
	Expectations []rib.Expectation
	Options      []rib.MatchOption
	Poll         poll.Options
}

// RouteReport is the last observation of a route check.
type RouteReport struct {
	Snapshot *rib.ObservedRouteSet
	Outcomes []*rib.Outcome
}

// Failed returns the outcomes that did not match.
func (r *RouteReport) Failed() []*rib.Outcome {
	if r == nil {
		return nil
	}
	var out []*rib.Outcome
	for _, o := range r.Outcomes {
		if !o.OK {
			out = append(out, o)
		}
	}
	return out
}

func (r *RouteReport) String() string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	for _, o := range r.Outcomes {
		fmt.Fprintf(&b, "  %s\n", o)
	}
	b.WriteString(r.Snapshot.String())
	return b.String()
}

// VerifyRoutes polls a router's routing table until every expectation
// holds. Link-local nexthops are resolved against the topology on each
// attempt; expectations naming unknown routers or links fail at once.
func (h *Harness) VerifyRoutes(ctx context.Context, c RouteCheck) (*RouteReport, error) {
	table := c.Table
	if table == "" {
		table = h.opts.Table
	}
	src, ok := rib.SourceFor(table, h.ch)
	if !ok {
		return nil, fmt.Errorf("routing table %q is not readable through this channel: %w", table, util.ErrInvalidConfig)
	}
	if c.AFI == "" {
		c.AFI = intent.IPv4
	}
	if _, err := h.Topo.Router(c.Router); err != nil {
		return nil, err
	}
	norm := rib.NewNormalizer(h.Topo, h.LinkLocal)
	opts := h.pollOptions(c.Poll, fmt.Sprintf("%s %s %s routes", c.Router, c.AFI, table))

	res := poll.Until(ctx, opts, func(ctx context.Context) (*RouteReport, bool, error) {
		if err := h.LinkLocal.ResolveAll(ctx, h.Topo.RouterNames()); err != nil {
			return nil, false, err
		}
		set, err := src.Snapshot(ctx, c.Router, c.AFI)
		if err != nil {
			return nil, false, err
		}
		outcomes, ok, err := rib.CheckAll(norm, set, c.Expectations, c.Options...)
		if err != nil {
			if rib.Retryable(err) {
				return nil, false, err
			}
			return nil, false, poll.Permanent(err)
		}
		return &RouteReport{Snapshot: set, Outcomes: outcomes}, ok, nil
	})
	return res.Last, res.Err
}

// SetInterfaceAdmin brings a link interface up or down.
func (h *Harness) SetInterfaceAdmin(ctx context.Context, router, iface string, up bool) error {
	return h.Faults.SetInterfaceAdmin(ctx, router, iface, up)
}

// Flap takes an interface down for hold and brings it back.
func (h *Harness) Flap(ctx context.Context, router, iface string, hold time.Duration) error {
	return h.Faults.Flap(ctx, router, iface, hold)
}

// ResolveLinkLocal waits for the link-local address of an interface.
func (h *Harness) ResolveLinkLocal(ctx context.Context, router, iface string, opts poll.Options) (string, error) {
	a, err := h.LinkLocal.Await(ctx, router, iface, h.pollOptions(opts, ""))
	if err != nil {
		return "", err
	}
	return a.String(), nil
}
