package testutil

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/atomic"

	"github.com/newtron-network/newtconv/pkg/device"
	"github.com/newtron-network/newtconv/pkg/intent"
	"github.com/newtron-network/newtconv/pkg/topology"
	"github.com/newtron-network/newtconv/pkg/util"
)

// defaultMaxPaths is FRR's compiled-in multipath limit.
const defaultMaxPaths = 64

// Fabric is an in-memory network of FRR routers built from a topology. It
// accepts the statements the frr package renders, runs a reduced BGP
// decision process and answers show commands with FRR-shaped JSON. It
// implements device.Channel, device.LinkAdmin and the harness backend.
type Fabric struct {
	topo *topology.Topology

	// Lag is the number of route and session queries after a change that
	// still observe the state from before it.
	Lag int
	// LinkLocalDelay is the number of "show interface" queries after an
	// interface comes up that report no link-local address.
	LinkLocalDelay int
	// StartErr, when set, makes Start fail.
	StartErr error
	// RejectLine makes Configure reject any statement containing it.
	RejectLine string

	mu      sync.Mutex
	started bool
	routers map[string]*simRouter
	byAddr  map[netip.Addr]*topology.Interface
	lagLeft int
	frozen  *view
	cleared int

	queries    atomic.Int64
	statements atomic.Int64
}

type simRouter struct {
	name      string
	index     int
	as        int
	routerID  string
	neighbors map[string]*simNeighbor
	afs       map[intent.AFI]*simAF
	statics   map[netip.Prefix][]string
	adminDown map[string]bool
	llGen     map[string]int
	llWait    map[string]int
	ifConfig  map[string]map[string]string
	policy    map[string]bool // prefix-list and route-map entries
	applied   []string
}

type simNeighbor struct {
	id         string
	remoteAS   int
	unnumbered bool
	extNH      bool
	active     map[intent.AFI]bool
	nhSelf     map[intent.AFI]bool
}

type simAF struct {
	redistribute map[string]bool
	networks     map[netip.Prefix]bool
	maxEBGP      int
	maxIBGP      int
}

// NewFabric builds a stopped fabric for topo.
func NewFabric(topo *topology.Topology) *Fabric {
	f := &Fabric{topo: topo, byAddr: map[netip.Addr]*topology.Interface{}}
	for _, r := range topo.Routers() {
		ifaces := append([]*topology.Interface{}, r.Interfaces...)
		if r.Loopback != nil {
			ifaces = append(ifaces, r.Loopback)
		}
		for _, i := range ifaces {
			for _, p := range []netip.Prefix{i.IPv4, i.IPv6} {
				if p.IsValid() {
					f.byAddr[p.Addr()] = i
				}
			}
		}
	}
	f.reset()
	return f
}

func (f *Fabric) reset() {
	f.routers = map[string]*simRouter{}
	for idx, name := range f.topo.RouterNames() {
		f.routers[name] = &simRouter{
			name:      name,
			index:     idx + 1,
			neighbors: map[string]*simNeighbor{},
			afs:       map[intent.AFI]*simAF{},
			statics:   map[netip.Prefix][]string{},
			adminDown: map[string]bool{},
			llGen:     map[string]int{},
			llWait:    map[string]int{},
			ifConfig:  map[string]map[string]string{},
			policy:    map[string]bool{},
		}
	}
	f.lagLeft, f.frozen, f.cleared = 0, nil, 0
}

// Start boots every router with an empty configuration.
func (f *Fabric) Start(ctx context.Context, topo *topology.Topology) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		return f.StartErr
	}
	if topo != f.topo {
		return fmt.Errorf("fabric was built for topology %q", f.topo.Name)
	}
	f.reset()
	f.started = true
	return nil
}

// Stop shuts the routers down.
func (f *Fabric) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
	return nil
}

// Close implements device.Channel.
func (f *Fabric) Close() error { return nil }

// Queries returns the number of show commands served.
func (f *Fabric) Queries() int64 { return f.queries.Load() }

// Statements returns the number of configuration statements received.
func (f *Fabric) Statements() int64 { return f.statements.Load() }

// Applied returns the statements router accepted, in order.
func (f *Fabric) Applied(router string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r := f.routers[router]; r != nil {
		return append([]string(nil), r.applied...)
	}
	return nil
}

// ResetApplied forgets the statement log of every router.
func (f *Fabric) ResetApplied() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.routers {
		r.applied = nil
	}
}

func (f *Fabric) router(name string) (*simRouter, error) {
	if !f.started {
		return nil, fmt.Errorf("%s: routing daemon not running", name)
	}
	r, ok := f.routers[name]
	if !ok {
		return nil, fmt.Errorf("router %q: %w", name, util.ErrNotFound)
	}
	return r, nil
}

// beginChange freezes the currently observable state for Lag queries.
func (f *Fabric) beginChange() {
	if f.Lag <= 0 {
		return
	}
	if f.lagLeft == 0 {
		f.frozen = f.compute()
	}
	f.lagLeft = f.Lag
}

// Configure implements device.Channel.
func (f *Fabric) Configure(ctx context.Context, router string, stmt device.Statement) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := f.router(router)
	if err != nil {
		return err
	}
	f.statements.Inc()
	f.beginChange()

	out := ""
	if f.RejectLine != "" && strings.Contains(stmt.String(), f.RejectLine) {
		out = "% Unknown command: " + stmt.Line
	} else {
		out = f.configure(r, stmt)
	}
	if err := device.CheckRejected(router, stmt, out); err != nil {
		return err
	}
	r.applied = append(r.applied, stmt.String())
	return nil
}

// SetLinkAdmin implements device.LinkAdmin.
func (f *Fabric) SetLinkAdmin(ctx context.Context, router, iface string, up bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := f.router(router)
	if err != nil {
		return err
	}
	if _, err := f.interfaceOf(router, iface); err != nil {
		return err
	}
	f.beginChange()
	f.setAdmin(r, iface, up)
	return nil
}

func (f *Fabric) setAdmin(r *simRouter, iface string, up bool) {
	if !up {
		r.adminDown[iface] = true
		return
	}
	if r.adminDown[iface] {
		delete(r.adminDown, iface)
		r.llGen[iface]++
		r.llWait[iface] = f.LinkLocalDelay
	}
}

func (f *Fabric) interfaceOf(router, name string) (*topology.Interface, error) {
	rt, err := f.topo.Router(router)
	if err != nil {
		return nil, err
	}
	return rt.Interface(name)
}

// linkLocal is the address the fabric assigns to a link interface. It
// changes every time the interface is cycled.
func (f *Fabric) linkLocal(r *simRouter, i *topology.Interface) netip.Addr {
	idx := 0
	rt, _ := f.topo.Router(r.name)
	for n, x := range rt.Interfaces {
		if x == i {
			idx = n + 1
		}
	}
	return netip.MustParseAddr(fmt.Sprintf("fe80::%x:%x:%x", r.index, idx, r.llGen[i.Name]+1))
}

// LinkLocalOf returns the current link-local address of an interface.
func (f *Fabric) LinkLocalOf(router, iface string) netip.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, err := f.interfaceOf(router, iface)
	if err != nil {
		return netip.Addr{}
	}
	return f.linkLocal(f.routers[router], i)
}

const (
	errUnknown       = "% Unknown command: "
	errNoPeer        = "% Specify remote-as or peer-group commands first"
	errMalformed     = "% Malformed address"
	errNoBGP         = "% No BGP process is configured"
	errNoSuchRoute   = "% Refusing to remove a non-existent route"
	errUnknownIfname = "% Interface does not exist"
)

func (f *Fabric) configure(r *simRouter, stmt device.Statement) string {
	if len(stmt.Context) == 0 {
		return f.configureTop(r, stmt.Line)
	}
	head := strings.Fields(stmt.Context[0])
	switch {
	case len(head) == 3 && head[0] == "router" && head[1] == "bgp":
		as, err := strconv.Atoi(head[2])
		if err != nil {
			return errUnknown + stmt.Context[0]
		}
		if msg := r.enterBGP(as); msg != "" {
			return msg
		}
		if len(stmt.Context) == 1 {
			return f.configureBGP(r, stmt.Line)
		}
		af := strings.Fields(stmt.Context[1])
		if len(af) != 3 || af[0] != "address-family" || af[2] != "unicast" {
			return errUnknown + stmt.Context[1]
		}
		afi := intent.AFI(af[1])
		if afi != intent.IPv4 && afi != intent.IPv6 {
			return errUnknown + stmt.Context[1]
		}
		return f.configureAF(r, afi, stmt.Line)
	case len(head) == 2 && head[0] == "interface":
		if _, err := f.interfaceOf(r.name, head[1]); err != nil {
			return errUnknownIfname
		}
		return f.configureInterface(r, head[1], stmt.Line)
	case len(head) == 4 && head[0] == "route-map":
		r.policy[stmt.Context[0]] = true
		return r.configurePolicy(stmt.Context[0], stmt.Line)
	}
	return errUnknown + stmt.Context[0]
}

func (r *simRouter) enterBGP(as int) string {
	if r.as == 0 {
		r.as = as
		return ""
	}
	if r.as != as {
		return fmt.Sprintf("%% BGP is already running; AS is %d", r.as)
	}
	return ""
}

func (r *simRouter) resetBGP() {
	r.as = 0
	r.routerID = ""
	r.neighbors = map[string]*simNeighbor{}
	r.afs = map[intent.AFI]*simAF{}
}

func (f *Fabric) configureTop(r *simRouter, line string) string {
	w := strings.Fields(line)
	neg := len(w) > 0 && w[0] == "no"
	if neg {
		w = w[1:]
	}
	switch {
	case len(w) == 3 && w[0] == "router" && w[1] == "bgp":
		as, err := strconv.Atoi(w[2])
		if err != nil {
			return errUnknown + line
		}
		if neg {
			if r.as == 0 {
				return errNoBGP
			}
			if r.as != as {
				return fmt.Sprintf("%% BGP instance %d not found", as)
			}
			r.resetBGP()
			return ""
		}
		return r.enterBGP(as)
	case len(w) == 4 && (w[0] == "ip" || w[0] == "ipv6") && w[1] == "route":
		p, err := netip.ParsePrefix(w[2])
		if err != nil || p.Addr().Is6() != (w[0] == "ipv6") {
			return errMalformed
		}
		p = p.Masked()
		nh := w[3]
		if neg {
			hops := r.statics[p]
			kept := hops[:0]
			found := false
			for _, h := range hops {
				if h == nh {
					found = true
					continue
				}
				kept = append(kept, h)
			}
			if !found {
				return errNoSuchRoute
			}
			if len(kept) == 0 {
				delete(r.statics, p)
			} else {
				r.statics[p] = kept
			}
			return ""
		}
		if nh != "Null0" {
			if _, err := netip.ParseAddr(nh); err != nil {
				if _, err := f.interfaceOf(r.name, nh); err != nil {
					return errUnknownIfname
				}
			}
		}
		for _, h := range r.statics[p] {
			if h == nh {
				return ""
			}
		}
		r.statics[p] = append(r.statics[p], nh)
		return ""
	case len(w) == 7 && (w[0] == "ip" || w[0] == "ipv6") && w[1] == "prefix-list" && w[3] == "seq":
		key := strings.Join(w[:5], " ")
		if neg {
			delete(r.policy, key)
		} else {
			r.policy[key] = true
		}
		return ""
	case len(w) == 4 && w[0] == "route-map":
		key := strings.Join(w, " ")
		if neg {
			for k := range r.policy {
				if k == key || strings.HasPrefix(k, key+" / ") {
					delete(r.policy, k)
				}
			}
		} else {
			r.policy[key] = true
		}
		return ""
	}
	return errUnknown + line
}

func (r *simRouter) configurePolicy(ctx, line string) string {
	w := strings.Fields(line)
	neg := len(w) > 0 && w[0] == "no"
	if neg {
		w = w[1:]
	}
	if len(w) < 3 || (w[0] != "match" && w[0] != "set") {
		return errUnknown + line
	}
	key := ctx + " / " + strings.Join(w[:2], " ")
	if neg {
		delete(r.policy, key)
	} else {
		r.policy[key] = true
	}
	return ""
}

func (f *Fabric) configureInterface(r *simRouter, iface, line string) string {
	cfg := r.ifConfig[iface]
	if cfg == nil {
		cfg = map[string]string{}
		r.ifConfig[iface] = cfg
	}
	switch {
	case line == "shutdown":
		f.setAdmin(r, iface, false)
	case line == "no shutdown":
		f.setAdmin(r, iface, true)
	case strings.HasPrefix(line, "ipv6 nd ra-interval "):
		cfg["ra-interval"] = strings.TrimPrefix(line, "ipv6 nd ra-interval ")
	case line == "no ipv6 nd ra-interval":
		delete(cfg, "ra-interval")
	case line == "ipv6 nd suppress-ra":
		cfg["suppress-ra"] = "true"
	case line == "no ipv6 nd suppress-ra":
		cfg["suppress-ra"] = "false"
	default:
		return errUnknown + line
	}
	return ""
}

func (f *Fabric) configureBGP(r *simRouter, line string) string {
	w := strings.Fields(line)
	neg := len(w) > 0 && w[0] == "no"
	if neg {
		w = w[1:]
	}
	switch {
	case len(w) == 3 && w[0] == "bgp" && w[1] == "router-id":
		if neg {
			r.routerID = ""
		} else {
			r.routerID = w[2]
		}
		return ""
	case len(w) == 3 && w[0] == "bgp" && w[1] == "default" && w[2] == "ipv4-unicast":
		return ""
	case len(w) == 2 && w[0] == "neighbor" && neg:
		if _, ok := r.neighbors[w[1]]; !ok {
			return errNoPeer
		}
		delete(r.neighbors, w[1])
		return ""
	case len(w) == 5 && w[0] == "neighbor" && w[2] == "interface" && w[3] == "remote-as" && !neg:
		if _, err := f.interfaceOf(r.name, w[1]); err != nil {
			return errUnknownIfname
		}
		as, err := strconv.Atoi(w[4])
		if err != nil {
			return errUnknown + line
		}
		r.neighbor(w[1], as, true)
		return ""
	case len(w) == 4 && w[0] == "neighbor" && w[2] == "remote-as" && !neg:
		if _, err := netip.ParseAddr(w[1]); err != nil {
			return "% Create the peer-group or interface first"
		}
		as, err := strconv.Atoi(w[3])
		if err != nil {
			return errUnknown + line
		}
		r.neighbor(w[1], as, false)
		return ""
	case len(w) == 4 && w[0] == "neighbor" && w[2] == "capability" && w[3] == "extended-nexthop":
		n, ok := r.neighbors[w[1]]
		if !ok {
			return errNoPeer
		}
		n.extNH = !neg
		return ""
	}
	return errUnknown + line
}

func (r *simRouter) neighbor(id string, as int, unnumbered bool) {
	n, ok := r.neighbors[id]
	if !ok {
		n = &simNeighbor{id: id, active: map[intent.AFI]bool{}, nhSelf: map[intent.AFI]bool{}}
		r.neighbors[id] = n
	}
	n.remoteAS = as
	n.unnumbered = unnumbered
}

func (r *simRouter) af(afi intent.AFI) *simAF {
	a := r.afs[afi]
	if a == nil {
		a = &simAF{
			redistribute: map[string]bool{},
			networks:     map[netip.Prefix]bool{},
			maxEBGP:      defaultMaxPaths,
			maxIBGP:      defaultMaxPaths,
		}
		r.afs[afi] = a
	}
	return a
}

func (f *Fabric) configureAF(r *simRouter, afi intent.AFI, line string) string {
	w := strings.Fields(line)
	neg := len(w) > 0 && w[0] == "no"
	if neg {
		w = w[1:]
	}
	a := r.af(afi)
	switch {
	case len(w) >= 3 && w[0] == "neighbor":
		n, ok := r.neighbors[w[1]]
		if !ok {
			return errNoPeer
		}
		switch {
		case len(w) == 3 && w[2] == "activate":
			n.active[afi] = !neg
		case len(w) == 3 && w[2] == "next-hop-self":
			n.nhSelf[afi] = !neg
		case len(w) == 5 && w[2] == "route-map" && (w[4] == "in" || w[4] == "out"):
		default:
			return errUnknown + line
		}
		return ""
	case len(w) >= 2 && w[0] == "redistribute":
		switch w[1] {
		case "static", "connected", "kernel":
		default:
			return errUnknown + line
		}
		if neg {
			delete(a.redistribute, w[1])
		} else {
			a.redistribute[w[1]] = true
		}
		return ""
	case len(w) == 2 && w[0] == "network":
		p, err := netip.ParsePrefix(w[1])
		if err != nil || p.Addr().Is6() != (afi == intent.IPv6) {
			return errMalformed
		}
		if neg {
			delete(a.networks, p.Masked())
		} else {
			a.networks[p.Masked()] = true
		}
		return ""
	case len(w) >= 1 && w[0] == "maximum-paths":
		ibgp := len(w) >= 2 && w[1] == "ibgp"
		val := defaultMaxPaths
		if !neg {
			arg := w[len(w)-1]
			n, err := strconv.Atoi(arg)
			if err != nil || n < 1 || n > 256 {
				return errUnknown + line
			}
			val = n
		}
		if ibgp {
			a.maxIBGP = val
		} else {
			a.maxEBGP = val
		}
		return ""
	}
	return errUnknown + line
}
