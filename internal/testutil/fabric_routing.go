package testutil

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"

	"github.com/newtron-network/newtconv/pkg/intent"
	"github.com/newtron-network/newtconv/pkg/topology"
	"github.com/newtron-network/newtconv/pkg/util"
)

// simPath is one BGP path as received by a router.
type simPath struct {
	asPath   []int
	local    bool
	ebgp     bool
	from     string // advertising router
	peerID   string // neighbor key on the receiving router
	nhGlobal netip.Addr
	nhLL     netip.Addr
	nhIf     string
}

func (p *simPath) asPathString() string {
	parts := make([]string, len(p.asPath))
	for i, as := range p.asPath {
		parts[i] = fmt.Sprint(as)
	}
	return strings.Join(parts, " ")
}

// prefixPaths holds the paths of a prefix in preference order; the first
// selected entries are the best path and its multipaths.
type prefixPaths struct {
	paths    []*simPath
	selected int
}

type afiPaths map[intent.AFI]map[netip.Prefix]*prefixPaths

type ribNexthop struct {
	ip        netip.Addr
	iface     string
	blackhole bool
	connected bool
}

type ribRoute struct {
	protocol string
	distance int
	selected bool
	nexthops []ribNexthop
}

// view is the converged state of the whole fabric at one instant.
type view struct {
	sessions map[string]map[string]*sessionView
	bgp      map[string]afiPaths
	rib      map[string]map[intent.AFI]map[netip.Prefix][]ribRoute
}

type sessionView struct {
	state    string
	remoteAS int
	afis     map[intent.AFI]bool
}

// session is one direction of a configured BGP neighbor.
type session struct {
	local, peer     *simRouter
	nb, pnb         *simNeighbor
	localIf, peerIf *topology.Interface // nil for loopback peering
	up              bool
	ebgp            bool
}

func (s *session) transportV6() bool {
	if s.nb.unnumbered {
		return true
	}
	a, err := netip.ParseAddr(s.nb.id)
	return err == nil && a.Is6()
}

func (s *session) negotiated(afi intent.AFI) bool {
	if !s.up || !s.nb.active[afi] || !s.pnb.active[afi] {
		return false
	}
	if afi == intent.IPv4 && s.transportV6() {
		return (s.nb.unnumbered && s.pnb.unnumbered) || (s.nb.extNH && s.pnb.extNH)
	}
	return true
}

func (f *Fabric) routerNames() []string {
	return f.topo.RouterNames()
}

// operUp reports whether both ends of a link interface are admin up.
func (f *Fabric) operUp(i *topology.Interface) bool {
	if i.Link == nil {
		return true
	}
	r := f.routers[i.Router]
	if r.adminDown[i.Name] {
		return false
	}
	rem := i.Remote()
	return !f.routers[rem.Router].adminDown[rem.Name]
}

// sessions pairs every configured neighbor with its peer.
func (f *Fabric) sessions() []*session {
	var out []*session
	for _, name := range f.routerNames() {
		r := f.routers[name]
		if r.as == 0 {
			continue
		}
		ids := make([]string, 0, len(r.neighbors))
		for id := range r.neighbors {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return util.NaturalLess(ids[i], ids[j]) })
		for _, id := range ids {
			if s := f.pair(r, r.neighbors[id]); s != nil {
				out = append(out, s)
			}
		}
	}
	return out
}

func (f *Fabric) pair(r *simRouter, nb *simNeighbor) *session {
	s := &session{local: r, nb: nb}
	var peerIf *topology.Interface
	if nb.unnumbered {
		i, err := f.interfaceOf(r.name, nb.id)
		if err != nil || i.Link == nil {
			return s
		}
		s.localIf, peerIf = i, i.Remote()
	} else {
		a, err := netip.ParseAddr(nb.id)
		if err != nil {
			return s
		}
		owner, ok := f.byAddr[a]
		if !ok || owner.Router == r.name {
			return s
		}
		peerIf = owner
		if owner.Link != nil {
			s.localIf = owner.Remote()
			if s.localIf.Router != r.name {
				return s
			}
		}
	}
	peer := f.routers[peerIf.Router]
	s.peer = peer
	if peerIf.Link != nil {
		s.peerIf = peerIf
	}
	if peer.as == 0 {
		return s
	}

	// The peer must point back at us over the same link.
	for _, pnb := range peer.neighbors {
		if f.pointsAt(peer, pnb, r, s.localIf) {
			s.pnb = pnb
			break
		}
	}
	if s.pnb == nil || nb.remoteAS != peer.as || s.pnb.remoteAS != r.as {
		return s
	}
	if s.localIf != nil {
		s.up = f.operUp(s.localIf)
	} else {
		s.up = f.anyLinkUp(r.name, peer.name)
	}
	s.ebgp = r.as != peer.as
	return s
}

// pointsAt reports whether neighbor pnb of peer addresses router r through
// r's interface localIf (or r's loopback when localIf is nil).
func (f *Fabric) pointsAt(peer *simRouter, pnb *simNeighbor, r *simRouter, localIf *topology.Interface) bool {
	if pnb.unnumbered {
		if localIf == nil {
			return false
		}
		i, err := f.interfaceOf(peer.name, pnb.id)
		return err == nil && i.Remote() == localIf
	}
	a, err := netip.ParseAddr(pnb.id)
	if err != nil {
		return false
	}
	owner, ok := f.byAddr[a]
	if !ok || owner.Router != r.name {
		return false
	}
	if localIf == nil {
		return owner.Link == nil
	}
	return owner == localIf
}

func (f *Fabric) anyLinkUp(a, b string) bool {
	rt, err := f.topo.Router(a)
	if err != nil {
		return false
	}
	for _, i := range rt.LinksTo(b) {
		if f.operUp(i) {
			return true
		}
	}
	return false
}

func afiOf(p netip.Prefix) intent.AFI {
	if p.Addr().Is6() {
		return intent.IPv6
	}
	return intent.IPv4
}

func (f *Fabric) connected(r *simRouter, afi intent.AFI) map[netip.Prefix]string {
	out := map[netip.Prefix]string{}
	rt, _ := f.topo.Router(r.name)
	ifaces := append([]*topology.Interface{}, rt.Interfaces...)
	if rt.Loopback != nil {
		ifaces = append(ifaces, rt.Loopback)
	}
	for _, i := range ifaces {
		if !f.operUp(i) {
			continue
		}
		p := i.IPv4
		if afi == intent.IPv6 {
			p = i.IPv6
		}
		if p.IsValid() {
			out[p.Masked()] = i.Name
		}
	}
	return out
}

// staticHops returns the usable gateways of a static route.
func (f *Fabric) staticHops(r *simRouter, hops []string) []ribNexthop {
	var out []ribNexthop
	for _, h := range hops {
		if h == "Null0" {
			out = append(out, ribNexthop{blackhole: true})
			continue
		}
		if a, err := netip.ParseAddr(h); err == nil {
			for p, ifname := range f.connected(r, afiOf(netip.PrefixFrom(a, a.BitLen()))) {
				if p.Contains(a) {
					out = append(out, ribNexthop{ip: a, iface: ifname})
					break
				}
			}
			continue
		}
		if i, err := f.interfaceOf(r.name, h); err == nil && f.operUp(i) {
			out = append(out, ribNexthop{iface: h, connected: true})
		}
	}
	return out
}

// originated returns the prefixes r injects into BGP for afi.
func (f *Fabric) originated(r *simRouter, afi intent.AFI) []netip.Prefix {
	a := r.afs[afi]
	if r.as == 0 || a == nil {
		return nil
	}
	set := map[netip.Prefix]bool{}
	if a.redistribute["static"] {
		for p, hops := range r.statics {
			if afiOf(p) == afi && len(f.staticHops(r, hops)) > 0 {
				set[p] = true
			}
		}
	}
	if a.redistribute["connected"] {
		for p := range f.connected(r, afi) {
			set[p] = true
		}
	}
	for p := range a.networks {
		set[p] = true
	}
	out := make([]netip.Prefix, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	return out
}

func (r *simRouter) maxPaths(afi intent.AFI, ebgp bool) int {
	a := r.afs[afi]
	if a == nil {
		return defaultMaxPaths
	}
	if ebgp {
		return a.maxEBGP
	}
	return a.maxIBGP
}

func containsAS(path []int, as int) bool {
	for _, x := range path {
		if x == as {
			return true
		}
	}
	return false
}

// advertise builds the path router s.local receives from s.peer for bp.
func (f *Fabric) advertise(s *session, afi intent.AFI, bp *simPath) *simPath {
	sender := s.peer
	np := &simPath{ebgp: s.ebgp, from: sender.name, peerID: s.nb.id}
	np.asPath = append([]int(nil), bp.asPath...)
	if s.ebgp {
		np.asPath = append([]int{sender.as}, np.asPath...)
	}
	if !s.ebgp && !bp.local && !s.pnb.nhSelf[afi] {
		np.nhGlobal, np.nhLL = bp.nhGlobal, bp.nhLL
		return np
	}
	switch {
	case s.peerIf == nil:
		rt, _ := f.topo.Router(sender.name)
		if rt.Loopback != nil {
			np.nhGlobal = rt.Loopback.IPv4.Addr()
			if afi == intent.IPv6 || s.transportV6() {
				np.nhGlobal = rt.Loopback.IPv6.Addr()
			}
		}
	case afi == intent.IPv6 || s.transportV6():
		if s.peerIf.IPv6.IsValid() {
			np.nhGlobal = s.peerIf.IPv6.Addr()
		}
		np.nhLL = f.linkLocal(sender, s.peerIf)
		np.nhIf = s.localIf.Name
	default:
		np.nhGlobal = s.peerIf.IPv4.Addr()
		np.nhIf = s.localIf.Name
	}
	return np
}

func (f *Fabric) selectPaths(r *simRouter, afi intent.AFI, paths []*simPath) *prefixPaths {
	sort.SliceStable(paths, func(i, j int) bool {
		a, b := paths[i], paths[j]
		if a.local != b.local {
			return a.local
		}
		if len(a.asPath) != len(b.asPath) {
			return len(a.asPath) < len(b.asPath)
		}
		if a.ebgp != b.ebgp {
			return a.ebgp
		}
		return util.NaturalLess(a.peerID, b.peerID)
	})
	pp := &prefixPaths{paths: paths, selected: 1}
	best := paths[0]
	if best.local {
		return pp
	}
	limit := r.maxPaths(afi, best.ebgp)
	for _, p := range paths[1:] {
		if pp.selected >= limit {
			break
		}
		if p.local || p.ebgp != best.ebgp || p.asPathString() != best.asPathString() {
			break
		}
		pp.selected++
	}
	return pp
}

// bgpRound computes every router's paths from its neighbors' best paths in
// prev.
func (f *Fabric) bgpRound(sessions []*session, prev map[string]afiPaths) map[string]afiPaths {
	next := map[string]afiPaths{}
	for _, name := range f.routerNames() {
		r := f.routers[name]
		next[name] = afiPaths{}
		for _, afi := range intent.AFIs {
			cands := map[netip.Prefix][]*simPath{}
			for _, p := range f.originated(r, afi) {
				cands[p] = append(cands[p], &simPath{local: true, from: name})
			}
			for _, s := range sessions {
				if s.local != r || !s.negotiated(afi) {
					continue
				}
				for p, pp := range prev[s.peer.name][afi] {
					bp := pp.paths[0]
					if !bp.local && bp.from == name {
						continue
					}
					if !s.ebgp && !bp.local && !bp.ebgp {
						continue
					}
					if s.ebgp && containsAS(bp.asPath, r.as) {
						continue
					}
					cands[p] = append(cands[p], f.advertise(s, afi, bp))
				}
			}
			if len(cands) == 0 {
				continue
			}
			next[name][afi] = map[netip.Prefix]*prefixPaths{}
			for p, paths := range cands {
				next[name][afi][p] = f.selectPaths(r, afi, paths)
			}
		}
	}
	return next
}

func fingerprint(paths map[string]afiPaths) string {
	var b strings.Builder
	names := make([]string, 0, len(paths))
	for n := range paths {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		for _, afi := range intent.AFIs {
			prefixes := sortedPrefixes(paths[n][afi])
			for _, p := range prefixes {
				pp := paths[n][afi][p]
				fmt.Fprintf(&b, "%s %s %s %d:", n, afi, p, pp.selected)
				for _, sp := range pp.paths {
					fmt.Fprintf(&b, " [%s|%s|%s|%s]", sp.asPathString(), sp.peerID, sp.nhGlobal, sp.nhLL)
				}
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}

func sortedPrefixes[V any](m map[netip.Prefix]V) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Addr().Compare(out[j].Addr()); c != 0 {
			return c < 0
		}
		return out[i].Bits() < out[j].Bits()
	})
	return out
}

// compute runs the decision process to a fixed point.
func (f *Fabric) compute() *view {
	v := &view{
		sessions: map[string]map[string]*sessionView{},
		rib:      map[string]map[intent.AFI]map[netip.Prefix][]ribRoute{},
	}
	sessions := f.sessions()
	if f.cleared > 0 {
		for _, s := range sessions {
			s.up = false
		}
	}
	for _, s := range sessions {
		if v.sessions[s.local.name] == nil {
			v.sessions[s.local.name] = map[string]*sessionView{}
		}
		sv := &sessionView{state: "Active", remoteAS: s.nb.remoteAS, afis: map[intent.AFI]bool{}}
		switch {
		case s.up:
			sv.state = "Established"
		case f.cleared > 0:
			sv.state = "Connect"
		}
		for afi, on := range s.nb.active {
			sv.afis[afi] = on
		}
		v.sessions[s.local.name][s.nb.id] = sv
	}

	paths := map[string]afiPaths{}
	last := fingerprint(paths)
	for round := 0; round <= len(f.routers)+1; round++ {
		next := f.bgpRound(sessions, paths)
		fp := fingerprint(next)
		paths = next
		if fp == last {
			break
		}
		last = fp
	}
	v.bgp = paths

	for _, name := range f.routerNames() {
		v.rib[name] = f.rib(f.routers[name], paths[name])
	}
	return v
}

func (f *Fabric) rib(r *simRouter, paths afiPaths) map[intent.AFI]map[netip.Prefix][]ribRoute {
	out := map[intent.AFI]map[netip.Prefix][]ribRoute{}
	for _, afi := range intent.AFIs {
		routes := map[netip.Prefix][]ribRoute{}
		for p, ifname := range f.connected(r, afi) {
			routes[p] = append(routes[p], ribRoute{protocol: "connected", nexthops: []ribNexthop{{iface: ifname, connected: true}}})
		}
		for p, hops := range r.statics {
			if afiOf(p) != afi {
				continue
			}
			if nhs := f.staticHops(r, hops); len(nhs) > 0 {
				routes[p] = append(routes[p], ribRoute{protocol: "static", distance: 1, nexthops: nhs})
			}
		}
		for p, pp := range paths[afi] {
			best := pp.paths[0]
			if best.local {
				continue
			}
			rr := ribRoute{protocol: "bgp", distance: 20}
			if !best.ebgp {
				rr.distance = 200
			}
			for _, sp := range pp.paths[:pp.selected] {
				nh := ribNexthop{ip: sp.nhGlobal, iface: sp.nhIf}
				if sp.nhLL.IsValid() {
					nh.ip = sp.nhLL
				}
				rr.nexthops = append(rr.nexthops, nh)
			}
			routes[p] = append(routes[p], rr)
		}
		for p, list := range routes {
			bestIdx := 0
			for i, rr := range list {
				if rr.distance < list[bestIdx].distance {
					bestIdx = i
				}
			}
			list[bestIdx].selected = true
			routes[p] = list
		}
		if len(routes) > 0 {
			out[afi] = routes
		}
	}
	return out
}
