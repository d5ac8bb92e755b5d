// Package frr renders configuration intents as FRR statements and applies
// them through a control channel.
//
// Rendering is a diff. Both the recorded and the desired configuration are
// expanded into keyed statements; statements whose key disappears are undone
// deepest first, then new or changed statements are emitted in dependency
// order (BGP instance, neighbor definitions, then address-family settings).
package frr

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"

	"github.com/newtron-network/newtconv/pkg/device"
	"github.com/newtron-network/newtconv/pkg/intent"
	"github.com/newtron-network/newtconv/pkg/topology"
	"github.com/newtron-network/newtconv/pkg/util"
)

// item is one rendered statement. key identifies what the statement
// configures so that a changed value replaces the old one instead of being
// undone.
type item struct {
	key  string
	stmt device.Statement
	undo device.Statement
}

type renderer struct {
	topo     *topology.Topology
	router   string
	asOf     PeerAS
	// undoOnly marks the recorded side of a diff. Its statements are only
	// compared and undone, so neighbors towards peers of unknown AS are kept.
	undoOnly bool
	items    []item
	seen     map[string]bool
}

func (r *renderer) add(ctx []string, key, line, undo string) {
	full := strings.Join(append(append([]string(nil), ctx...), key), " / ")
	if r.seen[full] {
		return
	}
	r.seen[full] = true
	r.items = append(r.items, item{
		key:  full,
		stmt: device.Statement{Context: ctx, Line: line},
		undo: device.Statement{Context: ctx, Line: undo},
	})
}

// Render returns the statements that move router from current to desired.
// was and will supply the AS number of peers for neighbor definitions on
// the current and desired side.
func Render(topo *topology.Topology, router string, current, desired *intent.Router, was, will PeerAS) ([]device.Statement, error) {
	cur, err := expand(topo, router, current, was, true)
	if err != nil {
		return nil, fmt.Errorf("%s: current configuration: %w", router, err)
	}
	des, err := expand(topo, router, desired, will, false)
	if err != nil {
		return nil, err
	}

	var curAS, desAS intent.ASN
	if current != nil && current.BGP != nil {
		curAS = current.BGP.LocalAS
	}
	if desired != nil && desired.BGP != nil {
		desAS = desired.BGP.LocalAS
	}
	if curAS != 0 && desAS != 0 && curAS != desAS {
		return nil, fmt.Errorf("%s: local_as cannot change from %d to %d without removing bgp: %w",
			router, curAS, desAS, util.ErrInvalidConfig)
	}
	bgpRemoved := curAS != 0 && desAS == 0
	bgpCtx := fmt.Sprintf("router bgp %d", curAS)

	desByKey := make(map[string]item, len(des))
	for _, it := range des {
		desByKey[it.key] = it
	}
	curByKey := make(map[string]item, len(cur))
	for _, it := range cur {
		curByKey[it.key] = it
	}

	var out []device.Statement
	for i := len(cur) - 1; i >= 0; i-- {
		it := cur[i]
		if _, keep := desByKey[it.key]; keep {
			continue
		}
		// "no router bgp" takes everything inside the instance with it.
		if bgpRemoved && len(it.undo.Context) > 0 && it.undo.Context[0] == bgpCtx {
			continue
		}
		out = append(out, it.undo)
	}
	for _, it := range des {
		if c, ok := curByKey[it.key]; ok && c.stmt.String() == it.stmt.String() {
			continue
		}
		out = append(out, it.stmt)
	}
	return out, nil
}

// Full renders the complete configuration of router from scratch.
func Full(topo *topology.Topology, router string, cfg *intent.Router, asOf PeerAS) ([]device.Statement, error) {
	return Render(topo, router, nil, cfg, nil, asOf)
}

func expand(topo *topology.Topology, router string, cfg *intent.Router, asOf PeerAS, undoOnly bool) ([]item, error) {
	if cfg == nil {
		return nil, nil
	}
	r := &renderer{topo: topo, router: router, asOf: asOf, undoOnly: undoOnly, seen: map[string]bool{}}
	r.prefixLists(cfg.PrefixLists)
	r.routeMaps(cfg.RouteMaps)
	if err := r.interfaces(cfg.Interfaces); err != nil {
		return nil, err
	}
	if err := r.staticRoutes(cfg.StaticRoutes); err != nil {
		return nil, err
	}
	if err := r.bgp(cfg); err != nil {
		return nil, err
	}
	return r.items, nil
}

func familyWord(afi intent.AFI) string {
	if afi == intent.IPv6 {
		return "ipv6"
	}
	return "ip"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return util.NaturalLess(keys[i], keys[j]) })
	return keys
}

func (r *renderer) prefixLists(lists map[intent.AFI]map[string][]intent.PrefixEntry) {
	for _, afi := range intent.AFIs {
		for _, name := range sortedKeys(lists[afi]) {
			entries := append([]intent.PrefixEntry(nil), lists[afi][name]...)
			sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
			for _, e := range entries {
				head := fmt.Sprintf("%s prefix-list %s seq %d", familyWord(afi), name, e.Seq)
				line := fmt.Sprintf("%s %s %s", head, e.Action, e.Network)
				r.add(nil, head, line, "no "+line)
			}
		}
	}
}

func (r *renderer) routeMaps(maps map[string][]intent.RouteMapEntry) {
	for _, name := range sortedKeys(maps) {
		entries := append([]intent.RouteMapEntry(nil), maps[name]...)
		sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
		for _, e := range entries {
			header := fmt.Sprintf("route-map %s %s %d", name, e.Action, e.Seq)
			r.add(nil, fmt.Sprintf("route-map %s seq %d", name, e.Seq), header, "no "+header)
			ctx := []string{header}
			for _, afi := range intent.AFIs {
				if m, ok := e.Match[afi]; ok && m.PrefixList != "" {
					line := fmt.Sprintf("match %s address prefix-list %s", familyWord(afi), m.PrefixList)
					r.add(ctx, "match "+string(afi), line, "no "+line)
				}
				if s, ok := e.Set[afi]; ok && s.NextHop != "" {
					line := setNextHop(afi, s.NextHop)
					r.add(ctx, "set "+string(afi), line, "no "+line)
				}
			}
		}
	}
}

func setNextHop(afi intent.AFI, nh string) string {
	if afi == intent.IPv4 {
		return "set ip next-hop " + nh
	}
	switch nh {
	case "prefer-global", "peer-address":
		return "set ipv6 next-hop " + nh
	}
	a, err := netip.ParseAddr(nh)
	if err == nil && a.IsLinkLocalUnicast() {
		return "set ipv6 next-hop local " + nh
	}
	return "set ipv6 next-hop global " + nh
}

func (r *renderer) lookup(ref string) (*topology.Interface, error) {
	rt, err := r.topo.Router(r.router)
	if err != nil {
		return nil, err
	}
	return rt.Lookup(ref)
}

func (r *renderer) interfaces(ifaces map[string]*intent.Interface) error {
	for _, key := range sortedKeys(ifaces) {
		cfg := ifaces[key]
		if cfg == nil {
			continue
		}
		i, err := r.lookup(key)
		if err != nil {
			return fmt.Errorf("%s: interfaces: %w", r.router, err)
		}
		ctx := []string{"interface " + i.Name}
		if cfg.RAInterval != nil {
			r.add(ctx, "ra-interval", fmt.Sprintf("ipv6 nd ra-interval %d", *cfg.RAInterval), "no ipv6 nd ra-interval")
		}
		if cfg.SuppressRA != nil {
			if bool(*cfg.SuppressRA) {
				r.add(ctx, "suppress-ra", "ipv6 nd suppress-ra", "no ipv6 nd suppress-ra")
			} else {
				r.add(ctx, "suppress-ra", "no ipv6 nd suppress-ra", "ipv6 nd suppress-ra")
			}
		}
	}
	return nil
}

// staticNextHop renders a static route gateway: an address, Null0/blackhole,
// or an interface given by name or link key.
func (r *renderer) staticNextHop(nh string) (string, error) {
	switch strings.ToLower(nh) {
	case "null0", "blackhole":
		return "Null0", nil
	}
	if a, err := netip.ParseAddr(nh); err == nil {
		return a.String(), nil
	}
	i, err := r.lookup(nh)
	if err != nil {
		return "", fmt.Errorf("%s: static route next_hop %q: %w", r.router, nh, err)
	}
	return i.Name, nil
}

func (r *renderer) staticRoutes(routes []intent.StaticRoute) error {
	for _, sr := range routes {
		p, err := netip.ParsePrefix(sr.Network)
		if err != nil {
			return fmt.Errorf("%s: static route %q: %w", r.router, sr.Network, util.ErrInvalidConfig)
		}
		nh, err := r.staticNextHop(sr.NextHop)
		if err != nil {
			return err
		}
		fam := "ip"
		if p.Addr().Is6() {
			fam = "ipv6"
		}
		line := fmt.Sprintf("%s route %s %s", fam, p.Masked(), nh)
		r.add(nil, line, line, "no "+line)
	}
	return nil
}

func (r *renderer) bgp(cfg *intent.Router) error {
	b := cfg.BGP
	if b == nil {
		return nil
	}
	if b.LocalAS == 0 {
		return fmt.Errorf("%s: bgp has no local_as: %w", r.router, util.ErrInvalidConfig)
	}
	header := fmt.Sprintf("router bgp %d", b.LocalAS)
	r.add(nil, "router bgp", header, "no "+header)
	ctx := []string{header}

	if b.RouterID != "" {
		line := "bgp router-id " + b.RouterID
		r.add(ctx, "bgp router-id", line, "no "+line)
	}
	if b.DefaultIPv4Unicast != nil {
		line := "bgp default ipv4-unicast"
		if !bool(*b.DefaultIPv4Unicast) {
			line = "no " + line
		}
		r.add(ctx, "bgp default ipv4-unicast", line, "bgp default ipv4-unicast")
	}

	sessions, err := Sessions(r.topo, r.router, cfg, r.asOf)
	if err != nil {
		return err
	}

	defined := map[string]bool{}
	for _, s := range sessions {
		if defined[s.ID] {
			continue
		}
		defined[s.ID] = true
		if s.PeerAS == 0 && !r.undoOnly {
			return fmt.Errorf("%s: neighbor %s (%s): peer has no local_as: %w", r.router, s.ID, s.Peer, util.ErrInvalidConfig)
		}
		line := fmt.Sprintf("neighbor %s remote-as %d", s.ID, s.PeerAS)
		if s.Unnumbered {
			line = fmt.Sprintf("neighbor %s interface remote-as %d", s.ID, s.PeerAS)
		}
		r.add(ctx, "neighbor "+s.ID, line, "no neighbor "+s.ID)
	}
	for _, s := range sessions {
		if s.Link.Capability.Has(intent.CapabilityExtendedNexthop) {
			line := fmt.Sprintf("neighbor %s capability extended-nexthop", s.ID)
			r.add(ctx, line, line, "no "+line)
		}
	}

	for _, afi := range intent.AFIs {
		afCtx := []string{header, fmt.Sprintf("address-family %s unicast", afi)}
		for _, s := range sessions {
			for _, a := range s.Activated() {
				if a == afi {
					line := fmt.Sprintf("neighbor %s activate", s.ID)
					r.add(afCtx, line, line, "no "+line)
				}
			}
			if s.AFI != afi {
				continue
			}
			if s.Link.NextHopSelf.IsSet() {
				line := fmt.Sprintf("neighbor %s next-hop-self", s.ID)
				r.add(afCtx, line, line, "no "+line)
			}
			for _, rm := range s.Link.RouteMaps {
				line := fmt.Sprintf("neighbor %s route-map %s %s", s.ID, rm.Name, rm.Direction)
				r.add(afCtx, fmt.Sprintf("neighbor %s route-map %s", s.ID, rm.Direction), line, "no "+line)
			}
		}

		af := b.AddressFamily[afi]
		if af == nil || af.Unicast == nil {
			continue
		}
		u := af.Unicast
		for _, rd := range u.Redistribute {
			line := "redistribute " + rd.Type
			if rd.RouteMap != "" {
				line += " route-map " + rd.RouteMap
			}
			r.add(afCtx, "redistribute "+rd.Type, line, "no redistribute "+rd.Type)
		}
		for _, n := range u.AdvertiseNetworks {
			p, err := netip.ParsePrefix(n.Network)
			if err != nil {
				return fmt.Errorf("%s: network %q: %w", r.router, n.Network, util.ErrInvalidConfig)
			}
			line := "network " + p.Masked().String()
			r.add(afCtx, line, line, "no "+line)
		}
		if mp := u.MaximumPaths; mp != nil {
			if mp.EBGP != nil {
				r.add(afCtx, "maximum-paths", fmt.Sprintf("maximum-paths %d", *mp.EBGP), "no maximum-paths")
			}
			if mp.IBGP != nil {
				r.add(afCtx, "maximum-paths ibgp", fmt.Sprintf("maximum-paths ibgp %d", *mp.IBGP), "no maximum-paths ibgp")
			}
		}
	}
	return nil
}
