package intent

import (
	"sort"

	"github.com/newtron-network/newtconv/pkg/util"
)

// Merge applies delta on top of state and returns the resulting tree. Neither
// argument is modified. Advertised networks and static routes are stored
// expanded, one prefix per entry, so that a later retraction removes exactly
// the prefixes it names.
func Merge(state, delta *Router) (*Router, error) {
	out := state.Clone()
	if delta == nil {
		return out, nil
	}
	var err error
	if delta.BGP != nil {
		if out.BGP, err = mergeBGP(out.BGP, delta.BGP); err != nil {
			return nil, err
		}
	}
	if out.StaticRoutes, err = mergeStaticRoutes(out.StaticRoutes, delta.StaticRoutes); err != nil {
		return nil, err
	}
	out.RouteMaps = mergeRouteMaps(out.RouteMaps, delta.RouteMaps)
	out.PrefixLists = mergePrefixLists(out.PrefixLists, delta.PrefixLists)
	out.Interfaces = mergeInterfaces(out.Interfaces, delta.Interfaces)
	return out, nil
}

// Retraction returns the delta that removes everything recorded in state.
func Retraction(state *Router) *Router {
	if state == nil {
		return &Router{}
	}
	d := &Router{}
	if state.BGP != nil {
		d.BGP = &BGP{Delete: true}
	}
	for _, sr := range state.StaticRoutes {
		d.StaticRoutes = append(d.StaticRoutes, StaticRoute{Network: sr.Network, NextHop: sr.NextHop, Delete: true})
	}
	if len(state.RouteMaps) > 0 {
		d.RouteMaps = map[string][]RouteMapEntry{}
		for name, entries := range state.RouteMaps {
			for _, e := range entries {
				d.RouteMaps[name] = append(d.RouteMaps[name], RouteMapEntry{Seq: e.Seq, Delete: true})
			}
		}
	}
	if len(state.PrefixLists) > 0 {
		d.PrefixLists = map[AFI]map[string][]PrefixEntry{}
		for afi, lists := range state.PrefixLists {
			d.PrefixLists[afi] = map[string][]PrefixEntry{}
			for name, entries := range lists {
				for _, e := range entries {
					d.PrefixLists[afi][name] = append(d.PrefixLists[afi][name], PrefixEntry{Seq: e.Seq, Delete: true})
				}
			}
		}
	}
	if len(state.Interfaces) > 0 {
		d.Interfaces = map[string]*Interface{}
		for key := range state.Interfaces {
			d.Interfaces[key] = &Interface{Delete: true}
		}
	}
	return d
}

// Removal returns the delta that retracts what delta names. A BGP block
// without address families retracts the whole instance; otherwise only the
// named neighbors, redistributions, networks and multipath limits go.
func Removal(delta *Router) *Router {
	d := &Router{}
	if delta == nil {
		return d
	}
	if b := delta.BGP; b != nil {
		if len(b.AddressFamily) == 0 {
			d.BGP = &BGP{Delete: true}
		} else {
			d.BGP = &BGP{AddressFamily: map[AFI]*AddressFamily{}}
			for afi, af := range b.AddressFamily {
				if af == nil || af.Unicast == nil {
					d.BGP.AddressFamily[afi] = &AddressFamily{Delete: true}
					continue
				}
				d.BGP.AddressFamily[afi] = &AddressFamily{Unicast: af.Unicast.removal()}
			}
		}
	}
	for _, sr := range delta.StaticRoutes {
		d.StaticRoutes = append(d.StaticRoutes, StaticRoute{Network: sr.Network, Count: sr.Count, NextHop: sr.NextHop, Delete: true})
	}
	if len(delta.RouteMaps) > 0 {
		d.RouteMaps = map[string][]RouteMapEntry{}
		for name, entries := range delta.RouteMaps {
			for _, e := range entries {
				d.RouteMaps[name] = append(d.RouteMaps[name], RouteMapEntry{Seq: e.Seq, Delete: true})
			}
		}
	}
	if len(delta.PrefixLists) > 0 {
		d.PrefixLists = map[AFI]map[string][]PrefixEntry{}
		for afi, lists := range delta.PrefixLists {
			d.PrefixLists[afi] = map[string][]PrefixEntry{}
			for name, entries := range lists {
				for _, e := range entries {
					d.PrefixLists[afi][name] = append(d.PrefixLists[afi][name], PrefixEntry{Seq: e.Seq, Delete: true})
				}
			}
		}
	}
	if len(delta.Interfaces) > 0 {
		d.Interfaces = map[string]*Interface{}
		for key := range delta.Interfaces {
			d.Interfaces[key] = &Interface{Delete: true}
		}
	}
	return d
}

func (u *Unicast) removal() *Unicast {
	if u.empty() {
		return &Unicast{Delete: true}
	}
	d := &Unicast{}
	if len(u.Neighbors) > 0 {
		d.Neighbors = map[string]*Neighbor{}
		for peer, n := range u.Neighbors {
			if n == nil || len(n.DestLinks) == 0 {
				d.Neighbors[peer] = &Neighbor{Delete: true}
				continue
			}
			dn := &Neighbor{DestLinks: map[string]*NeighborLink{}}
			for key := range n.DestLinks {
				dn.DestLinks[key] = &NeighborLink{Delete: true}
			}
			d.Neighbors[peer] = dn
		}
	}
	for _, r := range u.Redistribute {
		d.Redistribute = append(d.Redistribute, Redistribute{Type: r.Type, Delete: true})
	}
	for _, n := range u.AdvertiseNetworks {
		d.AdvertiseNetworks = append(d.AdvertiseNetworks, Network{Network: n.Network, Count: n.Count, Delete: true})
	}
	if u.MaximumPaths != nil {
		d.MaximumPaths = &MaximumPaths{Delete: true}
	}
	return d
}

func mergeBGP(cur, d *BGP) (*BGP, error) {
	if d.Delete {
		return nil, nil
	}
	existed := cur != nil
	if cur == nil {
		cur = &BGP{}
	}
	if d.LocalAS != 0 {
		cur.LocalAS = d.LocalAS
	}
	if d.RouterID != "" {
		cur.RouterID = d.RouterID
	}
	if d.DefaultIPv4Unicast != nil {
		cur.DefaultIPv4Unicast = NewFlag(bool(*d.DefaultIPv4Unicast))
	}
	for afi, daf := range d.AddressFamily {
		if daf == nil {
			continue
		}
		if daf.Delete {
			delete(cur.AddressFamily, afi)
			continue
		}
		caf := cur.AddressFamily[afi]
		if caf == nil {
			caf = &AddressFamily{}
		}
		if daf.Unicast != nil {
			u, err := mergeUnicast(caf.Unicast, daf.Unicast)
			if err != nil {
				return nil, err
			}
			caf.Unicast = u
		}
		if caf.Unicast == nil {
			delete(cur.AddressFamily, afi)
			continue
		}
		if cur.AddressFamily == nil {
			cur.AddressFamily = map[AFI]*AddressFamily{}
		}
		cur.AddressFamily[afi] = caf
	}
	if len(cur.AddressFamily) == 0 {
		cur.AddressFamily = nil
	}
	if !existed && cur.empty() {
		return nil, nil
	}
	return cur, nil
}

func (b *BGP) empty() bool {
	return b.LocalAS == 0 && b.RouterID == "" && b.DefaultIPv4Unicast == nil && len(b.AddressFamily) == 0
}

func mergeUnicast(cur, d *Unicast) (*Unicast, error) {
	if d.Delete {
		return nil, nil
	}
	if cur == nil {
		cur = &Unicast{}
	}
	for peer, dn := range d.Neighbors {
		if dn == nil {
			continue
		}
		if dn.Delete {
			delete(cur.Neighbors, peer)
			continue
		}
		cn := cur.Neighbors[peer]
		if cn == nil {
			cn = &Neighbor{}
		}
		for key, dl := range dn.DestLinks {
			if dl == nil {
				continue
			}
			if dl.Delete {
				delete(cn.DestLinks, key)
				continue
			}
			if cn.DestLinks == nil {
				cn.DestLinks = map[string]*NeighborLink{}
			}
			cn.DestLinks[key] = mergeNeighborLink(cn.DestLinks[key], dl)
		}
		if len(cn.DestLinks) == 0 {
			delete(cur.Neighbors, peer)
			continue
		}
		if cur.Neighbors == nil {
			cur.Neighbors = map[string]*Neighbor{}
		}
		cur.Neighbors[peer] = cn
	}
	if len(cur.Neighbors) == 0 {
		cur.Neighbors = nil
	}

	for _, dr := range d.Redistribute {
		idx := -1
		for i, r := range cur.Redistribute {
			if r.Type == dr.Type {
				idx = i
				break
			}
		}
		switch {
		case dr.Delete && idx >= 0:
			cur.Redistribute = append(cur.Redistribute[:idx], cur.Redistribute[idx+1:]...)
		case dr.Delete:
		case idx >= 0:
			cur.Redistribute[idx].RouteMap = dr.RouteMap
		default:
			cur.Redistribute = append(cur.Redistribute, Redistribute{Type: dr.Type, RouteMap: dr.RouteMap})
		}
	}
	if len(cur.Redistribute) == 0 {
		cur.Redistribute = nil
	}

	for _, dn := range d.AdvertiseNetworks {
		prefixes, err := util.ExpandPrefixes(dn.Network, dn.Count)
		if err != nil {
			return nil, err
		}
		for _, p := range prefixes {
			idx := -1
			for i, n := range cur.AdvertiseNetworks {
				if n.Network == p.String() {
					idx = i
					break
				}
			}
			switch {
			case dn.Delete && idx >= 0:
				cur.AdvertiseNetworks = append(cur.AdvertiseNetworks[:idx], cur.AdvertiseNetworks[idx+1:]...)
			case !dn.Delete && idx < 0:
				cur.AdvertiseNetworks = append(cur.AdvertiseNetworks, Network{Network: p.String()})
			}
		}
	}
	if len(cur.AdvertiseNetworks) == 0 {
		cur.AdvertiseNetworks = nil
	}

	if mp := d.MaximumPaths; mp != nil {
		if mp.Delete {
			cur.MaximumPaths = nil
		} else {
			if cur.MaximumPaths == nil {
				cur.MaximumPaths = &MaximumPaths{}
			}
			if mp.IBGP != nil {
				cur.MaximumPaths.IBGP = IntPtr(*mp.IBGP)
			}
			if mp.EBGP != nil {
				cur.MaximumPaths.EBGP = IntPtr(*mp.EBGP)
			}
		}
	}

	if cur.empty() {
		return nil, nil
	}
	return cur, nil
}

func (u *Unicast) empty() bool {
	return len(u.Neighbors) == 0 && len(u.Redistribute) == 0 && len(u.AdvertiseNetworks) == 0 && u.MaximumPaths == nil
}

func mergeNeighborLink(cur, d *NeighborLink) *NeighborLink {
	c := cur.clone()
	if c == nil {
		c = &NeighborLink{}
	}
	for _, a := range d.Activate {
		if !c.Activate.Has(a) {
			c.Activate = append(c.Activate, a)
		}
	}
	for _, capability := range d.Capability {
		if !c.Capability.Has(capability) {
			c.Capability = append(c.Capability, capability)
		}
	}
	if d.NeighborType != "" {
		c.NeighborType = d.NeighborType
	}
	if d.NextHopSelf != nil {
		c.NextHopSelf = NewFlag(bool(*d.NextHopSelf))
	}
	for _, rm := range d.RouteMaps {
		idx := -1
		for i, x := range c.RouteMaps {
			if x.Direction == rm.Direction {
				idx = i
				break
			}
		}
		switch {
		case rm.Delete && idx >= 0 && (rm.Name == "" || rm.Name == c.RouteMaps[idx].Name):
			c.RouteMaps = append(c.RouteMaps[:idx], c.RouteMaps[idx+1:]...)
		case rm.Delete:
		case idx >= 0:
			c.RouteMaps[idx].Name = rm.Name
		default:
			c.RouteMaps = append(c.RouteMaps, NeighborRouteMap{Name: rm.Name, Direction: rm.Direction})
		}
	}
	if len(c.RouteMaps) == 0 {
		c.RouteMaps = nil
	}
	return c
}

func mergeStaticRoutes(cur, d []StaticRoute) ([]StaticRoute, error) {
	for _, sr := range d {
		prefixes, err := util.ExpandPrefixes(sr.Network, sr.Count)
		if err != nil {
			return nil, err
		}
		for _, p := range prefixes {
			network := p.String()
			if sr.Delete {
				kept := cur[:0]
				for _, c := range cur {
					if c.Network == network && (sr.NextHop == "" || c.NextHop == sr.NextHop) {
						continue
					}
					kept = append(kept, c)
				}
				cur = kept
				continue
			}
			found := false
			for _, c := range cur {
				if c.Network == network && c.NextHop == sr.NextHop {
					found = true
					break
				}
			}
			if !found {
				cur = append(cur, StaticRoute{Network: network, NextHop: sr.NextHop})
			}
		}
	}
	if len(cur) == 0 {
		return nil, nil
	}
	return cur, nil
}

func mergeRouteMaps(cur, d map[string][]RouteMapEntry) map[string][]RouteMapEntry {
	for name, entries := range d {
		list := cur[name]
		for _, e := range entries {
			idx := -1
			for i, x := range list {
				if x.Seq == e.Seq {
					idx = i
					break
				}
			}
			switch {
			case e.Delete && idx >= 0:
				list = append(list[:idx], list[idx+1:]...)
			case e.Delete:
			case idx >= 0:
				list[idx] = e.clone()
			default:
				list = append(list, e.clone())
			}
		}
		sort.Slice(list, func(i, j int) bool { return list[i].Seq < list[j].Seq })
		if len(list) == 0 {
			delete(cur, name)
			continue
		}
		if cur == nil {
			cur = map[string][]RouteMapEntry{}
		}
		cur[name] = list
	}
	if len(cur) == 0 {
		return nil
	}
	return cur
}

func mergePrefixLists(cur, d map[AFI]map[string][]PrefixEntry) map[AFI]map[string][]PrefixEntry {
	for afi, lists := range d {
		for name, entries := range lists {
			list := cur[afi][name]
			for _, e := range entries {
				idx := -1
				for i, x := range list {
					if (e.Seq != 0 && x.Seq == e.Seq) || (e.Seq == 0 && x.Network == e.Network && x.Action == e.Action) {
						idx = i
						break
					}
				}
				switch {
				case e.Delete && idx >= 0:
					list = append(list[:idx], list[idx+1:]...)
				case e.Delete:
				case idx >= 0:
					e.Seq = list[idx].Seq
					list[idx] = e
				default:
					if e.Seq == 0 {
						e.Seq = nextPrefixSeq(list)
					}
					list = append(list, e)
				}
			}
			sort.Slice(list, func(i, j int) bool { return list[i].Seq < list[j].Seq })
			if len(list) == 0 {
				delete(cur[afi], name)
				if len(cur[afi]) == 0 {
					delete(cur, afi)
				}
				continue
			}
			if cur == nil {
				cur = map[AFI]map[string][]PrefixEntry{}
			}
			if cur[afi] == nil {
				cur[afi] = map[string][]PrefixEntry{}
			}
			cur[afi][name] = list
		}
	}
	if len(cur) == 0 {
		return nil
	}
	return cur
}

// nextPrefixSeq follows FRR's automatic numbering: the next multiple of 5.
func nextPrefixSeq(list []PrefixEntry) int {
	max := 0
	for _, e := range list {
		if e.Seq > max {
			max = e.Seq
		}
	}
	return (max/5 + 1) * 5
}

func mergeInterfaces(cur, d map[string]*Interface) map[string]*Interface {
	for key, di := range d {
		if di == nil {
			continue
		}
		if di.Delete {
			delete(cur, key)
			continue
		}
		ci := cur[key]
		if ci == nil {
			ci = &Interface{}
		}
		if di.RAInterval != nil {
			ci.RAInterval = IntPtr(*di.RAInterval)
		}
		if di.SuppressRA != nil {
			ci.SuppressRA = NewFlag(bool(*di.SuppressRA))
		}
		if cur == nil {
			cur = map[string]*Interface{}
		}
		cur[key] = ci
	}
	if len(cur) == 0 {
		return nil
	}
	return cur
}
