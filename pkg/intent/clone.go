package intent

// Clone returns a deep copy of r. A nil receiver yields an empty Router.
func (r *Router) Clone() *Router {
	if r == nil {
		return &Router{}
	}
	out := &Router{BGP: r.BGP.Clone()}
	if r.StaticRoutes != nil {
		out.StaticRoutes = append([]StaticRoute(nil), r.StaticRoutes...)
	}
	if r.RouteMaps != nil {
		out.RouteMaps = make(map[string][]RouteMapEntry, len(r.RouteMaps))
		for name, entries := range r.RouteMaps {
			list := make([]RouteMapEntry, len(entries))
			for i, e := range entries {
				list[i] = e.clone()
			}
			out.RouteMaps[name] = list
		}
	}
	if r.PrefixLists != nil {
		out.PrefixLists = make(map[AFI]map[string][]PrefixEntry, len(r.PrefixLists))
		for afi, lists := range r.PrefixLists {
			m := make(map[string][]PrefixEntry, len(lists))
			for name, entries := range lists {
				m[name] = append([]PrefixEntry(nil), entries...)
			}
			out.PrefixLists[afi] = m
		}
	}
	if r.Interfaces != nil {
		out.Interfaces = make(map[string]*Interface, len(r.Interfaces))
		for key, i := range r.Interfaces {
			c := *i
			if i.RAInterval != nil {
				c.RAInterval = IntPtr(*i.RAInterval)
			}
			if i.SuppressRA != nil {
				c.SuppressRA = NewFlag(bool(*i.SuppressRA))
			}
			out.Interfaces[key] = &c
		}
	}
	return out
}

// Clone returns a deep copy of b, or nil.
func (b *BGP) Clone() *BGP {
	if b == nil {
		return nil
	}
	out := &BGP{LocalAS: b.LocalAS, RouterID: b.RouterID, Delete: b.Delete}
	if b.DefaultIPv4Unicast != nil {
		out.DefaultIPv4Unicast = NewFlag(bool(*b.DefaultIPv4Unicast))
	}
	if b.AddressFamily != nil {
		out.AddressFamily = make(map[AFI]*AddressFamily, len(b.AddressFamily))
		for afi, af := range b.AddressFamily {
			if af == nil {
				continue
			}
			out.AddressFamily[afi] = &AddressFamily{Unicast: af.Unicast.clone(), Delete: af.Delete}
		}
	}
	return out
}

func (u *Unicast) clone() *Unicast {
	if u == nil {
		return nil
	}
	out := &Unicast{Delete: u.Delete}
	if u.Neighbors != nil {
		out.Neighbors = make(map[string]*Neighbor, len(u.Neighbors))
		for peer, n := range u.Neighbors {
			if n == nil {
				continue
			}
			cn := &Neighbor{Delete: n.Delete}
			if n.DestLinks != nil {
				cn.DestLinks = make(map[string]*NeighborLink, len(n.DestLinks))
				for key, l := range n.DestLinks {
					cn.DestLinks[key] = l.clone()
				}
			}
			out.Neighbors[peer] = cn
		}
	}
	if u.Redistribute != nil {
		out.Redistribute = append([]Redistribute(nil), u.Redistribute...)
	}
	if u.AdvertiseNetworks != nil {
		out.AdvertiseNetworks = append([]Network(nil), u.AdvertiseNetworks...)
	}
	if u.MaximumPaths != nil {
		mp := &MaximumPaths{Delete: u.MaximumPaths.Delete}
		if u.MaximumPaths.IBGP != nil {
			mp.IBGP = IntPtr(*u.MaximumPaths.IBGP)
		}
		if u.MaximumPaths.EBGP != nil {
			mp.EBGP = IntPtr(*u.MaximumPaths.EBGP)
		}
		out.MaximumPaths = mp
	}
	return out
}

func (n *NeighborLink) clone() *NeighborLink {
	if n == nil {
		return nil
	}
	out := &NeighborLink{NeighborType: n.NeighborType, Delete: n.Delete}
	if n.Activate != nil {
		out.Activate = append(StringList(nil), n.Activate...)
	}
	if n.Capability != nil {
		out.Capability = append(StringList(nil), n.Capability...)
	}
	if n.NextHopSelf != nil {
		out.NextHopSelf = NewFlag(bool(*n.NextHopSelf))
	}
	if n.RouteMaps != nil {
		out.RouteMaps = append([]NeighborRouteMap(nil), n.RouteMaps...)
	}
	return out
}

func (e RouteMapEntry) clone() RouteMapEntry {
	out := e
	if e.Match != nil {
		out.Match = make(map[AFI]MatchClause, len(e.Match))
		for k, v := range e.Match {
			out.Match[k] = v
		}
	}
	if e.Set != nil {
		out.Set = make(map[AFI]SetClause, len(e.Set))
		for k, v := range e.Set {
			out.Set[k] = v
		}
	}
	return out
}
