package intent

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/newtron-network/newtconv/pkg/util"
)

// Parse decodes a YAML or JSON document of the form {router: {bgp: ...}}.
// Unknown keys are rejected.
func Parse(data []byte) (Set, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var s Set
	if err := dec.Decode(&s); err != nil {
		if errors.Is(err, io.EOF) {
			return Set{}, nil
		}
		return nil, fmt.Errorf("parsing intent: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// ParseFile reads and parses an intent file.
func ParseFile(path string) (Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading intent file: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Routers returns the router names of the set in natural order.
func (s Set) Routers() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return util.NaturalLess(names[i], names[j]) })
	return names
}

var (
	validRedistTypes = map[string]bool{"static": true, "connected": true, "kernel": true, "ospf": true, "ospf6": true}
	validActions     = map[string]bool{"permit": true, "deny": true}
	validDirections  = map[string]bool{"in": true, "out": true}
	validAFIs        = map[AFI]bool{IPv4: true, IPv6: true}
)

// Validate checks the set for structural errors. References to topology
// links are checked when the intent is rendered.
func (s Set) Validate() error {
	var v util.ValidationBuilder
	for _, name := range s.Routers() {
		r := s[name]
		if r == nil {
			continue
		}
		r.validate(name, &v)
	}
	return v.Build()
}

func (r *Router) validate(name string, v *util.ValidationBuilder) {
	if b := r.BGP; b != nil {
		if b.LocalAS != 0 {
			if err := util.ValidateASN(int64(b.LocalAS)); err != nil {
				v.AddErrorf("%s: %v", name, err)
			}
		}
		if b.RouterID != "" {
			if a, err := netip.ParseAddr(b.RouterID); err != nil || !a.Is4() {
				v.AddErrorf("%s: router_id %q is not an IPv4 address", name, b.RouterID)
			}
		}
		for afi, af := range b.AddressFamily {
			if !validAFIs[afi] {
				v.AddErrorf("%s: unknown address family %q", name, afi)
				continue
			}
			if af == nil || af.Unicast == nil {
				continue
			}
			af.Unicast.validate(name, afi, v)
		}
	}
	for _, sr := range r.StaticRoutes {
		if _, err := netip.ParsePrefix(sr.Network); err != nil {
			v.AddErrorf("%s: static route network %q is not a prefix", name, sr.Network)
		}
		if !sr.Delete && sr.NextHop == "" {
			v.AddErrorf("%s: static route %s has no next_hop", name, sr.Network)
		}
	}
	for rm, entries := range r.RouteMaps {
		for _, e := range entries {
			if e.Seq <= 0 {
				v.AddErrorf("%s: route-map %s entry needs a positive seq_id", name, rm)
			}
			if !e.Delete && !validActions[e.Action] {
				v.AddErrorf("%s: route-map %s seq %d: action must be permit or deny", name, rm, e.Seq)
			}
		}
	}
	for afi, lists := range r.PrefixLists {
		if !validAFIs[afi] {
			v.AddErrorf("%s: unknown prefix-list family %q", name, afi)
		}
		for pl, entries := range lists {
			for _, e := range entries {
				if e.Delete {
					continue
				}
				if !validActions[e.Action] {
					v.AddErrorf("%s: prefix-list %s: action must be permit or deny", name, pl)
				}
				if e.Network != "any" {
					if _, err := netip.ParsePrefix(e.Network); err != nil {
						v.AddErrorf("%s: prefix-list %s: invalid network %q", name, pl, e.Network)
					}
				}
			}
		}
	}
}

func (u *Unicast) validate(name string, afi AFI, v *util.ValidationBuilder) {
	for peer, n := range u.Neighbors {
		if n == nil {
			continue
		}
		for key, l := range n.DestLinks {
			if l == nil || l.Delete {
				continue
			}
			where := fmt.Sprintf("%s: %s neighbor %s/%s", name, afi, peer, key)
			if l.NeighborType != NeighborNumbered && l.NeighborType != NeighborUnnumbered {
				v.AddErrorf("%s: unknown neighbor_type %q", where, l.NeighborType)
			}
			for _, a := range l.Activate {
				if !validAFIs[AFI(a)] {
					v.AddErrorf("%s: cannot activate %q", where, a)
				}
			}
			for _, c := range l.Capability {
				if c != CapabilityExtendedNexthop {
					v.AddErrorf("%s: unsupported capability %q", where, c)
				}
			}
			for _, rm := range l.RouteMaps {
				if !validDirections[rm.Direction] {
					v.AddErrorf("%s: route-map direction must be in or out", where)
				}
			}
		}
	}
	for _, r := range u.Redistribute {
		if !validRedistTypes[r.Type] {
			v.AddErrorf("%s: %s: cannot redistribute %q", name, afi, r.Type)
		}
	}
	for _, n := range u.AdvertiseNetworks {
		p, err := netip.ParsePrefix(n.Network)
		if err != nil {
			v.AddErrorf("%s: %s: invalid network %q", name, afi, n.Network)
			continue
		}
		if p.Addr().Is4() != (afi == IPv4) {
			v.AddErrorf("%s: network %s does not belong to %s", name, n.Network, afi)
		}
	}
	if mp := u.MaximumPaths; mp != nil {
		for _, p := range []*int{mp.IBGP, mp.EBGP} {
			if p != nil && (*p < 1 || *p > 256) {
				v.AddErrorf("%s: %s: maximum_paths must be between 1 and 256", name, afi)
			}
		}
	}
}
