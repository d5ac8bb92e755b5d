package rib

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/newtron-network/newtconv/pkg/topology"
	"github.com/newtron-network/newtconv/pkg/util"
)

// LinkLocalIndex maps a resolved link-local address back to the interface
// that owns it.
type LinkLocalIndex interface {
	Owner(addr netip.Addr) (router, iface string, ok bool)
}

// Normalizer reduces nexthops to a comparable identity. A nexthop given as
// an interface name, a link-local address or a global address on the same
// link all normalize to that link. Nexthops outside the topology keep their
// literal form:
//
//	link:<a> -- <b>   point-to-point link
//	lo:<router>       router loopback
//	addr:<ip>         global address not in the topology
//	ll:<ip>           link-local address with no known owner
//	if:<name>         interface that is not a link (Null0, lo)
type Normalizer struct {
	topo      *topology.Topology
	linkLocal LinkLocalIndex
	byAddr    map[netip.Addr]*topology.Interface
}

// NewNormalizer indexes the topology's addresses. ll may be nil.
func NewNormalizer(topo *topology.Topology, ll LinkLocalIndex) *Normalizer {
	n := &Normalizer{
		topo:      topo,
		linkLocal: ll,
		byAddr:    map[netip.Addr]*topology.Interface{},
	}
	for _, r := range topo.Routers() {
		ifaces := append([]*topology.Interface{}, r.Interfaces...)
		if r.Loopback != nil {
			ifaces = append(ifaces, r.Loopback)
		}
		for _, i := range ifaces {
			for _, p := range []netip.Prefix{i.IPv4, i.IPv6} {
				if p.IsValid() {
					n.byAddr[p.Addr()] = i
				}
			}
		}
	}
	return n
}

// nonLinkInterfaces are the interface names an expectation may name that no
// topology declares.
var nonLinkInterfaces = map[string]bool{"Null0": true, "blackhole": true, "lo": true}

func identity(i *topology.Interface) string {
	if i.Link != nil {
		return "link:" + i.Link.String()
	}
	return "lo:" + i.Router
}

// Observed normalizes a nexthop reported by router.
func (n *Normalizer) Observed(router string, nh NextHop) string {
	if nh.IP.IsValid() && !nh.IP.IsLinkLocalUnicast() {
		if i, ok := n.byAddr[nh.IP]; ok {
			return identity(i)
		}
	}
	if nh.Interface != "" {
		if r, err := n.topo.Router(router); err == nil {
			if i, err := r.Interface(nh.Interface); err == nil {
				return identity(i)
			}
		}
	}
	if nh.IP.IsLinkLocalUnicast() {
		if id, ok := n.linkLocalOwner(nh.IP); ok {
			return id
		}
		return "ll:" + nh.IP.String()
	}
	if nh.IP.IsValid() {
		return "addr:" + nh.IP.String()
	}
	return "if:" + nh.Interface
}

func (n *Normalizer) linkLocalOwner(a netip.Addr) (string, bool) {
	if n.linkLocal == nil {
		return "", false
	}
	router, iface, ok := n.linkLocal.Owner(a)
	if !ok {
		return "", false
	}
	r, err := n.topo.Router(router)
	if err != nil {
		return "", false
	}
	i, err := r.Interface(iface)
	if err != nil {
		return "", false
	}
	return identity(i), true
}

// Expected normalizes a nexthop written in an expectation as seen from
// router. Accepted forms are "<router>:<link key or interface>", an IP
// address, a local link key or interface name, or one of Null0, blackhole
// and lo. Any other name wraps util.ErrNotFound; a link-local address whose
// owner is not resolved yet wraps util.ErrResolutionUnavailable.
func (n *Normalizer) Expected(router, spec string) (string, error) {
	spec = strings.TrimSpace(spec)
	if a, err := netip.ParseAddr(spec); err == nil {
		a = a.Unmap()
		if a.IsLinkLocalUnicast() {
			if id, ok := n.linkLocalOwner(a); ok {
				return id, nil
			}
			return "", fmt.Errorf("nexthop %s: owner unknown: %w", a, util.ErrResolutionUnavailable)
		}
		return n.Observed(router, NextHop{IP: a}), nil
	}
	if owner, ref, ok := strings.Cut(spec, ":"); ok {
		r, err := n.topo.Router(owner)
		if err != nil {
			return "", fmt.Errorf("nexthop %q: %w", spec, err)
		}
		i, err := r.Lookup(ref)
		if err != nil {
			return "", fmt.Errorf("nexthop %q: %w", spec, err)
		}
		return identity(i), nil
	}
	r, err := n.topo.Router(router)
	if err != nil {
		return "", err
	}
	i, err := r.Lookup(spec)
	if err == nil {
		return identity(i), nil
	}
	if nonLinkInterfaces[spec] {
		return "if:" + spec, nil
	}
	return "", fmt.Errorf("nexthop %q on %s: %w", spec, router, err)
}
