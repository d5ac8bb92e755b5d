// Package intent defines the typed configuration tree pushed to routers.
//
// An intent is a partial delta: fields that are set merge into the router's
// recorded state, and any node carrying Delete retracts the matching sub-tree.
// Retracting a path that does not exist is a no-op.
package intent

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// AFI is an address family identifier.
type AFI string

const (
	IPv4 AFI = "ipv4"
	IPv6 AFI = "ipv6"
)

// AFIs lists the supported address families in rendering order.
var AFIs = []AFI{IPv4, IPv6}

// Set is a batch of per-router deltas keyed by router name.
type Set map[string]*Router

// Router is the configuration intent of one router.
type Router struct {
	BGP          *BGP                             `yaml:"bgp,omitempty"`
	StaticRoutes []StaticRoute                    `yaml:"static_routes,omitempty"`
	RouteMaps    map[string][]RouteMapEntry       `yaml:"route_maps,omitempty"`
	PrefixLists  map[AFI]map[string][]PrefixEntry `yaml:"prefix_lists,omitempty"`
	Interfaces   map[string]*Interface            `yaml:"interfaces,omitempty"` // keyed by link key
}

// BGP is the "router bgp" instance.
type BGP struct {
	LocalAS            ASN                    `yaml:"local_as,omitempty"`
	RouterID           string                 `yaml:"router_id,omitempty"`
	DefaultIPv4Unicast *Flag                  `yaml:"default_ipv4_unicast,omitempty"`
	AddressFamily      map[AFI]*AddressFamily `yaml:"address_family,omitempty"`
	Delete             bool                   `yaml:"delete,omitempty"`
}

// AddressFamily holds the per-SAFI configuration of one AFI.
type AddressFamily struct {
	Unicast *Unicast `yaml:"unicast,omitempty"`
	Delete  bool     `yaml:"delete,omitempty"`
}

// Unicast is the body of "address-family <afi> unicast".
type Unicast struct {
	Neighbors         map[string]*Neighbor `yaml:"neighbor,omitempty"` // keyed by peer router
	Redistribute      []Redistribute       `yaml:"redistribute,omitempty"`
	AdvertiseNetworks []Network            `yaml:"advertise_networks,omitempty"`
	MaximumPaths      *MaximumPaths        `yaml:"maximum_paths,omitempty"`
	Delete            bool                 `yaml:"delete,omitempty"`
}

// Neighbor groups the sessions toward one peer router.
type Neighbor struct {
	DestLinks map[string]*NeighborLink `yaml:"dest_link,omitempty"` // keyed by the peer's link key
	Delete    bool                     `yaml:"delete,omitempty"`
}

// Neighbor types.
const (
	NeighborNumbered   = ""
	NeighborUnnumbered = "unnumbered"
)

// CapabilityExtendedNexthop enables RFC 5549 IPv4 NLRI over IPv6 next hops.
const CapabilityExtendedNexthop = "extended-nexthop"

// NeighborLink is one BGP session, addressed through a link of the peer.
type NeighborLink struct {
	Activate     StringList         `yaml:"activate,omitempty"`
	Capability   StringList         `yaml:"capability,omitempty"`
	NeighborType string             `yaml:"neighbor_type,omitempty"`
	NextHopSelf  *Flag              `yaml:"next_hop_self,omitempty"`
	RouteMaps    []NeighborRouteMap `yaml:"route_maps,omitempty"`
	Delete       bool               `yaml:"delete,omitempty"`
}

// Unnumbered reports whether the session peers over the interface.
func (n *NeighborLink) Unnumbered() bool {
	return n.NeighborType == NeighborUnnumbered
}

// NeighborRouteMap binds a route-map to a session direction ("in" or "out").
type NeighborRouteMap struct {
	Name      string `yaml:"name"`
	Direction string `yaml:"direction"`
	Delete    bool   `yaml:"delete,omitempty"`
}

// Redistribute imports routes of another protocol.
type Redistribute struct {
	Type     string `yaml:"redist_type"`
	RouteMap string `yaml:"route_map,omitempty"`
	Delete   bool   `yaml:"delete,omitempty"`
}

// Network is a "network" statement; Count expands to consecutive subnets.
type Network struct {
	Network string `yaml:"network"`
	Count   int    `yaml:"no_of_network,omitempty"`
	Delete  bool   `yaml:"delete,omitempty"`
}

// MaximumPaths bounds BGP multipath. Nil fields are left untouched.
type MaximumPaths struct {
	IBGP   *int `yaml:"ibgp,omitempty"`
	EBGP   *int `yaml:"ebgp,omitempty"`
	Delete bool `yaml:"delete,omitempty"`
}

// StaticRoute is an "ip route"/"ipv6 route"; Count expands to consecutive subnets.
type StaticRoute struct {
	Network string `yaml:"network"`
	Count   int    `yaml:"no_of_ip,omitempty"`
	NextHop string `yaml:"next_hop,omitempty"`
	Delete  bool   `yaml:"delete,omitempty"`
}

// RouteMapEntry is one sequence of a route-map.
type RouteMapEntry struct {
	Seq    int                 `yaml:"seq_id"`
	Action string              `yaml:"action"`
	Match  map[AFI]MatchClause `yaml:"match,omitempty"`
	Set    map[AFI]SetClause   `yaml:"set,omitempty"`
	Delete bool                `yaml:"delete,omitempty"`
}

// MatchClause matches a prefix-list of the family.
type MatchClause struct {
	PrefixList string `yaml:"prefix_lists"`
}

// SetClause rewrites the next hop. For ipv6, "prefer-global" selects the
// global address over the link-local one.
type SetClause struct {
	NextHop string `yaml:"nexthop"`
}

// PrefixEntry is one sequence of a prefix-list.
type PrefixEntry struct {
	Seq     int    `yaml:"seqid"`
	Network string `yaml:"network"`
	Action  string `yaml:"action"`
	Delete  bool   `yaml:"delete,omitempty"`
}

// Interface carries per-link interface settings.
type Interface struct {
	RAInterval *int  `yaml:"ra_interval,omitempty"`
	SuppressRA *Flag `yaml:"suppress_ra,omitempty"`
	Delete     bool  `yaml:"delete,omitempty"`
}

// ASN accepts an AS number written as a number or a quoted string.
type ASN int64

func (a *ASN) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: AS number must be a scalar", value.Line)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value.Value), 10, 64)
	if err != nil {
		return fmt.Errorf("line %d: invalid AS number %q", value.Line, value.Value)
	}
	*a = ASN(n)
	return nil
}

// Flag accepts a boolean or its string form ("False", "true").
type Flag bool

func (f *Flag) UnmarshalYAML(value *yaml.Node) error {
	b, err := strconv.ParseBool(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("line %d: invalid boolean %q", value.Line, value.Value)
	}
	*f = Flag(b)
	return nil
}

// NewFlag returns a pointer to a Flag.
func NewFlag(b bool) *Flag {
	f := Flag(b)
	return &f
}

// IsSet reports whether f is present and true.
func (f *Flag) IsSet() bool {
	return f != nil && bool(*f)
}

// StringList accepts either a single string or a list of strings.
type StringList []string

func (s *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*s = StringList{value.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*s = list
		return nil
	}
	return fmt.Errorf("line %d: expected string or list", value.Line)
}

// Has reports whether v is present.
func (s StringList) Has(v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// IntPtr is a convenience for building MaximumPaths literals.
func IntPtr(v int) *int {
	return &v
}
