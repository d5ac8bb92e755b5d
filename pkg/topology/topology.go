// Package topology models the routers, links and addressing of a test network.
//
// A Topology is built once from its declarative description and its shape
// never changes afterwards. Each Router additionally carries the mutable state
// the harness drives: the configuration recorded by the applier and the
// administrative status of its interfaces.
package topology

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"sync"

	"github.com/newtron-network/newtconv/pkg/intent"
	"github.com/newtron-network/newtconv/pkg/util"
)

// Topology is an explicitly owned network description.
type Topology struct {
	Name    string
	routers map[string]*Router
	order   []string
	links   []*Link
}

// Router is one routing node.
type Router struct {
	Name       string
	Loopback   *Interface
	Interfaces []*Interface // link interfaces in link-key order

	// Initial is the configuration applied when the network is set up.
	Initial *intent.Router

	byKey  map[string]*Interface
	byName map[string]*Interface

	mu        sync.Mutex
	config    *intent.Router
	adminDown map[string]bool
}

// Interface is one end of a link, or a router loopback.
type Interface struct {
	Router  string
	Name    string
	LinkKey string // key under the router's links, e.g. "r2-link0"
	Peer    string // router at the other end; empty for loopbacks
	IPv4    netip.Prefix
	IPv6    netip.Prefix
	Link    *Link
}

// Link is a point-to-point connection between two interfaces.
type Link struct {
	A, B *Interface
}

// Remote returns the interface at the other end of the link.
func (i *Interface) Remote() *Interface {
	if i.Link == nil {
		return nil
	}
	if i.Link.A == i {
		return i.Link.B
	}
	return i.Link.A
}

// String formats the interface as router:interface.
func (i *Interface) String() string {
	return i.Router + ":" + i.Name
}

// String formats the link as a:ifA -- b:ifB.
func (l *Link) String() string {
	return fmt.Sprintf("%s -- %s", l.A, l.B)
}

// Router returns the named router.
func (t *Topology) Router(name string) (*Router, error) {
	r, ok := t.routers[name]
	if !ok {
		return nil, fmt.Errorf("topology: router %q: %w", name, util.ErrNotFound)
	}
	return r, nil
}

// Routers returns all routers in natural name order.
func (t *Topology) Routers() []*Router {
	out := make([]*Router, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.routers[name])
	}
	return out
}

// RouterNames returns router names in natural order.
func (t *Topology) RouterNames() []string {
	return append([]string(nil), t.order...)
}

// Links returns every link once.
func (t *Topology) Links() []*Link {
	return append([]*Link(nil), t.links...)
}

// Initial returns the configuration every router starts with.
func (t *Topology) Initial() intent.Set {
	s := intent.Set{}
	for _, r := range t.Routers() {
		if r.Initial != nil {
			s[r.Name] = r.Initial
		}
	}
	return s
}

// Link returns the interface behind a link key such as "r2-link0".
func (r *Router) Link(key string) (*Interface, error) {
	if key == "lo" && r.Loopback != nil {
		return r.Loopback, nil
	}
	i, ok := r.byKey[key]
	if !ok {
		return nil, fmt.Errorf("topology: %s has no link %q: %w", r.Name, key, util.ErrNotFound)
	}
	return i, nil
}

// Interface returns the interface with the given kernel name.
func (r *Router) Interface(name string) (*Interface, error) {
	if r.Loopback != nil && name == r.Loopback.Name {
		return r.Loopback, nil
	}
	i, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("topology: %s has no interface %q: %w", r.Name, name, util.ErrNotFound)
	}
	return i, nil
}

// Lookup accepts either a link key or an interface name.
func (r *Router) Lookup(ref string) (*Interface, error) {
	if i, err := r.Link(ref); err == nil {
		return i, nil
	}
	return r.Interface(ref)
}

// LinksTo returns the interfaces connecting r to peer, in link-key order.
func (r *Router) LinksTo(peer string) []*Interface {
	var out []*Interface
	for _, i := range r.Interfaces {
		if i.Peer == peer {
			out = append(out, i)
		}
	}
	return out
}

// Describe renders a human readable summary.
func (t *Topology) Describe() string {
	var b strings.Builder
	for _, r := range t.Routers() {
		fmt.Fprintf(&b, "%s", r.Name)
		if r.Loopback != nil {
			fmt.Fprintf(&b, " lo %s", joinPrefixes(r.Loopback.IPv4, r.Loopback.IPv6))
		}
		b.WriteString("\n")
		for _, i := range r.Interfaces {
			fmt.Fprintf(&b, "  %-14s %-12s -> %-6s %s\n", i.Name, i.LinkKey, i.Peer, joinPrefixes(i.IPv4, i.IPv6))
		}
	}
	return b.String()
}

func joinPrefixes(ps ...netip.Prefix) string {
	var parts []string
	for _, p := range ps {
		if p.IsValid() {
			parts = append(parts, p.String())
		}
	}
	if len(parts) == 0 {
		return "unnumbered"
	}
	return strings.Join(parts, " ")
}

func naturalSort(names []string) {
	sort.Slice(names, func(i, j int) bool { return util.NaturalLess(names[i], names[j]) })
}
