// Package rib observes routing tables and compares them with expectations.
//
// An ObservedRouteSet is a snapshot of one router's BGP table, zebra RIB or
// SONiC APP_DB route table for one address family. Snapshots are taken fresh
// on every poll and never cached.
package rib

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/newtron-network/newtconv/pkg/intent"
)

// Table names the routing table a snapshot was taken from.
type Table string

const (
	TableBGP   Table = "bgp"
	TableRIB   Table = "rib"
	TableAppDB Table = "appdb"
)

// NextHop is a forwarding address and/or an outgoing interface.
type NextHop struct {
	IP        netip.Addr
	Interface string
}

func (n NextHop) String() string {
	switch {
	case n.IP.IsValid() && n.Interface != "":
		return n.IP.String() + "%" + n.Interface
	case n.IP.IsValid():
		return n.IP.String()
	}
	return n.Interface
}

// Attrs are the path attributes reported for an entry.
type Attrs struct {
	ASPath    string
	Origin    string
	PathFrom  string
	LocalPref int
	Metric    int
	Multipath bool
}

// Entry is one (nexthop, attributes) instance of a prefix. A BGP table
// yields one entry per path; a RIB yields one entry per active nexthop of
// the selected route.
type Entry struct {
	NextHop  NextHop
	Protocol string
	Selected bool
	Attrs    Attrs
}

// ObservedRouteSet is a point-in-time view of a routing table.
type ObservedRouteSet struct {
	Router string
	Table  Table
	AFI    intent.AFI
	Routes map[netip.Prefix][]Entry
	At     time.Time
}

func newRouteSet(router string, table Table, afi intent.AFI) *ObservedRouteSet {
	return &ObservedRouteSet{
		Router: router,
		Table:  table,
		AFI:    afi,
		Routes: map[netip.Prefix][]Entry{},
		At:     time.Now(),
	}
}

func (s *ObservedRouteSet) add(p netip.Prefix, e Entry) {
	p = p.Masked()
	s.Routes[p] = append(s.Routes[p], e)
}

// Entries returns the entries of a prefix, optionally limited to one protocol.
func (s *ObservedRouteSet) Entries(p netip.Prefix, protocol string) []Entry {
	if s == nil {
		return nil
	}
	all := s.Routes[p.Masked()]
	if protocol == "" {
		return all
	}
	var out []Entry
	for _, e := range all {
		if e.Protocol == protocol {
			out = append(out, e)
		}
	}
	return out
}

// Prefixes returns the observed prefixes in address order.
func (s *ObservedRouteSet) Prefixes() []netip.Prefix {
	out := make([]netip.Prefix, 0, len(s.Routes))
	for p := range s.Routes {
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

// String dumps the table for diagnostics.
func (s *ObservedRouteSet) String() string {
	if s == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s (%d prefixes)\n", s.Router, s.Table, s.AFI, len(s.Routes))
	for _, p := range s.Prefixes() {
		fmt.Fprintf(&b, "  %s\n", p)
		for _, e := range s.Routes[p] {
			mark := " "
			if e.Selected {
				mark = "*"
			}
			fmt.Fprintf(&b, "    %s %-6s %s\n", mark, e.Protocol, e.NextHop)
		}
	}
	return b.String()
}

// Snapshots is a set of route sets keyed by router.
type Snapshots map[string]*ObservedRouteSet

// String dumps every snapshot in router order.
func (s Snapshots) String() string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, n := range names {
		b.WriteString(s[n].String())
	}
	return b.String()
}
