package testutil

import (
	"fmt"
	"strings"
)

// PairEBGP is ParallelEBGP with two links.
var PairEBGP = ParallelEBGP(2)

// ParallelEBGP describes two routers joined by n IPv6-only links, peering
// eBGP over one unnumbered session per link with the extended-nexthop
// capability. r1 (AS 100) originates its static routes into IPv4 unicast;
// r2 is AS 200.
func ParallelEBGP(n int) string {
	return parallel("rfc5549-ebgp", n, 200)
}

// ParallelIBGP is ParallelEBGP with both routers in AS 100 and
// maximum-paths ibgp raised to n on r2.
func ParallelIBGP(n int) string {
	return parallel("rfc5549-ibgp", n, 100)
}

func parallel(name string, n, peerAS int) string {
	var b strings.Builder
	fmt.Fprintf(&b, `name: %s
link_ip_start: {ipv4: 10.0.0.0, v4mask: 24, ipv6: "fd00::", v6mask: 64}
lo_prefix: {ipv4: 1.0.1.17, v4mask: 32, ipv6: "2001:db8:f::", v6mask: 128}
routers:
`, name)
	ibgp := peerAS == 100
	for _, r := range []struct {
		name, peer, routerID string
		as                   int
		redistribute         bool
	}{
		{"r1", "r2", "1.0.1.17", 100, true},
		{"r2", "r1", "1.0.1.18", peerAS, false},
	} {
		fmt.Fprintf(&b, "  %s:\n    links:\n      lo: {ipv4: auto, ipv6: auto, type: loopback}\n", r.name)
		for i := 0; i < n; i++ {
			fmt.Fprintf(&b, "      %s-link%d: {ipv6: auto}\n", r.peer, i)
		}
		fmt.Fprintf(&b, "    bgp:\n      local_as: %d\n      router_id: %s\n      default_ipv4_unicast: false\n      address_family:\n", r.as, r.routerID)
		switch {
		case r.redistribute:
			b.WriteString("        ipv4:\n          unicast:\n            redistribute:\n              - redist_type: static\n")
		case ibgp:
			fmt.Fprintf(&b, "        ipv4:\n          unicast:\n            maximum_paths: {ibgp: %d}\n", n)
		}
		fmt.Fprintf(&b, "        ipv6:\n          unicast:\n            neighbor:\n              %s:\n                dest_link:\n", r.peer)
		for i := 0; i < n; i++ {
			fmt.Fprintf(&b, "                  %s-link%d: {activate: ipv4, capability: extended-nexthop, neighbor_type: unnumbered}\n", r.name, i)
		}
	}
	return b.String()
}

// LineNumbered is three routers in a line, r1 - r2 - r3, peering over
// numbered IPv4 sessions. r2 carries routes between the two ends.
const LineNumbered = `
name: line
link_ip_start: {ipv4: 10.0.0.0, v4mask: 24, ipv6: "fd00::", v6mask: 64}
routers:
  r1:
    links:
      r2: {ipv4: auto, ipv6: auto}
    bgp:
      local_as: 100
      address_family:
        ipv4:
          unicast:
            neighbor:
              r2:
                dest_link:
                  r1: {}
            redistribute:
              - redist_type: connected
  r2:
    links:
      r1: {ipv4: auto, ipv6: auto}
      r3: {ipv4: auto, ipv6: auto}
    bgp:
      local_as: 200
      address_family:
        ipv4:
          unicast:
            neighbor:
              r1:
                dest_link:
                  r2: {}
              r3:
                dest_link:
                  r2: {}
  r3:
    links:
      r2: {ipv4: auto, ipv6: auto}
    bgp:
      local_as: 300
      address_family:
        ipv4:
          unicast:
            neighbor:
              r2:
                dest_link:
                  r3: {}
`
