package rib

import (
	"errors"
	"net/netip"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/newtron-network/newtconv/pkg/intent"
	"github.com/newtron-network/newtconv/pkg/topology"
	"github.com/newtron-network/newtconv/pkg/util"
)

const pairTopology = `
name: pair
link_ip_start: {ipv4: 10.0.0.0, v4mask: 24, ipv6: "fd00::", v6mask: 64}
lo_prefix: {ipv4: 1.0.1.17, v4mask: 32}
routers:
  r1:
    links:
      lo: {ipv4: auto, type: loopback}
      r2-link0: {ipv4: auto, ipv6: auto}
      r2-link1: {ipv4: auto, ipv6: auto}
  r2:
    links:
      r1-link0: {ipv4: auto, ipv6: auto}
      r1-link1: {ipv4: auto, ipv6: auto}
`

const bgpTableJSON = `{
 "vrfId": 0, "vrfName": "default", "localAS": 200,
 "routes": {
  "11.0.20.1/32": [
   {"valid": true, "multipath": true, "pathFrom": "external", "path": "100", "origin": "incomplete",
    "nexthops": [
     {"ip": "fd00::1", "afi": "ipv6", "scope": "global"},
     {"ip": "fe80::a", "afi": "ipv6", "scope": "link-local", "interface": "r2-r1-eth0", "used": true}]},
   {"valid": true, "bestpath": {"overall": true}, "multipath": true, "pathFrom": "external", "path": "100", "origin": "incomplete",
    "nexthops": [
     {"ip": "fe80::b", "afi": "ipv6", "scope": "link-local", "interface": "r2-r1-eth1"}]},
   {"valid": false, "path": "100",
    "nexthops": [{"ip": "10.9.9.9", "afi": "ipv4"}]}
  ],
  "11.0.20.2/32": [
   {"valid": true, "bestpath": true, "path": "100", "nexthops": [{"ip": "10.0.1.1", "afi": "ipv4", "used": true}]}
  ]
 }
}`

const zebraJSON = `{
 "11.0.20.1/32": [
  {"prefix": "11.0.20.1/32", "protocol": "bgp", "selected": true, "installed": true, "distance": 20,
   "nexthops": [
    {"fib": true, "ip": "fe80::a", "afi": "ipv6", "interfaceName": "r2-r1-eth0", "active": true},
    {"fib": true, "ip": "fe80::b", "afi": "ipv6", "interfaceName": "r2-r1-eth1", "active": true},
    {"ip": "fe80::c", "afi": "ipv6", "interfaceName": "r2-r1-eth1"}]},
  {"prefix": "11.0.20.1/32", "protocol": "static", "selected": false, "distance": 200,
   "nexthops": [{"ip": "10.0.0.1", "active": true}]}
 ],
 "11.0.20.5/32": [
  {"prefix": "11.0.20.5/32", "protocol": "static", "selected": true,
   "nexthops": [{"blackhole": true, "active": true}]}
 ]
}`

func mustTopology(t *testing.T) *topology.Topology {
	t.Helper()
	topo, err := topology.Parse([]byte(pairTopology))
	if err != nil {
		t.Fatalf("topology.Parse: %v", err)
	}
	return topo
}

func pfx(s string) netip.Prefix { return netip.MustParsePrefix(s) }

func TestParseBGPTable(t *testing.T) {
	set, err := ParseBGPTable("r2", intent.IPv4, []byte(bgpTableJSON))
	if err != nil {
		t.Fatal(err)
	}
	all := set.Entries(pfx("11.0.20.1/32"), "")
	if len(all) != 3 {
		t.Fatalf("entries = %d, want 3 (invalid path kept)", len(all))
	}
	want := []NextHop{
		{IP: netip.MustParseAddr("fe80::a"), Interface: "r2-r1-eth0"},
		{IP: netip.MustParseAddr("fe80::b"), Interface: "r2-r1-eth1"},
	}
	var got []NextHop
	for _, e := range all {
		if !e.Selected {
			if e.NextHop.IP.String() != "10.9.9.9" {
				t.Errorf("unselected entry = %+v, want the invalid path", e)
			}
			continue
		}
		got = append(got, e.NextHop)
		if e.Protocol != "bgp" || e.Attrs.ASPath != "100" {
			t.Errorf("entry = %+v", e)
		}
	}
	if diff := cmp.Diff(want, got, cmp.Comparer(func(a, b netip.Addr) bool { return a == b })); diff != "" {
		t.Errorf("nexthops (-want +got):\n%s", diff)
	}
	if got := set.Entries(pfx("11.0.20.2/32"), ""); len(got) != 1 || got[0].NextHop.IP.String() != "10.0.1.1" {
		t.Errorf("11.0.20.2/32 = %+v", got)
	}
	if !strings.Contains(set.String(), "11.0.20.1/32") {
		t.Errorf("String() = %q", set.String())
	}
}

func TestParseZebraRoutes(t *testing.T) {
	set, err := ParseZebraRoutes("r2", intent.IPv4, []byte(zebraJSON))
	if err != nil {
		t.Fatal(err)
	}
	all := set.Entries(pfx("11.0.20.1/32"), "")
	selected := 0
	for _, e := range all {
		if e.Selected {
			selected++
		}
	}
	if len(all) != 4 || selected != 2 {
		t.Errorf("entries = %d selected = %d, want 4 and 2", len(all), selected)
	}
	static := set.Entries(pfx("11.0.20.1/32"), "static")
	if len(static) != 1 || static[0].Selected {
		t.Errorf("unselected static route = %+v", static)
	}
	bh := set.Entries(pfx("11.0.20.5/32"), "static")
	if len(bh) != 1 || bh[0].NextHop.Interface != "Null0" {
		t.Errorf("blackhole = %+v", bh)
	}
}

func TestParseErrors(t *testing.T) {
	if _, err := ParseBGPTable("r1", intent.IPv4, []byte("not json")); err == nil {
		t.Error("ParseBGPTable accepted garbage")
	}
	if _, err := ParseZebraRoutes("r1", intent.IPv4, []byte(`{"bogus": [{"selected": true}]}`)); err == nil {
		t.Error("ParseZebraRoutes accepted an invalid prefix")
	}
}

func TestParseBGPSummary(t *testing.T) {
	data := `{
	 "ipv4Unicast": {"peers": {"r2-r1-eth0": {"state": "Established"}, "10.0.2.2": {"state": "Active"}}},
	 "ipv6Unicast": {"peers": {"r2-r1-eth0": {"state": "Connect"}}},
	 "l2VpnEvpn": {"peers": {"r2-r1-eth0": {"state": "Idle"}}}
	}`
	got, err := ParseBGPSummary([]byte(data))
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{"r2-r1-eth0": "Connect", "10.0.2.2": "Active"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("states (-want +got):\n%s", diff)
	}
}

func TestAppDBEntries(t *testing.T) {
	got := appDBEntries(map[string]string{
		"nexthop":  "fe80::a,fe80::b",
		"ifname":   "Ethernet0, Ethernet4",
		"protocol": "bgp",
	})
	if len(got) != 2 || got[1].NextHop.Interface != "Ethernet4" || got[0].NextHop.IP.String() != "fe80::a" {
		t.Errorf("entries = %+v", got)
	}
	if got := appDBEntries(map[string]string{"blackhole": "true"}); got != nil {
		t.Errorf("blackhole entries = %+v", got)
	}
	connected := appDBEntries(map[string]string{"nexthop": "0.0.0.0", "ifname": "Ethernet8"})
	if len(connected) != 1 || connected[0].NextHop.IP.IsValid() {
		t.Errorf("connected = %+v", connected)
	}
}

type llIndex map[netip.Addr][2]string

func (l llIndex) Owner(a netip.Addr) (string, string, bool) {
	v, ok := l[a]
	return v[0], v[1], ok
}

func TestNormalizerEquivalentForms(t *testing.T) {
	topo := mustTopology(t)
	n := NewNormalizer(topo, llIndex{netip.MustParseAddr("fe80::a"): {"r1", "r1-r2-eth0"}})
	link0 := "link:r1:r1-r2-eth0 -- r2:r2-r1-eth0"

	observed := []NextHop{
		{IP: netip.MustParseAddr("10.0.0.1")},
		{IP: netip.MustParseAddr("fd00::1")},
		{Interface: "r2-r1-eth0"},
		{IP: netip.MustParseAddr("fe80::a")},
		{IP: netip.MustParseAddr("fe80::99"), Interface: "r2-r1-eth0"},
	}
	for _, nh := range observed {
		if got := n.Observed("r2", nh); got != link0 {
			t.Errorf("Observed(%s) = %q, want %q", nh, got, link0)
		}
	}

	for _, spec := range []string{"r1:r2-link0", "r1:r1-r2-eth0", "r2:r1-link0", "r1-link0", "r2-r1-eth0", "10.0.0.2", "fe80::a"} {
		got, err := n.Expected("r2", spec)
		if err != nil {
			t.Errorf("Expected(%q): %v", spec, err)
			continue
		}
		if got != link0 {
			t.Errorf("Expected(%q) = %q, want %q", spec, got, link0)
		}
	}
}

func TestNormalizerOutsideTopology(t *testing.T) {
	n := NewNormalizer(mustTopology(t), nil)
	tests := []struct {
		nh   NextHop
		want string
	}{
		{NextHop{IP: netip.MustParseAddr("192.0.2.1")}, "addr:192.0.2.1"},
		{NextHop{IP: netip.MustParseAddr("fe80::77")}, "ll:fe80::77"},
		{NextHop{Interface: "Null0"}, "if:Null0"},
		{NextHop{IP: netip.MustParseAddr("1.0.1.17")}, "lo:r1"},
	}
	for _, tt := range tests {
		if got := n.Observed("r2", tt.nh); got != tt.want {
			t.Errorf("Observed(%s) = %q, want %q", tt.nh, got, tt.want)
		}
	}

	if got, err := n.Expected("r2", "Null0"); err != nil || got != "if:Null0" {
		t.Errorf("Expected(Null0) = %q, %v", got, err)
	}
	if _, err := n.Expected("r2", "r9:r2-link0"); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("unknown router: err = %v, want ErrNotFound", err)
	}
	_, err := n.Expected("r2", "fe80::77")
	if !errors.Is(err, util.ErrResolutionUnavailable) || !Retryable(err) {
		t.Errorf("unresolved link-local: err = %v", err)
	}
}

func TestNormalizerUnknownInterfaceName(t *testing.T) {
	n := NewNormalizer(mustTopology(t), nil)
	for _, spec := range []string{"Null0", "blackhole", "lo"} {
		if _, err := n.Expected("r2", spec); err != nil {
			t.Errorf("Expected(%q) = %v", spec, err)
		}
	}
	for _, spec := range []string{"r2-r1-eth99", "eth0", "r1-link9"} {
		got, err := n.Expected("r2", spec)
		if !errors.Is(err, util.ErrNotFound) {
			t.Errorf("Expected(%q) = %q, %v, want ErrNotFound", spec, got, err)
		}
	}

	set := ecmpSet(NextHop{Interface: "Null0"})
	exp := Expectation{Prefix: pfx("11.0.20.1/32"), NextHops: []string{"typo-eth0"}}
	if _, err := Check(n, set, exp); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("Check with a misspelled nexthop = %v, want ErrNotFound", err)
	}
}

func ecmpSet(nexthops ...NextHop) *ObservedRouteSet {
	set := newRouteSet("r2", TableRIB, intent.IPv4)
	for _, nh := range nexthops {
		set.add(pfx("11.0.20.1/32"), Entry{NextHop: nh, Protocol: "bgp", Selected: true})
	}
	return set
}

func TestCheckModes(t *testing.T) {
	n := NewNormalizer(mustTopology(t), nil)
	eth0 := NextHop{IP: netip.MustParseAddr("fe80::a"), Interface: "r2-r1-eth0"}
	eth1 := NextHop{IP: netip.MustParseAddr("fe80::b"), Interface: "r2-r1-eth1"}
	both := []string{"r1:r2-link0", "r1:r2-link1"}

	tests := []struct {
		desc     string
		observed *ObservedRouteSet
		exp      Expectation
		opts     []MatchOption
		want     bool
	}{{
		desc:     "all-of full set",
		observed: ecmpSet(eth0, eth1),
		exp:      Expectation{Prefix: pfx("11.0.20.1/32"), Count: 2, NextHops: both},
		want:     true,
	}, {
		desc:     "all-of partial set",
		observed: ecmpSet(eth0),
		exp:      Expectation{Prefix: pfx("11.0.20.1/32"), NextHops: both},
	}, {
		desc:     "any-of partial set",
		observed: ecmpSet(eth1),
		exp:      Expectation{Prefix: pfx("11.0.20.1/32"), NextHops: both},
		opts:     []MatchOption{WithAnyOf()},
		want:     true,
	}, {
		desc:     "any-of disjoint",
		observed: ecmpSet(eth1),
		exp:      Expectation{Prefix: pfx("11.0.20.1/32"), NextHops: []string{"r1:r2-link0"}, Mode: AnyOf},
	}, {
		desc:     "count under",
		observed: ecmpSet(eth0),
		exp:      Expectation{Prefix: pfx("11.0.20.1/32"), Count: 2},
	}, {
		desc:     "count over",
		observed: ecmpSet(eth0, eth1),
		exp:      Expectation{Prefix: pfx("11.0.20.1/32"), Count: 1, NextHops: []string{"r1:r2-link0"}},
	}, {
		desc:     "extra nexthop allowed",
		observed: ecmpSet(eth0, eth1),
		exp:      Expectation{Prefix: pfx("11.0.20.1/32"), NextHops: []string{"r1:r2-link0"}},
		want:     true,
	}, {
		desc:     "extra nexthop strict",
		observed: ecmpSet(eth0, eth1),
		exp:      Expectation{Prefix: pfx("11.0.20.1/32"), NextHops: []string{"r1:r2-link0"}},
		opts:     []MatchOption{WithStrict()},
	}, {
		desc:     "missing prefix",
		observed: ecmpSet(),
		exp:      Expectation{Prefix: pfx("11.0.20.1/32"), NextHops: both},
	}, {
		desc:     "absent",
		observed: ecmpSet(),
		exp:      Expectation{Prefix: pfx("11.0.20.1/32"), Absent: true, NextHops: both},
		want:     true,
	}, {
		desc:     "stale entry is not absent",
		observed: ecmpSet(eth0),
		exp:      Expectation{Prefix: pfx("11.0.20.1/32"), Absent: true},
	}, {
		desc:     "protocol filter",
		observed: ecmpSet(eth0),
		exp:      Expectation{Prefix: pfx("11.0.20.1/32"), Absent: true},
		opts:     []MatchOption{WithProtocol("static")},
		want:     true,
	}}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			o, err := Check(n, tt.observed, tt.exp, tt.opts...)
			if err != nil {
				t.Fatalf("Check: %v", err)
			}
			if o.OK != tt.want {
				t.Errorf("OK = %v, want %v (%s)", o.OK, tt.want, o)
			}
			if !o.OK && o.Reason == "" {
				t.Error("failure without a reason")
			}
			if got := Matches(n, tt.observed, tt.exp, tt.opts...); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheckAbsenceSeesStaleEntries(t *testing.T) {
	n := NewNormalizer(mustTopology(t), nil)
	prefix := pfx("11.0.20.1/32")

	zebra, err := ParseZebraRoutes("r2", intent.IPv4, []byte(`{"11.0.20.1/32": [
	 {"prefix": "11.0.20.1/32", "protocol": "bgp", "selected": false,
	  "nexthops": [{"ip": "fe80::a", "interfaceName": "r2-r1-eth0", "active": false}]}]}`))
	if err != nil {
		t.Fatal(err)
	}
	bgp, err := ParseBGPTable("r2", intent.IPv4, []byte(`{"routes": {"11.0.20.1/32": [
	 {"valid": false, "path": "100", "nexthops": [{"ip": "fe80::a", "scope": "link-local", "interface": "r2-r1-eth0"}]}]}}`))
	if err != nil {
		t.Fatal(err)
	}

	for name, set := range map[string]*ObservedRouteSet{"zebra": zebra, "bgp": bgp} {
		t.Run(name, func(t *testing.T) {
			o, err := Check(n, set, Expectation{Prefix: prefix, Absent: true})
			if err != nil {
				t.Fatal(err)
			}
			if o.OK || o.Entries != 1 {
				t.Errorf("absence with a stale entry: OK = %v entries = %d", o.OK, o.Entries)
			}
			o, err = Check(n, set, Expectation{Prefix: prefix, Count: 1})
			if err != nil {
				t.Fatal(err)
			}
			if o.OK || o.Entries != 0 {
				t.Errorf("stale entry counted as installed: OK = %v entries = %d", o.OK, o.Entries)
			}
		})
	}
}

func TestCheckIgnoresUnselectedPaths(t *testing.T) {
	set, err := ParseBGPTable("r2", intent.IPv4, []byte(`{"routes": {"11.0.20.1/32": [
	 {"valid": true, "bestpath": true, "nexthops": [{"ip": "fe80::a", "scope": "link-local", "interface": "r2-r1-eth0"}]},
	 {"valid": true, "nexthops": [{"ip": "fe80::b", "scope": "link-local", "interface": "r2-r1-eth1"}]}]}}`))
	if err != nil {
		t.Fatal(err)
	}
	n := NewNormalizer(mustTopology(t), nil)
	exp := Expectation{Prefix: pfx("11.0.20.1/32"), Count: 1, NextHops: []string{"r1:r2-link0"}}
	if o, _ := Check(n, set, exp); !o.OK {
		t.Errorf("maximum-paths 1 view: %s", o)
	}
	if Matches(n, set, Expectation{Prefix: pfx("11.0.20.1/32"), Absent: true}) {
		t.Error("a prefix with unselected paths reported absent")
	}
}

func TestCheckWithoutTopology(t *testing.T) {
	set := ecmpSet(NextHop{IP: netip.MustParseAddr("10.0.0.1")}, NextHop{Interface: "Null0"})
	exp := Expectation{Prefix: pfx("11.0.20.1/32"), Count: 2, NextHops: []string{"10.0.0.1", "Null0"}, Strict: true}
	if o, err := Check(nil, set, exp); err != nil || !o.OK {
		t.Errorf("Check = %v, %v", o, err)
	}
}

func TestExpand(t *testing.T) {
	exps, err := Expand("11.0.20.1/32", 5, Expectation{Count: 8, NextHops: []string{"r1:r2-link0"}})
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, e := range exps {
		got = append(got, e.Prefix.String())
	}
	want := []string{"11.0.20.1/32", "11.0.20.2/32", "11.0.20.3/32", "11.0.20.4/32", "11.0.20.5/32"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("prefixes (-want +got):\n%s", diff)
	}
	exps[0].NextHops[0] = "changed"
	if exps[1].NextHops[0] != "r1:r2-link0" {
		t.Error("expanded expectations share nexthop slices")
	}
}

func TestCheckAll(t *testing.T) {
	n := NewNormalizer(mustTopology(t), nil)
	set := ecmpSet(NextHop{Interface: "r2-r1-eth0"})
	outs, ok, err := CheckAll(n, set, []Expectation{
		{Prefix: pfx("11.0.20.1/32"), Count: 1},
		{Prefix: pfx("11.0.20.2/32"), Absent: true},
	})
	if err != nil || !ok || len(outs) != 2 {
		t.Errorf("CheckAll = %v, %v, %v", outs, ok, err)
	}
	if _, _, err := CheckAll(n, set, []Expectation{{Prefix: pfx("11.0.20.1/32"), NextHops: []string{"r7:x"}}}); err == nil {
		t.Error("unknown router in nexthop accepted")
	}
}
