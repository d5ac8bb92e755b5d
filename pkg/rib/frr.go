package rib

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/netip"
	"strings"

	"github.com/newtron-network/newtconv/pkg/intent"
)

// vtysh commands producing the JSON parsed below.
func bgpTableCommand(afi intent.AFI) string {
	return fmt.Sprintf("show bgp %s unicast json", afi)
}

func zebraCommand(afi intent.AFI) string {
	if afi == intent.IPv6 {
		return "show ipv6 route json"
	}
	return "show ip route json"
}

// BGPSummaryCommand lists session states for all address families.
const BGPSummaryCommand = "show bgp summary json"

// flexBool decodes FRR flags that are either a bool or an object such as
// "bestpath": {"overall": true}.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("true")):
		*f = true
	case bytes.Equal(data, []byte("false")), bytes.Equal(data, []byte("null")):
		*f = false
	default:
		var obj struct {
			Overall bool `json:"overall"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		*f = flexBool(obj.Overall)
	}
	return nil
}

type bgpNexthop struct {
	IP        string `json:"ip"`
	Afi       string `json:"afi"`
	Scope     string `json:"scope"`
	Interface string `json:"interface"`
	Used      bool   `json:"used"`
}

type bgpPath struct {
	Valid     bool         `json:"valid"`
	Bestpath  flexBool     `json:"bestpath"`
	Multipath bool         `json:"multipath"`
	PathFrom  string       `json:"pathFrom"`
	Path      string       `json:"path"`
	Origin    string       `json:"origin"`
	LocPrf    int          `json:"locPrf"`
	Metric    int          `json:"metric"`
	Nexthops  []bgpNexthop `json:"nexthops"`
}

// ParseBGPTable parses "show bgp <afi> unicast json". Invalid paths are kept
// as unselected entries so that absence checks see them.
func ParseBGPTable(router string, afi intent.AFI, data []byte) (*ObservedRouteSet, error) {
	var table struct {
		Routes map[string][]bgpPath `json:"routes"`
	}
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parsing BGP table of %s: %w", router, err)
	}
	set := newRouteSet(router, TableBGP, afi)
	for key, paths := range table.Routes {
		p, err := netip.ParsePrefix(key)
		if err != nil {
			return nil, fmt.Errorf("parsing BGP table of %s: prefix %q: %w", router, key, err)
		}
		for _, path := range paths {
			set.add(p, Entry{
				NextHop:  pickBGPNexthop(path.Nexthops),
				Protocol: "bgp",
				Selected: path.Valid && (bool(path.Bestpath) || path.Multipath),
				Attrs: Attrs{
					ASPath:    path.Path,
					Origin:    path.Origin,
					PathFrom:  path.PathFrom,
					LocalPref: path.LocPrf,
					Metric:    path.Metric,
					Multipath: path.Multipath,
				},
			})
		}
	}
	return set, nil
}

// pickBGPNexthop chooses the address FRR installs: the one flagged used,
// else the link-local of an RFC 5549 global/link-local pair, else the first.
func pickBGPNexthop(nhs []bgpNexthop) NextHop {
	if len(nhs) == 0 {
		return NextHop{}
	}
	chosen := nhs[0]
	for _, nh := range nhs {
		if nh.Scope == "link-local" {
			chosen = nh
		}
	}
	for _, nh := range nhs {
		if nh.Used {
			chosen = nh
			break
		}
	}
	out := NextHop{Interface: chosen.Interface}
	if a, err := netip.ParseAddr(chosen.IP); err == nil {
		out.IP = a.Unmap()
	}
	if out.Interface == "" {
		for _, nh := range nhs {
			if nh.Interface != "" {
				out.Interface = nh.Interface
				break
			}
		}
	}
	return out
}

type zebraNexthop struct {
	IP                string `json:"ip"`
	InterfaceName     string `json:"interfaceName"`
	Active            bool   `json:"active"`
	Fib               bool   `json:"fib"`
	DirectlyConnected bool   `json:"directlyConnected"`
	Unreachable       bool   `json:"unreachable"`
	Blackhole         bool   `json:"blackhole"`
}

type zebraRoute struct {
	Prefix    string         `json:"prefix"`
	Protocol  string         `json:"protocol"`
	Selected  bool           `json:"selected"`
	Installed bool           `json:"installed"`
	Distance  int            `json:"distance"`
	Metric    int            `json:"metric"`
	Nexthops  []zebraNexthop `json:"nexthops"`
}

// ParseZebraRoutes parses "show ip route json" / "show ipv6 route json".
// Every route contributes one entry per nexthop. Only active, reachable
// nexthops of selected routes are marked selected.
func ParseZebraRoutes(router string, afi intent.AFI, data []byte) (*ObservedRouteSet, error) {
	var routes map[string][]zebraRoute
	if err := json.Unmarshal(data, &routes); err != nil {
		return nil, fmt.Errorf("parsing RIB of %s: %w", router, err)
	}
	set := newRouteSet(router, TableRIB, afi)
	for key, list := range routes {
		p, err := netip.ParsePrefix(key)
		if err != nil {
			return nil, fmt.Errorf("parsing RIB of %s: prefix %q: %w", router, key, err)
		}
		for _, r := range list {
			if len(r.Nexthops) == 0 {
				set.add(p, Entry{Protocol: r.Protocol, Attrs: Attrs{Metric: r.Metric}})
				continue
			}
			for _, nh := range r.Nexthops {
				hop := NextHop{Interface: nh.InterfaceName}
				if nh.Blackhole {
					hop.Interface = "Null0"
				}
				if a, err := netip.ParseAddr(nh.IP); err == nil {
					hop.IP = a.Unmap()
				}
				set.add(p, Entry{
					NextHop:  hop,
					Protocol: r.Protocol,
					Selected: r.Selected && nh.Active && !nh.Unreachable,
					Attrs:    Attrs{Metric: r.Metric},
				})
			}
		}
	}
	return set, nil
}

// ParseBGPSummary parses "show bgp summary json" into peer -> state across
// all address families. Unnumbered peers are keyed by interface name.
func ParseBGPSummary(data []byte) (map[string]string, error) {
	var summary map[string]json.RawMessage
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("parsing BGP summary: %w", err)
	}
	states := map[string]string{}
	for afName, afData := range summary {
		if !strings.HasSuffix(afName, "Unicast") {
			continue
		}
		var af struct {
			Peers map[string]struct {
				State string `json:"state"`
			} `json:"peers"`
		}
		if json.Unmarshal(afData, &af) != nil {
			continue
		}
		for peer, st := range af.Peers {
			// A peer is up only if every family reports it up.
			if prev, ok := states[peer]; ok && prev != "Established" {
				continue
			}
			states[peer] = st.State
		}
	}
	return states, nil
}
