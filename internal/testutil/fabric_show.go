package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"strings"

	"github.com/newtron-network/newtconv/pkg/intent"
	"github.com/newtron-network/newtconv/pkg/util"
)

// clearHold is the number of queries for which sessions stay down after
// "clear bgp *".
const clearHold = 2

// Exec implements device.Channel for the show commands the harness issues.
func (f *Fabric) Exec(ctx context.Context, router, cmd string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := f.router(router)
	if err != nil {
		return "", err
	}
	f.queries.Inc()

	cmd = strings.Join(strings.Fields(cmd), " ")
	switch {
	case cmd == "clear bgp *" || cmd == "clear bgp all":
		f.beginChange()
		f.cleared = clearHold
		return "", nil
	case strings.HasPrefix(cmd, "show interface ") && strings.HasSuffix(cmd, " json"):
		name := strings.TrimSuffix(strings.TrimPrefix(cmd, "show interface "), " json")
		return f.showInterface(r, name)
	}

	v := f.observe()
	switch cmd {
	case "show bgp summary json":
		return encode(v.summary(router))
	case "show bgp ipv4 unicast json":
		return encode(v.bgpTable(router, intent.IPv4))
	case "show bgp ipv6 unicast json":
		return encode(v.bgpTable(router, intent.IPv6))
	case "show ip route json":
		return encode(v.zebra(router, intent.IPv4))
	case "show ipv6 route json":
		return encode(v.zebra(router, intent.IPv6))
	}
	return "", fmt.Errorf("%s: unsupported command %q", router, cmd)
}

// observe returns the state a query sees: the frozen pre-change view while
// lag remains, the live one otherwise.
func (f *Fabric) observe() *view {
	if f.lagLeft > 0 && f.frozen != nil {
		f.lagLeft--
		return f.frozen
	}
	f.frozen = nil
	v := f.compute()
	if f.cleared > 0 {
		f.cleared--
	}
	return v
}

func encode(doc any) (string, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (f *Fabric) showInterface(r *simRouter, name string) (string, error) {
	i, err := f.interfaceOf(r.name, name)
	if err != nil {
		return "", fmt.Errorf("%s: interface %s: %w", r.name, name, util.ErrNotFound)
	}
	type addr struct {
		Address string `json:"address"`
	}
	var addrs []addr
	for _, p := range []netip.Prefix{i.IPv4, i.IPv6} {
		if p.IsValid() {
			addrs = append(addrs, addr{p.String()})
		}
	}
	status := "up"
	if r.adminDown[name] {
		status = "down"
	}
	if i.Link != nil && !r.adminDown[name] {
		if r.llWait[name] > 0 {
			r.llWait[name]--
		} else {
			addrs = append(addrs, addr{f.linkLocal(r, i).String() + "/64"})
		}
	}
	return encode(map[string]any{
		name: map[string]any{
			"administrativeStatus": status,
			"ipAddresses":          addrs,
		},
	})
}

func (v *view) summary(router string) map[string]any {
	doc := map[string]any{}
	for _, afi := range intent.AFIs {
		peers := map[string]any{}
		for id, sv := range v.sessions[router] {
			if !sv.afis[afi] {
				continue
			}
			peers[id] = map[string]any{"remoteAs": sv.remoteAS, "state": sv.state}
		}
		if len(peers) == 0 {
			continue
		}
		doc[string(afi)+"Unicast"] = map[string]any{"peers": peers}
	}
	return doc
}

type bgpNexthopDoc struct {
	IP        string `json:"ip"`
	Afi       string `json:"afi"`
	Scope     string `json:"scope,omitempty"`
	Interface string `json:"interface,omitempty"`
	Used      bool   `json:"used"`
}

type bgpPathDoc struct {
	Valid     bool            `json:"valid"`
	Bestpath  any             `json:"bestpath,omitempty"`
	Multipath bool            `json:"multipath,omitempty"`
	PathFrom  string          `json:"pathFrom"`
	Path      string          `json:"path"`
	Origin    string          `json:"origin"`
	PeerID    string          `json:"peerId"`
	Nexthops  []bgpNexthopDoc `json:"nexthops"`
}

func (v *view) bgpTable(router string, afi intent.AFI) map[string]any {
	routes := map[string][]bgpPathDoc{}
	for p, pp := range v.bgp[router][afi] {
		for idx, sp := range pp.paths {
			doc := bgpPathDoc{
				Valid:    true,
				PathFrom: "external",
				Path:     sp.asPathString(),
				Origin:   "IGP",
				PeerID:   sp.peerID,
				Nexthops: sp.nexthopDocs(afi),
			}
			if !sp.ebgp && !sp.local {
				doc.PathFrom = "internal"
			}
			if sp.local {
				doc.Origin = "incomplete"
				doc.PeerID = "(unspec)"
			}
			if idx == 0 {
				doc.Bestpath = map[string]bool{"overall": true}
			} else if idx < pp.selected {
				doc.Multipath = true
			}
			routes[p.String()] = append(routes[p.String()], doc)
		}
	}
	return map[string]any{"routes": routes}
}

func (p *simPath) nexthopDocs(afi intent.AFI) []bgpNexthopDoc {
	if p.local {
		ip := "0.0.0.0"
		if afi == intent.IPv6 {
			ip = "::"
		}
		return []bgpNexthopDoc{{IP: ip, Afi: string(afi), Used: true}}
	}
	var out []bgpNexthopDoc
	if p.nhGlobal.IsValid() {
		fam := "ipv4"
		if p.nhGlobal.Is6() {
			fam = "ipv6"
		}
		out = append(out, bgpNexthopDoc{
			IP:        p.nhGlobal.String(),
			Afi:       fam,
			Scope:     "global",
			Interface: p.nhIf,
			Used:      !p.nhLL.IsValid(),
		})
	}
	if p.nhLL.IsValid() {
		out = append(out, bgpNexthopDoc{
			IP:        p.nhLL.String(),
			Afi:       "ipv6",
			Scope:     "link-local",
			Interface: p.nhIf,
			Used:      true,
		})
	}
	return out
}

type zebraNexthopDoc struct {
	IP                string `json:"ip,omitempty"`
	Afi               string `json:"afi,omitempty"`
	InterfaceName     string `json:"interfaceName,omitempty"`
	Active            bool   `json:"active"`
	Fib               bool   `json:"fib,omitempty"`
	DirectlyConnected bool   `json:"directlyConnected,omitempty"`
	Blackhole         bool   `json:"blackhole,omitempty"`
}

type zebraRouteDoc struct {
	Prefix    string            `json:"prefix"`
	Protocol  string            `json:"protocol"`
	Selected  bool              `json:"selected,omitempty"`
	Installed bool              `json:"installed,omitempty"`
	Distance  int               `json:"distance"`
	Metric    int               `json:"metric"`
	Nexthops  []zebraNexthopDoc `json:"nexthops"`
}

func (v *view) zebra(router string, afi intent.AFI) map[string][]zebraRouteDoc {
	out := map[string][]zebraRouteDoc{}
	for p, list := range v.rib[router][afi] {
		for _, rr := range list {
			doc := zebraRouteDoc{
				Prefix:    p.String(),
				Protocol:  rr.protocol,
				Selected:  rr.selected,
				Installed: rr.selected,
				Distance:  rr.distance,
			}
			for _, nh := range rr.nexthops {
				nd := zebraNexthopDoc{
					InterfaceName:     nh.iface,
					Active:            true,
					Fib:               rr.selected,
					DirectlyConnected: nh.connected,
					Blackhole:         nh.blackhole,
				}
				if nh.ip.IsValid() {
					nd.IP = nh.ip.String()
					nd.Afi = "ipv4"
					if nh.ip.Is6() {
						nd.Afi = "ipv6"
					}
				}
				doc.Nexthops = append(doc.Nexthops, nd)
			}
			out[p.String()] = append(out[p.String()], doc)
		}
	}
	return out
}
