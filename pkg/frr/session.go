package frr

import (
	"fmt"
	"sort"

	"github.com/newtron-network/newtconv/pkg/intent"
	"github.com/newtron-network/newtconv/pkg/topology"
	"github.com/newtron-network/newtconv/pkg/util"
)

// PeerAS returns the AS number a peer router runs, or zero when unknown.
type PeerAS func(peer string) intent.ASN

// Session is one BGP neighbor as FRR knows it.
type Session struct {
	Router     string
	Peer       string
	AFI        intent.AFI // family the neighbor is configured under
	ID         string     // interface name when unnumbered, else peer address
	Interface  *topology.Interface
	Unnumbered bool
	PeerAS     intent.ASN // zero when the peer runs no BGP
	Link       *intent.NeighborLink
}

// Activated lists the families the session is activated in: the one it is
// configured under plus any named by activate.
func (s Session) Activated() []intent.AFI {
	out := []intent.AFI{s.AFI}
	for _, a := range s.Link.Activate {
		if intent.AFI(a) != s.AFI {
			out = append(out, intent.AFI(a))
		}
	}
	return out
}

// Sessions resolves the neighbors in cfg against the topology. The dest_link
// key of a neighbor names the peer's link back to router.
func Sessions(topo *topology.Topology, router string, cfg *intent.Router, asOf PeerAS) ([]Session, error) {
	if cfg == nil || cfg.BGP == nil {
		return nil, nil
	}
	var out []Session
	for _, afi := range intent.AFIs {
		af := cfg.BGP.AddressFamily[afi]
		if af == nil || af.Unicast == nil {
			continue
		}
		peers := make([]string, 0, len(af.Unicast.Neighbors))
		for p := range af.Unicast.Neighbors {
			peers = append(peers, p)
		}
		sort.Slice(peers, func(i, j int) bool { return util.NaturalLess(peers[i], peers[j]) })

		for _, peer := range peers {
			n := af.Unicast.Neighbors[peer]
			if n == nil {
				continue
			}
			keys := make([]string, 0, len(n.DestLinks))
			for k := range n.DestLinks {
				keys = append(keys, k)
			}
			sort.Slice(keys, func(i, j int) bool { return util.NaturalLess(keys[i], keys[j]) })
			for _, key := range keys {
				s, err := resolveSession(topo, router, afi, peer, key, n.DestLinks[key], asOf)
				if err != nil {
					return nil, err
				}
				out = append(out, s)
			}
		}
	}
	return out, nil
}

func resolveSession(topo *topology.Topology, router string, afi intent.AFI, peer, key string, l *intent.NeighborLink, asOf PeerAS) (Session, error) {
	where := fmt.Sprintf("%s: neighbor %s dest_link %s", router, peer, key)
	pr, err := topo.Router(peer)
	if err != nil {
		return Session{}, fmt.Errorf("%s: %w", where, err)
	}
	remote, err := pr.Link(key)
	if err != nil {
		return Session{}, fmt.Errorf("%s: %w", where, err)
	}
	if l == nil {
		l = &intent.NeighborLink{}
	}
	s := Session{Router: router, Peer: peer, AFI: afi, Unnumbered: l.Unnumbered(), Link: l}

	if remote == pr.Loopback {
		// Loopback peering: the address is the peer's loopback and there is
		// no local interface.
		if s.Unnumbered {
			return Session{}, fmt.Errorf("%s: unnumbered peering needs a link: %w", where, util.ErrInvalidConfig)
		}
	} else {
		local := remote.Remote()
		if local == nil || local.Router != router {
			return Session{}, fmt.Errorf("%s: link does not lead back to %s: %w", where, router, util.ErrInvalidConfig)
		}
		s.Interface = local
	}

	if s.Unnumbered {
		s.ID = s.Interface.Name
	} else {
		addr := remote.IPv4
		if afi == intent.IPv6 {
			addr = remote.IPv6
		}
		if !addr.IsValid() {
			return Session{}, fmt.Errorf("%s: %s has no %s address: %w", where, remote, afi, util.ErrInvalidConfig)
		}
		s.ID = addr.Addr().String()
	}

	if asOf != nil {
		s.PeerAS = asOf(peer)
	}
	return s, nil
}

// SessionIDs returns the neighbor keys FRR reports for router, in
// configuration order without duplicates. Sessions towards peers without a
// BGP instance cannot establish and are left out.
func SessionIDs(topo *topology.Topology, router string, cfg *intent.Router, asOf PeerAS) ([]string, error) {
	sessions, err := Sessions(topo, router, cfg, asOf)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var ids []string
	for _, s := range sessions {
		if s.PeerAS == 0 {
			continue
		}
		if !seen[s.ID] {
			seen[s.ID] = true
			ids = append(ids, s.ID)
		}
	}
	return ids, nil
}
