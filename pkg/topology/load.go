package topology

import (
	"bytes"
	"fmt"
	"net/netip"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/newtron-network/newtconv/pkg/intent"
	"github.com/newtron-network/newtconv/pkg/util"
)

// Auto requests an address from the topology's pool.
const Auto = "auto"

const loopbackType = "loopback"

// fileFormat is the on-disk description. JSON documents are decoded through
// the YAML decoder.
type fileFormat struct {
	Name        string                 `yaml:"name"`
	LinkIPStart *addrPool              `yaml:"link_ip_start"`
	LoPrefix    *addrPool              `yaml:"lo_prefix"`
	Routers     map[string]*routerSpec `yaml:"routers"`
}

type addrPool struct {
	IPv4   string `yaml:"ipv4"`
	V4Mask int    `yaml:"v4mask"`
	IPv6   string `yaml:"ipv6"`
	V6Mask int    `yaml:"v6mask"`
}

type routerSpec struct {
	Links         map[string]*linkSpec `yaml:"links"`
	intent.Router `yaml:",inline"`
}

type linkSpec struct {
	IPv4      string `yaml:"ipv4"`
	IPv6      string `yaml:"ipv6"`
	Interface string `yaml:"interface"`
	Type      string `yaml:"type"`
}

var linkKeyRe = regexp.MustCompile(`^(.+)-link(\d+)$`)

// Load reads a topology description from a JSON or YAML file.
func Load(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("topology: reading %s: %w", path, err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Parse builds a topology: it pairs link keys across routers, names
// interfaces and allocates "auto" addresses.
func Parse(data []byte) (*Topology, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f fileFormat
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("topology: parsing: %w", err)
	}
	b := &builder{f: &f, t: &Topology{Name: f.Name, routers: map[string]*Router{}}}
	return b.build()
}

type builder struct {
	f *fileFormat
	t *Topology
	v util.ValidationBuilder
}

func (b *builder) build() (*Topology, error) {
	if len(b.f.Routers) == 0 {
		return nil, util.NewValidationError("topology has no routers")
	}
	for name := range b.f.Routers {
		b.t.order = append(b.t.order, name)
	}
	naturalSort(b.t.order)

	initial := intent.Set{}
	for _, name := range b.t.order {
		spec := b.f.Routers[name]
		if spec == nil {
			spec = &routerSpec{}
		}
		r := &Router{Name: name, byKey: map[string]*Interface{}, byName: map[string]*Interface{}}
		if !isEmptyIntent(&spec.Router) {
			cfg := spec.Router
			r.Initial = &cfg
			initial[name] = &cfg
		}
		b.t.routers[name] = r
	}
	if err := initial.Validate(); err != nil {
		b.v.AddErrorf("initial configuration: %v", err)
	}

	b.createInterfaces()
	b.pairLinks()
	if b.v.HasErrors() {
		return nil, b.v.Build()
	}
	b.allocateLinkAddresses()
	b.allocateLoopbacks()
	b.checkDuplicateAddresses()
	if err := b.v.Build(); err != nil {
		return nil, err
	}
	return b.t, nil
}

func isEmptyIntent(r *intent.Router) bool {
	return r.BGP == nil && len(r.StaticRoutes) == 0 && len(r.RouteMaps) == 0 &&
		len(r.PrefixLists) == 0 && len(r.Interfaces) == 0
}

// peerOf splits a link key into the peer router and the "-linkN" suffix.
func (b *builder) peerOf(key string) (peer, suffix string, ok bool) {
	if _, exists := b.f.Routers[key]; exists {
		return key, "", true
	}
	m := linkKeyRe.FindStringSubmatch(key)
	if m == nil {
		return "", "", false
	}
	if _, exists := b.f.Routers[m[1]]; !exists {
		return "", "", false
	}
	return m[1], "-link" + m[2], true
}

func (b *builder) createInterfaces() {
	for _, name := range b.t.order {
		r := b.t.routers[name]
		spec := b.f.Routers[name]
		if spec == nil {
			continue
		}
		keys := make([]string, 0, len(spec.Links))
		for key := range spec.Links {
			keys = append(keys, key)
		}
		naturalSort(keys)

		perPeer := map[string]int{}
		for _, key := range keys {
			ls := spec.Links[key]
			if ls == nil {
				ls = &linkSpec{}
				spec.Links[key] = ls
			}
			if ls.Type == loopbackType || key == "lo" {
				r.Loopback = &Interface{Router: name, Name: "lo", LinkKey: key}
				continue
			}
			peer, _, ok := b.peerOf(key)
			if !ok {
				b.v.AddErrorf("%s: link %q names no router", name, key)
				continue
			}
			if peer == name {
				b.v.AddErrorf("%s: link %q loops back to itself", name, key)
				continue
			}
			ifname := ls.Interface
			if ifname == "" {
				ifname = fmt.Sprintf("%s-%s-eth%d", name, peer, perPeer[peer])
			}
			perPeer[peer]++
			if _, dup := r.byName[ifname]; dup {
				b.v.AddErrorf("%s: duplicate interface name %q", name, ifname)
				continue
			}
			i := &Interface{Router: name, Name: ifname, LinkKey: key, Peer: peer}
			r.Interfaces = append(r.Interfaces, i)
			r.byKey[key] = i
			r.byName[ifname] = i
		}
	}
}

// pairLinks joins A's "B-linkN" with B's "A-linkN".
func (b *builder) pairLinks() {
	for _, name := range b.t.order {
		r := b.t.routers[name]
		for _, i := range r.Interfaces {
			if i.Link != nil {
				continue
			}
			_, suffix, _ := b.peerOf(i.LinkKey)
			remoteKey := name + suffix
			peer := b.t.routers[i.Peer]
			ri, ok := peer.byKey[remoteKey]
			if !ok {
				b.v.AddErrorf("%s: link %q has no matching %q on %s", name, i.LinkKey, remoteKey, i.Peer)
				continue
			}
			if ri.Link != nil {
				b.v.AddErrorf("%s: link %q already paired with %s", i.Peer, remoteKey, ri.Link)
				continue
			}
			l := &Link{A: i, B: ri}
			i.Link, ri.Link = l, l
			b.t.links = append(b.t.links, l)
		}
	}
}

// pool hands out consecutive subnets.
type pool struct {
	next netip.Prefix
}

func newPool(base string, bits int) (*pool, error) {
	if base == "" {
		return nil, nil
	}
	a, err := netip.ParseAddr(base)
	if err != nil {
		return nil, fmt.Errorf("invalid pool base %q", base)
	}
	if bits <= 0 || bits > a.BitLen() {
		return nil, fmt.Errorf("invalid pool mask /%d for %s", bits, base)
	}
	return &pool{next: netip.PrefixFrom(a, bits).Masked()}, nil
}

func (p *pool) take() (netip.Prefix, error) {
	cur := p.next
	next, err := util.NextSubnet(cur)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("address pool exhausted after %s", cur)
	}
	p.next = next
	return cur, nil
}

func (b *builder) pools(ap *addrPool) (v4, v6 *pool) {
	if ap == nil {
		return nil, nil
	}
	var err error
	if v4, err = newPool(ap.IPv4, ap.V4Mask); err != nil {
		b.v.AddErrorf("ipv4 pool: %v", err)
	}
	if v6, err = newPool(ap.IPv6, ap.V6Mask); err != nil {
		b.v.AddErrorf("ipv6 pool: %v", err)
	}
	return v4, v6
}

func (b *builder) allocateLinkAddresses() {
	v4, v6 := b.pools(b.f.LinkIPStart)
	for _, l := range b.t.links {
		sa := b.f.Routers[l.A.Router].Links[l.A.LinkKey]
		sb := b.f.Routers[l.B.Router].Links[l.B.LinkKey]
		l.A.IPv4, l.B.IPv4 = b.assign(l, "ipv4", sa.IPv4, sb.IPv4, v4)
		l.A.IPv6, l.B.IPv6 = b.assign(l, "ipv6", sa.IPv6, sb.IPv6, v6)
	}
}

// assign resolves one family on one link. The A end, the router first in
// natural order, takes the first host of an allocated subnet.
func (b *builder) assign(l *Link, family, a, z string, p *pool) (netip.Prefix, netip.Prefix) {
	if a == "" && z == "" {
		return netip.Prefix{}, netip.Prefix{}
	}
	if a == Auto || z == Auto {
		if (a != Auto && a != "") || (z != Auto && z != "") {
			b.v.AddErrorf("%s: %s mixes auto and explicit addresses", l, family)
			return netip.Prefix{}, netip.Prefix{}
		}
		if p == nil {
			b.v.AddErrorf("%s: %s auto requested but link_ip_start has no %s pool", l, family, family)
			return netip.Prefix{}, netip.Prefix{}
		}
		subnet, err := p.take()
		if err != nil {
			b.v.AddErrorf("%s: %v", l, err)
			return netip.Prefix{}, netip.Prefix{}
		}
		first := uint64(1)
		if subnet.Bits() == subnet.Addr().BitLen()-1 {
			first = 0
		}
		pa, errA := util.HostInSubnet(subnet, first)
		pz, errZ := util.HostInSubnet(subnet, first+1)
		if errA != nil || errZ != nil {
			b.v.AddErrorf("%s: subnet %s too small for two hosts", l, subnet)
			return netip.Prefix{}, netip.Prefix{}
		}
		return pa, pz
	}
	pa := b.parseExplicit(l.A, family, a)
	pz := b.parseExplicit(l.B, family, z)
	if pa.IsValid() && pz.IsValid() && pa.Masked() != pz.Masked() {
		b.v.AddErrorf("%s: %s addresses %s and %s are in different subnets", l, family, pa, pz)
	}
	return pa, pz
}

// checkDuplicateAddresses rejects two interfaces carrying the same address.
func (b *builder) checkDuplicateAddresses() {
	seen := map[netip.Addr]*Interface{}
	for _, name := range b.t.order {
		r := b.t.routers[name]
		ifaces := r.Interfaces
		if r.Loopback != nil {
			ifaces = append([]*Interface{r.Loopback}, ifaces...)
		}
		for _, i := range ifaces {
			for _, p := range []netip.Prefix{i.IPv4, i.IPv6} {
				if !p.IsValid() {
					continue
				}
				if other, dup := seen[p.Addr()]; dup {
					b.v.AddErrorf("%s: address %s already assigned to %s", i, p.Addr(), other)
					continue
				}
				seen[p.Addr()] = i
			}
		}
	}
}

func (b *builder) parseExplicit(i *Interface, family, s string) netip.Prefix {
	if s == "" {
		return netip.Prefix{}
	}
	p, err := util.ParseInterfaceAddr(s)
	if err != nil {
		b.v.AddErrorf("%s: %v", i, err)
		return netip.Prefix{}
	}
	if p.Addr().Is4() != (family == "ipv4") {
		b.v.AddErrorf("%s: %s is not an %s address", i, s, family)
		return netip.Prefix{}
	}
	return p
}

func (b *builder) allocateLoopbacks() {
	v4, v6 := b.pools(b.f.LoPrefix)
	for _, name := range b.t.order {
		r := b.t.routers[name]
		if r.Loopback == nil {
			continue
		}
		ls := b.f.Routers[name].Links[r.Loopback.LinkKey]
		r.Loopback.IPv4 = b.loopbackAddr(r.Loopback, "ipv4", ls.IPv4, v4)
		r.Loopback.IPv6 = b.loopbackAddr(r.Loopback, "ipv6", ls.IPv6, v6)
	}
}

func (b *builder) loopbackAddr(i *Interface, family, s string, p *pool) netip.Prefix {
	if s != Auto {
		return b.parseExplicit(i, family, s)
	}
	if p == nil {
		b.v.AddErrorf("%s: %s auto requested but lo_prefix has no %s pool", i, family, family)
		return netip.Prefix{}
	}
	subnet, err := p.take()
	if err != nil {
		b.v.AddErrorf("%s: %v", i, err)
		return netip.Prefix{}
	}
	if subnet.Bits() == subnet.Addr().BitLen() {
		return subnet
	}
	host, err := util.HostInSubnet(subnet, 1)
	if err != nil {
		b.v.AddErrorf("%s: %v", i, err)
	}
	return host
}
