// Package linklocal resolves the link-local addresses routers assign to
// their interfaces at bring-up.
//
// Addresses are resolved lazily and cached for the life of a test. The cache
// entry of an interface is dropped when the interface is administratively
// cycled, since the kernel may pick a new address.
package linklocal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"sync"

	"github.com/newtron-network/newtconv/pkg/device"
	"github.com/newtron-network/newtconv/pkg/poll"
	"github.com/newtron-network/newtconv/pkg/topology"
	"github.com/newtron-network/newtconv/pkg/util"
)

type key struct {
	router string
	iface  string
}

// Resolver resolves and caches link-local addresses.
type Resolver struct {
	topo *topology.Topology
	ch   device.Channel

	mu     sync.Mutex
	cache  map[key]netip.Addr
	owners map[netip.Addr]key
}

// New creates a resolver querying routers through ch.
func New(topo *topology.Topology, ch device.Channel) *Resolver {
	return &Resolver{
		topo:   topo,
		ch:     ch,
		cache:  map[key]netip.Addr{},
		owners: map[netip.Addr]key{},
	}
}

// interfaceName maps a link key or interface name to the kernel name.
func (r *Resolver) interfaceName(router, ref string) (string, error) {
	rt, err := r.topo.Router(router)
	if err != nil {
		return "", err
	}
	i, err := rt.Lookup(ref)
	if err != nil {
		return "", err
	}
	return i.Name, nil
}

// Resolve returns the interface's link-local address. ok is false while the
// interface has none yet; that is not an error.
func (r *Resolver) Resolve(ctx context.Context, router, iface string) (addr netip.Addr, ok bool, err error) {
	name, err := r.interfaceName(router, iface)
	if err != nil {
		return netip.Addr{}, false, err
	}
	k := key{router, name}

	r.mu.Lock()
	cached, hit := r.cache[k]
	r.mu.Unlock()
	if hit {
		return cached, true, nil
	}

	addrs, err := r.query(ctx, router, name)
	if err != nil {
		return netip.Addr{}, false, err
	}
	if len(addrs) == 0 {
		return netip.Addr{}, false, nil
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Less(addrs[j]) })
	addr = addrs[0]

	r.store(k, addr)
	util.WithInterface(router, name).Debugf("link-local %s", addr)
	return addr, true, nil
}

// store records addr for k, dropping whatever either side mapped to before
// so owners and cache stay inverse.
func (r *Resolver) store(k key, addr netip.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.cache[k]; ok && prev != addr {
		delete(r.owners, prev)
	}
	if prevKey, ok := r.owners[addr]; ok && prevKey != k {
		delete(r.cache, prevKey)
	}
	r.cache[k] = addr
	r.owners[addr] = k
}

// Await polls Resolve until an address appears. When none does in time the
// error is a *util.ResolutionUnavailableError.
func (r *Resolver) Await(ctx context.Context, router, iface string, opts poll.Options) (netip.Addr, error) {
	if opts.What == "" {
		opts.What = fmt.Sprintf("link-local address of %s %s", router, iface)
	}
	res := poll.Until(ctx, opts, func(ctx context.Context) (netip.Addr, bool, error) {
		a, ok, err := r.Resolve(ctx, router, iface)
		if errors.Is(err, util.ErrNotFound) {
			return a, false, poll.Permanent(err)
		}
		return a, ok, err
	})
	if res.OK {
		return res.Last, nil
	}
	if errors.Is(res.Err, util.ErrConvergenceTimeout) {
		return netip.Addr{}, &util.ResolutionUnavailableError{Router: router, Interface: iface}
	}
	return netip.Addr{}, res.Err
}

// ResolveAll resolves every link interface of the given routers in
// parallel. Interfaces without an address yet are skipped.
func (r *Resolver) ResolveAll(ctx context.Context, routers []string) error {
	var keys []string
	for _, name := range routers {
		rt, err := r.topo.Router(name)
		if err != nil {
			return err
		}
		for _, i := range rt.Interfaces {
			keys = append(keys, name+"/"+i.Name)
		}
	}
	return poll.All(ctx, keys, func(ctx context.Context, k string) error {
		router, iface, _ := strings.Cut(k, "/")
		_, _, err := r.Resolve(ctx, router, iface)
		return err
	})
}

// Invalidate drops the cached address of an interface.
func (r *Resolver) Invalidate(router, iface string) {
	name, err := r.interfaceName(router, iface)
	if err != nil {
		name = iface
	}
	k := key{router, name}
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.cache[k]; ok {
		delete(r.owners, a)
		delete(r.cache, k)
	}
}

// Flush drops every cached address.
func (r *Resolver) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = map[key]netip.Addr{}
	r.owners = map[netip.Addr]key{}
}

// Owner returns the interface a resolved address belongs to.
func (r *Resolver) Owner(addr netip.Addr) (router, iface string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.owners[addr]
	return k.router, k.iface, ok
}

// Cached returns the cached address, if any, without querying the router.
func (r *Resolver) Cached(router, iface string) (netip.Addr, bool) {
	name, err := r.interfaceName(router, iface)
	if err != nil {
		return netip.Addr{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.cache[key{router, name}]
	return a, ok
}

func (r *Resolver) query(ctx context.Context, router, iface string) ([]netip.Addr, error) {
	if la, ok := r.ch.(device.LinkAddresser); ok {
		return la.LinkLocal(ctx, router, iface)
	}
	out, err := r.ch.Exec(ctx, router, "show interface "+iface+" json")
	if err != nil {
		return nil, err
	}
	return parseInterfaceJSON(iface, []byte(out))
}

// parseInterfaceJSON extracts link-local addresses from
// "show interface <name> json".
func parseInterfaceJSON(iface string, data []byte) ([]netip.Addr, error) {
	var doc map[string]struct {
		IPAddresses []struct {
			Address string `json:"address"`
		} `json:"ipAddresses"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing interface %s: %w", iface, err)
	}
	var out []netip.Addr
	for _, a := range doc[iface].IPAddresses {
		p, err := netip.ParsePrefix(a.Address)
		if err != nil {
			continue
		}
		if p.Addr().IsLinkLocalUnicast() && p.Addr().Is6() {
			out = append(out, p.Addr())
		}
	}
	return out, nil
}
