package linklocal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/newtron-network/newtconv/internal/testutil"
	"github.com/newtron-network/newtconv/pkg/poll"
	"github.com/newtron-network/newtconv/pkg/util"
)

func TestResolveCaches(t *testing.T) {
	topo := testutil.Topology(t, testutil.PairEBGP)
	f := testutil.StartFabric(t, topo)
	r := New(topo, f)
	ctx := testutil.Context(t)

	// A link key and the interface name address the same interface.
	a, ok, err := r.Resolve(ctx, "r1", "r2-link0")
	if err != nil || !ok {
		t.Fatalf("Resolve = %v, %v, %v", a, ok, err)
	}
	if want := f.LinkLocalOf("r1", "r1-r2-eth0"); a != want {
		t.Errorf("address = %s, want %s", a, want)
	}

	queries := f.Queries()
	b, ok, err := r.Resolve(ctx, "r1", "r1-r2-eth0")
	if err != nil || !ok || b != a {
		t.Fatalf("second Resolve = %v, %v, %v", b, ok, err)
	}
	if f.Queries() != queries {
		t.Error("cached address was queried again")
	}

	router, iface, ok := r.Owner(a)
	if !ok || router != "r1" || iface != "r1-r2-eth0" {
		t.Errorf("Owner(%s) = %s, %s, %v", a, router, iface, ok)
	}
	if c, ok := r.Cached("r1", "r2-link0"); !ok || c != a {
		t.Errorf("Cached = %v, %v", c, ok)
	}
}

func TestInvalidateAfterCycle(t *testing.T) {
	topo := testutil.Topology(t, testutil.PairEBGP)
	f := testutil.StartFabric(t, topo)
	r := New(topo, f)
	ctx := testutil.Context(t)

	old, _, err := r.Resolve(ctx, "r2", "r2-r1-eth1")
	if err != nil {
		t.Fatal(err)
	}
	for _, up := range []bool{false, true} {
		if err := f.SetLinkAdmin(ctx, "r2", "r2-r1-eth1", up); err != nil {
			t.Fatal(err)
		}
	}
	r.Invalidate("r2", "r2-r1-eth1")
	if _, _, ok := r.Owner(old); ok {
		t.Errorf("Owner(%s) still known after invalidation", old)
	}
	cur, ok, err := r.Resolve(ctx, "r2", "r2-r1-eth1")
	if err != nil || !ok {
		t.Fatalf("Resolve = %v, %v", ok, err)
	}
	if cur == old {
		t.Errorf("address %s did not change across a cycle", cur)
	}
}

func TestResolveReplacesStaleOwner(t *testing.T) {
	topo := testutil.Topology(t, testutil.PairEBGP)
	f := testutil.StartFabric(t, topo)
	r := New(topo, f)
	ctx := testutil.Context(t)

	old, _, err := r.Resolve(ctx, "r2", "r2-r1-eth1")
	if err != nil {
		t.Fatal(err)
	}
	for _, up := range []bool{false, true} {
		if err := f.SetLinkAdmin(ctx, "r2", "r2-r1-eth1", up); err != nil {
			t.Fatal(err)
		}
	}
	// A lookup that missed the cache before the cycle stores the new
	// address without an invalidation in between.
	r.mu.Lock()
	delete(r.cache, key{"r2", "r2-r1-eth1"})
	r.mu.Unlock()
	cur, ok, err := r.Resolve(ctx, "r2", "r2-r1-eth1")
	if err != nil || !ok {
		t.Fatalf("Resolve = %v, %v", ok, err)
	}
	if cur == old {
		t.Fatalf("address %s did not change across a cycle", cur)
	}
	if _, _, ok := r.Owner(old); ok {
		t.Errorf("Owner(%s) still known after the address changed to %s", old, cur)
	}
	if router, iface, ok := r.Owner(cur); !ok || router != "r2" || iface != "r2-r1-eth1" {
		t.Errorf("Owner(%s) = %s %s %v", cur, router, iface, ok)
	}

	// An address reported by another interface moves its owner.
	r.store(key{"r2", "r2-r1-eth0"}, cur)
	if _, ok := r.Cached("r2", "r2-r1-eth1"); ok {
		t.Error("r2-r1-eth1 still cached with an address now owned by r2-r1-eth0")
	}
	if _, iface, _ := r.Owner(cur); iface != "r2-r1-eth0" {
		t.Errorf("Owner(%s) = %s, want r2-r1-eth0", cur, iface)
	}
}

func TestResolvePending(t *testing.T) {
	topo := testutil.Topology(t, testutil.PairEBGP)
	f := testutil.StartFabric(t, topo)
	f.LinkLocalDelay = 2
	r := New(topo, f)
	ctx := testutil.Context(t)

	for _, up := range []bool{false, true} {
		if err := f.SetLinkAdmin(ctx, "r1", "r1-r2-eth1", up); err != nil {
			t.Fatal(err)
		}
	}
	if _, ok, err := r.Resolve(ctx, "r1", "r1-r2-eth1"); ok || err != nil {
		t.Fatalf("Resolve during bring-up = %v, %v; want not ok, no error", ok, err)
	}
	a, err := r.Await(ctx, "r1", "r1-r2-eth1", poll.Options{Timeout: time.Second, Interval: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if want := f.LinkLocalOf("r1", "r1-r2-eth1"); a != want {
		t.Errorf("Await = %s, want %s", a, want)
	}
}

func TestAwaitErrors(t *testing.T) {
	topo := testutil.Topology(t, testutil.PairEBGP)
	f := testutil.StartFabric(t, topo)
	r := New(topo, f)
	ctx := testutil.Context(t)
	opts := poll.Options{Timeout: 50 * time.Millisecond, Interval: 5 * time.Millisecond}

	if _, err := r.Await(ctx, "r1", "r1-r9-eth0", opts); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("unknown interface: err = %v, want ErrNotFound", err)
	}

	if err := f.SetLinkAdmin(ctx, "r1", "r1-r2-eth0", false); err != nil {
		t.Fatal(err)
	}
	_, err := r.Await(ctx, "r1", "r1-r2-eth0", opts)
	var unavailable *util.ResolutionUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("down interface: err = %v, want ResolutionUnavailableError", err)
	}
	if !errors.Is(err, util.ErrResolutionUnavailable) {
		t.Errorf("%v does not match ErrResolutionUnavailable", err)
	}
}

func TestResolveAll(t *testing.T) {
	topo := testutil.Topology(t, testutil.PairEBGP)
	f := testutil.StartFabric(t, topo)
	r := New(topo, f)

	if err := r.ResolveAll(context.Background(), topo.RouterNames()); err != nil {
		t.Fatal(err)
	}
	for _, rt := range topo.Routers() {
		for _, i := range rt.Interfaces {
			if _, ok := r.Cached(rt.Name, i.Name); !ok {
				t.Errorf("%s not resolved", i)
			}
		}
	}
	if err := r.ResolveAll(context.Background(), []string{"r9"}); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("unknown router: err = %v, want ErrNotFound", err)
	}
}

func TestParseInterfaceJSON(t *testing.T) {
	doc := `{"eth0": {"ipAddresses": [
		{"address": "10.0.0.1/24"},
		{"address": "fd00::1/64"},
		{"address": "fe80::1/64"}]}}`
	got, err := parseInterfaceJSON("eth0", []byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].String() != "fe80::1" {
		t.Errorf("parseInterfaceJSON = %v, want [fe80::1]", got)
	}
	if _, err := parseInterfaceJSON("eth0", []byte("not json")); err == nil {
		t.Error("malformed output: want error")
	}
}

func TestFlush(t *testing.T) {
	topo := testutil.Topology(t, testutil.PairEBGP)
	f := testutil.StartFabric(t, topo)
	r := New(topo, f)

	a, ok, err := r.Resolve(testutil.Context(t), "r2", "r1-link0")
	if err != nil || !ok {
		t.Fatalf("Resolve = %v, %v", ok, err)
	}
	r.Flush()
	if _, ok := r.Cached("r2", "r2-r1-eth0"); ok {
		t.Error("address still cached after Flush")
	}
	if _, _, ok := r.Owner(a); ok {
		t.Error("owner still known after Flush")
	}
}
