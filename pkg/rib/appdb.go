package rib

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/newtron-network/newtconv/pkg/device"
	"github.com/newtron-network/newtconv/pkg/intent"
	"github.com/newtron-network/newtconv/pkg/util"
)

// AppDBSource reads ROUTE_TABLE from SONiC APP_DB (Redis DB 0), written by
// fpmsyncd from the kernel FIB. ECMP routes carry comma-separated nexthop
// and ifname fields.
type AppDBSource struct {
	fw device.RedisForwarder

	mu      sync.Mutex
	clients map[string]*redis.Client
}

// NewAppDBSource creates a source that reaches each router's Redis through fw.
func NewAppDBSource(fw device.RedisForwarder) *AppDBSource {
	return &AppDBSource{fw: fw, clients: map[string]*redis.Client{}}
}

func (s *AppDBSource) Table() Table { return TableAppDB }

func (s *AppDBSource) client(ctx context.Context, router string) (*redis.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[router]; ok {
		return c, nil
	}
	addr, err := s.fw.RedisAddr(ctx, router)
	if err != nil {
		return nil, fmt.Errorf("APP_DB of %s: %w", router, err)
	}
	c := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   0, // APP_DB
	})
	s.clients[router] = c
	return c, nil
}

// Snapshot scans ROUTE_TABLE of the default VRF.
func (s *AppDBSource) Snapshot(ctx context.Context, router string, afi intent.AFI) (*ObservedRouteSet, error) {
	c, err := s.client(ctx, router)
	if err != nil {
		return nil, err
	}
	keys, err := scanKeys(ctx, c, "ROUTE_TABLE:*")
	if err != nil {
		return nil, fmt.Errorf("scanning APP_DB of %s: %w", router, err)
	}

	pipe := c.Pipeline()
	cmds := make(map[string]*redis.StringStringMapCmd, len(keys))
	for _, key := range keys {
		cmds[key] = pipe.HGetAll(ctx, key)
	}
	if len(keys) > 0 {
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return nil, fmt.Errorf("reading APP_DB routes of %s: %w", router, err)
		}
	}

	set := newRouteSet(router, TableAppDB, afi)
	for key, cmd := range cmds {
		// Default VRF keys are ROUTE_TABLE:<prefix>; VRF routes add a
		// segment and IPv6 prefixes contain colons, so parse what follows
		// the table name as a whole first.
		prefixStr := strings.TrimPrefix(key, "ROUTE_TABLE:")
		p, err := netip.ParsePrefix(prefixStr)
		if err != nil {
			continue
		}
		if p.Addr().Is4() != (afi == intent.IPv4) {
			continue
		}
		for _, e := range appDBEntries(cmd.Val()) {
			set.add(p, e)
		}
	}
	return set, nil
}

// appDBEntries expands one ROUTE_TABLE hash into per-nexthop entries.
func appDBEntries(vals map[string]string) []Entry {
	if len(vals) == 0 || vals["blackhole"] == "true" {
		return nil
	}
	nexthops := strings.Split(vals["nexthop"], ",")
	interfaces := util.SplitCommaSeparated(vals["ifname"])
	var out []Entry
	for i, nh := range nexthops {
		hop := NextHop{}
		if a, err := netip.ParseAddr(strings.TrimSpace(nh)); err == nil && !a.IsUnspecified() {
			hop.IP = a.Unmap()
		}
		if i < len(interfaces) {
			hop.Interface = interfaces[i]
		}
		if !hop.IP.IsValid() && hop.Interface == "" {
			continue
		}
		out = append(out, Entry{NextHop: hop, Protocol: vals["protocol"], Selected: true})
	}
	return out
}

// scanKeys returns all keys matching pattern using SCAN.
func scanKeys(ctx context.Context, c *redis.Client, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := c.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// Close releases Redis clients.
func (s *AppDBSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, c := range s.clients {
		c.Close()
		delete(s.clients, name)
	}
	return nil
}
