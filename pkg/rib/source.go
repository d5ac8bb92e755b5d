package rib

import (
	"context"

	"github.com/newtron-network/newtconv/pkg/device"
	"github.com/newtron-network/newtconv/pkg/intent"
)

// Source takes snapshots of one routing table.
type Source interface {
	Table() Table
	Snapshot(ctx context.Context, router string, afi intent.AFI) (*ObservedRouteSet, error)
}

// BGPSource reads the BGP Loc-RIB through vtysh.
type BGPSource struct {
	Channel device.Channel
}

func (s *BGPSource) Table() Table { return TableBGP }

// Snapshot runs "show bgp <afi> unicast json".
func (s *BGPSource) Snapshot(ctx context.Context, router string, afi intent.AFI) (*ObservedRouteSet, error) {
	out, err := s.Channel.Exec(ctx, router, bgpTableCommand(afi))
	if err != nil {
		return nil, err
	}
	return ParseBGPTable(router, afi, []byte(out))
}

// ZebraSource reads the zebra RIB through vtysh.
type ZebraSource struct {
	Channel device.Channel
}

func (s *ZebraSource) Table() Table { return TableRIB }

// Snapshot runs "show ip route json" or "show ipv6 route json".
func (s *ZebraSource) Snapshot(ctx context.Context, router string, afi intent.AFI) (*ObservedRouteSet, error) {
	out, err := s.Channel.Exec(ctx, router, zebraCommand(afi))
	if err != nil {
		return nil, err
	}
	return ParseZebraRoutes(router, afi, []byte(out))
}

// SourceFor returns the vtysh-backed source for a table name.
func SourceFor(table Table, ch device.Channel) (Source, bool) {
	switch table {
	case TableBGP:
		return &BGPSource{Channel: ch}, true
	case TableRIB, "":
		return &ZebraSource{Channel: ch}, true
	case TableAppDB:
		if fw, ok := ch.(device.RedisForwarder); ok {
			return NewAppDBSource(fw), true
		}
	}
	return nil, false
}
