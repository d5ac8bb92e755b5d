//go:build !linux

package device

import (
	"context"
	"errors"
	"net/netip"
)

var errNoNetlink = errors.New("network namespaces require linux")

// SetLinkAdmin is unavailable off linux.
func (c *NetnsChannel) SetLinkAdmin(ctx context.Context, router, iface string, up bool) error {
	return errNoNetlink
}

// LinkLocal is unavailable off linux.
func (c *NetnsChannel) LinkLocal(ctx context.Context, router, iface string) ([]netip.Addr, error) {
	return nil, errNoNetlink
}
