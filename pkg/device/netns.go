//go:build linux

package device

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

func (c *NetnsChannel) handle(router string) (*netlink.Handle, error) {
	ns, err := netns.GetFromName(c.nsName(router))
	if err != nil {
		return nil, fmt.Errorf("namespace %s: %w", c.nsName(router), err)
	}
	defer ns.Close()
	h, err := netlink.NewHandleAt(ns)
	if err != nil {
		return nil, fmt.Errorf("netlink handle in %s: %w", c.nsName(router), err)
	}
	return h, nil
}

// SetLinkAdmin sets the link up or down with netlink.
func (c *NetnsChannel) SetLinkAdmin(ctx context.Context, router, iface string, up bool) error {
	h, err := c.handle(router)
	if err != nil {
		return err
	}
	defer h.Delete()
	link, err := h.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("link %s: %w", iface, err)
	}
	if up {
		return h.LinkSetUp(link)
	}
	return h.LinkSetDown(link)
}

// LinkLocal lists the usable fe80::/10 addresses of an interface. Addresses
// still in duplicate address detection are skipped.
func (c *NetnsChannel) LinkLocal(ctx context.Context, router, iface string) ([]netip.Addr, error) {
	h, err := c.handle(router)
	if err != nil {
		return nil, err
	}
	defer h.Delete()
	link, err := h.LinkByName(iface)
	if err != nil {
		return nil, fmt.Errorf("link %s: %w", iface, err)
	}
	addrs, err := h.AddrList(link, netlink.FAMILY_V6)
	if err != nil {
		return nil, fmt.Errorf("addresses of %s: %w", iface, err)
	}
	var out []netip.Addr
	for _, a := range addrs {
		if a.IPNet == nil || a.Flags&unix.IFA_F_TENTATIVE != 0 {
			continue
		}
		ip, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			continue
		}
		if ip.Unmap().IsLinkLocalUnicast() {
			out = append(out, ip.Unmap())
		}
	}
	return out, nil
}
