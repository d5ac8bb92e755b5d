package util

import (
	"fmt"
	"net/netip"
)

// ParseInterfaceAddr parses "addr/len" keeping the host bits, as written on
// an interface ("10.0.0.1/24" stays 10.0.0.1/24).
func ParseInterfaceAddr(cidr string) (netip.Prefix, error) {
	p, err := netip.ParsePrefix(cidr)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid CIDR notation: %s", cidr)
	}
	return p, nil
}

// AddToAddr returns a + n within the address family of a.
func AddToAddr(a netip.Addr, n uint64) (netip.Addr, error) {
	b := a.As16()
	carry := n
	for i := 15; i >= 0 && carry > 0; i-- {
		sum := uint64(b[i]) + (carry & 0xff)
		b[i] = byte(sum)
		carry = (carry >> 8) + (sum >> 8)
	}
	out := netip.AddrFrom16(b)
	if a.Is4() {
		if carry > 0 || !out.Is4In6() {
			return netip.Addr{}, fmt.Errorf("%s + %d overflows IPv4", a, n)
		}
		return out.Unmap(), nil
	}
	if carry > 0 {
		return netip.Addr{}, fmt.Errorf("%s + %d overflows IPv6", a, n)
	}
	return out, nil
}

// fitsHost reports whether n is a host offset inside a prefix of p's length.
func fitsHost(p netip.Prefix, n uint64) bool {
	hostBits := p.Addr().BitLen() - p.Bits()
	return hostBits >= 64 || n < 1<<uint(hostBits)
}

// NextSubnet returns the prefix of the same length directly following p.
// The increment is done on the 128-bit address so /64 and shorter IPv6
// prefixes step by a whole subnet.
func NextSubnet(p netip.Prefix) (netip.Prefix, error) {
	p = p.Masked()
	if p.Bits() == 0 {
		return netip.Prefix{}, fmt.Errorf("%s has no next subnet", p)
	}
	b := p.Addr().As16()
	bit := p.Bits() - 1
	if p.Addr().Is4() {
		bit += 96
	}
	i := bit / 8
	inc := 1 << uint(7-bit%8)
	for ; i >= 0; i-- {
		sum := int(b[i]) + inc
		b[i] = byte(sum)
		if sum < 256 {
			break
		}
		inc = 1
	}
	next := netip.AddrFrom16(b)
	if i < 0 || (p.Addr().Is4() && !next.Is4In6()) {
		return netip.Prefix{}, fmt.Errorf("no subnet after %s", p)
	}
	if p.Addr().Is4() {
		next = next.Unmap()
	}
	return netip.PrefixFrom(next, p.Bits()), nil
}

// ExpandPrefixes returns count consecutive prefixes starting at network,
// each one subnet apart: ("11.0.20.1/32", 3) yields .1, .2 and .3.
func ExpandPrefixes(network string, count int) ([]netip.Prefix, error) {
	p, err := netip.ParsePrefix(network)
	if err != nil {
		return nil, fmt.Errorf("invalid network %q: %w", network, err)
	}
	if count < 1 {
		count = 1
	}
	out := make([]netip.Prefix, 0, count)
	cur := p.Masked()
	for i := 0; i < count; i++ {
		out = append(out, cur)
		if i == count-1 {
			break
		}
		if cur, err = NextSubnet(cur); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// HostInSubnet returns the n-th address of subnet p with p's prefix length.
func HostInSubnet(p netip.Prefix, n uint64) (netip.Prefix, error) {
	if !fitsHost(p, n) {
		return netip.Prefix{}, fmt.Errorf("host %d outside %s", n, p)
	}
	a, err := AddToAddr(p.Masked().Addr(), n)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(a, p.Bits()), nil
}

const maxASN = 4294967295 // max uint32, 4-byte ASN range

// ValidateASN checks if an AS number is valid (1 to 4294967295).
func ValidateASN(asn int64) error {
	if asn < 1 || asn > maxASN {
		return fmt.Errorf("AS number must be between 1 and %d, got %d", maxASN, asn)
	}
	return nil
}
