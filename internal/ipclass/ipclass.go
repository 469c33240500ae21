// Package ipclass classifies client addresses: range and CIDR membership and the
// well-known private, loopback and link-local blocks. All functions are pure and
// report false on malformed input instead of failing.
package ipclass

import (
	"bytes"
	"net"
	"strconv"
	"strings"
)

var (
	private4 = []*net.IPNet{
		mustCIDR("10.0.0.0/8"),
		mustCIDR("172.16.0.0/12"),
		mustCIDR("192.168.0.0/16"),
	}
	loopback4  = mustCIDR("127.0.0.0/8")
	linkLocal4 = mustCIDR("169.254.0.0/16")
)

func mustCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

// Parse parses a textual address, tolerating surrounding brackets and whitespace.
// IPv4 and IPv4-mapped IPv6 addresses are returned in 4-byte form.
func Parse(s string) net.IP {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	return normalize(net.ParseIP(s))
}

// normalize unwraps IPv4 (including IPv4-mapped IPv6) to 4 bytes and returns
// every other valid address in 16-byte form.
func normalize(ip net.IP) net.IP {
	if ip == nil {
		return nil
	}
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	if len(ip) == net.IPv6len {
		return ip
	}
	return nil
}

// InRange reports whether ip lies in the inclusive range [start, end], comparing raw
// address bytes. Addresses of different families never match.
func InRange(ip net.IP, start, end string) bool {
	addr := normalize(ip)
	lo, hi := Parse(start), Parse(end)
	if addr == nil || lo == nil || hi == nil {
		return false
	}
	if len(addr) != len(lo) || len(addr) != len(hi) {
		return false
	}
	return bytes.Compare(addr, lo) >= 0 && bytes.Compare(addr, hi) <= 0
}

// InCIDR reports whether ip belongs to the "network/prefixLength" block.
func InCIDR(ip net.IP, cidr string) bool {
	network, prefix, ok := splitCIDR(cidr)
	if !ok {
		return false
	}
	addr := normalize(ip)
	if addr == nil || len(addr) != len(network) {
		return false
	}
	return maskedEqual(addr, network, prefix)
}

// ParseCIDR returns the first (network) and last (broadcast) address of a block.
func ParseCIDR(cidr string) (start, end net.IP, ok bool) {
	network, prefix, ok := splitCIDR(cidr)
	if !ok {
		return nil, nil, false
	}
	mask := net.CIDRMask(prefix, len(network)*8)
	start = make(net.IP, len(network))
	end = make(net.IP, len(network))
	for i := range network {
		start[i] = network[i] & mask[i]
		end[i] = network[i] | ^mask[i]
	}
	return start, end, true
}

func splitCIDR(cidr string) (net.IP, int, bool) {
	cidr = strings.TrimSpace(cidr)
	i := strings.LastIndexByte(cidr, '/')
	if i <= 0 || i == len(cidr)-1 {
		return nil, 0, false
	}
	network := Parse(cidr[:i])
	if network == nil {
		return nil, 0, false
	}
	digits := cidr[i+1:]
	for _, c := range digits {
		if c < '0' || c > '9' {
			return nil, 0, false
		}
	}
	prefix, err := strconv.Atoi(digits)
	if err != nil || prefix < 0 || prefix > len(network)*8 {
		return nil, 0, false
	}
	return network, prefix, true
}

// maskedEqual compares the first prefix bits of a and b, which must be the same length.
func maskedEqual(a, b net.IP, prefix int) bool {
	full := prefix / 8
	if !bytes.Equal(a[:full], b[:full]) {
		return false
	}
	rem := prefix % 8
	if rem == 0 {
		return true
	}
	mask := byte(0xff << (8 - rem))
	return a[full]&mask == b[full]&mask
}

// IsPrivate reports RFC 1918 IPv4 and fc00::/7 unique-local IPv6 addresses.
func IsPrivate(ip net.IP) bool {
	addr := normalize(ip)
	switch len(addr) {
	case net.IPv4len:
		for _, n := range private4 {
			if n.Contains(addr) {
				return true
			}
		}
		return false
	case net.IPv6len:
		return addr[0]&0xfe == 0xfc
	}
	return false
}

// IsLoopback reports 127.0.0.0/8 and ::1.
func IsLoopback(ip net.IP) bool {
	addr := normalize(ip)
	switch len(addr) {
	case net.IPv4len:
		return loopback4.Contains(addr)
	case net.IPv6len:
		return addr.Equal(net.IPv6loopback)
	}
	return false
}

// IsLinkLocal reports 169.254.0.0/16 and fe80::/10.
func IsLinkLocal(ip net.IP) bool {
	addr := normalize(ip)
	switch len(addr) {
	case net.IPv4len:
		return linkLocal4.Contains(addr)
	case net.IPv6len:
		return addr[0] == 0xfe && addr[1]&0xc0 == 0x80
	}
	return false
}

// IsPublic reports addresses that are neither private nor loopback.
// Invalid addresses are not public.
func IsPublic(ip net.IP) bool {
	if normalize(ip) == nil {
		return false
	}
	return !IsPrivate(ip) && !IsLoopback(ip)
}
