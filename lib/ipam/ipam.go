// Package ipam allocates IPv4 host addresses for new peers inside the address
// block of a WireGuard interface.
//
// Allocation is stateless: the lowest free host address is always chosen, so
// repeated calls with the same occupied set return the same result.
package ipam

import (
	"encoding/binary"
	"net/netip"
	"slices"
	"strings"
)

// DefaultPrefix is the prefix length assumed when an interface address has none.
const DefaultPrefix = 24

// FirstAvailable returns the lowest host address strictly between the network
// and broadcast addresses of the block anchored at the lowest occupied
// address. Entries that are not IPv4 addresses are skipped.
//
// It returns false when occupied holds no usable anchor, when prefix is
// outside 0..32, or when every host address is taken.
func FirstAvailable(occupied []string, prefix int) (string, bool) {
	if prefix < 0 || prefix > 32 {
		return "", false
	}

	taken := make(map[uint32]struct{}, len(occupied))
	values := make([]uint32, 0, len(occupied))
	for _, raw := range occupied {
		v, ok := toUint32(Host(raw))
		if !ok {
			continue
		}
		if _, dup := taken[v]; dup {
			continue
		}
		taken[v] = struct{}{}
		values = append(values, v)
	}
	if len(values) == 0 {
		return "", false
	}
	slices.Sort(values)

	network, broadcast := block(values[0], prefix)
	for candidate := uint64(network) + 1; candidate < uint64(broadcast); candidate++ {
		if _, used := taken[uint32(candidate)]; !used {
			return fromUint32(uint32(candidate)), true
		}
	}
	return "", false
}

// Bounds returns the network and broadcast addresses of the block containing addr.
func Bounds(addr string, prefix int) (network, broadcast string, ok bool) {
	if prefix < 0 || prefix > 32 {
		return "", "", false
	}
	v, ok := toUint32(Host(addr))
	if !ok {
		return "", "", false
	}
	n, b := block(v, prefix)
	return fromUint32(n), fromUint32(b), true
}

// Contains reports whether addr is a host address of the block anchored at
// anchor, excluding the network and broadcast addresses.
func Contains(anchor string, prefix int, addr string) bool {
	if prefix < 0 || prefix > 32 {
		return false
	}
	a, ok := toUint32(Host(anchor))
	if !ok {
		return false
	}
	v, ok := toUint32(Host(addr))
	if !ok {
		return false
	}
	network, broadcast := block(a, prefix)
	return v > network && v < broadcast
}

// Host strips a trailing "/len" and surrounding whitespace from an address.
func Host(addr string) string {
	addr = strings.TrimSpace(addr)
	if i := strings.IndexByte(addr, '/'); i >= 0 {
		addr = addr[:i]
	}
	return strings.TrimSpace(addr)
}

// IsIPv4 reports whether s (after Host) is a dotted-quad IPv4 address.
func IsIPv4(s string) bool {
	_, ok := toUint32(Host(s))
	return ok
}

func block(v uint32, prefix int) (network, broadcast uint32) {
	// Shifting by 32 yields 0, which is the /0 mask.
	mask := ^uint32(0) << (32 - uint(prefix))
	network = v & mask
	broadcast = network | ^mask
	return network, broadcast
}

func toUint32(s string) (uint32, bool) {
	ip, err := netip.ParseAddr(s)
	if err != nil || !ip.Is4() {
		return 0, false
	}
	b := ip.As4()
	return binary.BigEndian.Uint32(b[:]), true
}

func fromUint32(v uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b).String()
}
