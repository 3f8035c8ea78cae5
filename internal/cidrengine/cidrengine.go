// Package cidrengine provides the primitive CIDR operations shared by the
// prefix store, tree service and allocator: parsing, comparison,
// containment, overlap, identifier rendering and lazy subnet enumeration
// (§4.1). All comparisons validate IP-version equality and refuse
// cross-family operations.
package cidrengine

import (
	"errors"
	"fmt"
	"iter"
	"math/big"
	"net/netip"
	"strings"

	"go4.org/netipx"
)

var (
	ErrInvalidCIDR    = errors.New("cidrengine: invalid CIDR")
	ErrFamilyMismatch = errors.New("cidrengine: IP family mismatch")
)

// Parse parses s into a canonical, masked netip.Prefix.
func Parse(s string) (netip.Prefix, error) {
	p, err := netip.ParsePrefix(strings.TrimSpace(s))
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w: %q: %v", ErrInvalidCIDR, s, err)
	}
	return p.Masked(), nil
}

// SameFamily reports whether a and b are both IPv4 or both IPv6.
func SameFamily(a, b netip.Prefix) bool {
	return a.Addr().Is4() == b.Addr().Is4()
}

// AddressWidth returns 32 for an IPv4 prefix and 128 for an IPv6 prefix.
func AddressWidth(p netip.Prefix) int {
	if p.Addr().Is4() {
		return 32
	}
	return 128
}

// Contains reports whether child is strictly contained in parent: same
// family, a strictly longer mask, and parent's network range fully covers
// child's.
func Contains(parent, child netip.Prefix) bool {
	if !SameFamily(parent, child) {
		return false
	}
	if child.Bits() <= parent.Bits() {
		return false
	}
	return parent.Overlaps(child)
}

// Overlaps reports whether a and b share any address, regardless of
// containment direction. Cross-family prefixes never overlap but the
// distinct error return lets callers treat it as a refused operation.
func Overlaps(a, b netip.Prefix) (bool, error) {
	if !SameFamily(a, b) {
		return false, ErrFamilyMismatch
	}
	return a.Overlaps(b), nil
}

// Equal reports whether a and b denote the same canonical network.
func Equal(a, b netip.Prefix) bool {
	return a.Masked() == b.Masked()
}

// CanonicalID renders p the way prefix identifiers require it (§6): IPv4
// dotted, IPv6 fully expanded, then every "/", "." and ":" replaced by "-".
func CanonicalID(p netip.Prefix) string {
	addr := p.Addr()
	var addrStr string
	if addr.Is4() {
		addrStr = addr.String()
	} else {
		addrStr = expandIPv6(addr)
	}
	s := fmt.Sprintf("%s/%d", addrStr, p.Bits())
	s = strings.ReplaceAll(s, "/", "-")
	s = strings.ReplaceAll(s, ".", "-")
	s = strings.ReplaceAll(s, ":", "-")
	return s
}

func expandIPv6(addr netip.Addr) string {
	a16 := addr.As16()
	parts := make([]string, 8)
	for i := 0; i < 8; i++ {
		parts[i] = fmt.Sprintf("%02x%02x", a16[i*2], a16[i*2+1])
	}
	return strings.Join(parts, ":")
}

// EnumerateSubnets lazily yields every subnet of length bits inside parent,
// in ascending address order. It yields nothing if bits < parent.Bits() or
// bits exceeds the address family's width — callers are expected to have
// already rejected those as InvalidRequest where that distinction matters.
// Laziness matters for IPv6: a (N, M) pair can have 2^(M-N) subnets, and the
// allocator only ever needs the first non-overlapping one.
func EnumerateSubnets(parent netip.Prefix, bits int) iter.Seq[netip.Prefix] {
	return func(yield func(netip.Prefix) bool) {
		if bits < parent.Bits() || bits > AddressWidth(parent) {
			return
		}
		is4 := parent.Addr().Is4()
		shift := uint(AddressWidth(parent) - bits)
		count := new(big.Int).Lsh(big.NewInt(1), uint(bits-parent.Bits()))
		base := prefixBaseInt(parent)
		one := big.NewInt(1)
		offset := new(big.Int)
		addrInt := new(big.Int)
		for i := new(big.Int); i.Cmp(count) < 0; i.Add(i, one) {
			offset.Lsh(i, shift)
			addrInt.Add(base, offset)
			addr := intToAddr(addrInt, is4)
			if !yield(netip.PrefixFrom(addr, bits)) {
				return
			}
		}
	}
}

func prefixBaseInt(p netip.Prefix) *big.Int {
	if p.Addr().Is4() {
		b := p.Addr().As4()
		return new(big.Int).SetBytes(b[:])
	}
	b := p.Addr().As16()
	return new(big.Int).SetBytes(b[:])
}

func intToAddr(v *big.Int, is4 bool) netip.Addr {
	if is4 {
		var b [4]byte
		bs := v.Bytes()
		copy(b[4-len(bs):], bs)
		return netip.AddrFrom4(b)
	}
	var b [16]byte
	bs := v.Bytes()
	copy(b[16-len(bs):], bs)
	return netip.AddrFrom16(b)
}

// OverlapSet aggregates a set of existing networks for fast repeated
// overlap testing against enumerated candidates, backed by go4.org/netipx's
// interval-set arithmetic rather than an O(n) scan per candidate.
type OverlapSet struct {
	set *netipx.IPSet
}

// NewOverlapSet builds an OverlapSet from existing, the current children (or
// siblings) a new candidate must not intersect.
func NewOverlapSet(existing []netip.Prefix) (*OverlapSet, error) {
	var b netipx.IPSetBuilder
	for _, p := range existing {
		b.AddPrefix(p)
	}
	s, err := b.IPSet()
	if err != nil {
		return nil, fmt.Errorf("cidrengine: build overlap set: %w", err)
	}
	return &OverlapSet{set: s}, nil
}

// Overlaps reports whether candidate intersects any prefix in the set.
func (o *OverlapSet) Overlaps(candidate netip.Prefix) bool {
	if o == nil || o.set == nil {
		return false
	}
	var b netipx.IPSetBuilder
	b.AddPrefix(candidate)
	single, err := b.IPSet()
	if err != nil {
		return false
	}
	return o.set.Overlaps(single)
}
