package rule

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Family identifies the address family a CIDR belongs to.
type Family int

const (
	FamilyAny Family = iota // no address constraint, applies to both families
	FamilyIPv4
	FamilyIPv6
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	}
	return "any"
}

// anyAddrs are the spellings of "match every source/destination".
var anyAddrs = map[string]bool{
	"":          true,
	"any":       true,
	"0.0.0.0/0": true,
	"::/0":      true,
}

// IsAnyAddr reports whether the address specification is unrestricted.
func IsAnyAddr(s string) bool {
	return anyAddrs[strings.ToLower(strings.TrimSpace(s))]
}

// ParsePrefix parses an IP or CIDR string into a canonical prefix.
// A bare IP gets a full-length mask.
func ParsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid CIDR %q: %w", s, err)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid IP address %q: %w", s, err)
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// AddrFamily returns the family of an address specification.
// Unrestricted specs report FamilyAny.
func AddrFamily(s string) (Family, error) {
	if IsAnyAddr(s) {
		return FamilyAny, nil
	}
	p, err := ParsePrefix(s)
	if err != nil {
		return FamilyAny, err
	}
	if p.Addr().Is4() {
		return FamilyIPv4, nil
	}
	return FamilyIPv6, nil
}

// AddrsOverlap reports whether two address specifications can match the
// same host. "Any" overlaps with everything; otherwise standard
// network containment/intersection semantics apply. Malformed values
// are treated as overlapping so they surface through validation rather
// than silently suppressing a conflict.
func AddrsOverlap(a, b string) bool {
	if IsAnyAddr(a) || IsAnyAddr(b) {
		return true
	}
	pa, err := ParsePrefix(a)
	if err != nil {
		return true
	}
	pb, err := ParsePrefix(b)
	if err != nil {
		return true
	}
	if pa.Addr().Is4() != pb.Addr().Is4() {
		return false
	}
	return pa.Overlaps(pb)
}

// PortRange is an inclusive span of ports. Lo == 0 means "any port".
type PortRange struct {
	Lo, Hi int
}

// Any reports whether the range is unconstrained.
func (p PortRange) Any() bool { return p.Lo == 0 }

// Contains reports whether the range includes the given port.
func (p PortRange) Contains(port int) bool {
	if p.Any() {
		return true
	}
	return port >= p.Lo && port <= p.Hi
}

// String renders the range in the same syntax ParsePortRange accepts.
func (p PortRange) String() string {
	if p.Any() {
		return ""
	}
	if p.Lo == p.Hi {
		return strconv.Itoa(p.Lo)
	}
	return fmt.Sprintf("%d-%d", p.Lo, p.Hi)
}

// ParsePortRange parses "22", "8000-8100" or "" (any) into a PortRange.
func ParsePortRange(s string) (PortRange, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return PortRange{}, nil
	}

	lo, hi := s, s
	if idx := strings.IndexAny(s, "-:"); idx >= 0 {
		lo, hi = s[:idx], s[idx+1:]
	}

	l, err := strconv.Atoi(lo)
	if err != nil {
		return PortRange{}, fmt.Errorf("invalid port %q", s)
	}
	h, err := strconv.Atoi(hi)
	if err != nil {
		return PortRange{}, fmt.Errorf("invalid port %q", s)
	}
	if l < 1 || l > 65535 || h < 1 || h > 65535 {
		return PortRange{}, fmt.Errorf("port %q out of range 1-65535", s)
	}
	if h < l {
		return PortRange{}, fmt.Errorf("inverted port range %q", s)
	}
	return PortRange{Lo: l, Hi: h}, nil
}

// PortsOverlap reports whether two port specifications can match the
// same port. Absent specs match any port. Malformed specs are treated
// as overlapping, same rationale as AddrsOverlap.
func PortsOverlap(a, b string) bool {
	pa, err := ParsePortRange(a)
	if err != nil {
		return true
	}
	pb, err := ParsePortRange(b)
	if err != nil {
		return true
	}
	if pa.Any() || pb.Any() {
		return true
	}
	return pa.Lo <= pb.Hi && pb.Lo <= pa.Hi
}
