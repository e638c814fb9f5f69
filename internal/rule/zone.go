package rule

import (
	"fmt"
	"strings"
)

// TrustLevel classifies how much a zone's traffic is trusted.
type TrustLevel string

const (
	TrustTrusted   TrustLevel = "trusted"
	TrustUntrusted TrustLevel = "untrusted"
	TrustDMZ       TrustLevel = "dmz"
	TrustInternal  TrustLevel = "internal"
)

// Valid reports whether the trust level is known.
func (t TrustLevel) Valid() bool {
	switch t {
	case TrustTrusted, TrustUntrusted, TrustDMZ, TrustInternal:
		return true
	}
	return false
}

// Zone is a named grouping of CIDR blocks that share a trust level and
// a default policy. Zones are expected to partition address space;
// overlapping zone CIDRs are a configuration warning, not an error.
type Zone struct {
	Name        string `hcl:"name,label" yaml:"name" json:"name"`
	Description string `hcl:"description,optional" yaml:"description,omitempty" json:"description,omitempty"`

	CIDRs           []string   `hcl:"cidrs,optional" yaml:"cidrs,omitempty" json:"cidrs,omitempty"`
	TrustLevel      TrustLevel `hcl:"trust_level,optional" yaml:"trust_level,omitempty" json:"trust_level,omitempty"`
	DefaultPolicy   Action     `hcl:"default_policy,optional" yaml:"default_policy,omitempty" json:"default_policy,omitempty"`
	AllowedServices []string   `hcl:"allowed_services,optional" yaml:"allowed_services,omitempty" json:"allowed_services,omitempty"`
}

// CheckRequired verifies the zone's mandatory fields and CIDR syntax.
func (z *Zone) CheckRequired() error {
	if strings.TrimSpace(z.Name) == "" {
		return fmt.Errorf("zone name is required")
	}
	if z.TrustLevel != "" && !z.TrustLevel.Valid() {
		return fmt.Errorf("zone %q: unknown trust level %q", z.Name, z.TrustLevel)
	}
	switch z.DefaultPolicy {
	case "", ActionAllow, ActionDeny:
	default:
		return fmt.Errorf("zone %q: default policy must be allow or deny, got %q", z.Name, z.DefaultPolicy)
	}
	for _, c := range z.CIDRs {
		if _, err := ParsePrefix(c); err != nil {
			return fmt.Errorf("zone %q: %w", z.Name, err)
		}
	}
	return nil
}

// EffectiveDefaultPolicy returns the default action, falling back to
// deny when unset.
func (z *Zone) EffectiveDefaultPolicy() Action {
	if z.DefaultPolicy == "" {
		return ActionDeny
	}
	return z.DefaultPolicy
}

// Contains reports whether the address falls inside any of the zone's
// CIDR blocks. Malformed zone CIDRs never match; they are caught by
// CheckRequired during validation.
func (z *Zone) Contains(addr string) bool {
	target, err := ParsePrefix(addr)
	if err != nil {
		return false
	}
	for _, c := range z.CIDRs {
		p, err := ParsePrefix(c)
		if err != nil {
			continue
		}
		if p.Overlaps(target) && p.Bits() <= target.Bits() {
			return true
		}
	}
	return false
}

// Overlaps reports whether any CIDR of z intersects any CIDR of other.
func (z *Zone) Overlaps(other *Zone) bool {
	for _, a := range z.CIDRs {
		for _, b := range other.CIDRs {
			if AddrsOverlap(a, b) && !IsAnyAddr(a) && !IsAnyAddr(b) {
				return true
			}
		}
	}
	return false
}
