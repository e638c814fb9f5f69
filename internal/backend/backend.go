// Package backend contains the adapters that translate canonical rules
// into the native form of each supported packet-filter tool. Exactly
// one adapter is selected at startup and held for the process lifetime;
// each adapter keeps its tool's quirks isolated behind the Backend
// interface.
package backend

import (
	"context"
	"errors"

	"github.com/palisade-fw/palisade/internal/rule"
)

// ErrNoBackend is returned by Detect when no supported packet-filter
// tool is present on the host. This is fatal to startup.
var ErrNoBackend = errors.New("no supported firewall backend found")

// Status is the live state reported by a backend. It is always
// re-queried from the underlying tool; the system never treats its own
// bookkeeping as authoritative.
type Status struct {
	Enabled bool `json:"enabled"`

	// RuleCount is the number of rules the tool currently holds,
	// excluding the baseline chains set up by Initialize.
	RuleCount int `json:"rule_count"`

	// Zones lists active zone/profile names for tools that have them.
	Zones []string `json:"zones,omitempty"`

	// LoggingEnabled reports whether the tool is logging matched or
	// denied traffic.
	LoggingEnabled bool `json:"logging_enabled"`

	// DefaultDenyInbound reports whether unmatched inbound traffic is
	// dropped.
	DefaultDenyInbound bool `json:"default_deny_inbound"`
}

// TrustSets is the backend-level realization of host trust state.
type TrustSets struct {
	Verified    []string `json:"verified"`
	Compromised []string `json:"compromised"`
}

// Backend is the capability interface implemented once per concrete
// packet-filter tool.
type Backend interface {
	// Name returns the tool identifier, e.g. "ufw".
	Name() string

	// Available reports whether the tool is installed and usable.
	Available() bool

	// Initialize puts the backend into the known baseline: flush prior
	// state, default-deny inbound and forward, default-allow outbound,
	// loopback and established-connection passthrough, logging on.
	// Idempotent: a second call yields the same observable status.
	Initialize(ctx context.Context) error

	// ApplyRule realizes one rule in the tool's native form. A failure
	// affects only this rule; the caller accumulates per-rule results.
	ApplyRule(ctx context.Context, r rule.Rule) error

	// Enable makes the current rule set persistent across restarts.
	Enable(ctx context.Context) error

	// Status re-queries the tool for its live state.
	Status(ctx context.Context) (Status, error)

	// AddVerifiedHost adds a host to the backend-level verified set.
	AddVerifiedHost(ctx context.Context, addr string) error

	// RemoveVerifiedHost removes a host from the verified set.
	RemoveVerifiedHost(ctx context.Context, addr string) error

	// AddCompromisedHost adds a host to the compromised set, whose
	// members are dropped ahead of all policy rules.
	AddCompromisedHost(ctx context.Context, addr string) error

	// TrustSets returns the current trust set membership.
	TrustSets(ctx context.Context) (TrustSets, error)
}

// families returns which address families a rule must be realized in.
// A rule with no explicit addresses applies to both.
func families(r *rule.Rule) (v4, v6 bool, err error) {
	sf, err := rule.AddrFamily(r.Source)
	if err != nil {
		return false, false, err
	}
	df, err := rule.AddrFamily(r.Destination)
	if err != nil {
		return false, false, err
	}

	switch {
	case sf == rule.FamilyAny && df == rule.FamilyAny:
		return true, true, nil
	case sf == rule.FamilyAny:
		return df == rule.FamilyIPv4, df == rule.FamilyIPv6, nil
	case df == rule.FamilyAny:
		return sf == rule.FamilyIPv4, sf == rule.FamilyIPv6, nil
	case sf != df:
		return false, false, errors.New("source and destination address families differ")
	default:
		return sf == rule.FamilyIPv4, sf == rule.FamilyIPv6, nil
	}
}
