// Package rule defines the canonical, backend-agnostic firewall rule
// model: rules, the policies that group them, and network zones. The
// types here are pure data plus validation helpers; nothing in this
// package touches a backend.
package rule

import (
	"fmt"
	"strings"
)

// Action is what a rule does with matching traffic.
type Action string

const (
	ActionAllow  Action = "allow"
	ActionDeny   Action = "deny"
	ActionReject Action = "reject"
	ActionLog    Action = "log"
)

// Valid reports whether the action is one of the known verbs.
func (a Action) Valid() bool {
	switch a {
	case ActionAllow, ActionDeny, ActionReject, ActionLog:
		return true
	}
	return false
}

// Terminal reports whether the action decides the fate of a packet
// (log-only rules fall through to later rules).
func (a Action) Terminal() bool {
	return a == ActionAllow || a == ActionDeny || a == ActionReject
}

// Direction is the traffic direction a rule matches.
type Direction string

const (
	DirectionIn      Direction = "in"
	DirectionOut     Direction = "out"
	DirectionForward Direction = "forward"
)

// Valid reports whether the direction is known.
func (d Direction) Valid() bool {
	switch d {
	case DirectionIn, DirectionOut, DirectionForward:
		return true
	}
	return false
}

// Rule is a single access-control directive. Rules are immutable once
// applied; changing one means re-applying the owning policy.
type Rule struct {
	Name        string    `hcl:"name,label" yaml:"name" json:"name"`
	Action      Action    `hcl:"action" yaml:"action" json:"action"`
	Direction   Direction `hcl:"direction" yaml:"direction" json:"direction"`
	Protocol    string    `hcl:"proto,optional" yaml:"proto,omitempty" json:"proto,omitempty"`
	Port        string    `hcl:"port,optional" yaml:"port,omitempty" json:"port,omitempty"`
	Source      string    `hcl:"source,optional" yaml:"source,omitempty" json:"source,omitempty"`
	Destination string    `hcl:"dest,optional" yaml:"dest,omitempty" json:"dest,omitempty"`
	Interface   string    `hcl:"interface,optional" yaml:"interface,omitempty" json:"interface,omitempty"`
	Priority    int       `hcl:"priority,optional" yaml:"priority,omitempty" json:"priority,omitempty"`
	Disabled    bool      `hcl:"disabled,optional" yaml:"disabled,omitempty" json:"disabled,omitempty"`
	Description string    `hcl:"description,optional" yaml:"description,omitempty" json:"description,omitempty"`

	// ComplianceTags names the framework checks this rule is meant to
	// satisfy, e.g. "baseline:admin-access".
	ComplianceTags []string `hcl:"compliance_tags,optional" yaml:"compliance_tags,omitempty" json:"compliance_tags,omitempty"`
}

// New constructs a rule, enforcing the required fields.
func New(name string, action Action, direction Direction) (Rule, error) {
	r := Rule{Name: name, Action: action, Direction: direction, Protocol: "any"}
	if err := r.CheckRequired(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

// CheckRequired verifies name, action and direction are present and known.
func (r *Rule) CheckRequired() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("rule name is required")
	}
	if r.Action == "" {
		return fmt.Errorf("rule %q: action is required", r.Name)
	}
	if !r.Action.Valid() {
		return fmt.Errorf("rule %q: unknown action %q", r.Name, r.Action)
	}
	if r.Direction == "" {
		return fmt.Errorf("rule %q: direction is required", r.Name)
	}
	if !r.Direction.Valid() {
		return fmt.Errorf("rule %q: unknown direction %q", r.Name, r.Direction)
	}
	return nil
}

// Enabled reports whether the rule should be realized in a backend.
func (r *Rule) Enabled() bool {
	return !r.Disabled
}

// NormalProtocol returns the protocol with "" and "any" collapsed to "any".
func (r *Rule) NormalProtocol() string {
	p := strings.ToLower(strings.TrimSpace(r.Protocol))
	if p == "" || p == "all" {
		return "any"
	}
	return p
}

// Unconstrained reports whether the rule matches all traffic: no port,
// no source, no destination and no protocol restriction. Such allow
// rules are flagged by validation as risky but not rejected.
func (r *Rule) Unconstrained() bool {
	return r.Port == "" &&
		IsAnyAddr(r.Source) &&
		IsAnyAddr(r.Destination) &&
		r.NormalProtocol() == "any"
}

// ConflictsWith reports whether two rules contradict each other: opposite
// actions (allow vs deny/reject), identical direction and protocol,
// overlapping ports, and overlapping source and destination networks.
// An absent address or port is treated as "any" and overlaps everything.
// The predicate is symmetric.
func (r *Rule) ConflictsWith(other *Rule) bool {
	if !oppositeActions(r.Action, other.Action) {
		return false
	}
	if r.Direction != other.Direction {
		return false
	}
	if r.NormalProtocol() != other.NormalProtocol() {
		return false
	}
	if !PortsOverlap(r.Port, other.Port) {
		return false
	}
	if !AddrsOverlap(r.Source, other.Source) {
		return false
	}
	return AddrsOverlap(r.Destination, other.Destination)
}

func oppositeActions(a, b Action) bool {
	if a == ActionAllow {
		return b == ActionDeny || b == ActionReject
	}
	if b == ActionAllow {
		return a == ActionDeny || a == ActionReject
	}
	return false
}

// String renders a compact one-line summary used in logs and reports.
func (r *Rule) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", r.Name, r.Action, r.Direction)
	if p := r.NormalProtocol(); p != "any" {
		fmt.Fprintf(&b, " proto=%s", p)
	}
	if r.Port != "" {
		fmt.Fprintf(&b, " port=%s", r.Port)
	}
	if !IsAnyAddr(r.Source) {
		fmt.Fprintf(&b, " src=%s", r.Source)
	}
	if !IsAnyAddr(r.Destination) {
		fmt.Fprintf(&b, " dst=%s", r.Destination)
	}
	if r.Interface != "" {
		fmt.Fprintf(&b, " iface=%s", r.Interface)
	}
	return b.String()
}
