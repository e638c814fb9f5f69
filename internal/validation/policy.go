package validation

import (
	"fmt"

	"github.com/palisade-fw/palisade/internal/rule"
)

// adminPorts are ports whose exposure to the whole internet makes an
// allow rule "risky": ssh, telnet, ftp, rdp.
var adminPorts = []int{22, 23, 21, 3389}

// Result is the outcome of validating a policy. Errors reject the
// policy as a whole when validation is required; warnings are
// advisory and never block application.
type Result struct {
	OK       bool
	Errors   []string
	Warnings []string
}

func (r *Result) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Result) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// RulesConflict reports whether two rules contradict each other.
// Thin wrapper over the rule model's predicate so callers that import
// validation don't need the rule internals.
func RulesConflict(a, b *rule.Rule) bool {
	return a.ConflictsWith(b)
}

// Risky classifies a rule as a security anti-pattern: an allow rule
// with an unrestricted source targeting a sensitive administrative
// port, or an allow rule with no constraints at all.
func Risky(r *rule.Rule) bool {
	if r.Action != rule.ActionAllow {
		return false
	}
	if r.Unconstrained() {
		return true
	}
	if !rule.IsAnyAddr(r.Source) {
		return false
	}
	pr, err := rule.ParsePortRange(r.Port)
	if err != nil {
		return false // malformed port surfaces as its own error
	}
	for _, p := range adminPorts {
		if pr.Contains(p) {
			return true
		}
	}
	return false
}

// ValidatePolicy runs the full pre-application analysis: structural
// checks, pairwise conflict detection, address/port well-formedness and
// risky-rule classification against the policy's declared risk level.
// It never mutates backend state.
func ValidatePolicy(p *rule.Policy) Result {
	var res Result

	if err := p.CheckRequired(); err != nil {
		res.errorf("%v", err)
		res.OK = false
		return res
	}
	if err := ValidateIdentifier(p.Name); err != nil {
		res.errorf("policy name: %v", err)
	}

	// Pairwise conflict detection. Every conflicting pair is an error.
	for i := range p.Rules {
		for j := i + 1; j < len(p.Rules); j++ {
			if p.Rules[i].ConflictsWith(&p.Rules[j]) {
				res.errorf("rules %q and %q conflict: opposite actions on overlapping traffic",
					p.Rules[i].Name, p.Rules[j].Name)
			}
		}
	}

	restrictive := p.EffectiveRiskLevel().Restrictive()

	for i := range p.Rules {
		r := &p.Rules[i]

		if !rule.IsAnyAddr(r.Source) {
			if _, err := rule.ParsePrefix(r.Source); err != nil {
				res.errorf("rule %q: source: %v", r.Name, err)
			}
		}
		if !rule.IsAnyAddr(r.Destination) {
			if _, err := rule.ParsePrefix(r.Destination); err != nil {
				res.errorf("rule %q: destination: %v", r.Name, err)
			}
		}
		if r.Port != "" {
			if _, err := rule.ParsePortRange(r.Port); err != nil {
				res.errorf("rule %q: %v", r.Name, err)
			}
		}
		if p := r.NormalProtocol(); p != "any" {
			if err := ValidateProtocol(p); err != nil {
				res.errorf("rule %q: %v", r.Name, err)
			}
		}
		if r.Interface != "" {
			if err := ValidateInterfaceName(r.Interface); err != nil {
				res.errorf("rule %q: %v", r.Name, err)
			}
		}

		if Risky(r) {
			if restrictive {
				res.errorf("rule %q is risky (unrestricted source on an administrative port) but policy %q declares risk level %q",
					r.Name, p.Name, p.EffectiveRiskLevel())
			} else {
				res.warnf("rule %q is risky: unrestricted source on an administrative port", r.Name)
			}
		}
	}

	res.OK = len(res.Errors) == 0
	return res
}

// ValidateZones checks zone definitions and warns about overlapping
// address space. Zones are expected to partition the address space for
// deterministic rule evaluation; overlap is reported but tolerated
// because nested management subnets are a legitimate layout.
func ValidateZones(zones []rule.Zone) Result {
	var res Result

	seen := make(map[string]bool, len(zones))
	for i := range zones {
		z := &zones[i]
		if err := z.CheckRequired(); err != nil {
			res.errorf("%v", err)
			continue
		}
		if err := ValidateIdentifier(z.Name); err != nil {
			res.errorf("zone name: %v", err)
		}
		if seen[z.Name] {
			res.errorf("duplicate zone name %q", z.Name)
		}
		seen[z.Name] = true
	}

	for i := range zones {
		for j := i + 1; j < len(zones); j++ {
			if zones[i].Overlaps(&zones[j]) {
				res.warnf("zones %q and %q have overlapping CIDR ranges; rule evaluation may be non-deterministic",
					zones[i].Name, zones[j].Name)
			}
		}
	}

	res.OK = len(res.Errors) == 0
	return res
}
