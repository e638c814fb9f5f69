package rule

import (
	"fmt"
	"sort"
	"strings"
)

// RiskLevel is the declared blast radius of a policy. Low and medium
// risk policies must not contain rules the validator classifies as
// risky; high and critical policies may, with operator intent assumed.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Valid reports whether the risk level is known.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// Restrictive reports whether the level forbids risky rules.
func (r RiskLevel) Restrictive() bool {
	return r == RiskLow || r == RiskMedium
}

// Policy is a named, ordered collection of rules plus application
// metadata. A policy is validated and applied as a unit; partial
// application is reported per rule, never silent.
type Policy struct {
	Name        string `hcl:"name,label" yaml:"name" json:"name"`
	Description string `hcl:"description,optional" yaml:"description,omitempty" json:"description,omitempty"`

	Environments         []string  `hcl:"environments,optional" yaml:"environments,omitempty" json:"environments,omitempty"`
	ComplianceFrameworks []string  `hcl:"compliance_frameworks,optional" yaml:"compliance_frameworks,omitempty" json:"compliance_frameworks,omitempty"`
	RiskLevel            RiskLevel `hcl:"risk_level,optional" yaml:"risk_level,omitempty" json:"risk_level,omitempty"`
	AutoApply            bool      `hcl:"auto_apply,optional" yaml:"auto_apply,omitempty" json:"auto_apply,omitempty"`

	// SkipValidation is inverted so the zero value stays safe: by
	// default every policy is validated before application.
	SkipValidation bool `hcl:"skip_validation,optional" yaml:"skip_validation,omitempty" json:"skip_validation,omitempty"`

	Rules []Rule `hcl:"rule,block" yaml:"rules" json:"rules"`
}

// ValidationRequired reports whether the policy must pass validation
// before application. True unless explicitly opted out.
func (p *Policy) ValidationRequired() bool {
	return !p.SkipValidation
}

// EffectiveRiskLevel returns the declared risk level, defaulting to
// medium when unset so an unlabeled policy still gets the strict checks.
func (p *Policy) EffectiveRiskLevel() RiskLevel {
	if p.RiskLevel == "" {
		return RiskMedium
	}
	return p.RiskLevel
}

// CheckRequired verifies the policy and every rule carry their
// mandatory fields, and that rule names are unique within the policy.
func (p *Policy) CheckRequired() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("policy name is required")
	}
	if p.RiskLevel != "" && !p.RiskLevel.Valid() {
		return fmt.Errorf("policy %q: unknown risk level %q", p.Name, p.RiskLevel)
	}
	seen := make(map[string]bool, len(p.Rules))
	for i := range p.Rules {
		r := &p.Rules[i]
		if err := r.CheckRequired(); err != nil {
			return fmt.Errorf("policy %q: %w", p.Name, err)
		}
		if seen[r.Name] {
			return fmt.Errorf("policy %q: duplicate rule name %q", p.Name, r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}

// OrderedRules returns the enabled rules in application order:
// ascending priority, declaration order breaking ties. Packet filters
// evaluate rules in insertion order, so this ordering is semantic, not
// cosmetic.
func (p *Policy) OrderedRules() []Rule {
	out := make([]Rule, 0, len(p.Rules))
	for _, r := range p.Rules {
		if r.Enabled() {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out
}
