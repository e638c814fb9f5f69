// Package compliance scores the live firewall state against named
// security frameworks. Checks are pure functions over a snapshot:
// they never mutate state and a failing check never stops the rest.
package compliance

import (
	"fmt"
	"sort"

	"github.com/palisade-fw/palisade/internal/backend"
	"github.com/palisade-fw/palisade/internal/metrics"
	"github.com/palisade-fw/palisade/internal/rule"
	"github.com/palisade-fw/palisade/internal/validation"
)

// Snapshot is the read-only view of firewall state handed to checks.
// The firewall manager builds it; nothing here reaches back into the
// backend.
type Snapshot struct {
	BackendName string
	Status      backend.Status
	ActiveRules []rule.Rule
	Policies    []string
	// PartialPolicies lists policies where some rules failed; the
	// rules that did apply stay in force, there is no rollback.
	PartialPolicies []string
	Zones           []rule.Zone
	Trust           backend.TrustSets
}

// Check is a single named boolean predicate.
type Check struct {
	ID          string
	Description string
	Eval        func(Snapshot) bool
}

// Framework is a named list of checks.
type Framework struct {
	Name        string
	Description string
	Checks      []Check
}

// Result is the outcome of one framework evaluation.
type Result struct {
	Framework string   `json:"framework"`
	Score     float64  `json:"score"`
	Total     int      `json:"total"`
	Passed    []string `json:"passed"`
	Failed    []string `json:"failed"`
}

// Engine evaluates frameworks against snapshots.
type Engine struct {
	frameworks map[string]Framework
	registry   *metrics.Registry
}

// NewEngine creates an engine with the builtin frameworks registered.
func NewEngine() *Engine {
	e := &Engine{
		frameworks: make(map[string]Framework),
		registry:   metrics.Get(),
	}
	for _, fw := range builtinFrameworks() {
		e.frameworks[fw.Name] = fw
	}
	return e
}

// Register adds or replaces a framework.
func (e *Engine) Register(fw Framework) {
	e.frameworks[fw.Name] = fw
}

// Frameworks returns the registered framework names, sorted.
func (e *Engine) Frameworks() []string {
	names := make([]string, 0, len(e.frameworks))
	for name := range e.frameworks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check evaluates every framework against the snapshot.
func (e *Engine) Check(snap Snapshot) map[string]Result {
	results := make(map[string]Result, len(e.frameworks))
	for name, fw := range e.frameworks {
		results[name] = e.checkOne(fw, snap)
	}
	return results
}

// CheckFramework evaluates a single framework by name.
func (e *Engine) CheckFramework(name string, snap Snapshot) (Result, error) {
	fw, ok := e.frameworks[name]
	if !ok {
		return Result{}, fmt.Errorf("unknown compliance framework %q (have %v)", name, e.Frameworks())
	}
	return e.checkOne(fw, snap), nil
}

func (e *Engine) checkOne(fw Framework, snap Snapshot) Result {
	res := Result{Framework: fw.Name, Total: len(fw.Checks)}
	for _, c := range fw.Checks {
		if c.Eval(snap) {
			res.Passed = append(res.Passed, c.Description)
		} else {
			res.Failed = append(res.Failed, c.Description)
		}
	}
	if res.Total > 0 {
		res.Score = 100 * float64(len(res.Passed)) / float64(res.Total)
	}
	e.registry.RecordCompliance(fw.Name, res.Score, len(res.Passed), len(res.Failed))
	return res
}

// builtinFrameworks defines the frameworks shipped with palisade.
func builtinFrameworks() []Framework {
	return []Framework{
		{
			Name:        "baseline",
			Description: "Host firewall hardening baseline",
			Checks: []Check{
				{
					ID:          "enabled",
					Description: "firewall enabled and persistent",
					Eval:        func(s Snapshot) bool { return s.Status.Enabled },
				},
				{
					ID:          "default-deny",
					Description: "default-deny inbound policy configured",
					Eval:        func(s Snapshot) bool { return s.Status.DefaultDenyInbound },
				},
				{
					ID:          "logging",
					Description: "firewall logging enabled",
					Eval:        func(s Snapshot) bool { return s.Status.LoggingEnabled },
				},
				{
					ID:          "admin-restricted",
					Description: "administrative access restricted to non-public sources",
					Eval:        adminRestricted,
				},
				{
					ID:          "segmentation",
					Description: "more than one network zone defined (segmentation present)",
					Eval:        func(s Snapshot) bool { return len(s.Zones) > 1 },
				},
			},
		},
		{
			Name:        "zero-trust",
			Description: "Zero-trust segmentation posture",
			Checks: []Check{
				{
					ID:          "no-unconstrained-allow",
					Description: "no active allow rule without any constraint",
					Eval:        noUnconstrainedAllow,
				},
				{
					ID:          "trust-exclusivity",
					Description: "no host is both verified and compromised",
					Eval:        trustExclusive,
				},
				{
					ID:          "zones-default-deny",
					Description: "untrusted and dmz zones default to deny",
					Eval:        untrustedZonesDeny,
				},
				{
					ID:          "segmentation",
					Description: "more than one network zone defined (segmentation present)",
					Eval:        func(s Snapshot) bool { return len(s.Zones) > 1 },
				},
			},
		},
	}
}

// adminRestricted fails when any active rule would count as risky
// under the validator's classification.
func adminRestricted(s Snapshot) bool {
	for i := range s.ActiveRules {
		if validation.Risky(&s.ActiveRules[i]) {
			return false
		}
	}
	return true
}

func noUnconstrainedAllow(s Snapshot) bool {
	for i := range s.ActiveRules {
		r := &s.ActiveRules[i]
		if r.Action == rule.ActionAllow && r.Unconstrained() {
			return false
		}
	}
	return true
}

func trustExclusive(s Snapshot) bool {
	compromised := make(map[string]bool, len(s.Trust.Compromised))
	for _, addr := range s.Trust.Compromised {
		compromised[addr] = true
	}
	for _, addr := range s.Trust.Verified {
		if compromised[addr] {
			return false
		}
	}
	return true
}

func untrustedZonesDeny(s Snapshot) bool {
	for i := range s.Zones {
		z := &s.Zones[i]
		switch z.TrustLevel {
		case rule.TrustUntrusted, rule.TrustDMZ:
			if z.EffectiveDefaultPolicy() != rule.ActionDeny {
				return false
			}
		}
	}
	return true
}
