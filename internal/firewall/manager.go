// Package firewall owns the single mutation point for the host's
// packet filter. Every rule application, enable and trust set change
// goes through the Manager, serialized by one process-wide lock, so
// the backend never sees interleaved writers.
package firewall

import (
	"context"
	"fmt"
	"os/user"
	"sync"

	"github.com/palisade-fw/palisade/internal/audit"
	"github.com/palisade-fw/palisade/internal/backend"
	"github.com/palisade-fw/palisade/internal/compliance"
	"github.com/palisade-fw/palisade/internal/config"
	"github.com/palisade-fw/palisade/internal/logging"
	"github.com/palisade-fw/palisade/internal/metrics"
	"github.com/palisade-fw/palisade/internal/rule"
	"github.com/palisade-fw/palisade/internal/validation"
)

// ApplyResult reports what one policy application did. Partial
// application is not rolled back; the failed rules are itemized here
// and surfaced in reports.
type ApplyResult struct {
	Policy       string            `json:"policy"`
	Applied      []string          `json:"applied"`
	Failed       map[string]string `json:"failed,omitempty"`
	FullyApplied bool              `json:"fully_applied"`
	Validation   validation.Result `json:"validation"`
}

// FirewallStatus aggregates backend status with manager bookkeeping
// and a compliance summary over the same state.
type FirewallStatus struct {
	Backend         backend.Status               `json:"backend"`
	BackendName     string                       `json:"backend_name"`
	AppliedPolicies []string                     `json:"applied_policies"`
	Zones           []string                     `json:"zones"`
	Compliance      map[string]compliance.Result `json:"compliance"`
}

// Manager coordinates validation, application and bookkeeping over
// exactly one backend.
type Manager struct {
	cfg    *config.Config
	logger *logging.Logger
	store  *audit.Store
	reg    *metrics.Registry

	mu       sync.Mutex
	backend  backend.Backend
	active   []rule.Rule
	policies []string
	partial  []string
}

// NewManager creates a manager. The audit store may be nil, in which
// case events are only logged.
func NewManager(cfg *config.Config, store *audit.Store, logger *logging.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logger.WithComponent("firewall"),
		store:  store,
		reg:    metrics.Get(),
	}
}

// NewManagerWithBackend creates a manager bound to a specific backend,
// bypassing detection. Used in tests and by the verify CLI path.
func NewManagerWithBackend(cfg *config.Config, b backend.Backend, store *audit.Store, logger *logging.Logger) *Manager {
	m := NewManager(cfg, store, logger)
	m.backend = b
	return m
}

// Initialize selects the backend (configured name, or detection
// priority) and drives it to the baseline. No backend is fatal.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.backend == nil {
		var b backend.Backend
		var err error
		if m.cfg != nil && m.cfg.Backend != "" {
			b, err = backend.Select(m.cfg.Backend, nil, m.logger)
		} else {
			b, err = backend.Detect(nil, m.logger)
		}
		if err != nil {
			return err
		}
		m.backend = b
	}

	if err := m.backend.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize %s: %w", m.backend.Name(), err)
	}
	m.active = nil
	m.policies = nil
	m.logger.Info("backend initialized", "backend", m.backend.Name())
	return nil
}

// Backend returns the selected backend's name, or "" before
// Initialize.
func (m *Manager) Backend() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backend == nil {
		return ""
	}
	return m.backend.Name()
}

// ActiveBackend returns the selected backend, or nil before
// Initialize. The metrics collector polls it read-only.
func (m *Manager) ActiveBackend() backend.Backend {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backend
}

// ApplyPolicy validates and applies one policy. Validation runs unless
// both the caller skips it and the policy does not require it. Rules
// go to the backend in ascending priority, declaration order breaking
// ties; each rule succeeds or fails on its own and there is no
// rollback.
func (m *Manager) ApplyPolicy(ctx context.Context, p *rule.Policy, validate bool) (ApplyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := ApplyResult{Policy: p.Name, Failed: make(map[string]string)}
	correlation := audit.NewCorrelationID()

	if m.backend == nil {
		return res, fmt.Errorf("policy %q: no backend initialized", p.Name)
	}

	if validate && p.ValidationRequired() {
		res.Validation = validation.ValidatePolicy(p)
		for _, w := range res.Validation.Warnings {
			m.logger.Warn("policy warning", "policy", p.Name, "warning", w)
		}
		if !res.Validation.OK {
			for _, e := range res.Validation.Errors {
				m.logger.Error("policy rejected", "policy", p.Name, "error", e)
			}
			m.reg.ValidationErrors.WithLabelValues(p.Name).Inc()
			m.audit(audit.Event{
				CorrelationID: correlation,
				Action:        "policy.apply",
				Resource:      p.Name,
				Backend:       m.backend.Name(),
				Outcome:       audit.OutcomeFailure,
				Details:       map[string]any{"reason": "validation", "errors": res.Validation.Errors},
			})
			return res, fmt.Errorf("policy %q failed validation: %d error(s)", p.Name, len(res.Validation.Errors))
		}
	}

	for _, r := range p.OrderedRules() {
		if err := m.backend.ApplyRule(ctx, r); err != nil {
			res.Failed[r.Name] = err.Error()
			m.logger.Error("rule failed", "policy", p.Name, "rule", r.Name, "error", err)
			m.reg.RecordRuleFailure(m.backend.Name())
			m.audit(audit.Event{
				CorrelationID: correlation,
				Action:        "rule.apply",
				Resource:      r.Name,
				Backend:       m.backend.Name(),
				Outcome:       audit.OutcomeFailure,
				Details:       map[string]any{"policy": p.Name, "error": err.Error()},
			})
			continue
		}
		res.Applied = append(res.Applied, r.Name)
		m.active = append(m.active, r)
		m.reg.RecordRuleApplied(m.backend.Name(), string(r.Action))
		m.audit(audit.Event{
			CorrelationID: correlation,
			Action:        "rule.apply",
			Resource:      r.Name,
			Backend:       m.backend.Name(),
			Outcome:       audit.OutcomeSuccess,
			Details:       map[string]any{"policy": p.Name},
		})
	}

	res.FullyApplied = len(res.Failed) == 0
	if len(res.Applied) > 0 {
		m.policies = append(m.policies, p.Name)
	}
	if res.FullyApplied {
		m.partial = remove(m.partial, p.Name)
	} else if len(res.Applied) > 0 {
		if !contains(m.partial, p.Name) {
			m.partial = append(m.partial, p.Name)
		}
	}
	m.reg.RecordPolicyRun(p.Name, res.FullyApplied)

	outcome := audit.OutcomeSuccess
	if !res.FullyApplied {
		outcome = audit.OutcomeFailure
	}
	m.audit(audit.Event{
		CorrelationID: correlation,
		Action:        "policy.apply",
		Resource:      p.Name,
		Backend:       m.backend.Name(),
		Outcome:       outcome,
		Details: map[string]any{
			"applied": len(res.Applied),
			"failed":  len(res.Failed),
		},
	})

	m.logger.Info("policy applied", "policy", p.Name,
		"applied", len(res.Applied), "failed", len(res.Failed))

	if !res.FullyApplied {
		return res, fmt.Errorf("policy %q partially applied: %d of %d rules failed; applied rules remain in force (no rollback)",
			p.Name, len(res.Failed), len(res.Applied)+len(res.Failed))
	}
	return res, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func remove(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

// Enable makes the current rule set persistent.
func (m *Manager) Enable(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.backend == nil {
		return fmt.Errorf("no backend initialized")
	}
	if err := m.backend.Enable(ctx); err != nil {
		m.audit(audit.Event{
			Action: "firewall.enable", Resource: m.backend.Name(),
			Backend: m.backend.Name(), Outcome: audit.OutcomeFailure,
			Details: map[string]any{"error": err.Error()},
		})
		return err
	}
	m.audit(audit.Event{
		Action: "firewall.enable", Resource: m.backend.Name(),
		Backend: m.backend.Name(), Outcome: audit.OutcomeSuccess,
	})
	return nil
}

// Status aggregates live backend state with the manager's records and
// scores the result against every registered compliance framework.
func (m *Manager) Status(ctx context.Context) (FirewallStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, err := m.snapshotLocked(ctx)
	if err != nil {
		return FirewallStatus{}, err
	}

	out := FirewallStatus{
		Backend:         snap.Status,
		BackendName:     snap.BackendName,
		AppliedPolicies: snap.Policies,
		Compliance:      compliance.NewEngine().Check(snap),
	}
	for i := range snap.Zones {
		out.Zones = append(out.Zones, snap.Zones[i].Name)
	}
	return out, nil
}

// Snapshot builds the read-only view the compliance engine scores.
func (m *Manager) Snapshot(ctx context.Context) (compliance.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(ctx)
}

func (m *Manager) snapshotLocked(ctx context.Context) (compliance.Snapshot, error) {
	if m.backend == nil {
		return compliance.Snapshot{}, fmt.Errorf("no backend initialized")
	}
	st, err := m.backend.Status(ctx)
	if err != nil {
		return compliance.Snapshot{}, err
	}
	sets, err := m.backend.TrustSets(ctx)
	if err != nil {
		return compliance.Snapshot{}, err
	}

	snap := compliance.Snapshot{
		BackendName:     m.backend.Name(),
		Status:          st,
		ActiveRules:     append([]rule.Rule(nil), m.active...),
		Policies:        append([]string(nil), m.policies...),
		PartialPolicies: append([]string(nil), m.partial...),
		Trust:           sets,
	}
	if m.cfg != nil {
		snap.Zones = append([]rule.Zone(nil), m.cfg.Zones...)
	}
	return snap, nil
}

// AddVerifiedHost marks a host verified at the backend level,
// serialized with policy application.
func (m *Manager) AddVerifiedHost(ctx context.Context, addr string) error {
	return m.trustOp(ctx, "trust.verify", addr, func(b backend.Backend) error {
		return b.AddVerifiedHost(ctx, addr)
	})
}

// RemoveVerifiedHost demotes a host out of the verified set.
func (m *Manager) RemoveVerifiedHost(ctx context.Context, addr string) error {
	return m.trustOp(ctx, "trust.unverify", addr, func(b backend.Backend) error {
		return b.RemoveVerifiedHost(ctx, addr)
	})
}

// MarkCompromised removes a host from the verified set and adds it to
// the compromised set, in that order, so the two sets never overlap.
func (m *Manager) MarkCompromised(ctx context.Context, addr string) error {
	return m.trustOp(ctx, "trust.compromise", addr, func(b backend.Backend) error {
		if err := b.RemoveVerifiedHost(ctx, addr); err != nil {
			m.logger.Warn("remove from verified set failed", "host", addr, "error", err)
		}
		return b.AddCompromisedHost(ctx, addr)
	})
}

// TrustSets returns the backend's current trust sets.
func (m *Manager) TrustSets(ctx context.Context) (backend.TrustSets, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backend == nil {
		return backend.TrustSets{}, fmt.Errorf("no backend initialized")
	}
	return m.backend.TrustSets(ctx)
}

func (m *Manager) trustOp(ctx context.Context, action, addr string, op func(backend.Backend) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.backend == nil {
		return fmt.Errorf("no backend initialized")
	}
	err := op(m.backend)
	outcome := audit.OutcomeSuccess
	details := map[string]any(nil)
	if err != nil {
		outcome = audit.OutcomeFailure
		details = map[string]any{"error": err.Error()}
	}
	m.audit(audit.Event{
		Action: action, Resource: addr,
		Backend: m.backend.Name(), Outcome: outcome, Details: details,
	})
	return err
}

func (m *Manager) audit(evt audit.Event) {
	if evt.Actor == "" {
		evt.Actor = currentUser()
	}
	if m.store == nil {
		m.logger.Audit(evt.Action, evt.Resource, evt.Details)
		return
	}
	if err := m.store.Write(evt); err != nil {
		m.logger.Warn("audit write failed", "action", evt.Action, "error", err)
	}
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "unknown"
}
