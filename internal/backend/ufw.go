package backend

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/palisade-fw/palisade/internal/logging"
	"github.com/palisade-fw/palisade/internal/rule"
)

// compromisedComment tags the deny rules that realize the compromised
// set so Status and TrustSets can recognize them later.
const compromisedComment = "palisade-compromised"

// UFW drives the Uncomplicated Firewall front-end. It is first in
// detection priority: a simple tool with a native default-deny posture.
//
// ufw has no named set type, so the verified set is adapter-level
// bookkeeping, while compromised hosts are realized as deny rules
// inserted ahead of everything else.
type UFW struct {
	runner CommandRunner
	logger *logging.Logger

	mu       sync.Mutex
	verified map[string]bool
}

// NewUFW creates the ufw adapter.
func NewUFW(runner CommandRunner, logger *logging.Logger) *UFW {
	return &UFW{
		runner:   runner,
		logger:   logger.WithComponent("ufw"),
		verified: make(map[string]bool),
	}
}

// Name returns "ufw".
func (u *UFW) Name() string { return "ufw" }

// Available reports whether the ufw binary is installed.
func (u *UFW) Available() bool {
	_, err := u.runner.LookPath("ufw")
	return err == nil
}

// Initialize resets ufw to the baseline: default-deny inbound and
// routed, default-allow outbound, logging on. Loopback and
// established-connection passthrough are part of ufw's own base chains,
// so no explicit rules are needed. Resetting twice lands in the same
// state, which keeps this idempotent.
func (u *UFW) Initialize(ctx context.Context) error {
	steps := [][]string{
		{"--force", "reset"},
		{"default", "deny", "incoming"},
		{"default", "allow", "outgoing"},
		{"default", "deny", "routed"},
		{"logging", "on"},
	}
	for _, args := range steps {
		if err := u.runner.Run("ufw", args...); err != nil {
			return fmt.Errorf("ufw initialize: %w", err)
		}
	}
	u.mu.Lock()
	u.verified = make(map[string]bool)
	u.mu.Unlock()
	return nil
}

// ApplyRule translates one rule into a ufw invocation.
func (u *UFW) ApplyRule(ctx context.Context, r rule.Rule) error {
	if _, _, err := families(&r); err != nil {
		return fmt.Errorf("rule %q: %w", r.Name, err)
	}
	args, err := u.translate(&r)
	if err != nil {
		return fmt.Errorf("rule %q: %w", r.Name, err)
	}
	if err := u.runner.Run("ufw", args...); err != nil {
		return fmt.Errorf("rule %q: %w", r.Name, err)
	}
	u.logger.Debug("rule applied", "rule", r.Name, "args", strings.Join(args, " "))
	return nil
}

// translate builds the ufw argument list for a rule.
//
// ufw cannot express log-only rules; they become logged denies, which
// matches the eventual fate of unmatched inbound traffic under the
// default-deny baseline.
func (u *UFW) translate(r *rule.Rule) ([]string, error) {
	var args []string

	if r.Direction == rule.DirectionForward {
		args = append(args, "route")
	}

	switch r.Action {
	case rule.ActionAllow:
		args = append(args, "allow")
	case rule.ActionDeny:
		args = append(args, "deny")
	case rule.ActionReject:
		args = append(args, "reject")
	case rule.ActionLog:
		args = append(args, "deny", "log")
	default:
		return nil, fmt.Errorf("action %q not supported", r.Action)
	}

	switch r.Direction {
	case rule.DirectionIn:
		args = append(args, "in")
	case rule.DirectionOut:
		args = append(args, "out")
	case rule.DirectionForward:
		// handled by the route prefix
	default:
		return nil, fmt.Errorf("direction %q not supported", r.Direction)
	}

	if r.Interface != "" {
		args = append(args, "on", r.Interface)
	}

	if proto := r.NormalProtocol(); proto != "any" {
		args = append(args, "proto", proto)
	}

	src := r.Source
	if rule.IsAnyAddr(src) {
		src = "any"
	}
	args = append(args, "from", src)

	dst := r.Destination
	if rule.IsAnyAddr(dst) {
		dst = "any"
	}
	args = append(args, "to", dst)

	if r.Port != "" {
		pr, err := rule.ParsePortRange(r.Port)
		if err != nil {
			return nil, err
		}
		if pr.Lo == pr.Hi {
			args = append(args, "port", fmt.Sprintf("%d", pr.Lo))
		} else {
			// ufw spells ranges with a colon
			args = append(args, "port", fmt.Sprintf("%d:%d", pr.Lo, pr.Hi))
		}
	}

	args = append(args, "comment", r.Name)
	return args, nil
}

// Enable activates ufw, which also persists the rule set across
// restarts.
func (u *UFW) Enable(ctx context.Context) error {
	if err := u.runner.Run("ufw", "--force", "enable"); err != nil {
		return fmt.Errorf("ufw enable: %w", err)
	}
	return nil
}

// Status parses `ufw status verbose` plus the numbered listing.
func (u *UFW) Status(ctx context.Context) (Status, error) {
	out, err := u.runner.Output("ufw", "status", "verbose")
	if err != nil {
		return Status{}, fmt.Errorf("ufw status: %w", err)
	}

	var st Status
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "Status:"):
			st.Enabled = strings.Contains(line, "active")
		case strings.HasPrefix(line, "Logging:"):
			st.LoggingEnabled = strings.Contains(line, "on")
		case strings.HasPrefix(line, "Default:"):
			st.DefaultDenyInbound = strings.Contains(line, "deny (incoming)")
		}
	}

	numbered, err := u.runner.Output("ufw", "status", "numbered")
	if err != nil {
		return Status{}, fmt.Errorf("ufw status numbered: %w", err)
	}
	for _, line := range strings.Split(string(numbered), "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "[") {
			st.RuleCount++
		}
	}

	return st, nil
}

// AddVerifiedHost records a host as verified. Advisory for ufw; see the
// type doc.
func (u *UFW) AddVerifiedHost(ctx context.Context, addr string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.verified[addr] = true
	return nil
}

// RemoveVerifiedHost drops a host from the verified set.
func (u *UFW) RemoveVerifiedHost(ctx context.Context, addr string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.verified, addr)
	return nil
}

// AddCompromisedHost inserts a logged deny ahead of all other rules.
func (u *UFW) AddCompromisedHost(ctx context.Context, addr string) error {
	err := u.runner.Run("ufw", "prepend", "deny", "log", "from", addr, "to", "any",
		"comment", compromisedComment)
	if err != nil {
		return fmt.Errorf("quarantine %s: %w", addr, err)
	}
	return nil
}

// TrustSets reports the verified bookkeeping plus the compromised hosts
// recovered from the live rule listing.
func (u *UFW) TrustSets(ctx context.Context) (TrustSets, error) {
	var sets TrustSets

	u.mu.Lock()
	for addr := range u.verified {
		sets.Verified = append(sets.Verified, addr)
	}
	u.mu.Unlock()

	out, err := u.runner.Output("ufw", "status", "verbose")
	if err != nil {
		return sets, fmt.Errorf("ufw status: %w", err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.Contains(line, compromisedComment) {
			continue
		}
		fields := strings.Fields(line)
		// DENY rules render as: Anywhere DENY IN <addr> # comment
		for i, f := range fields {
			if f == "IN" && i+1 < len(fields) {
				sets.Compromised = append(sets.Compromised, fields[i+1])
			}
		}
	}
	return sets, nil
}
