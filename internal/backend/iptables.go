package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/palisade-fw/palisade/internal/logging"
	"github.com/palisade-fw/palisade/internal/rule"
)

// Chain and set names owned by this adapter. Policy rules live in
// dedicated chains so the baseline's trailing LOG rule stays behind
// them regardless of how many rules are appended later.
const (
	iptChainIn  = "PALISADE_IN"
	iptChainFwd = "PALISADE_FWD"

	ipsetVerified4    = "palisade-verified"
	ipsetVerified6    = "palisade-verified6"
	ipsetCompromised4 = "palisade-compromised"
	ipsetCompromised6 = "palisade-compromised6"
)

// Iptables drives the classic iptables/ip6tables pair, with ipset
// providing the trust sets. Rules carrying an IPv4 address go to
// iptables, IPv6 to ip6tables, and address-free rules to both.
type Iptables struct {
	runner CommandRunner
	logger *logging.Logger

	// persistDir receives iptables-save output on Enable.
	persistDir string
}

// NewIptables creates the iptables adapter.
func NewIptables(runner CommandRunner, logger *logging.Logger) *Iptables {
	return &Iptables{
		runner:     runner,
		logger:     logger.WithComponent("iptables"),
		persistDir: "/etc/iptables",
	}
}

// Name returns "iptables".
func (t *Iptables) Name() string { return "iptables" }

// Available reports whether the iptables binary is installed.
func (t *Iptables) Available() bool {
	_, err := t.runner.LookPath("iptables")
	return err == nil
}

// Initialize flushes both families and rebuilds the baseline:
// default-deny INPUT and FORWARD, default-allow OUTPUT, loopback and
// established passthrough, policy chains, trust sets, and a trailing
// LOG rule so unmatched traffic is logged before the policy drop.
func (t *Iptables) Initialize(ctx context.Context) error {
	for _, bin := range []string{"iptables", "ip6tables"} {
		steps := [][]string{
			{"-F"},
			{"-X"},
			{"-P", "INPUT", "DROP"},
			{"-P", "FORWARD", "DROP"},
			{"-P", "OUTPUT", "ACCEPT"},
			{"-N", iptChainIn},
			{"-N", iptChainFwd},
			{"-A", "INPUT", "-i", "lo", "-j", "ACCEPT"},
			{"-A", "INPUT", "-m", "conntrack", "--ctstate", "ESTABLISHED,RELATED", "-j", "ACCEPT"},
			{"-A", "INPUT", "-j", iptChainIn},
			{"-A", "INPUT", "-j", "LOG", "--log-prefix", "palisade drop: ", "--log-level", "4"},
			{"-A", "FORWARD", "-j", iptChainFwd},
			{"-A", "FORWARD", "-j", "LOG", "--log-prefix", "palisade fwd-drop: ", "--log-level", "4"},
		}
		for _, args := range steps {
			if err := t.runner.Run(bin, args...); err != nil {
				return fmt.Errorf("%s initialize: %w", bin, err)
			}
		}
	}

	if err := t.ensureSets(); err != nil {
		return err
	}

	// Compromised hosts are dropped ahead of everything, including the
	// loopback and established passthrough.
	quarantine := [][]string{
		{"iptables", "-I", "INPUT", "1", "-m", "set", "--match-set", ipsetCompromised4, "src", "-j", "DROP"},
		{"ip6tables", "-I", "INPUT", "1", "-m", "set", "--match-set", ipsetCompromised6, "src", "-j", "DROP"},
	}
	for _, c := range quarantine {
		if err := t.runner.Run(c[0], c[1:]...); err != nil {
			return fmt.Errorf("quarantine rule: %w", err)
		}
	}
	return nil
}

func (t *Iptables) ensureSets() error {
	sets := [][]string{
		{"create", ipsetVerified4, "hash:ip", "-exist"},
		{"create", ipsetVerified6, "hash:ip", "family", "inet6", "-exist"},
		{"create", ipsetCompromised4, "hash:ip", "-exist"},
		{"create", ipsetCompromised6, "hash:ip", "family", "inet6", "-exist"},
		{"flush", ipsetVerified4},
		{"flush", ipsetVerified6},
		{"flush", ipsetCompromised4},
		{"flush", ipsetCompromised6},
	}
	for _, args := range sets {
		if err := t.runner.Run("ipset", args...); err != nil {
			return fmt.Errorf("ipset %s: %w", args[0], err)
		}
	}
	return nil
}

// ApplyRule realizes one rule, dispatching to iptables, ip6tables or
// both based on the rule's address family.
func (t *Iptables) ApplyRule(ctx context.Context, r rule.Rule) error {
	v4, v6, err := families(&r)
	if err != nil {
		return fmt.Errorf("rule %q: %w", r.Name, err)
	}

	args, err := t.translate(&r)
	if err != nil {
		return fmt.Errorf("rule %q: %w", r.Name, err)
	}

	if v4 {
		if err := t.runner.Run("iptables", args...); err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
	}
	if v6 {
		if err := t.runner.Run("ip6tables", args...); err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
	}
	t.logger.Debug("rule applied", "rule", r.Name, "ipv4", v4, "ipv6", v6)
	return nil
}

func (t *Iptables) translate(r *rule.Rule) ([]string, error) {
	var chain string
	switch r.Direction {
	case rule.DirectionIn:
		chain = iptChainIn
	case rule.DirectionForward:
		chain = iptChainFwd
	case rule.DirectionOut:
		chain = "OUTPUT"
	default:
		return nil, fmt.Errorf("direction %q not supported", r.Direction)
	}

	args := []string{"-A", chain}

	if r.Interface != "" {
		if r.Direction == rule.DirectionOut {
			args = append(args, "-o", r.Interface)
		} else {
			args = append(args, "-i", r.Interface)
		}
	}

	proto := r.NormalProtocol()
	if proto != "any" {
		args = append(args, "-p", proto)
	}

	if !rule.IsAnyAddr(r.Source) {
		args = append(args, "-s", r.Source)
	}
	if !rule.IsAnyAddr(r.Destination) {
		args = append(args, "-d", r.Destination)
	}

	if r.Port != "" {
		if proto != "tcp" && proto != "udp" {
			return nil, fmt.Errorf("port match requires tcp or udp, got %q", proto)
		}
		pr, err := rule.ParsePortRange(r.Port)
		if err != nil {
			return nil, err
		}
		if pr.Lo == pr.Hi {
			args = append(args, "--dport", fmt.Sprintf("%d", pr.Lo))
		} else {
			args = append(args, "--dport", fmt.Sprintf("%d:%d", pr.Lo, pr.Hi))
		}
	}

	args = append(args, "-m", "comment", "--comment", r.Name)

	switch r.Action {
	case rule.ActionAllow:
		args = append(args, "-j", "ACCEPT")
	case rule.ActionDeny:
		args = append(args, "-j", "DROP")
	case rule.ActionReject:
		args = append(args, "-j", "REJECT")
	case rule.ActionLog:
		args = append(args, "-j", "LOG", "--log-prefix", fmt.Sprintf("palisade %s: ", r.Name))
	default:
		return nil, fmt.Errorf("action %q not supported", r.Action)
	}

	return args, nil
}

// Enable persists the live rule set with iptables-save. Each dump is
// fed back through the matching restore tool in test mode before it
// is written, so a truncated save never clobbers a good file.
func (t *Iptables) Enable(ctx context.Context) error {
	if err := os.MkdirAll(t.persistDir, 0o755); err != nil {
		return fmt.Errorf("persist dir: %w", err)
	}
	saves := []struct {
		bin, restore, file string
	}{
		{"iptables-save", "iptables-restore", "rules.v4"},
		{"ip6tables-save", "ip6tables-restore", "rules.v6"},
	}
	for _, s := range saves {
		out, err := t.runner.Output(s.bin)
		if err != nil {
			return fmt.Errorf("%s: %w", s.bin, err)
		}
		if err := t.runner.RunInput(string(out), s.restore, "--test"); err != nil {
			return fmt.Errorf("%s --test: %w", s.restore, err)
		}
		path := filepath.Join(t.persistDir, s.file)
		if err := os.WriteFile(path, out, 0o600); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	return nil
}

// Status re-queries the live tables.
func (t *Iptables) Status(ctx context.Context) (Status, error) {
	out, err := t.runner.Output("iptables", "-S")
	if err != nil {
		return Status{}, fmt.Errorf("iptables status: %w", err)
	}

	var st Status
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "-P INPUT DROP":
			st.DefaultDenyInbound = true
		case strings.HasPrefix(line, "-N "+iptChainIn):
			st.Enabled = true
		case strings.HasPrefix(line, "-A "+iptChainIn),
			strings.HasPrefix(line, "-A "+iptChainFwd),
			strings.HasPrefix(line, "-A OUTPUT"):
			st.RuleCount++
		}
		if strings.Contains(line, "-j LOG") {
			st.LoggingEnabled = true
		}
	}
	return st, nil
}

// AddVerifiedHost adds the host to the family-matched verified ipset.
func (t *Iptables) AddVerifiedHost(ctx context.Context, addr string) error {
	return t.setOp("add", addr, ipsetVerified4, ipsetVerified6)
}

// RemoveVerifiedHost removes the host from the verified ipset.
func (t *Iptables) RemoveVerifiedHost(ctx context.Context, addr string) error {
	return t.setOp("del", addr, ipsetVerified4, ipsetVerified6)
}

// AddCompromisedHost adds the host to the compromised ipset, whose
// members are dropped by the quarantine rule.
func (t *Iptables) AddCompromisedHost(ctx context.Context, addr string) error {
	return t.setOp("add", addr, ipsetCompromised4, ipsetCompromised6)
}

func (t *Iptables) setOp(op, addr, set4, set6 string) error {
	fam, err := rule.AddrFamily(addr)
	if err != nil {
		return fmt.Errorf("trust set %s: %w", op, err)
	}
	set := set4
	if fam == rule.FamilyIPv6 {
		set = set6
	}
	if err := t.runner.Run("ipset", op, set, addr, "-exist"); err != nil {
		return fmt.Errorf("ipset %s %s %s: %w", op, set, addr, err)
	}
	return nil
}

// TrustSets lists both families of both sets.
func (t *Iptables) TrustSets(ctx context.Context) (TrustSets, error) {
	var sets TrustSets
	var err error
	if sets.Verified, err = t.listBoth(ipsetVerified4, ipsetVerified6); err != nil {
		return sets, err
	}
	if sets.Compromised, err = t.listBoth(ipsetCompromised4, ipsetCompromised6); err != nil {
		return sets, err
	}
	return sets, nil
}

func (t *Iptables) listBoth(set4, set6 string) ([]string, error) {
	var members []string
	for _, set := range []string{set4, set6} {
		out, err := t.runner.Output("ipset", "list", set)
		if err != nil {
			return nil, fmt.Errorf("ipset list %s: %w", set, err)
		}
		inMembers := false
		for _, line := range strings.Split(string(out), "\n") {
			line = strings.TrimSpace(line)
			if line == "Members:" {
				inMembers = true
				continue
			}
			if inMembers && line != "" {
				members = append(members, line)
			}
		}
	}
	return members, nil
}
