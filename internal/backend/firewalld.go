package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/palisade-fw/palisade/internal/logging"
	"github.com/palisade-fw/palisade/internal/rule"
)

// firewalld ipset names.
const (
	fwdSetVerified    = "palisade-verified"
	fwdSetVerified6   = "palisade-verified6"
	fwdSetCompromised = "palisade-compromised"
)

// Firewalld drives the zone-based firewalld service through
// firewall-cmd rich rules. Work happens in the built-in "drop" zone,
// which gives the default-deny inbound posture for free; firewalld does
// not filter egress, which matches the default-allow outbound baseline.
//
// Rich rules are inbound constructs, so rules with direction out or
// forward are reported as unsupported per rule rather than silently
// skipped.
type Firewalld struct {
	runner CommandRunner
	logger *logging.Logger
}

// NewFirewalld creates the firewalld adapter.
func NewFirewalld(runner CommandRunner, logger *logging.Logger) *Firewalld {
	return &Firewalld{
		runner: runner,
		logger: logger.WithComponent("firewalld"),
	}
}

// Name returns "firewalld".
func (f *Firewalld) Name() string { return "firewalld" }

// Available reports whether firewall-cmd is installed and the daemon
// is running; firewalld cannot be driven while stopped.
func (f *Firewalld) Available() bool {
	if _, err := f.runner.LookPath("firewall-cmd"); err != nil {
		return false
	}
	out, err := f.runner.Output("firewall-cmd", "--state")
	return err == nil && strings.TrimSpace(string(out)) == "running"
}

// Initialize moves the default zone to "drop", turns on denied-traffic
// logging, clears any rich rules from a previous run and recreates the
// trust ipsets empty. Re-running lands in the same state.
func (f *Firewalld) Initialize(ctx context.Context) error {
	steps := [][]string{
		{"--set-default-zone=drop"},
		{"--set-log-denied=all"},
	}
	for _, args := range steps {
		if err := f.runner.Run("firewall-cmd", args...); err != nil {
			return fmt.Errorf("firewalld initialize: %w", err)
		}
	}

	// Flush rich rules left over from a previous run.
	out, err := f.runner.Output("firewall-cmd", "--zone=drop", "--list-rich-rules")
	if err != nil {
		return fmt.Errorf("firewalld list rich rules: %w", err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := f.runner.Run("firewall-cmd", "--zone=drop", "--remove-rich-rule="+line); err != nil {
			return fmt.Errorf("firewalld flush rich rule: %w", err)
		}
	}

	if err := f.ensureSets(); err != nil {
		return err
	}

	// Quarantine: compromised set members are dropped ahead of policy.
	quarantine := fmt.Sprintf(`rule source ipset="%s" drop`, fwdSetCompromised)
	if err := f.runner.Run("firewall-cmd", "--zone=drop", "--add-rich-rule="+quarantine); err != nil {
		return fmt.Errorf("firewalld quarantine rule: %w", err)
	}
	return nil
}

func (f *Firewalld) ensureSets() error {
	sets := []struct{ name, family string }{
		{fwdSetVerified, "inet"},
		{fwdSetVerified6, "inet6"},
		{fwdSetCompromised, "inet"},
	}
	for _, s := range sets {
		// Creation is permanent-only; ignore the error when the set
		// already exists and just empty it.
		args := []string{"--permanent", "--new-ipset=" + s.name, "--type=hash:ip"}
		if s.family == "inet6" {
			args = append(args, "--option=family=inet6")
		}
		_ = f.runner.Run("firewall-cmd", args...)

		out, err := f.runner.Output("firewall-cmd", "--ipset="+s.name, "--get-entries")
		if err != nil {
			continue
		}
		for _, entry := range strings.Fields(string(out)) {
			_ = f.runner.Run("firewall-cmd", "--ipset="+s.name, "--remove-entry="+entry)
		}
	}
	return nil
}

// ApplyRule realizes one rule as a rich rule per address family.
func (f *Firewalld) ApplyRule(ctx context.Context, r rule.Rule) error {
	v4, v6, err := families(&r)
	if err != nil {
		return fmt.Errorf("rule %q: %w", r.Name, err)
	}
	if r.Direction != rule.DirectionIn {
		return fmt.Errorf("rule %q: firewalld rich rules only cover inbound traffic (direction %q)", r.Name, r.Direction)
	}

	if v4 {
		rich, err := f.richRule(&r, "ipv4")
		if err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
		if err := f.runner.Run("firewall-cmd", "--zone=drop", "--add-rich-rule="+rich); err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
	}
	if v6 {
		rich, err := f.richRule(&r, "ipv6")
		if err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
		if err := f.runner.Run("firewall-cmd", "--zone=drop", "--add-rich-rule="+rich); err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
	}
	f.logger.Debug("rule applied", "rule", r.Name, "ipv4", v4, "ipv6", v6)
	return nil
}

func (f *Firewalld) richRule(r *rule.Rule, family string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, `rule family="%s"`, family)

	if !rule.IsAnyAddr(r.Source) {
		fmt.Fprintf(&b, ` source address="%s"`, r.Source)
	}
	if !rule.IsAnyAddr(r.Destination) {
		fmt.Fprintf(&b, ` destination address="%s"`, r.Destination)
	}

	if r.Port != "" {
		proto := r.NormalProtocol()
		if proto != "tcp" && proto != "udp" {
			return "", fmt.Errorf("port match requires tcp or udp, got %q", proto)
		}
		pr, err := rule.ParsePortRange(r.Port)
		if err != nil {
			return "", err
		}
		if pr.Lo == pr.Hi {
			fmt.Fprintf(&b, ` port port="%d" protocol="%s"`, pr.Lo, proto)
		} else {
			fmt.Fprintf(&b, ` port port="%d-%d" protocol="%s"`, pr.Lo, pr.Hi, proto)
		}
	} else if proto := r.NormalProtocol(); proto != "any" {
		fmt.Fprintf(&b, ` protocol value="%s"`, proto)
	}

	switch r.Action {
	case rule.ActionAllow:
		b.WriteString(" accept")
	case rule.ActionDeny:
		b.WriteString(" drop")
	case rule.ActionReject:
		b.WriteString(" reject")
	case rule.ActionLog:
		fmt.Fprintf(&b, ` log prefix="palisade %s: " level="info"`, r.Name)
	default:
		return "", fmt.Errorf("action %q not supported", r.Action)
	}

	return b.String(), nil
}

// Enable promotes the runtime configuration to permanent and enables
// the service at boot.
func (f *Firewalld) Enable(ctx context.Context) error {
	if err := f.runner.Run("firewall-cmd", "--runtime-to-permanent"); err != nil {
		return fmt.Errorf("firewalld persist: %w", err)
	}
	if err := f.runner.Run("systemctl", "enable", "firewalld"); err != nil {
		return fmt.Errorf("firewalld enable at boot: %w", err)
	}
	return nil
}

// Status re-queries the daemon.
func (f *Firewalld) Status(ctx context.Context) (Status, error) {
	var st Status

	out, err := f.runner.Output("firewall-cmd", "--state")
	if err != nil {
		return st, fmt.Errorf("firewalld state: %w", err)
	}
	st.Enabled = strings.TrimSpace(string(out)) == "running"

	if out, err = f.runner.Output("firewall-cmd", "--get-default-zone"); err == nil {
		st.DefaultDenyInbound = strings.TrimSpace(string(out)) == "drop"
	}

	if out, err = f.runner.Output("firewall-cmd", "--get-log-denied"); err == nil {
		st.LoggingEnabled = strings.TrimSpace(string(out)) != "off"
	}

	if out, err = f.runner.Output("firewall-cmd", "--get-active-zones"); err == nil {
		for _, line := range strings.Split(string(out), "\n") {
			// Zone names are unindented; interface lists are indented.
			if line != "" && !strings.HasPrefix(line, " ") && !strings.HasPrefix(line, "\t") {
				st.Zones = append(st.Zones, strings.TrimSpace(line))
			}
		}
	}

	if out, err = f.runner.Output("firewall-cmd", "--zone=drop", "--list-rich-rules"); err == nil {
		for _, line := range strings.Split(string(out), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.Contains(line, fwdSetCompromised) {
				continue // quarantine rule is baseline, not policy
			}
			st.RuleCount++
		}
	}

	return st, nil
}

// AddVerifiedHost adds the host to the family-matched verified ipset.
func (f *Firewalld) AddVerifiedHost(ctx context.Context, addr string) error {
	set, err := f.verifiedSet(addr)
	if err != nil {
		return err
	}
	if err := f.runner.Run("firewall-cmd", "--ipset="+set, "--add-entry="+addr); err != nil {
		return fmt.Errorf("add verified %s: %w", addr, err)
	}
	return nil
}

// RemoveVerifiedHost removes the host from the verified ipset.
func (f *Firewalld) RemoveVerifiedHost(ctx context.Context, addr string) error {
	set, err := f.verifiedSet(addr)
	if err != nil {
		return err
	}
	if err := f.runner.Run("firewall-cmd", "--ipset="+set, "--remove-entry="+addr); err != nil {
		return fmt.Errorf("remove verified %s: %w", addr, err)
	}
	return nil
}

// AddCompromisedHost adds the host to the compromised ipset; the
// quarantine rich rule drops its traffic.
func (f *Firewalld) AddCompromisedHost(ctx context.Context, addr string) error {
	if err := f.runner.Run("firewall-cmd", "--ipset="+fwdSetCompromised, "--add-entry="+addr); err != nil {
		return fmt.Errorf("quarantine %s: %w", addr, err)
	}
	return nil
}

func (f *Firewalld) verifiedSet(addr string) (string, error) {
	fam, err := rule.AddrFamily(addr)
	if err != nil {
		return "", fmt.Errorf("trust set: %w", err)
	}
	if fam == rule.FamilyIPv6 {
		return fwdSetVerified6, nil
	}
	return fwdSetVerified, nil
}

// TrustSets lists the current ipset entries.
func (f *Firewalld) TrustSets(ctx context.Context) (TrustSets, error) {
	var sets TrustSets
	for _, name := range []string{fwdSetVerified, fwdSetVerified6} {
		out, err := f.runner.Output("firewall-cmd", "--ipset="+name, "--get-entries")
		if err != nil {
			return sets, fmt.Errorf("ipset %s entries: %w", name, err)
		}
		sets.Verified = append(sets.Verified, strings.Fields(string(out))...)
	}
	out, err := f.runner.Output("firewall-cmd", "--ipset="+fwdSetCompromised, "--get-entries")
	if err != nil {
		return sets, fmt.Errorf("ipset %s entries: %w", fwdSetCompromised, err)
	}
	sets.Compromised = append(sets.Compromised, strings.Fields(string(out))...)
	return sets, nil
}
