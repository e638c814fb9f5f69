package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/palisade-fw/palisade/internal/rule"
)

func TestIptablesTranslate(t *testing.T) {
	ipt := NewIptables(newFakeRunner(), testLogger())

	tests := []struct {
		name string
		rule rule.Rule
		want string
	}{
		{
			name: "allow ssh from trusted",
			rule: rule.Rule{Name: "allow_ssh", Action: rule.ActionAllow, Direction: rule.DirectionIn,
				Protocol: "tcp", Port: "22", Source: "10.0.0.0/8"},
			want: "-A PALISADE_IN -p tcp -s 10.0.0.0/8 --dport 22 -m comment --comment allow_ssh -j ACCEPT",
		},
		{
			name: "reject forward range",
			rule: rule.Rule{Name: "no_db", Action: rule.ActionReject, Direction: rule.DirectionForward,
				Protocol: "tcp", Port: "5432-5433"},
			want: "-A PALISADE_FWD -p tcp --dport 5432:5433 -m comment --comment no_db -j REJECT",
		},
		{
			name: "outbound deny with interface",
			rule: rule.Rule{Name: "no_exfil", Action: rule.ActionDeny, Direction: rule.DirectionOut,
				Interface: "eth0", Destination: "203.0.113.0/24"},
			want: "-A OUTPUT -o eth0 -d 203.0.113.0/24 -m comment --comment no_exfil -j DROP",
		},
		{
			name: "log rule gets prefix",
			rule: rule.Rule{Name: "watch", Action: rule.ActionLog, Direction: rule.DirectionIn,
				Protocol: "tcp", Port: "23"},
			want: "-A PALISADE_IN -p tcp --dport 23 -m comment --comment watch -j LOG --log-prefix palisade watch: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args, err := ipt.translate(&tt.rule)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := strings.Join(args, " "); got != tt.want {
				t.Errorf("got %q\nwant %q", got, tt.want)
			}
		})
	}
}

func TestIptablesPortRequiresTCPOrUDP(t *testing.T) {
	ipt := NewIptables(newFakeRunner(), testLogger())
	r := rule.Rule{Name: "bad", Action: rule.ActionAllow, Direction: rule.DirectionIn,
		Protocol: "icmp", Port: "22"}
	if _, err := ipt.translate(&r); err == nil {
		t.Fatal("expected error for port match on icmp")
	}
}

func TestIptablesFamilyDispatch(t *testing.T) {
	tests := []struct {
		name    string
		rule    rule.Rule
		wantV4  bool
		wantV6  bool
		wantErr bool
	}{
		{
			name:   "v4 source goes to iptables only",
			rule:   rule.Rule{Name: "r4", Action: rule.ActionAllow, Direction: rule.DirectionIn, Source: "10.0.0.0/8"},
			wantV4: true,
		},
		{
			name:   "v6 source goes to ip6tables only",
			rule:   rule.Rule{Name: "r6", Action: rule.ActionAllow, Direction: rule.DirectionIn, Source: "2001:db8::/32"},
			wantV6: true,
		},
		{
			name:   "address-free rule goes to both",
			rule:   rule.Rule{Name: "rboth", Action: rule.ActionAllow, Direction: rule.DirectionIn, Protocol: "tcp", Port: "443"},
			wantV4: true,
			wantV6: true,
		},
		{
			name:    "mixed families rejected",
			rule:    rule.Rule{Name: "rmix", Action: rule.ActionAllow, Direction: rule.DirectionIn, Source: "10.0.0.0/8", Destination: "2001:db8::/32"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := newFakeRunner()
			ipt := NewIptables(runner, testLogger())
			err := ipt.ApplyRule(context.Background(), tt.rule)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := runner.ran("iptables "); got != tt.wantV4 {
				t.Errorf("iptables invoked=%v, want %v", got, tt.wantV4)
			}
			if got := runner.ran("ip6tables "); got != tt.wantV6 {
				t.Errorf("ip6tables invoked=%v, want %v", got, tt.wantV6)
			}
		})
	}
}

func TestIptablesInitializeBaseline(t *testing.T) {
	runner := newFakeRunner()
	ipt := NewIptables(runner, testLogger())

	if err := ipt.Initialize(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, want := range []string{
		"iptables -P INPUT DROP",
		"ip6tables -P INPUT DROP",
		"iptables -N PALISADE_IN",
		"iptables -A INPUT -j PALISADE_IN",
		"ipset create palisade-compromised hash:ip -exist",
		"iptables -I INPUT 1 -m set --match-set palisade-compromised src -j DROP",
	} {
		if !runner.ran(want) {
			t.Errorf("expected command %q, commands: %v", want, runner.commands)
		}
	}
}

func TestIptablesEnableVerifiesBeforePersisting(t *testing.T) {
	runner := newFakeRunner()
	runner.outputs["iptables-save"] = "*filter\n-P INPUT DROP\nCOMMIT\n"
	runner.outputs["ip6tables-save"] = "*filter\n-P INPUT DROP\nCOMMIT\n"
	ipt := NewIptables(runner, testLogger())
	ipt.persistDir = t.TempDir()

	if err := ipt.Enable(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"iptables-restore --test", "ip6tables-restore --test"} {
		if !runner.ran(want) {
			t.Errorf("expected command %q, commands: %v", want, runner.commands)
		}
	}
	data, err := os.ReadFile(filepath.Join(ipt.persistDir, "rules.v4"))
	if err != nil {
		t.Fatalf("read persisted rules: %v", err)
	}
	if string(data) != runner.outputs["iptables-save"] {
		t.Errorf("persisted %q, want the iptables-save dump", data)
	}
}

func TestIptablesEnableRejectsBadSaveOutput(t *testing.T) {
	runner := newFakeRunner()
	runner.outputs["iptables-save"] = "*filter\ngarbage"
	runner.failRun["iptables-restore --test"] = errors.New("iptables-restore: line 2 failed")
	ipt := NewIptables(runner, testLogger())
	ipt.persistDir = t.TempDir()

	if err := ipt.Enable(context.Background()); err == nil {
		t.Fatal("expected error from restore test")
	}
	if _, err := os.Stat(filepath.Join(ipt.persistDir, "rules.v4")); !os.IsNotExist(err) {
		t.Error("rejected dump must not be persisted")
	}
}

func TestIptablesStatus(t *testing.T) {
	runner := newFakeRunner()
	runner.outputs["iptables -S"] = `-P INPUT DROP
-P FORWARD DROP
-P OUTPUT ACCEPT
-N PALISADE_FWD
-N PALISADE_IN
-A INPUT -i lo -j ACCEPT
-A INPUT -m conntrack --ctstate ESTABLISHED,RELATED -j ACCEPT
-A INPUT -j PALISADE_IN
-A INPUT -j LOG --log-prefix "palisade drop: " --log-level 4
-A PALISADE_IN -p tcp -m comment --comment allow_http --dport 80 -j ACCEPT
-A PALISADE_IN -p tcp -m comment --comment allow_https --dport 443 -j ACCEPT
`

	ipt := NewIptables(runner, testLogger())
	st, err := ipt.Status(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !st.Enabled {
		t.Error("expected Enabled")
	}
	if !st.DefaultDenyInbound {
		t.Error("expected DefaultDenyInbound")
	}
	if !st.LoggingEnabled {
		t.Error("expected LoggingEnabled")
	}
	if st.RuleCount != 2 {
		t.Errorf("got RuleCount %d, want 2", st.RuleCount)
	}
}

func TestIptablesTrustSetOps(t *testing.T) {
	runner := new(MockCommandRunner)
	runner.On("Run", "ipset", "add", "palisade-verified", "10.1.2.3", "-exist").Return(nil)
	runner.On("Run", "ipset", "add", "palisade-verified6", "2001:db8::1", "-exist").Return(nil)
	runner.On("Run", "ipset", "del", "palisade-verified", "10.1.2.3", "-exist").Return(nil)
	runner.On("Run", "ipset", "add", "palisade-compromised", "203.0.113.9", "-exist").Return(nil)

	ipt := NewIptables(runner, testLogger())
	ctx := context.Background()

	if err := ipt.AddVerifiedHost(ctx, "10.1.2.3"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ipt.AddVerifiedHost(ctx, "2001:db8::1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ipt.RemoveVerifiedHost(ctx, "10.1.2.3"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ipt.AddCompromisedHost(ctx, "203.0.113.9"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ipt.AddVerifiedHost(ctx, "not-an-addr"); err == nil {
		t.Fatal("expected error for malformed address")
	}

	runner.AssertExpectations(t)
}

func TestIptablesTrustSetsParse(t *testing.T) {
	runner := newFakeRunner()
	runner.outputs["ipset list palisade-verified"] = `Name: palisade-verified
Type: hash:ip
Members:
10.1.2.3
10.1.2.4
`
	runner.outputs["ipset list palisade-verified6"] = `Name: palisade-verified6
Type: hash:ip
Members:
`
	runner.outputs["ipset list palisade-compromised"] = `Name: palisade-compromised
Type: hash:ip
Members:
203.0.113.9
`
	runner.outputs["ipset list palisade-compromised6"] = `Name: palisade-compromised6
Type: hash:ip
Members:
`

	ipt := NewIptables(runner, testLogger())
	sets, err := ipt.TrustSets(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sets.Verified) != 2 {
		t.Errorf("got verified %v, want 2 members", sets.Verified)
	}
	if len(sets.Compromised) != 1 || sets.Compromised[0] != "203.0.113.9" {
		t.Errorf("got compromised %v, want [203.0.113.9]", sets.Compromised)
	}
}
