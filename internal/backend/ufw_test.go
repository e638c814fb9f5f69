package backend

import (
	"context"
	"strings"
	"testing"

	"github.com/palisade-fw/palisade/internal/rule"
)

func TestUFWTranslate(t *testing.T) {
	u := NewUFW(newFakeRunner(), testLogger())

	tests := []struct {
		name string
		rule rule.Rule
		want string
	}{
		{
			name: "allow ssh from trusted",
			rule: rule.Rule{Name: "allow_ssh", Action: rule.ActionAllow, Direction: rule.DirectionIn,
				Protocol: "tcp", Port: "22", Source: "10.0.0.0/8"},
			want: "allow in proto tcp from 10.0.0.0/8 to any port 22 comment allow_ssh",
		},
		{
			name: "deny all outbound to host",
			rule: rule.Rule{Name: "no_exfil", Action: rule.ActionDeny, Direction: rule.DirectionOut,
				Destination: "203.0.113.1"},
			want: "deny out from any to 203.0.113.1 comment no_exfil",
		},
		{
			name: "forward uses route prefix",
			rule: rule.Rule{Name: "fwd_web", Action: rule.ActionAllow, Direction: rule.DirectionForward,
				Protocol: "tcp", Port: "443"},
			want: "route allow proto tcp from any to any port 443 comment fwd_web",
		},
		{
			name: "log becomes logged deny",
			rule: rule.Rule{Name: "watch_telnet", Action: rule.ActionLog, Direction: rule.DirectionIn,
				Protocol: "tcp", Port: "23"},
			want: "deny log in proto tcp from any to any port 23 comment watch_telnet",
		},
		{
			name: "port range uses colon",
			rule: rule.Rule{Name: "ephemeral", Action: rule.ActionAllow, Direction: rule.DirectionIn,
				Protocol: "udp", Port: "8000-8100"},
			want: "allow in proto udp from any to any port 8000:8100 comment ephemeral",
		},
		{
			name: "interface scoping",
			rule: rule.Rule{Name: "lan_only", Action: rule.ActionAllow, Direction: rule.DirectionIn,
				Interface: "eth1", Protocol: "tcp", Port: "80"},
			want: "allow in on eth1 proto tcp from any to any port 80 comment lan_only",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args, err := u.translate(&tt.rule)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := strings.Join(args, " "); got != tt.want {
				t.Errorf("got %q\nwant %q", got, tt.want)
			}
		})
	}
}

func TestUFWTranslateBadPort(t *testing.T) {
	u := NewUFW(newFakeRunner(), testLogger())
	r := rule.Rule{Name: "bad", Action: rule.ActionAllow, Direction: rule.DirectionIn, Port: "70000"}
	if _, err := u.translate(&r); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}

func TestUFWInitializeBaseline(t *testing.T) {
	runner := newFakeRunner()
	u := NewUFW(runner, testLogger())

	if err := u.Initialize(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, want := range []string{
		"ufw --force reset",
		"ufw default deny incoming",
		"ufw default allow outgoing",
		"ufw default deny routed",
		"ufw logging on",
	} {
		if !runner.ran(want) {
			t.Errorf("expected command %q, commands: %v", want, runner.commands)
		}
	}
}

func TestUFWStatus(t *testing.T) {
	runner := newFakeRunner()
	runner.outputs["ufw status verbose"] = `Status: active
Logging: on (low)
Default: deny (incoming), allow (outgoing), deny (routed)

To                         Action      From
--                         ------      ----
22/tcp                     ALLOW IN    10.0.0.0/8
80/tcp                     ALLOW IN    Anywhere
`
	runner.outputs["ufw status numbered"] = `Status: active

     To                         Action      From
     --                         ------      ----
[ 1] 22/tcp                     ALLOW IN    10.0.0.0/8
[ 2] 80/tcp                     ALLOW IN    Anywhere
`

	u := NewUFW(runner, testLogger())
	st, err := u.Status(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !st.Enabled {
		t.Error("expected Enabled")
	}
	if !st.LoggingEnabled {
		t.Error("expected LoggingEnabled")
	}
	if !st.DefaultDenyInbound {
		t.Error("expected DefaultDenyInbound")
	}
	if st.RuleCount != 2 {
		t.Errorf("got RuleCount %d, want 2", st.RuleCount)
	}
}

func TestUFWTrustSets(t *testing.T) {
	runner := newFakeRunner()
	runner.outputs["ufw status verbose"] = `Status: active
Anywhere                   DENY IN     203.0.113.9                # palisade-compromised
`

	u := NewUFW(runner, testLogger())
	ctx := context.Background()

	if err := u.AddVerifiedHost(ctx, "10.1.2.3"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := u.AddCompromisedHost(ctx, "203.0.113.9"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !runner.ran("ufw prepend deny log from 203.0.113.9") {
		t.Errorf("expected quarantine prepend, commands: %v", runner.commands)
	}

	sets, err := u.TrustSets(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sets.Verified) != 1 || sets.Verified[0] != "10.1.2.3" {
		t.Errorf("got verified %v, want [10.1.2.3]", sets.Verified)
	}
	if len(sets.Compromised) != 1 || sets.Compromised[0] != "203.0.113.9" {
		t.Errorf("got compromised %v, want [203.0.113.9]", sets.Compromised)
	}

	if err := u.RemoveVerifiedHost(ctx, "10.1.2.3"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sets, err = u.TrustSets(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sets.Verified) != 0 {
		t.Errorf("got verified %v after removal, want empty", sets.Verified)
	}
}
