package trust

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
	probing "github.com/prometheus-community/pro-bing"

	"github.com/palisade-fw/palisade/internal/backend"
)

// Pinger probes whether a host answers at all. Implementations must
// honor the timeout and return a non-nil error for an unreachable host.
type Pinger interface {
	Probe(ctx context.Context, addr string, timeout time.Duration) error
}

// Resolver answers reverse-DNS lookups against a specific server.
type Resolver interface {
	ReverseLookup(ctx context.Context, addr, server string) ([]string, error)
}

// ConnCounter reports the number of established connections a remote
// host currently holds against this machine.
type ConnCounter interface {
	Count(addr string) (int, error)
}

// ICMPPinger probes hosts with a single unprivileged ICMP echo.
type ICMPPinger struct{}

func (ICMPPinger) Probe(ctx context.Context, addr string, timeout time.Duration) error {
	pinger, err := probing.NewPinger(addr)
	if err != nil {
		return fmt.Errorf("failed to create pinger: %w", err)
	}

	pinger.Count = 1
	pinger.Timeout = timeout
	pinger.SetPrivileged(false)

	if err := pinger.RunWithContext(ctx); err != nil {
		return err
	}
	if pinger.Statistics().PacketsRecv == 0 {
		return fmt.Errorf("packet loss")
	}
	return nil
}

// DNSResolver performs PTR lookups against a configured server.
type DNSResolver struct {
	Timeout time.Duration
}

func (r DNSResolver) ReverseLookup(ctx context.Context, addr, server string) ([]string, error) {
	arpa, err := dns.ReverseAddr(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}

	m := new(dns.Msg)
	m.SetQuestion(arpa, dns.TypePTR)

	c := new(dns.Client)
	c.Timeout = r.Timeout
	if c.Timeout == 0 {
		c.Timeout = 2 * time.Second
	}
	if !strings.Contains(server, ":") {
		server = server + ":53"
	}

	resp, _, err := c.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			names = append(names, strings.TrimSuffix(ptr.Ptr, "."))
		}
	}
	return names, nil
}

// SSConnCounter counts established connections from a remote address
// by asking ss. A missing tool counts as zero connections rather than
// failing the whole verification pass.
type SSConnCounter struct {
	Runner backend.CommandRunner
}

func (c SSConnCounter) Count(addr string) (int, error) {
	if _, err := c.Runner.LookPath("ss"); err != nil {
		return 0, nil
	}
	out, err := c.Runner.Output("ss", "-Htn", "state", "established", "dst", addr)
	if err != nil {
		return 0, fmt.Errorf("ss failed: %w", err)
	}
	n := 0
	for _, line := range strings.Split(string(out), "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n, nil
}
