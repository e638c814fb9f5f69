// Package trust implements continuous host trust verification: x509
// chain validation against a configured root pool, optional
// reverse-DNS identity checks, and a periodic re-verification loop
// that demotes hosts which stop answering or start behaving
// suspiciously. Trust state is realized in the firewall backend's
// verified/compromised sets through the firewall manager, so set
// mutations share the manager's backend lock with policy application.
package trust

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/palisade-fw/palisade/internal/backend"
	"github.com/palisade-fw/palisade/internal/clock"
	"github.com/palisade-fw/palisade/internal/config"
	"github.com/palisade-fw/palisade/internal/logging"
	"github.com/palisade-fw/palisade/internal/metrics"
	"github.com/palisade-fw/palisade/internal/scheduler"
)

// State is a host's trust state.
type State string

const (
	// StateUnverified is the initial state. Unverified hosts are
	// subject to default-deny like any other traffic source.
	StateUnverified State = "unverified"
	// StateVerified means the host passed certificate and identity
	// checks and is a member of the backend verified set.
	StateVerified State = "verified"
	// StateCompromised is terminal until cleared externally. A
	// compromised host is quarantined by the backend.
	StateCompromised State = "compromised"
)

// demotionTolerance is the number of consecutive failed reachability
// probes before a verified host is demoted.
const demotionTolerance = 3

// SetManager is the slice of the firewall manager the verifier needs:
// trust set membership, serialized with policy application.
type SetManager interface {
	AddVerifiedHost(ctx context.Context, addr string) error
	RemoveVerifiedHost(ctx context.Context, addr string) error
	MarkCompromised(ctx context.Context, addr string) error
	TrustSets(ctx context.Context) (backend.TrustSets, error)
}

// Verifier drives the trust state machine for declared hosts.
type Verifier struct {
	cfg    *config.TrustConfig
	mgr    SetManager
	logger *logging.Logger
	reg    *metrics.Registry

	roots    *x509.CertPool
	pinger   Pinger
	resolver Resolver
	conns    ConnCounter

	mu       sync.Mutex
	states   map[string]State
	failures map[string]int
}

// NewVerifier builds a verifier with the real probe implementations.
// The root pool is loaded from cfg.RootsFile when set, otherwise the
// system pool is used.
func NewVerifier(cfg *config.TrustConfig, mgr SetManager, logger *logging.Logger) (*Verifier, error) {
	v := &Verifier{
		cfg:      cfg,
		mgr:      mgr,
		logger:   logger.WithComponent("trust"),
		reg:      metrics.Get(),
		pinger:   ICMPPinger{},
		resolver: DNSResolver{},
		conns:    SSConnCounter{Runner: backend.DefaultCommandRunner},
		states:   make(map[string]State),
		failures: make(map[string]int),
	}

	if cfg != nil && cfg.RootsFile != "" {
		pemData, err := os.ReadFile(cfg.RootsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read trust roots: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.RootsFile)
		}
		v.roots = pool
	} else {
		pool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("failed to load system cert pool: %w", err)
		}
		v.roots = pool
	}

	return v, nil
}

// WithProbes swaps the probe implementations. Used by tests.
func (v *Verifier) WithProbes(p Pinger, r Resolver, c ConnCounter) *Verifier {
	if p != nil {
		v.pinger = p
	}
	if r != nil {
		v.resolver = r
	}
	if c != nil {
		v.conns = c
	}
	return v
}

// State returns a host's current trust state.
func (v *Verifier) State(host string) State {
	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.states[host]; ok {
		return s
	}
	return StateUnverified
}

// VerifyHost verifies a host's certificate chain against the root
// pool, optionally checks its reverse-DNS identity, and on success
// adds it to the backend verified set. A compromised host cannot be
// re-verified; clearing that state is an external operation.
func (v *Verifier) VerifyHost(ctx context.Context, host string, certPEM []byte) error {
	if v.State(host) == StateCompromised {
		return fmt.Errorf("host %s is marked compromised; refusing to verify", host)
	}

	start := clock.Now()
	err := v.verify(ctx, host, certPEM)
	v.reg.VerificationTime.Observe(clock.Since(start).Seconds())

	if err != nil {
		v.reg.RecordTrustCheck(host, "failed")
		v.logger.Warn("host verification failed", "host", host, "error", err)
		return err
	}

	if err := v.mgr.AddVerifiedHost(ctx, host); err != nil {
		v.reg.RecordTrustCheck(host, "failed")
		return fmt.Errorf("failed to add %s to verified set: %w", host, err)
	}

	v.mu.Lock()
	v.states[host] = StateVerified
	v.failures[host] = 0
	v.mu.Unlock()

	v.reg.RecordTrustCheck(host, "verified")
	v.logger.Info("host verified", "host", host)
	return nil
}

func (v *Verifier) verify(ctx context.Context, host string, certPEM []byte) error {
	leaf, intermediates, err := parseChain(certPEM)
	if err != nil {
		return err
	}

	expected := v.expectedIdentity(host)
	opts := x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if expected != "" {
		opts.DNSName = expected
	}
	if _, err := leaf.Verify(opts); err != nil {
		return fmt.Errorf("certificate verification failed: %w", err)
	}

	if v.cfg != nil && v.cfg.Resolver != "" && expected != "" {
		names, err := v.resolver.ReverseLookup(ctx, host, v.cfg.Resolver)
		if err != nil {
			return fmt.Errorf("reverse lookup failed: %w", err)
		}
		if !containsName(names, expected) {
			return fmt.Errorf("reverse DNS for %s returned %v, expected %s", host, names, expected)
		}
	}

	return nil
}

// MarkCompromised quarantines a host on an external compromise signal.
func (v *Verifier) MarkCompromised(ctx context.Context, host, reason string) error {
	if err := v.mgr.MarkCompromised(ctx, host); err != nil {
		return err
	}

	v.mu.Lock()
	v.states[host] = StateCompromised
	delete(v.failures, host)
	v.mu.Unlock()

	v.reg.RecordTrustCheck(host, "compromised")
	v.logger.Warn("host marked compromised", "host", host, "reason", reason)
	return nil
}

// Bootstrap verifies every configured host that declares a
// certificate file. Individual failures are logged, not fatal.
func (v *Verifier) Bootstrap(ctx context.Context) {
	if v.cfg == nil {
		return
	}
	for _, h := range v.cfg.Hosts {
		if h.CertFile == "" {
			continue
		}
		pemData, err := os.ReadFile(h.CertFile)
		if err != nil {
			v.logger.Warn("failed to read host certificate", "host", h.Address, "error", err)
			continue
		}
		if err := v.VerifyHost(ctx, h.Address, pemData); err != nil {
			v.logger.Warn("initial verification failed", "host", h.Address, "error", err)
		}
	}
}

// RunPass re-checks every currently-verified host: a reachability
// probe plus a connection-count heuristic. Probe failures past the
// tolerance demote the host to unverified. Suspicious connection
// behavior combined with a failed certificate re-check marks the host
// compromised; suspicious behavior alone demotes it. One failing host
// never aborts the pass.
func (v *Verifier) RunPass(ctx context.Context) error {
	hosts := v.verifiedHosts()
	if len(hosts) == 0 {
		return nil
	}

	timeout := v.cfg.ProbeTimeout()
	limit := v.cfg.ConnectionLimit()

	for _, host := range hosts {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		v.checkHost(ctx, host, timeout, limit)
	}

	if sets, err := v.mgr.TrustSets(ctx); err == nil {
		v.reg.UpdateTrustSets(len(sets.Verified), len(sets.Compromised))
	}
	return nil
}

func (v *Verifier) checkHost(ctx context.Context, host string, timeout time.Duration, limit int) {
	if err := v.pinger.Probe(ctx, host, timeout); err != nil {
		v.mu.Lock()
		v.failures[host]++
		n := v.failures[host]
		v.mu.Unlock()

		v.logger.Warn("verified host unreachable", "host", host, "consecutive", n, "error", err)
		if n >= demotionTolerance {
			v.demote(ctx, host, "unreachable")
		} else {
			v.reg.RecordTrustCheck(host, "unreachable")
		}
		return
	}

	v.mu.Lock()
	v.failures[host] = 0
	v.mu.Unlock()

	n, err := v.conns.Count(host)
	if err != nil {
		v.logger.Warn("connection count failed", "host", host, "error", err)
	}
	if n > limit {
		v.logger.Warn("suspicious connection volume", "host", host, "connections", n, "limit", limit)
		if v.certStillValid(ctx, host) {
			v.demote(ctx, host, "suspicious connection volume")
		} else {
			if err := v.MarkCompromised(ctx, host, "suspicious behavior with invalid certificate"); err != nil {
				v.logger.Error("failed to quarantine host", "host", host, "error", err)
			}
		}
		return
	}

	v.reg.RecordTrustCheck(host, "verified")
}

// certStillValid re-runs chain verification from the host's declared
// certificate file. A host with no declared certificate is treated as
// valid here; suspicion alone then demotes rather than quarantines.
func (v *Verifier) certStillValid(ctx context.Context, host string) bool {
	var certFile string
	if v.cfg != nil {
		for _, h := range v.cfg.Hosts {
			if h.Address == host {
				certFile = h.CertFile
				break
			}
		}
	}
	if certFile == "" {
		return true
	}
	pemData, err := os.ReadFile(certFile)
	if err != nil {
		return false
	}
	return v.verify(ctx, host, pemData) == nil
}

func (v *Verifier) demote(ctx context.Context, host, reason string) {
	if err := v.mgr.RemoveVerifiedHost(ctx, host); err != nil {
		v.logger.Error("failed to remove host from verified set", "host", host, "error", err)
		return
	}

	v.mu.Lock()
	v.states[host] = StateUnverified
	v.failures[host] = 0
	v.mu.Unlock()

	v.reg.RecordTrustCheck(host, "demoted")
	v.logger.Warn("host demoted to unverified", "host", host, "reason", reason)
}

func (v *Verifier) verifiedHosts() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	hosts := make([]string, 0, len(v.states))
	for h, s := range v.states {
		if s == StateVerified {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

func (v *Verifier) expectedIdentity(host string) string {
	if v.cfg == nil {
		return ""
	}
	for _, h := range v.cfg.Hosts {
		if h.Address == host {
			return h.Hostname
		}
	}
	return ""
}

// Task returns the continuous-verification task for the scheduler.
func (v *Verifier) Task() *scheduler.Task {
	return &scheduler.Task{
		ID:       "trust-verify",
		Name:     "Continuous trust verification",
		Schedule: scheduler.Every(v.cfg.VerifyInterval()),
		Func:     v.RunPass,
		Timeout:  v.cfg.VerifyInterval(),
	}
}

func parseChain(certPEM []byte) (*x509.Certificate, *x509.CertPool, error) {
	var leaf *x509.Certificate
	intermediates := x509.NewCertPool()

	rest := certPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		if leaf == nil {
			leaf = cert
		} else {
			intermediates.AddCert(cert)
		}
	}

	if leaf == nil {
		return nil, nil, fmt.Errorf("no certificate found in PEM data")
	}
	return leaf, intermediates, nil
}

func containsName(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}
