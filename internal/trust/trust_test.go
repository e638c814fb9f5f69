package trust

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palisade-fw/palisade/internal/backend"
	"github.com/palisade-fw/palisade/internal/config"
	"github.com/palisade-fw/palisade/internal/logging"
)

type fakeSets struct {
	mu          sync.Mutex
	verified    map[string]bool
	compromised map[string]bool
}

func newFakeSets() *fakeSets {
	return &fakeSets{
		verified:    make(map[string]bool),
		compromised: make(map[string]bool),
	}
}

func (f *fakeSets) AddVerifiedHost(_ context.Context, addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verified[addr] = true
	return nil
}

func (f *fakeSets) RemoveVerifiedHost(_ context.Context, addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.verified, addr)
	return nil
}

func (f *fakeSets) MarkCompromised(_ context.Context, addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.verified, addr)
	f.compromised[addr] = true
	return nil
}

func (f *fakeSets) TrustSets(_ context.Context) (backend.TrustSets, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sets backend.TrustSets
	for a := range f.verified {
		sets.Verified = append(sets.Verified, a)
	}
	for a := range f.compromised {
		sets.Compromised = append(sets.Compromised, a)
	}
	return sets, nil
}

func (f *fakeSets) isVerified(addr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verified[addr]
}

func (f *fakeSets) isCompromised(addr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.compromised[addr]
}

type fakePinger struct {
	mu   sync.Mutex
	down map[string]bool
}

func (f *fakePinger) Probe(_ context.Context, addr string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[addr] {
		return fmt.Errorf("host unreachable")
	}
	return nil
}

type fakeResolver struct {
	names map[string][]string
}

func (f *fakeResolver) ReverseLookup(_ context.Context, addr, _ string) ([]string, error) {
	return f.names[addr], nil
}

type fakeConns struct {
	counts map[string]int
}

func (f *fakeConns) Count(addr string) (int, error) {
	return f.counts[addr], nil
}

type testPKI struct {
	caPEM []byte
	ca    *x509.Certificate
	caKey *rsa.PrivateKey
}

func newTestPKI(t *testing.T) *testPKI {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	ca, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &testPKI{
		caPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		ca:    ca,
		caKey: key,
	}
}

func (p *testPKI) issue(t *testing.T, cn string, dnsNames []string) []byte {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     dnsNames,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, p.ca, &key.PublicKey, p.caKey)
	require.NoError(t, err)

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

type testEnv struct {
	verifier *Verifier
	sets     *fakeSets
	pinger   *fakePinger
	resolver *fakeResolver
	conns    *fakeConns
	pki      *testPKI
}

func newTestEnv(t *testing.T, mutate func(*config.TrustConfig)) *testEnv {
	t.Helper()

	pki := newTestPKI(t)
	rootsPath := filepath.Join(t.TempDir(), "roots.pem")
	require.NoError(t, os.WriteFile(rootsPath, pki.caPEM, 0600))

	cfg := &config.TrustConfig{
		RootsFile:      rootsPath,
		MaxConnections: 10,
		PingTimeout:    "10ms",
	}
	if mutate != nil {
		mutate(cfg)
	}

	sets := newFakeSets()
	logger := logging.New(logging.Config{Level: logging.LevelError, Output: io.Discard})
	v, err := NewVerifier(cfg, sets, logger)
	require.NoError(t, err)

	pinger := &fakePinger{down: make(map[string]bool)}
	resolver := &fakeResolver{names: make(map[string][]string)}
	conns := &fakeConns{counts: make(map[string]int)}
	v.WithProbes(pinger, resolver, conns)

	return &testEnv{verifier: v, sets: sets, pinger: pinger, resolver: resolver, conns: conns, pki: pki}
}

func TestVerifyHostAddsToVerifiedSet(t *testing.T) {
	env := newTestEnv(t, nil)
	cert := env.pki.issue(t, "app-1", nil)

	err := env.verifier.VerifyHost(context.Background(), "10.0.0.5", cert)
	require.NoError(t, err)

	assert.True(t, env.sets.isVerified("10.0.0.5"))
	assert.Equal(t, StateVerified, env.verifier.State("10.0.0.5"))
}

func TestVerifyHostRejectsUntrustedCert(t *testing.T) {
	env := newTestEnv(t, nil)
	rogue := newTestPKI(t)
	cert := rogue.issue(t, "app-1", nil)

	err := env.verifier.VerifyHost(context.Background(), "10.0.0.5", cert)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "certificate verification failed")

	assert.False(t, env.sets.isVerified("10.0.0.5"))
	assert.Equal(t, StateUnverified, env.verifier.State("10.0.0.5"))
}

func TestVerifyHostRejectsGarbagePEM(t *testing.T) {
	env := newTestEnv(t, nil)

	err := env.verifier.VerifyHost(context.Background(), "10.0.0.5", []byte("not a certificate"))
	require.Error(t, err)
	assert.False(t, env.sets.isVerified("10.0.0.5"))
}

func TestVerifyHostChecksReverseDNS(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.TrustConfig) {
		cfg.Resolver = "10.0.0.53"
		cfg.Hosts = []config.TrustHost{
			{Address: "10.0.0.8", Hostname: "db.internal"},
		}
	})
	cert := env.pki.issue(t, "db.internal", []string{"db.internal"})

	env.resolver.names["10.0.0.8"] = []string{"impostor.internal"}
	err := env.verifier.VerifyHost(context.Background(), "10.0.0.8", cert)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reverse DNS")
	assert.False(t, env.sets.isVerified("10.0.0.8"))

	env.resolver.names["10.0.0.8"] = []string{"db.internal"}
	require.NoError(t, env.verifier.VerifyHost(context.Background(), "10.0.0.8", cert))
	assert.True(t, env.sets.isVerified("10.0.0.8"))
}

func TestCompromisedIsTerminal(t *testing.T) {
	env := newTestEnv(t, nil)
	cert := env.pki.issue(t, "app-1", nil)
	ctx := context.Background()

	require.NoError(t, env.verifier.VerifyHost(ctx, "10.0.0.5", cert))
	require.NoError(t, env.verifier.MarkCompromised(ctx, "10.0.0.5", "ids alert"))

	assert.False(t, env.sets.isVerified("10.0.0.5"))
	assert.True(t, env.sets.isCompromised("10.0.0.5"))
	assert.Equal(t, StateCompromised, env.verifier.State("10.0.0.5"))

	err := env.verifier.VerifyHost(ctx, "10.0.0.5", cert)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compromised")
}

func TestRunPassDemotesUnreachableHost(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	require.NoError(t, env.verifier.VerifyHost(ctx, "10.0.0.5", env.pki.issue(t, "app-1", nil)))
	require.NoError(t, env.verifier.VerifyHost(ctx, "10.0.0.6", env.pki.issue(t, "app-2", nil)))

	env.pinger.down["10.0.0.5"] = true

	for i := 0; i < demotionTolerance-1; i++ {
		require.NoError(t, env.verifier.RunPass(ctx))
		assert.True(t, env.sets.isVerified("10.0.0.5"), "pass %d should not demote yet", i+1)
	}

	require.NoError(t, env.verifier.RunPass(ctx))
	assert.False(t, env.sets.isVerified("10.0.0.5"))
	assert.Equal(t, StateUnverified, env.verifier.State("10.0.0.5"))

	// The unreachable host never affected its neighbor.
	assert.True(t, env.sets.isVerified("10.0.0.6"))
	assert.Equal(t, StateVerified, env.verifier.State("10.0.0.6"))
}

func TestRunPassRecoveryResetsFailureCount(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	require.NoError(t, env.verifier.VerifyHost(ctx, "10.0.0.5", env.pki.issue(t, "app-1", nil)))

	env.pinger.down["10.0.0.5"] = true
	require.NoError(t, env.verifier.RunPass(ctx))
	require.NoError(t, env.verifier.RunPass(ctx))

	env.pinger.down["10.0.0.5"] = false
	require.NoError(t, env.verifier.RunPass(ctx))

	env.pinger.down["10.0.0.5"] = true
	require.NoError(t, env.verifier.RunPass(ctx))
	require.NoError(t, env.verifier.RunPass(ctx))
	assert.True(t, env.sets.isVerified("10.0.0.5"), "two failures after recovery should not demote")
}

func TestRunPassDemotesSuspiciousHostWithValidCert(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	require.NoError(t, env.verifier.VerifyHost(ctx, "10.0.0.5", env.pki.issue(t, "app-1", nil)))
	env.conns.counts["10.0.0.5"] = 500

	require.NoError(t, env.verifier.RunPass(ctx))
	assert.False(t, env.sets.isVerified("10.0.0.5"))
	assert.False(t, env.sets.isCompromised("10.0.0.5"))
	assert.Equal(t, StateUnverified, env.verifier.State("10.0.0.5"))
}

func TestRunPassQuarantinesSuspiciousHostWithBadCert(t *testing.T) {
	var certPath string
	env := newTestEnv(t, func(cfg *config.TrustConfig) {
		certPath = filepath.Join(t.TempDir(), "host.pem")
		cfg.Hosts = []config.TrustHost{
			{Address: "10.0.0.5", CertFile: certPath},
		}
	})
	ctx := context.Background()

	require.NoError(t, os.WriteFile(certPath, env.pki.issue(t, "app-1", nil), 0600))
	require.NoError(t, env.verifier.VerifyHost(ctx, "10.0.0.5", env.pki.issue(t, "app-1", nil)))

	// The host's certificate is swapped for one from an untrusted
	// issuer while its connection volume spikes.
	rogue := newTestPKI(t)
	require.NoError(t, os.WriteFile(certPath, rogue.issue(t, "app-1", nil), 0600))
	env.conns.counts["10.0.0.5"] = 500

	require.NoError(t, env.verifier.RunPass(ctx))
	assert.True(t, env.sets.isCompromised("10.0.0.5"))
	assert.False(t, env.sets.isVerified("10.0.0.5"))
	assert.Equal(t, StateCompromised, env.verifier.State("10.0.0.5"))
}

func TestRunPassStopsOnCancelledContext(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.verifier.VerifyHost(context.Background(), "10.0.0.5", env.pki.issue(t, "app-1", nil)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, env.verifier.RunPass(ctx))
}

func TestTaskUsesConfiguredInterval(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.TrustConfig) {
		cfg.Interval = "90s"
	})

	task := env.verifier.Task()
	require.NotNil(t, task.Schedule)
	assert.Equal(t, "trust-verify", task.ID)

	now := time.Now()
	assert.Equal(t, now.Add(90*time.Second), task.Schedule.Next(now))
}
