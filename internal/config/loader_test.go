package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palisade-fw/palisade/internal/rule"
)

const hclConfig = `
schema_version = "1"

policy "db_access" {
  risk_level = "high"
  environments = ["prod"]

  rule "allow_postgres" {
    action    = "allow"
    direction = "in"
    proto     = "tcp"
    port      = "5432"
    source    = "10.2.0.0/16"
    priority  = 10
  }
}

zone "internal" {
  cidrs          = ["10.0.0.0/8"]
  trust_level    = "internal"
  default_policy = "deny"
}

trust {
  interval        = "2m"
  max_connections = 500
}
`

const yamlConfig = `
schema_version: "1"
policies:
  - name: db_access
    risk_level: high
    environments: ["prod"]
    rules:
      - name: allow_postgres
        action: allow
        direction: in
        proto: tcp
        port: "5432"
        source: 10.2.0.0/16
        priority: 10
zones:
  - name: internal
    cidrs: ["10.0.0.0/8"]
    trust_level: internal
    default_policy: deny
`

func TestLoadHCL(t *testing.T) {
	cfg, err := LoadHCL([]byte(hclConfig), "test.hcl")
	require.NoError(t, err)

	require.Len(t, cfg.Policies, 1)
	p := cfg.Policies[0]
	assert.Equal(t, "db_access", p.Name)
	assert.Equal(t, rule.RiskHigh, p.RiskLevel)
	require.Len(t, p.Rules, 1)
	assert.Equal(t, rule.ActionAllow, p.Rules[0].Action)
	assert.Equal(t, "5432", p.Rules[0].Port)
	assert.Equal(t, "10.2.0.0/16", p.Rules[0].Source)

	require.Len(t, cfg.Zones, 1)
	assert.Equal(t, rule.TrustInternal, cfg.Zones[0].TrustLevel)

	require.NotNil(t, cfg.Trust)
	assert.Equal(t, "2m", cfg.Trust.Interval)
	assert.Equal(t, 500, cfg.Trust.ConnectionLimit())
}

func TestLoadYAMLMatchesHCL(t *testing.T) {
	fromHCL, err := LoadHCL([]byte(hclConfig), "test.hcl")
	require.NoError(t, err)

	fromYAML, err := LoadYAML([]byte(yamlConfig))
	require.NoError(t, err)

	assert.Equal(t, fromHCL.Policies, fromYAML.Policies)
	assert.Equal(t, fromHCL.Zones, fromYAML.Zones)
}

func TestLoadFileDispatch(t *testing.T) {
	dir := t.TempDir()

	hclPath := filepath.Join(dir, "palisade.hcl")
	require.NoError(t, os.WriteFile(hclPath, []byte(hclConfig), 0o644))
	cfg, err := LoadFile(hclPath)
	require.NoError(t, err)
	assert.Equal(t, "db_access", cfg.Policies[0].Name)

	yamlPath := filepath.Join(dir, "palisade.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(yamlConfig), 0o644))
	cfg, err = LoadFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "db_access", cfg.Policies[0].Name)
}

func TestLoadFallsBackToDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assertDefaultShape(t, cfg)

	cfg, err = Load(filepath.Join(t.TempDir(), "missing.hcl"))
	require.NoError(t, err)
	assertDefaultShape(t, cfg)
}

func assertDefaultShape(t *testing.T, cfg *Config) {
	t.Helper()

	require.Len(t, cfg.Policies, 2)
	ssh, err := cfg.Policy("ssh_restricted")
	require.NoError(t, err)
	assert.True(t, ssh.ValidationRequired())

	web, err := cfg.Policy("web_services")
	require.NoError(t, err)
	assert.True(t, web.AutoApply)
	assert.Len(t, web.OrderedRules(), 2)

	require.Len(t, cfg.Zones, 2)

	// The default config must always validate cleanly.
	errs, _ := cfg.Validate()
	assert.Empty(t, errs)
}

func TestYAMLRoundTrip(t *testing.T) {
	cfg := Default()

	out, err := MarshalYAML(cfg)
	require.NoError(t, err)

	reloaded, err := LoadYAML(out)
	require.NoError(t, err)

	assert.Equal(t, cfg.Policies, reloaded.Policies)
	assert.Equal(t, cfg.Zones, reloaded.Zones)
}

func TestHCLEnvInterpolation(t *testing.T) {
	t.Setenv("PALISADE_TEST_SOURCE", "10.9.0.0/16")

	doc := `
policy "env_sourced" {
  risk_level = "high"
  rule "allow_admin" {
    action    = "allow"
    direction = "in"
    proto     = "tcp"
    port      = "8443"
    source    = env.PALISADE_TEST_SOURCE
  }
}
`
	cfg, err := LoadHCL([]byte(doc), "env.hcl")
	require.NoError(t, err)
	assert.Equal(t, "10.9.0.0/16", cfg.Policies[0].Rules[0].Source)
}

func TestPolicyLookupError(t *testing.T) {
	cfg := Default()
	_, err := cfg.Policy("nonexistent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "web_services")
}
