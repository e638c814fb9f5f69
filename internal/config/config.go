// Package config loads and validates the declarative configuration:
// security policies, network zones, trust verification settings and the
// ambient knobs (logging, audit). HCL is the primary format, with YAML
// and JSON variants accepted. The configuration document is the durable
// source of truth for declared policy; enforced state lives in the
// backend and is always re-queried.
package config

import (
	"fmt"
	"time"

	"github.com/palisade-fw/palisade/internal/rule"
	"github.com/palisade-fw/palisade/internal/validation"
)

// Config is the root of the declarative configuration.
type Config struct {
	SchemaVersion string `hcl:"schema_version,optional" yaml:"schema_version,omitempty" json:"schema_version,omitempty"`

	// Backend forces a specific backend instead of auto-detection.
	Backend string `hcl:"backend,optional" yaml:"backend,omitempty" json:"backend,omitempty"`

	Policies []rule.Policy `hcl:"policy,block" yaml:"policies" json:"policies"`
	Zones    []rule.Zone   `hcl:"zone,block" yaml:"zones" json:"zones"`

	Trust   *TrustConfig   `hcl:"trust,block" yaml:"trust,omitempty" json:"trust,omitempty"`
	Logging *LoggingConfig `hcl:"logging,block" yaml:"logging,omitempty" json:"logging,omitempty"`
	Audit   *AuditConfig   `hcl:"audit,block" yaml:"audit,omitempty" json:"audit,omitempty"`
}

// TrustConfig controls the trust verification layer.
type TrustConfig struct {
	// RootsFile is a PEM bundle of trusted root certificates used for
	// host certificate validation. Empty means the system pool.
	RootsFile string `hcl:"roots_file,optional" yaml:"roots_file,omitempty" json:"roots_file,omitempty"`

	// Interval between continuous verification passes, e.g. "5m".
	Interval string `hcl:"interval,optional" yaml:"interval,omitempty" json:"interval,omitempty"`

	// Resolver is the DNS server used for reverse-lookup identity
	// checks, host:port. Empty disables the reverse-DNS check.
	Resolver string `hcl:"resolver,optional" yaml:"resolver,omitempty" json:"resolver,omitempty"`

	// MaxConnections is the per-host concurrent connection count above
	// which behavior is considered suspicious. 0 uses the default.
	MaxConnections int `hcl:"max_connections,optional" yaml:"max_connections,omitempty" json:"max_connections,omitempty"`

	// PingTimeout bounds each reachability probe, e.g. "3s".
	PingTimeout string `hcl:"ping_timeout,optional" yaml:"ping_timeout,omitempty" json:"ping_timeout,omitempty"`

	Hosts []TrustHost `hcl:"host,block" yaml:"hosts,omitempty" json:"hosts,omitempty"`
}

// TrustHost declares a host whose trust should be established at
// startup and re-verified continuously.
type TrustHost struct {
	Address  string `hcl:"address,label" yaml:"address" json:"address"`
	CertFile string `hcl:"cert_file,optional" yaml:"cert_file,omitempty" json:"cert_file,omitempty"`
	// Hostname is the expected certificate/PTR identity of the host.
	Hostname string `hcl:"hostname,optional" yaml:"hostname,omitempty" json:"hostname,omitempty"`
}

// VerifyInterval returns the parsed continuous-verification interval,
// defaulting to five minutes.
func (t *TrustConfig) VerifyInterval() time.Duration {
	if t == nil || t.Interval == "" {
		return 5 * time.Minute
	}
	d, err := time.ParseDuration(t.Interval)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// ProbeTimeout returns the parsed per-host probe timeout, defaulting
// to three seconds.
func (t *TrustConfig) ProbeTimeout() time.Duration {
	if t == nil || t.PingTimeout == "" {
		return 3 * time.Second
	}
	d, err := time.ParseDuration(t.PingTimeout)
	if err != nil || d <= 0 {
		return 3 * time.Second
	}
	return d
}

// ConnectionLimit returns the suspicious-connection threshold,
// defaulting to 1000.
func (t *TrustConfig) ConnectionLimit() int {
	if t == nil || t.MaxConnections <= 0 {
		return 1000
	}
	return t.MaxConnections
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `hcl:"level,optional" yaml:"level,omitempty" json:"level,omitempty"`
	JSON  bool   `hcl:"json,optional" yaml:"json,omitempty" json:"json,omitempty"`
}

// AuditConfig controls the audit store.
type AuditConfig struct {
	Path          string `hcl:"path,optional" yaml:"path,omitempty" json:"path,omitempty"`
	RetentionDays int    `hcl:"retention_days,optional" yaml:"retention_days,omitempty" json:"retention_days,omitempty"`
}

// Policy returns the named policy, or an error listing what exists.
func (c *Config) Policy(name string) (*rule.Policy, error) {
	for i := range c.Policies {
		if c.Policies[i].Name == name {
			return &c.Policies[i], nil
		}
	}
	names := make([]string, 0, len(c.Policies))
	for i := range c.Policies {
		names = append(names, c.Policies[i].Name)
	}
	return nil, fmt.Errorf("policy %q not found (have: %v)", name, names)
}

// Validate checks structural validity of every policy and zone.
// It returns hard errors plus advisory warnings (zone overlap).
func (c *Config) Validate() (errs []string, warnings []string) {
	seen := make(map[string]bool, len(c.Policies))
	for i := range c.Policies {
		p := &c.Policies[i]
		if err := p.CheckRequired(); err != nil {
			errs = append(errs, err.Error())
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Sprintf("duplicate policy name %q", p.Name))
		}
		seen[p.Name] = true
	}

	zres := validation.ValidateZones(c.Zones)
	errs = append(errs, zres.Errors...)
	warnings = append(warnings, zres.Warnings...)
	return errs, warnings
}
