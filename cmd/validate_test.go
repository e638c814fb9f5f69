package cmd

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRunValidate_ValidConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "valid.hcl")

	validConfig := `
schema_version = "1"

policy "db_access" {
  risk_level = "high"

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
`
	if err := os.WriteFile(configPath, []byte(validConfig), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if err := RunValidate(configPath, false); err != nil {
		t.Errorf("RunValidate() error = %v, want nil", err)
	}
}

func TestRunValidate_RiskyLowRiskPolicy(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "risky.hcl")

	riskyConfig := `
schema_version = "1"

policy "open_everything" {
  risk_level = "low"

  rule "allow_all" {
    action    = "allow"
    direction = "in"
    priority  = 10
  }
}
`
	if err := os.WriteFile(configPath, []byte(riskyConfig), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if err := RunValidate(configPath, false); err == nil {
		t.Error("RunValidate() error = nil, want validation failure")
	}
}

func TestRunValidate_MalformedHCL(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "broken.hcl")

	if err := os.WriteFile(configPath, []byte("policy \"x\" {\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if err := RunValidate(configPath, false); err == nil {
		t.Error("RunValidate() error = nil, want parse failure")
	}
}
