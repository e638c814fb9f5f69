package cmd

import (
	"fmt"
	"os"

	"github.com/palisade-fw/palisade/internal/config"
	"github.com/palisade-fw/palisade/internal/validation"
)

// RunValidate checks a configuration file offline: structural
// validity, per-policy conflict and risk analysis, and zone overlap
// warnings. Nothing touches the backend.
func RunValidate(configFile string, verbose bool) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	errs, warnings := cfg.Validate()

	failed := 0
	for i := range cfg.Policies {
		p := &cfg.Policies[i]
		res := validation.ValidatePolicy(p)
		for _, w := range res.Warnings {
			warnings = append(warnings, fmt.Sprintf("policy %q: %s", p.Name, w))
		}
		if !res.OK {
			failed++
			fmt.Fprintf(os.Stderr, "Policy %q failed validation:\n", p.Name)
			for _, e := range res.Errors {
				fmt.Fprintf(os.Stderr, "  - %s\n", e)
			}
		} else if verbose {
			fmt.Printf("Policy %q: OK (%d rules, risk %s)\n", p.Name, len(p.Rules), p.EffectiveRiskLevel())
		}
	}

	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
	for _, e := range errs {
		fmt.Fprintf(os.Stderr, "error: %s\n", e)
	}

	if len(errs) > 0 || failed > 0 {
		return fmt.Errorf("validation failed: %d config error(s), %d policy failure(s)", len(errs), failed)
	}

	fmt.Printf("Configuration valid: %d policies, %d zones\n", len(cfg.Policies), len(cfg.Zones))
	return nil
}
