package cmd

import (
	"context"
	"fmt"
	"os"
)

// RunApply applies one named policy from the configuration. The exit
// is non-zero unless every rule landed; partially applied policies
// are itemized rule by rule.
func RunApply(configFile, policyName string, skipValidation bool) error {
	mgr, store, cfg, err := newManager(configFile)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	policy, err := cfg.Policy(policyName)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := mgr.Initialize(ctx); err != nil {
		return err
	}

	result, applyErr := mgr.ApplyPolicy(ctx, policy, !skipValidation)

	for _, w := range result.Validation.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
	if len(result.Validation.Errors) > 0 {
		fmt.Fprintf(os.Stderr, "Policy %q failed validation:\n", policyName)
		for _, e := range result.Validation.Errors {
			fmt.Fprintf(os.Stderr, "  - %s\n", e)
		}
		return applyErr
	}

	for _, name := range result.Applied {
		fmt.Printf("  applied: %s\n", name)
	}
	for name, reason := range result.Failed {
		fmt.Fprintf(os.Stderr, "  failed:  %s (%s)\n", name, reason)
	}

	if applyErr != nil {
		if len(result.Applied) > 0 {
			fmt.Fprintf(os.Stderr, "warning: %d applied rule(s) remain in force; there is no automatic rollback\n",
				len(result.Applied))
		}
		return applyErr
	}
	fmt.Printf("Policy %q applied: %d rule(s)\n", policyName, len(result.Applied))
	return nil
}
