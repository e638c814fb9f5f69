package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// RunStatus detects the backend and prints its live state.
func RunStatus(configFile string) error {
	mgr, store, _, err := newManager(configFile)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	ctx := context.Background()
	if err := mgr.Initialize(ctx); err != nil {
		return err
	}

	status, err := mgr.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to query backend status: %w", err)
	}

	fmt.Println("=== Palisade Firewall Status ===")
	fmt.Println()
	fmt.Printf("Backend:  %s\n", status.BackendName)
	if status.Backend.Enabled {
		fmt.Println("State:    ACTIVE")
	} else {
		fmt.Println("State:    INACTIVE")
	}
	fmt.Printf("Rules:    %d\n", status.Backend.RuleCount)
	fmt.Printf("Default deny inbound: %v\n", status.Backend.DefaultDenyInbound)
	fmt.Printf("Logging:  %v\n", status.Backend.LoggingEnabled)

	if len(status.AppliedPolicies) > 0 {
		fmt.Printf("Policies: %s\n", strings.Join(status.AppliedPolicies, ", "))
	}
	if len(status.Zones) > 0 {
		fmt.Printf("Zones:    %s\n", strings.Join(status.Zones, ", "))
	}

	sets, err := mgr.TrustSets(ctx)
	if err == nil {
		fmt.Println()
		fmt.Printf("Verified hosts:    %d\n", len(sets.Verified))
		fmt.Printf("Compromised hosts: %d\n", len(sets.Compromised))
	}

	if len(status.Compliance) > 0 {
		fmt.Println()
		fmt.Println("Compliance:")
		names := make([]string, 0, len(status.Compliance))
		for name := range status.Compliance {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			res := status.Compliance[name]
			fmt.Printf("  %-24s %.0f%% (%d/%d checks)\n", name, res.Score, len(res.Passed), res.Total)
		}
	}

	return nil
}
