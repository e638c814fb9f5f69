package cmd

import (
	"context"
	"fmt"
)

// RunEnable activates the backend and makes the ruleset persist
// across reboots.
func RunEnable(configFile string) error {
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
	if err := mgr.Enable(ctx); err != nil {
		return fmt.Errorf("failed to enable firewall: %w", err)
	}

	fmt.Printf("Firewall enabled and persisted (backend: %s)\n", mgr.Backend())
	return nil
}
