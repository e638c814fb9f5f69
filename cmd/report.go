package cmd

import (
	"context"
	"fmt"

	"github.com/palisade-fw/palisade/internal/compliance"
)

// RunReport evaluates compliance frameworks against the live firewall
// state and prints the rendered report. An empty framework name
// evaluates every registered framework.
func RunReport(configFile, framework string) error {
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

	snap, err := mgr.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to snapshot firewall state: %w", err)
	}

	engine := compliance.NewEngine()
	report, err := engine.Report(snap, framework)
	if err != nil {
		return err
	}
	fmt.Print(report)
	return nil
}
