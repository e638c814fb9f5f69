package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/palisade-fw/palisade/internal/logging"
	"github.com/palisade-fw/palisade/internal/trust"
)

// RunVerify performs a one-shot trust verification of a host against
// the certificate in certPath. On success the host joins the backend
// verified set.
func RunVerify(configFile, host, certPath string) error {
	mgr, store, cfg, err := newManager(configFile)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return fmt.Errorf("failed to read certificate: %w", err)
	}

	ctx := context.Background()
	if err := mgr.Initialize(ctx); err != nil {
		return err
	}

	verifier, err := trust.NewVerifier(cfg.Trust, mgr, logging.Default())
	if err != nil {
		return err
	}
	if err := verifier.VerifyHost(ctx, host, certPEM); err != nil {
		return fmt.Errorf("verification of %s failed: %w", host, err)
	}

	fmt.Printf("Host %s verified and added to the trusted set\n", host)
	return nil
}
