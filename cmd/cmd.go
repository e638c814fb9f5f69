// Package cmd holds one Run* entry point per palisade subcommand. The
// functions return errors rather than exiting; main decides the exit
// code so partial failures can be itemized before the process dies.
package cmd

import (
	"fmt"
	"os"

	"github.com/palisade-fw/palisade/internal/audit"
	"github.com/palisade-fw/palisade/internal/config"
	"github.com/palisade-fw/palisade/internal/firewall"
	"github.com/palisade-fw/palisade/internal/logging"
)

// DefaultConfigFile is where palisade looks for its configuration
// when --config is not given.
const DefaultConfigFile = "/etc/palisade/palisade.hcl"

const defaultAuditPath = "/var/lib/palisade/audit.db"

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if errs, _ := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "config error: %s\n", e)
		}
		return nil, fmt.Errorf("configuration invalid: %d error(s)", len(errs))
	}
	return cfg, nil
}

func setupLogger(cfg *config.Config) *logging.Logger {
	lc := logging.DefaultConfig()
	if cfg.Logging != nil {
		if cfg.Logging.Level != "" {
			lc.Level = logging.ParseLevel(cfg.Logging.Level)
		}
		lc.JSON = cfg.Logging.JSON
	}
	logger := logging.New(lc)
	logging.SetDefault(logger)
	return logger
}

// openAudit opens the configured audit store. A store that cannot be
// opened degrades to log-only auditing rather than blocking the
// firewall.
func openAudit(cfg *config.Config, logger *logging.Logger) *audit.Store {
	path := defaultAuditPath
	retention := 0
	if cfg.Audit != nil {
		if cfg.Audit.Path != "" {
			path = cfg.Audit.Path
		}
		retention = cfg.Audit.RetentionDays
	}
	store, err := audit.Open(path, retention)
	if err != nil {
		logger.Warn("audit store unavailable, events will only be logged", "path", path, "error", err)
		return nil
	}
	return store
}

// newManager wires config, audit and logging into an initialized
// firewall manager. The caller owns closing the returned store.
func newManager(configFile string) (*firewall.Manager, *audit.Store, *config.Config, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, nil, nil, err
	}
	logger := setupLogger(cfg)
	store := openAudit(cfg, logger)
	return firewall.NewManager(cfg, store, logger), store, cfg, nil
}
