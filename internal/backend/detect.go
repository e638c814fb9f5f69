package backend

import (
	"fmt"

	"github.com/palisade-fw/palisade/internal/logging"
)

// Detect probes the host for supported packet-filter tools and returns
// the first available one in priority order. The order is
// deterministic: the simplest default-deny-capable front-end wins, the
// raw tool is the fallback.
func Detect(runner CommandRunner, logger *logging.Logger) (Backend, error) {
	for _, b := range candidates(runner, logger) {
		if b.Available() {
			logger.Info("firewall backend detected", "backend", b.Name())
			return b, nil
		}
		logger.Debug("backend not available", "backend", b.Name())
	}
	return nil, ErrNoBackend
}

// Select returns the named backend regardless of priority order,
// failing if it is not available on the host. Used when the
// configuration pins a backend explicitly.
func Select(name string, runner CommandRunner, logger *logging.Logger) (Backend, error) {
	for _, b := range candidates(runner, logger) {
		if b.Name() != name {
			continue
		}
		if !b.Available() {
			return nil, fmt.Errorf("backend %q is configured but not available on this host", name)
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown backend %q", name)
}

func candidates(runner CommandRunner, logger *logging.Logger) []Backend {
	if runner == nil {
		runner = DefaultCommandRunner
	}
	return []Backend{
		NewUFW(runner, logger),
		NewFirewalld(runner, logger),
		NewNFTables(runner, logger),
		NewIptables(runner, logger),
	}
}
