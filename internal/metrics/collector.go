package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/palisade-fw/palisade/internal/backend"
	"github.com/palisade-fw/palisade/internal/clock"
	"github.com/palisade-fw/palisade/internal/logging"
)

// Collector periodically refreshes the gauges that mirror live
// backend state: active rule count and trust set sizes.
type Collector struct {
	registry *Registry
	logger   *logging.Logger
	backend  backend.Backend
	interval time.Duration

	mu         sync.RWMutex
	lastUpdate time.Time
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// NewCollector creates a collector polling the given backend.
func NewCollector(reg *Registry, b backend.Backend, interval time.Duration, logger *logging.Logger) *Collector {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Collector{
		registry: reg,
		logger:   logger.WithComponent("metrics"),
		backend:  b,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the polling loop. It returns immediately.
func (c *Collector) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.collectOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.collectOnce(ctx)
			}
		}
	}()
}

// Stop halts the polling loop.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// LastUpdate reports when the gauges were last refreshed.
func (c *Collector) LastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdate
}

func (c *Collector) collectOnce(ctx context.Context) {
	st, err := c.backend.Status(ctx)
	if err != nil {
		c.logger.Warn("status collection failed", "error", err)
		return
	}
	c.registry.ActiveRules.Set(float64(st.RuleCount))

	sets, err := c.backend.TrustSets(ctx)
	if err != nil {
		c.logger.Warn("trust set collection failed", "error", err)
		return
	}
	c.registry.UpdateTrustSets(len(sets.Verified), len(sets.Compromised))

	c.mu.Lock()
	c.lastUpdate = clock.Now()
	c.mu.Unlock()
}
