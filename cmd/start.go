package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/palisade-fw/palisade/internal/compliance"
	"github.com/palisade-fw/palisade/internal/logging"
	"github.com/palisade-fw/palisade/internal/metrics"
	"github.com/palisade-fw/palisade/internal/scheduler"
	"github.com/palisade-fw/palisade/internal/trust"
)

const complianceEvalInterval = 15 * time.Minute

// RunStart runs palisade as a foreground daemon: auto-apply policies
// go to the backend, the trust loop and periodic compliance
// evaluation run on the scheduler, and metrics are served over HTTP
// until SIGINT or SIGTERM.
func RunStart(configFile, metricsAddr string) error {
	mgr, store, cfg, err := newManager(configFile)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}
	logger := logging.Default()

	ctx := context.Background()
	if err := mgr.Initialize(ctx); err != nil {
		return err
	}

	failedPolicies := 0
	for i := range cfg.Policies {
		p := &cfg.Policies[i]
		if !p.AutoApply {
			continue
		}
		result, err := mgr.ApplyPolicy(ctx, p, true)
		if err != nil {
			failedPolicies++
			logger.Error("auto-apply failed", "policy", p.Name, "error", err)
			for name, reason := range result.Failed {
				fmt.Fprintf(os.Stderr, "  failed: %s/%s (%s)\n", p.Name, name, reason)
			}
			continue
		}
		logger.Info("policy auto-applied", "policy", p.Name, "rules", len(result.Applied))
	}

	verifier, err := trust.NewVerifier(cfg.Trust, mgr, logger)
	if err != nil {
		return err
	}
	verifier.Bootstrap(ctx)

	engine := compliance.NewEngine()

	sched := scheduler.New(logger)
	if err := sched.AddTask(verifier.Task()); err != nil {
		return err
	}
	err = sched.AddTask(&scheduler.Task{
		ID:         "compliance-eval",
		Name:       "Periodic compliance evaluation",
		Schedule:   scheduler.Every(complianceEvalInterval),
		RunOnStart: true,
		Func: func(ctx context.Context) error {
			snap, err := mgr.Snapshot(ctx)
			if err != nil {
				return err
			}
			for name, res := range engine.Check(snap) {
				logger.Info("compliance evaluated", "framework", name,
					"score", res.Score, "failed", len(res.Failed))
			}
			return nil
		},
	})
	if err != nil {
		return err
	}
	if store != nil {
		if err := sched.AddTask(store.PruneTask(logger)); err != nil {
			return err
		}
	}
	sched.Start()
	defer sched.Stop()

	collector := metrics.NewCollector(metrics.Get(), mgr.ActiveBackend(), 0, logger)
	collectorCtx, cancelCollector := context.WithCancel(ctx)
	defer cancelCollector()
	collector.Start(collectorCtx)
	defer collector.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	logger.Info("palisade started", "backend", mgr.Backend(), "metrics", metricsAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown", "error", err)
	}

	if failedPolicies > 0 {
		return fmt.Errorf("%d auto-apply policies failed", failedPolicies)
	}
	return nil
}
