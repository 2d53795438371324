// Package paymentd assembles and runs the payment orchestration daemon: the
// event-sourced engine, the strategy adapter layer with its health prober,
// the cross-chain bridge coordinator, and the HTTP command/query surface.
package paymentd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"yieldrails/accrual"
	"yieldrails/bridge"
	"yieldrails/chain/localchain"
	"yieldrails/config"
	"yieldrails/engine"
	"yieldrails/ledger"
	"yieldrails/observability/logging"
	"yieldrails/strategy"
)

// Main initialises and runs the payment daemon until interrupted.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/paymentd/config.yaml", "path to paymentd configuration")
	flag.Parse()

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	env := strings.TrimSpace(os.Getenv("YIELDRAILS_ENV"))
	if env == "" {
		env = cfg.Environment
	}
	logger := logging.Setup("paymentd", env, logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	dbPath := strings.TrimSpace(cfg.DatabasePath)
	if dbPath == "" {
		dbPath = "paymentd.db"
	}
	store, err := ledger.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer func() { _ = store.Close() }()

	registry := strategy.NewRegistry(strategy.NewSnapshotCache())
	retrySchedule := strategy.RetrySchedule{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay.Duration,
		MaxDelay:   cfg.Retry.MaxDelay.Duration,
		Jitter:     cfg.Retry.Jitter,
	}
	// Development wiring: fixed-APY strategies and an in-process chain
	// simulator. Production deployments swap these for the real protocol
	// and contract integrations.
	for id, apyBps := range map[string]int64{
		"tbill-pool":    420,
		"lending-vault": 810,
	} {
		if _, err := registry.Register(id, strategy.NewStaticAdapter(apyBps),
			strategy.WithRetrySchedule(retrySchedule),
			strategy.WithBreaker(strategy.NewBreaker(cfg.Breaker.FailureThreshold, cfg.Breaker.OpenDuration.Duration)),
		); err != nil {
			return fmt.Errorf("register strategy %s: %w", id, err)
		}
	}

	chains := localchain.NewClient(30)
	compliance := localchain.NewCompliance()
	coordinator, err := bridge.NewCoordinator(chains, localchain.Attestor(), bridge.Deadlines{
		Burn:        cfg.Bridge.BurnDeadline.Duration,
		Attestation: cfg.Bridge.AttestationDeadline.Duration,
		Delivery:    cfg.Bridge.DeliveryDeadline.Duration,
	}, cfg.Bridge.PollInterval.Duration, bridge.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("init bridge coordinator: %w", err)
	}

	eng, err := engine.New(store, chains, compliance, registry, coordinator, engine.Settings{
		SnapshotInterval:   cfg.Accrual.SnapshotInterval.Duration,
		StaleAfter:         cfg.Accrual.StaleAfter.Duration,
		MaxStaleInterval:   cfg.Accrual.MaxStaleInterval.Duration,
		CommandQueueDepth:  cfg.Engine.CommandQueueDepth,
		WorkerCount:        cfg.Engine.WorkerCount,
		AbandonmentHorizon: cfg.Engine.AbandonmentHorizon.Duration,
	},
		engine.WithLogger(logger),
		engine.WithDistributionPolicy(accrual.Policy{
			UserBps:     cfg.Distribution.UserBps,
			MerchantBps: cfg.Distribution.MerchantBps,
			ProtocolBps: cfg.Distribution.ProtocolBps,
		}),
	)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer eng.Stop()

	prober, err := strategy.NewProber(registry, cfg.Health.Interval.Duration, strategy.WithProbeLogger(logger))
	if err != nil {
		return fmt.Errorf("init prober: %w", err)
	}
	go func() {
		if err := prober.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("health prober stopped", "error", err)
		}
	}()

	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           NewServer(eng, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("paymentd listening", "addr", cfg.ListenAddress, "database", dbPath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	return nil
}

// loadConfig reads the config file when present and otherwise falls back to
// defaults so the daemon starts out of the box.
func loadConfig(path string) (config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			cfg := config.Default()
			if err := cfg.Normalize(); err != nil {
				return config.Config{}, err
			}
			return cfg, nil
		}
		return config.Config{}, fmt.Errorf("stat config: %w", err)
	}
	return config.Load(path)
}
