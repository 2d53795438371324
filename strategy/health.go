package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Prober drives the background health loop. Every interval each registered
// adapter is probed once; probe results update the shared snapshot cache
// and feed the breaker. Health data is advisory and never blocks a payment
// transition.
type Prober struct {
	registry *Registry
	interval time.Duration
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// ProberOption customises a Prober.
type ProberOption func(*Prober)

// WithProbeLogger installs a custom logger.
func WithProbeLogger(l *slog.Logger) ProberOption {
	return func(p *Prober) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewProber constructs a health prober over the registry. The per-adapter
// probe rate is capped at one burst per interval so a short interval cannot
// hammer a recovering upstream.
func NewProber(registry *Registry, interval time.Duration, opts ...ProberOption) (*Prober, error) {
	if registry == nil {
		return nil, fmt.Errorf("strategy: registry required")
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	p := &Prober{
		registry: registry,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(interval/4), 2),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Run blocks, probing every adapter each interval until the context is
// cancelled.
func (p *Prober) Run(ctx context.Context) error {
	if p == nil {
		return fmt.Errorf("strategy: prober not configured")
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.logger.Info("strategy health prober started",
		"interval", p.interval.String(),
		"adapters", len(p.registry.IDs()))
	for {
		p.Tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick probes every registered adapter once.
func (p *Prober) Tick(ctx context.Context) {
	for _, client := range p.registry.Clients() {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		probeCtx, cancel := context.WithTimeout(ctx, p.interval)
		snap := client.Probe(probeCtx)
		cancel()
		if !snap.Healthy {
			p.logger.Warn("strategy unhealthy",
				"strategy", client.ID(),
				"breaker", client.BreakerState().String())
		}
	}
}
