package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	engineMetricsOnce sync.Once
	engineRegistry    *EngineMetrics

	strategyMetricsOnce sync.Once
	strategyRegistry    *StrategyMetrics

	bridgeMetricsOnce sync.Once
	bridgeRegistry    *BridgeMetrics
)

// EngineMetrics exposes Prometheus collectors for the payment state machine.
type EngineMetrics struct {
	transitions *prometheus.CounterVec
	commands    *prometheus.CounterVec
	queueDepth  prometheus.Gauge
	overloads   prometheus.Counter
}

// Engine returns the lazily-initialised engine metrics registry.
func Engine() *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineRegistry = &EngineMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "yieldrails",
				Subsystem: "engine",
				Name:      "transitions_total",
				Help:      "Payment state transitions segmented by source and target state.",
			}, []string{"from", "to"}),
			commands: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "yieldrails",
				Subsystem: "engine",
				Name:      "commands_total",
				Help:      "Commands processed segmented by kind and outcome.",
			}, []string{"kind", "outcome"}),
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "yieldrails",
				Subsystem: "engine",
				Name:      "command_queue_depth",
				Help:      "Current depth of the bounded command intake queue.",
			}),
			overloads: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "yieldrails",
				Subsystem: "engine",
				Name:      "overloads_total",
				Help:      "Commands rejected because the intake queue was full.",
			}),
		}
		prometheus.MustRegister(
			engineRegistry.transitions,
			engineRegistry.commands,
			engineRegistry.queueDepth,
			engineRegistry.overloads,
		)
	})
	return engineRegistry
}

// RecordTransition counts a committed state transition.
func (m *EngineMetrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// RecordCommand counts a processed command.
func (m *EngineMetrics) RecordCommand(kind, outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "ok"
	}
	m.commands.WithLabelValues(kind, outcome).Inc()
}

// SetQueueDepth publishes the current intake queue depth.
func (m *EngineMetrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// RecordOverload counts a backpressure rejection.
func (m *EngineMetrics) RecordOverload() {
	if m == nil {
		return
	}
	m.overloads.Inc()
}

// StrategyMetrics exposes Prometheus collectors for the adapter layer.
type StrategyMetrics struct {
	calls        *prometheus.CounterVec
	errors       *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	breakerState *prometheus.GaugeVec
	staleReads   *prometheus.CounterVec
}

// Strategy returns the lazily-initialised strategy metrics registry.
func Strategy() *StrategyMetrics {
	strategyMetricsOnce.Do(func() {
		strategyRegistry = &StrategyMetrics{
			calls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "yieldrails",
				Subsystem: "strategy",
				Name:      "calls_total",
				Help:      "Adapter calls segmented by strategy, operation, and outcome.",
			}, []string{"strategy", "op", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "yieldrails",
				Subsystem: "strategy",
				Name:      "errors_total",
				Help:      "Adapter failures segmented by strategy and classification.",
			}, []string{"strategy", "class"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "yieldrails",
				Subsystem: "strategy",
				Name:      "call_duration_seconds",
				Help:      "Latency distribution of adapter calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"strategy", "op"}),
			breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "yieldrails",
				Subsystem: "strategy",
				Name:      "breaker_state",
				Help:      "Circuit breaker state per strategy (0=closed, 1=open, 2=half_open).",
			}, []string{"strategy"}),
			staleReads: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "yieldrails",
				Subsystem: "strategy",
				Name:      "stale_reads_total",
				Help:      "APY reads served from the last-known-good cache.",
			}, []string{"strategy"}),
		}
		prometheus.MustRegister(
			strategyRegistry.calls,
			strategyRegistry.errors,
			strategyRegistry.latency,
			strategyRegistry.breakerState,
			strategyRegistry.staleReads,
		)
	})
	return strategyRegistry
}

// ObserveCall records an adapter call outcome and latency.
func (m *StrategyMetrics) ObserveCall(strategyID, op string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.calls.WithLabelValues(strategyID, op, outcome).Inc()
	m.latency.WithLabelValues(strategyID, op).Observe(duration.Seconds())
}

// RecordError counts an adapter failure by classification.
func (m *StrategyMetrics) RecordError(strategyID, class string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(strategyID, strings.ToLower(class)).Inc()
}

// SetBreakerState publishes the breaker state for a strategy.
func (m *StrategyMetrics) SetBreakerState(strategyID string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(strategyID).Set(float64(state))
}

// RecordStaleRead counts an APY read served from cache.
func (m *StrategyMetrics) RecordStaleRead(strategyID string) {
	if m == nil {
		return
	}
	m.staleReads.WithLabelValues(strategyID).Inc()
}

// BridgeMetrics exposes Prometheus collectors for the cross-chain
// coordinator.
type BridgeMetrics struct {
	steps        *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	timeouts     *prometheus.CounterVec
	reconcile    prometheus.Counter
}

// Bridge returns the lazily-initialised bridge metrics registry.
func Bridge() *BridgeMetrics {
	bridgeMetricsOnce.Do(func() {
		bridgeRegistry = &BridgeMetrics{
			steps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "yieldrails",
				Subsystem: "bridge",
				Name:      "steps_total",
				Help:      "Bridge coordination steps segmented by step and outcome.",
			}, []string{"step", "outcome"}),
			stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "yieldrails",
				Subsystem: "bridge",
				Name:      "step_duration_seconds",
				Help:      "Latency distribution of bridge steps.",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			}, []string{"step"}),
			timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "yieldrails",
				Subsystem: "bridge",
				Name:      "timeouts_total",
				Help:      "Bridge steps that exceeded their deadline.",
			}, []string{"step"}),
			reconcile: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "yieldrails",
				Subsystem: "bridge",
				Name:      "reconciliation_flags_total",
				Help:      "Suspected double-spend reconciliation flags raised.",
			}),
		}
		prometheus.MustRegister(
			bridgeRegistry.steps,
			bridgeRegistry.stepDuration,
			bridgeRegistry.timeouts,
			bridgeRegistry.reconcile,
		)
	})
	return bridgeRegistry
}

// ObserveStep records a completed bridge step.
func (m *BridgeMetrics) ObserveStep(step string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.steps.WithLabelValues(step, outcome).Inc()
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordTimeout counts a bridge step deadline expiry.
func (m *BridgeMetrics) RecordTimeout(step string) {
	if m == nil {
		return
	}
	m.timeouts.WithLabelValues(step).Inc()
}

// RecordReconciliationFlag counts a DoubleSpendSuspected operator alert.
func (m *BridgeMetrics) RecordReconciliationFlag() {
	if m == nil {
		return
	}
	m.reconcile.Inc()
}
