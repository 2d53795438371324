package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for the payment engine daemon.
type Config struct {
	ListenAddress string             `yaml:"listen"`
	DatabasePath  string             `yaml:"database"`
	Environment   string             `yaml:"environment"`
	Log           LogConfig          `yaml:"log"`
	Accrual       AccrualConfig      `yaml:"accrual"`
	Breaker       BreakerConfig      `yaml:"breaker"`
	Retry         RetryConfig        `yaml:"retry"`
	Health        HealthConfig       `yaml:"health"`
	Bridge        BridgeConfig       `yaml:"bridge"`
	Engine        EngineConfig       `yaml:"engine"`
	Distribution  DistributionConfig `yaml:"distribution"`
}

// LogConfig controls structured log output and optional file rotation.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// AccrualConfig tunes the yield snapshot loop and its tolerance for stale
// strategy data.
type AccrualConfig struct {
	SnapshotInterval Duration `yaml:"snapshot_interval"`
	StaleAfter       Duration `yaml:"stale_after"`
	MaxStaleInterval Duration `yaml:"max_stale_interval"`
	YieldPrecision   int      `yaml:"yield_precision"`
}

// BreakerConfig tunes the per-adapter circuit breaker.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	OpenDuration     Duration `yaml:"open_duration"`
}

// RetryConfig tunes the transient-error retry schedule.
type RetryConfig struct {
	MaxRetries int      `yaml:"max_retries"`
	BaseDelay  Duration `yaml:"base_delay"`
	MaxDelay   Duration `yaml:"max_delay"`
	Jitter     float64  `yaml:"jitter"`
}

// HealthConfig tunes the background adapter prober.
type HealthConfig struct {
	Interval Duration `yaml:"interval"`
}

// BridgeConfig tunes cross-chain coordination deadlines.
type BridgeConfig struct {
	BurnDeadline        Duration `yaml:"burn_deadline"`
	AttestationDeadline Duration `yaml:"attestation_deadline"`
	DeliveryDeadline    Duration `yaml:"delivery_deadline"`
	PollInterval        Duration `yaml:"poll_interval"`
}

// EngineConfig tunes command intake and background sweeping.
type EngineConfig struct {
	CommandQueueDepth  int      `yaml:"command_queue_depth"`
	WorkerCount        int      `yaml:"worker_count"`
	AbandonmentHorizon Duration `yaml:"abandonment_horizon"`
}

// DistributionConfig fixes the yield split policy in basis points. The three
// shares must sum to 10_000.
type DistributionConfig struct {
	UserBps     int64 `yaml:"user_bps"`
	MerchantBps int64 `yaml:"merchant_bps"`
	ProtocolBps int64 `yaml:"protocol_bps"`
}

// Default returns the engine configuration defaults.
func Default() Config {
	return Config{
		ListenAddress: ":8089",
		Accrual: AccrualConfig{
			SnapshotInterval: Duration{60 * time.Second},
			StaleAfter:       Duration{120 * time.Second},
			MaxStaleInterval: Duration{600 * time.Second},
			YieldPrecision:   6,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			OpenDuration:     Duration{30 * time.Second},
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  Duration{200 * time.Millisecond},
			MaxDelay:   Duration{5 * time.Second},
			Jitter:     0.2,
		},
		Health: HealthConfig{Interval: Duration{30 * time.Second}},
		Bridge: BridgeConfig{
			BurnDeadline:        Duration{2 * time.Minute},
			AttestationDeadline: Duration{10 * time.Minute},
			DeliveryDeadline:    Duration{5 * time.Minute},
			PollInterval:        Duration{5 * time.Second},
		},
		Engine: EngineConfig{
			CommandQueueDepth:  256,
			WorkerCount:        8,
			AbandonmentHorizon: Duration{7 * 24 * time.Hour},
		},
		Distribution: DistributionConfig{
			UserBps:     7000,
			MerchantBps: 2000,
			ProtocolBps: 1000,
		},
	}
}

// Load reads the YAML configuration at path, applies defaults for unset
// values and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Normalize applies defaults to zero values and rejects inconsistent
// settings.
func (c *Config) Normalize() error {
	if c == nil {
		return fmt.Errorf("nil config")
	}
	def := Default()
	if c.ListenAddress == "" {
		c.ListenAddress = def.ListenAddress
	}
	if c.Accrual.SnapshotInterval.Duration <= 0 {
		c.Accrual.SnapshotInterval = def.Accrual.SnapshotInterval
	}
	if c.Accrual.StaleAfter.Duration <= 0 {
		c.Accrual.StaleAfter = def.Accrual.StaleAfter
	}
	if c.Accrual.MaxStaleInterval.Duration <= 0 {
		c.Accrual.MaxStaleInterval = def.Accrual.MaxStaleInterval
	}
	if c.Accrual.MaxStaleInterval.Duration < c.Accrual.StaleAfter.Duration {
		return fmt.Errorf("max_stale_interval must not be below stale_after")
	}
	if c.Accrual.YieldPrecision <= 0 {
		c.Accrual.YieldPrecision = def.Accrual.YieldPrecision
	}
	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = def.Breaker.FailureThreshold
	}
	if c.Breaker.OpenDuration.Duration <= 0 {
		c.Breaker.OpenDuration = def.Breaker.OpenDuration
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative")
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = def.Retry.MaxRetries
	}
	if c.Retry.BaseDelay.Duration <= 0 {
		c.Retry.BaseDelay = def.Retry.BaseDelay
	}
	if c.Retry.MaxDelay.Duration <= 0 {
		c.Retry.MaxDelay = def.Retry.MaxDelay
	}
	if c.Retry.MaxDelay.Duration < c.Retry.BaseDelay.Duration {
		return fmt.Errorf("max_delay must not be below base_delay")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return fmt.Errorf("jitter must be in [0, 1)")
	}
	if c.Health.Interval.Duration <= 0 {
		c.Health.Interval = def.Health.Interval
	}
	if c.Bridge.BurnDeadline.Duration <= 0 {
		c.Bridge.BurnDeadline = def.Bridge.BurnDeadline
	}
	if c.Bridge.AttestationDeadline.Duration <= 0 {
		c.Bridge.AttestationDeadline = def.Bridge.AttestationDeadline
	}
	if c.Bridge.DeliveryDeadline.Duration <= 0 {
		c.Bridge.DeliveryDeadline = def.Bridge.DeliveryDeadline
	}
	if c.Bridge.PollInterval.Duration <= 0 {
		c.Bridge.PollInterval = def.Bridge.PollInterval
	}
	if c.Engine.CommandQueueDepth <= 0 {
		c.Engine.CommandQueueDepth = def.Engine.CommandQueueDepth
	}
	if c.Engine.WorkerCount <= 0 {
		c.Engine.WorkerCount = def.Engine.WorkerCount
	}
	if c.Engine.AbandonmentHorizon.Duration <= 0 {
		c.Engine.AbandonmentHorizon = def.Engine.AbandonmentHorizon
	}
	if c.Distribution == (DistributionConfig{}) {
		c.Distribution = def.Distribution
	}
	if c.Distribution.UserBps < 0 || c.Distribution.MerchantBps < 0 || c.Distribution.ProtocolBps < 0 {
		return fmt.Errorf("distribution shares must be non-negative")
	}
	if c.Distribution.UserBps+c.Distribution.MerchantBps+c.Distribution.ProtocolBps != 10_000 {
		return fmt.Errorf("distribution shares must sum to 10000 bps")
	}
	return nil
}
