package cmd

import (
	"fmt"
	"time"

	"feedflow/config"
	"feedflow/internal/metrics"
	"feedflow/internal/quota"
	"feedflow/internal/reliability"
	"feedflow/internal/schedule"
	"feedflow/models"
	"feedflow/processor"
)

// settings is everything read from disk at startup.
type settings struct {
	cfg        *config.Config
	snapshot   *config.Snapshot
	transforms *processor.Registry
	loader     config.Loader
}

func loadSettings() (*settings, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	transforms := processor.Default()
	path := config.ResolvePath(endpointsPath)
	loader := config.FileLoader(path, cfg, transforms)
	snap, err := loader()
	if err != nil {
		return nil, fmt.Errorf("endpoint catalog %s: %w", path, err)
	}
	return &settings{cfg: cfg, snapshot: snap, transforms: transforms, loader: loader}, nil
}

func quotaConfig(cfg *config.Config) (quota.Config, error) {
	caps, err := cfg.TierCapacities()
	if err != nil {
		return quota.Config{}, err
	}
	return quota.Config{
		HardCap:    cfg.RateLimit.HardCap,
		Buffer:     cfg.RateLimit.Buffer,
		Window:     cfg.RateLimit.Window,
		MaxWait:    cfg.RateLimit.MaxWait,
		Capacities: caps,
	}, nil
}

// newLimiter fails when the tier capacities exceed the hard cap minus the
// buffer.
func newLimiter(cfg *config.Config, m *metrics.Metrics) (*quota.Limiter, error) {
	qc, err := quotaConfig(cfg)
	if err != nil {
		return nil, err
	}
	var opts []quota.Option
	if m != nil {
		opts = append(opts, quota.WithObserver(func(tier models.Tier, d quota.Decision) {
			m.ObserveQuota(tier, d == quota.Granted)
		}))
	}
	lim, err := quota.New(qc, opts...)
	if err != nil {
		return nil, fmt.Errorf("rate_limit: %w", err)
	}
	return lim, nil
}

func newCalendar(cfg *config.Config) (*schedule.Calendar, error) {
	loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	sessions, err := cfg.SessionTable()
	if err != nil {
		return nil, err
	}
	return schedule.NewCalendar(loc, sessions)
}

func breakerDefaults(cfg *config.Config) reliability.BreakerConfig {
	c := cfg.Reliability.CircuitBreakerConfig
	return reliability.BreakerConfig{
		FailureThreshold:  c.FailureThreshold,
		Cooldown:          c.Cooldown,
		MaxCooldown:       c.MaxCooldown,
		BackoffMultiplier: c.BackoffMultiplier,
		StaleAfter:        c.StaleAfter,
	}
}
