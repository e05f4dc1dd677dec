package scheduler

import (
	"strings"
	"time"

	"github.com/smallbiznis/dunning/internal/config"
)

const (
	JobExpireGracePeriods          = "expire_grace_periods"
	JobRetryFailedPayments         = "retry_failed_payments"
	JobSuspendOverdueSubscriptions = "suspend_overdue_subscriptions"
)

// Config controls the sweep cadence and per-job limits.
type Config struct {
	Spec        string
	BatchSize   int
	JobTimeout  time.Duration
	LockKey     string
	LockTTL     time.Duration
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		Spec:       "@every 1h",
		BatchSize:  200,
		JobTimeout: 10 * time.Minute,
		LockKey:    "dunning:scheduler:sweep",
		LockTTL:    30 * time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		Spec:       cfg.Scheduler.Spec,
		BatchSize:  cfg.Scheduler.BatchSize,
		JobTimeout: cfg.Scheduler.JobTimeout,
		LockTTL:    cfg.Scheduler.LockTTL,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if strings.TrimSpace(c.Spec) == "" {
		c.Spec = defaults.Spec
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if strings.TrimSpace(c.LockKey) == "" {
		c.LockKey = defaults.LockKey
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	return c
}
