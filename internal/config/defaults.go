package config

import (
	"time"

	"github.com/aristath/supervisor/internal/errlog"
	"github.com/aristath/supervisor/internal/failover"
	"github.com/aristath/supervisor/internal/health"
	"github.com/aristath/supervisor/internal/logging"
	"github.com/aristath/supervisor/internal/recovery"
	"github.com/aristath/supervisor/internal/redisstore"
	"github.com/aristath/supervisor/internal/scheduler"
)

// DefaultConfig returns the built-in configuration. It declares no workers.
func DefaultConfig() *Config {
	rec := recovery.DefaultConfig()
	retry := recovery.DefaultRetryPolicy()
	hc := health.DefaultConfig()
	fc := failover.DefaultConfig()
	lc := errlog.DefaultConfig()

	return &Config{
		Scheduler: SchedulerConfig{
			Weights:           scheduler.DefaultScoringWeights(),
			RebalanceInterval: 15 * time.Second,
		},
		Recovery: RecoveryConfig{
			Enabled:       rec.Enabled,
			MaxAttempts:   rec.MaxAttempts,
			RetryDelay:    retry.InitialInterval,
			MaxRetryDelay: retry.MaxInterval,
		},
		Health: HealthConfig{
			Enabled:                hc.Enabled,
			CheckInterval:          hc.CheckInterval,
			ProbeTimeout:           hc.ProbeTimeout,
			RecoveryTimeout:        hc.RecoveryTimeout,
			MaxConsecutiveFailures: hc.MaxConsecutiveFailures,
			MaxRecoveryAttempts:    hc.MaxRecoveryAttempts,
			SystemHealthThreshold:  hc.SystemHealthThreshold,
			HeartbeatTimeout:       hc.HeartbeatTimeout,
			SlowResponseThreshold:  hc.SlowResponseThreshold,
		},
		Failover: FailoverConfig{
			Strategy:                string(fc.Strategy),
			GracefulShutdownTimeout: fc.GracefulShutdownTimeout,
			FailoverDelay:           fc.FailoverDelay,
			StateBackupInterval:     fc.StateBackupInterval,
			MaxWorkload:             fc.Criteria.MaxWorkload,
			PriorityBy:              string(fc.Criteria.PriorityBy),
			HistorySize:             fc.HistorySize,
		},
		ErrorLog: ErrorLogConfig{
			MaxSize:   lc.MaxSize,
			Retention: lc.Retention,
		},
		Runner: RunnerConfig{
			PollInterval:    200 * time.Millisecond,
			MaxRetries:      2,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Storage: StorageConfig{
			Driver: DriverMemory,
			Path:   ".supervisor/state.db",
			Redis: redisstore.Config{
				URL:             "redis://localhost:6379/0",
				Prefix:          "supervisor",
				SnapshotHistory: 10,
			},
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "text",
		},
	}
}
