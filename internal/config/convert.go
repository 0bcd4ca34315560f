package config

import (
	"github.com/aristath/supervisor/internal/errlog"
	"github.com/aristath/supervisor/internal/failover"
	"github.com/aristath/supervisor/internal/health"
	"github.com/aristath/supervisor/internal/recovery"
)

// ManagerConfig returns the recovery manager settings.
func (c RecoveryConfig) ManagerConfig() recovery.Config {
	return recovery.Config{
		Enabled:     c.Enabled,
		MaxAttempts: c.MaxAttempts,
	}
}

// RetryPolicy returns the retry-after policy for low-severity failures.
func (c RecoveryConfig) RetryPolicy() recovery.RetryPolicy {
	p := recovery.DefaultRetryPolicy()
	if c.RetryDelay > 0 {
		p.InitialInterval = c.RetryDelay
	}
	if c.MaxRetryDelay > 0 {
		p.MaxInterval = c.MaxRetryDelay
	}
	return p
}

// MonitorConfig returns the health monitor settings.
func (c HealthConfig) MonitorConfig() health.Config {
	return health.Config{
		Enabled:                c.Enabled,
		CheckInterval:          c.CheckInterval,
		ProbeTimeout:           c.ProbeTimeout,
		RecoveryTimeout:        c.RecoveryTimeout,
		MaxConsecutiveFailures: c.MaxConsecutiveFailures,
		MaxRecoveryAttempts:    c.MaxRecoveryAttempts,
		SystemHealthThreshold:  c.SystemHealthThreshold,
		HeartbeatTimeout:       c.HeartbeatTimeout,
		SlowResponseThreshold:  c.SlowResponseThreshold,
	}
}

// CoordinatorConfig returns the failover coordinator settings.
func (c FailoverConfig) CoordinatorConfig() failover.Config {
	fc := failover.DefaultConfig()
	fc.Strategy = failover.Strategy(c.Strategy)
	fc.GracefulShutdownTimeout = c.GracefulShutdownTimeout
	fc.FailoverDelay = c.FailoverDelay
	fc.StateBackupInterval = c.StateBackupInterval
	fc.Criteria.MaxWorkload = c.MaxWorkload
	if c.PriorityBy != "" {
		fc.Criteria.PriorityBy = failover.PriorityBy(c.PriorityBy)
	}
	if c.HistorySize > 0 {
		fc.HistorySize = c.HistorySize
	}
	return fc
}

// LogConfig returns the recovery log bounds.
func (c ErrorLogConfig) LogConfig() errlog.Config {
	return errlog.Config{
		MaxSize:   c.MaxSize,
		Retention: c.Retention,
	}
}
