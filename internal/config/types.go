// Package config loads supervisor configuration from layered YAML or JSON
// files and SUPERVISOR_* environment variables.
package config

import (
	"time"

	"github.com/aristath/supervisor/internal/logging"
	"github.com/aristath/supervisor/internal/redisstore"
	"github.com/aristath/supervisor/internal/scheduler"
	"github.com/aristath/supervisor/internal/worker"
)

// Config is the top-level configuration.
type Config struct {
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler" json:"scheduler"`
	Recovery  RecoveryConfig  `mapstructure:"recovery" yaml:"recovery" json:"recovery"`
	Health    HealthConfig    `mapstructure:"health" yaml:"health" json:"health"`
	Failover  FailoverConfig  `mapstructure:"failover" yaml:"failover" json:"failover"`
	ErrorLog  ErrorLogConfig  `mapstructure:"error_log" yaml:"error_log" json:"error_log"`
	Runner    RunnerConfig    `mapstructure:"runner" yaml:"runner" json:"runner"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage" json:"storage"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics" json:"metrics"`
	Logging   logging.Config  `mapstructure:"logging" yaml:"logging" json:"logging"`
	Workers   []worker.Config `mapstructure:"workers" yaml:"workers" json:"workers"`
}

// SchedulerConfig tunes worker selection and queue rebalancing.
type SchedulerConfig struct {
	Weights           scheduler.ScoringWeights `mapstructure:"weights" yaml:"weights" json:"weights"`
	RebalanceInterval time.Duration            `mapstructure:"rebalance_interval" yaml:"rebalance_interval" json:"rebalance_interval"` // 0 disables
}

// RecoveryConfig controls the error-level strategy chain.
type RecoveryConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	MaxAttempts   int           `mapstructure:"max_attempts" yaml:"max_attempts" json:"max_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay" yaml:"retry_delay" json:"retry_delay"`
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay" yaml:"max_retry_delay" json:"max_retry_delay"`
}

// HealthConfig controls health sweeps and the worker recovery ladder.
type HealthConfig struct {
	Enabled                bool          `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	CheckInterval          time.Duration `mapstructure:"check_interval" yaml:"check_interval" json:"check_interval"`
	ProbeTimeout           time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout" json:"probe_timeout"`
	RecoveryTimeout        time.Duration `mapstructure:"recovery_timeout" yaml:"recovery_timeout" json:"recovery_timeout"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures" yaml:"max_consecutive_failures" json:"max_consecutive_failures"`
	MaxRecoveryAttempts    int           `mapstructure:"max_recovery_attempts" yaml:"max_recovery_attempts" json:"max_recovery_attempts"`
	SystemHealthThreshold  float64       `mapstructure:"system_health_threshold" yaml:"system_health_threshold" json:"system_health_threshold"`
	HeartbeatTimeout       time.Duration `mapstructure:"heartbeat_timeout" yaml:"heartbeat_timeout" json:"heartbeat_timeout"`
	SlowResponseThreshold  time.Duration `mapstructure:"slow_response_threshold" yaml:"slow_response_threshold" json:"slow_response_threshold"`
}

// FailoverConfig controls how a failed worker's tasks are moved.
type FailoverConfig struct {
	Strategy                string        `mapstructure:"strategy" yaml:"strategy" json:"strategy"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout" yaml:"graceful_shutdown_timeout" json:"graceful_shutdown_timeout"`
	FailoverDelay           time.Duration `mapstructure:"failover_delay" yaml:"failover_delay" json:"failover_delay"`
	StateBackupInterval     time.Duration `mapstructure:"state_backup_interval" yaml:"state_backup_interval" json:"state_backup_interval"`
	MaxWorkload             float64       `mapstructure:"max_workload" yaml:"max_workload" json:"max_workload"`
	PriorityBy              string        `mapstructure:"priority_by" yaml:"priority_by" json:"priority_by"`
	HistorySize             int           `mapstructure:"history_size" yaml:"history_size" json:"history_size"`
}

// ErrorLogConfig bounds the recovery log.
type ErrorLogConfig struct {
	MaxSize   int           `mapstructure:"max_size" yaml:"max_size" json:"max_size"`
	Retention time.Duration `mapstructure:"retention" yaml:"retention" json:"retention"`
}

// RunnerConfig controls task execution on workers.
type RunnerConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" json:"poll_interval"`
	MaxRetries      int           `mapstructure:"max_retries" yaml:"max_retries" json:"max_retries"`
	BreakerFailures int           `mapstructure:"breaker_failures" yaml:"breaker_failures" json:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout" yaml:"breaker_timeout" json:"breaker_timeout"`
}

// Storage drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// StorageConfig selects where snapshots, checkpoints and tasks are kept.
type StorageConfig struct {
	Driver string            `mapstructure:"driver" yaml:"driver" json:"driver"`
	Path   string            `mapstructure:"path" yaml:"path" json:"path"` // SQLite database file
	Redis  redisstore.Config `mapstructure:"redis" yaml:"redis" json:"redis"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr" json:"addr"` // Empty disables the endpoint
}
