package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/aristath/supervisor/internal/failover"
	"github.com/aristath/supervisor/internal/logging"
)

// EnvPrefix prefixes environment overrides, e.g. SUPERVISOR_HEALTH_CHECK_INTERVAL.
const EnvPrefix = "SUPERVISOR"

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): environment, project config,
// global config, defaults. Missing files are not errors; malformed files are.
func Load(globalPath, projectPath string) (*Config, error) {
	v := viper.New()
	if err := setDefaults(v); err != nil {
		return nil, fmt.Errorf("setting defaults: %w", err)
	}

	if globalPath != "" {
		if err := mergeConfigFile(v, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}
	if projectPath != "" {
		if err := mergeConfigFile(v, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// DefaultPaths returns the conventional config locations.
// Global: ~/.supervisor/config.yaml
// Project: .supervisor/config.yaml (relative to cwd)
func DefaultPaths() (global, project string, err error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".supervisor", "config.yaml"), filepath.Join(".supervisor", "config.yaml"), nil
}

// LoadDefault loads configuration from DefaultPaths.
func LoadDefault() (*Config, error) {
	global, project, err := DefaultPaths()
	if err != nil {
		return nil, err
	}
	return Load(global, project)
}

// mergeConfigFile merges one YAML or JSON file into v. Missing files are
// silently skipped.
func mergeConfigFile(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	fv := viper.New()
	fv.SetConfigFile(path)
	if err := fv.ReadInConfig(); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := v.MergeConfigMap(fv.AllSettings()); err != nil {
		return fmt.Errorf("merging %s: %w", path, err)
	}
	return nil
}

// setDefaults registers every key of DefaultConfig so that environment
// overrides apply to keys absent from the files.
func setDefaults(v *viper.Viper) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return err
	}
	setDefaultTree(v, "", tree)
	return nil
}

func setDefaultTree(v *viper.Viper, prefix string, tree map[string]any) {
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			setDefaultTree(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Recovery.MaxAttempts >= 1, "recovery.max_attempts must be at least 1")
	check(c.Recovery.RetryDelay >= 0, "recovery.retry_delay must not be negative")

	h := c.Health
	check(!h.Enabled || h.CheckInterval > 0, "health.check_interval must be positive")
	check(h.ProbeTimeout > 0, "health.probe_timeout must be positive")
	check(h.RecoveryTimeout > 0, "health.recovery_timeout must be positive")
	check(h.MaxConsecutiveFailures >= 1, "health.max_consecutive_failures must be at least 1")
	check(h.MaxRecoveryAttempts >= 1, "health.max_recovery_attempts must be at least 1")
	check(h.SystemHealthThreshold >= 0 && h.SystemHealthThreshold <= 100, "health.system_health_threshold must be between 0 and 100")

	f := c.Failover
	check(failover.Strategy(f.Strategy).Valid(), "failover.strategy %q is not one of immediate, graceful, delayed, manual", f.Strategy)
	check(f.PriorityBy == "" || failover.PriorityBy(f.PriorityBy).Valid(), "failover.priority_by %q is not one of workload, success_rate, response_time", f.PriorityBy)
	check(f.GracefulShutdownTimeout >= 0, "failover.graceful_shutdown_timeout must not be negative")
	check(f.FailoverDelay >= 0, "failover.failover_delay must not be negative")
	check(f.StateBackupInterval >= 0, "failover.state_backup_interval must not be negative")

	check(c.ErrorLog.MaxSize >= 0, "error_log.max_size must not be negative")
	check(c.ErrorLog.Retention >= 0, "error_log.retention must not be negative")

	check(c.Runner.PollInterval > 0, "runner.poll_interval must be positive")
	check(c.Runner.MaxRetries >= 0, "runner.max_retries must not be negative")
	check(c.Runner.BreakerFailures >= 1, "runner.breaker_failures must be at least 1")

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite:
		check(c.Storage.Path != "", "storage.path is required for the sqlite driver")
	case DriverRedis:
		check(c.Storage.Redis.URL != "", "storage.redis.url is required for the redis driver")
	default:
		check(false, "storage.driver %q is not one of memory, sqlite, redis", c.Storage.Driver)
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	check(c.Logging.Format == "" || c.Logging.Format == "text" || c.Logging.Format == "json", "logging.format %q is not one of text, json", c.Logging.Format)

	seen := make(map[string]bool, len(c.Workers))
	for _, w := range c.Workers {
		if err := w.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		check(!seen[w.ID], "worker %s is declared twice", w.ID)
		seen[w.ID] = true
	}

	return errors.Join(errs...)
}
