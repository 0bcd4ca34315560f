package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/aristath/supervisor/internal/errlog"
	"github.com/aristath/supervisor/internal/failover"
	"github.com/aristath/supervisor/internal/health"
	"github.com/aristath/supervisor/internal/recovery"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		global      string
		project     string
		projectExt  string
		expectError string
		check       func(t *testing.T, cfg *Config)
	}{
		{
			name: "No config files - returns defaults",
			check: func(t *testing.T, cfg *Config) {
				if !reflect.DeepEqual(cfg.Health, DefaultConfig().Health) {
					t.Errorf("Expected default health config, got %+v", cfg.Health)
				}
				if len(cfg.Workers) != 0 {
					t.Errorf("Expected no workers, got %d", len(cfg.Workers))
				}
			},
		},
		{
			name: "Global only - adds workers and overrides interval",
			global: `
health:
  check_interval: 10s
workers:
  - id: builder
    type: shell
    command: make build
    capabilities: [go, build]
    max_concurrent_tasks: 2
`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Health.CheckInterval != 10*time.Second {
					t.Errorf("Expected check_interval 10s, got %v", cfg.Health.CheckInterval)
				}
				if cfg.Health.MaxConsecutiveFailures != 3 {
					t.Errorf("Expected untouched keys to keep defaults, got %d", cfg.Health.MaxConsecutiveFailures)
				}
				if len(cfg.Workers) != 1 || cfg.Workers[0].ID != "builder" || cfg.Workers[0].MaxConcurrentTasks != 2 {
					t.Errorf("Unexpected workers: %+v", cfg.Workers)
				}
			},
		},
		{
			name: "Both - project overrides global",
			global: `
health:
  check_interval: 10s
  probe_timeout: 2s
failover:
  strategy: delayed
`,
			project: `
health:
  check_interval: 5s
failover:
  strategy: graceful
  priority_by: success_rate
`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Health.CheckInterval != 5*time.Second {
					t.Errorf("Expected project check_interval 5s, got %v", cfg.Health.CheckInterval)
				}
				if cfg.Health.ProbeTimeout != 2*time.Second {
					t.Errorf("Expected global probe_timeout 2s to survive merge, got %v", cfg.Health.ProbeTimeout)
				}
				if cfg.Failover.Strategy != "graceful" || cfg.Failover.PriorityBy != "success_rate" {
					t.Errorf("Unexpected failover config: %+v", cfg.Failover)
				}
			},
		},
		{
			name:       "JSON project file",
			project:    `{"scheduler": {"weights": {"type_match": 80}}, "storage": {"driver": "sqlite", "path": "x.db"}}`,
			projectExt: ".json",
			check: func(t *testing.T, cfg *Config) {
				if cfg.Scheduler.Weights.TypeMatch != 80 {
					t.Errorf("Expected type_match 80, got %v", cfg.Scheduler.Weights.TypeMatch)
				}
				if cfg.Scheduler.Weights.RequirementOverlap != 30 {
					t.Errorf("Expected default requirement_overlap, got %v", cfg.Scheduler.Weights.RequirementOverlap)
				}
				if cfg.Storage.Driver != DriverSQLite {
					t.Errorf("Expected sqlite driver, got %s", cfg.Storage.Driver)
				}
			},
		},
		{
			name:        "Malformed YAML returns error",
			project:     "health: [unclosed",
			expectError: "loading project config",
		},
		{
			name:        "Invalid value returns error",
			global:      "failover:\n  strategy: sideways\n",
			expectError: "failover.strategy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			globalPath := filepath.Join(dir, "global", "config.yaml")
			ext := tt.projectExt
			if ext == "" {
				ext = ".yaml"
			}
			projectPath := filepath.Join(dir, "project", "config"+ext)

			if tt.global != "" {
				writeFile(t, globalPath, tt.global)
			}
			if tt.project != "" {
				writeFile(t, projectPath, tt.project)
			}

			cfg, err := Load(globalPath, projectPath)
			if tt.expectError != "" {
				if err == nil {
					t.Fatalf("Expected error containing %q, got nil", tt.expectError)
				}
				if !strings.Contains(err.Error(), tt.expectError) {
					t.Fatalf("Expected error containing %q, got: %v", tt.expectError, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	projectPath := filepath.Join(dir, "config.yaml")
	writeFile(t, projectPath, "health:\n  max_consecutive_failures: 4\n")

	t.Setenv("SUPERVISOR_HEALTH_MAX_CONSECUTIVE_FAILURES", "7")
	t.Setenv("SUPERVISOR_FAILOVER_STRATEGY", "manual")
	t.Setenv("SUPERVISOR_RUNNER_POLL_INTERVAL", "1s")

	cfg, err := Load("", projectPath)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if cfg.Health.MaxConsecutiveFailures != 7 {
		t.Errorf("Expected env to win over file, got %d", cfg.Health.MaxConsecutiveFailures)
	}
	if cfg.Failover.Strategy != "manual" {
		t.Errorf("Expected strategy manual, got %s", cfg.Failover.Strategy)
	}
	if cfg.Runner.PollInterval != time.Second {
		t.Errorf("Expected poll interval 1s, got %v", cfg.Runner.PollInterval)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"defaults are valid", func(*Config) {}, ""},
		{"threshold above 100", func(c *Config) { c.Health.SystemHealthThreshold = 120 }, "system_health_threshold"},
		{"zero failure streak", func(c *Config) { c.Health.MaxConsecutiveFailures = 0 }, "max_consecutive_failures"},
		{"unknown priority", func(c *Config) { c.Failover.PriorityBy = "age" }, "priority_by"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "etcd" }, "storage.driver"},
		{"sqlite without path", func(c *Config) { c.Storage.Driver = DriverSQLite; c.Storage.Path = "" }, "storage.path"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"invalid worker", func(c *Config) { c.Workers = append(c.Workers, workerCfg("", "true")) }, "id is required"},
		{"duplicate worker", func(c *Config) {
			c.Workers = append(c.Workers, workerCfg("w1", "true"), workerCfg("w1", "false"))
		}, "declared twice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Expected error containing %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestDefaultsMatchComponents(t *testing.T) {
	cfg := DefaultConfig()

	if got := cfg.Health.MonitorConfig(); !reflect.DeepEqual(got, health.DefaultConfig()) {
		t.Errorf("health defaults drifted: %+v", got)
	}
	if got := cfg.Failover.CoordinatorConfig(); !reflect.DeepEqual(got, failover.DefaultConfig()) {
		t.Errorf("failover defaults drifted: %+v", got)
	}
	if got := cfg.Recovery.ManagerConfig(); got != recovery.DefaultConfig() {
		t.Errorf("recovery defaults drifted: %+v", got)
	}
	if got := cfg.Recovery.RetryPolicy(); got != recovery.DefaultRetryPolicy() {
		t.Errorf("retry defaults drifted: %+v", got)
	}
	if got := cfg.ErrorLog.LogConfig(); got != errlog.DefaultConfig() {
		t.Errorf("error log defaults drifted: %+v", got)
	}
}
