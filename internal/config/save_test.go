package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/aristath/supervisor/internal/worker"
)

func workerCfg(id, command string) worker.Config {
	return worker.Config{ID: id, Type: worker.TypeShell, Command: command, MaxConcurrentTasks: 1}
}

func TestSave_RoundTrip(t *testing.T) {
	for _, ext := range []string{".yaml", ".json"} {
		t.Run(ext, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Health.CheckInterval = 45 * time.Second
			cfg.Failover.Strategy = "graceful"
			cfg.Scheduler.Weights.WorkloadPenalty = 0.75
			cfg.Storage.Driver = DriverRedis
			cfg.Workers = []worker.Config{{
				ID:                 "builder",
				Type:               worker.TypeProcess,
				Command:            "make",
				Args:               []string{"build"},
				Capabilities:       []string{"go"},
				MaxConcurrentTasks: 3,
				Timeout:            time.Minute,
			}}

			path := filepath.Join(t.TempDir(), "nested", "config"+ext)
			if err := Save(cfg, path); err != nil {
				t.Fatalf("Save failed: %v", err)
			}

			loaded, err := Load("", path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if !reflect.DeepEqual(cfg, loaded) {
				t.Errorf("Round trip mismatch:\nsaved:  %+v\nloaded: %+v", cfg, loaded)
			}
		})
	}
}

func TestSave_DurationsAreReadable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := Save(DefaultConfig(), path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !strings.Contains(string(data), "check_interval: 30s") {
		t.Errorf("Expected human-readable durations, got:\n%s", data)
	}
}
