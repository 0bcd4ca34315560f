package config

import (
	"path/filepath"
	"testing"
	"time"
)

type reload struct {
	cfg *Config
	err error
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	projectPath := filepath.Join(dir, "config.yaml")
	writeFile(t, projectPath, "failover:\n  strategy: immediate\n")

	reloads := make(chan reload, 16)
	w, err := Watch("", projectPath, func(cfg *Config, err error) {
		reloads <- reload{cfg, err}
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer w.Close()

	writeFile(t, projectPath, "failover:\n  strategy: graceful\n")
	select {
	case r := <-reloads:
		if r.err != nil {
			t.Fatalf("Unexpected reload error: %v", r.err)
		}
		if r.cfg.Failover.Strategy != "graceful" {
			t.Errorf("Expected reloaded strategy graceful, got %s", r.cfg.Failover.Strategy)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("No reload after config change")
	}

	writeFile(t, projectPath, "failover: [broken")
	deadline := time.After(5 * time.Second)
	for {
		select {
		case r := <-reloads:
			if r.err == nil {
				continue
			}
			if r.cfg != nil {
				t.Errorf("Expected nil config on failed reload")
			}
			return
		case <-deadline:
			t.Fatal("No failed reload after writing malformed config")
		}
	}
}

func TestWatch_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	projectPath := filepath.Join(dir, "config.yaml")

	reloads := make(chan reload, 4)
	w, err := Watch("", projectPath, func(cfg *Config, err error) {
		reloads <- reload{cfg, err}
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	writeFile(t, filepath.Join(dir, "notes.txt"), "unrelated")
	select {
	case <-reloads:
		t.Fatal("Reloaded for an unrelated file")
	case <-time.After(4 * watchDebounce):
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Second Close failed: %v", err)
	}
}
