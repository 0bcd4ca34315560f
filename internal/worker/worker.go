// Package worker defines the contract the supervisor uses to run tasks and
// provides process-backed and in-process implementations.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/supervisor/internal/scheduler"
)

var (
	ErrClosed          = errors.New("worker is shut down")
	ErrDuplicateWorker = errors.New("worker already registered")
)

// Worker executes tasks on behalf of the supervisor.
type Worker interface {
	// ID returns the worker's unique identifier.
	ID() string

	// Execute runs a task and returns its result.
	Execute(ctx context.Context, task *scheduler.Task) (Result, error)

	// HealthProbe returns nil if the worker can accept work.
	HealthProbe(ctx context.Context) error

	// Restart discards in-flight work and brings the worker back up.
	Restart(ctx context.Context) error

	// Shutdown stops the worker. Execute fails with ErrClosed afterwards.
	Shutdown(ctx context.Context) error
}

// InfoProvider is implemented by workers that advertise capabilities.
type InfoProvider interface {
	Info() scheduler.WorkerInfo
}

// Info returns the scheduler's view of w. Workers that do not implement
// InfoProvider get a single slot and no capabilities.
func Info(w Worker) scheduler.WorkerInfo {
	if p, ok := w.(InfoProvider); ok {
		info := p.Info()
		info.ID = w.ID()
		return info
	}
	return Config{ID: w.ID()}.Info()
}

// Result is the output of one task execution.
type Result struct {
	Output   string
	Duration time.Duration
}

// Worker types accepted by New.
const (
	TypeProcess = "process" // Command and Args are executed directly
	TypeShell   = "shell"   // Command is a script passed to sh -c
)

// Config describes a worker declared in configuration.
type Config struct {
	ID                 string        `mapstructure:"id" yaml:"id" json:"id"`
	Type               string        `mapstructure:"type" yaml:"type" json:"type"`
	Command            string        `mapstructure:"command" yaml:"command" json:"command"`
	Args               []string      `mapstructure:"args" yaml:"args,omitempty" json:"args,omitempty"`
	Env                []string      `mapstructure:"env" yaml:"env,omitempty" json:"env,omitempty"` // KEY=VALUE
	Dir                string        `mapstructure:"dir" yaml:"dir,omitempty" json:"dir,omitempty"`
	Capabilities       []string      `mapstructure:"capabilities" yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	MaxConcurrentTasks int           `mapstructure:"max_concurrent_tasks" yaml:"max_concurrent_tasks" json:"max_concurrent_tasks"`
	Timeout            time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty" json:"timeout,omitempty"` // Per task; 0 means none
	HealthCommand      string        `mapstructure:"health_command" yaml:"health_command,omitempty" json:"health_command,omitempty"`
}

// Info returns the scheduler's view of the configured worker.
func (c Config) Info() scheduler.WorkerInfo {
	maxTasks := c.MaxConcurrentTasks
	if maxTasks <= 0 {
		maxTasks = 1
	}
	return scheduler.WorkerInfo{
		ID:                 c.ID,
		Capabilities:       append([]string(nil), c.Capabilities...),
		MaxConcurrentTasks: maxTasks,
		Available:          true,
	}
}

// Validate checks the fields New depends on.
func (c Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("worker id is required")
	}
	switch c.Type {
	case TypeProcess, TypeShell, "":
	default:
		return fmt.Errorf("worker %s: unknown type %q", c.ID, c.Type)
	}
	if c.Command == "" {
		return fmt.Errorf("worker %s: command is required", c.ID)
	}
	return nil
}

// New creates a worker from configuration. Every subprocess it starts is
// tracked by pm, which may be nil.
func New(cfg Config, pm *ProcessManager) (Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return NewProcess(cfg, pm), nil
}
