package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aristath/supervisor/internal/faults"
	"github.com/aristath/supervisor/internal/scheduler"
)

// Process runs one subprocess per task. The task is passed as JSON on stdin
// and as SUPERVISOR_TASK_* environment variables; trimmed stdout becomes the
// result.
type Process struct {
	cfg  Config
	pm   *ProcessManager // Shared, may be nil
	own  *ProcessManager // This worker's processes only
	mu   sync.Mutex
	down bool

	restarts int
}

var _ Worker = (*Process)(nil)

// NewProcess creates a process-backed worker. Use New to validate cfg first.
func NewProcess(cfg Config, pm *ProcessManager) *Process {
	return &Process{
		cfg: cfg,
		pm:  pm,
		own: NewProcessManager(),
	}
}

func (p *Process) ID() string { return p.cfg.ID }

// Config returns the worker's configuration.
func (p *Process) Config() Config { return p.cfg }

// Info returns the scheduler's view of the worker.
func (p *Process) Info() scheduler.WorkerInfo { return p.cfg.Info() }

// Running returns the number of task processes currently executing.
func (p *Process) Running() int { return p.own.Count() }

// Restarts returns how many times Restart has been called.
func (p *Process) Restarts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restarts
}

func (p *Process) closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.down
}

func (p *Process) command(ctx context.Context) *exec.Cmd {
	var cmd *exec.Cmd
	if p.cfg.Type == TypeShell {
		cmd = newCommand(ctx, "sh", "-c", p.cfg.Command)
	} else {
		cmd = newCommand(ctx, p.cfg.Command, p.cfg.Args...)
	}
	cmd.Dir = p.cfg.Dir
	cmd.Env = append(os.Environ(), p.cfg.Env...)
	cmd.Env = append(cmd.Env, "SUPERVISOR_WORKER_ID="+p.cfg.ID)
	return cmd
}

// Execute runs the configured command for task.
func (p *Process) Execute(ctx context.Context, task *scheduler.Task) (Result, error) {
	if p.closed() {
		return Result{}, faults.Wrap(ErrClosed, faults.KindAgent, faults.SeverityHigh, "worker_down").
			WithWorker(p.cfg.ID).WithTask(task.ID)
	}

	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode task %s: %w", task.ID, err)
	}

	cmd := p.command(ctx)
	cmd.Env = append(cmd.Env, taskEnv(task)...)
	cmd.Stdin = bytes.NewReader(payload)

	start := time.Now()
	stdout, _, err := executeCommand(ctx, cmd, p.pm, p.own)
	res := Result{
		Output:   strings.TrimSpace(string(stdout)),
		Duration: time.Since(start),
	}
	if err != nil {
		return res, fmt.Errorf("worker %s: task %s: %w", p.cfg.ID, task.ID, err)
	}
	return res, nil
}

func taskEnv(task *scheduler.Task) []string {
	return []string{
		"SUPERVISOR_TASK_ID=" + task.ID,
		"SUPERVISOR_TASK_TITLE=" + task.Title,
		"SUPERVISOR_TASK_TYPE=" + task.Type,
		"SUPERVISOR_TASK_PRIORITY=" + strconv.Itoa(int(task.Priority)),
		"SUPERVISOR_TASK_REQUIREMENTS=" + strings.Join(task.Requirements, ","),
	}
}

// HealthProbe runs HealthCommand through sh -c. Without one it only checks
// that the worker's executable can be found.
func (p *Process) HealthProbe(ctx context.Context) error {
	if p.closed() {
		return ErrClosed
	}
	if p.cfg.HealthCommand == "" {
		name := p.cfg.Command
		if p.cfg.Type == TypeShell {
			name = "sh"
		}
		if _, err := exec.LookPath(name); err != nil {
			return fmt.Errorf("worker %s: %w", p.cfg.ID, err)
		}
		return nil
	}

	cmd := newCommand(ctx, "sh", "-c", p.cfg.HealthCommand)
	cmd.Dir = p.cfg.Dir
	cmd.Env = append(os.Environ(), p.cfg.Env...)
	if _, _, err := executeCommand(ctx, cmd, p.pm); err != nil {
		return fmt.Errorf("worker %s: health check: %w", p.cfg.ID, err)
	}
	return nil
}

// Restart kills the worker's running task processes and reopens it.
func (p *Process) Restart(ctx context.Context) error {
	if err := p.own.KillAll(); err != nil {
		return fmt.Errorf("worker %s: restart: %w", p.cfg.ID, err)
	}
	p.mu.Lock()
	p.down = false
	p.restarts++
	p.mu.Unlock()
	return p.HealthProbe(ctx)
}

// Shutdown kills running task processes and rejects further work.
func (p *Process) Shutdown(context.Context) error {
	p.mu.Lock()
	p.down = true
	p.mu.Unlock()
	return p.own.KillAll()
}
