// Package metrics provides Prometheus metrics for the scheduler and the
// recovery subsystem.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supervisor_tasks_submitted_total",
			Help: "Total number of tasks submitted",
		},
		[]string{"type"},
	)
	TasksScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supervisor_tasks_scheduled_total",
			Help: "Total number of task assignments by worker",
		},
		[]string{"worker"},
	)
	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supervisor_tasks_completed_total",
			Help: "Total number of tasks completed successfully",
		},
		[]string{"worker"},
	)
	TasksFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supervisor_tasks_failed_total",
			Help: "Total number of tasks that failed",
		},
		[]string{"worker"},
	)
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "supervisor_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 900},
		},
		[]string{"status"},
	)
	RecoveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supervisor_recovery_attempts_total",
			Help: "Total number of recovery attempts by error kind and action",
		},
		[]string{"kind", "action", "success"},
	)
	WorkerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supervisor_worker_failures_total",
			Help: "Total number of failures reported per worker",
		},
		[]string{"worker"},
	)
	WorkerRecoveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supervisor_worker_recoveries_total",
			Help: "Worker recovery ladder outcomes",
		},
		[]string{"action", "success"},
	)
	Failovers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supervisor_failovers_total",
			Help: "Total number of failovers by strategy and status",
		},
		[]string{"strategy", "status"},
	)
	SystemHealth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "supervisor_system_health_percent",
			Help: "Percentage of healthy workers at the last sweep",
		},
	)
	HealthyWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "supervisor_workers_healthy",
			Help: "Number of healthy workers at the last sweep",
		},
	)
	ActiveRecoveries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "supervisor_active_recoveries",
			Help: "Number of worker recoveries currently running",
		},
	)
	WorkerTasks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "supervisor_worker_tasks",
			Help: "Tasks currently assigned to each worker",
		},
		[]string{"worker"},
	)
)

func RecordTaskSubmitted(taskType string) {
	if taskType == "" {
		taskType = "untyped"
	}
	TasksSubmitted.WithLabelValues(taskType).Inc()
}

func RecordTaskScheduled(workerID string) {
	TasksScheduled.WithLabelValues(workerID).Inc()
}

func RecordTaskCompleted(workerID string, duration time.Duration) {
	TasksCompleted.WithLabelValues(workerID).Inc()
	TaskDuration.WithLabelValues("completed").Observe(duration.Seconds())
}

func RecordTaskFailed(workerID string, duration time.Duration) {
	TasksFailed.WithLabelValues(workerID).Inc()
	TaskDuration.WithLabelValues("failed").Observe(duration.Seconds())
}

func RecordRecoveryAttempt(kind, action string, success bool) {
	RecoveryAttempts.WithLabelValues(kind, action, strconv.FormatBool(success)).Inc()
}

func RecordWorkerFailure(workerID string) {
	WorkerFailures.WithLabelValues(workerID).Inc()
}

func RecordWorkerRecovery(action string, success bool) {
	WorkerRecoveries.WithLabelValues(action, strconv.FormatBool(success)).Inc()
}

func RecordFailover(strategy, status string) {
	Failovers.WithLabelValues(strategy, status).Inc()
}

func UpdateSystemHealth(percentage float64, healthy int) {
	SystemHealth.Set(percentage)
	HealthyWorkers.Set(float64(healthy))
}

func UpdateActiveRecoveries(n int) {
	ActiveRecoveries.Set(float64(n))
}

func UpdateWorkerTasks(workerID string, n int) {
	WorkerTasks.WithLabelValues(workerID).Set(float64(n))
}
