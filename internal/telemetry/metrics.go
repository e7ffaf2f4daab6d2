package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики runs.
var (
	// RunsTotal — количество завершённых runs по статусу.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbtflow_runs_total",
		Help: "Total finished pipeline runs by status",
	}, []string{"pipeline", "status"})

	// RunDuration — длительность runs.
	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dbtflow_run_duration_seconds",
		Help:    "Duration of pipeline runs",
		Buckets: []float64{1, 10, 30, 60, 300, 600, 1800, 3600, 7200},
	}, []string{"pipeline", "status"})

	// ActiveRuns — количество runs в статусе RUNNING.
	ActiveRuns = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbtflow_active_runs",
		Help: "Pipeline runs currently in RUNNING state",
	}, []string{"pipeline"})

	// TriggersDropped — срабатывания расписания, пропущенные из-за лимита.
	TriggersDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbtflow_triggers_dropped_total",
		Help: "Schedule triggers dropped because max_concurrent_runs was reached or the lock was held",
	}, []string{"pipeline", "reason"})
)

// Метрики шагов.
var (
	// StepAttemptsTotal — попытки выполнения шагов по результату.
	// result: succeeded, failed, timeout.
	StepAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbtflow_step_attempts_total",
		Help: "Step execution attempts by result",
	}, []string{"pipeline", "step", "result"})

	// StepDuration — длительность одной попытки шага.
	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dbtflow_step_attempt_duration_seconds",
		Help:    "Duration of single step attempts",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
	}, []string{"pipeline", "step"})
)

// Метрики уведомлений.
var (
	// NotificationsTotal — отправленные уведомления.
	// kind: failure, retry. result: sent, error.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbtflow_notifications_total",
		Help: "Notifications by kind and delivery result",
	}, []string{"kind", "result"})
)
