// Package observability holds the prometheus metrics shared by the homeflux
// services.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SchedulerCycles counts completed scheduler cycles.
	SchedulerCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "homeflux_scheduler_cycles_total",
		Help: "Total number of completed scheduler cycles",
	})

	// SchedulerCycleDuration tracks the duration of a full scheduler cycle.
	SchedulerCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "homeflux_scheduler_cycle_duration_seconds",
		Help:    "Duration of the scheduling cycle",
		Buckets: prometheus.DefBuckets,
	})

	// SchedulerDecisions counts start/stop decisions by rule.
	SchedulerDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "homeflux_scheduler_decisions_total",
		Help: "Total number of scheduling decisions made",
	}, []string{"decision", "rule"})

	// SchedulerPaused is 1 while the scheduler is on pause.
	SchedulerPaused = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "homeflux_scheduler_paused",
		Help: "Whether the scheduler is on pause (1) or scheduling (0)",
	})

	// TasksRegistered tracks the number of registered task URIs.
	TasksRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "homeflux_tasks_registered",
		Help: "Number of registered tasks",
	})

	// TasksRunning tracks the number of running tasks seen last cycle.
	TasksRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "homeflux_tasks_running",
		Help: "Number of running tasks observed during the last cycle",
	})

	// TaskCoverageRatio reports the last production coverage ratio computed
	// for a running task.
	TaskCoverageRatio = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "homeflux_task_coverage_ratio",
		Help: "Fraction of a running task power covered by production",
	}, []string{"task"})

	// RecordGapSeconds reports the age of the latest power record.
	RecordGapSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "homeflux_record_gap_seconds",
		Help: "Time elapsed since the last power sensor record",
	})

	// SensorReadFailures counts failed sensor reads by sensor name.
	SensorReadFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "homeflux_sensor_read_failures_total",
		Help: "Total number of failed sensor reads",
	}, []string{"sensor"})

	// TaskCommFailures counts remote task call failures by URI.
	TaskCommFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "homeflux_task_comm_failures_total",
		Help: "Total number of failed remote task calls",
	}, []string{"uri"})

	// WatchdogProcesses tracks the number of monitored processes.
	WatchdogProcesses = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "homeflux_watchdog_processes",
		Help: "Number of processes monitored by the watchdog",
	})

	// WatchdogKills counts processes killed for missing their deadline.
	WatchdogKills = promauto.NewCounter(prometheus.CounterOpts{
		Name: "homeflux_watchdog_kills_total",
		Help: "Total number of hung processes killed by the watchdog",
	})
)
