// Package metrics exposes the service's Prometheus collectors. Counters are
// incremented at the ingestion and evaluation edges so the decision pipeline
// itself stays free of instrumentation concerns.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SamplesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetmend_samples_ingested_total",
		Help: "Total number of metric samples recorded, by ingestion source",
	}, []string{"source"})

	AnomaliesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetmend_anomalies_detected_total",
		Help: "Total number of anomalies flagged, by severity",
	}, []string{"severity"})

	MonitoredDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetmend_monitored_devices",
		Help: "Number of devices currently monitored",
	})

	DeviceHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleetmend_device_health_score",
		Help: "Latest computed health score per device",
	}, []string{"device_id"})

	EvaluationsRun = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetmend_evaluations_total",
		Help: "Total number of per-device evaluation cycles",
	})

	EvaluationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetmend_evaluations_dropped_total",
		Help: "Evaluation triggers dropped because a device mailbox was full",
	})

	ActiveRemediations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetmend_active_remediations",
		Help: "Number of remediation pipelines currently in flight",
	})

	HealingSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetmend_healing_sessions_total",
		Help: "Completed self-healing sessions, by outcome",
	}, []string{"outcome"})

	PatchPlans = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetmend_patch_plans_total",
		Help: "Completed firmware patch plans, by status",
	}, []string{"status"})

	AlertsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetmend_alerts_emitted_total",
		Help: "Maintenance alerts emitted, by kind",
	}, []string{"kind"})

	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetmend_dead_letters_total",
		Help: "Messages routed to a dead letter queue after handler failure, by origin topic",
	}, []string{"topic"})
)
