// Package observability exposes the Prometheus metric surface of the
// control plane and a background collector that keeps the slow-moving
// gauges fresh.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LotBacklog tracks the number of lots per lifecycle status.
	LotBacklog = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "yieldops_lot_backlog",
		Help: "Current number of lots per lifecycle status",
	}, []string{"status"})

	// EquipmentByStatus tracks fleet composition by operational state.
	EquipmentByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "yieldops_equipment_status",
		Help: "Number of equipment per operational status",
	}, []string{"status"})

	// EquipmentQueueDepth tracks assigned work per equipment.
	EquipmentQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "yieldops_equipment_queue_depth",
		Help: "Lots in QUEUED or RUNNING assigned to each equipment",
	}, []string{"equipment_id"})

	// DispatchDecisions tracks scheduler outcomes per run.
	DispatchDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yieldops_dispatch_decisions_total",
		Help: "Total scheduler decisions by outcome",
	}, []string{"outcome"}) // assigned, unassigned

	// DispatchRunDuration tracks the wall time of a dispatch run.
	DispatchRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "yieldops_dispatch_run_duration_seconds",
		Help:    "Duration of one scheduler dispatch run",
		Buckets: prometheus.DefBuckets,
	})

	// LotsGenerated tracks synthesized lots, split by hot-lot flag.
	LotsGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yieldops_lots_generated_total",
		Help: "Total lots synthesized by the generator",
	}, []string{"hot"})

	// LotTransitions tracks lifecycle transitions applied by any actor.
	LotTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yieldops_lot_transitions_total",
		Help: "Total lot lifecycle transitions",
	}, []string{"to"})

	// WafersProcessed counts wafers credited on lot completion.
	WafersProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "yieldops_wafers_processed_total",
		Help: "Total wafers credited to equipment on completion",
	})

	// IncidentsDetected tracks detector output by severity and metric.
	IncidentsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yieldops_incidents_total",
		Help: "Total incidents persisted, by severity and source metric",
	}, []string{"severity", "metric"})

	// SafetyZone reports the most severe zone among unresolved
	// incidents (0=green, 1=yellow, 2=red).
	SafetyZone = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "yieldops_safety_zone",
		Help: "Current safety circuit zone (0=green, 1=yellow, 2=red)",
	})

	// SensorReadings counts persisted telemetry samples.
	SensorReadings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yieldops_sensor_readings_total",
		Help: "Total sensor readings persisted",
	}, []string{"anomaly"})

	// ConnectedAgents tracks agents with a fresh heartbeat.
	ConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "yieldops_connected_agents",
		Help: "Number of agents currently active",
	})

	// WSClients tracks attached event-stream consumers.
	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "yieldops_ws_clients",
		Help: "Number of connected WebSocket clients",
	})

	// EventsPublished tracks events fanned out to the stream hub.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yieldops_events_published_total",
		Help: "Total events published to the stream",
	}, []string{"type"})

	// StoreBreakerState reports the repository circuit breaker state
	// (0=closed, 1=half-open, 2=open).
	StoreBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "yieldops_store_breaker_state",
		Help: "Repository circuit breaker state (0=closed, 1=half-open, 2=open)",
	})

	// HTTPRequests tracks facade traffic by method and status class.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yieldops_http_requests_total",
		Help: "Total HTTP requests by method and status class",
	}, []string{"method", "code"})

	// HTTPRateLimited counts requests rejected by storm protection.
	HTTPRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yieldops_http_rate_limited_total",
		Help: "Total HTTP requests rejected by rate limiting",
	}, []string{"scope"})
)
