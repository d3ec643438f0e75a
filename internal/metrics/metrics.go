// Package metrics exposes the hub's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ringforge_connections_total",
		Help: "Total number of accepted WebSocket connections.",
	})
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ringforge_sessions_active",
		Help: "Number of currently connected agent sessions.",
	})
	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ringforge_frames_total",
		Help: "Total number of inbound frames by action.",
	}, []string{"action"})
	AuthTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ringforge_auth_total",
		Help: "Total number of authentication attempts by method and result.",
	}, []string{"method", "result"})
	BusPublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ringforge_bus_publish_total",
		Help: "Total number of event-bus publishes by backend and result.",
	}, []string{"backend", "result"})
	BusInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ringforge_bus_inflight",
		Help: "Number of event-bus publishes awaiting broker acknowledgement.",
	})
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ringforge_tasks_total",
		Help: "Total number of task status transitions by resulting status.",
	}, []string{"status"})
	DMQueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ringforge_dm_queued_total",
		Help: "Total number of direct messages queued for offline targets.",
	})
	PresenceEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ringforge_presence_entries",
		Help: "Number of live presence entries across all fleets.",
	})
	ChallengesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ringforge_challenges_issued_total",
		Help: "Total number of reconnect challenges issued.",
	})
	PubsubDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ringforge_pubsub_dropped_total",
		Help: "Total number of pub/sub deliveries dropped on full subscriber queues.",
	})
	AuditDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ringforge_audit_dropped_total",
		Help: "Total number of audit records dropped on a full sink queue.",
	})
)
