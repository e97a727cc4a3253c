package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cross-session counters. promauto registers on first reference, so any
// package may bump these without init ordering concerns; updates are
// idempotent with respect to registration.
var (
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stepseq_connections_total",
		Help: "Total WebSocket connections accepted",
	})

	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepseq_connections_rejected_total",
		Help: "Connections rejected before or during handshake",
	}, []string{"reason"})

	CurrentConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stepseq_current_connections",
		Help: "Currently connected peers across all sessions",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stepseq_active_sessions",
		Help: "Resident session actors",
	})

	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stepseq_messages_received_total",
		Help: "Client frames received",
	})

	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepseq_messages_dropped_total",
		Help: "Client messages dropped by validation or policy",
	}, []string{"reason"})

	BroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stepseq_broadcasts_total",
		Help: "Mutating broadcasts fanned out (one per serverSeq)",
	})

	RepairsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stepseq_document_repairs_total",
		Help: "Document invariant repairs applied",
	})

	SnapshotsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepseq_snapshots_sent_total",
		Help: "Snapshots sent to peers",
	}, []string{"cause"})

	HashChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepseq_hash_checks_total",
		Help: "State hash probes answered",
	}, []string{"result"})

	ColdFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepseq_cold_flushes_total",
		Help: "Idle flushes to the cold store",
	}, []string{"result"})

	HotWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stepseq_hot_write_failures_total",
		Help: "Hot store writes that failed (mutation aborted)",
	})

	SlowClientDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stepseq_slow_client_disconnects_total",
		Help: "Peers disconnected for not draining their send buffer",
	})

	RateLimitedConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepseq_rate_limited_connections_total",
		Help: "Connection attempts rejected by rate limiting",
	}, []string{"scope"})

	BroadcastFanout = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stepseq_broadcast_fanout_peers",
		Help:    "Peers targeted per mutating broadcast",
		Buckets: prometheus.LinearBuckets(1, 1, 10),
	})
)
