// Package metrics holds the Prometheus collectors of the collab server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collab_rooms_active",
		Help: "Documents with at least one joined connection",
	})

	MembersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collab_members_active",
		Help: "Roster entries across all rooms",
	})

	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collab_ws_connections_active",
		Help: "Open websocket connections",
	})

	DeltasRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_deltas_relayed_total",
		Help: "Deltas accepted by the relay",
	})

	CursorsRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_cursors_relayed_total",
		Help: "Cursor updates accepted by the relay",
	})

	CursorsThrottled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_cursors_throttled_total",
		Help: "Cursor updates dropped by the per-connection rate limit",
	})

	Rejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_rejected_total",
		Help: "Client messages rejected, by error code",
	}, []string{"code"})

	SendOverflow = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_ws_send_overflow_total",
		Help: "Connections closed because their outbound queue was full",
	})

	Saves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_saves_total",
		Help: "Snapshot saves, by result",
	}, []string{"result"})

	SaveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "collab_save_duration_seconds",
		Help:    "Time from save request to final outcome, retries included",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	SnapshotLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_snapshot_loads_total",
		Help: "Snapshot loads triggered by joins, by result",
	}, []string{"result"})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_events_dropped_total",
		Help: "Document events dropped before reaching the event bus",
	})
)
