package session

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the Prometheus collectors this coordinator exposes.
// Each Coordinator registers its own set against the registry supplied
// at construction (or prometheus.DefaultRegisterer if nil), labeled by
// docID so multiple sessions in one process don't collide.
type metrics struct {
	peersConnected   prometheus.Gauge
	snapshotsWritten prometheus.Counter
	syncErrors       prometheus.Counter
	updatesApplied   prometheus.Counter
	awarenessUpdates prometheus.Counter
}

func newMetrics(registerer prometheus.Registerer, docID string) *metrics {
	labels := prometheus.Labels{"doc_id": docID}
	m := &metrics{
		peersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "collab",
			Name:        "peers_connected",
			Help:        "Number of directly connected peers for this document session.",
			ConstLabels: labels,
		}),
		snapshotsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "collab",
			Name:        "snapshots_written_total",
			Help:        "ForcePersist calls that returned without error; debounced and backstop snapshot writes are not counted.",
			ConstLabels: labels,
		}),
		syncErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "collab",
			Name:        "sync_errors_total",
			Help:        "Errors encountered while applying or sending sync updates.",
			ConstLabels: labels,
		}),
		updatesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "collab",
			Name:        "updates_applied_total",
			Help:        "Remote document updates applied.",
			ConstLabels: labels,
		}),
		awarenessUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "collab",
			Name:        "awareness_updates_total",
			Help:        "Remote awareness updates applied.",
			ConstLabels: labels,
		}),
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{
		m.peersConnected, m.snapshotsWritten, m.syncErrors, m.updatesApplied, m.awarenessUpdates,
	} {
		// A second session for the same docID in this process hits
		// AlreadyRegisteredError, which is ignored: that session's
		// collectors stay unregistered and only the first session's
		// series is exported.
		_ = registerer.Register(c)
	}
	return m
}
