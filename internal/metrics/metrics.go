package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors for the sync agent.
var (
	PendingRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldsync_pending_records",
		Help: "Number of queued records awaiting sync",
	})

	SyncAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_sync_attempts_total",
		Help: "Sync attempts by terminal outcome",
	}, []string{"outcome"})

	QueuedMutationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldsync_queued_mutations_total",
		Help: "Mutations deferred to the durable queue",
	})

	CacheEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_cache_events_total",
		Help: "Response cache lookups by result",
	}, []string{"result"})
)
