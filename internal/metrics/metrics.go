// Package metrics exposes prometheus collectors for the local cache.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// PersistResultWritten marks a snapshot blob written to the backend.
	PersistResultWritten = "written"
	// PersistResultFailed marks a failed backend write.
	PersistResultFailed = "failed"
	// PersistResultUnchanged marks a write skipped because the blob matched the last one.
	PersistResultUnchanged = "unchanged"

	// FetchResultNetwork marks a successful user-info network fetch.
	FetchResultNetwork = "network"
	// FetchResultError marks a failed user-info network fetch.
	FetchResultError = "error"
	// FetchResultCacheHit marks a fetch answered by the TTL cache.
	FetchResultCacheHit = "cache_hit"
	// FetchResultThrottled marks a fetch suppressed by the minimum-interval guard.
	FetchResultThrottled = "throttled"
	// FetchResultShared marks a caller that joined an in-flight fetch.
	FetchResultShared = "shared"
)

var (
	persistWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inappdb_persist_writes_total",
		Help: "Snapshot persistence attempts by result",
	}, []string{"result"})

	rehydrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inappdb_rehydrations_total",
		Help: "Snapshot rehydrations by whether memory state changed",
	}, []string{"changed"})

	userInfoFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inappdb_userinfo_fetches_total",
		Help: "User-info fetch requests by resolution",
	}, []string{"result"})

	reconciledRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inappdb_reconciled_records_total",
		Help: "Records written by the raw-api reconciler per partition",
	}, []string{"partition"})

	realtimeEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inappdb_realtime_events_total",
		Help: "Realtime change notifications received per table",
	}, []string{"table"})

	realtimeBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "inappdb_realtime_batch_size",
		Help:    "Events merged per debounced realtime batch",
		Buckets: prometheus.ExponentialBuckets(1, 2, 8),
	})
)

// ObservePersist records a snapshot persistence attempt.
func ObservePersist(result string) {
	persistWrites.WithLabelValues(result).Inc()
}

// ObserveRehydration records a rehydration and whether it altered memory state.
func ObserveRehydration(changed bool) {
	label := "false"
	if changed {
		label = "true"
	}
	rehydrations.WithLabelValues(label).Inc()
}

// ObserveUserInfoFetch records how a user-info request was resolved.
func ObserveUserInfoFetch(result string) {
	userInfoFetches.WithLabelValues(result).Inc()
}

// ObserveReconciled adds count records reconciled into partition.
func ObserveReconciled(partition string, count int) {
	if count <= 0 {
		return
	}
	reconciledRecords.WithLabelValues(partition).Add(float64(count))
}

// ObserveRealtimeEvent counts one change notification for table.
func ObserveRealtimeEvent(table string) {
	realtimeEvents.WithLabelValues(table).Inc()
}

// ObserveRealtimeBatch records the size of a flushed realtime batch.
func ObserveRealtimeBatch(size int) {
	realtimeBatchSize.Observe(float64(size))
}
