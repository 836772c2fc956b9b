// Package metrics holds the Prometheus collectors shared by the sync core.
//
// Collectors register with the default registry on package load; the
// server exposes them through Handler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Commit results recorded by CommitsTotal.
const (
	ResultCommitted = "committed"
	ResultCollision = "collision"
	ResultError     = "error"
)

var (
	// CommitsTotal counts change log append attempts by result.
	CommitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quill_commits_total",
		Help: "Change log append attempts by result",
	}, []string{"result"})

	// CommitDuration observes the round trip of a change log append.
	CommitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quill_commit_duration_seconds",
		Help:    "Duration of change log append round trips",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
	})

	// PendingWrites tracks outstanding remote writes across clients.
	PendingWrites = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quill_pending_writes",
		Help: "Remote writes started but not yet settled",
	})

	// ChangesFlushed counts received changes applied to a document.
	ChangesFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quill_changes_flushed_total",
		Help: "Received changes applied to the local document",
	})

	// ChangesDropped counts received changes that failed to apply.
	ChangesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quill_changes_dropped_total",
		Help: "Received changes dropped because they failed to apply",
	})

	// RetriesScheduled counts send retries armed after a collision or error.
	RetriesScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quill_send_retries_total",
		Help: "Send retries armed after a collision or transient error",
	})

	// AggregatorBatchSize observes the number of events per flushed batch.
	AggregatorBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quill_aggregator_batch_size",
		Help:    "Events per aggregated batch",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
	})

	// DiscussionWrites counts discussion persistence attempts by result.
	DiscussionWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quill_discussion_writes_total",
		Help: "Discussion anchor writes by result",
	}, []string{"result"})

	// Connections tracks open transport connections on the server.
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quill_ws_connections",
		Help: "Open websocket connections",
	})
)

// ObserveCommit records the outcome and duration of one append attempt.
func ObserveCommit(start time.Time, committed bool, err error) {
	CommitDuration.Observe(time.Since(start).Seconds())
	switch {
	case err != nil:
		CommitsTotal.WithLabelValues(ResultError).Inc()
	case committed:
		CommitsTotal.WithLabelValues(ResultCommitted).Inc()
	default:
		CommitsTotal.WithLabelValues(ResultCollision).Inc()
	}
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
