// Package metrics provides Prometheus metrics for listsyncd.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/schaermu/listsyncd/internal/diff"
)

// Result label values.
const (
	ResultOK    = "ok"
	ResultEmpty = "empty"
	ResultError = "error"
)

var (
	// Fetch cycle metrics
	fetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listsyncd_fetches_total",
			Help: "Total number of completed fetch cycles by result",
		},
		[]string{"result"},
	)

	fetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "listsyncd_fetch_duration_seconds",
			Help:    "Time spent fetching and decoding the remote collection",
			Buckets: prometheus.DefBuckets,
		},
	)

	fetchesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "listsyncd_fetches_skipped_total",
			Help: "Triggers dropped because a fetch was already in flight",
		},
	)

	// Reconciliation metrics
	editOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listsyncd_edit_ops_total",
			Help: "Edit operations applied to the displayed collection by kind",
		},
		[]string{"kind"},
	)

	itemsDisplayed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "listsyncd_items_displayed",
			Help: "Number of items in the authoritative collection",
		},
	)

	// User actions
	deletesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listsyncd_deletes_total",
			Help: "User-initiated deletes by result",
		},
		[]string{"result"},
	)

	actionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listsyncd_actions_total",
			Help: "Install requests by kind and result",
		},
		[]string{"kind", "result"},
	)

	streamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "listsyncd_stream_subscribers",
			Help: "Connected websocket subscribers",
		},
	)
)

// RecordFetch records a completed fetch cycle. result is one of ok, empty or error.
func RecordFetch(result string, d time.Duration) {
	fetchesTotal.WithLabelValues(result).Inc()
	fetchDuration.Observe(d.Seconds())
}

// RecordFetchSkipped records a trigger that found a fetch in flight.
func RecordFetchSkipped() {
	fetchesSkipped.Inc()
}

// RecordEditScript counts the ops of an applied script.
func RecordEditScript(script diff.Script) {
	for _, op := range script {
		editOpsTotal.WithLabelValues(op.Kind.String()).Inc()
	}
}

// SetItemsDisplayed sets the size of the authoritative collection.
func SetItemsDisplayed(n int) {
	itemsDisplayed.Set(float64(n))
}

// RecordDelete records a user delete. result is ok or error.
func RecordDelete(result string) {
	deletesTotal.WithLabelValues(result).Inc()
}

// RecordAction records an install request outcome. result is ok or error.
func RecordAction(kind, result string) {
	actionsTotal.WithLabelValues(kind, result).Inc()
}

// SetStreamSubscribers sets the number of websocket subscribers.
func SetStreamSubscribers(n int) {
	streamSubscribers.Set(float64(n))
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
