// Package metrics exposes the sync core's Prometheus collectors: a Timer
// helper, package-level collector vars, one init() registering
// everything, and a promhttp.Handler for scraping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SyncCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dentalsub_sync_cycles_total",
			Help: "Total number of sync cycles by outcome",
		},
		[]string{"outcome"},
	)

	SyncCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dentalsub_sync_cycle_duration_seconds",
			Help:    "Time taken for a full sync cycle (upload + download) in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PendingChangesGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dentalsub_pending_changes",
			Help: "Number of not-yet-synced pending changes in the upload queue",
		},
	)

	ChangesUploadedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dentalsub_changes_uploaded_total",
			Help: "Total number of changes uploaded by outcome",
		},
		[]string{"outcome"},
	)

	ChangesDownloadedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dentalsub_changes_downloaded_total",
			Help: "Total number of remote changes applied from download",
		},
	)

	MergeConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dentalsub_merge_conflicts_total",
			Help: "Total number of merge outcomes by resolution",
		},
		[]string{"resolution"},
	)

	RealtimeReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dentalsub_realtime_reconnects_total",
			Help: "Total number of realtime channel reconnect attempts",
		},
	)

	RealtimeConnectionState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dentalsub_realtime_connection_state",
			Help: "Realtime channel state (1=connected, 0=disconnected or reconnecting)",
		},
	)

	UpdatePipelineDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dentalsub_update_pipeline_duration_seconds",
			Help:    "Time taken for an update pipeline stage in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"stage"},
	)

	UpdatesAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dentalsub_updates_applied_total",
			Help: "Total number of update attempts by outcome",
		},
		[]string{"outcome"},
	)

	SessionLockoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dentalsub_session_lockouts_total",
			Help: "Total number of times the local session entered lockout",
		},
	)
)

func init() {
	prometheus.MustRegister(SyncCyclesTotal)
	prometheus.MustRegister(SyncCycleDuration)
	prometheus.MustRegister(PendingChangesGauge)
	prometheus.MustRegister(ChangesUploadedTotal)
	prometheus.MustRegister(ChangesDownloadedTotal)
	prometheus.MustRegister(MergeConflictsTotal)
	prometheus.MustRegister(RealtimeReconnectsTotal)
	prometheus.MustRegister(RealtimeConnectionState)
	prometheus.MustRegister(UpdatePipelineDuration)
	prometheus.MustRegister(UpdatesAppliedTotal)
	prometheus.MustRegister(SessionLockoutsTotal)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times a single operation and reports it to a histogram on
// completion.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
