package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "walletfanout_engine_build_info",
			Help: "Build information of the wallet fanout engine",
		},
		[]string{"version", "commit", "date"},
	)

	// Batch executor
	BatchUnitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletfanout_engine_batch_units_total",
			Help: "Total number of submission units by outcome",
		},
		[]string{"status"}, // "committed", "failed", "not_attempted"
	)

	BatchUnitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "walletfanout_engine_batch_unit_duration_seconds",
			Help:    "Duration of submission units",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
	)

	BatchOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletfanout_engine_batch_ops_total",
			Help: "Total number of ledger ops submitted, by target kind and outcome",
		},
		[]string{"kind", "status"},
	)

	// Reconciliation and claims
	ReconcileTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletfanout_engine_reconcile_total",
			Help: "Total number of reconcile runs",
		},
		[]string{"status"},
	)

	VouchersCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "walletfanout_engine_vouchers_created_total",
			Help: "Total number of vouchers created by reconciliation",
		},
	)

	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletfanout_engine_claims_total",
			Help: "Total number of voucher claims",
		},
		[]string{"status"}, // "claimed", "skipped", "error"
	)

	ConflictRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletfanout_engine_conflict_retries_total",
			Help: "Total number of planning passes rerun after a ledger conflict",
		},
		[]string{"operation"},
	)

	// Teardown
	TeardownStageTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletfanout_engine_teardown_stage_total",
			Help: "Total number of teardown stages entered",
		},
		[]string{"stage"},
	)

	TeardownDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "walletfanout_engine_teardown_duration_seconds",
			Help:    "Duration of complete teardowns",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~82s
		},
	)

	// Trigger listener
	TriggerRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletfanout_engine_trigger_runs_total",
			Help: "Total number of trigger-driven staleness checks",
		},
		[]string{"result"}, // "claimed", "stale", "fresh", "error", "dropped", "panic"
	)

	// History and archive
	HistoryWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletfanout_engine_history_writes_total",
			Help: "Total number of history rows written",
		},
		[]string{"table", "status"},
	)

	ArchiveUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletfanout_engine_archive_uploads_total",
			Help: "Total number of fanout archives uploaded",
		},
		[]string{"status"},
	)

	// HTTP
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletfanout_engine_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "walletfanout_engine_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "walletfanout_engine_http_requests_in_flight",
			Help: "Number of HTTP requests currently being served",
		},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Route pattern keeps the label set bounded.
		path := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			path = rctx.RoutePattern()
		}
		if path == "" {
			path = r.URL.Path
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// RecordUnit records the outcome of one submission unit.
func RecordUnit(kinds []string, duration time.Duration, err error) {
	status := "committed"
	if err != nil {
		status = "failed"
	}
	BatchUnitsTotal.WithLabelValues(status).Inc()
	BatchUnitDuration.Observe(duration.Seconds())
	for _, k := range kinds {
		BatchOpsTotal.WithLabelValues(k, status).Inc()
	}
}
