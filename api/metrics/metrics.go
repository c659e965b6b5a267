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
			Name: "powersol_settlement_build_info",
			Help: "Build information of the settlement service",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "powersol_settlement_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "powersol_settlement_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "powersol_settlement_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Sale pipeline metrics
	SalesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "powersol_settlement_sales_processed_total",
			Help: "Total number of sale events processed",
		},
		[]string{"status"}, // "settled", "duplicate", "rejected", "error"
	)

	SaleCommissionLamports = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "powersol_settlement_sale_commission_lamports_total",
			Help: "Total commission credited to affiliates, in lamports",
		},
	)

	SaleRetainedLamports = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "powersol_settlement_sale_retained_lamports_total",
			Help: "Total reserve delta retained by the affiliate pool, in lamports",
		},
	)

	// Withdrawal saga metrics
	WithdrawalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "powersol_settlement_withdrawals_total",
			Help: "Total number of withdrawal transitions",
		},
		[]string{"transition"}, // "prepared", "completed", "failed", "pending_timeout", "cancelled"
	)

	WithdrawalAmountLamports = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "powersol_settlement_withdrawal_lamports_total",
			Help: "Lamports moved through withdrawal transitions",
		},
		[]string{"transition"},
	)

	ReconcileRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "powersol_settlement_reconcile_runs_total",
			Help: "Total number of withdrawal reconciliation runs",
		},
		[]string{"status"}, // "success", "error"
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

		// Use the route pattern if available, otherwise use the path
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}

		status := strconv.Itoa(ww.Status())
		duration := time.Since(start).Seconds()

		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// RecordSale records the outcome of one sale event.
func RecordSale(status string, commission, delta uint64) {
	SalesProcessedTotal.WithLabelValues(status).Inc()
	if commission > 0 {
		SaleCommissionLamports.Add(float64(commission))
	}
	if delta > 0 {
		SaleRetainedLamports.Add(float64(delta))
	}
}

// RecordWithdrawal records one withdrawal saga transition.
func RecordWithdrawal(transition string, lamports uint64) {
	WithdrawalsTotal.WithLabelValues(transition).Inc()
	if lamports > 0 {
		WithdrawalAmountLamports.WithLabelValues(transition).Add(float64(lamports))
	}
}

// RecordReconcileRun records one reconciliation sweep.
func RecordReconcileRun(err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	ReconcileRunsTotal.WithLabelValues(status).Inc()
}
