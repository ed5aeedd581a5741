package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels shared by the job metrics
const (
	OutcomeSuccess   = "success"
	OutcomeExhausted = "exhausted"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// Metrics holds all Prometheus collectors exported by dtc
type Metrics struct {
	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Object storage
	ObjectStoreOperationsTotal *prometheus.CounterVec
	ObjectStoreBytesTotal      *prometheus.CounterVec

	// Usage reporting
	UsageReportsTotal   *prometheus.CounterVec
	UsageReportAttempts prometheus.Histogram
	UsageRunsTotal      *prometheus.CounterVec
	UsageRunDuration    prometheus.Histogram

	// Capsule delivery
	CapsuleDeliveriesTotal *prometheus.CounterVec

	// Billing
	WebhookEventsTotal *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with registry
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dtc_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dtc_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		ObjectStoreOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dtc_object_store_operations_total",
				Help: "Object store operations by operation and status",
			},
			[]string{"operation", "status"},
		),
		ObjectStoreBytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dtc_object_store_bytes_total",
				Help: "Bytes uploaded to and downloaded from the object store",
			},
			[]string{"direction"},
		),
		UsageReportsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dtc_usage_reports_total",
				Help: "Per-user metered usage reports by outcome",
			},
			[]string{"outcome"},
		),
		UsageReportAttempts: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dtc_usage_report_attempts",
				Help:    "Attempts needed per usage report",
				Buckets: []float64{1, 2, 3, 4, 5, 6},
			},
		),
		UsageRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dtc_usage_runs_total",
				Help: "Usage reporter runs by outcome",
			},
			[]string{"outcome"},
		),
		UsageRunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dtc_usage_run_duration_seconds",
				Help:    "Wall time of a usage reporter run",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
			},
		),
		CapsuleDeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dtc_capsule_deliveries_total",
				Help: "Capsule delivery attempts by outcome",
			},
			[]string{"outcome"},
		),
		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dtc_billing_webhook_events_total",
				Help: "Billing webhook events by type and status",
			},
			[]string{"type", "status"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ObjectStoreOperationsTotal,
		m.ObjectStoreBytesTotal,
		m.UsageReportsTotal,
		m.UsageReportAttempts,
		m.UsageRunsTotal,
		m.UsageRunDuration,
		m.CapsuleDeliveriesTotal,
		m.WebhookEventsTotal,
	)

	return m
}

// NewNopMetrics returns collectors registered on a throwaway registry
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware records request counts and latency labelled by the
// matched mux route template so IDs do not explode label cardinality.
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tpl, err := current.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
