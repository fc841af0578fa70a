package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP-wide metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Domain metrics fed by the services.
var (
	loginFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "carevault_login_failures_total",
		Help: "Failed authentication attempts.",
	})

	lockoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "carevault_account_lockouts_total",
		Help: "Accounts transitioned to the locked state.",
	})

	importsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carevault_record_imports_total",
			Help: "Bulk file imports by outcome.",
		},
		[]string{"outcome"},
	)

	auditAppendsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "carevault_audit_appends_total",
		Help: "Audit entries written to the durable sink.",
	})
)

// Init registers all metrics with the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		loginFailuresTotal, lockoutsTotal, importsTotal, auditAppendsTotal,
	)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveLoginFailure counts one failed authentication attempt.
func ObserveLoginFailure() { loginFailuresTotal.Inc() }

// ObserveLockout counts one account lock transition.
func ObserveLockout() { lockoutsTotal.Inc() }

// ObserveImport counts one completed import attempt ("committed" or "rejected").
func ObserveImport(outcome string) { importsTotal.WithLabelValues(outcome).Inc() }

// ObserveAuditAppend counts one durable audit write.
func ObserveAuditAppend() { auditAppendsTotal.Inc() }

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for metric labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the underlying writer so streaming responses keep
// working through the instrumented chain.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
