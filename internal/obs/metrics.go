package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP-level metrics shared by every endpoint.
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

// Login and payment domain metrics.
var (
	otpIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "login_otp_issued_total",
		Help: "One-time codes issued.",
	})

	otpVerifyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "login_otp_verify_total",
			Help: "One-time code verification attempts by outcome.",
		},
		[]string{"outcome"},
	)

	loginSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "login_sessions_total",
			Help: "Pending login sessions by result.",
		},
		[]string{"result"},
	)

	paymentVerifyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_verify_total",
			Help: "Payment signature verifications by result.",
		},
		[]string{"result"},
	)
)

// Init registers all metrics with the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		otpIssuedTotal, otpVerifyTotal, loginSessionsTotal, paymentVerifyTotal,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CountOTPIssued increments the issued-code counter.
func CountOTPIssued() { otpIssuedTotal.Inc() }

// CountOTPVerify records a verification outcome (accepted, mismatch, ...).
func CountOTPVerify(outcome string) { otpVerifyTotal.WithLabelValues(outcome).Inc() }

// CountLoginSession records a session result (created, confirmed, rate_limited, ...).
func CountLoginSession(result string) { loginSessionsTotal.WithLabelValues(result).Inc() }

// CountPaymentVerify records a signature verification result.
func CountPaymentVerify(result string) { paymentVerifyTotal.WithLabelValues(result).Inc() }

// Instrument wraps a handler with RPS/latency/in-flight measurements.
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

// statusWriter captures the response code for metrics.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
