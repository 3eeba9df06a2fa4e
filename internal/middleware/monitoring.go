package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics collectors.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ErrorsTotal     *prometheus.CounterVec
	ActiveRequests  prometheus.Gauge

	PIIBlocks    prometheus.Counter
	RagGaps      prometheus.Counter
	RagFallbacks prometheus.Counter
	ChatTurns    *prometheus.CounterVec
	ChatLatency  *prometheus.HistogramVec
	RenderJobs   *prometheus.CounterVec
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method and path.",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"method", "path"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_errors_total",
				Help: "Total number of HTTP error responses (4xx/5xx).",
			},
			[]string{"method", "path", "status"},
		),
		ActiveRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_active_requests",
				Help: "Number of currently active HTTP requests.",
			},
		),
		PIIBlocks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chat_pii_blocks_total",
				Help: "Total number of fail-closed PII detector blocks.",
			},
		),
		RagGaps: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chat_rag_gap_candidates_total",
				Help: "Total number of turns where retrieval found no sources for a policy/education question.",
			},
		),
		RagFallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "retrieval_fallbacks_total",
				Help: "Total number of retrievals served by the secondary backend.",
			},
		),
		ChatTurns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_turns_total",
				Help: "Total chat turns by route and error code.",
			},
			[]string{"route", "error_code"},
		),
		ChatLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chat_turn_duration_seconds",
				Help:    "End-to-end chat turn latency in seconds.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
			},
			[]string{"route"},
		),
		RenderJobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "render_jobs_total",
				Help: "Render jobs reaching a terminal status.",
			},
			[]string{"status"},
		),
	}

	reg.MustRegister(m.RequestsTotal, m.RequestDuration, m.ErrorsTotal, m.ActiveRequests,
		m.PIIBlocks, m.RagGaps, m.RagFallbacks, m.ChatTurns, m.ChatLatency, m.RenderJobs)
	return m
}

// IncPIIBlock implements service.ChatMetrics.
func (m *Metrics) IncPIIBlock() { m.PIIBlocks.Inc() }

// IncRagGap implements service.ChatMetrics.
func (m *Metrics) IncRagGap() { m.RagGaps.Inc() }

// IncRagFallback implements service.ChatMetrics.
func (m *Metrics) IncRagFallback() { m.RagFallbacks.Inc() }

// ObserveTurn implements service.ChatMetrics.
func (m *Metrics) ObserveTurn(route, errCode string, latency time.Duration) {
	if errCode == "" {
		errCode = "none"
	}
	m.ChatTurns.WithLabelValues(route, errCode).Inc()
	m.ChatLatency.WithLabelValues(route).Observe(latency.Seconds())
}

// IncJob implements render.RunnerMetrics.
func (m *Metrics) IncJob(status string) { m.RenderJobs.WithLabelValues(status).Inc() }

// Monitoring returns middleware that records request metrics.
func Monitoring(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			m.ActiveRequests.Inc()

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(sw.status)
			path := sanitizePath(r.URL.Path)

			m.RequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			m.RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
			m.ActiveRequests.Dec()

			if sw.status >= 400 {
				m.ErrorsTotal.WithLabelValues(r.Method, path, status).Inc()
			}
		})
	}
}

// MetricsHandler returns the Prometheus metrics endpoint handler.
func MetricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// sanitizePath normalizes URL paths to prevent high-cardinality label
// values. Path segments that look like IDs are replaced with ":id".
func sanitizePath(path string) string {
	if len(path) == 0 {
		return "/"
	}

	var result []byte
	start := 0
	segIdx := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			seg := path[start:i]
			if segIdx > 0 && looksLikeID(seg) {
				result = append(result, ":id"...)
			} else {
				result = append(result, seg...)
			}
			if i < len(path) {
				result = append(result, '/')
			}
			start = i + 1
			segIdx++
		}
	}
	return string(result)
}

// looksLikeID returns true if the segment looks like a UUID or numeric ID.
func looksLikeID(seg string) bool {
	if len(seg) == 0 {
		return false
	}
	if len(seg) == 36 {
		dashes := 0
		for _, c := range seg {
			if c == '-' {
				dashes++
			}
		}
		if dashes == 4 {
			return true
		}
	}
	for _, c := range seg {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(seg) > 0
}
