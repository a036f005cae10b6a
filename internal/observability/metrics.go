package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	upstreamRequestsTotal *prometheus.CounterVec
	upstreamDuration      *prometheus.HistogramVec
	jobsTotal             *prometheus.CounterVec
	jobDuration           *prometheus.HistogramVec
	chunkBytes            prometheus.Histogram
	chunkDuration         prometheus.Histogram
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunkscribe_http_requests_total",
				Help: "Total number of HTTP requests handled.",
			},
			[]string{"route", "method", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chunkscribe_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method", "status"},
		),
		upstreamRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunkscribe_upstream_requests_total",
				Help: "Total upstream transcription API requests.",
			},
			[]string{"endpoint", "status"},
		),
		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chunkscribe_upstream_request_duration_seconds",
				Help:    "Upstream request duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint", "status"},
		),
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunkscribe_jobs_total",
				Help: "Transcription jobs by terminal state.",
			},
			[]string{"outcome"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chunkscribe_job_duration_seconds",
				Help:    "Wall-clock duration of transcription jobs in seconds.",
				Buckets: prometheus.ExponentialBuckets(1, 2, 14),
			},
			[]string{"outcome"},
		),
		chunkBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chunkscribe_chunk_payload_bytes",
				Help:    "PCM payload size of uploaded audio chunks.",
				Buckets: prometheus.ExponentialBuckets(64<<10, 2, 10),
			},
		),
		chunkDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chunkscribe_chunk_audio_seconds",
				Help:    "Playback duration of uploaded audio chunks in seconds.",
				Buckets: prometheus.LinearBuckets(60, 60, 15),
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.upstreamRequestsTotal,
		m.upstreamDuration,
		m.jobsTotal,
		m.jobDuration,
		m.chunkBytes,
		m.chunkDuration,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveHTTP(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "UNKNOWN"
	}
	statusLabel := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(route, method, statusLabel).Inc()
	m.httpRequestDuration.WithLabelValues(route, method, statusLabel).Observe(duration.Seconds())
}

func (m *Metrics) ObserveUpstream(endpoint string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	statusLabel := strconv.Itoa(status)
	m.upstreamRequestsTotal.WithLabelValues(endpoint, statusLabel).Inc()
	m.upstreamDuration.WithLabelValues(endpoint, statusLabel).Observe(duration.Seconds())
}

func (m *Metrics) ObserveJob(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.jobsTotal.WithLabelValues(outcome).Inc()
	m.jobDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *Metrics) ObserveChunk(byteSize int64, duration time.Duration) {
	if m == nil {
		return
	}
	m.chunkBytes.Observe(float64(byteSize))
	m.chunkDuration.Observe(duration.Seconds())
}
