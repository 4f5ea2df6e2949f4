// Package metrics provides Prometheus metrics for the simple-stream gateway.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simplestream_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "simplestream_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Session pool metrics
	sessionLoad = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "simplestream_session_load",
			Help: "Number of in-flight streams per backend session",
		},
		[]string{"session"},
	)

	// Streaming metrics
	streamBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "simplestream_stream_bytes_total",
			Help: "Total bytes written to download clients",
		},
	)

	chunkFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simplestream_chunk_fetches_total",
			Help: "Total backend chunk fetches",
		},
		[]string{"result"},
	)

	chunkFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "simplestream_chunk_fetch_duration_seconds",
			Help:    "Backend chunk fetch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	migrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simplestream_endpoint_migrations_total",
			Help: "Total endpoint authorization exchanges",
		},
		[]string{"result"},
	)

	// Thumbnail pipeline metrics
	thumbnailRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simplestream_thumbnail_runs_total",
			Help: "Total thumbnail pipeline runs by outcome",
		},
		[]string{"outcome"},
	)

	thumbnailRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "simplestream_thumbnail_run_duration_seconds",
			Help:    "Thumbnail pipeline run duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simplestream_uploads_total",
			Help: "Total ingested uploads",
		},
		[]string{"status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetSessionLoad sets the current load of a backend session.
func SetSessionLoad(sessionID int, load int64) {
	sessionLoad.WithLabelValues(strconv.Itoa(sessionID)).Set(float64(load))
}

// RecordStreamBytes records bytes written to a download client.
func RecordStreamBytes(n int) {
	streamBytesTotal.Add(float64(n))
}

// RecordChunkFetch records a backend chunk fetch. result is "ok", "short" or "error".
func RecordChunkFetch(result string, duration time.Duration) {
	chunkFetchesTotal.WithLabelValues(result).Inc()
	chunkFetchDuration.Observe(duration.Seconds())
}

// RecordMigration records an endpoint authorization exchange.
func RecordMigration(success bool) {
	result := "success"
	if !success {
		result = "error"
	}
	migrationsTotal.WithLabelValues(result).Inc()
}

// RecordThumbnailRun records a thumbnail pipeline run.
func RecordThumbnailRun(outcome string, duration time.Duration) {
	thumbnailRunsTotal.WithLabelValues(outcome).Inc()
	thumbnailRunDuration.Observe(duration.Seconds())
}

// RecordUpload records an ingested upload.
func RecordUpload(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	uploadsTotal.WithLabelValues(status).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics labelled by
// the matched chi route pattern, so object ids do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}
