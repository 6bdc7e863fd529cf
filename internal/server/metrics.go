// metrics.go
package server

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jjshanks/asset-server/internal/assets"
)

const metricsNamespace = "asset_server"

var (
	// Buckets for static responses: 1ms, 5ms, 10ms, 25ms, 50ms, 100ms, 250ms, 500ms, 1s, 5s
	requestDurationBuckets = []float64{0.001, 0.005, 0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.000, 5.000}

	// Scheduler lag buckets: 1ms up to 1s
	lagBuckets = []float64{0.001, 0.005, 0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.000}
)

// metrics holds our Prometheus metrics
type metrics struct {
	// requestCounter tracks the total number of requests processed
	// Labels: route, method, status
	requestCounter *prometheus.CounterVec

	// requestDuration tracks the duration of requests
	// Labels: route, method
	requestDuration *prometheus.HistogramVec

	// errorCounter tracks responses with status >= 400
	// Labels: route, method, status
	errorCounter *prometheus.CounterVec

	// readinessGauge indicates the current readiness status (1 ready, 0 not ready)
	readinessGauge prometheus.Gauge

	// livenessGauge indicates the current liveness status (1 alive, 0 not alive)
	livenessGauge prometheus.Gauge

	// openConnections mirrors the size of the connection registry
	openConnections prometheus.Gauge

	// forcedCloses counts connections closed when the grace period expired
	forcedCloses prometheus.Counter

	bytesServed    prometheus.Counter
	notModified    prometheus.Counter
	abortedStreams prometheus.Counter

	// sampledRate and schedulerLag are fed by the in-process sampler
	sampledRate  prometheus.Gauge
	schedulerLag prometheus.Histogram

	// registry is the Prometheus registry used to manage these metrics
	registry *prometheus.Registry
}

// initMetrics initializes Prometheus metrics with an optional registry
func initMetrics(reg prometheus.Registerer) (*metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &metrics{
		requestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "requests_total",
				Help:      "Total number of requests processed",
			},
			[]string{"route", "method", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "request_duration_seconds",
				Help:      "Duration of request processing in seconds",
				Buckets:   requestDurationBuckets,
			},
			[]string{"route", "method"},
		),
		errorCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "errors_total",
				Help:      "Total number of responses with an error status",
			},
			[]string{"route", "method", "status"},
		),
		readinessGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "readiness_status",
			Help:      "Current readiness status (1 for ready, 0 for not ready)",
		}),
		livenessGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "liveness_status",
			Help:      "Current liveness status (1 for alive, 0 for not alive)",
		}),
		openConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "open_connections",
			Help:      "Number of connections currently tracked",
		}),
		forcedCloses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "forced_connection_closes_total",
			Help:      "Connections force-closed because the shutdown grace period expired",
		}),
		bytesServed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "asset_bytes_served_total",
			Help:      "Total asset body bytes written",
		}),
		notModified: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "asset_not_modified_total",
			Help:      "Conditional requests answered with 304 Not Modified",
		}),
		abortedStreams: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "asset_streams_aborted_total",
			Help:      "Asset responses aborted after headers were sent",
		}),
		sampledRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sampled_requests_per_second",
			Help:      "Requests completed during the last sampler interval",
		}),
		schedulerLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "scheduler_lag_seconds",
			Help:      "Delay between scheduling a probe goroutine and it running",
			Buckets:   lagBuckets,
		}),
	}

	collectors := []struct {
		name string
		c    prometheus.Collector
	}{
		{"request counter", m.requestCounter},
		{"request duration", m.requestDuration},
		{"error counter", m.errorCounter},
		{"readiness gauge", m.readinessGauge},
		{"liveness gauge", m.livenessGauge},
		{"open connections gauge", m.openConnections},
		{"forced close counter", m.forcedCloses},
		{"bytes served counter", m.bytesServed},
		{"not modified counter", m.notModified},
		{"aborted stream counter", m.abortedStreams},
		{"sampled rate gauge", m.sampledRate},
		{"scheduler lag histogram", m.schedulerLag},
	}
	for _, col := range collectors {
		if err := reg.Register(col.c); err != nil {
			return nil, fmt.Errorf("could not register %s: %w", col.name, err)
		}
	}

	// Store registry if a custom one was used
	if r, ok := reg.(*prometheus.Registry); ok {
		m.registry = r
	}

	return m, nil
}

// metricsMiddleware records request metrics and feeds the sampler. The deferred
// completion runs exactly once per request on every exit path, including
// panics and aborted streams.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := newStatusRecorder(w)
		rc := requestContext(r.Context())

		defer func() {
			rec := recover()
			aborted := rec == http.ErrAbortHandler
			if rec != nil && !aborted {
				s.logger.Error().
					Interface("panic", rec).
					Str("stack", string(debug.Stack())).
					Str("request_id", rc.ID).
					Msg("Handler panic recovered")
				if !wrapped.wroteHeader {
					writeText(wrapped, http.StatusInternalServerError, "Internal Server Error\n")
				}
				wrapped.status = http.StatusInternalServerError
			}

			rc.Status = wrapped.status
			s.sampler.Incr()
			s.metrics.observeRequest(rc.Route, r.Method, wrapped.status, time.Since(start))

			if aborted {
				s.metrics.abortedStreams.Inc()
				panic(rec)
			}
		}()

		next.ServeHTTP(wrapped, r)
	})
}

func (m *metrics) observeRequest(route, method string, status int, elapsed time.Duration) {
	if route == "" {
		route = routeUnknown
	}
	method = methodLabel(method)
	code := strconv.Itoa(status)

	m.requestCounter.WithLabelValues(route, method, code).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(elapsed.Seconds())
	if status >= 400 {
		m.errorCounter.WithLabelValues(route, method, code).Inc()
	}
}

// recordAsset records the outcome of a response produced by the file server.
func (m *metrics) recordAsset(res assets.Result) {
	switch res.Status {
	case http.StatusNotModified:
		m.notModified.Inc()
	case http.StatusOK:
		m.bytesServed.Add(float64(res.Bytes))
	}
}

// updateHealthMetrics updates the health-related metrics
func (m *metrics) updateHealthMetrics(ready, alive bool) {
	m.readinessGauge.Set(boolToFloat(ready))
	m.livenessGauge.Set(boolToFloat(alive))
}

func (m *metrics) setOpenConnections(open int) {
	m.openConnections.Set(float64(open))
}

// ObserveRate implements sampler.Observer.
func (m *metrics) ObserveRate(requests int64) {
	m.sampledRate.Set(float64(requests))
}

// ObserveLag implements sampler.Observer.
func (m *metrics) ObserveLag(lag time.Duration) {
	m.schedulerLag.Observe(lag.Seconds())
}

// handler returns a handler for /metrics endpoint
func (m *metrics) handler() http.Handler {
	if m.registry != nil {
		return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// methodLabel keeps the method label bounded.
func methodLabel(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodOptions,
		http.MethodConnect, http.MethodTrace:
		return method
	}
	return "OTHER"
}

// statusRecorder wraps http.ResponseWriter to capture the HTTP status code
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

// newStatusRecorder creates a new statusRecorder
func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

// WriteHeader captures the written status code
func (r *statusRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.status = status
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(p)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
