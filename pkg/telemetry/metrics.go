package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the telemetry pipeline. A Metrics
// created with metrics disabled, or a nil *Metrics, records nothing.
type Metrics struct {
	config MetricsConfig

	// Client metrics
	itemsTracked       *prometheus.CounterVec
	itemsDropped       *prometheus.CounterVec
	exceptionsCaptured *prometheus.CounterVec

	// Queue metrics
	queueEntries prometheus.Gauge
	queueBytes   prometheus.Gauge
	evictions    *prometheus.CounterVec

	// Delivery metrics
	sendAttempts   *prometheus.CounterVec
	sendDuration   *prometheus.HistogramVec
	itemsDelivered *prometheus.CounterVec
	backoffSeconds prometheus.Gauge

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		itemsTracked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_tracked_total",
				Help:      "Total number of telemetry items accepted into the queue",
			},
			[]string{"type"},
		),
		itemsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_dropped_total",
				Help:      "Total number of telemetry items dropped before delivery",
			},
			[]string{"reason"},
		),
		exceptionsCaptured: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exceptions_captured_total",
				Help:      "Total number of exception reports received from hooks",
			},
			[]string{"result"},
		),

		queueEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_entries",
				Help:      "Current number of entries in the persistent queue",
			},
		),
		queueBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_bytes",
				Help:      "Current size of the persistent queue in bytes",
			},
		),
		evictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_evictions_total",
				Help:      "Total number of entries evicted from the queue",
			},
			[]string{"reason"},
		),

		sendAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "send_attempts_total",
				Help:      "Total number of batch send attempts",
			},
			[]string{"outcome"},
		),
		sendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "send_duration_seconds",
				Help:      "Duration of batch send attempts in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),
		itemsDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_sent_total",
				Help:      "Total number of items by delivery result",
			},
			[]string{"result"},
		),
		backoffSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "backoff_seconds",
				Help:      "Current transmission backoff delay in seconds",
			},
		),
	}

	registry.MustRegister(
		m.itemsTracked,
		m.itemsDropped,
		m.exceptionsCaptured,
		m.queueEntries,
		m.queueBytes,
		m.evictions,
		m.sendAttempts,
		m.sendDuration,
		m.itemsDelivered,
		m.backoffSeconds,
	)

	return m, nil
}

// Registry returns the metrics registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordTracked increments the tracked counter for an item type.
func (m *Metrics) RecordTracked(itemType string) {
	if m == nil || m.itemsTracked == nil {
		return
	}
	m.itemsTracked.WithLabelValues(itemType).Inc()
}

// RecordDropped increments the dropped counter.
func (m *Metrics) RecordDropped(reason string, n int) {
	if m == nil || m.itemsDropped == nil || n <= 0 {
		return
	}
	m.itemsDropped.WithLabelValues(reason).Add(float64(n))
}

// RecordException records a captured exception report and whether it was
// queued for tracking or dropped because the capture buffer was full.
func (m *Metrics) RecordException(result string) {
	if m == nil || m.exceptionsCaptured == nil {
		return
	}
	m.exceptionsCaptured.WithLabelValues(result).Inc()
}

// SetQueue sets the queue occupancy gauges.
func (m *Metrics) SetQueue(entries int, bytes int64) {
	if m == nil || m.queueEntries == nil {
		return
	}
	m.queueEntries.Set(float64(entries))
	m.queueBytes.Set(float64(bytes))
}

// RecordEviction records entries evicted from the queue.
func (m *Metrics) RecordEviction(n int, reason string) {
	if m == nil || m.evictions == nil || n <= 0 {
		return
	}
	m.evictions.WithLabelValues(reason).Add(float64(n))
	m.itemsDropped.WithLabelValues("evicted").Add(float64(n))
}

// RecordSend records one batch send attempt.
func (m *Metrics) RecordSend(outcome string, duration time.Duration, accepted, rejected, retry int) {
	if m == nil || m.sendAttempts == nil {
		return
	}
	m.sendAttempts.WithLabelValues(outcome).Inc()
	m.sendDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	if accepted > 0 {
		m.itemsDelivered.WithLabelValues("accepted").Add(float64(accepted))
	}
	if rejected > 0 {
		m.itemsDelivered.WithLabelValues("rejected").Add(float64(rejected))
		m.itemsDropped.WithLabelValues("rejected").Add(float64(rejected))
	}
	if retry > 0 {
		m.itemsDelivered.WithLabelValues("retry").Add(float64(retry))
	}
}

// SetBackoff sets the current backoff delay.
func (m *Metrics) SetBackoff(d time.Duration) {
	if m == nil || m.backoffSeconds == nil {
		return
	}
	m.backoffSeconds.Set(d.Seconds())
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing metrics on the configured
// listen address. It returns the bound address, or "" when there is nothing
// to serve.
func (m *Metrics) StartMetricsServer(onError func(error)) (string, error) {
	if m == nil || !m.config.Enabled || m.config.ListenAddress == "" {
		return "", nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	ln, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return "", err
	}

	m.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && onError != nil {
			onError(err)
		}
	}()

	return ln.Addr().String(), nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
