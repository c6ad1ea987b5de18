// Package metrics provides Prometheus metrics collection for the simulation
// engine's binaries.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics exposed by a binary.
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Port allocator (C1)
	PortsAllocated prometheus.Gauge
	PortsFree      prometheus.Gauge

	// Service supervisor (C4)
	ServicesByHealth *prometheus.GaugeVec

	// Journey orchestrator (C5)
	JourneysByStatus *prometheus.GaugeVec
	JourneyDuration  *prometheus.HistogramVec

	// Auto-load generator (C6)
	AutoLoadDriversActive prometheus.Gauge

	// Event fan-out (C7)
	EventQueueDepth  prometheus.Gauge
	EventsDelivered  *prometheus.CounterVec
	EventsDropped    prometheus.Counter

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered against
// the default Prometheus registerer.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		PortsAllocated: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "portalloc_ports_allocated",
				Help: "Number of ports currently allocated",
			},
		),
		PortsFree: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "portalloc_ports_free",
				Help: "Number of ports remaining in the allocator's range",
			},
		),

		ServicesByHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "supervisor_services_by_health",
				Help: "Number of supervised child services by health state",
			},
			[]string{"health"},
		),

		JourneysByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orchestrator_journeys_by_status",
				Help: "Number of journey runs by terminal/in-flight status",
			},
			[]string{"status"},
		),
		JourneyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_journey_duration_seconds",
				Help:    "Journey run duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"journey_type", "status"},
		),

		AutoLoadDriversActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "autoload_drivers_active",
				Help: "Number of active per-company auto-load drivers",
			},
		),

		EventQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "events_queue_depth",
				Help: "Current depth of the event fan-out delivery queue",
			},
		),
		EventsDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_delivered_total",
				Help: "Total events delivered, by sink (primary/fallback)",
			},
			[]string{"sink"},
		),
		EventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "events_dropped_total",
				Help: "Total events dropped after exhausting all delivery fallbacks",
			},
		),

		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.PortsAllocated,
			m.PortsFree,
			m.ServicesByHealth,
			m.JourneysByStatus,
			m.JourneyDuration,
			m.AutoLoadDriversActive,
			m.EventQueueDepth,
			m.EventsDelivered,
			m.EventsDropped,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", environment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error.
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordJourney records a completed or failed journey run.
func (m *Metrics) RecordJourney(journeyType, status string, duration time.Duration) {
	m.JourneyDuration.WithLabelValues(journeyType, status).Observe(duration.Seconds())
}

// RecordEventDelivered records an event delivered via the given sink
// ("primary" or "fallback").
func (m *Metrics) RecordEventDelivered(sink string) {
	m.EventsDelivered.WithLabelValues(sink).Inc()
}

// RecordEventDropped records an event dropped after exhausting all fallbacks.
func (m *Metrics) RecordEventDropped() {
	m.EventsDropped.Inc()
}

// UpdateUptime updates the service uptime.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter.
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter.
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

func environment() string {
	if env := strings.TrimSpace(os.Getenv("DT_ENVIRONMENT")); env != "" {
		return env
	}
	return "development"
}

// Enabled returns whether Prometheus metrics should be exposed.
// Defaults to enabled; set METRICS_ENABLED=0/false to disable.
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return true
	}
	switch raw {
	case "0", "false", "no", "off":
		return false
	default:
		return true
	}
}

// Global metrics instance, lazily constructed.
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
