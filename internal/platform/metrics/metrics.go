package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for the engine and its HTTP surface.
// It satisfies engine.Recorder.
type Metrics struct {
	registry          *prometheus.Registry
	requestsTotal     prometheus.Counter
	errorsTotal       prometheus.Counter
	intentsTotal      *prometheus.CounterVec
	nodesStartedTotal prometheus.Counter
	nodesStoppedTotal prometheus.Counter
	loopWrapsTotal    prometheus.Counter
	exportsTotal      prometheus.Counter
	activeNodes       prometheus.Gauge
	buffers           prometheus.Gauge
	subscribers       prometheus.Gauge
	pumpSeconds       prometheus.Histogram
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "daw_http_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "daw_http_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		intentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "daw_intents_total",
			Help: "Editor intents handled, by intent",
		}, []string{"intent"}),
		nodesStartedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "daw_nodes_started_total",
			Help: "Playback nodes started on the backend",
		}),
		nodesStoppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "daw_nodes_stopped_total",
			Help: "Playback nodes stopped or ended",
		}),
		loopWrapsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "daw_loop_wraps_total",
			Help: "Times the playhead wrapped to the loop start",
		}),
		exportsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "daw_exports_total",
			Help: "Offline renders completed",
		}),
		activeNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "daw_active_nodes",
			Help: "Live playback nodes",
		}),
		buffers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "daw_buffers",
			Help: "Audio buffers registered in the bank",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "daw_event_subscribers",
			Help: "Connected event stream subscribers",
		}),
		pumpSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "daw_pump_duration_seconds",
			Help:    "Time spent in one transport pump",
			Buckets: []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05},
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.intentsTotal,
		m.nodesStartedTotal,
		m.nodesStoppedTotal,
		m.loopWrapsTotal,
		m.exportsTotal,
		m.activeNodes,
		m.buffers,
		m.subscribers,
		m.pumpSeconds,
	)
	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncIntent counts one handled intent.
func (m *Metrics) IncIntent(name string) {
	m.intentsTotal.WithLabelValues(name).Inc()
}

// IncNodesStarted counts a playback node started on the backend.
func (m *Metrics) IncNodesStarted() {
	m.nodesStartedTotal.Inc()
}

// IncNodesStopped counts a playback node stopped or ended.
func (m *Metrics) IncNodesStopped() {
	m.nodesStoppedTotal.Inc()
}

// IncLoopWraps counts one loop wrap of the playhead.
func (m *Metrics) IncLoopWraps() {
	m.loopWrapsTotal.Inc()
}

// IncExports counts one completed offline render.
func (m *Metrics) IncExports() {
	m.exportsTotal.Inc()
}

// ObservePump records the duration of one pump.
func (m *Metrics) ObservePump(d time.Duration) {
	m.pumpSeconds.Observe(d.Seconds())
}

// SetActiveNodes sets the live node gauge.
func (m *Metrics) SetActiveNodes(n int) {
	m.activeNodes.Set(float64(n))
}

// SetBuffers sets the registered buffer gauge.
func (m *Metrics) SetBuffers(n int) {
	m.buffers.Set(float64(n))
}

// SetSubscribers sets the event subscriber gauge.
func (m *Metrics) SetSubscribers(n int) {
	m.subscribers.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		h.ServeHTTP(w, r)
	})
}
