package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metric names understood by the Prometheus collector.
const (
	MetricUpstreamState      = "upstream_state"
	MetricUpstreamReconnects = "upstream_reconnects"
	MetricControlFrames      = "control_frames_sent"
	MetricDecodeErrors       = "decode_errors"
	MetricEventsDispatched   = "events_dispatched"
	MetricClientsConnected   = "clients_connected"
	MetricActiveSymbols      = "active_symbols"
	MetricBufferLength       = "buffer_length"
	MetricBufferCapacity     = "buffer_capacity"
)

const namespace = "marketrelay"

// Collector mirrors metrics emitted on the handler bus into a private
// Prometheus registry.
type Collector struct {
	registry *prometheus.Registry

	upstreamState      prometheus.Gauge
	upstreamReconnects prometheus.Counter
	controlFrames      *prometheus.CounterVec
	decodeErrors       *prometheus.CounterVec
	eventsDispatched   *prometheus.CounterVec
	clientsConnected   prometheus.Gauge
	activeSymbols      prometheus.Gauge
	drops              *prometheus.CounterVec
	bufferLength       *prometheus.GaugeVec
	bufferCapacity     *prometheus.GaugeVec

	mu     sync.Mutex
	cancel func()
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		upstreamState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_state",
			Help:      "Upstream connection state (0 disconnected, 1 connecting, 2 connected).",
		}),
		upstreamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_reconnects_total",
			Help:      "Reconnect attempts scheduled after the upstream connection closed.",
		}),
		controlFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_control_frames_total",
			Help:      "SUBSCRIBE and UNSUBSCRIBE frames written upstream.",
		}, []string{"method"}),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_decode_errors_total",
			Help:      "Upstream frames that could not be normalised.",
		}, []string{"code"}),
		eventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dispatched_total",
			Help:      "Event deliveries to downstream clients.",
		}, []string{"type"}),
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients_connected",
			Help:      "Open downstream client sessions.",
		}),
		activeSymbols: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_symbols",
			Help:      "Symbols with at least one interested client.",
		}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_messages_total",
			Help:      "Messages dropped because a bounded queue was full.",
		}, []string{"metric"}),
		bufferLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_length",
			Help:      "Events waiting in a bounded queue.",
		}, []string{"buffer"}),
		bufferCapacity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_capacity",
			Help:      "Capacity of a bounded queue.",
		}, []string{"buffer"}),
	}

	c.registry.MustRegister(
		c.upstreamState,
		c.upstreamReconnects,
		c.controlFrames,
		c.decodeErrors,
		c.eventsDispatched,
		c.clientsConnected,
		c.activeSymbols,
		c.drops,
		c.bufferLength,
		c.bufferCapacity,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Bind starts consuming metrics from the bus. Calling Bind twice is a no-op.
func (c *Collector) Bind() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	c.cancel = Observe(c.observe)
}

func (c *Collector) Unbind() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) observe(m Metric) {
	if m.Component == dropComponent {
		c.drops.WithLabelValues(m.Name).Add(m.Value)
		return
	}

	switch m.Name {
	case MetricUpstreamState:
		c.upstreamState.Set(m.Value)
	case MetricUpstreamReconnects:
		c.upstreamReconnects.Add(m.Value)
	case MetricControlFrames:
		c.controlFrames.WithLabelValues(m.Label("method")).Add(m.Value)
	case MetricDecodeErrors:
		c.decodeErrors.WithLabelValues(m.Label("code")).Add(m.Value)
	case MetricEventsDispatched:
		c.eventsDispatched.WithLabelValues(m.Label("type")).Add(m.Value)
	case MetricClientsConnected:
		c.clientsConnected.Set(m.Value)
	case MetricActiveSymbols:
		c.activeSymbols.Set(m.Value)
	case MetricBufferLength:
		c.bufferLength.WithLabelValues(m.Label("buffer")).Set(m.Value)
	case MetricBufferCapacity:
		c.bufferCapacity.WithLabelValues(m.Label("buffer")).Set(m.Value)
	}
}
