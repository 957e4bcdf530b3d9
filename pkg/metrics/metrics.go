// Package metrics exposes scopesync activity as Prometheus collectors.
//
// A Collector satisfies the observer hooks of the transport, mux and scope
// packages, so one value can be handed to all three:
//
//	m := metrics.New(metrics.WithRegistry(reg))
//	transport.NewEndpoint(stream, cfg, transport.WithObserver(m))
//	mux.NewBuilder().Build(mux.WithRecorder(m))
//	scope.NewManager(sender, scope.WithObserver(m))
//
// Metrics collected (default namespace "scopesync"):
//   - connections_active: gauge of open connections
//   - connections_total: counter of accepted connections
//   - disconnects_total: counter of closed connections by cause
//   - frames_dispatched_total: counter by protocol, message and outcome
//   - dispatch_duration_seconds: histogram of handler time by protocol
//   - bytes_received_total, bytes_sent_total
//   - flushes_total, frames_sent_total
//   - broadcast_deliveries_total, broadcast_failures_total by kind
//   - scopes, watchers: gauges
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures a Collector.
type Config struct {
	// Namespace is the metrics namespace (default: "scopesync").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for dispatch duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures a Collector.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) Option {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the dispatch histogram buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "scopesync",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Collector records scopesync metrics. All methods are safe for concurrent
// use.
type Collector struct {
	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	disconnects       *prometheus.CounterVec
	framesDispatched  *prometheus.CounterVec
	dispatchDuration  *prometheus.HistogramVec
	bytesReceived     prometheus.Counter
	bytesSent         prometheus.Counter
	flushes           prometheus.Counter
	framesSent        prometheus.Counter
	deliveries        *prometheus.CounterVec
	failures          *prometheus.CounterVec
	scopes            prometheus.Gauge
	watchers          prometheus.Gauge
}

// New creates a Collector and registers its metrics. It panics if the
// metrics are already registered with the registry, as promauto does.
func New(opts ...Option) *Collector {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if config.Buckets == nil {
		config.Buckets = prometheus.DefBuckets
	}
	factory := promauto.With(config.Registry)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		}, labels)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}

	return &Collector{
		connectionsActive: gauge("connections_active", "Number of open connections"),
		connectionsTotal:  counter("connections_total", "Total number of accepted connections"),
		disconnects:       counterVec("disconnects_total", "Total closed connections by cause", "cause"),
		framesDispatched:  counterVec("frames_dispatched_total", "Total inbound frames dispatched", "protocol", "message", "outcome"),
		dispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "dispatch_duration_seconds",
			Help:        "Handler duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"protocol"}),
		bytesReceived: counter("bytes_received_total", "Total bytes read from connections"),
		bytesSent:     counter("bytes_sent_total", "Total bytes flushed to connections"),
		flushes:       counter("flushes_total", "Total coalesced batch flushes"),
		framesSent:    counter("frames_sent_total", "Total frames flushed to connections"),
		deliveries:    counterVec("broadcast_deliveries_total", "Total per-watcher broadcast deliveries", "kind"),
		failures:      counterVec("broadcast_failures_total", "Total per-watcher broadcast failures", "kind"),
		scopes:        gauge("scopes", "Number of live scopes"),
		watchers:      gauge("watchers", "Number of scope watch memberships"),
	}
}

// ConnectionOpened records an accepted connection.
func (c *Collector) ConnectionOpened() {
	c.connectionsTotal.Inc()
	c.connectionsActive.Inc()
}

// ConnectionClosed records a closed connection and its cause.
func (c *Collector) ConnectionClosed(cause string) {
	c.connectionsActive.Dec()
	c.disconnects.WithLabelValues(cause).Inc()
}

// FrameDispatched records one dispatched frame.
func (c *Collector) FrameDispatched(protocolName, messageName, outcome string, d time.Duration) {
	c.framesDispatched.WithLabelValues(protocolName, messageName, outcome).Inc()
	c.dispatchDuration.WithLabelValues(protocolName).Observe(d.Seconds())
}

// BytesReceived records bytes read from a connection.
func (c *Collector) BytesReceived(n int) {
	c.bytesReceived.Add(float64(n))
}

// BatchFlushed records one coalesced write.
func (c *Collector) BatchFlushed(bytes, frames int) {
	c.flushes.Inc()
	c.bytesSent.Add(float64(bytes))
	c.framesSent.Add(float64(frames))
}

// Broadcast records the outcome of one scope broadcast.
func (c *Collector) Broadcast(kind string, delivered, failed int) {
	if delivered > 0 {
		c.deliveries.WithLabelValues(kind).Add(float64(delivered))
	}
	if failed > 0 {
		c.failures.WithLabelValues(kind).Add(float64(failed))
	}
}

// MembershipChanged records the current scope and watcher counts.
func (c *Collector) MembershipChanged(scopes, watchers int) {
	c.scopes.Set(float64(scopes))
	c.watchers.Set(float64(watchers))
}
