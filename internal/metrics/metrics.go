// Package metrics exposes SOSPipe's Prometheus metrics on a private registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "sospipe"

// Collector wraps the Prometheus metric vectors. All methods are no-ops on a nil Collector.
type Collector struct {
	registry *prometheus.Registry

	Triggers            *prometheus.CounterVec
	Episodes            *prometheus.CounterVec
	ActiveEpisode       prometheus.Gauge
	Notifications       *prometheus.CounterVec
	CallAttempts        *prometheus.CounterVec
	DeviceConnections   *prometheus.GaugeVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewCollector creates a Collector with its own registry. Go runtime and process
// collectors are registered alongside the SOSPipe metrics.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		Triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_total",
			Help:      "Trigger events by source and outcome",
		}, []string{"source", "result"}),
		Episodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "episodes_total",
			Help:      "Episode lifecycle events",
		}, []string{"event"}),
		ActiveEpisode: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "episode_active",
			Help:      "1 while an SOS episode is active",
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications sent to contacts by template, channel and status",
		}, []string{"kind", "channel", "status"}),
		CallAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_attempts_total",
			Help:      "Outgoing call attempts by status",
		}, []string{"status"}),
		DeviceConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_connections",
			Help:      "Open device link connections by role",
		}, []string{"role"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status_code"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	reg.MustRegister(
		c.Triggers,
		c.Episodes,
		c.ActiveEpisode,
		c.Notifications,
		c.CallAttempts,
		c.DeviceConnections,
		c.HTTPRequestsTotal,
		c.HTTPRequestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler returns an HTTP handler that serves the registry.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordTrigger counts a trigger event and how the engine handled it.
func (c *Collector) RecordTrigger(source, result string) {
	if c == nil {
		return
	}
	c.Triggers.WithLabelValues(source, result).Inc()
}

// RecordEpisode counts an episode event (started, ended, recovered) and updates the gauge.
func (c *Collector) RecordEpisode(event string, active bool) {
	if c == nil {
		return
	}
	c.Episodes.WithLabelValues(event).Inc()
	if active {
		c.ActiveEpisode.Set(1)
	} else {
		c.ActiveEpisode.Set(0)
	}
}

// RecordNotification counts one notification outcome.
func (c *Collector) RecordNotification(kind, channel, status string) {
	if c == nil {
		return
	}
	if channel == "" {
		channel = "none"
	}
	c.Notifications.WithLabelValues(kind, channel, status).Inc()
}

// RecordCallAttempt counts an outgoing call attempt.
func (c *Collector) RecordCallAttempt(status string) {
	if c == nil {
		return
	}
	c.CallAttempts.WithLabelValues(status).Inc()
}

// DeviceConnected adjusts the open connection gauge for a device role.
func (c *Collector) DeviceConnected(role string, delta float64) {
	if c == nil {
		return
	}
	c.DeviceConnections.WithLabelValues(role).Add(delta)
}

// RecordHTTPRequest records an HTTP request metric.
func (c *Collector) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	c.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
