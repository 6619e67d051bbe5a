// Package telemetry exports relay metrics to Prometheus and traces over OTLP.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/retailshift/relay/pkg/domain"
)

const namespace = "retailshift"

// Metrics implements the recorder interfaces of the relay, the sources and
// the hub on a private Prometheus registry
type Metrics struct {
	registry *prometheus.Registry

	eventsIngested  *prometheus.CounterVec
	eventsReceived  *prometheus.CounterVec
	parseFailures   *prometheus.CounterVec
	stateBroadcasts *prometheus.CounterVec
	healthChanges   *prometheus.CounterVec
	logSize         prometheus.Gauge
	observers       prometheus.Gauge
	queueUsage      prometheus.Gauge
	framesDelivered prometheus.Counter
	framesDropped   *prometheus.CounterVec
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	busStatus       *prometheus.GaugeVec
}

// NewMetrics registers every relay metric plus the Go and process collectors
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		eventsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Events applied to the relay state, by category",
		}, []string{"category"}),

		eventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Raw records read from a source, by source and topic",
		}, []string{"source", "topic"}),

		parseFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_failures_total",
			Help:      "Records dropped because their value was not a JSON object",
		}, []string{"source", "topic"}),

		stateBroadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_broadcasts_total",
			Help:      "System state messages published, by reason",
		}, []string{"reason"}),

		healthChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_updates_total",
			Help:      "Health updates applied, by target status",
		}, []string{"status"}),

		logSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_log_size",
			Help:      "Envelopes currently held in the recent event log",
		}),

		observers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observers",
			Help:      "Connected observers",
		}),

		queueUsage: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observer_queue_utilization_percent",
			Help:      "Fill level of the fullest observer queue after the last broadcast",
		}),

		framesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_delivered_total",
			Help:      "Frames queued to observers",
		}),

		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames dropped because a queue was full",
		}, []string{"reason"}),

		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served",
		}, []string{"route", "code"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),

		busStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bus_status",
			Help:      "1 for the current message bus status",
		}, []string{"status"}),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordIngest implements relay.Recorder
func (m *Metrics) RecordIngest(category domain.Category) {
	m.eventsIngested.WithLabelValues(string(category)).Inc()
}

// RecordStateBroadcast implements relay.Recorder
func (m *Metrics) RecordStateBroadcast(reason string) {
	m.stateBroadcasts.WithLabelValues(reason).Inc()
}

// RecordHealthChange implements relay.Recorder. Service ids are left out of
// the labels to keep cardinality fixed.
func (m *Metrics) RecordHealthChange(_ string, status domain.ServiceStatus) {
	m.healthChanges.WithLabelValues(string(status)).Inc()
}

// RecordLogSize implements relay.Recorder
func (m *Metrics) RecordLogSize(n int) {
	m.logSize.Set(float64(n))
}

// RecordReceived implements sources.Recorder
func (m *Metrics) RecordReceived(source, topic string) {
	m.eventsReceived.WithLabelValues(source, topic).Inc()
}

// RecordParseFailure implements sources.Recorder
func (m *Metrics) RecordParseFailure(source, topic string) {
	m.parseFailures.WithLabelValues(source, topic).Inc()
}

// RecordObservers implements hub.Recorder
func (m *Metrics) RecordObservers(n int) {
	m.observers.Set(float64(n))
}

// RecordQueueUtilization implements hub.Recorder
func (m *Metrics) RecordQueueUtilization(percent float64) {
	m.queueUsage.Set(percent)
}

// RecordDelivered implements hub.Recorder
func (m *Metrics) RecordDelivered(n int) {
	m.framesDelivered.Add(float64(n))
}

// RecordDropped implements hub.Recorder
func (m *Metrics) RecordDropped(reason string) {
	m.framesDropped.WithLabelValues(reason).Inc()
}

// RecordRequest counts one served HTTP request
func (m *Metrics) RecordRequest(route string, code int, elapsed time.Duration) {
	m.requestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// RecordBusStatus marks status as the current bus status
func (m *Metrics) RecordBusStatus(status domain.ServiceStatus) {
	for _, s := range domain.Statuses() {
		v := 0.0
		if s == status {
			v = 1
		}
		m.busStatus.WithLabelValues(string(s)).Set(v)
	}
}
