// Package metrics exposes Prometheus instrumentation for connection
// recovery, link rebuilds, retries, claims-based security refreshes, receives
// and partition processing.
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/glimte/amqphub/messaging"
)

// Metrics holds every collector registered by New
type Metrics struct {
	connectionRebuilds *prometheus.CounterVec
	connectionState    *prometheus.GaugeVec
	linkRebuilds       *prometheus.CounterVec
	retries            *prometheus.CounterVec
	operationErrors    *prometheus.CounterVec
	operationLatency   *prometheus.HistogramVec
	tokenRefreshes     *prometheus.CounterVec
	eventsReceived     *prometheus.CounterVec
	eventsProcessed    *prometheus.CounterVec
	ownedPartitions    prometheus.Gauge
}

// New registers the collectors with reg. Passing prometheus.DefaultRegisterer
// exposes them on the default /metrics handler.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		connectionRebuilds: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amqphub_connection_rebuilds_total",
				Help: "Total number of connection scope rebuilds",
			},
			[]string{"result"},
		),
		connectionState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "amqphub_connection_state",
				Help: "Current recoverable connection state (1 for the active state)",
			},
			[]string{"endpoint", "state"},
		),
		linkRebuilds: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amqphub_link_rebuilds_total",
				Help: "Total number of links reopened after a failure",
			},
			[]string{"kind"},
		),
		retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amqphub_retries_total",
				Help: "Total number of retried attempts",
			},
			[]string{"operation"},
		),
		operationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amqphub_operation_errors_total",
				Help: "Total number of failed operations by error kind",
			},
			[]string{"operation", "kind"},
		),
		operationLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "amqphub_operation_latency_seconds",
				Help:    "Operation latency in seconds, including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		tokenRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amqphub_cbs_token_refreshes_total",
				Help: "Total number of claims-based security token refreshes",
			},
			[]string{"result"},
		),
		eventsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amqphub_events_received_total",
				Help: "Total number of events returned by receivers",
			},
			[]string{"partition"},
		),
		eventsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amqphub_processor_events_total",
				Help: "Total number of events handed to the processor handler",
			},
			[]string{"partition"},
		),
		ownedPartitions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "amqphub_processor_owned_partitions",
				Help: "Number of partitions currently owned by this processor",
			},
		),
	}
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// ConnectionRebuilt records the outcome of a rebuild
func (m *Metrics) ConnectionRebuilt(ok bool) {
	if m == nil {
		return
	}
	m.connectionRebuilds.WithLabelValues(result(ok)).Inc()
}

// ConnectionState marks state as the active state for endpoint
func (m *Metrics) ConnectionState(endpoint string, states []string, active string) {
	if m == nil {
		return
	}
	for _, s := range states {
		v := 0.0
		if s == active {
			v = 1
		}
		m.connectionState.WithLabelValues(endpoint, s).Set(v)
	}
}

// LinkRebuilt records a link being reopened
func (m *Metrics) LinkRebuilt(kind string) {
	if m == nil {
		return
	}
	m.linkRebuilds.WithLabelValues(kind).Inc()
}

// Retried records a retry of operation
func (m *Metrics) Retried(operation string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(operation).Inc()
}

// ObserveOperation records the latency and, on failure, the error kind
func (m *Metrics) ObserveOperation(operation string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.operationLatency.WithLabelValues(operation).Observe(time.Since(started).Seconds())
	if err != nil {
		m.operationErrors.WithLabelValues(operation, messaging.Classify(err).String()).Inc()
	}
}

// TokenRefreshed records a token refresh
func (m *Metrics) TokenRefreshed(ok bool) {
	if m == nil {
		return
	}
	m.tokenRefreshes.WithLabelValues(result(ok)).Inc()
}

// EventsReceived records events returned by a receiver on partition; queue
// receivers use an empty partition
func (m *Metrics) EventsReceived(partition string, n int) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(partition).Add(float64(n))
}

// EventsProcessed records events handed to a handler for partition
func (m *Metrics) EventsProcessed(partition string, n int) {
	if m == nil {
		return
	}
	m.eventsProcessed.WithLabelValues(partition).Add(float64(n))
}

// OwnedPartitions sets the number of owned partitions
func (m *Metrics) OwnedPartitions(n int) {
	if m == nil {
		return
	}
	m.ownedPartitions.Set(float64(n))
}
