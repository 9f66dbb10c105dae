package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// It is passed explicitly to every component that records metrics.
// All Record methods are safe to call on a nil *Metrics.
type Metrics struct {
	// Ingestion Metrics
	eventsReceivedTotal   *prometheus.CounterVec
	decodeFailuresTotal   *prometheus.CounterVec
	recordsPersistedTotal *prometheus.CounterVec
	storageErrorsTotal    *prometheus.CounterVec
	storageRetriesTotal   *prometheus.CounterVec
	handleDuration        *prometheus.HistogramVec
	handlerPanicsTotal    prometheus.Counter

	// Channel Metrics
	channelConnectsTotal    *prometheus.CounterVec
	channelDisconnectsTotal *prometheus.CounterVec
	channelConnected        *prometheus.GaugeVec

	// Liveness Metrics
	nodesByStatus *prometheus.GaugeVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec
	queryCacheTotal     *prometheus.CounterVec

	// Publisher Metrics
	messagesPublished *prometheus.CounterVec
	publishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		eventsReceivedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fogwatch_events_received_total",
				Help: "Total number of messages received from the channel by topic",
			},
			[]string{"topic"},
		),
		decodeFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fogwatch_decode_failures_total",
				Help: "Total number of messages rejected by the decoder",
			},
			[]string{"topic", "field"},
		),
		recordsPersistedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fogwatch_records_persisted_total",
				Help: "Total number of records handled by the store, by kind and outcome (inserted, duplicate)",
			},
			[]string{"kind", "outcome"},
		),
		storageErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fogwatch_storage_errors_total",
				Help: "Total number of storage failures that exhausted the retry policy",
			},
			[]string{"kind", "error_kind"},
		),
		storageRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fogwatch_storage_retries_total",
				Help: "Total number of storage write retries",
			},
			[]string{"kind"},
		),
		handleDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fogwatch_message_handle_duration_seconds",
				Help:    "Duration of handling a single message from receipt to ack",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
			[]string{"kind"},
		),
		handlerPanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "fogwatch_handler_panics_total",
				Help: "Total number of recovered panics while handling a message",
			},
		),

		channelConnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fogwatch_channel_connects_total",
				Help: "Total number of channel connection attempts by backend and status",
			},
			[]string{"backend", "status"},
		),
		channelDisconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fogwatch_channel_disconnects_total",
				Help: "Total number of channel sessions lost",
			},
			[]string{"backend"},
		),
		channelConnected: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fogwatch_channel_connected",
				Help: "1 while a channel session is open, 0 otherwise",
			},
			[]string{"backend"},
		),

		nodesByStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fogwatch_nodes",
				Help: "Number of registered nodes by derived liveness status",
			},
			[]string{"status"},
		),

		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fogwatch_db_query_duration_seconds",
				Help:    "Duration of database operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fogwatch_db_operations_total",
				Help: "Total number of database operations by status",
			},
			[]string{"operation", "status"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fogwatch_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"handler", "method", "status_code"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fogwatch_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status_code"},
		),
		queryCacheTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fogwatch_query_cache_total",
				Help: "Aggregate query cache lookups by result (hit, miss)",
			},
			[]string{"query", "result"},
		),

		messagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fogwatch_messages_published_total",
				Help: "Total number of messages published by the simulator",
			},
			[]string{"subject", "status"},
		),
		publishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fogwatch_publish_duration_seconds",
				Help:    "Duration of publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Ingestion metric helpers

// RecordEventReceived counts a message taken off the channel.
func (m *Metrics) RecordEventReceived(topic string) {
	if m == nil {
		return
	}
	m.eventsReceivedTotal.WithLabelValues(topic).Inc()
}

// RecordDecodeFailure counts a message the decoder rejected.
func (m *Metrics) RecordDecodeFailure(topic, field string) {
	if m == nil {
		return
	}
	m.decodeFailuresTotal.WithLabelValues(topic, field).Inc()
}

// RecordPersisted counts an append; inserted is false for a tolerated duplicate.
func (m *Metrics) RecordPersisted(kind string, inserted bool) {
	if m == nil {
		return
	}
	outcome := "inserted"
	if !inserted {
		outcome = "duplicate"
	}
	m.recordsPersistedTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordStorageError counts a write that failed after the retry policy gave up.
func (m *Metrics) RecordStorageError(kind, errorKind string) {
	if m == nil {
		return
	}
	m.storageErrorsTotal.WithLabelValues(kind, errorKind).Inc()
}

func (m *Metrics) RecordStorageRetry(kind string) {
	if m == nil {
		return
	}
	m.storageRetriesTotal.WithLabelValues(kind).Inc()
}

// RecordHandleDuration records the time spent on one message.
func (m *Metrics) RecordHandleDuration(kind string, duration float64) {
	if m == nil {
		return
	}
	m.handleDuration.WithLabelValues(kind).Observe(duration)
}

func (m *Metrics) RecordHandlerPanic() {
	if m == nil {
		return
	}
	m.handlerPanicsTotal.Inc()
}

// Channel metric helpers

// RecordChannelConnect records a connection attempt and flips the connected gauge on success.
func (m *Metrics) RecordChannelConnect(backend string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.channelConnectsTotal.WithLabelValues(backend, status).Inc()
	if err == nil {
		m.channelConnected.WithLabelValues(backend).Set(1)
	}
}

// RecordChannelDisconnect records the loss of an open session.
func (m *Metrics) RecordChannelDisconnect(backend string) {
	if m == nil {
		return
	}
	m.channelDisconnectsTotal.WithLabelValues(backend).Inc()
	m.channelConnected.WithLabelValues(backend).Set(0)
}

// Liveness metric helpers

// RecordNodeStatuses replaces the per-status node gauge with counts.
func (m *Metrics) RecordNodeStatuses(counts map[string]int) {
	if m == nil {
		return
	}
	m.nodesByStatus.Reset()
	for status, n := range counts {
		m.nodesByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// Database metric helpers

// RecordDBQuery records a database operation with duration.
func (m *Metrics) RecordDBQuery(operation string, duration float64, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	if m == nil {
		return
	}
	statusStr := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, statusStr).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, statusStr).Inc()
}

// RecordQueryCache records an aggregate cache lookup.
func (m *Metrics) RecordQueryCache(query string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.queryCacheTotal.WithLabelValues(query, result).Inc()
}

// Publisher metric helpers

// RecordPublish records a publish operation.
func (m *Metrics) RecordPublish(subject, status string, duration float64) {
	if m == nil {
		return
	}
	m.messagesPublished.WithLabelValues(subject, status).Inc()
	m.publishDuration.WithLabelValues(subject).Observe(duration)
}

func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
