package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordEventReceived("fog.transactions.raw")
		m.RecordDecodeFailure("fog.transactions.raw", "V3")
		m.RecordPersisted("transaction", true)
		m.RecordStorageError("transaction", "transient")
		m.RecordStorageRetry("transaction")
		m.RecordHandleDuration("transaction", 0.01)
		m.RecordHandlerPanic()
		m.RecordChannelConnect("nats", nil)
		m.RecordChannelDisconnect("nats")
		m.RecordNodeStatuses(map[string]int{"online": 1})
		m.RecordDBQuery("append_transaction", 0.01, nil)
		m.RecordHTTPRequest("/health", http.MethodGet, 200, 0.01)
		m.RecordQueryCache("fraud_rate", true)
		m.RecordPublish("fog.transactions.raw", "success", 0.01)
	})
}

func TestRecordPersistedOutcome(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordPersisted("transaction", true)
	m.RecordPersisted("transaction", false)
	m.RecordPersisted("transaction", false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.recordsPersistedTotal.WithLabelValues("transaction", "inserted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.recordsPersistedTotal.WithLabelValues("transaction", "duplicate")))
}

func TestChannelConnectedGauge(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordChannelConnect("nats", errors.New("refused"))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.channelConnected.WithLabelValues("nats")))

	m.RecordChannelConnect("nats", nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.channelConnected.WithLabelValues("nats")))

	m.RecordChannelDisconnect("nats")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.channelConnected.WithLabelValues("nats")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.channelConnectsTotal.WithLabelValues("nats", "error")))
}

func TestRecordNodeStatusesResets(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordNodeStatuses(map[string]int{"online": 2, "offline": 1})
	m.RecordNodeStatuses(map[string]int{"online": 3})

	assert.Equal(t, 3.0, testutil.ToFloat64(m.nodesByStatus.WithLabelValues("online")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.nodesByStatus))
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	h := HTTPMetricsMiddleware(m, "/api/v1/nodes")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/nodes/N9", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("/api/v1/nodes", "GET", "4xx")))
}

func TestStatusCodeToString(t *testing.T) {
	tests := map[int]string{200: "2xx", 204: "2xx", 301: "3xx", 404: "4xx", 503: "5xx", 100: "unknown"}
	for code, want := range tests {
		assert.Equal(t, want, statusCodeToString(code), "code %d", code)
	}
}
