package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/fogwatch/service/liveness"
)

func TestNodes_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		assert.Equal(t, "/api/v1/nodes", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"nodes": []map[string]interface{}{
				{"node_id": "N1", "name": "Edge 1", "status": "online", "last_seen": "2024-06-01T12:00:00Z"},
				{"node_id": "N2", "status": "unknown", "last_seen": nil},
			},
			"count": 2,
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, nil, nil)
	nodes, err := c.Nodes(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, liveness.StatusOnline, nodes[0].Status)
	require.NotNil(t, nodes[0].LastSeen)
	assert.Equal(t, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), *nodes[0].LastSeen)
	assert.Nil(t, nodes[1].LastSeen)
}

func TestNode_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/nodes/edge%2F1", r.URL.EscapedPath())
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "not found"})
	}))
	defer server.Close()

	c := NewClient(server.URL, nil, nil)
	_, err := c.Node(context.Background(), "edge/1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestTransactions_Filter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/transactions", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("limit"))
		assert.Equal(t, "N1", r.URL.Query().Get("node_id"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"transactions":[{"node_id":"N1","transaction_time":100,"amount":9.5,"features":[0.1],"prediction":1}],"count":1}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, nil, nil)
	txns, err := c.Transactions(context.Background(), RecentFilter{Limit: 1, NodeID: "N1"})
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, 100.0, txns[0].TransactionTime)
	require.NotNil(t, txns[0].Prediction)
	assert.Equal(t, 1, *txns[0].Prediction)
}

func TestTransactions_NoFilterSendsNoQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.RawQuery)
		w.Write([]byte(`{"transactions":[]}`))
	}))
	defer server.Close()

	txns, err := NewClient(server.URL+"/", nil, nil).Transactions(context.Background(), RecentFilter{})
	require.NoError(t, err)
	assert.Empty(t, txns)
}

func TestVolume_Params(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1h0m0s", r.URL.Query().Get("bucket"))
		assert.Equal(t, "24h0m0s", r.URL.Query().Get("since"))
		w.Write([]byte(`{"bucket":"1h0m0s","buckets":[{"start":"2024-06-01T12:00:00Z","count":4}]}`))
	}))
	defer server.Close()

	buckets, err := NewClient(server.URL, nil, nil).Volume(context.Background(), time.Hour, 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, int64(4), buckets[0].Count)
}

func TestFraudRatesAndSummary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/stats/fraud-rate":
			w.Write([]byte(`{"fraud_rates":[{"node_id":"N1","total":4,"fraud":1,"rate":0.25}]}`))
		case "/api/v1/stats/summary":
			w.Write([]byte(`{"transactions":10,"fraud_checks":8,"frauds":2,"fraud_rate":0.25,"nodes":3,"node_status":{"online":2,"offline":1}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	c := NewClient(server.URL, nil, nil)
	rates, err := c.FraudRates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []FraudRate{{NodeID: "N1", Total: 4, Fraud: 1, Rate: 0.25}}, rates)

	sum, err := c.Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(10), sum.Transactions)
	assert.Equal(t, 2, sum.NodeStatus[liveness.StatusOnline])
}

func TestHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	}))
	defer server.Close()
	assert.NoError(t, NewClient(server.URL, nil, nil).Health(context.Background()))

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("draining"))
	}))
	defer down.Close()
	err := NewClient(down.URL, nil, nil).Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
