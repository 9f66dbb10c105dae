package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/fogwatch/service/db"
	"github.com/brojonat/fogwatch/service/liveness"
	"github.com/brojonat/fogwatch/service/query"
	"github.com/brojonat/fogwatch/service/server"
)

// newTestAPI serves the real read API over an in-memory store holding two
// nodes: N1 seen just now and N2 never seen.
func newTestAPI(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	store := db.NewMemoryStore()

	name := "Edge 1"
	_, err := store.UpsertNode(ctx, db.UpsertNodeParams{NodeID: "N1", Name: &name})
	require.NoError(t, err)
	_, err = store.UpsertNode(ctx, db.UpsertNodeParams{NodeID: "N2"})
	require.NoError(t, err)

	tracker, err := liveness.NewTracker(liveness.DefaultConfig(), store)
	require.NoError(t, err)

	now := time.Now()
	for i, amount := range []float64{10, 20, 30} {
		_, err := store.AppendTransaction(ctx, db.TransactionRecord{
			NodeID:          "N1",
			TransactionTime: float64(100 + i),
			Amount:          amount,
			Features:        []float64{0.1, 0.2},
			ReceivedAt:      now,
		})
		require.NoError(t, err)
	}
	_, err = store.AppendFraudResult(ctx, db.FraudResult{NodeID: "N1", TransactionTime: 100, Prediction: 1, ReceivedAt: now})
	require.NoError(t, err)
	_, err = store.AppendFraudResult(ctx, db.FraudResult{NodeID: "N1", TransactionTime: 101, Prediction: 0, ReceivedAt: now})
	require.NoError(t, err)
	require.NoError(t, tracker.Observe(ctx, "N1", now))

	srv := server.New(":0", query.NewService(store, tracker, nil), 0, nil, nil, discardLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	err := app.Run(append([]string{"fogwatch"}, args...))
	return out.String(), err
}

func TestClientNodes(t *testing.T) {
	url := newTestAPI(t)

	out, err := runCLI(t, "--server-url", url, "client", "nodes")
	require.NoError(t, err)

	var nodes []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &nodes))
	require.Len(t, nodes, 2)

	statuses := map[string]any{}
	for _, n := range nodes {
		statuses[n["node_id"].(string)] = n["status"]
	}
	assert.Equal(t, "online", statuses["N1"])
	assert.Equal(t, "unknown", statuses["N2"])
}

func TestClientNodesWithJQ(t *testing.T) {
	url := newTestAPI(t)

	out, err := runCLI(t, "--server-url", url, "client", "--jq", `.[] | select(.status == "online") | .node_id`, "nodes")
	require.NoError(t, err)
	assert.Equal(t, "N1\n", out)
}

func TestClientTransactions(t *testing.T) {
	url := newTestAPI(t)

	out, err := runCLI(t, "--server-url", url, "client", "--jq", `map(.prediction)`, "transactions", "--node", "N1", "--limit", "2")
	require.NoError(t, err)
	// Newest first: 102 has no result yet, 101 was legitimate.
	assert.Equal(t, "[null,0]", strings.TrimSpace(out))
}

func TestClientFraudRate(t *testing.T) {
	url := newTestAPI(t)

	out, err := runCLI(t, "--server-url", url, "client", "--jq", `.[0].rate`, "fraud-rate")
	require.NoError(t, err)
	assert.Equal(t, "0.5", strings.TrimSpace(out))

	out, err = runCLI(t, "--server-url", url, "client", "fraud-rate")
	require.NoError(t, err)
	assert.Contains(t, out, "N1")
	assert.Contains(t, out, "50.00%")
}

func TestClientSummary(t *testing.T) {
	url := newTestAPI(t)

	out, err := runCLI(t, "--server-url", url, "client", "--jq", `[.transactions, .frauds, .nodes]`, "summary")
	require.NoError(t, err)
	assert.Equal(t, "[3,1,2]", strings.TrimSpace(out))
}

func TestClientNodeNotFound(t *testing.T) {
	url := newTestAPI(t)

	_, err := runCLI(t, "--server-url", url, "client", "node", "N9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestRunJQ(t *testing.T) {
	tests := []struct {
		name    string
		filter  string
		input   any
		want    string
		wantErr string
	}{
		{
			name:   "string results are raw",
			filter: `.[].id`,
			input:  []map[string]string{{"id": "a"}, {"id": "b"}},
			want:   "a\nb\n",
		},
		{
			name:   "objects are compact JSON",
			filter: `{n: .count}`,
			input:  map[string]int{"count": 3},
			want:   "{\"n\":3}\n",
		},
		{
			name:   "empty output",
			filter: `.[] | select(. > 10)`,
			input:  []int{1, 2},
			want:   "",
		},
		{
			name:    "parse error",
			filter:  `.[`,
			input:   nil,
			wantErr: "failed to parse",
		},
		{
			name:    "runtime error",
			filter:  `.foo`,
			input:   []int{1},
			wantErr: "jq filter failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := runJQ(&out, tt.filter, tt.input)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.String())
		})
	}
}
