package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/fogwatch/service/db"
	"github.com/brojonat/fogwatch/service/liveness"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Service, *db.MemoryStore) {
	t.Helper()
	store := db.NewMemoryStore()
	tracker, err := liveness.NewTracker(
		liveness.Config{FreshnessWindow: 5 * time.Second, WarningMultiplier: 2},
		store,
		liveness.WithClock(func() time.Time { return now }),
	)
	require.NoError(t, err)
	return NewService(store, tracker, nil), store
}

func addNode(t *testing.T, store *db.MemoryStore, id string, lastSeen *time.Time) {
	t.Helper()
	ctx := context.Background()
	_, err := store.UpsertNode(ctx, db.UpsertNodeParams{NodeID: id})
	require.NoError(t, err)
	if lastSeen != nil {
		require.NoError(t, store.TouchNode(ctx, id, *lastSeen))
	}
}

func addTxn(t *testing.T, store *db.MemoryStore, node string, tm float64, receivedAt time.Time) {
	t.Helper()
	_, err := store.AppendTransaction(context.Background(), db.TransactionRecord{
		NodeID: node, TransactionTime: tm, Features: []float64{1, 2}, Amount: 10, ReceivedAt: receivedAt,
	})
	require.NoError(t, err)
}

func addResult(t *testing.T, store *db.MemoryStore, node string, tm float64, prediction int) {
	t.Helper()
	_, err := store.AppendFraudResult(context.Background(), db.FraudResult{
		NodeID: node, TransactionTime: tm, Prediction: prediction, ReceivedAt: now,
	})
	require.NoError(t, err)
}

func TestSingleNodeScenario(t *testing.T) {
	svc, store := setup(t)
	ctx := context.Background()

	addNode(t, store, "N1", &now)
	addTxn(t, store, "N1", 100, now)
	addResult(t, store, "N1", 100, 1)

	rates, err := svc.FraudRateByNode(ctx)
	require.NoError(t, err)
	require.Len(t, rates, 1)
	assert.Equal(t, "N1", rates[0].NodeID)
	assert.Equal(t, 1.0, rates[0].Rate)

	n1 := "N1"
	txns, err := svc.RecentTransactions(ctx, 1, &n1)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, 100.0, txns[0].TransactionTime)
	require.NotNil(t, txns[0].Prediction)
	assert.Equal(t, 1, *txns[0].Prediction)
}

func TestRecentTransactionsOrderingAndFilter(t *testing.T) {
	svc, store := setup(t)
	ctx := context.Background()

	addNode(t, store, "N1", nil)
	addNode(t, store, "N2", nil)
	addTxn(t, store, "N1", 1, now.Add(-3*time.Minute))
	addTxn(t, store, "N2", 2, now.Add(-2*time.Minute))
	addTxn(t, store, "N1", 3, now.Add(-1*time.Minute))

	txns, err := svc.RecentTransactions(ctx, 0, nil)
	require.NoError(t, err)
	require.Len(t, txns, 3)
	assert.Equal(t, []float64{3, 2, 1}, []float64{txns[0].TransactionTime, txns[1].TransactionTime, txns[2].TransactionTime})
	for _, txn := range txns {
		assert.Nil(t, txn.Prediction, "no results recorded yet")
	}

	n1 := "N1"
	txns, err = svc.RecentTransactions(ctx, 10, &n1)
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, 3.0, txns[0].TransactionTime)

	_, err = svc.RecentTransactions(ctx, -1, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestNormalizeLimit(t *testing.T) {
	tests := []struct {
		in      int
		want    int
		wantErr bool
	}{
		{in: 0, want: DefaultLimit},
		{in: 1, want: 1},
		{in: 500, want: 500},
		{in: 5000, want: MaxLimit},
		{in: -5, wantErr: true},
	}
	for _, tt := range tests {
		got, err := NormalizeLimit(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidArgument)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestNodeStatuses(t *testing.T) {
	svc, store := setup(t)
	ctx := context.Background()

	fresh := now.Add(-time.Second)
	stale := now.Add(-7 * time.Second)
	silent := now.Add(-12 * time.Second)
	addNode(t, store, "A", &fresh)
	addNode(t, store, "B", &stale)
	addNode(t, store, "C", &silent)
	addNode(t, store, "D", nil)

	statuses, err := svc.NodeStatuses(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 4)

	got := map[string]liveness.Status{}
	for _, s := range statuses {
		got[s.NodeID] = s.Status
	}
	assert.Equal(t, map[string]liveness.Status{
		"A": liveness.StatusOnline,
		"B": liveness.StatusWarning,
		"C": liveness.StatusOffline,
		"D": liveness.StatusUnknown,
	}, got)

	one, err := svc.NodeStatus(ctx, "C")
	require.NoError(t, err)
	assert.Equal(t, liveness.StatusOffline, one.Status)

	_, err = svc.NodeStatus(ctx, "missing")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestVolumeOverTime(t *testing.T) {
	svc, store := setup(t)
	ctx := context.Background()
	addNode(t, store, "N1", nil)

	hour := now.Truncate(time.Hour)
	addTxn(t, store, "N1", 1, hour.Add(-90*time.Minute))
	addTxn(t, store, "N1", 2, hour.Add(5*time.Minute))
	addTxn(t, store, "N1", 3, hour.Add(10*time.Minute))

	buckets, err := svc.VolumeOverTime(ctx, time.Hour, time.Time{})
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.Equal(t, hour.Add(-2*time.Hour), buckets[0].Start)
	assert.Equal(t, int64(1), buckets[0].Count)
	assert.Equal(t, hour, buckets[1].Start)
	assert.Equal(t, int64(2), buckets[1].Count)

	buckets, err = svc.VolumeOverTime(ctx, time.Hour, hour)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, int64(2), buckets[0].Count)

	_, err = svc.VolumeOverTime(ctx, time.Millisecond, time.Time{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestFraudRateOmitsNodesWithoutResults(t *testing.T) {
	svc, store := setup(t)
	ctx := context.Background()

	addNode(t, store, "N1", nil)
	addNode(t, store, "N2", nil)
	addNode(t, store, "N3", nil)
	addResult(t, store, "N1", 1, 1)
	addResult(t, store, "N1", 2, 0)
	addResult(t, store, "N1", 3, 0)
	addResult(t, store, "N1", 4, 0)
	addResult(t, store, "N2", 1, 0)
	addTxn(t, store, "N3", 1, now)

	rates, err := svc.FraudRateByNode(ctx)
	require.NoError(t, err)
	require.Len(t, rates, 2)
	assert.Equal(t, FraudRate{NodeID: "N1", Total: 4, Fraud: 1, Rate: 0.25}, rates[0])
	assert.Equal(t, FraudRate{NodeID: "N2", Total: 1, Fraud: 0, Rate: 0}, rates[1])
}

func TestSummary(t *testing.T) {
	svc, store := setup(t)
	ctx := context.Background()

	addNode(t, store, "N1", &now)
	addNode(t, store, "N2", nil)
	addTxn(t, store, "N1", 1, now)
	addTxn(t, store, "N1", 2, now)
	addResult(t, store, "N1", 1, 1)
	addResult(t, store, "N1", 2, 0)

	sum, err := svc.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sum.Transactions)
	assert.Equal(t, int64(2), sum.FraudChecks)
	assert.Equal(t, int64(1), sum.Frauds)
	assert.Equal(t, 0.5, sum.FraudRate)
	assert.Equal(t, 2, sum.Nodes)
	assert.Equal(t, 1, sum.NodeStatus[liveness.StatusOnline])
	assert.Equal(t, 1, sum.NodeStatus[liveness.StatusUnknown])
	assert.Equal(t, 0, sum.NodeStatus[liveness.StatusOffline])
}

type failingReader struct{ Reader }

func (failingReader) FraudCounts(ctx context.Context) ([]db.FraudCount, error) {
	return nil, &db.StorageError{Op: "fraud counts", Kind: db.KindTransient, Err: errors.New("timeout")}
}

func TestStorageErrorsPropagate(t *testing.T) {
	svc, store := setup(t)
	svc.reader = failingReader{Reader: store}

	_, err := svc.FraudRateByNode(context.Background())
	assert.True(t, db.IsRetryable(err))
}
