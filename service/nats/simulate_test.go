package nats

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/fogwatch/service/events"
)

func TestSimulatePublishesPairs(t *testing.T) {
	p := NewMockPublisher()

	stats, err := Simulate(context.Background(), p, SimulateOptions{
		NodeID:     "N1",
		Count:      20,
		FraudRatio: 0.25,
		StartTime:  1000,
		Rand:       rand.New(rand.NewPCG(1, 2)),
	})
	require.NoError(t, err)

	txns := p.Transactions()
	results := p.FraudResults()
	require.Len(t, txns, 20)
	require.Len(t, results, 20)
	assert.Equal(t, SimulateStats{Transactions: 20, Results: 20, Frauds: stats.Frauds}, stats)

	frauds := 0
	for i := range txns {
		assert.Equal(t, "N1", txns[i].NodeID)
		assert.Len(t, txns[i].Features, events.DefaultFeatureDimension)
		assert.Equal(t, 1000+float64(i), txns[i].Time)
		assert.Equal(t, txns[i].Time, results[i].Time)
		if results[i].IsFraud() {
			frauds++
		}
	}
	assert.Equal(t, stats.Frauds, frauds)
}

func TestSimulateFraudRatioExtremes(t *testing.T) {
	p := NewMockPublisher()
	stats, err := Simulate(context.Background(), p, SimulateOptions{NodeID: "N1", Count: 5, FraudRatio: 1})
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Frauds)

	p = NewMockPublisher()
	stats, err = Simulate(context.Background(), p, SimulateOptions{NodeID: "N1", Count: 5, FraudRatio: 0})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Frauds)
}

func TestSimulateValidation(t *testing.T) {
	_, err := Simulate(context.Background(), NewMockPublisher(), SimulateOptions{Count: 1})
	assert.Error(t, err)

	_, err = Simulate(context.Background(), NewMockPublisher(), SimulateOptions{NodeID: "N1", Count: 1, FraudRatio: 2})
	assert.Error(t, err)
}

func TestSimulatePublishError(t *testing.T) {
	p := NewMockPublisher()
	boom := errors.New("no responders")
	p.SetPublishError(boom)

	stats, err := Simulate(context.Background(), p, SimulateOptions{NodeID: "N1", Count: 3})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, stats.Transactions)
}

func TestSimulateStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewMockPublisher()

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	stats, err := Simulate(ctx, p, SimulateOptions{NodeID: "N1", Count: 1000, Interval: 10 * time.Millisecond})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, stats.Transactions, 1000)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultStream, cfg.Stream)
	assert.Equal(t, []string{DefaultStreamSubjects}, cfg.StreamSubjects)
	assert.Equal(t, DefaultConsumer, cfg.Consumer)
	assert.Equal(t, DefaultAckWait, cfg.AckWait)
	assert.NotEmpty(t, cfg.URL)
}
