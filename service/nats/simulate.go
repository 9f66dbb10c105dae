package nats

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/brojonat/fogwatch/service/events"
)

// SimulateOptions configures a fog node simulation run.
type SimulateOptions struct {
	NodeID     string
	Count      int
	Interval   time.Duration
	FraudRatio float64
	Dimension  int
	// StartTime is the logical Time of the first transaction; later ones
	// advance by one.
	StartTime float64
	// Rand is the source of features, amounts and predictions. Nil uses a
	// time-seeded source.
	Rand *rand.Rand
}

// SimulateStats counts what a simulation published.
type SimulateStats struct {
	Transactions int
	Results      int
	Frauds       int
}

// Simulate behaves like a fog node: for each transaction it publishes the
// raw observation and then the classification result. It stops early when
// ctx is cancelled.
func Simulate(ctx context.Context, p Publisher, opts SimulateOptions) (SimulateStats, error) {
	var stats SimulateStats
	if opts.NodeID == "" {
		return stats, fmt.Errorf("node id is required")
	}
	if opts.FraudRatio < 0 || opts.FraudRatio > 1 {
		return stats, fmt.Errorf("fraud ratio must be between 0 and 1, got %v", opts.FraudRatio)
	}
	if opts.Dimension <= 0 {
		opts.Dimension = events.DefaultFeatureDimension
	}
	rng := opts.Rand
	if rng == nil {
		seed := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, seed>>1))
	}

	for i := 0; i < opts.Count; i++ {
		if i > 0 && opts.Interval > 0 {
			select {
			case <-ctx.Done():
				return stats, ctx.Err()
			case <-time.After(opts.Interval):
			}
		}

		txn := &events.TransactionEvent{
			NodeID:   opts.NodeID,
			Time:     opts.StartTime + float64(i),
			Features: make([]float64, opts.Dimension),
			Amount:   float64(rng.IntN(50000)) / 100,
		}
		for j := range txn.Features {
			txn.Features[j] = rng.NormFloat64()
		}
		if err := p.PublishTransaction(ctx, txn); err != nil {
			return stats, fmt.Errorf("publish transaction %d: %w", i, err)
		}
		stats.Transactions++

		res := &events.FraudEvent{NodeID: opts.NodeID, Time: txn.Time, Prediction: events.PredictionLegitimate}
		if rng.Float64() < opts.FraudRatio {
			res.Prediction = events.PredictionFraud
		}
		if err := p.PublishFraudResult(ctx, res); err != nil {
			return stats, fmt.Errorf("publish result %d: %w", i, err)
		}
		stats.Results++
		if res.IsFraud() {
			stats.Frauds++
		}
	}
	return stats, nil
}
