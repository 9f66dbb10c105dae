// Package query computes the read-side summaries served to the dashboard.
// It holds no state of its own; every call reads the store.
package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/fogwatch/service/db"
	"github.com/brojonat/fogwatch/service/liveness"
	"github.com/brojonat/fogwatch/service/metrics"
)

// ErrInvalidArgument is wrapped by errors caused by bad caller input.
var ErrInvalidArgument = errors.New("invalid argument")

const (
	DefaultLimit   = 100
	MaxLimit       = 1000
	MinBucketWidth = time.Second
)

// Reader is the read side of the persistence layer.
type Reader interface {
	ListNodes(ctx context.Context) ([]*db.Node, error)
	GetNode(ctx context.Context, nodeID string) (*db.Node, error)
	RecentTransactions(ctx context.Context, limit int, nodeID *string) ([]*db.CorrelatedTransaction, error)
	RecentFraudResults(ctx context.Context, limit int, nodeID *string) ([]*db.FraudResult, error)
	TransactionVolume(ctx context.Context, bucket time.Duration, since time.Time) ([]db.VolumeBucket, error)
	FraudCounts(ctx context.Context) ([]db.FraudCount, error)
	CountTransactions(ctx context.Context, nodeID *string) (int64, error)
}

// Evaluator derives a status from last_seen. *liveness.Tracker satisfies it.
type Evaluator interface {
	Evaluate(lastSeen *time.Time) liveness.Status
}

// NodeStatus is a registered node with its derived liveness.
type NodeStatus struct {
	NodeID      string          `json:"node_id"`
	Name        string          `json:"name"`
	Location    string          `json:"location"`
	Description string          `json:"description,omitempty"`
	Status      liveness.Status `json:"status"`
	LastSeen    *time.Time      `json:"last_seen"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Transaction is a recent transaction with its correlated prediction.
// Prediction is nil while no result has been recorded.
type Transaction struct {
	NodeID          string    `json:"node_id"`
	NodeName        string    `json:"node_name,omitempty"`
	TransactionTime float64   `json:"transaction_time"`
	Amount          float64   `json:"amount"`
	Features        []float64 `json:"features"`
	Prediction      *int      `json:"prediction"`
	ReceivedAt      time.Time `json:"received_at"`
}

// FraudResult is one recorded classification outcome.
type FraudResult struct {
	NodeID          string    `json:"node_id"`
	TransactionTime float64   `json:"transaction_time"`
	Prediction      int       `json:"prediction"`
	ReceivedAt      time.Time `json:"received_at"`
}

// VolumeBucket counts transactions received in [Start, Start+width).
type VolumeBucket struct {
	Start time.Time `json:"start"`
	Count int64     `json:"count"`
}

// FraudRate is the fraction of a node's results that were fraud.
type FraudRate struct {
	NodeID string  `json:"node_id"`
	Total  int64   `json:"total"`
	Fraud  int64   `json:"fraud"`
	Rate   float64 `json:"rate"`
}

// Summary holds fleet-wide totals.
type Summary struct {
	Transactions int64                   `json:"transactions"`
	FraudChecks  int64                   `json:"fraud_checks"`
	Frauds       int64                   `json:"frauds"`
	FraudRate    float64                 `json:"fraud_rate"`
	Nodes        int                     `json:"nodes"`
	NodeStatus   map[liveness.Status]int `json:"node_status"`
}

// Service answers dashboard queries.
type Service struct {
	reader    Reader
	evaluator Evaluator
	metrics   *metrics.Metrics
}

// NewService creates a query service. m may be nil.
func NewService(reader Reader, evaluator Evaluator, m *metrics.Metrics) *Service {
	return &Service{reader: reader, evaluator: evaluator, metrics: m}
}

// NormalizeLimit applies the default for zero and caps at MaxLimit.
func NormalizeLimit(limit int) (int, error) {
	switch {
	case limit < 0:
		return 0, fmt.Errorf("limit must not be negative, got %d: %w", limit, ErrInvalidArgument)
	case limit == 0:
		return DefaultLimit, nil
	case limit > MaxLimit:
		return MaxLimit, nil
	}
	return limit, nil
}

// RecentTransactions returns up to limit transactions, newest received first,
// optionally restricted to one node.
func (s *Service) RecentTransactions(ctx context.Context, limit int, nodeID *string) ([]Transaction, error) {
	limit, err := NormalizeLimit(limit)
	if err != nil {
		return nil, err
	}
	rows, err := s.reader.RecentTransactions(ctx, limit, nodeID)
	if err != nil {
		return nil, fmt.Errorf("recent transactions: %w", err)
	}

	txns := make([]Transaction, 0, len(rows))
	for _, r := range rows {
		txns = append(txns, Transaction{
			NodeID:          r.NodeID,
			NodeName:        r.NodeName,
			TransactionTime: r.TransactionTime,
			Amount:          r.Amount,
			Features:        r.Features,
			Prediction:      r.Prediction,
			ReceivedAt:      r.ReceivedAt,
		})
	}
	return txns, nil
}

// RecentFraudResults returns up to limit results, newest received first.
func (s *Service) RecentFraudResults(ctx context.Context, limit int, nodeID *string) ([]FraudResult, error) {
	limit, err := NormalizeLimit(limit)
	if err != nil {
		return nil, err
	}
	rows, err := s.reader.RecentFraudResults(ctx, limit, nodeID)
	if err != nil {
		return nil, fmt.Errorf("recent fraud results: %w", err)
	}

	results := make([]FraudResult, 0, len(rows))
	for _, r := range rows {
		results = append(results, FraudResult{
			NodeID:          r.NodeID,
			TransactionTime: r.TransactionTime,
			Prediction:      r.Prediction,
			ReceivedAt:      r.ReceivedAt,
		})
	}
	return results, nil
}

// NodeStatuses returns every registered node with its derived status,
// ordered by node id.
func (s *Service) NodeStatuses(ctx context.Context) ([]NodeStatus, error) {
	nodes, err := s.reader.ListNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}

	statuses := make([]NodeStatus, 0, len(nodes))
	counts := make(map[string]int, len(liveness.Statuses))
	for _, n := range nodes {
		ns := s.toNodeStatus(n)
		counts[string(ns.Status)]++
		statuses = append(statuses, ns)
	}
	s.metrics.RecordNodeStatuses(counts)
	return statuses, nil
}

// NodeStatus returns one node. A missing node yields an error wrapping db.ErrNotFound.
func (s *Service) NodeStatus(ctx context.Context, nodeID string) (*NodeStatus, error) {
	if nodeID == "" {
		return nil, fmt.Errorf("node id is required: %w", ErrInvalidArgument)
	}
	n, err := s.reader.GetNode(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", nodeID, err)
	}
	ns := s.toNodeStatus(n)
	return &ns, nil
}

func (s *Service) toNodeStatus(n *db.Node) NodeStatus {
	return NodeStatus{
		NodeID:      n.NodeID,
		Name:        n.Name,
		Location:    n.Location,
		Description: n.Description,
		Status:      s.evaluator.Evaluate(n.LastSeen),
		LastSeen:    n.LastSeen,
		CreatedAt:   n.CreatedAt,
	}
}

// VolumeOverTime counts transactions per bucket of the given width over
// received_at. A zero since covers all time. Buckets with no transactions
// are omitted.
func (s *Service) VolumeOverTime(ctx context.Context, bucket time.Duration, since time.Time) ([]VolumeBucket, error) {
	if bucket < MinBucketWidth {
		return nil, fmt.Errorf("bucket width must be at least %v, got %v: %w", MinBucketWidth, bucket, ErrInvalidArgument)
	}
	rows, err := s.reader.TransactionVolume(ctx, bucket, since)
	if err != nil {
		return nil, fmt.Errorf("transaction volume: %w", err)
	}

	buckets := make([]VolumeBucket, 0, len(rows))
	for _, r := range rows {
		buckets = append(buckets, VolumeBucket{Start: r.Start, Count: r.Count})
	}
	return buckets, nil
}

// FraudRateByNode returns, for every node with at least one result, the
// fraction of its results that were fraud.
func (s *Service) FraudRateByNode(ctx context.Context) ([]FraudRate, error) {
	counts, err := s.reader.FraudCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("fraud counts: %w", err)
	}

	rates := make([]FraudRate, 0, len(counts))
	for _, c := range counts {
		if c.Total == 0 {
			continue
		}
		rates = append(rates, FraudRate{
			NodeID: c.NodeID,
			Total:  c.Total,
			Fraud:  c.Fraud,
			Rate:   float64(c.Fraud) / float64(c.Total),
		})
	}
	return rates, nil
}

// Summary returns fleet-wide totals.
func (s *Service) Summary(ctx context.Context) (*Summary, error) {
	total, err := s.reader.CountTransactions(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("count transactions: %w", err)
	}
	counts, err := s.reader.FraudCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("fraud counts: %w", err)
	}
	nodes, err := s.NodeStatuses(ctx)
	if err != nil {
		return nil, err
	}

	sum := &Summary{
		Transactions: total,
		Nodes:        len(nodes),
		NodeStatus:   make(map[liveness.Status]int, len(liveness.Statuses)),
	}
	for _, st := range liveness.Statuses {
		sum.NodeStatus[st] = 0
	}
	for _, n := range nodes {
		sum.NodeStatus[n.Status]++
	}
	for _, c := range counts {
		sum.FraudChecks += c.Total
		sum.Frauds += c.Fraud
	}
	if sum.FraudChecks > 0 {
		sum.FraudRate = float64(sum.Frauds) / float64(sum.FraudChecks)
	}
	return sum, nil
}
