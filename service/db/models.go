package db

import "time"

// Node is a fog node known to the service.
// LastSeen is owned by the liveness tracker; status is derived from it on read.
type Node struct {
	NodeID      string
	Name        string
	Location    string
	Description string
	LastSeen    *time.Time
	CreatedAt   time.Time
}

// UpsertNodeParams registers a node. Nil fields leave the stored value unchanged.
type UpsertNodeParams struct {
	NodeID      string
	Name        *string
	Location    *string
	Description *string
}

// TransactionRecord is one transaction observed by a fog node.
// TransactionTime is the producer's logical time; ReceivedAt is ingestion wall-clock time.
type TransactionRecord struct {
	NodeID          string
	TransactionTime float64
	Features        []float64
	Amount          float64
	ReceivedAt      time.Time
}

// FraudResult is one classification outcome for (NodeID, TransactionTime).
type FraudResult struct {
	NodeID          string
	TransactionTime float64
	Prediction      int
	ReceivedAt      time.Time
}

// CorrelatedTransaction is a transaction with the prediction recorded for the
// same key, if any. Prediction is nil when no result has arrived.
type CorrelatedTransaction struct {
	TransactionRecord
	NodeName   string
	Prediction *int
}

// VolumeBucket is the number of transactions received in [Start, Start+width).
type VolumeBucket struct {
	Start time.Time
	Count int64
}

// FraudCount holds the per-node totals used to compute fraud rates.
type FraudCount struct {
	NodeID string
	Total  int64
	Fraud  int64
}
