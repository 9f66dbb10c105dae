package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type recordKey struct {
	nodeID string
	time   float64
}

// MemoryStore is an in-memory implementation of the Store operations.
// A single RWMutex makes each operation atomic with respect to readers.
// It backs tests and STORAGE_BACKEND=memory local runs; nothing survives a restart.
type MemoryStore struct {
	mu           sync.RWMutex
	now          func() time.Time
	nodes        map[string]*Node
	transactions map[recordKey]TransactionRecord
	results      map[recordKey]FraudResult
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:          time.Now,
		nodes:        make(map[string]*Node),
		transactions: make(map[recordKey]TransactionRecord),
		results:      make(map[recordKey]FraudResult),
	}
}

func (m *MemoryStore) UpsertNode(ctx context.Context, params UpsertNodeParams) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, &StorageError{Op: "upsert node", Kind: KindTransient, Err: err}
	}
	if params.NodeID == "" {
		return nil, &StorageError{Op: "upsert node", Kind: KindIntegrity, Err: fmt.Errorf("empty node id")}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[params.NodeID]
	if !ok {
		n = &Node{NodeID: params.NodeID, CreatedAt: m.now().UTC()}
		m.nodes[params.NodeID] = n
	}
	if params.Name != nil {
		n.Name = *params.Name
	}
	if params.Location != nil {
		n.Location = *params.Location
	}
	if params.Description != nil {
		n.Description = *params.Description
	}
	return copyNode(n), nil
}

func (m *MemoryStore) TouchNode(ctx context.Context, nodeID string, seenAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return &StorageError{Op: "touch node", Kind: KindTransient, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[nodeID]
	if !ok {
		return fmt.Errorf("touch node %s: %w", nodeID, ErrNotFound)
	}
	if n.LastSeen == nil || seenAt.After(*n.LastSeen) {
		t := seenAt
		n.LastSeen = &t
	}
	return nil
}

func (m *MemoryStore) AppendTransaction(ctx context.Context, rec TransactionRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, &StorageError{Op: "append transaction", Kind: KindTransient, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.nodes[rec.NodeID]; !ok {
		return false, &StorageError{Op: "append transaction", Kind: KindIntegrity, Err: fmt.Errorf("unknown node %q", rec.NodeID)}
	}
	key := recordKey{rec.NodeID, rec.TransactionTime}
	if _, ok := m.transactions[key]; ok {
		return false, nil
	}
	rec.Features = append([]float64(nil), rec.Features...)
	m.transactions[key] = rec
	return true, nil
}

func (m *MemoryStore) AppendFraudResult(ctx context.Context, res FraudResult) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, &StorageError{Op: "append fraud result", Kind: KindTransient, Err: err}
	}
	if res.Prediction != 0 && res.Prediction != 1 {
		return false, &StorageError{Op: "append fraud result", Kind: KindIntegrity, Err: fmt.Errorf("prediction %d out of range", res.Prediction)}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.nodes[res.NodeID]; !ok {
		return false, &StorageError{Op: "append fraud result", Kind: KindIntegrity, Err: fmt.Errorf("unknown node %q", res.NodeID)}
	}
	key := recordKey{res.NodeID, res.TransactionTime}
	if _, ok := m.results[key]; ok {
		return false, nil
	}
	m.results[key] = res
	return true, nil
}

func (m *MemoryStore) GetNode(ctx context.Context, nodeID string) (*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("get node: %w", ErrNotFound)
	}
	return copyNode(n), nil
}

func (m *MemoryStore) ListNodes(ctx context.Context) ([]*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nodes := make([]*Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		nodes = append(nodes, copyNode(n))
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeID < nodes[j].NodeID })
	return nodes, nil
}

func (m *MemoryStore) RecentTransactions(ctx context.Context, limit int, nodeID *string) ([]*CorrelatedTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var txns []*CorrelatedTransaction
	for key, rec := range m.transactions {
		if nodeID != nil && rec.NodeID != *nodeID {
			continue
		}
		t := &CorrelatedTransaction{TransactionRecord: rec}
		t.Features = append([]float64(nil), rec.Features...)
		if n, ok := m.nodes[rec.NodeID]; ok {
			t.NodeName = n.Name
		}
		if res, ok := m.results[key]; ok {
			p := res.Prediction
			t.Prediction = &p
		}
		txns = append(txns, t)
	}
	sort.Slice(txns, func(i, j int) bool {
		return newerFirst(txns[i].ReceivedAt, txns[j].ReceivedAt, txns[i].NodeID, txns[j].NodeID, txns[i].TransactionTime, txns[j].TransactionTime)
	})
	if limit >= 0 && len(txns) > limit {
		txns = txns[:limit]
	}
	return txns, nil
}

func (m *MemoryStore) RecentFraudResults(ctx context.Context, limit int, nodeID *string) ([]*FraudResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*FraudResult
	for _, res := range m.results {
		if nodeID != nil && res.NodeID != *nodeID {
			continue
		}
		r := res
		results = append(results, &r)
	}
	sort.Slice(results, func(i, j int) bool {
		return newerFirst(results[i].ReceivedAt, results[j].ReceivedAt, results[i].NodeID, results[j].NodeID, results[i].TransactionTime, results[j].TransactionTime)
	})
	if limit >= 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (m *MemoryStore) TransactionVolume(ctx context.Context, bucket time.Duration, since time.Time) ([]VolumeBucket, error) {
	if bucket <= 0 {
		return nil, &StorageError{Op: "transaction volume", Kind: KindIntegrity, Err: fmt.Errorf("non-positive bucket width %v", bucket)}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[int64]int64)
	for _, rec := range m.transactions {
		if !since.IsZero() && rec.ReceivedAt.Before(since) {
			continue
		}
		counts[bucketStart(rec.ReceivedAt, bucket)]++
	}
	buckets := make([]VolumeBucket, 0, len(counts))
	for start, n := range counts {
		buckets = append(buckets, VolumeBucket{Start: time.Unix(0, start).UTC(), Count: n})
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Start.Before(buckets[j].Start) })
	return buckets, nil
}

func (m *MemoryStore) FraudCounts(ctx context.Context) ([]FraudCount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byNode := make(map[string]*FraudCount)
	for _, res := range m.results {
		c, ok := byNode[res.NodeID]
		if !ok {
			c = &FraudCount{NodeID: res.NodeID}
			byNode[res.NodeID] = c
		}
		c.Total++
		if res.Prediction == 1 {
			c.Fraud++
		}
	}
	counts := make([]FraudCount, 0, len(byNode))
	for _, c := range byNode {
		counts = append(counts, *c)
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i].NodeID < counts[j].NodeID })
	return counts, nil
}

func (m *MemoryStore) CountTransactions(ctx context.Context, nodeID *string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if nodeID == nil {
		return int64(len(m.transactions)), nil
	}
	var n int64
	for key := range m.transactions {
		if key.nodeID == *nodeID {
			n++
		}
	}
	return n, nil
}

// bucketStart floors t to a multiple of width counted from the Unix epoch,
// matching the SQL used by Store.TransactionVolume.
func bucketStart(t time.Time, width time.Duration) int64 {
	ns := t.UnixNano()
	w := width.Nanoseconds()
	rem := ns % w
	if rem < 0 {
		rem += w
	}
	return ns - rem
}

func newerFirst(ti, tj time.Time, ni, nj string, li, lj float64) bool {
	if !ti.Equal(tj) {
		return ti.After(tj)
	}
	if ni != nj {
		return ni < nj
	}
	return li > lj
}

func copyNode(n *Node) *Node {
	c := *n
	if n.LastSeen != nil {
		t := *n.LastSeen
		c.LastSeen = &t
	}
	return &c
}
