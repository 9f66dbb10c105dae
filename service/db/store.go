package db

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/brojonat/fogwatch/service/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Store provides PostgreSQL-backed persistence for nodes, transactions and fraud results.
// Every method runs a single statement, so each write is atomic and readers
// never observe a partial write.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// WithMetrics records query latency for every store operation.
func (s *Store) WithMetrics(m *metrics.Metrics) *Store {
	s.metrics = m
	return s
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return wrapErr("migrate", err)
	}
	return nil
}

// Ping checks connectivity to the database.
func (s *Store) Ping(ctx context.Context) error {
	return wrapErr("ping", s.pool.Ping(ctx))
}

// observe is deferred with a pointer to the named error result so it sees
// the final value.
func (s *Store) observe(op string, start time.Time, errp *error) {
	s.metrics.RecordDBQuery(op, time.Since(start).Seconds(), *errp)
}

const nodeColumns = `node_id, name, location, description, last_seen, created_at`

// UpsertNode inserts the node if it is absent and otherwise updates only the
// supplied optional fields. It never modifies last_seen.
func (s *Store) UpsertNode(ctx context.Context, params UpsertNodeParams) (_ *Node, err error) {
	defer s.observe("upsert_node", time.Now(), &err)

	row := s.pool.QueryRow(ctx, `
		INSERT INTO nodes (node_id, name, location, description)
		VALUES ($1, COALESCE($2, ''), COALESCE($3, ''), COALESCE($4, ''))
		ON CONFLICT (node_id) DO UPDATE SET
			name = COALESCE($2, nodes.name),
			location = COALESCE($3, nodes.location),
			description = COALESCE($4, nodes.description)
		RETURNING `+nodeColumns,
		params.NodeID,
		pgtextFromStringPtr(params.Name),
		pgtextFromStringPtr(params.Location),
		pgtextFromStringPtr(params.Description),
	)
	node, err := scanNode(row)
	if err != nil {
		return nil, wrapErr("upsert node", err)
	}
	return node, nil
}

// TouchNode records an event from the node at seenAt and marks it online.
// last_seen only moves forward, so late redeliveries cannot rewind it.
func (s *Store) TouchNode(ctx context.Context, nodeID string, seenAt time.Time) (err error) {
	defer s.observe("touch_node", time.Now(), &err)

	tag, err := s.pool.Exec(ctx, `
		UPDATE nodes
		SET last_seen = GREATEST(last_seen, $2)
		WHERE node_id = $1`,
		nodeID, pgtype.Timestamptz{Time: seenAt, Valid: true},
	)
	if err != nil {
		return wrapErr("touch node", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("touch node %s: %w", nodeID, ErrNotFound)
	}
	return nil
}

// AppendTransaction stores a transaction. A record whose (node_id,
// transaction_time) already exists is ignored and inserted is false.
func (s *Store) AppendTransaction(ctx context.Context, rec TransactionRecord) (inserted bool, err error) {
	defer s.observe("append_transaction", time.Now(), &err)

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO transactions (node_id, transaction_time, features, amount, received_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (node_id, transaction_time) DO NOTHING`,
		rec.NodeID, rec.TransactionTime, rec.Features, rec.Amount,
		pgtype.Timestamptz{Time: rec.ReceivedAt, Valid: true},
	)
	if err != nil {
		return false, wrapErr("append transaction", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AppendFraudResult stores a classification result with the same idempotent
// semantics as AppendTransaction. The matching transaction need not exist.
func (s *Store) AppendFraudResult(ctx context.Context, res FraudResult) (inserted bool, err error) {
	defer s.observe("append_fraud_result", time.Now(), &err)

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO fraud_results (node_id, transaction_time, prediction, received_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (node_id, transaction_time) DO NOTHING`,
		res.NodeID, res.TransactionTime, int16(res.Prediction),
		pgtype.Timestamptz{Time: res.ReceivedAt, Valid: true},
	)
	if err != nil {
		return false, wrapErr("append fraud result", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetNode retrieves a node by id.
func (s *Store) GetNode(ctx context.Context, nodeID string) (_ *Node, err error) {
	defer s.observe("get_node", time.Now(), &err)

	row := s.pool.QueryRow(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE node_id = $1`, nodeID)
	node, err := scanNode(row)
	if err != nil {
		return nil, wrapErr("get node", err)
	}
	return node, nil
}

// ListNodes retrieves every registered node ordered by id.
func (s *Store) ListNodes(ctx context.Context) (_ []*Node, err error) {
	defer s.observe("list_nodes", time.Now(), &err)

	rows, err := s.pool.Query(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY node_id`)
	if err != nil {
		return nil, wrapErr("list nodes", err)
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, wrapErr("list nodes", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, wrapErr("list nodes", rows.Err())
}

// RecentTransactions returns up to limit transactions ordered by received_at
// descending, optionally restricted to one node, each joined with its result.
func (s *Store) RecentTransactions(ctx context.Context, limit int, nodeID *string) (_ []*CorrelatedTransaction, err error) {
	defer s.observe("recent_transactions", time.Now(), &err)

	rows, err := s.pool.Query(ctx, `
		SELECT t.node_id, t.transaction_time, t.features, t.amount, t.received_at, n.name, f.prediction
		FROM transactions t
		JOIN nodes n ON n.node_id = t.node_id
		LEFT JOIN fraud_results f
			ON f.node_id = t.node_id AND f.transaction_time = t.transaction_time
		WHERE ($2::text IS NULL OR t.node_id = $2)
		ORDER BY t.received_at DESC, t.node_id, t.transaction_time DESC
		LIMIT $1`,
		limit, pgtextFromStringPtr(nodeID),
	)
	if err != nil {
		return nil, wrapErr("recent transactions", err)
	}
	defer rows.Close()

	var txns []*CorrelatedTransaction
	for rows.Next() {
		var (
			t          CorrelatedTransaction
			receivedAt pgtype.Timestamptz
			prediction pgtype.Int2
		)
		if err := rows.Scan(&t.NodeID, &t.TransactionTime, &t.Features, &t.Amount, &receivedAt, &t.NodeName, &prediction); err != nil {
			return nil, wrapErr("recent transactions", err)
		}
		t.ReceivedAt = receivedAt.Time
		if prediction.Valid {
			p := int(prediction.Int16)
			t.Prediction = &p
		}
		txns = append(txns, &t)
	}
	return txns, wrapErr("recent transactions", rows.Err())
}

// RecentFraudResults returns up to limit results ordered by received_at descending.
func (s *Store) RecentFraudResults(ctx context.Context, limit int, nodeID *string) (_ []*FraudResult, err error) {
	defer s.observe("recent_fraud_results", time.Now(), &err)

	rows, err := s.pool.Query(ctx, `
		SELECT node_id, transaction_time, prediction, received_at
		FROM fraud_results
		WHERE ($2::text IS NULL OR node_id = $2)
		ORDER BY received_at DESC, node_id, transaction_time DESC
		LIMIT $1`,
		limit, pgtextFromStringPtr(nodeID),
	)
	if err != nil {
		return nil, wrapErr("recent fraud results", err)
	}
	defer rows.Close()

	var results []*FraudResult
	for rows.Next() {
		var (
			r          FraudResult
			prediction int16
			receivedAt pgtype.Timestamptz
		)
		if err := rows.Scan(&r.NodeID, &r.TransactionTime, &prediction, &receivedAt); err != nil {
			return nil, wrapErr("recent fraud results", err)
		}
		r.Prediction = int(prediction)
		r.ReceivedAt = receivedAt.Time
		results = append(results, &r)
	}
	return results, wrapErr("recent fraud results", rows.Err())
}

// TransactionVolume counts transactions per bucket of the given width over
// received_at. A zero since counts all transactions.
func (s *Store) TransactionVolume(ctx context.Context, bucket time.Duration, since time.Time) (_ []VolumeBucket, err error) {
	defer s.observe("transaction_volume", time.Now(), &err)

	var sinceVal pgtype.Timestamptz
	if !since.IsZero() {
		sinceVal = pgtype.Timestamptz{Time: since, Valid: true}
	}
	rows, err := s.pool.Query(ctx, `
		SELECT to_timestamp(floor(extract(epoch FROM received_at)::float8 / $1::float8) * $1::float8) AS bucket,
			count(*)
		FROM transactions
		WHERE ($2::timestamptz IS NULL OR received_at >= $2)
		GROUP BY bucket
		ORDER BY bucket`,
		bucket.Seconds(), sinceVal,
	)
	if err != nil {
		return nil, wrapErr("transaction volume", err)
	}
	defer rows.Close()

	var buckets []VolumeBucket
	for rows.Next() {
		var (
			start pgtype.Timestamptz
			count int64
		)
		if err := rows.Scan(&start, &count); err != nil {
			return nil, wrapErr("transaction volume", err)
		}
		buckets = append(buckets, VolumeBucket{Start: start.Time.UTC(), Count: count})
	}
	return buckets, wrapErr("transaction volume", rows.Err())
}

// FraudCounts returns, per node with at least one result, the total number
// of results and how many were predicted fraud.
func (s *Store) FraudCounts(ctx context.Context) (_ []FraudCount, err error) {
	defer s.observe("fraud_counts", time.Now(), &err)

	rows, err := s.pool.Query(ctx, `
		SELECT node_id, count(*), count(*) FILTER (WHERE prediction = 1)
		FROM fraud_results
		GROUP BY node_id
		ORDER BY node_id`)
	if err != nil {
		return nil, wrapErr("fraud counts", err)
	}
	defer rows.Close()

	var counts []FraudCount
	for rows.Next() {
		var c FraudCount
		if err := rows.Scan(&c.NodeID, &c.Total, &c.Fraud); err != nil {
			return nil, wrapErr("fraud counts", err)
		}
		counts = append(counts, c)
	}
	return counts, wrapErr("fraud counts", rows.Err())
}

// CountTransactions counts stored transactions, optionally for one node.
func (s *Store) CountTransactions(ctx context.Context, nodeID *string) (_ int64, err error) {
	defer s.observe("count_transactions", time.Now(), &err)

	var n int64
	err = s.pool.QueryRow(ctx,
		`SELECT count(*) FROM transactions WHERE ($1::text IS NULL OR node_id = $1)`,
		pgtextFromStringPtr(nodeID),
	).Scan(&n)
	if err != nil {
		return 0, wrapErr("count transactions", err)
	}
	return n, nil
}

// Helper functions to convert between pgx types and domain types

func scanNode(row pgx.Row) (*Node, error) {
	var (
		n         Node
		lastSeen  pgtype.Timestamptz
		createdAt pgtype.Timestamptz
	)
	if err := row.Scan(&n.NodeID, &n.Name, &n.Location, &n.Description, &lastSeen, &createdAt); err != nil {
		return nil, err
	}
	n.LastSeen = timePtrFromPgTimestamptz(lastSeen)
	n.CreatedAt = createdAt.Time
	return &n, nil
}

func pgtextFromStringPtr(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: *s, Valid: true}
}

func timePtrFromPgTimestamptz(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
