// Package ingest runs the single long-lived worker that moves fog node events
// from the channel into storage and keeps node liveness current.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/brojonat/fogwatch/service/channel"
	"github.com/brojonat/fogwatch/service/db"
	"github.com/brojonat/fogwatch/service/events"
	"github.com/brojonat/fogwatch/service/metrics"
)

// Store is the write side of the persistence layer.
type Store interface {
	UpsertNode(ctx context.Context, params db.UpsertNodeParams) (*db.Node, error)
	AppendTransaction(ctx context.Context, rec db.TransactionRecord) (bool, error)
	AppendFraudResult(ctx context.Context, res db.FraudResult) (bool, error)
}

// Observer records node activity. *liveness.Tracker satisfies it.
type Observer interface {
	Observe(ctx context.Context, nodeID string, at time.Time) error
}

// Decoder turns raw payloads into events. *events.Decoder satisfies it.
type Decoder interface {
	Topics() []string
	Decode(topic string, payload []byte) (events.Event, error)
}

// Config controls reconnect and retry behavior.
type Config struct {
	ReconnectInitialBackoff time.Duration
	ReconnectMaxBackoff     time.Duration
	// StorageRetryAttempts is the total number of tries for one message's writes.
	StorageRetryAttempts int
	StorageRetryBackoff  time.Duration
	WriteTimeout         time.Duration
	// NakDelay is how long the broker waits before redelivering a message
	// whose writes kept failing.
	NakDelay time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectInitialBackoff: time.Second,
		ReconnectMaxBackoff:     30 * time.Second,
		StorageRetryAttempts:    5,
		StorageRetryBackoff:     100 * time.Millisecond,
		WriteTimeout:            5 * time.Second,
		NakDelay:                5 * time.Second,
	}
}

// Coordinator consumes the channel, persists every decodable event and
// updates liveness. It processes one message at a time.
type Coordinator struct {
	channel channel.Channel
	decoder Decoder
	store   Store
	tracker Observer
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu    sync.Mutex
	known map[string]struct{}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMetrics records ingestion metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithClock sets the clock used for received_at and liveness observations.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// NewCoordinator wires a coordinator. Zero values in cfg take the defaults.
func NewCoordinator(ch channel.Channel, dec Decoder, store Store, tracker Observer, cfg Config, logger *slog.Logger, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.ReconnectInitialBackoff <= 0 {
		cfg.ReconnectInitialBackoff = def.ReconnectInitialBackoff
	}
	if cfg.ReconnectMaxBackoff <= 0 {
		cfg.ReconnectMaxBackoff = def.ReconnectMaxBackoff
	}
	if cfg.StorageRetryAttempts <= 0 {
		cfg.StorageRetryAttempts = def.StorageRetryAttempts
	}
	if cfg.StorageRetryBackoff <= 0 {
		cfg.StorageRetryBackoff = def.StorageRetryBackoff
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.NakDelay <= 0 {
		cfg.NakDelay = def.NakDelay
	}

	c := &Coordinator{
		channel: ch,
		decoder: dec,
		store:   store,
		tracker: tracker,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		known:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SeedRegistry upserts statically configured nodes with their display
// metadata so they are listed before their first event.
func (c *Coordinator) SeedRegistry(ctx context.Context, nodes []db.UpsertNodeParams) error {
	for _, params := range nodes {
		if _, err := c.store.UpsertNode(ctx, params); err != nil {
			return fmt.Errorf("seeding node %s: %w", params.NodeID, err)
		}
		c.remember(params.NodeID)
	}
	if len(nodes) > 0 {
		c.logger.Info("node registry seeded", "nodes", len(nodes))
	}
	return nil
}

// Run connects, consumes until the session is lost, and reconnects with
// exponential backoff. It returns nil once ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	bo := c.reconnectBackoff()
	topics := c.decoder.Topics()
	backend := c.channel.Name()

	c.logger.Info("ingestion coordinator starting", "backend", backend, "topics", topics)

	for {
		if ctx.Err() != nil {
			break
		}

		sess, err := c.channel.Connect(ctx, topics)
		c.metrics.RecordChannelConnect(backend, err)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			wait := bo.NextBackOff()
			c.logger.Warn("channel connect failed, retrying",
				"backend", backend,
				"error", err,
				"retry_in", wait,
			)
			if !sleep(ctx, wait) {
				break
			}
			continue
		}

		bo.Reset()
		c.logger.Info("channel session established", "backend", backend)

		err = c.consume(ctx, sess)
		c.metrics.RecordChannelDisconnect(backend)
		if ctx.Err() != nil {
			break
		}

		wait := bo.NextBackOff()
		c.logger.Warn("channel session lost, reconnecting",
			"backend", backend,
			"error", err,
			"retry_in", wait,
		)
		if !sleep(ctx, wait) {
			break
		}
	}

	c.logger.Info("ingestion coordinator stopped")
	return nil
}

func (c *Coordinator) reconnectBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.ReconnectInitialBackoff
	bo.MaxInterval = c.cfg.ReconnectMaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// consume handles messages until the session ends or ctx is cancelled.
// The session is always closed before returning.
func (c *Coordinator) consume(ctx context.Context, sess channel.Session) error {
	defer func() {
		if err := sess.Close(); err != nil {
			c.logger.Warn("failed to close channel session", "error", err)
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sess.Done():
			if err := sess.Err(); err != nil {
				return err
			}
			return errors.New("session closed")
		case msg, ok := <-sess.Messages():
			if !ok {
				return errors.New("message stream closed")
			}
			c.handle(ctx, msg)
		}
	}
}

// handle processes one message and settles it. It never panics and never
// returns an error: every failure is logged, counted and reflected in how
// the message is settled.
func (c *Coordinator) handle(ctx context.Context, msg channel.Message) {
	receivedAt := c.now().UTC()
	topic := msg.Topic()
	kind := "unknown"
	c.metrics.RecordEventReceived(topic)

	defer func() {
		if r := recover(); r != nil {
			c.metrics.RecordHandlerPanic()
			c.logger.Error("panic while handling message",
				"topic", topic,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			c.settle(msg.Term, "term", topic)
		}
		c.metrics.RecordHandleDuration(kind, time.Since(receivedAt).Seconds())
	}()

	ev, err := c.decoder.Decode(topic, msg.Data())
	if err != nil {
		var decErr *events.DecodeError
		field := ""
		if errors.As(err, &decErr) {
			field = decErr.Field
		}
		c.metrics.RecordDecodeFailure(topic, field)
		c.logger.Warn("discarding undecodable message",
			"topic", topic,
			"error", err,
		)
		c.settle(msg.Term, "term", topic)
		return
	}
	kind = string(ev.Kind())

	if err := c.persistWithRetry(ctx, ev, receivedAt); err != nil {
		if db.IsIntegrity(err) {
			c.metrics.RecordStorageError(kind, string(db.KindIntegrity))
			c.logger.Error("integrity violation while storing event, dropping message",
				"topic", topic,
				"node_id", ev.Node(),
				"time", ev.LogicalTime(),
				"error", err,
			)
			c.settle(msg.Term, "term", topic)
			return
		}
		c.metrics.RecordStorageError(kind, string(db.KindTransient))
		c.logger.Error("storage unavailable, message will be redelivered",
			"topic", topic,
			"node_id", ev.Node(),
			"time", ev.LogicalTime(),
			"attempts", c.cfg.StorageRetryAttempts,
			"error", err,
		)
		c.settle(func() error { return msg.Nak(c.cfg.NakDelay) }, "nak", topic)
		return
	}

	c.settle(msg.Ack, "ack", topic)
}

func (c *Coordinator) settle(fn func() error, action, topic string) {
	if err := fn(); err != nil {
		c.logger.Warn("failed to settle message", "action", action, "topic", topic, "error", err)
	}
}

// persistWithRetry retries transient failures in place. Integrity errors
// are returned immediately.
func (c *Coordinator) persistWithRetry(ctx context.Context, ev events.Event, receivedAt time.Time) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.StorageRetryBackoff
	eb.MaxInterval = c.cfg.StorageRetryBackoff * 10
	eb.MaxElapsedTime = 0
	eb.Reset()
	bo := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.cfg.StorageRetryAttempts-1)), ctx)

	op := func() error {
		err := c.persist(ctx, ev, receivedAt)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.metrics.RecordStorageRetry(string(ev.Kind()))
		c.logger.Warn("storage write failed, retrying",
			"node_id", ev.Node(),
			"time", ev.LogicalTime(),
			"error", err,
			"retry_in", wait,
		)
	}
	return backoff.RetryNotify(op, bo, notify)
}

func retryable(err error) bool {
	return db.IsRetryable(err) || errors.Is(err, db.ErrNotFound)
}

// persist performs one attempt: register the node, append the record and
// record liveness. Writes run detached from ctx so shutdown does not
// abandon a write halfway.
func (c *Coordinator) persist(ctx context.Context, ev events.Event, receivedAt time.Time) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.WriteTimeout)
	defer cancel()

	nodeID := ev.Node()
	if err := c.ensureNode(wctx, nodeID); err != nil {
		return err
	}

	var (
		inserted bool
		err      error
	)
	switch e := ev.(type) {
	case *events.TransactionEvent:
		inserted, err = c.store.AppendTransaction(wctx, db.TransactionRecord{
			NodeID:          e.NodeID,
			TransactionTime: e.Time,
			Features:        e.Features,
			Amount:          e.Amount,
			ReceivedAt:      receivedAt,
		})
	case *events.FraudEvent:
		inserted, err = c.store.AppendFraudResult(wctx, db.FraudResult{
			NodeID:          e.NodeID,
			TransactionTime: e.Time,
			Prediction:      e.Prediction,
			ReceivedAt:      receivedAt,
		})
	default:
		return &db.StorageError{Op: "persist", Kind: db.KindIntegrity, Err: fmt.Errorf("unsupported event %T", ev)}
	}
	if err != nil {
		return err
	}
	c.metrics.RecordPersisted(string(ev.Kind()), inserted)
	if !inserted {
		c.logger.Debug("duplicate event ignored",
			"kind", ev.Kind(),
			"node_id", nodeID,
			"time", ev.LogicalTime(),
		)
	}

	if err := c.tracker.Observe(wctx, nodeID, receivedAt); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.forget(nodeID)
		}
		return err
	}
	return nil
}

func (c *Coordinator) ensureNode(ctx context.Context, nodeID string) error {
	if c.isKnown(nodeID) {
		return nil
	}
	if _, err := c.store.UpsertNode(ctx, db.UpsertNodeParams{NodeID: nodeID}); err != nil {
		return err
	}
	c.remember(nodeID)
	c.logger.Info("registered new node", "node_id", nodeID)
	return nil
}

func (c *Coordinator) isKnown(nodeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.known[nodeID]
	return ok
}

func (c *Coordinator) remember(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.known[nodeID] = struct{}{}
}

func (c *Coordinator) forget(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.known, nodeID)
}

// sleep waits for d or until ctx is done. It reports whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
