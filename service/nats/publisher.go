package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/brojonat/fogwatch/service/events"
	"github.com/brojonat/fogwatch/service/metrics"
)

// Publisher publishes fog node events in their wire form.
type Publisher interface {
	// PublishTransaction publishes a raw transaction observation on the raw topic.
	PublishTransaction(ctx context.Context, event *events.TransactionEvent) error

	// PublishFraudResult publishes a classification outcome on the results topic.
	PublishFraudResult(ctx context.Context, event *events.FraudEvent) error

	// Close closes the connection to NATS.
	Close() error
}

// Topics names the subjects a publisher writes to.
type Topics struct {
	Raw     string
	Results string
}

// DefaultTopics returns the topics fog nodes publish on.
func DefaultTopics() Topics {
	return Topics{Raw: events.DefaultRawTopic, Results: events.DefaultResultsTopic}
}

// JetStreamPublisher publishes fog events to NATS JetStream.
type JetStreamPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	cfg     Config
	topics  Topics
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewPublisher connects to NATS and ensures the stream exists.
// m may be nil.
func NewPublisher(cfg Config, topics Topics, logger *slog.Logger, m *metrics.Metrics) (*JetStreamPublisher, error) {
	cfg = cfg.withDefaults()

	opts := append(cfg.options("fogwatch-publisher"),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
	)
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if err := ensureStream(context.Background(), js, cfg, logger); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
	}

	logger.Info("NATS publisher initialized",
		"url", cfg.URL,
		"stream", cfg.Stream,
	)

	return &JetStreamPublisher{
		nc:      nc,
		js:      js,
		cfg:     cfg,
		topics:  topics,
		logger:  logger,
		metrics: m,
	}, nil
}

// PublishTransaction publishes a single transaction event.
func (p *JetStreamPublisher) PublishTransaction(ctx context.Context, event *events.TransactionEvent) error {
	return p.publish(ctx, p.topics.Raw, event, event.NodeID)
}

// PublishFraudResult publishes a single fraud result.
func (p *JetStreamPublisher) PublishFraudResult(ctx context.Context, event *events.FraudEvent) error {
	return p.publish(ctx, p.topics.Results, event, event.NodeID)
}

func (p *JetStreamPublisher) publish(ctx context.Context, subject string, event any, nodeID string) error {
	start := time.Now()
	status := "success"
	defer func() {
		p.metrics.RecordPublish(subject, status, time.Since(start).Seconds())
	}()

	data, err := json.Marshal(event)
	if err != nil {
		status = "error"
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		status = "error"
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	p.logger.Debug("published event",
		"subject", subject,
		"node_id", nodeID,
	)
	return nil
}

// StreamInfo returns the current state of the stream.
func (p *JetStreamPublisher) StreamInfo(ctx context.Context) (*jetstream.StreamInfo, error) {
	stream, err := p.js.Stream(ctx, p.cfg.Stream)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream %s: %w", p.cfg.Stream, err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream info: %w", err)
	}
	return info, nil
}

// Close closes the connection to NATS.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}
