package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// DefaultStream is the JetStream stream that captures both fog topics.
	DefaultStream = "FOG_EVENTS"

	// DefaultStreamSubjects is the subject pattern for the stream.
	DefaultStreamSubjects = "fog.transactions.>"

	// DefaultConsumer is the durable consumer name used by the ingestion coordinator.
	DefaultConsumer = "fogwatch-ingest"

	// StreamRetention is how long messages are kept in the stream.
	StreamRetention = 7 * 24 * time.Hour

	// DefaultAckWait is how long the server waits for an ack before redelivering.
	DefaultAckWait = 30 * time.Second
)

// Config describes how to reach NATS and which stream and consumer to use.
type Config struct {
	URL            string
	User           string
	Password       string
	Stream         string
	StreamSubjects []string
	Consumer       string
	AckWait        time.Duration
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Stream == "" {
		c.Stream = DefaultStream
	}
	if len(c.StreamSubjects) == 0 {
		c.StreamSubjects = []string{DefaultStreamSubjects}
	}
	if c.Consumer == "" {
		c.Consumer = DefaultConsumer
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	return c
}

func (c Config) options(name string) []nats.Option {
	opts := []nats.Option{
		nats.Name(name),
		nats.Timeout(10 * time.Second),
	}
	if c.User != "" {
		opts = append(opts, nats.UserInfo(c.User, c.Password))
	}
	return opts
}

// ensureStream creates the JetStream stream if it doesn't exist.
func ensureStream(ctx context.Context, js jetstream.JetStream, cfg Config, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	stream, err := js.Stream(ctx, cfg.Stream)
	if err == nil {
		info, err := stream.Info(ctx)
		if err == nil {
			logger.Debug("JetStream stream already exists",
				"stream", cfg.Stream,
				"messages", info.State.Msgs,
			)
		}
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	logger.Info("creating JetStream stream", "stream", cfg.Stream, "subjects", cfg.StreamSubjects)

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Stream,
		Description: "Raw transactions and fraud results published by fog nodes",
		Subjects:    cfg.StreamSubjects,
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	logger.Info("JetStream stream created successfully", "stream", cfg.Stream)
	return nil
}
