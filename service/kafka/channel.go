// Package kafka consumes the fog topics from a Kafka consumer group with franz-go.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"

	"github.com/brojonat/fogwatch/service/channel"
)

const backendName = "kafka"

// Config describes the brokers and consumer group.
type Config struct {
	Brokers          []string
	Group            string
	MetricsNamespace string
}

// Channel opens consumer group sessions. Offsets are committed only for
// records that were acked or terminated.
type Channel struct {
	cfg    Config
	hooks  *kprom.Metrics
	logger *slog.Logger
}

// NewChannel creates a Kafka-backed channel. Broker metrics are registered
// on registry while a session is open; registry may be nil.
func NewChannel(cfg Config, registry prometheus.Registerer, logger *slog.Logger) *Channel {
	if cfg.Group == "" {
		cfg.Group = "fogwatch-ingest"
	}
	if cfg.MetricsNamespace == "" {
		cfg.MetricsNamespace = "fogwatch_kafka"
	}
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	return &Channel{
		cfg:    cfg,
		hooks:  kprom.NewMetrics(cfg.MetricsNamespace, kprom.Registerer(registry)),
		logger: logger,
	}
}

func (c *Channel) Name() string { return backendName }

// Connect joins the consumer group for topics and starts polling.
func (c *Channel) Connect(ctx context.Context, topics []string) (channel.Session, error) {
	if len(c.cfg.Brokers) == 0 {
		return nil, c.connErr(errors.New("no brokers configured"))
	}

	sessionID := uuid.NewString()
	kcl, err := kgo.NewClient(
		kgo.WithHooks(c.hooks),
		kgo.SeedBrokers(c.cfg.Brokers...),
		kgo.ClientID("fogwatch-"+sessionID[:8]),
		kgo.ConsumerGroup(c.cfg.Group),
		kgo.ConsumeTopics(topics...),
		kgo.AutoCommitMarks(),
		kgo.WithLogger(kgo.BasicLogger(os.Stderr, kgo.LogLevelWarn, nil)),
	)
	if err != nil {
		return nil, c.connErr(fmt.Errorf("creating client: %w", err))
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := kcl.Ping(pingCtx); err != nil {
		kcl.Close()
		return nil, c.connErr(fmt.Errorf("pinging brokers: %w", err))
	}

	pollCtx, stop := context.WithCancel(context.Background())
	s := &session{
		kcl:    kcl,
		msgs:   make(chan channel.Message),
		done:   make(chan struct{}),
		stop:   stop,
		logger: c.logger.With("session_id", sessionID),
	}
	s.wg.Add(1)
	go s.poll(pollCtx)

	c.logger.Info("Kafka session established",
		"brokers", c.cfg.Brokers,
		"group", c.cfg.Group,
		"topics", topics,
		"session_id", sessionID,
	)
	return s, nil
}

func (c *Channel) connErr(err error) error {
	return &channel.ConnectionError{Backend: backendName, Addr: strings.Join(c.cfg.Brokers, ","), Err: err}
}

type session struct {
	kcl    *kgo.Client
	msgs   chan channel.Message
	done   chan struct{}
	once   sync.Once
	stop   context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger

	mu  sync.Mutex
	err error
}

func (s *session) poll(ctx context.Context) {
	defer s.wg.Done()
	for {
		fetches := s.kcl.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			s.end(nil)
			return
		}

		var fetchErr error
		fetches.EachError(func(topic string, partition int32, err error) {
			s.logger.Warn("Kafka fetch error", "topic", topic, "partition", partition, "error", err)
			if fetchErr == nil {
				fetchErr = err
			}
		})
		if fetchErr != nil {
			s.end(fetchErr)
			return
		}

		iter := fetches.RecordIter()
		for !iter.Done() {
			rec := iter.Next()
			select {
			case s.msgs <- &message{s: s, rec: rec}:
			case <-s.done:
				return
			}
		}
	}
}

// end closes Done once. A non-nil err is reported through Err.
func (s *session) end(err error) {
	s.once.Do(func() {
		if err != nil {
			s.mu.Lock()
			s.err = &channel.ConnectionError{Backend: backendName, Err: err}
			s.mu.Unlock()
		}
		close(s.done)
		s.stop()
	})
}

func (s *session) ended() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *session) Messages() <-chan channel.Message { return s.msgs }

func (s *session) Done() <-chan struct{} { return s.done }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close commits every marked offset and leaves the group.
func (s *session) Close() error {
	s.end(nil)
	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.kcl.CommitMarkedOffsets(ctx)
	s.kcl.Close()
	if err != nil {
		s.logger.Warn("failed to commit marked offsets on close", "error", err)
		return fmt.Errorf("committing offsets: %w", err)
	}
	s.logger.Info("Kafka session closed")
	return nil
}

// message settles a record. Kafka has no per-record redelivery, so Nak ends
// the session: nothing past the last committed offset is marked afterwards,
// and the next session resumes from the nacked record.
type message struct {
	s   *session
	rec *kgo.Record
}

func (m *message) Topic() string { return m.rec.Topic }
func (m *message) Data() []byte  { return m.rec.Value }

func (m *message) Ack() error { return m.mark() }

func (m *message) Term() error { return m.mark() }

func (m *message) Nak(time.Duration) error {
	m.s.end(fmt.Errorf("record %s/%d@%d nacked", m.rec.Topic, m.rec.Partition, m.rec.Offset))
	return nil
}

func (m *message) mark() error {
	if m.s.ended() {
		return fmt.Errorf("session ended before %s/%d@%d was settled", m.rec.Topic, m.rec.Partition, m.rec.Offset)
	}
	m.s.kcl.MarkCommitRecords(m.rec)
	return nil
}
