package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/brojonat/fogwatch/service/channel"
)

const backendName = "nats"

// Channel consumes both fog topics from a durable JetStream consumer.
// Client-side reconnect is disabled: a dropped connection closes the
// session and the caller decides when to connect again.
type Channel struct {
	cfg    Config
	logger *slog.Logger
}

// NewChannel creates a JetStream-backed channel.
func NewChannel(cfg Config, logger *slog.Logger) *Channel {
	return &Channel{cfg: cfg.withDefaults(), logger: logger}
}

func (c *Channel) Name() string { return backendName }

// Connect dials NATS, ensures the stream exists, binds the durable consumer
// filtered to topics and starts consuming.
func (c *Channel) Connect(ctx context.Context, topics []string) (channel.Session, error) {
	sessionID := uuid.NewString()
	s := &session{
		id:     sessionID,
		msgs:   make(chan channel.Message, 64),
		done:   make(chan struct{}),
		logger: c.logger.With("session_id", sessionID),
	}

	opts := append(c.cfg.options("fogwatch-ingest-"+sessionID[:8]),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			s.lost(err)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			s.lost(nil)
		}),
	)

	nc, err := nats.Connect(c.cfg.URL, opts...)
	if err != nil {
		return nil, c.connErr(err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, c.connErr(fmt.Errorf("failed to create JetStream context: %w", err))
	}

	if err := ensureStream(ctx, js, c.cfg, c.logger); err != nil {
		nc.Close()
		return nil, c.connErr(err)
	}

	cons, err := js.CreateOrUpdateConsumer(ctx, c.cfg.Stream, jetstream.ConsumerConfig{
		Durable:        c.cfg.Consumer,
		Description:    "fogwatch ingestion coordinator",
		FilterSubjects: topics,
		AckPolicy:      jetstream.AckExplicitPolicy,
		AckWait:        c.cfg.AckWait,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		MaxDeliver:     -1,
	})
	if err != nil {
		nc.Close()
		return nil, c.connErr(fmt.Errorf("failed to create consumer: %w", err))
	}

	cc, err := cons.Consume(s.deliver, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		s.logger.Warn("JetStream consume error", "error", err)
	}))
	if err != nil {
		nc.Close()
		return nil, c.connErr(fmt.Errorf("failed to start consuming: %w", err))
	}

	s.nc = nc
	s.cc = cc

	c.logger.Info("NATS session established",
		"url", c.cfg.URL,
		"stream", c.cfg.Stream,
		"consumer", c.cfg.Consumer,
		"topics", topics,
		"session_id", sessionID,
	)
	return s, nil
}

func (c *Channel) connErr(err error) error {
	return &channel.ConnectionError{Backend: backendName, Addr: c.cfg.URL, Err: err}
}

type session struct {
	id     string
	nc     *nats.Conn
	cc     jetstream.ConsumeContext
	msgs   chan channel.Message
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger

	mu  sync.Mutex
	err error
}

// deliver runs on the consume goroutine and blocks until the coordinator
// takes the message. Messages arriving after the session ended are left
// unacked and redelivered after AckWait.
func (s *session) deliver(msg jetstream.Msg) {
	select {
	case s.msgs <- &message{msg: msg}:
	case <-s.done:
	}
}

func (s *session) lost(err error) {
	s.once.Do(func() {
		if err != nil {
			s.mu.Lock()
			s.err = &channel.ConnectionError{Backend: backendName, Err: err}
			s.mu.Unlock()
		}
		close(s.done)
	})
}

func (s *session) Messages() <-chan channel.Message { return s.msgs }

func (s *session) Done() <-chan struct{} { return s.done }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *session) Close() error {
	if s.cc != nil {
		s.cc.Stop()
	}
	if s.nc != nil {
		s.nc.Close()
	}
	s.lost(nil)
	s.logger.Info("NATS session closed")
	return nil
}

type message struct {
	msg jetstream.Msg
}

func (m *message) Topic() string { return m.msg.Subject() }
func (m *message) Data() []byte  { return m.msg.Data() }
func (m *message) Ack() error    { return m.msg.Ack() }
func (m *message) Term() error   { return m.msg.Term() }

func (m *message) Nak(delay time.Duration) error {
	if delay <= 0 {
		return m.msg.Nak()
	}
	return m.msg.NakWithDelay(delay)
}
