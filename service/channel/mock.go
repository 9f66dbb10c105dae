package channel

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Mock is an in-memory Channel for tests. Each Connect opens a new
// MockSession unless a scripted connect error is pending.
type Mock struct {
	mu          sync.Mutex
	connectErrs []error
	sessions    []*MockSession
	changed     chan struct{}
}

// NewMock creates a mock channel.
func NewMock() *Mock {
	return &Mock{changed: make(chan struct{})}
}

func (m *Mock) Name() string { return "mock" }

// FailNextConnects makes the next len(errs) Connect calls fail with errs, in order.
func (m *Mock) FailNextConnects(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErrs = append(m.connectErrs, errs...)
}

func (m *Mock) Connect(ctx context.Context, topics []string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, &ConnectionError{Backend: "mock", Err: err}
	}
	if len(m.connectErrs) > 0 {
		err := m.connectErrs[0]
		m.connectErrs = m.connectErrs[1:]
		return nil, &ConnectionError{Backend: "mock", Err: err}
	}

	s := &MockSession{
		topics: append([]string(nil), topics...),
		msgs:   make(chan Message, 1024),
		done:   make(chan struct{}),
	}
	m.sessions = append(m.sessions, s)
	close(m.changed)
	m.changed = make(chan struct{})
	return s, nil
}

// Sessions returns every session opened so far.
func (m *Mock) Sessions() []*MockSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockSession(nil), m.sessions...)
}

// WaitForSession blocks until at least n sessions have been opened and
// returns the n-th (1-based).
func (m *Mock) WaitForSession(n int, timeout time.Duration) (*MockSession, error) {
	deadline := time.After(timeout)
	for {
		m.mu.Lock()
		if len(m.sessions) >= n {
			s := m.sessions[n-1]
			m.mu.Unlock()
			return s, nil
		}
		changed := m.changed
		m.mu.Unlock()

		select {
		case <-changed:
		case <-deadline:
			return nil, errors.New("timed out waiting for session")
		}
	}
}

// MockSession is a Session whose messages are injected by the test.
type MockSession struct {
	topics []string
	msgs   chan Message
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	err    error
	closed bool
}

// Topics returns the topics the session was opened with.
func (s *MockSession) Topics() []string {
	return s.topics
}

// Send queues a message for delivery and returns it so the test can wait
// for it to be settled.
func (s *MockSession) Send(topic string, data []byte) *MockMessage {
	msg := &MockMessage{topic: topic, data: data, settled: make(chan struct{})}
	s.msgs <- msg
	return msg
}

// Drop simulates a lost connection.
func (s *MockSession) Drop(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

// Closed reports whether Close was called.
func (s *MockSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *MockSession) Messages() <-chan Message { return s.msgs }

func (s *MockSession) Done() <-chan struct{} { return s.done }

func (s *MockSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *MockSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
	return nil
}

// Settlement records how a MockMessage was finished.
type Settlement string

const (
	Pending Settlement = ""
	Acked   Settlement = "ack"
	Naked   Settlement = "nak"
	Termed  Settlement = "term"
)

// MockMessage is a Message that records its settlement.
type MockMessage struct {
	topic string
	data  []byte

	mu       sync.Mutex
	state    Settlement
	nakDelay time.Duration
	settled  chan struct{}
}

func (m *MockMessage) Topic() string { return m.topic }
func (m *MockMessage) Data() []byte  { return m.data }

func (m *MockMessage) Ack() error { return m.settle(Acked, 0) }

func (m *MockMessage) Nak(delay time.Duration) error { return m.settle(Naked, delay) }

func (m *MockMessage) Term() error { return m.settle(Termed, 0) }

func (m *MockMessage) settle(state Settlement, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Pending {
		return errors.New("message already settled")
	}
	m.state = state
	m.nakDelay = delay
	close(m.settled)
	return nil
}

// State returns the current settlement.
func (m *MockMessage) State() Settlement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// NakDelay returns the delay passed to Nak.
func (m *MockMessage) NakDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nakDelay
}

// Wait blocks until the message is settled or timeout elapses and returns
// the settlement.
func (m *MockMessage) Wait(timeout time.Duration) Settlement {
	select {
	case <-m.settled:
	case <-time.After(timeout):
	}
	return m.State()
}
