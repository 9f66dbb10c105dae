package nats

import (
	"context"
	"sync"

	"github.com/brojonat/fogwatch/service/events"
)

// MockPublisher is a mock implementation of Publisher for testing.
type MockPublisher struct {
	mu           sync.RWMutex
	transactions []*events.TransactionEvent
	results      []*events.FraudEvent
	publishError error
	closed       bool
}

// NewMockPublisher creates a new mock publisher for testing.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

// PublishTransaction records the event and returns any configured error.
func (m *MockPublisher) PublishTransaction(ctx context.Context, event *events.TransactionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}
	m.transactions = append(m.transactions, event)
	return nil
}

// PublishFraudResult records the event and returns any configured error.
func (m *MockPublisher) PublishFraudResult(ctx context.Context, event *events.FraudEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}
	m.results = append(m.results, event)
	return nil
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Transactions returns a copy of the published transactions.
func (m *MockPublisher) Transactions() []*events.TransactionEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*events.TransactionEvent(nil), m.transactions...)
}

// FraudResults returns a copy of the published fraud results.
func (m *MockPublisher) FraudResults() []*events.FraudEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*events.FraudEvent(nil), m.results...)
}

// SetPublishError configures the mock to fail every publish with err.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

// IsClosed returns whether the publisher has been closed.
func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
