// Package channel abstracts the publish/subscribe transport fog nodes publish on.
//
// A Channel opens Sessions. A Session delivers Messages until its Done channel
// closes, which signals that the connection was lost and the caller should
// reconnect. Backends never reconnect on their own.
package channel

import (
	"context"
	"fmt"
	"time"
)

// Message is one delivery. Exactly one of Ack, Nak or Term should be called.
type Message interface {
	Topic() string
	Data() []byte
	// Ack confirms the message was handled and must not be redelivered.
	Ack() error
	// Nak asks the broker to redeliver after delay.
	Nak(delay time.Duration) error
	// Term drops the message permanently.
	Term() error
}

// Session is a live subscription to a set of topics.
type Session interface {
	Messages() <-chan Message
	// Done is closed when the session ends, either through Close or because
	// the underlying connection was lost.
	Done() <-chan struct{}
	// Err returns the cause of a lost connection, or nil after a clean Close.
	Err() error
	Close() error
}

// Channel opens subscriptions.
type Channel interface {
	// Name identifies the backend in logs and metrics.
	Name() string
	Connect(ctx context.Context, topics []string) (Session, error)
}

// ConnectionError reports a failure to establish or keep a session.
type ConnectionError struct {
	Backend string
	Addr    string
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("%s connection: %v", e.Backend, e.Err)
	}
	return fmt.Sprintf("%s connection to %s: %v", e.Backend, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
