package session

import (
	"context"

	"github.com/cory-johannsen/mudbridge/internal/backend"
)

// Client is one attached browser connection as seen by a session.
type Client interface {
	// ID identifies the client for set membership.
	ID() string
	// Push queues an encoded event for delivery. It may wait briefly for a
	// lagging reader but must give up within a bounded time; an error means
	// the client is gone.
	Push(data []byte) error
	// Close ends the connection. It must not block.
	Close() error
}

// Link is an open backend connection.
type Link interface {
	Read() ([]byte, error)
	Send(data []byte) error
	Interrupt()
	Close() error
}

// Dialer opens backend links.
type Dialer interface {
	Dial(ctx context.Context) (Link, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context) (Link, error)

// Dial calls f(ctx).
func (f DialFunc) Dial(ctx context.Context) (Link, error) { return f(ctx) }

// BackendDialer adapts a backend.Dialer to Dialer.
func BackendDialer(d backend.Dialer) Dialer {
	return DialFunc(func(ctx context.Context) (Link, error) {
		l, err := d.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return l, nil
	})
}
