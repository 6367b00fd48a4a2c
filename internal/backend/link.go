// Package backend owns the TCP connection to the remote MUD and the
// byte-to-line processing of its output.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// ErrLinkClosed is returned by Send after Close.
var ErrLinkClosed = errors.New("backend link closed")

// Dialer opens Links to one backend address.
type Dialer struct {
	// Addr is the backend "host:port".
	Addr string
	// Timeout bounds the connection attempt.
	Timeout time.Duration
	// WriteTimeout bounds each Send; zero disables the deadline.
	WriteTimeout time.Duration
	// ChunkSize is the maximum number of bytes returned by one Read.
	ChunkSize int
}

// Dial connects to the backend.
//
// Precondition: d.Addr must be non-empty.
// Postcondition: Returns an open Link or a non-nil error.
func (d Dialer) Dial(ctx context.Context) (*Link, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return nil, fmt.Errorf("dialing backend %s: %w", d.Addr, err)
	}
	return NewLink(conn, d.ChunkSize, d.WriteTimeout), nil
}

// Link is one open connection to the backend. Read is meant for a single
// reader goroutine; Send may be called concurrently with Read and with itself.
type Link struct {
	raw          net.Conn
	buf          []byte
	writeTimeout time.Duration

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

// NewLink wraps an established connection.
//
// Precondition: raw must be an open connection.
// Postcondition: chunkSize values below 1 fall back to 4096.
func NewLink(raw net.Conn, chunkSize int, writeTimeout time.Duration) *Link {
	if chunkSize < 1 {
		chunkSize = 4096
	}
	return &Link{
		raw:          raw,
		buf:          make([]byte, chunkSize),
		writeTimeout: writeTimeout,
	}
}

// Read blocks until the backend sends data, closes the stream (io.EOF), or
// fails. The returned slice is a copy owned by the caller.
func (l *Link) Read() ([]byte, error) {
	n, err := l.raw.Read(l.buf)
	if n > 0 {
		out := make([]byte, n)
		copy(out, l.buf[:n])
		return out, nil
	}
	return nil, err
}

// Send writes data to the backend.
//
// Postcondition: Returns ErrLinkClosed after Close, or the write error.
func (l *Link) Send(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLinkClosed
	}
	if l.writeTimeout > 0 {
		_ = l.raw.SetWriteDeadline(time.Now().Add(l.writeTimeout))
	}
	if _, err := l.raw.Write(data); err != nil {
		return fmt.Errorf("writing to backend: %w", err)
	}
	return nil
}

// Interrupt unblocks a pending Read, which then returns a timeout error.
func (l *Link) Interrupt() {
	_ = l.raw.SetReadDeadline(time.Now())
}

// Close closes the connection. Subsequent calls return the first result.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		// Closing first unblocks a Send stuck in Write.
		l.closeErr = l.raw.Close()
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
	})
	return l.closeErr
}

// RemoteAddr returns the backend's network address.
func (l *Link) RemoteAddr() net.Addr {
	return l.raw.RemoteAddr()
}
