// Package websocket carries browser clients over gorilla/websocket: an
// http.Handler that upgrades requests and a Conn with a bounded outbox
// drained by its own writer goroutine.
package websocket

import (
	"errors"
	"fmt"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Errors returned by Push.
var (
	ErrConnClosed = errors.New("websocket connection closed")
	ErrOutboxFull = errors.New("websocket outbox full")
)

// Conn is one browser connection. Frames are written by a dedicated writer
// goroutine in the order they were pushed. Push waits for outbox space for
// at most the write timeout; Close never blocks.
//
// ReadMessage and SetReadDeadline are for the single reader goroutine.
type Conn struct {
	id           string
	ws           *gorilla.Conn
	logger       *zap.Logger
	writeTimeout time.Duration
	closeGrace   time.Duration

	outbox  chan []byte
	closing chan struct{}
	done    chan struct{}

	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string
}

func newConn(id string, ws *gorilla.Conn, outboxSize int, writeTimeout, closeGrace time.Duration, logger *zap.Logger) *Conn {
	if outboxSize <= 0 {
		outboxSize = 64
	}
	return &Conn{
		id:           id,
		ws:           ws,
		logger:       logger.With(zap.String("client_id", id)),
		writeTimeout: writeTimeout,
		closeGrace:   closeGrace,
		outbox:       make(chan []byte, outboxSize),
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
		closeCode:    gorilla.CloseNormalClosure,
	}
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the peer address as a string.
func (c *Conn) RemoteAddr() string { return c.ws.RemoteAddr().String() }

// Push queues one text frame. A full outbox applies back-pressure: Push
// waits for the writer to make room, up to the write timeout.
//
// Postcondition: Returns ErrConnClosed once the connection is closing and
// ErrOutboxFull when no room appeared within the write timeout; the frame is
// dropped in both cases.
func (c *Conn) Push(data []byte) error {
	if c.isClosed() {
		return fmt.Errorf("client %s: %w", c.id, ErrConnClosed)
	}
	select {
	case c.outbox <- data:
		return nil
	default:
	}

	wait := time.NewTimer(c.writeTimeout)
	defer wait.Stop()
	select {
	case c.outbox <- data:
		return nil
	case <-c.closing:
		return fmt.Errorf("client %s: %w", c.id, ErrConnClosed)
	case <-wait.C:
		return fmt.Errorf("client %s: %w after %s", c.id, ErrOutboxFull, c.writeTimeout)
	}
}

// Close closes the connection with a normal closure once queued frames are written.
func (c *Conn) Close() error {
	return c.CloseWith(gorilla.CloseNormalClosure, "session closed")
}

// CloseWith stops accepting frames; the writer flushes what is queued and
// then sends a close frame carrying code and reason. Only the first call has
// an effect.
func (c *Conn) CloseWith(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.closing)
	return nil
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ReadMessage returns the next text or binary message from the peer.
func (c *Conn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

// SetReadDeadline bounds the next ReadMessage; the zero time removes the bound.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// Done is closed when the writer has exited.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) closeFrame() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason
}

// writeLoop drains the outbox until CloseWith, flushes what is still queued,
// then sends the close frame. A write failure abandons the connection.
func (c *Conn) writeLoop() {
	defer close(c.done)
drain:
	for {
		select {
		case data := <-c.outbox:
			if !c.write(data) {
				return
			}
		case <-c.closing:
			break drain
		}
	}
flush:
	for {
		select {
		case data := <-c.outbox:
			if !c.write(data) {
				return
			}
		default:
			break flush
		}
	}

	code, reason := c.closeFrame()
	msg := gorilla.FormatCloseMessage(code, reason)
	if err := c.ws.WriteControl(gorilla.CloseMessage, msg, time.Now().Add(c.writeTimeout)); err != nil {
		c.logger.Debug("sending close frame", zap.Error(err))
		_ = c.ws.Close()
		return
	}
	// Let the reader see the peer's close reply, but not wait on it forever.
	_ = c.ws.SetReadDeadline(time.Now().Add(c.closeGrace))
}

// write sends one frame, abandoning the connection on failure.
func (c *Conn) write(data []byte) bool {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.ws.WriteMessage(gorilla.TextMessage, data); err != nil {
		c.logger.Debug("websocket write failed", zap.Error(err))
		c.abandon()
		return false
	}
	return true
}

// abandon marks the connection closed and closes the socket so the reader
// unblocks. Queued frames are discarded.
func (c *Conn) abandon() {
	_ = c.CloseWith(gorilla.CloseAbnormalClosure, "")
	_ = c.ws.Close()
}
