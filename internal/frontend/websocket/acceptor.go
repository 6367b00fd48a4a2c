package websocket

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Close code sent when a handler panics.
const CloseInternalError = gorilla.CloseInternalServerErr

// Handler processes one upgraded connection. ServeClient returns when the
// client is done; the Acceptor then closes the connection if the handler
// has not.
type Handler interface {
	ServeClient(ctx context.Context, c *Conn)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, c *Conn)

// ServeClient calls f(ctx, c).
func (f HandlerFunc) ServeClient(ctx context.Context, c *Conn) { f(ctx, c) }

// Options tunes accepted connections.
type Options struct {
	// OutboxSize is the number of frames a client may lag behind.
	OutboxSize int
	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration
	// ReadLimit is the largest inbound frame accepted before the connection
	// is failed; smaller oversize messages are left to the handler.
	ReadLimit int64
	// CloseGrace is how long to wait for the peer's close reply.
	CloseGrace time.Duration
	// CheckOrigin overrides gorilla's same-origin check when non-nil.
	CheckOrigin func(r *http.Request) bool
}

// Acceptor upgrades HTTP requests to websocket connections and dispatches
// each to a Handler.
type Acceptor struct {
	opts     Options
	handler  Handler
	logger   *zap.Logger
	upgrader gorilla.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	conns   map[string]*Conn
	stopped bool
}

// NewAcceptor creates an Acceptor.
//
// Precondition: handler and logger must be non-nil.
// Postcondition: Returns an Acceptor ready to be mounted as an http.Handler.
func NewAcceptor(opts Options, handler Handler, logger *zap.Logger) *Acceptor {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 64 * 1024
	}
	if opts.CloseGrace <= 0 {
		opts.CloseGrace = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Acceptor{
		opts:     opts,
		handler:  handler,
		logger:   logger,
		upgrader: gorilla.Upgrader{CheckOrigin: opts.CheckOrigin},
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[string]*Conn),
	}
}

// ServeHTTP upgrades the request and runs the handler until the client is done.
func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()
	defer a.wg.Done()

	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Debug("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}
	ws.SetReadLimit(a.opts.ReadLimit)

	start := time.Now()
	c := newConn(uuid.NewString(), ws, a.opts.OutboxSize, a.opts.WriteTimeout, a.opts.CloseGrace, a.logger)
	a.track(c)
	go c.writeLoop()

	a.logger.Info("client connected",
		zap.String("client_id", c.ID()),
		zap.String("remote_addr", r.RemoteAddr),
	)

	a.serve(c)

	_ = c.Close()
	<-c.Done()
	_ = ws.Close()
	a.untrack(c)

	a.logger.Info("client disconnected",
		zap.String("client_id", c.ID()),
		zap.Duration("duration", time.Since(start)),
	)
}

// serve runs the handler, converting a panic into an internal-error close.
func (a *Acceptor) serve(c *Conn) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("client handler panicked",
				zap.String("client_id", c.ID()),
				zap.Any("panic", r),
			)
			_ = c.CloseWith(CloseInternalError, "Internal server error")
		}
	}()
	a.handler.ServeClient(a.ctx, c)
}

func (a *Acceptor) track(c *Conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conns[c.ID()] = c
}

func (a *Acceptor) untrack(c *Conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.conns, c.ID())
}

// ActiveCount returns the number of open client connections.
func (a *Acceptor) ActiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conns)
}

// Shutdown refuses new connections, closes every open one with "going away"
// and waits for their handlers to return or ctx to end.
//
// Postcondition: Returns nil once all handlers have returned.
func (a *Acceptor) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	a.stopped = true
	open := make([]*Conn, 0, len(a.conns))
	for _, c := range a.conns {
		open = append(open, c)
	}
	a.mu.Unlock()

	a.cancel()
	for _, c := range open {
		_ = c.CloseWith(gorilla.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.logger.Info("websocket acceptor stopped", zap.Int("closed", len(open)))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d websocket clients: %w", a.ActiveCount(), ctx.Err())
	}
}

// AllowOrigins returns an origin check accepting exactly the listed Origin
// header values. An empty list accepts every origin.
func AllowOrigins(origins []string) func(r *http.Request) bool {
	if len(origins) == 0 {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		_, ok := allowed[r.Header.Get("Origin")]
		return ok
	}
}
