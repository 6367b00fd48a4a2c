// Package handlers implements the browser-facing message flow: the init
// handshake that binds a connection to a session, and the per-connection
// loop that rate-limits, decodes and dispatches client messages.
package handlers

import (
	"bytes"
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/mudbridge/internal/observability"
	"github.com/cory-johannsen/mudbridge/internal/protocol"
	"github.com/cory-johannsen/mudbridge/internal/session"
)

// Websocket close codes used by the gateway.
const (
	CloseSessionRejected = 4003
	CloseAtCapacity      = 4008
	CloseInternalError   = 1011
	ClosePolicyViolation = 1008
)

// Error messages sent to clients.
const (
	msgInitRequired     = "First message must be init with a publicId"
	msgAlreadyInit      = "Session already initialized"
	msgInvalidMessage   = "Invalid message"
	msgRateLimited      = "Rate limit exceeded"
	msgInternalError    = "Internal server error"
	reasonInitRequired  = "init required"
	reasonInternalError = "internal error"
)

var invalidMessages = map[session.Status]string{
	session.StatusInvalidOwnership: "Session belongs to another client.",
	session.StatusManualDisconnect: "Session was closed.",
	session.StatusMaxSessions:      "Server is at capacity.",
}

// ClientConn is a browser connection served by the Gateway.
type ClientConn interface {
	session.Client
	// ReadMessage blocks for the next inbound message.
	ReadMessage() ([]byte, error)
	// SetReadDeadline bounds ReadMessage; the zero time removes the bound.
	SetReadDeadline(t time.Time) error
	// CloseWith closes after queued frames are written. It must not block.
	CloseWith(code int, reason string) error
}

// Registry resolves public ids to sessions.
type Registry interface {
	GetOrCreate(publicID, ownerToken string) (*session.Session, session.Status, bool)
	ScheduleRemoval(publicID string, delay time.Duration)
}

// GatewayConfig holds the per-connection limits.
type GatewayConfig struct {
	// InitTimeout bounds the wait for the first message; zero waits forever.
	InitTimeout time.Duration
	// RemovalDelay is the grace window between a manual disconnect and removal.
	RemovalDelay time.Duration
	// RateLimitMax messages are admitted per RateLimitWindow.
	RateLimitMax    int
	RateLimitWindow time.Duration
}

// Gateway serves browser connections against a session registry.
type Gateway struct {
	cfg      GatewayConfig
	sessions Registry
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewGateway creates a Gateway. metrics may be nil.
//
// Precondition: sessions and logger must be non-nil; cfg.RateLimitMax >= 1.
// Postcondition: Returns a Gateway ready to serve connections.
func NewGateway(cfg GatewayConfig, sessions Registry, logger *zap.Logger, metrics *observability.Metrics) *Gateway {
	return &Gateway{
		cfg:      cfg,
		sessions: sessions,
		logger:   logger.Named("gateway"),
		metrics:  metrics,
		now:      time.Now,
	}
}

// Serve runs one client connection: the init handshake, then the message
// loop until the client goes away or ctx is cancelled.
//
// Postcondition: On return the client is detached from its session.
func (g *Gateway) Serve(ctx context.Context, c ClientConn) {
	s, ok := g.handshake(c)
	if !ok {
		return
	}
	defer s.Detach(c)

	logger := g.logger.With(
		zap.String("client_id", c.ID()),
		zap.String("public_id", s.PublicID()),
	)
	limiter := NewRateLimiter(g.cfg.RateLimitMax, g.cfg.RateLimitWindow, g.now)

	for {
		raw, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				logger.Debug("client read ended", zap.Error(err))
			}
			return
		}
		s.Touch()

		if !limiter.Allow() {
			g.metrics.RateLimited()
			g.send(c, protocol.Error(msgRateLimited))
			continue
		}

		msg, err := protocol.Decode(raw)
		if err != nil {
			if g.legacyCommand(s, raw) {
				continue
			}
			logger.Debug("rejecting client message", zap.Error(err))
			g.send(c, protocol.Error(msgInvalidMessage))
			continue
		}
		g.dispatch(ctx, logger, s, c, msg)
	}
}

// handshake reads the init message and attaches c to its session.
func (g *Gateway) handshake(c ClientConn) (*session.Session, bool) {
	if g.cfg.InitTimeout > 0 {
		_ = c.SetReadDeadline(g.now().Add(g.cfg.InitTimeout))
	}
	raw, err := c.ReadMessage()
	if err != nil {
		g.logger.Debug("client left before init", zap.String("client_id", c.ID()), zap.Error(err))
		return nil, false
	}
	_ = c.SetReadDeadline(time.Time{})

	msg, err := protocol.Decode(raw)
	init, isInit := msg.(protocol.Init)
	if err != nil || !isInit || init.PublicID == "" {
		g.reject(c, protocol.Error(msgInitRequired), ClosePolicyViolation, reasonInitRequired)
		return nil, false
	}

	s, status, ok := g.sessions.GetOrCreate(init.PublicID, init.Owner)
	if !ok && status == session.StatusInternalError {
		g.reject(c, protocol.Error(msgInternalError), CloseInternalError, reasonInternalError)
		return nil, false
	}
	if !ok {
		code := CloseSessionRejected
		if status == session.StatusMaxSessions {
			code = CloseAtCapacity
		}
		g.reject(c, protocol.SessionInvalid(string(status), invalidMessages[status]), code, string(status))
		return nil, false
	}

	welcome := func(hasHistory bool) protocol.Envelope {
		return protocol.InitOK(init.PublicID, s.OwnerToken(), string(status), hasHistory)
	}
	if err := s.Attach(c, welcome); err != nil {
		g.logger.Error("attaching client",
			zap.String("client_id", c.ID()),
			zap.String("public_id", init.PublicID),
			zap.Error(err),
		)
		_ = c.CloseWith(CloseInternalError, reasonInternalError)
		return nil, false
	}

	g.logger.Info("client attached",
		zap.String("client_id", c.ID()),
		zap.String("public_id", init.PublicID),
		zap.String("status", string(status)),
		zap.String("owner_prefix", observability.TokenPrefix(s.OwnerToken())),
	)
	return s, true
}

// legacyCommand forwards a message that is not a JSON object as a raw command
// when the session is connected. It reports whether raw was consumed.
func (g *Gateway) legacyCommand(s *session.Session, raw []byte) bool {
	if len(raw) > protocol.MaxMessageSize || protocol.IsObject(raw) {
		return false
	}
	if s.State() != session.Connected {
		return false
	}
	if err := s.Command(string(bytes.TrimRight(raw, "\r\n"))); err != nil && !errors.Is(err, session.ErrNotConnected) {
		g.logger.Warn("legacy command failed", zap.String("public_id", s.PublicID()), zap.Error(err))
	}
	return true
}

func (g *Gateway) dispatch(ctx context.Context, logger *zap.Logger, s *session.Session, c ClientConn, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Init:
		g.send(c, protocol.Error(msgAlreadyInit))
	case protocol.Connect:
		if err := s.Connect(ctx); err != nil {
			logger.Info("connect failed", zap.Error(err))
		}
	case protocol.Disconnect:
		if s.Quit(ctx) {
			logger.Info("manual disconnect", zap.String("reason", m.Reason))
			g.sessions.ScheduleRemoval(s.PublicID(), g.cfg.RemovalDelay)
		}
	case protocol.Login:
		if err := s.Login(ctx, m.Username, m.Password); err != nil {
			if errors.Is(err, session.ErrNotConnected) {
				logger.Debug("ignoring login while not connected")
				return
			}
			logger.Warn("login failed", zap.Error(err))
		}
	case protocol.Command:
		if err := s.Command(m.Value); err != nil {
			if errors.Is(err, session.ErrNotConnected) {
				logger.Debug("ignoring command while not connected")
				return
			}
			logger.Warn("command failed", zap.Error(err))
		}
	}
}

func (g *Gateway) send(c ClientConn, env protocol.Envelope) {
	data, err := protocol.Encode(env)
	if err != nil {
		g.logger.Error("encoding event", zap.Error(err))
		return
	}
	if err := c.Push(data); err != nil {
		g.logger.Debug("pushing event", zap.String("client_id", c.ID()), zap.Error(err))
	}
}

func (g *Gateway) reject(c ClientConn, env protocol.Envelope, code int, reason string) {
	g.send(c, env)
	_ = c.CloseWith(code, reason)
	g.logger.Info("client rejected",
		zap.String("client_id", c.ID()),
		zap.Int("code", code),
		zap.String("reason", reason),
	)
}
