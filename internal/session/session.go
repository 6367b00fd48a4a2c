// Package session implements the per-player gateway session: one backend
// link, its reader loop, bounded scrollback, and the set of attached
// browser clients, plus the registry that owns session lifecycles.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/cory-johannsen/mudbridge/internal/backend"
	"github.com/cory-johannsen/mudbridge/internal/observability"
	"github.com/cory-johannsen/mudbridge/internal/protocol"
)

// Sentinel errors returned by session operations.
var (
	ErrNotConnected  = errors.New("session is not connected")
	ErrSessionClosed = errors.New("session closed")
)

// Notices broadcast as system events.
const (
	noticeDialFailed   = "Failed to connect to server"
	noticeServerClosed = "Connection closed by server"
	noticeServerKicked = "Disconnected by server"
)

// Options configures every session created by a Manager.
type Options struct {
	Dialer  Dialer
	Profile backend.Profile
	// Prompt overrides Profile.PromptDetector when non-nil.
	Prompt backend.PromptDetector
	// DisconnectMatch overrides Profile.DisconnectMatcher when non-nil.
	DisconnectMatch backend.LineMatcher

	HistoryMaxBytes  int
	HistoryMaxLines  int
	PartialMaxBytes  int
	LoginPacing      time.Duration
	QuitGrace        time.Duration
	CommandMaxLength int

	Logger  *zap.Logger
	Metrics *observability.Metrics
	// Now returns the current time; nil uses time.Now.
	Now func() time.Time
}

func (o *Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Session pairs one backend connection with its scrollback and attached clients.
//
// mu guards every field below it; broadcasts happen while it is held so that
// all clients observe events in production order. opMu serializes operations
// that use the backend link (connect, disconnect, login, command).
type Session struct {
	publicID   string
	ownerToken string
	createdAt  time.Time
	opts       *Options
	logger     *zap.Logger
	codec      *backend.Codec
	prompt     backend.PromptDetector
	marker     backend.LineMatcher

	// life is cancelled when the session is destroyed.
	life       context.Context
	lifeCancel context.CancelFunc

	opMu sync.Mutex

	mu               sync.Mutex
	state            State
	history          *History
	reframer         *backend.Reframer
	decoder          *backend.Decoder
	iac              backend.IACFilter
	clients          map[string]Client
	manualDisconnect bool
	lastActivity     time.Time
	link             Link
	readerCancel     context.CancelFunc
	readerDone       chan struct{}
	removal          *time.Timer
	destroyed        bool
}

// newSession builds a DISCONNECTED session.
//
// Precondition: opts must be non-nil with a non-nil Dialer and Logger.
func newSession(publicID, ownerToken string, opts *Options) *Session {
	prompt := opts.Prompt
	if prompt == nil {
		prompt = opts.Profile.PromptDetector()
	}
	marker := opts.DisconnectMatch
	if marker == nil {
		marker = opts.Profile.DisconnectMatcher()
	}
	codec := opts.Profile.Codec()
	life, cancel := context.WithCancel(context.Background())
	now := opts.now()
	return &Session{
		publicID:     publicID,
		ownerToken:   ownerToken,
		createdAt:    now,
		opts:         opts,
		logger:       opts.Logger.With(zap.String("public_id", publicID)),
		codec:        codec,
		prompt:       prompt,
		marker:       marker,
		life:         life,
		lifeCancel:   cancel,
		state:        Disconnected,
		history:      NewHistory(opts.HistoryMaxBytes, opts.HistoryMaxLines),
		reframer:     backend.NewReframer(opts.PartialMaxBytes, prompt),
		decoder:      codec.NewDecoder(),
		clients:      make(map[string]Client),
		lastActivity: now,
	}
}

// PublicID returns the client-supplied identifier.
func (s *Session) PublicID() string { return s.publicID }

// OwnerToken returns the secret proving the right to reattach.
func (s *Session) OwnerToken() string { return s.ownerToken }

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns the time of the latest attach, client message, or backend data.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// ClientCount returns the number of attached clients.
func (s *Session) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// HistorySize returns the retained scrollback size in bytes.
func (s *Session) HistorySize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Len()
}

// History returns a copy of the retained scrollback.
func (s *Session) History() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.String()
}

// ManualDisconnect reports whether a client has asked to end the session.
func (s *Session) ManualDisconnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manualDisconnect
}

// Touch records client activity.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = s.opts.now()
}

// Attach adds c to the session and sends it the current state, the
// scrollback when there is any, and the envelope built by welcome. The sends
// and the membership change are atomic with respect to broadcasts, so c sees
// no gap and no duplicate between the replay and live events.
//
// Precondition: c and welcome must be non-nil.
// Postcondition: On error c is not attached.
func (s *Session) Attach(c Client, welcome func(hasHistory bool) protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ErrSessionClosed
	}

	hasHistory := s.history.Len() > 0
	envs := []protocol.Envelope{protocol.State(s.state.String())}
	if hasHistory {
		envs = append(envs, protocol.History(s.history.String()))
	}
	envs = append(envs, welcome(hasHistory))

	for _, env := range envs {
		data, err := protocol.Encode(env)
		if err != nil {
			return err
		}
		if err := c.Push(data); err != nil {
			return fmt.Errorf("replaying to client %s: %w", c.ID(), err)
		}
	}

	s.clients[c.ID()] = c
	s.lastActivity = s.opts.now()
	s.logger.Debug("client attached",
		zap.String("client_id", c.ID()),
		zap.Int("clients", len(s.clients)),
		zap.Bool("has_history", hasHistory),
	)
	return nil
}

// Detach removes c from the session if it is attached.
func (s *Session) Detach(c Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.clients[c.ID()]; ok && cur == c {
		delete(s.clients, c.ID())
		s.logger.Debug("client detached",
			zap.String("client_id", c.ID()),
			zap.Int("clients", len(s.clients)),
		)
	}
}

// Transition moves a linked session between CONNECTED and AWAITING_LOGIN,
// broadcasting the change. Moves that open or close the backend link go
// through Connect and Disconnect instead.
//
// Postcondition: Returns ErrInvalidTransition for any other move and
// ErrSessionClosed after destruction.
func (s *Session) Transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ErrSessionClosed
	}
	if err := checkTransition(s.state, to); err != nil {
		return err
	}
	if !s.state.linked() || !to.linked() {
		return fmt.Errorf("%w: %s -> %s requires connect or disconnect", ErrInvalidTransition, s.state, to)
	}
	s.setStateLocked(to)
	return nil
}

// Connect dials the backend when the session is DISCONNECTED and starts the
// reader. In any other state it does nothing. A failed dial leaves the
// session DISCONNECTED with a system notice to clients.
//
// Postcondition: Returns nil when the link is up or no dial was needed, and
// ErrSessionClosed once the session is destroyed or manually disconnected.
func (s *Session) Connect(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.destroyed || s.manualDisconnect {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.state != Disconnected {
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(Connecting)
	s.mu.Unlock()

	dialCtx, stop := context.WithCancel(ctx)
	defer stop()
	unhook := context.AfterFunc(s.life, stop)
	defer unhook()

	start := time.Now()
	link, err := s.opts.Dialer.Dial(dialCtx)
	s.opts.Metrics.BackendDial(err == nil)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed || s.life.Err() != nil {
		if link != nil {
			_ = link.Close()
		}
		return ErrSessionClosed
	}
	if err != nil {
		s.logger.Warn("backend dial failed",
			zap.Error(err),
			zap.Duration("elapsed", time.Since(start)),
		)
		s.setStateLocked(Disconnected)
		s.broadcastLocked(protocol.System(noticeDialFailed))
		return fmt.Errorf("connecting session %s: %w", s.publicID, err)
	}

	s.resetStreamLocked()
	readerCtx, cancel := context.WithCancel(context.Background())
	s.link = link
	s.readerCancel = cancel
	s.readerDone = make(chan struct{})
	s.lastActivity = s.opts.now()
	s.setStateLocked(Connected)
	s.logger.Info("backend connected", zap.Duration("elapsed", time.Since(start)))

	go s.readLoop(readerCtx, link, s.readerDone)
	return nil
}

// Disconnect stops the reader, closes the backend link and moves the session
// to DISCONNECTED. Scrollback is kept. Calling it on a disconnected session
// does nothing.
func (s *Session) Disconnect() {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.disconnect("")
}

// disconnect runs the teardown sequence and broadcasts notice (when
// non-empty) if the state actually changed.
//
// Precondition: s.opMu must be held.
func (s *Session) disconnect(notice string) {
	s.mu.Lock()
	link, cancel, done := s.link, s.readerCancel, s.readerDone
	if cancel != nil {
		cancel()
	}
	s.mu.Unlock()

	if link != nil {
		link.Interrupt()
		if done != nil {
			<-done
		}
		if err := link.Close(); err != nil {
			s.logger.Debug("closing backend link", zap.Error(err))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == link {
		s.link = nil
		s.readerCancel = nil
		s.readerDone = nil
	}
	s.resetStreamLocked()
	if s.setStateLocked(Disconnected) {
		s.logger.Info("backend disconnected")
		if notice != "" {
			s.broadcastLocked(protocol.System(notice))
		}
	}
}

// Login sends the profile's login prelude followed by the credentials, one
// line each, pausing LoginPacing between sends.
//
// Postcondition: Returns ErrNotConnected unless CONNECTED or AWAITING_LOGIN.
func (s *Session) Login(ctx context.Context, username, password string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	lines := []string{s.opts.Profile.LoginPrelude, username, password}
	for i, line := range lines {
		if i > 0 {
			if err := s.sleep(ctx, s.opts.LoginPacing); err != nil {
				return err
			}
		}
		if err := s.sendLine(line, Connected, AwaitingLogin); err != nil {
			return err
		}
	}
	s.logger.Debug("login sequence sent", zap.String("username", username))
	return nil
}

// Command sends value as one line, truncated to CommandMaxLength characters.
//
// Postcondition: Returns ErrNotConnected unless CONNECTED.
func (s *Session) Command(value string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.sendLine(truncateRunes(value, s.opts.CommandMaxLength), Connected)
}

// Quit marks the session non-reattachable, sends the quit command, waits the
// quit grace period and disconnects. It does nothing while DISCONNECTED.
//
// Postcondition: When it returns true the session is DISCONNECTED and
// ManualDisconnect reports true.
func (s *Session) Quit(ctx context.Context) bool {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.destroyed || s.state == Disconnected {
		s.mu.Unlock()
		return false
	}
	s.manualDisconnect = true
	link := s.link
	s.mu.Unlock()
	s.logger.Info("manual disconnect requested")

	if link != nil {
		if err := link.Send(s.codec.Encode(s.opts.Profile.QuitCommand + "\n")); err != nil {
			s.logger.Warn("sending quit command", zap.Error(err))
		}
	}
	// The backend gets its grace period even if the requester goes away.
	_ = s.sleep(context.WithoutCancel(ctx), s.opts.QuitGrace)
	s.disconnect("")
	return true
}

// sendLine writes text plus "\n" when the state is one of allowed. A write
// failure disconnects the session.
//
// Precondition: s.opMu must be held.
func (s *Session) sendLine(text string, allowed ...State) error {
	s.mu.Lock()
	state, link := s.state, s.link
	ok := link != nil
	if ok {
		ok = false
		for _, a := range allowed {
			if state == a {
				ok = true
				break
			}
		}
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w (state %s)", ErrNotConnected, state)
	}

	if err := link.Send(s.codec.Encode(text + "\n")); err != nil {
		s.logger.Warn("backend send failed", zap.Error(err))
		s.disconnect(fmt.Sprintf("Connection error: %v", err))
		return fmt.Errorf("sending to backend: %w", err)
	}
	return nil
}

// sleep waits for d, returning early with an error if ctx ends or the
// session is destroyed.
func (s *Session) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.life.Done():
		return ErrSessionClosed
	}
}

// readLoop pulls backend output until the link ends or ctx is cancelled.
func (s *Session) readLoop(ctx context.Context, link Link, done chan struct{}) {
	defer close(done)
	for {
		data, err := link.Read()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			notice := fmt.Sprintf("Connection error: %v", err)
			if errors.Is(err, io.EOF) {
				notice = noticeServerClosed
			}
			s.logger.Info("backend stream ended", zap.Error(err))
			s.teardownFromReader(ctx, link, notice)
			return
		}
		if len(data) == 0 {
			continue
		}
		if s.handleChunk(ctx, link, data) {
			return
		}
	}
}

// handleChunk decodes, records and broadcasts one chunk. It returns true
// when the reader must stop.
func (s *Session) handleChunk(ctx context.Context, link Link, data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return true
	}

	if s.opts.Profile.StripTelnet {
		data = s.iac.Filter(data)
	}
	text := s.decoder.Decode(data)
	if text == "" {
		return false
	}
	s.lastActivity = s.opts.now()
	s.history.Append(text)

	for _, f := range s.reframer.Feed(text) {
		s.broadcastLocked(protocol.Line(f.Text))
		s.opts.Metrics.Line()
		if f.Kind == backend.FrameLine && s.marker.Match(f.Text) {
			s.logger.Info("backend sent disconnect marker")
			s.teardownLocked(link, noticeServerKicked)
			return true
		}
	}
	return false
}

// teardownFromReader ends the session's link from inside the reader unless
// a concurrent Disconnect already owns the teardown.
func (s *Session) teardownFromReader(ctx context.Context, link Link, notice string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	s.teardownLocked(link, notice)
}

// teardownLocked closes link on behalf of its own reader.
//
// Precondition: s.mu must be held and the caller must be link's reader.
func (s *Session) teardownLocked(link Link, notice string) {
	if s.link != link {
		return
	}
	s.readerCancel()
	if err := link.Close(); err != nil {
		s.logger.Debug("closing backend link", zap.Error(err))
	}
	s.link = nil
	s.readerCancel = nil
	s.readerDone = nil
	s.resetStreamLocked()
	if s.setStateLocked(Disconnected) {
		s.broadcastLocked(protocol.System(notice))
	}
}

// resetStreamLocked clears per-connection decoding state.
//
// Precondition: s.mu must be held.
func (s *Session) resetStreamLocked() {
	s.reframer.Reset()
	s.decoder.Reset()
	s.iac.Reset()
}

// setStateLocked changes state and broadcasts it. It returns false when the
// state was already to.
//
// Precondition: s.mu must be held.
func (s *Session) setStateLocked(to State) bool {
	from := s.state
	if from == to {
		return false
	}
	s.state = to
	s.logger.Debug("state transition",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	s.broadcastLocked(protocol.State(to.String()))
	return true
}

// broadcastLocked encodes env once and pushes it to every client. Clients
// whose push fails are removed and closed after the pass.
//
// Precondition: s.mu must be held.
func (s *Session) broadcastLocked(env protocol.Envelope) {
	if len(s.clients) == 0 {
		return
	}
	data, err := protocol.Encode(env)
	if err != nil {
		s.logger.Error("encoding broadcast", zap.Error(err))
		return
	}

	var failed []Client
	for _, c := range s.clients {
		if err := c.Push(data); err != nil {
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		delete(s.clients, c.ID())
		_ = c.Close()
		s.logger.Info("dropped client after failed send",
			zap.String("client_id", c.ID()),
			zap.String("event", env.Type),
		)
	}
}

// setRemovalTimer replaces the pending deferred-removal timer.
func (s *Session) setRemovalTimer(t *time.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removal != nil {
		s.removal.Stop()
	}
	if s.destroyed {
		t.Stop()
		return
	}
	s.removal = t
}

// destroy tears the session down for good: backend disconnected, scrollback
// cleared, pending removal cancelled and attached clients closed.
func (s *Session) destroy() {
	s.lifeCancel()

	s.opMu.Lock()
	s.disconnect("")
	s.opMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	s.destroyed = true
	s.history.Reset()
	if s.removal != nil {
		s.removal.Stop()
		s.removal = nil
	}
	for id, c := range s.clients {
		_ = c.Close()
		delete(s.clients, id)
	}
	s.logger.Info("session destroyed")
}

// Info is a read-only snapshot of a session for status reporting.
type Info struct {
	SessionID    string    `json:"session_id"`
	State        State     `json:"state"`
	ClientsCount int       `json:"clients_count"`
	LastActivity time.Time `json:"last_activity"`
	HistorySize  int       `json:"history_size"`
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		SessionID:    s.publicID,
		State:        s.state,
		ClientsCount: len(s.clients),
		LastActivity: s.lastActivity,
		HistorySize:  s.history.Len(),
	}
}

func (s *Session) record() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Record{
		PublicID:     s.publicID,
		OwnerToken:   s.ownerToken,
		State:        s.state,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
	}
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}
