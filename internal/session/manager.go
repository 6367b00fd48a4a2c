package session

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/cory-johannsen/mudbridge/internal/observability"
)

// Status is the outcome of GetOrCreate.
type Status string

// GetOrCreate outcomes.
const (
	StatusCreated          Status = "created"
	StatusRecovered        Status = "recovered"
	StatusInvalidOwnership Status = "invalid_ownership"
	StatusManualDisconnect Status = "manual_disconnect"
	StatusMaxSessions      Status = "max_sessions"
	// StatusInternalError means the session could not be created, for
	// example because no owner token could be generated.
	StatusInternalError Status = "internal_error"
)

// Removal reasons reported to metrics and logs.
const (
	reasonRemoved   = "removed"
	reasonScheduled = "scheduled"
	reasonSweep     = "sweep"
	reasonInvalid   = "invalidated"
)

// storageTimeout bounds each metadata store call.
const storageTimeout = 5 * time.Second

// ManagerConfig holds registry-wide limits.
type ManagerConfig struct {
	// MaxSessions is the registry capacity.
	MaxSessions int
	// Timeout is how long a session without clients may stay idle.
	Timeout time.Duration
	// CleanupInterval is the sweep cadence used by Start.
	CleanupInterval time.Duration
}

// Manager is the registry of sessions keyed by public id. It creates,
// validates, sweeps and destroys sessions; a session is only ever destroyed
// through its Manager.
//
// All methods are safe for concurrent use.
type Manager struct {
	cfg     ManagerConfig
	opts    *Options
	storage Storage
	logger  *zap.Logger
	metrics *observability.Metrics
	entropy io.Reader

	mu       sync.Mutex
	sessions map[string]*Session

	cronMu sync.Mutex
	cron   *cron.Cron
}

// NewManager creates an empty Manager. A nil storage uses a MemoryStorage.
//
// Precondition: opts must carry a non-nil Dialer and Logger; cfg.MaxSessions >= 1.
// Postcondition: Returns a Manager with an empty registry and no sweeper running.
func NewManager(cfg ManagerConfig, opts Options, storage Storage) *Manager {
	if storage == nil {
		storage = NewMemoryStorage()
	}
	o := opts
	return &Manager{
		cfg:      cfg,
		opts:     &o,
		storage:  storage,
		logger:   opts.Logger.Named("sessions"),
		metrics:  opts.Metrics,
		entropy:  rand.Reader,
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate returns the session for publicID, creating it when absent.
// ok is false when the caller may not use the session; status says why.
//
// A supplied ownerToken must match the session's token; an empty one is
// accepted for an existing session.
//
// Postcondition: When ok is true s is non-nil and registered.
func (m *Manager) GetOrCreate(publicID, ownerToken string) (s *Session, status Status, ok bool) {
	m.mu.Lock()
	s, exists := m.sessions[publicID]
	switch {
	case exists && s.ManualDisconnect():
		m.mu.Unlock()
		return m.reject(publicID, StatusManualDisconnect)
	case exists && ownerToken != "" && !tokensEqual(ownerToken, s.OwnerToken()):
		m.mu.Unlock()
		return m.reject(publicID, StatusInvalidOwnership)
	case exists:
		s.Touch()
		m.mu.Unlock()
		m.logger.Info("session recovered", zap.String("public_id", publicID))
		m.storeActivity(publicID, s.LastActivity())
		return s, StatusRecovered, true
	case len(m.sessions) >= m.cfg.MaxSessions:
		size := len(m.sessions)
		m.mu.Unlock()
		m.logger.Warn("session capacity reached",
			zap.String("public_id", publicID),
			zap.Int("sessions", size),
		)
		m.metrics.SessionRejected(string(StatusMaxSessions))
		return nil, StatusMaxSessions, false
	}

	token, err := newOwnerToken(m.entropy)
	if err != nil {
		m.mu.Unlock()
		m.logger.Error("generating owner token", zap.String("public_id", publicID), zap.Error(err))
		m.metrics.SessionRejected(string(StatusInternalError))
		return nil, StatusInternalError, false
	}
	s = newSession(publicID, token, m.opts)
	m.sessions[publicID] = s
	size := len(m.sessions)
	m.mu.Unlock()

	m.logger.Info("session created",
		zap.String("public_id", publicID),
		zap.String("owner", observability.TokenPrefix(token)),
		zap.Int("sessions", size),
	)
	m.storeSave(s.record())
	return s, StatusCreated, true
}

func (m *Manager) reject(publicID string, status Status) (*Session, Status, bool) {
	m.logger.Warn("session attach rejected",
		zap.String("public_id", publicID),
		zap.String("status", string(status)),
	)
	m.metrics.SessionRejected(string(status))
	return nil, status, false
}

// Get returns the registered session for publicID.
func (m *Manager) Get(publicID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[publicID]
	return s, ok
}

// Remove unregisters and destroys the session for publicID.
//
// Postcondition: Returns false when no session was registered.
func (m *Manager) Remove(publicID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[publicID]
	if ok {
		delete(m.sessions, publicID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.finish(s, reasonRemoved)
	return true
}

// removeIf removes publicID only while it still maps to s.
func (m *Manager) removeIf(publicID string, s *Session, reason string, keep func(*Session) bool) bool {
	m.mu.Lock()
	cur, ok := m.sessions[publicID]
	if !ok || cur != s || (keep != nil && keep(s)) {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, publicID)
	m.mu.Unlock()
	m.finish(s, reason)
	return true
}

// finish destroys an already unregistered session and drops its record.
func (m *Manager) finish(s *Session, reason string) {
	start := time.Now()
	s.destroy()
	m.storeDelete(s.PublicID())
	m.metrics.SessionRemoved(reason)
	m.logger.Info("session removed",
		zap.String("public_id", s.PublicID()),
		zap.String("reason", reason),
		zap.Duration("elapsed", time.Since(start)),
	)
}

// ScheduleRemoval removes the session for publicID after delay, provided the
// registry still holds the same session then. A later call replaces an
// earlier pending removal.
func (m *Manager) ScheduleRemoval(publicID string, delay time.Duration) {
	s, ok := m.Get(publicID)
	if !ok {
		return
	}
	t := time.AfterFunc(delay, func() {
		m.removeIf(publicID, s, reasonScheduled, nil)
	})
	s.setRemovalTimer(t)
	m.logger.Info("session removal scheduled",
		zap.String("public_id", publicID),
		zap.Duration("delay", delay),
	)
}

// SweepInactive removes every session that has no attached clients and has
// been idle for longer than the configured timeout. It returns the number
// of sessions removed.
func (m *Manager) SweepInactive() int {
	start := time.Now()
	now := m.opts.now()
	idle := func(s *Session) bool {
		return s.ClientCount() == 0 && now.Sub(s.LastActivity()) > m.cfg.Timeout
	}

	snapshot := m.snapshot()
	removed := 0
	for _, s := range snapshot {
		if !idle(s) {
			continue
		}
		keep := func(s *Session) bool { return !idle(s) }
		if m.safely(s.PublicID(), func() bool { return m.removeIf(s.PublicID(), s, reasonSweep, keep) }) {
			removed++
		}
	}

	m.logger.Debug("inactivity sweep complete",
		zap.Int("checked", len(snapshot)),
		zap.Int("removed", removed),
		zap.Duration("elapsed", time.Since(start)),
	)
	return removed
}

// InvalidateAll destroys every session and clears the metadata store. A
// failure on one session is logged and does not stop the others.
func (m *Manager) InvalidateAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range all {
		m.safely(s.PublicID(), func() bool {
			m.finish(s, reasonInvalid)
			return true
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()
	recs, err := m.storage.List(ctx)
	if err != nil {
		m.logger.Error("listing stored sessions", zap.Error(err))
		return
	}
	for _, rec := range recs {
		if err := m.storage.Delete(ctx, rec.PublicID); err != nil {
			m.logger.Error("deleting stored session",
				zap.String("public_id", rec.PublicID),
				zap.Error(err),
			)
		}
	}
	m.logger.Info("all sessions invalidated",
		zap.Int("live", len(all)),
		zap.Int("stored", len(recs)),
	)
}

// safely runs fn, logging instead of propagating a panic.
func (m *Manager) safely(publicID string, fn func() bool) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("session operation panicked",
				zap.String("public_id", publicID),
				zap.Any("panic", r),
			)
			ok = false
		}
	}()
	return fn()
}

// Start launches the periodic inactivity sweep.
//
// Postcondition: SweepInactive runs every CleanupInterval until Stop.
func (m *Manager) Start() error {
	m.cronMu.Lock()
	defer m.cronMu.Unlock()
	if m.cron != nil {
		return nil
	}
	c := cron.New()
	schedule := fmt.Sprintf("@every %s", m.cfg.CleanupInterval)
	if _, err := c.AddFunc(schedule, func() { m.SweepInactive() }); err != nil {
		return fmt.Errorf("scheduling inactivity sweep %q: %w", schedule, err)
	}
	c.Start()
	m.cron = c
	m.logger.Info("inactivity sweep started",
		zap.Duration("interval", m.cfg.CleanupInterval),
		zap.Duration("timeout", m.cfg.Timeout),
	)
	return nil
}

// Stop halts the sweep, waits for a running sweep to finish, and destroys
// every session.
func (m *Manager) Stop() {
	m.cronMu.Lock()
	c := m.cron
	m.cron = nil
	m.cronMu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
	m.InvalidateAll()
}

// SessionCount returns the number of registered sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ClientCount returns the number of clients attached across all sessions.
func (m *Manager) ClientCount() int {
	n := 0
	for _, s := range m.snapshot() {
		n += s.ClientCount()
	}
	return n
}

// Snapshot returns status information for every session, ordered by id.
func (m *Manager) Snapshot() []Info {
	sessions := m.snapshot()
	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

func (m *Manager) snapshot() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func (m *Manager) storeSave(rec Record) {
	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()
	if err := m.storage.Save(ctx, rec); err != nil {
		m.logger.Warn("saving session record", zap.String("public_id", rec.PublicID), zap.Error(err))
	}
}

func (m *Manager) storeActivity(publicID string, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()
	if err := m.storage.UpdateLastActivity(ctx, publicID, at); err != nil {
		m.logger.Warn("updating session activity", zap.String("public_id", publicID), zap.Error(err))
	}
}

func (m *Manager) storeDelete(publicID string) {
	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()
	if err := m.storage.Delete(ctx, publicID); err != nil {
		m.logger.Warn("deleting session record", zap.String("public_id", publicID), zap.Error(err))
	}
}

// newOwnerToken returns 32 random bytes as unpadded URL-safe base64.
func newOwnerToken(entropy io.Reader) (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(entropy, b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func tokensEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
