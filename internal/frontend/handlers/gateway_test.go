package handlers

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/mudbridge/internal/backend"
	"github.com/cory-johannsen/mudbridge/internal/observability"
	"github.com/cory-johannsen/mudbridge/internal/session"
	mudtest "github.com/cory-johannsen/mudbridge/internal/testutil"
)

const waitFor = 2 * time.Second

type event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// fakeConn is an in-memory ClientConn. Messages written to in are returned by
// ReadMessage; closing in ends the read loop with io.EOF.
type fakeConn struct {
	id   string
	in   chan []byte
	done chan struct{}

	mu        sync.Mutex
	events    []event
	closed    bool
	code      int
	reason    string
	deadlines []time.Time
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, in: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Push(data []byte) error {
	var ev event
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeConn) Close() error { return c.CloseWith(1000, "session closed") }

func (c *fakeConn) CloseWith(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.code, c.reason = code, reason
	close(c.done)
	return nil
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case msg, ok := <-c.in:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case <-c.done:
		return nil, io.EOF
	}
}

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadlines = append(c.deadlines, t)
	return nil
}

func (c *fakeConn) send(msg string) { c.in <- []byte(msg) }

func (c *fakeConn) snapshot() []event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event(nil), c.events...)
}

func (c *fakeConn) closeInfo() (bool, int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.code, c.reason
}

// waitEvent waits for an event of the given type and returns it.
func (c *fakeConn) waitEvent(t *testing.T, typ string, match func(event) bool) event {
	t.Helper()
	var found event
	require.Eventually(t, func() bool {
		for _, ev := range c.snapshot() {
			if ev.Type == typ && (match == nil || match(ev)) {
				found = ev
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond, "no %s event; got %+v", typ, c.snapshot())
	return found
}

func (c *fakeConn) waitClosed(t *testing.T) (int, string) {
	t.Helper()
	require.Eventually(t, func() bool {
		closed, _, _ := c.closeInfo()
		return closed
	}, waitFor, 5*time.Millisecond)
	_, code, reason := c.closeInfo()
	return code, reason
}

func messageIs(msg string) func(event) bool {
	return func(ev event) bool { return ev.Payload["message"] == msg }
}

func stateIs(value string) func(event) bool {
	return func(ev event) bool { return ev.Payload["value"] == value }
}

type fixture struct {
	gw      *Gateway
	mgr     *session.Manager
	metrics *observability.Metrics
	mud     *mudtest.MudServer
}

func newFixture(t *testing.T, max int, cfg GatewayConfig) *fixture {
	t.Helper()
	mud := mudtest.NewMudServer(t, "Welcome\r\nLogin: ")
	t.Cleanup(mud.Close)

	metrics := observability.NewMetrics()
	logger := zaptest.NewLogger(t)
	mgr := session.NewManager(
		session.ManagerConfig{MaxSessions: max, Timeout: time.Minute, CleanupInterval: time.Minute},
		session.Options{
			Dialer: session.BackendDialer(backend.Dialer{
				Addr:      mud.Addr(),
				Timeout:   time.Second,
				ChunkSize: 4096,
			}),
			Profile:          backend.DefaultProfile(),
			HistoryMaxBytes:  64 * 1024,
			HistoryMaxLines:  1000,
			PartialMaxBytes:  4096,
			CommandMaxLength: 512,
			Logger:           logger,
			Metrics:          metrics,
		},
		nil,
	)
	t.Cleanup(mgr.Stop)

	if cfg.RateLimitMax == 0 {
		cfg.RateLimitMax = 100
	}
	if cfg.RateLimitWindow == 0 {
		cfg.RateLimitWindow = time.Second
	}
	if cfg.RemovalDelay == 0 {
		cfg.RemovalDelay = time.Hour
	}
	return &fixture{
		gw:      NewGateway(cfg, mgr, logger, metrics),
		mgr:     mgr,
		metrics: metrics,
		mud:     mud,
	}
}

// serve runs the gateway on a new fake connection until the test ends.
func (f *fixture) serve(t *testing.T, id string) (*fakeConn, <-chan struct{}) {
	t.Helper()
	c := newFakeConn(id)
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.gw.Serve(context.Background(), c)
	}()
	t.Cleanup(func() {
		_ = c.Close()
		select {
		case <-done:
		case <-time.After(waitFor):
			t.Errorf("gateway did not return for %s", id)
		}
	})
	return c, done
}

// initClient serves a client and completes the handshake for publicID.
func (f *fixture) initClient(t *testing.T, id, publicID, owner string) (*fakeConn, event) {
	t.Helper()
	c, _ := f.serve(t, id)
	c.send(`{"type":"init","payload":{"publicId":"` + publicID + `","owner":"` + owner + `"}}`)
	return c, c.waitEvent(t, "init_ok", nil)
}

func TestGateway_InitRequired(t *testing.T) {
	f := newFixture(t, 5, GatewayConfig{})
	c, done := f.serve(t, "c1")

	c.send(`{"type":"connect"}`)

	c.waitEvent(t, "error", messageIs(msgInitRequired))
	code, reason := c.waitClosed(t)
	assert.Equal(t, ClosePolicyViolation, code)
	assert.Equal(t, reasonInitRequired, reason)
	<-done
	assert.Equal(t, 0, f.mgr.SessionCount())
}

func TestGateway_InitRequiresPublicID(t *testing.T) {
	f := newFixture(t, 5, GatewayConfig{})
	c, _ := f.serve(t, "c1")

	c.send(`{"type":"init","payload":{"publicId":""}}`)

	code, _ := c.waitClosed(t)
	assert.Equal(t, ClosePolicyViolation, code)
}

func TestGateway_InitDeadline(t *testing.T) {
	f := newFixture(t, 5, GatewayConfig{InitTimeout: 30 * time.Second})
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f.gw.now = func() time.Time { return fixed }

	c, _ := f.initClient(t, "c1", "p1", "")

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.deadlines, 2)
	assert.Equal(t, fixed.Add(30*time.Second), c.deadlines[0])
	assert.True(t, c.deadlines[1].IsZero())
}

func TestGateway_InitCreatesSession(t *testing.T) {
	f := newFixture(t, 5, GatewayConfig{})
	c, ok := f.initClient(t, "c1", "p1", "")

	assert.Equal(t, "p1", ok.Payload["publicId"])
	assert.Equal(t, "created", ok.Payload["status"])
	assert.Equal(t, false, ok.Payload["hasHistory"])
	assert.NotEmpty(t, ok.Payload["owner"])

	events := c.snapshot()
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, "state", events[0].Type)
	assert.Equal(t, "DISCONNECTED", events[0].Payload["value"])

	s, found := f.mgr.Get("p1")
	require.True(t, found)
	assert.Equal(t, 1, s.ClientCount())
}

func TestGateway_RecoverWithOwner(t *testing.T) {
	f := newFixture(t, 5, GatewayConfig{})
	_, first := f.initClient(t, "c1", "p1", "")
	owner := first.Payload["owner"].(string)

	_, second := f.initClient(t, "c2", "p1", owner)

	assert.Equal(t, "recovered", second.Payload["status"])
	assert.Equal(t, owner, second.Payload["owner"])
	s, _ := f.mgr.Get("p1")
	assert.Equal(t, 2, s.ClientCount())
}

func TestGateway_WrongOwnerRejected(t *testing.T) {
	f := newFixture(t, 5, GatewayConfig{})
	f.initClient(t, "c1", "p1", "")

	c, _ := f.serve(t, "c2")
	c.send(`{"type":"init","payload":{"publicId":"p1","owner":"not-the-owner"}}`)

	ev := c.waitEvent(t, "session_invalid", nil)
	assert.Equal(t, "invalid_ownership", ev.Payload["reason"])
	assert.Equal(t, "Session belongs to another client.", ev.Payload["message"])
	code, reason := c.waitClosed(t)
	assert.Equal(t, CloseSessionRejected, code)
	assert.Equal(t, "invalid_ownership", reason)
}

func TestGateway_CapacityRejected(t *testing.T) {
	f := newFixture(t, 1, GatewayConfig{})
	f.initClient(t, "c1", "p1", "")

	c, _ := f.serve(t, "c2")
	c.send(`{"type":"init","payload":{"publicId":"p2"}}`)

	ev := c.waitEvent(t, "session_invalid", nil)
	assert.Equal(t, "max_sessions", ev.Payload["reason"])
	assert.Equal(t, "Server is at capacity.", ev.Payload["message"])
	code, _ := c.waitClosed(t)
	assert.Equal(t, CloseAtCapacity, code)
}

// brokenRegistry cannot create sessions.
type brokenRegistry struct{}

func (brokenRegistry) GetOrCreate(string, string) (*session.Session, session.Status, bool) {
	return nil, session.StatusInternalError, false
}

func (brokenRegistry) ScheduleRemoval(string, time.Duration) {}

func TestGateway_RegistryFailureClosesWithInternalError(t *testing.T) {
	f := newFixture(t, 5, GatewayConfig{})
	f.gw.sessions = brokenRegistry{}

	c, _ := f.serve(t, "c1")
	c.send(`{"type":"init","payload":{"publicId":"p1"}}`)

	c.waitEvent(t, "error", messageIs(msgInternalError))
	code, reason := c.waitClosed(t)
	assert.Equal(t, CloseInternalError, code)
	assert.Equal(t, reasonInternalError, reason)
	for _, ev := range c.snapshot() {
		assert.NotEqual(t, "session_invalid", ev.Type)
	}
}

func TestGateway_ConnectCommandAndOutput(t *testing.T) {
	f := newFixture(t, 5, GatewayConfig{})
	c, _ := f.initClient(t, "c1", "p1", "")

	c.send(`{"type":"connect"}`)
	c.waitEvent(t, "state", stateIs("CONNECTED"))
	f.mud.WaitConn(waitFor)
	c.waitEvent(t, "line", func(ev event) bool {
		return strings.Contains(ev.Payload["content"].(string), "Welcome")
	})

	c.send(`{"type":"command","payload":{"value":"look"}}`)
	f.mud.WaitReceived("look\n", waitFor)

	c.send("score\r\n")
	f.mud.WaitReceived("score\n", waitFor)

	// Menu choices arrive as bare numbers.
	c.send("1")
	f.mud.WaitReceived("score\n1\n", waitFor)
	c.send("true")
	f.mud.WaitReceived("1\ntrue\n", waitFor)

	f.mud.Send("You are in a room.\r\n")
	c.waitEvent(t, "line", func(ev event) bool {
		return strings.Contains(ev.Payload["content"].(string), "You are in a room.")
	})
}

func TestGateway_Login(t *testing.T) {
	f := newFixture(t, 5, GatewayConfig{})
	c, _ := f.initClient(t, "c1", "p1", "")

	c.send(`{"type":"connect"}`)
	c.waitEvent(t, "state", stateIs("CONNECTED"))

	c.send(`{"type":"login","payload":{"username":"alice","password":"secret"}}`)
	f.mud.WaitReceived("p\nalice\nsecret\n", waitFor)
}

func TestGateway_CommandWhileDisconnectedIgnored(t *testing.T) {
	f := newFixture(t, 5, GatewayConfig{})
	c, _ := f.initClient(t, "c1", "p1", "")
	before := len(c.snapshot())

	c.send(`{"type":"command","payload":{"value":"look"}}`)
	c.send(`{"type":"login","payload":{"username":"a","password":"b"}}`)
	// A trailing bad message proves the earlier ones were processed.
	c.send(`{"type":"bogus"}`)
	c.waitEvent(t, "error", messageIs(msgInvalidMessage))

	assert.Len(t, c.snapshot(), before+1)
	assert.Empty(t, f.mud.Received())
}

func TestGateway_InvalidMessages(t *testing.T) {
	f := newFixture(t, 5, GatewayConfig{})
	c, _ := f.initClient(t, "c1", "p1", "")

	c.send(`{"type":"bogus"}`)
	c.send("look")
	c.send("1")
	c.send(`{"type":"init","payload":{"publicId":"p1"}}`)

	c.waitEvent(t, "error", messageIs(msgAlreadyInit))
	var invalid int
	for _, ev := range c.snapshot() {
		if ev.Type == "error" && ev.Payload["message"] == msgInvalidMessage {
			invalid++
		}
	}
	assert.Equal(t, 3, invalid)
	assert.Empty(t, f.mud.Received())
	closed, _, _ := c.closeInfo()
	assert.False(t, closed)
}

func TestGateway_RateLimited(t *testing.T) {
	f := newFixture(t, 5, GatewayConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f.gw.now = func() time.Time { return fixed }
	c, _ := f.initClient(t, "c1", "p1", "")

	for i := 0; i < 3; i++ {
		c.send(`{"type":"bogus"}`)
	}

	c.waitEvent(t, "error", messageIs(msgRateLimited))
	assert.Equal(t, 1.0, rateLimitedCount(t, f.metrics))
}

func rateLimitedCount(t *testing.T, m *observability.Metrics) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() == "mudbridge_rate_limited_total" {
			return fam.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func TestGateway_DisconnectSchedulesRemoval(t *testing.T) {
	f := newFixture(t, 5, GatewayConfig{RemovalDelay: time.Hour})
	c, _ := f.initClient(t, "c1", "p1", "")

	c.send(`{"type":"connect"}`)
	c.waitEvent(t, "state", stateIs("CONNECTED"))
	c.send(`{"type":"disconnect","payload":{"reason":"user"}}`)

	f.mud.WaitReceived("quit\n", waitFor)
	c.waitEvent(t, "state", stateIs("DISCONNECTED"))

	// The session is on its way out; it must not dial again.
	before := len(c.snapshot())
	c.send(`{"type":"connect"}`)
	c.send(`{"type":"bogus"}`)
	c.waitEvent(t, "error", messageIs(msgInvalidMessage))
	for _, ev := range c.snapshot()[before:] {
		assert.NotEqual(t, "state", ev.Type)
	}

	other, _ := f.serve(t, "c2")
	other.send(`{"type":"init","payload":{"publicId":"p1"}}`)
	ev := other.waitEvent(t, "session_invalid", nil)
	assert.Equal(t, "manual_disconnect", ev.Payload["reason"])
	code, _ := other.waitClosed(t)
	assert.Equal(t, CloseSessionRejected, code)
}

func TestGateway_RemovalClosesClients(t *testing.T) {
	f := newFixture(t, 5, GatewayConfig{RemovalDelay: time.Millisecond})
	c, _ := f.initClient(t, "c1", "p1", "")

	c.send(`{"type":"connect"}`)
	c.waitEvent(t, "state", stateIs("CONNECTED"))
	c.send(`{"type":"disconnect"}`)

	c.waitClosed(t)
	require.Eventually(t, func() bool { return f.mgr.SessionCount() == 0 }, waitFor, 5*time.Millisecond)
}

func TestGateway_DetachOnReturn(t *testing.T) {
	f := newFixture(t, 5, GatewayConfig{})
	c, done := f.serve(t, "c1")
	c.send(`{"type":"init","payload":{"publicId":"p1"}}`)
	c.waitEvent(t, "init_ok", nil)

	close(c.in)
	<-done

	s, ok := f.mgr.Get("p1")
	require.True(t, ok)
	assert.Equal(t, 0, s.ClientCount())
}

func TestGateway_ClientLeavesBeforeInit(t *testing.T) {
	f := newFixture(t, 5, GatewayConfig{})
	c, done := f.serve(t, "c1")

	close(c.in)
	<-done

	assert.Empty(t, c.snapshot())
	assert.Equal(t, 0, f.mgr.SessionCount())
}
