package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/mudbridge/internal/backend"
	"github.com/cory-johannsen/mudbridge/internal/protocol"
)

const waitFor = 2 * time.Second

// event is a decoded outbound envelope.
type event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type fakeClient struct {
	id string

	mu     sync.Mutex
	events []event
	fail   bool
	closed bool
}

func newFakeClient(id string) *fakeClient { return &fakeClient{id: id} }

func (c *fakeClient) ID() string { return c.id }

func (c *fakeClient) Push(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("client buffer full")
	}
	var ev event
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClient) setFail(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = v
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeClient) snapshot() []event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event(nil), c.events...)
}

// types returns the event types received so far.
func (c *fakeClient) types() []string {
	var out []string
	for _, ev := range c.snapshot() {
		out = append(out, ev.Type)
	}
	return out
}

// lines concatenates the content of every line event.
func (c *fakeClient) lines() string {
	var out string
	for _, ev := range c.snapshot() {
		if ev.Type == "line" {
			out += ev.Payload["content"].(string)
		}
	}
	return out
}

// states returns the value of every state event.
func (c *fakeClient) states() []string {
	var out []string
	for _, ev := range c.snapshot() {
		if ev.Type == "state" {
			out = append(out, ev.Payload["value"].(string))
		}
	}
	return out
}

// systems returns the message of every system event.
func (c *fakeClient) systems() []string {
	var out []string
	for _, ev := range c.snapshot() {
		if ev.Type == "system" {
			out = append(out, ev.Payload["message"].(string))
		}
	}
	return out
}

// fakeLink is an in-memory backend link fed by tests.
type fakeLink struct {
	data      chan []byte
	interrupt chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	sent    []string
	sendErr error
	closes  int
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		data:      make(chan []byte, 64),
		interrupt: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

func (l *fakeLink) Read() ([]byte, error) {
	select {
	case b := <-l.data:
		return b, nil
	case <-l.interrupt:
		return nil, errors.New("i/o timeout")
	case <-l.done:
		return nil, io.EOF
	}
}

func (l *fakeLink) Send(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return l.sendErr
	}
	l.sent = append(l.sent, string(data))
	return nil
}

func (l *fakeLink) Interrupt() {
	select {
	case l.interrupt <- struct{}{}:
	default:
	}
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	l.closes++
	l.mu.Unlock()
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}

// hangup simulates the server closing the connection.
func (l *fakeLink) hangup() { l.closeOnce.Do(func() { close(l.done) }) }

func (l *fakeLink) push(text string) { l.data <- []byte(text) }

func (l *fakeLink) setSendErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sendErr = err
}

func (l *fakeLink) sentLines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.sent...)
}

func (l *fakeLink) closeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closes
}

// linkDialer hands out queued links; with none queued it fails.
type linkDialer struct {
	mu    sync.Mutex
	links []*fakeLink
	dials int
}

func (d *linkDialer) queue(l *fakeLink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.links = append(d.links, l)
}

func (d *linkDialer) Dial(context.Context) (Link, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.links) == 0 {
		return nil, errors.New("connection refused")
	}
	l := d.links[0]
	d.links = d.links[1:]
	return l, nil
}

func (d *linkDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func testOptions(t *testing.T, d Dialer) *Options {
	t.Helper()
	return &Options{
		Dialer:           d,
		Profile:          backend.DefaultProfile(),
		HistoryMaxBytes:  2 * 1024 * 1024,
		HistoryMaxLines:  4000,
		PartialMaxBytes:  64 * 1024,
		CommandMaxLength: 512,
		Logger:           zaptest.NewLogger(t),
	}
}

func testWelcome(hasHistory bool) protocol.Envelope {
	return protocol.InitOK("pub-1", "tok-1", "created", hasHistory)
}

// attach attaches c with a fixed welcome envelope.
func attach(t *testing.T, s *Session, c Client) {
	t.Helper()
	require.NoError(t, s.Attach(c, testWelcome))
}

// connected returns a session already CONNECTED to a fresh fake link.
func connected(t *testing.T) (*Session, *fakeLink) {
	t.Helper()
	d := &linkDialer{}
	l := newFakeLink()
	d.queue(l)
	s := newSession("pub-1", "tok-1", testOptions(t, d))
	t.Cleanup(s.destroy)
	require.NoError(t, s.Connect(context.Background()))
	return s, l
}
