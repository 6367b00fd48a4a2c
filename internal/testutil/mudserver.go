package testutil

import (
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// MudServer is an in-process stand-in for a remote MUD. It accepts TCP
// connections, records everything clients send, and lets tests push output.
type MudServer struct {
	t  testing.TB
	ln net.Listener

	// Greeting is written to each connection on accept when non-empty.
	greeting string

	accepted chan net.Conn

	mu       sync.Mutex
	conns    []net.Conn
	received strings.Builder
}

// NewMudServer starts a fake MUD on a random loopback port. greeting is sent
// to each new connection when non-empty.
//
// Postcondition: The server is listening; it is shut down by t.Cleanup.
func NewMudServer(t testing.TB, greeting string) *MudServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("starting fake mud: %v", err)
	}
	s := &MudServer{
		t:        t,
		ln:       ln,
		greeting: greeting,
		accepted: make(chan net.Conn, 16),
	}
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

// Addr returns the "host:port" the server listens on.
func (s *MudServer) Addr() string {
	return s.ln.Addr().String()
}

func (s *MudServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		if s.greeting != "" {
			_, _ = conn.Write([]byte(s.greeting))
		}
		go s.readLoop(conn)
		select {
		case s.accepted <- conn:
		default:
		}
	}
}

func (s *MudServer) readLoop(conn net.Conn) {
	buf := make([]byte, 1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.received.Write(buf[:n])
			s.mu.Unlock()
		}
		if err != nil {
			s.forget(conn)
			return
		}
	}
}

func (s *MudServer) forget(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.conns {
		if c == conn {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			break
		}
	}
	_ = conn.Close()
}

// WaitConn waits for the next accepted connection.
//
// Postcondition: Returns the connection or fails the test on timeout.
func (s *MudServer) WaitConn(timeout time.Duration) net.Conn {
	s.t.Helper()
	select {
	case c := <-s.accepted:
		return c
	case <-time.After(timeout):
		s.t.Fatalf("fake mud: no connection within %s", timeout)
		return nil
	}
}

// Send writes text to every open connection.
func (s *MudServer) Send(text string) {
	s.mu.Lock()
	conns := append([]net.Conn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.SetWriteDeadline(time.Now().Add(5 * time.Second))
		_, _ = c.Write([]byte(text))
	}
}

// Received returns everything clients have sent so far.
func (s *MudServer) Received() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received.String()
}

// WaitReceived waits until the received data contains substr.
//
// Postcondition: Returns all received data or fails the test on timeout.
func (s *MudServer) WaitReceived(substr string, timeout time.Duration) string {
	s.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		got := s.Received()
		if strings.Contains(got, substr) {
			return got
		}
		if time.Now().After(deadline) {
			s.t.Fatalf("fake mud: waiting for %q, received %q", substr, got)
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// DropAll closes every connection from the server side.
func (s *MudServer) DropAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// ConnCount returns the number of connections whose client end is still open.
func (s *MudServer) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops listening and drops all connections.
func (s *MudServer) Close() {
	if err := s.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.t.Logf("fake mud: closing listener: %v", err)
	}
	s.DropAll()
}

// ClosedAddr returns a loopback address with nothing listening on it.
func ClosedAddr(t testing.TB) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving port: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}
