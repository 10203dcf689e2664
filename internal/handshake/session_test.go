package handshake

import (
	"crypto/tls"
	"net"
	"sync"
	"testing"
	"time"

	"mtls-lb/internal/testcerts"
)

// delayedConn sleeps past the caller's already-set read deadline on its
// first Read call only, simulating a network round trip slow enough that
// a single handshakeStepTimeout step can't absorb it. Later reads behave
// normally, so the handshake still completes once the slow step clears.
type delayedConn struct {
	net.Conn
	once  sync.Once
	delay time.Duration
}

func (d *delayedConn) Read(b []byte) (int, error) {
	d.once.Do(func() { time.Sleep(d.delay) })
	return d.Conn.Read(b)
}

func newServerConfig(t *testing.T, ca *testcerts.CA) *tls.Config {
	t.Helper()
	serverCert, err := ca.IssueServer([]string{"127.0.0.1"})
	if err != nil {
		t.Fatalf("issue server cert: %v", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientCAs:    ca.Pool(),
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
		MaxVersion:   tls.VersionTLS13,
	}
}

func pollUntilTerminal(t *testing.T, s *Session) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.Poll()
		if s.Terminal() {
			return
		}
	}
	t.Fatal("handshake session never reached a terminal phase")
}

func TestSessionCompletesAndExtractsIdentity(t *testing.T) {
	ca, err := testcerts.NewCA()
	if err != nil {
		t.Fatalf("new ca: %v", err)
	}
	clientCert, err := ca.IssueClient("first@first.com")
	if err != nil {
		t.Fatalf("issue client cert: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	rawCh := make(chan net.Conn, 1)
	go func() {
		raw, err := ln.Accept()
		if err == nil {
			rawCh <- raw
		}
	}()

	clientDone := make(chan error, 1)
	go func() {
		c, err := tls.Dial("tcp", ln.Addr().String(), &tls.Config{
			Certificates: []tls.Certificate{clientCert},
			RootCAs:      ca.Pool(),
		})
		if err == nil {
			c.Close()
		}
		clientDone <- err
	}()

	raw := <-rawCh
	s := New(raw, newServerConfig(t, ca))
	pollUntilTerminal(t, s)

	if s.Phase() != PhaseCompleted {
		t.Fatalf("expected PhaseCompleted, got %v (err=%v)", s.Phase(), s.Err())
	}
	if s.Identity() != "first@first.com" {
		t.Fatalf("expected identity first@first.com, got %q", s.Identity())
	}
	<-clientDone
}

// TestSessionSpansMultiplePolls forces the server's read of the client's
// second flight to outlast one handshakeStepTimeout window, proving a
// handshake slower than one step still completes instead of having its
// socket destroyed the way a context-deadline-based HandshakeContext call
// would (see the comment on handshakeStepTimeout).
func TestSessionSpansMultiplePolls(t *testing.T) {
	ca, err := testcerts.NewCA()
	if err != nil {
		t.Fatalf("new ca: %v", err)
	}
	clientCert, err := ca.IssueClient("slow@slow.com")
	if err != nil {
		t.Fatalf("issue client cert: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	rawCh := make(chan net.Conn, 1)
	go func() {
		raw, err := ln.Accept()
		if err == nil {
			rawCh <- raw
		}
	}()

	clientDone := make(chan error, 1)
	go func() {
		c, err := tls.Dial("tcp", ln.Addr().String(), &tls.Config{
			Certificates: []tls.Certificate{clientCert},
			RootCAs:      ca.Pool(),
		})
		if err == nil {
			c.Close()
		}
		clientDone <- err
	}()

	raw := <-rawCh
	slow := &delayedConn{Conn: raw, delay: 10 * handshakeStepTimeout}
	s := New(slow, newServerConfig(t, ca))

	polls := 0
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.Poll()
		polls++
		if s.Terminal() {
			break
		}
	}
	if !s.Terminal() {
		t.Fatal("handshake session never reached a terminal phase")
	}
	if polls < 2 {
		t.Fatalf("expected the injected read delay to force at least 2 Poll calls, got %d", polls)
	}
	if s.Phase() != PhaseCompleted {
		t.Fatalf("expected PhaseCompleted despite a slow first read, got %v (err=%v)", s.Phase(), s.Err())
	}
	if s.Identity() != "slow@slow.com" {
		t.Fatalf("expected identity slow@slow.com, got %q", s.Identity())
	}
	<-clientDone
}

func TestSessionFailsWithoutClientCert(t *testing.T) {
	ca, err := testcerts.NewCA()
	if err != nil {
		t.Fatalf("new ca: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	rawCh := make(chan net.Conn, 1)
	go func() {
		raw, err := ln.Accept()
		if err == nil {
			rawCh <- raw
		}
	}()

	go func() {
		// No client certificate presented at all.
		c, _ := tls.Dial("tcp", ln.Addr().String(), &tls.Config{RootCAs: ca.Pool()})
		if c != nil {
			c.Close()
		}
	}()

	raw := <-rawCh
	s := New(raw, newServerConfig(t, ca))
	pollUntilTerminal(t, s)

	if s.Phase() != PhaseFailed {
		t.Fatalf("expected PhaseFailed without a client certificate, got %v", s.Phase())
	}
}

func TestSessionFailsWithoutEmailAttribute(t *testing.T) {
	ca, err := testcerts.NewCA()
	if err != nil {
		t.Fatalf("new ca: %v", err)
	}
	clientCert, err := ca.IssueClientNoEmail()
	if err != nil {
		t.Fatalf("issue client cert: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	rawCh := make(chan net.Conn, 1)
	go func() {
		raw, err := ln.Accept()
		if err == nil {
			rawCh <- raw
		}
	}()

	go func() {
		c, _ := tls.Dial("tcp", ln.Addr().String(), &tls.Config{
			Certificates: []tls.Certificate{clientCert},
			RootCAs:      ca.Pool(),
		})
		if c != nil {
			c.Close()
		}
	}()

	raw := <-rawCh
	s := New(raw, newServerConfig(t, ca))
	pollUntilTerminal(t, s)

	if s.Phase() != PhaseFailed {
		t.Fatalf("expected PhaseFailed for a certificate with no emailAddress, got %v", s.Phase())
	}
}
