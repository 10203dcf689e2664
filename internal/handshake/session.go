// Package handshake drives a client TLS handshake to completion without
// ever blocking the engine's poll loop, and extracts the peer's identity
// from the completed connection's leaf certificate.
package handshake

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"net"
	"time"
)

// emailAddressOID is the PKCS#9 emailAddress attribute type (RFC 2985),
// carried in the subject DN rather than a SAN extension.
var emailAddressOID = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}

// handshakeStepTimeout bounds a single HandshakeContext call via a real
// socket deadline set on the raw connection, so a not-yet-complete
// handshake returns control to the caller instead of blocking the poll
// loop; a timed-out step is retried on the next Poll. This must be a
// socket deadline rather than a context deadline: crypto/tls's
// HandshakeContext force-closes the underlying connection the instant a
// context deadline fires mid-handshake and latches the resulting error
// for every future call, which would permanently fail any handshake
// whose round trip outlives one step.
const handshakeStepTimeout = 5 * time.Millisecond

// Phase is the handshake session's lifecycle state.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseCompleted
	PhaseFailed
)

// Session is a partial, pre-authorization connection: a raw TCP socket
// wrapped in server-side TLS, driven a little further on every Poll call
// until the handshake completes, fails, or the caller gives up on it.
type Session struct {
	raw  net.Conn
	conn *tls.Conn

	phase     Phase
	identity  string
	failErr   error
	startedAt time.Time
}

// New wraps raw in server-side TLS under cfg and starts a handshake
// session for it. cfg must require and verify a client certificate; the
// session has no authorization opinion of its own.
func New(raw net.Conn, cfg *tls.Config) *Session {
	return &Session{
		raw:       raw,
		conn:      tls.Server(raw, cfg),
		phase:     PhaseInit,
		startedAt: time.Now(),
	}
}

// Phase returns the session's current state.
func (s *Session) Phase() Phase { return s.phase }

// Terminal reports whether the session has left PhaseInit.
func (s *Session) Terminal() bool { return s.phase != PhaseInit }

// Identity returns the peer's extracted identity, valid once Phase() ==
// PhaseCompleted.
func (s *Session) Identity() string { return s.identity }

// Err returns the failure reason, valid once Phase() == PhaseFailed.
func (s *Session) Err() error { return s.failErr }

// Elapsed returns how long the handshake has been in progress.
func (s *Session) Elapsed() time.Duration { return time.Since(s.startedAt) }

// Close releases the underlying socket. Safe to call regardless of phase.
func (s *Session) Close() { _ = s.conn.Close() }

// Take hands over the now-established *tls.Conn to the caller (the
// engine, promoting this session into a Connection). Only valid once
// Phase() == PhaseCompleted.
func (s *Session) Take() *tls.Conn { return s.conn }

// Poll advances the handshake by one step. Go's crypto/tls has no manual,
// partial-handshake API the way some other TLS stacks do; instead each
// Poll call sets a short deadline on the raw socket (the same
// SetReadDeadline/SetWriteDeadline idiom internal/conn and
// internal/upstream use elsewhere) and runs the handshake under
// context.Background(), treating the resulting I/O timeout as "not done
// yet" (the WOULDBLOCK case) and retrying on the next Poll. A context
// deadline must not be used here: HandshakeContext force-closes the
// underlying connection when its context expires mid-handshake, which
// would destroy the socket after one step on any handshake whose round
// trip takes longer than handshakeStepTimeout.
func (s *Session) Poll() {
	if s.phase != PhaseInit {
		return
	}

	_ = s.raw.SetDeadline(time.Now().Add(handshakeStepTimeout))

	err := s.conn.HandshakeContext(context.Background())
	if err == nil {
		identity, idErr := extractEmail(s.conn)
		if idErr != nil {
			s.phase = PhaseFailed
			s.failErr = idErr
			return
		}
		s.identity = identity
		s.phase = PhaseCompleted
		return
	}

	if isWouldBlock(err) {
		return
	}

	s.phase = PhaseFailed
	s.failErr = err
}

func isWouldBlock(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// extractEmail reads the first emailAddress attribute from the peer
// leaf certificate's subject DN. Only the leaf (first presented)
// certificate is consulted; intermediate/CA certificates are ignored.
func extractEmail(conn *tls.Conn) (string, error) {
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return "", fmt.Errorf("handshake: no peer certificate presented")
	}
	leaf := state.PeerCertificates[0]
	return emailFromSubject(leaf)
}

func emailFromSubject(cert *x509.Certificate) (string, error) {
	for _, name := range cert.Subject.Names {
		if name.Type.Equal(emailAddressOID) {
			if s, ok := name.Value.(string); ok && s != "" {
				return s, nil
			}
		}
	}
	return "", fmt.Errorf("handshake: no emailAddress attribute in subject DN")
}
