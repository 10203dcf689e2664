// Package conn implements the established, bidirectional proxied
// connection: one TLS-terminated downstream half ferried to one
// plaintext upstream half, advanced one poll at a time.
package conn

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"time"

	"mtls-lb/internal/pool"
)

// State is the connection's lifecycle state. Only OKAY is driven further;
// every other value is terminal and marks the connection for reaping.
type State int

const (
	StateOkay State = iota
	StateDownDisconnect
	StateDownTimeout // reserved, currently unreachable
	StateDownEncErr
	StateUpDisconnect
	StateUpTimeout // reserved, currently unreachable
)

func (s State) String() string {
	switch s {
	case StateOkay:
		return "OKAY"
	case StateDownDisconnect:
		return "DOWN_DISCONNECT"
	case StateDownTimeout:
		return "DOWN_TIMEOUT"
	case StateDownEncErr:
		return "DOWN_ENC_ERR"
	case StateUpDisconnect:
		return "UP_DISCONNECT"
	case StateUpTimeout:
		return "UP_TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the state is no longer OKAY.
func (s State) Terminal() bool { return s != StateOkay }

const ferryBufferSize = 2048
const ferryIOTimeout = 1 * time.Millisecond

// Connection couples a TLS-terminated downstream socket to a plaintext
// upstream socket for one identity against one upstream endpoint.
type Connection struct {
	downstream *tls.Conn
	upstream   net.Conn

	identity   string
	poolID     uint32
	endpointID uint32

	state     State
	startedAt time.Time

	bufPool *pool.BytePool
}

// New couples an already-handshaken downstream connection to a dialed
// upstream connection for identity, on the given pool/endpoint.
func New(downstream *tls.Conn, upstream net.Conn, identity string, poolID, endpointID uint32, bufPool *pool.BytePool) *Connection {
	return &Connection{
		downstream: downstream,
		upstream:   upstream,
		identity:   identity,
		poolID:     poolID,
		endpointID: endpointID,
		state:      StateOkay,
		startedAt:  time.Now(),
		bufPool:    bufPool,
	}
}

// Identity returns the owning identity.
func (c *Connection) Identity() string { return c.identity }

// PoolID returns the upstream pool this connection was promoted against.
func (c *Connection) PoolID() uint32 { return c.poolID }

// EndpointID returns the specific upstream endpoint carrying this flow.
func (c *Connection) EndpointID() uint32 { return c.endpointID }

// State returns the current lifecycle state.
func (c *Connection) State() State { return c.state }

// Terminal reports whether the connection has left OKAY state.
func (c *Connection) Terminal() bool { return c.state.Terminal() }

// Lifetime returns how long the connection has existed.
func (c *Connection) Lifetime() time.Duration { return time.Since(c.startedAt) }

// Close releases both sockets. Safe to call once a connection is terminal.
func (c *Connection) Close() {
	_ = c.downstream.Close()
	_ = c.upstream.Close()
}

// Poll attempts one read from each direction, ordered downstream then
// upstream, writing whatever was read to the other side. It never blocks:
// each socket uses a short deadline and a timeout is treated as "nothing
// to do this poll", exactly like the WouldBlock case of a nonblocking
// socket.
func (c *Connection) Poll() (downBytes, upBytes int64, err error) {
	if c.state != StateOkay {
		return 0, 0, nil
	}

	downBytes = c.ferry(c.downstream, c.upstream, true)
	if c.state != StateOkay {
		return downBytes, upBytes, nil
	}

	upBytes = c.ferry(c.upstream, c.downstream, false)
	return downBytes, upBytes, nil
}

// ferry performs one read attempt from src and, if data was read, one
// write-all attempt to dst. fromDownstream selects which side's error
// classification applies to a read failure; the opposite side's
// classification applies to a write failure, since a failed write means
// the *destination* socket is the one that broke.
func (c *Connection) ferry(src, dst net.Conn, fromDownstream bool) int64 {
	buf := c.buffer()
	defer c.release(buf)

	_ = src.SetReadDeadline(time.Now().Add(ferryIOTimeout))
	n, err := src.Read(buf)
	if err != nil {
		if isWouldBlock(err) {
			return 0
		}
		c.state = classifyReadError(err, fromDownstream)
		return 0
	}
	if n == 0 {
		return 0
	}

	_ = dst.SetWriteDeadline(time.Now().Add(ferryIOTimeout))
	if werr := writeAll(dst, buf[:n]); werr != nil {
		if isWouldBlock(werr) {
			return 0
		}
		c.state = classifyWriteError(werr, fromDownstream)
		return 0
	}

	return int64(n)
}

func (c *Connection) buffer() []byte {
	if c.bufPool != nil {
		return c.bufPool.Get()[:ferryBufferSize]
	}
	return make([]byte, ferryBufferSize)
}

func (c *Connection) release(buf []byte) {
	if c.bufPool != nil {
		c.bufPool.Put(buf)
	}
}

func writeAll(dst net.Conn, buf []byte) error {
	written := 0
	for written < len(buf) {
		n, err := dst.Write(buf[written:])
		written += n
		if err != nil {
			return err
		}
	}
	return nil
}

func isWouldBlock(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// classifyReadError maps a non-WouldBlock read failure to a terminal
// state. fromDownstream is true when the failing read was on the
// downstream (TLS) socket.
func classifyReadError(err error, fromDownstream bool) State {
	if fromDownstream {
		var recordErr tls.RecordHeaderError
		if errors.As(err, &recordErr) {
			return StateDownEncErr
		}
		if errors.Is(err, io.EOF) {
			return StateDownDisconnect
		}
		return StateDownDisconnect
	}
	return StateUpDisconnect
}

// classifyWriteError maps a non-WouldBlock write failure to a terminal
// state. A write fails because its destination broke, so a failed write
// to the downstream socket is a DOWN_* outcome even though the read that
// triggered it came from upstream, and vice versa.
func classifyWriteError(err error, fromDownstream bool) State {
	if fromDownstream {
		// Read succeeded on downstream, write to upstream failed.
		return StateUpDisconnect
	}
	// Read succeeded on upstream, write to downstream failed.
	return StateDownDisconnect
}
