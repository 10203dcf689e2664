// Package engine implements the single-threaded, poll-driven connection
// engine: the top-level loop that accepts downstream TLS connections,
// drives handshakes to completion, promotes them into proxied
// Connections against a selected upstream endpoint, and steps every live
// Connection and HealthProber once per tick.
package engine

import (
	"context"
	"crypto/tls"
	"net"
	"sync/atomic"
	"time"

	"mtls-lb/internal/config"
	"mtls-lb/internal/conn"
	"mtls-lb/internal/handshake"
	"mtls-lb/internal/identity"
	"mtls-lb/internal/logger"
	"mtls-lb/internal/metrics"
	"mtls-lb/internal/middleware"
	"mtls-lb/internal/pool"
	"mtls-lb/internal/retry"
	"mtls-lb/internal/upstream"
)

// upstreamConnectTimeout bounds the promotion-time dial to the chosen
// upstream endpoint. Exceeding it drops the candidate connection without
// incrementing any pool counter.
const upstreamConnectTimeout = 100 * time.Millisecond

// acceptPollTimeout is the deadline set on the listener before each
// Accept call during the accept phase, standing in for O_NONBLOCK +
// WOULDBLOCK the way the rest of this engine uses socket deadlines.
const acceptPollTimeout = 1 * time.Millisecond

// ferryBufferSize matches the Connection's fixed 2048-byte read size.
const ferryBufferSize = 2048

// Engine is the top-level root object: it exclusively owns the listener,
// all in-flight HandshakeSessions, every UpstreamPool, and the
// IdentityRegistry. There are no other owners and no locks; every
// mutation happens on the single goroutine that calls Poll/Run.
type Engine struct {
	listenAddr string
	bindRetry  config.RetryConfig
	tlsConfig  *tls.Config

	listener net.Listener

	pools     map[uint32]*upstream.Pool
	poolOrder []uint32
	registry  *identity.Registry

	globalLimiter *middleware.GlobalLimiter
	bufPool       *pool.BytePool

	sessions []*handshake.Session

	pollInterval time.Duration
	log          *logger.Logger

	pollCount uint64
	snapshot  atomic.Pointer[Snapshot]
}

// New builds an Engine from a loaded configuration and a prepared mTLS
// server config. It does not bind the listener; call Run or Bind for
// that.
func New(cfg config.Config, tlsConfig *tls.Config, log *logger.Logger) *Engine {
	registry := identity.New(log)
	for _, idc := range cfg.Identities {
		registry.Add(idc.Email, idc.PoolID)
	}
	registry.SetByteRecorder(func(down, up int64) {
		if down > 0 {
			metrics.RecordBytesTransferred("downstream_to_upstream", down)
		}
		if up > 0 {
			metrics.RecordBytesTransferred("upstream_to_downstream", up)
		}
	})

	bc := upstream.BreakerConfig{
		Enabled:          cfg.CircuitBreaker.Enabled,
		MaxFailures:      cfg.CircuitBreaker.MaxFailures,
		ResetTimeout:     cfg.CircuitBreaker.ResetTimeout.AsDuration(),
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
	}

	pools := make(map[uint32]*upstream.Pool, len(cfg.Pools))
	order := make([]uint32, 0, len(cfg.Pools))
	for _, pc := range cfg.Pools {
		p := upstream.New(pc.ID, log)
		for _, ep := range pc.Endpoints {
			p.AddEndpoint(ep.ID, ep.Address, bc)
		}
		pools[pc.ID] = p
		order = append(order, pc.ID)
	}

	e := &Engine{
		listenAddr:    cfg.ListenAddr,
		bindRetry:     cfg.ListenBindRetry,
		tlsConfig:     tlsConfig,
		pools:         pools,
		poolOrder:     order,
		registry:      registry,
		globalLimiter: middleware.NewGlobalLimiter(int64(cfg.GlobalConnectionLimit)),
		bufPool:       pool.New(ferryBufferSize),
		pollInterval:  cfg.PollInterval.AsDuration(),
		log:           log,
	}
	e.snapshot.Store(&Snapshot{})
	return e
}

// Bind resolves the listener, retrying the initial bind with exponential
// backoff (covering the transient "address already in use" case across a
// restart). Only startup uses retry; nothing inside Poll ever retries.
func (e *Engine) Bind(ctx context.Context) error {
	rc := retry.Config{
		MaxAttempts:  e.bindRetry.MaxAttempts,
		InitialDelay: e.bindRetry.InitialDelay.AsDuration(),
		MaxDelay:     e.bindRetry.MaxDelay.AsDuration(),
		Multiplier:   2.0,
	}
	return retry.Do(ctx, rc, func() error {
		ln, err := net.Listen("tcp", e.listenAddr)
		if err != nil {
			return err
		}
		e.listener = ln
		return nil
	})
}

// Addr returns the bound listener's address. Valid only after Bind/Run
// has succeeded at least once; used by tests that bind to ":0".
func (e *Engine) Addr() net.Addr {
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

// Run binds the listener if needed, then polls until ctx is cancelled or
// a fatal (non-WOULDBLOCK) listener error occurs.
func (e *Engine) Run(ctx context.Context) error {
	if e.listener == nil {
		if err := e.Bind(ctx); err != nil {
			return err
		}
	}
	defer e.listener.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := e.Poll(); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.pollInterval):
		}
	}
}

// Poll executes the engine's six phases exactly once: accept, drive
// identities, drive pools, drive handshakes, reap failed handshakes,
// promote completed handshakes. A non-WOULDBLOCK listener error is
// returned to the caller (fatal to the poll loop); every other error
// kind is absorbed and surfaces only as a state transition or a log line.
func (e *Engine) Poll() error {
	if err := e.acceptPhase(); err != nil {
		return err
	}
	e.driveIdentitiesPhase()
	e.drivePoolsPhase()
	completed := e.driveHandshakesPhase()
	e.promotePhase(completed)

	e.pollCount++
	e.publishSnapshot()
	return nil
}

// acceptPhase drains the listener's ready queue. A short deadline stands
// in for a nonblocking accept: once Accept reports a timeout, the drain
// ends for this tick.
func (e *Engine) acceptPhase() error {
	type deadliner interface {
		SetDeadline(time.Time) error
	}

	for {
		if dl, ok := e.listener.(deadliner); ok {
			_ = dl.SetDeadline(time.Now().Add(acceptPollTimeout))
		}

		raw, err := e.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil
			}
			return err
		}

		if tcpConn, ok := raw.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
		}

		e.sessions = append(e.sessions, handshake.New(raw, e.tlsConfig))
	}
}

// driveIdentitiesPhase steps every live connection and releases the pool
// counter for every one that went terminal this tick.
func (e *Engine) driveIdentitiesPhase() {
	reaped := e.registry.Poll()
	for _, c := range reaped {
		if p, ok := e.pools[c.PoolID()]; ok {
			p.RecordRelease(c.EndpointID())
		}
		e.globalLimiter.Release()

		if pc, ok := c.(*conn.Connection); ok {
			metrics.RecordConnectionEnd(pc.State().String(), pc.Lifetime().Seconds())
			e.log.Info("connection reaped",
				"identity", pc.Identity(), "pool_id", pc.PoolID(), "endpoint_id", pc.EndpointID(),
				"state", pc.State().String())
			pc.Close()
		}
	}
}

// drivePoolsPhase steps every HealthProber owned by every pool.
func (e *Engine) drivePoolsPhase() {
	now := time.Now().Unix()
	for _, id := range e.poolOrder {
		e.pools[id].Poll(now)
	}
}

// driveHandshakesPhase steps every in-flight handshake and returns the
// ones that completed this tick, in their original collection order.
// Failed sessions are closed and dropped here; the pending-session list
// is rebuilt from scratch rather than index-mutated, which is the fix
// for the double-mutation defect this design explicitly must not
// reproduce (see DESIGN.md).
func (e *Engine) driveHandshakesPhase() []*handshake.Session {
	remaining := e.sessions[:0:0]
	var completed []*handshake.Session

	for _, s := range e.sessions {
		s.Poll()
		switch s.Phase() {
		case handshake.PhaseInit:
			remaining = append(remaining, s)
		case handshake.PhaseCompleted:
			metrics.RecordHandshake(s.Elapsed().Seconds())
			completed = append(completed, s)
		case handshake.PhaseFailed:
			metrics.RecordHandshake(s.Elapsed().Seconds())
			metrics.RecordAuthFailure()
			e.log.Info("handshake failed", "error", s.Err())
			s.Close()
		}
	}

	e.sessions = remaining
	return completed
}

// promotePhase resolves identity, pool, and upstream endpoint for each
// completed handshake, in reverse collection order, and either builds a
// live Connection or drops the session with a logged, metered reason.
func (e *Engine) promotePhase(completed []*handshake.Session) {
	for i := len(completed) - 1; i >= 0; i-- {
		e.promote(completed[i])
	}
}

func (e *Engine) promote(s *handshake.Session) {
	identityEmail := s.Identity()

	poolID, ok := e.registry.Authorize(identityEmail)
	if !ok {
		metrics.RecordAuthFailure()
		e.drop(s, "unknown_identity", identityEmail)
		return
	}

	p, ok := e.pools[poolID]
	if !ok {
		e.drop(s, "missing_pool", identityEmail)
		return
	}

	endpointID, address, ok := p.Acquire()
	if !ok {
		e.drop(s, "no_healthy_upstream", identityEmail)
		return
	}

	upConn, err := net.DialTimeout("tcp", address, upstreamConnectTimeout)
	if err != nil {
		p.RecordDialFailure(endpointID, err)
		e.drop(s, "upstream_connect_failed", identityEmail)
		return
	}
	p.RecordDialSuccess(endpointID)
	if tcpConn, ok := upConn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	downstream := s.Take()
	c := conn.New(downstream, upConn, identityEmail, poolID, endpointID, e.bufPool)

	p.RecordAcquire(endpointID)

	if err := e.globalLimiter.Acquire(); err != nil {
		p.RecordRelease(endpointID)
		metrics.RecordConnectionLimitRejection()
		e.log.Info("promotion dropped", "reason", "connection_limit", "identity", identityEmail)
		c.Close()
		return
	}

	if !e.registry.Admit(identityEmail, time.Now().Unix()) {
		p.RecordRelease(endpointID)
		e.globalLimiter.Release()
		e.log.Info("promotion dropped", "reason", "rate_limited", "identity", identityEmail)
		c.Close()
		return
	}

	e.registry.AddConnection(identityEmail, c)
	metrics.RecordConnectionStart()
	e.log.Info("connection promoted",
		"identity", identityEmail, "pool_id", poolID, "endpoint_id", endpointID)
}

func (e *Engine) drop(s *handshake.Session, reason, identityEmail string) {
	metrics.RecordPromotionDrop(reason)
	e.log.Info("promotion dropped", "reason", reason, "identity", identityEmail)
	s.Close()
}

// Registry exposes the identity registry for the admin surface.
func (e *Engine) Registry() *identity.Registry { return e.registry }

// Pools exposes the pool table for the admin surface.
func (e *Engine) Pools() map[uint32]*upstream.Pool { return e.pools }

// Snapshot is a point-in-time view of engine state safe to read from a
// goroutine other than the poll loop (the admin HTTP server).
type Snapshot struct {
	PollCount         uint64
	ActiveConnections int
	PendingHandshakes int
	GlobalActive      int64
	Ready             bool
	Pools             []map[string]interface{}
}

func (e *Engine) publishSnapshot() {
	pools := make([]map[string]interface{}, 0, len(e.poolOrder))
	for _, id := range e.poolOrder {
		pools = append(pools, e.pools[id].Stats())
	}
	e.snapshot.Store(&Snapshot{
		PollCount:         e.pollCount,
		ActiveConnections: e.registry.ActiveConnectionCount(),
		PendingHandshakes: len(e.sessions),
		GlobalActive:      e.globalLimiter.Active(),
		Ready:             e.pollCount > 0,
		Pools:             pools,
	})
}

// Snapshot returns the most recently published point-in-time view.
// Safe for concurrent use.
func (e *Engine) Snapshot() Snapshot {
	return *e.snapshot.Load()
}
