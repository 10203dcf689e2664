// Package identity implements the static identity-to-pool authorization
// table and the per-identity tumbling rate limit and connection set.
package identity

import (
	"math"

	"mtls-lb/internal/logger"
	"mtls-lb/internal/metrics"
)

const (
	rateWindowSeconds = 30
	rateWindowAdmits  = 10
)

// noBucket is a sentinel no real `now/rateWindowSeconds` bucket equals,
// so the first Admit call for an identity always starts a fresh bucket.
const noBucket = math.MinInt64

// Conn is the subset of a promoted connection's behavior the registry
// needs to drive and reap it. Defined here rather than importing the
// conn package, so identity has no dependency on the concrete connection
// type (the engine wires the two together).
type Conn interface {
	Poll() (downBytes, upBytes int64, err error)
	Terminal() bool
	PoolID() uint32
	EndpointID() uint32
}

// Record is one identity's authorization, rate-limit, and live-connection
// state.
type Record struct {
	Email         string
	AllowedPoolID uint32

	rateBucket int64
	rateCount  int

	connections []Conn
}

// Registry is the static identity->pool authorization table plus each
// identity's live rate-limit and connection state.
type Registry struct {
	records map[string]*Record
	log     *logger.Logger

	onBytes func(down, up int64)
}

// New creates an empty registry.
func New(log *logger.Logger) *Registry {
	return &Registry{records: make(map[string]*Record), log: log}
}

// SetByteRecorder installs a callback invoked with the bytes ferried by
// every connection stepped during Poll, for the engine's transfer metrics.
// Byte-transfer metrics are recorded by the engine through this callback;
// the registry itself records only rate-limit rejections.
func (r *Registry) SetByteRecorder(fn func(down, up int64)) {
	r.onBytes = fn
}

// Add registers a known identity and the single upstream pool it is
// authorized to use. Identities not added here are never authorized.
func (r *Registry) Add(email string, allowedPoolID uint32) {
	r.records[email] = &Record{Email: email, AllowedPoolID: allowedPoolID, rateBucket: noBucket}
}

// Authorize reports whether email is a known identity and, if so, which
// pool it may use.
func (r *Registry) Authorize(email string) (poolID uint32, ok bool) {
	rec, found := r.records[email]
	if !found {
		return 0, false
	}
	return rec.AllowedPoolID, true
}

// Admit applies the 30-second tumbling rate-limit window: at most 10
// admissions per bucket per identity. now is a wall-clock second count.
// Admit returns false (and does not count against the window) for an
// unknown identity.
func (r *Registry) Admit(email string, now int64) bool {
	rec, found := r.records[email]
	if !found {
		return false
	}

	bucket := now / rateWindowSeconds
	if bucket == rec.rateBucket {
		if rec.rateCount >= rateWindowAdmits {
			metrics.RecordRateLimitRejection()
			return false
		}
		rec.rateCount++
		return true
	}

	rec.rateBucket = bucket
	rec.rateCount = 1
	return true
}

// AddConnection attributes an established connection to email. The
// caller must have already authorized and admitted the connection.
func (r *Registry) AddConnection(email string, c Conn) {
	rec, found := r.records[email]
	if !found {
		return
	}
	rec.connections = append(rec.connections, c)
}

// Poll drives every live connection for every identity one step, then
// reaps connections that went terminal this poll. It returns the reaped
// connections so the caller (the engine) can release their upstream pool
// slot.
func (r *Registry) Poll() []Conn {
	var reaped []Conn

	for _, rec := range r.records {
		if len(rec.connections) == 0 {
			continue
		}
		kept := rec.connections[:0]
		for _, c := range rec.connections {
			down, up, err := c.Poll()
			if err != nil && r.log != nil {
				r.log.Warn("connection poll error", "identity", rec.Email, "error", err)
			}
			if r.onBytes != nil && (down > 0 || up > 0) {
				r.onBytes(down, up)
			}
			if c.Terminal() {
				reaped = append(reaped, c)
				continue
			}
			kept = append(kept, c)
		}
		rec.connections = kept
	}

	return reaped
}

// ActiveConnectionCount returns the number of live connections across all
// identities, for the admin surface and the global connection cap.
func (r *Registry) ActiveConnectionCount() int {
	n := 0
	for _, rec := range r.records {
		n += len(rec.connections)
	}
	return n
}

// Stats returns a point-in-time snapshot suitable for the admin surface.
func (r *Registry) Stats() map[string]interface{} {
	identities := make([]map[string]interface{}, 0, len(r.records))
	for _, rec := range r.records {
		identities = append(identities, map[string]interface{}{
			"email":           rec.Email,
			"allowed_pool_id": rec.AllowedPoolID,
			"connections":     len(rec.connections),
		})
	}
	return map[string]interface{}{
		"identities": identities,
	}
}
