// Package upstream implements the per-identity upstream pool: endpoint
// bookkeeping, least-connections-among-healthy selection, and the active
// health probes that feed it.
package upstream

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"mtls-lb/internal/circuit"
	"mtls-lb/internal/logger"
	"mtls-lb/internal/metrics"
	"mtls-lb/internal/middleware"
)

// Endpoint is one plaintext TCP destination within a pool.
type Endpoint struct {
	ID      uint32
	Address string
}

// BreakerConfig controls the per-endpoint circuit breaker adapted from
// internal/circuit. Zero value disables breaker enforcement (Allow always
// true).
type BreakerConfig struct {
	Enabled          bool
	MaxFailures      int32
	ResetTimeout     time.Duration
	SuccessThreshold int32
}

// Pool is an ordered set of upstream endpoints sharing a pool id. It owns
// a HealthProber and a circuit breaker per endpoint and answers
// least-loaded-healthy queries for the engine's promotion step.
type Pool struct {
	id uint32

	mu           sync.Mutex
	endpoints    map[uint32]string
	order        []uint32
	activeCounts map[uint32]int
	probers      map[uint32]*HealthProber
	breakers     map[uint32]*circuit.Breaker

	log               *logger.Logger
	healthLogThrottle *middleware.LogThrottle
}

// New creates an empty pool identified by id. Health transition log lines
// are throttled to at most one per endpoint per second, so a flapping
// endpoint cannot flood the log between health-probe cycles.
func New(id uint32, log *logger.Logger) *Pool {
	return &Pool{
		id:           id,
		endpoints:    make(map[uint32]string),
		activeCounts: make(map[uint32]int),
		probers:      make(map[uint32]*HealthProber),
		breakers:     make(map[uint32]*circuit.Breaker),
		log:          log,
		healthLogThrottle: middleware.NewLogThrottle(1, 1),
	}
}

// ID returns the pool's id.
func (p *Pool) ID() uint32 { return p.id }

// AddEndpoint registers an endpoint and starts a HealthProber for it. bc
// configures the endpoint's circuit breaker; bc.Enabled == false yields a
// breaker that never trips.
func (p *Pool) AddEndpoint(id uint32, address string, bc BreakerConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.endpoints[id]; !exists {
		p.order = append(p.order, id)
	}
	p.endpoints[id] = address
	p.probers[id] = NewHealthProber(id, address)

	maxFailures := bc.MaxFailures
	resetTimeout := bc.ResetTimeout
	successThresh := bc.SuccessThreshold
	if !bc.Enabled {
		// A breaker that never reaches maxFailures never opens.
		maxFailures = 1 << 30
	}
	p.breakers[id] = circuit.New(maxFailures, resetTimeout, successThresh)
}

// Acquire selects the least-loaded healthy, breaker-admitted endpoint.
// Endpoints never previously acquired are preferred over any endpoint
// with a recorded active count, matching the cold-start rule. Among a
// tied group the lowest endpoint id wins, giving an arbitrary but
// deterministic tie-break.
func (p *Pool) Acquire() (id uint32, address string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var neverUsed []uint32
	var used []uint32

	for _, eid := range p.order {
		prober := p.probers[eid]
		if prober == nil || !prober.Healthy() {
			continue
		}
		breaker := p.breakers[eid]
		if breaker != nil && !breaker.Allow() {
			continue
		}
		if _, recorded := p.activeCounts[eid]; recorded {
			used = append(used, eid)
		} else {
			neverUsed = append(neverUsed, eid)
		}
	}

	if len(neverUsed) > 0 {
		sort.Slice(neverUsed, func(i, j int) bool { return neverUsed[i] < neverUsed[j] })
		id = neverUsed[0]
		return id, p.endpoints[id], true
	}

	if len(used) == 0 {
		return 0, "", false
	}

	sort.Slice(used, func(i, j int) bool {
		ci, cj := p.activeCounts[used[i]], p.activeCounts[used[j]]
		if ci != cj {
			return ci < cj
		}
		return used[i] < used[j]
	})
	id = used[0]
	return id, p.endpoints[id], true
}

// RecordAcquire increments the active-connection count for an endpoint,
// creating its counter entry if this is the endpoint's first use.
func (p *Pool) RecordAcquire(id uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeCounts[id]++
	metrics.SetEndpointActiveConnections(strconv.Itoa(int(p.id)), strconv.Itoa(int(id)), p.activeCounts[id])
}

// RecordRelease decrements the active-connection count for an endpoint.
// The counter floors at zero and its entry is never removed, so the
// endpoint remains "used" for cold-start purposes.
func (p *Pool) RecordRelease(id uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.activeCounts[id] > 0 {
		p.activeCounts[id]--
	}
	metrics.SetEndpointActiveConnections(strconv.Itoa(int(p.id)), strconv.Itoa(int(id)), p.activeCounts[id])
}

// RecordDialSuccess reports that a dial to endpoint id succeeded, for
// circuit breaker bookkeeping.
func (p *Pool) RecordDialSuccess(id uint32) {
	p.mu.Lock()
	b := p.breakers[id]
	p.mu.Unlock()
	if b != nil {
		b.RecordSuccess()
	}
}

// RecordDialFailure reports that a dial to endpoint id failed, for
// circuit breaker bookkeeping.
func (p *Pool) RecordDialFailure(id uint32, err error) {
	p.mu.Lock()
	b := p.breakers[id]
	p.mu.Unlock()
	if b != nil {
		b.RecordFailure(err)
	}
}

// Poll drives every member endpoint's HealthProber one step. It must be
// called from the engine's single poll thread.
func (p *Pool) Poll(now int64) {
	p.mu.Lock()
	probers := make([]*HealthProber, 0, len(p.probers))
	for _, eid := range p.order {
		probers = append(probers, p.probers[eid])
	}
	p.mu.Unlock()

	for _, prober := range probers {
		before := prober.Healthy()
		prober.Poll(now)
		after := prober.Healthy()
		metrics.SetEndpointHealth(strconv.Itoa(int(p.id)), strconv.Itoa(int(prober.EndpointID())), after)
		if before != after && p.log != nil {
			key := fmt.Sprintf("pool:%d:endpoint:%d:health", p.id, prober.EndpointID())
			if p.healthLogThrottle.Allow(key) {
				p.log.Info("endpoint health changed",
					"pool_id", p.id, "endpoint_id", prober.EndpointID(), "healthy", after)
			}
		}
	}
}

// HealthyCount returns the number of member endpoints currently healthy.
func (p *Pool) HealthyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, prober := range p.probers {
		if prober.Healthy() {
			n++
		}
	}
	return n
}

// Size returns the number of member endpoints.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.endpoints)
}

// Stats returns a point-in-time snapshot suitable for the admin surface.
func (p *Pool) Stats() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	endpoints := make([]map[string]interface{}, 0, len(p.order))
	for _, eid := range p.order {
		breakerState := "disabled"
		if b := p.breakers[eid]; b != nil {
			switch b.State() {
			case circuit.Open:
				breakerState = "open"
			case circuit.HalfOpen:
				breakerState = "half-open"
			default:
				breakerState = "closed"
			}
		}
		endpoints = append(endpoints, map[string]interface{}{
			"id":               eid,
			"address":          p.endpoints[eid],
			"active_count":     p.activeCounts[eid],
			"healthy":          p.probers[eid].Healthy(),
			"circuit_breaker":  breakerState,
		})
	}

	return map[string]interface{}{
		"pool_id":   p.id,
		"endpoints": endpoints,
	}
}
