package middleware

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LogThrottle suppresses repeated, non-fatal engine-loop log lines keyed
// by an arbitrary string (upstream.Pool uses "pool:<id>:endpoint:<id>:health"),
// so a flapping endpoint doesn't flood the log once per
// poll. It does not implement the per-identity admission rate limit,
// which is a bespoke 30-second tumbling counter (see internal/identity)
// and is unrelated to this token-bucket log-noise guard.
type LogThrottle struct {
	mu            sync.Mutex
	limiters      map[string]*rate.Limiter
	accessed      map[string]time.Time
	perSec        float64
	burst         int
	cleanupTicker *time.Ticker
	done          chan struct{}
}

// NewLogThrottle creates a throttle allowing perSec log lines per key,
// per second, with the given burst.
func NewLogThrottle(perSec float64, burst int) *LogThrottle {
	if perSec <= 0 {
		perSec = 1
	}
	if burst <= 0 {
		burst = 1
	}

	lt := &LogThrottle{
		limiters: make(map[string]*rate.Limiter),
		accessed: make(map[string]time.Time),
		perSec:   perSec,
		burst:    burst,
		done:     make(chan struct{}),
	}

	lt.cleanupTicker = time.NewTicker(5 * time.Minute)
	go lt.cleanupLoop()

	return lt
}

// Allow reports whether a log line under key may be emitted now.
func (lt *LogThrottle) Allow(key string) bool {
	lt.mu.Lock()
	limiter, exists := lt.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(rate.Limit(lt.perSec), lt.burst)
		lt.limiters[key] = limiter
	}
	lt.accessed[key] = time.Now()
	lt.mu.Unlock()

	return limiter.Allow()
}

func (lt *LogThrottle) cleanupLoop() {
	for {
		select {
		case <-lt.done:
			lt.cleanupTicker.Stop()
			return
		case <-lt.cleanupTicker.C:
			lt.cleanup()
		}
	}
}

func (lt *LogThrottle) cleanup() {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	cutoff := time.Now().Add(-30 * time.Minute)
	for key, lastAccess := range lt.accessed {
		if lastAccess.Before(cutoff) {
			delete(lt.limiters, key)
			delete(lt.accessed, key)
		}
	}
}

// Stop stops the cleanup goroutine.
func (lt *LogThrottle) Stop() {
	close(lt.done)
}

// Stats returns statistics about the throttle's tracked keys.
func (lt *LogThrottle) Stats() map[string]interface{} {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	return map[string]interface{}{
		"active_keys": len(lt.limiters),
		"per_second":  lt.perSec,
		"burst":       lt.burst,
	}
}
