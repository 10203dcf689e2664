package middleware

import (
	"testing"
	"time"
)

func TestNewLogThrottle(t *testing.T) {
	lt := NewLogThrottle(10, 20)
	defer lt.Stop()

	if lt == nil {
		t.Fatal("NewLogThrottle returned nil")
	}
	if lt.perSec != 10 {
		t.Errorf("perSec = %v, want 10", lt.perSec)
	}
	if lt.burst != 20 {
		t.Errorf("burst = %d, want 20", lt.burst)
	}
}

func TestLogThrottleAllow(t *testing.T) {
	lt := NewLogThrottle(2, 2) // 2/sec, burst of 2
	defer lt.Stop()

	if !lt.Allow("pool:0:endpoint:3") {
		t.Error("first log line should be allowed")
	}
	if !lt.Allow("pool:0:endpoint:3") {
		t.Error("second log line should be allowed (burst)")
	}
	if lt.Allow("pool:0:endpoint:3") {
		t.Error("third log line should be throttled")
	}

	time.Sleep(600 * time.Millisecond)
	if !lt.Allow("pool:0:endpoint:3") {
		t.Error("log line after refill should be allowed")
	}
}

func TestLogThrottleKeysAreIndependent(t *testing.T) {
	lt := NewLogThrottle(1, 1)
	defer lt.Stop()

	if !lt.Allow("key-a") {
		t.Error("key-a should be allowed")
	}
	if !lt.Allow("key-b") {
		t.Error("key-b should be allowed independently of key-a")
	}
	if lt.Allow("key-a") {
		t.Error("key-a burst should be exhausted")
	}
}

func TestLogThrottleStats(t *testing.T) {
	lt := NewLogThrottle(10, 20)
	defer lt.Stop()

	lt.Allow("key-a")
	lt.Allow("key-b")

	stats := lt.Stats()
	if active, ok := stats["active_keys"].(int); !ok || active != 2 {
		t.Errorf("active_keys = %v, want 2", stats["active_keys"])
	}
}

func TestLogThrottleStop(t *testing.T) {
	lt := NewLogThrottle(10, 20)
	lt.Stop() // must not panic
	time.Sleep(50 * time.Millisecond)
}

func TestLogThrottleDefaultValues(t *testing.T) {
	lt := NewLogThrottle(0, 0)
	defer lt.Stop()

	if lt.perSec != 1 {
		t.Errorf("default perSec = %v, want 1", lt.perSec)
	}
	if lt.burst != 1 {
		t.Errorf("default burst = %d, want 1", lt.burst)
	}
}
