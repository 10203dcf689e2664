package upstream

import (
	"net"
	"testing"
	"time"
)

func TestHealthProberNotListening(t *testing.T) {
	hp := NewHealthProber(0, "127.0.0.1:1")
	now := int64(0)
	hp.Poll(now)
	if hp.Healthy() {
		t.Fatal("expected unhealthy when nothing is listening")
	}
}

func TestHealthProberReplyInTime(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4)
		if _, err := conn.Read(buf); err != nil {
			return
		}
		_, _ = conn.Write([]byte("PONG"))
	}()

	hp := NewHealthProber(0, ln.Addr().String())
	now := int64(0)
	hp.Poll(now) // IDLE -> CONNECTED
	if hp.phase != phaseConnected {
		t.Fatalf("expected CONNECTED after dial, got phase %v", hp.phase)
	}
	hp.Poll(now) // CONNECTED -> PING_SENT
	if hp.phase != phasePingSent {
		t.Fatalf("expected PING_SENT after write, got phase %v", hp.phase)
	}

	// Give the fake server a moment to reply.
	time.Sleep(20 * time.Millisecond)
	hp.Poll(now) // PING_SENT -> IDLE, healthy
	if hp.phase != phaseIdle {
		t.Fatalf("expected IDLE after reply, got phase %v", hp.phase)
	}
	if !hp.Healthy() {
		t.Fatal("expected healthy after PONG within deadline")
	}
}

func TestHealthProberReplyOutOfTime(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		close(accepted)
		// Never reply; hold the connection open past the deadline.
		buf := make([]byte, 4)
		_, _ = conn.Read(buf)
		time.Sleep(2 * time.Second)
		conn.Close()
	}()

	hp := NewHealthProber(0, ln.Addr().String())
	hp.Poll(0) // IDLE -> CONNECTED
	hp.Poll(0) // CONNECTED -> PING_SENT
	<-accepted

	// now has not yet passed sentAt+1, so the prober must keep waiting.
	hp.Poll(0)
	if hp.phase != phasePingSent {
		t.Fatalf("expected still PING_SENT before deadline, got %v", hp.phase)
	}

	// now is past the one-second PONG deadline.
	hp.Poll(2)
	if hp.phase != phaseIdle {
		t.Fatalf("expected IDLE after deadline exceeded, got %v", hp.phase)
	}
	if hp.Healthy() {
		t.Fatal("expected unhealthy after deadline exceeded with no reply")
	}
}

func TestHealthProberDisconnectFromUpstream(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close() // close immediately without replying
	}()

	hp := NewHealthProber(0, ln.Addr().String())
	hp.Poll(0) // IDLE -> CONNECTED
	hp.Poll(0) // CONNECTED -> PING_SENT (write may still succeed on a closed remote briefly)

	time.Sleep(20 * time.Millisecond)
	hp.Poll(0)
	if hp.phase != phaseIdle {
		t.Fatalf("expected IDLE after upstream disconnect, got %v", hp.phase)
	}
	if hp.Healthy() {
		t.Fatal("expected unhealthy after upstream disconnect")
	}
}

func TestHealthProberBucketReprobe(t *testing.T) {
	hp := NewHealthProber(0, "127.0.0.1:1")
	hp.Poll(0)
	if hp.phase != phaseIdle {
		t.Fatalf("expected to stay IDLE when dial fails, got %v", hp.phase)
	}
	if hp.Healthy() {
		t.Fatal("expected unhealthy after first failed dial")
	}

	// Same bucket: must not re-probe.
	hp.idleSince = 0
	hp.forced = false
	hp.Poll(5)
	if hp.idleSince != 0 {
		t.Fatal("expected no reprobe within the same 30-second bucket")
	}

	// Next bucket: must reprobe.
	hp.Poll(31)
	if hp.idleSince != 31 {
		t.Fatal("expected reprobe once the bucket boundary is crossed")
	}
}
