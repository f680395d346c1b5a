package heartbeat

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestEnvelope_RoundTrip(t *testing.T) {
	now := time.Now()
	data := PingPayload(now)

	env, ok := ParseEnvelope(data)
	if !ok {
		t.Fatal("ParseEnvelope rejected a ping payload")
	}
	if env.Type != TypePing {
		t.Errorf("Type = %q, want %q", env.Type, TypePing)
	}
	if env.Timestamp != now.UnixMilli() {
		t.Errorf("Timestamp = %d, want %d", env.Timestamp, now.UnixMilli())
	}
}

func TestEnvelope_RejectsApplicationPayloads(t *testing.T) {
	cases := []string{
		`{"type":"order_update","id":7}`,
		`{"a":1}`,
		`not json`,
		`[1,2,3]`,
	}
	for _, c := range cases {
		if _, ok := ParseEnvelope([]byte(c)); ok {
			t.Errorf("ParseEnvelope accepted %q", c)
		}
	}
}

func TestMonitor_SendsPings(t *testing.T) {
	var mu sync.Mutex
	var sent [][]byte

	m := NewMonitor(Config{
		Interval: 10 * time.Millisecond,
		Grace:    time.Second,
		Send: func(data []byte) error {
			mu.Lock()
			sent = append(sent, data)
			mu.Unlock()
			return nil
		},
	}, nil)

	m.Start()
	defer m.Stop()

	time.Sleep(55 * time.Millisecond)

	mu.Lock()
	n := len(sent)
	var env Envelope
	if n > 0 {
		json.Unmarshal(sent[0], &env)
	}
	mu.Unlock()

	if n < 2 {
		t.Fatalf("sent %d pings, want at least 2", n)
	}
	if env.Type != TypePing {
		t.Errorf("payload type = %q, want ping", env.Type)
	}
}

func TestMonitor_StartIdempotent(t *testing.T) {
	var count atomic.Int64

	m := NewMonitor(Config{
		Interval: 10 * time.Millisecond,
		Grace:    time.Second,
		Send: func([]byte) error {
			count.Add(1)
			return nil
		},
	}, nil)

	m.Start()
	m.Start()
	m.Start()
	defer m.Stop()

	time.Sleep(50 * time.Millisecond)

	// A duplicate interval would roughly double the ping count.
	if n := count.Load(); n > 8 {
		t.Errorf("sent %d pings in 50ms at 10ms interval; duplicate ticker suspected", n)
	}
}

func TestMonitor_PongClearsDeadline(t *testing.T) {
	var stale atomic.Bool

	m := NewMonitor(Config{
		Interval: 10 * time.Millisecond,
		Grace:    20 * time.Millisecond,
		Send:     func([]byte) error { return nil },
		OnStale:  func() { stale.Store(true) },
	}, nil)

	m.Start()
	defer m.Stop()

	// Answer every ping promptly.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			m.PongReceived()
			time.Sleep(5 * time.Millisecond)
		}
	}()
	<-done

	if stale.Load() {
		t.Error("monitor reported stale despite pongs")
	}
}

func TestMonitor_MissedPongReportsStaleOnce(t *testing.T) {
	var stale atomic.Int64

	m := NewMonitor(Config{
		Interval: 10 * time.Millisecond,
		Grace:    15 * time.Millisecond,
		Send:     func([]byte) error { return nil },
		OnStale: func() {
			stale.Add(1)
		},
	}, nil)

	m.Start()

	// Never answer; the first unanswered ping's grace elapses.
	time.Sleep(40 * time.Millisecond)
	m.Stop()
	time.Sleep(30 * time.Millisecond)

	if n := stale.Load(); n < 1 {
		t.Fatal("monitor never reported stale")
	}
}

func TestMonitor_StopPreventsStale(t *testing.T) {
	var stale atomic.Bool

	m := NewMonitor(Config{
		Interval: 5 * time.Millisecond,
		Grace:    10 * time.Millisecond,
		Send:     func([]byte) error { return nil },
		OnStale:  func() { stale.Store(true) },
	}, nil)

	m.Start()
	time.Sleep(7 * time.Millisecond) // one ping out, deadline armed
	m.Stop()

	time.Sleep(30 * time.Millisecond)
	if stale.Load() {
		t.Error("OnStale fired after Stop")
	}
	if m.Running() {
		t.Error("Running() true after Stop")
	}
}
