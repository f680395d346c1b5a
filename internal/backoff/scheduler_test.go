package backoff

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduler_DelayFormula(t *testing.T) {
	s := NewScheduler(1*time.Second, 30*time.Second, 10, nil)

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second,
	}

	for n, w := range want {
		if got := s.Delay(n); got != w {
			t.Errorf("Delay(%d) = %v, want %v", n, got, w)
		}
	}
}

func TestScheduler_DelayLargeAttemptDoesNotOverflow(t *testing.T) {
	s := NewScheduler(1*time.Second, 30*time.Second, 1000, nil)
	if got := s.Delay(500); got != 30*time.Second {
		t.Errorf("Delay(500) = %v, want cap", got)
	}
}

func TestScheduler_ScheduleFires(t *testing.T) {
	s := NewScheduler(5*time.Millisecond, 50*time.Millisecond, 3, nil)

	fired := make(chan struct{})
	delay, ok := s.Schedule(0, func() { close(fired) })
	if !ok {
		t.Fatal("Schedule refused within budget")
	}
	if delay != 5*time.Millisecond {
		t.Errorf("delay = %v, want 5ms", delay)
	}

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestScheduler_RefusesPastBudget(t *testing.T) {
	s := NewScheduler(time.Millisecond, time.Millisecond, 2, nil)

	if _, ok := s.Schedule(2, func() {}); ok {
		t.Error("expected Schedule to refuse attempt == maxAttempts")
	}
	if _, ok := s.Schedule(5, func() {}); ok {
		t.Error("expected Schedule to refuse attempt > maxAttempts")
	}
}

func TestScheduler_CancelPreventsFire(t *testing.T) {
	s := NewScheduler(20*time.Millisecond, time.Second, 3, nil)

	var fired atomic.Bool
	if _, ok := s.Schedule(0, func() { fired.Store(true) }); !ok {
		t.Fatal("Schedule refused")
	}
	s.Cancel()

	time.Sleep(60 * time.Millisecond)
	if fired.Load() {
		t.Error("cancelled timer fired")
	}

	// Cancel with no pending timer is a no-op.
	s.Cancel()
}
