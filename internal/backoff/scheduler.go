package backoff

import (
	"log/slog"
	"sync"
	"time"
)

// Scheduler arms capped exponential-backoff retry timers.
type Scheduler struct {
	base        time.Duration
	cap         time.Duration
	maxAttempts int
	logger      *slog.Logger

	mu    sync.Mutex
	timer *time.Timer
}

// NewScheduler creates a scheduler. base and cap must be positive;
// maxAttempts bounds how many attempts may be scheduled.
func NewScheduler(base, cap time.Duration, maxAttempts int, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if base <= 0 {
		base = time.Second
	}
	if cap < base {
		cap = base
	}
	return &Scheduler{
		base:        base,
		cap:         cap,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Delay returns min(base * 2^attempt, cap). Attempt is 0-based.
func (s *Scheduler) Delay(attempt int) time.Duration {
	d := s.base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= s.cap {
			return s.cap
		}
	}
	if d > s.cap {
		return s.cap
	}
	return d
}

// Schedule arms a timer for the given attempt and invokes fn when it
// fires. Returns the armed delay and false if the attempt budget is
// already spent. A previously pending timer is replaced.
func (s *Scheduler) Schedule(attempt int, fn func()) (time.Duration, bool) {
	if attempt >= s.maxAttempts {
		return 0, false
	}

	delay := s.Delay(attempt)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(delay, fn)

	s.logger.Debug("reconnect scheduled",
		"attempt", attempt,
		"delay", delay,
	)

	return delay, true
}

// Cancel clears any pending timer. Safe to call repeatedly; must be
// called on disconnect so a stale reconnect never fires after teardown.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// MaxAttempts returns the attempt budget.
func (s *Scheduler) MaxAttempts() int { return s.maxAttempts }
