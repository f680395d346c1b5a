package heartbeat

import (
	"log/slog"
	"sync"
	"time"
)

// Config configures a Monitor.
type Config struct {
	// Interval between pings.
	Interval time.Duration

	// Grace is how long to wait for a pong after a ping.
	Grace time.Duration

	// Send transmits a marshaled envelope on the live transport.
	Send func([]byte) error

	// OnStale is invoked once when the grace period elapses with no
	// pong.
	OnStale func()
}

// DefaultInterval and DefaultGrace are used when the config leaves
// them zero.
const (
	DefaultInterval = 30 * time.Second
	DefaultGrace    = 5 * time.Second
)

// Monitor sends periodic pings and enforces the pong deadline.
type Monitor struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	running    bool
	stop       chan struct{}
	deadline   *time.Timer
	lastPingAt time.Time
}

// NewMonitor creates a monitor. Send must be non-nil; OnStale may be
// nil.
func NewMonitor(cfg Config, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	return &Monitor{cfg: cfg, logger: logger}
}

// Start begins the ping loop. Idempotent: a second Start while running
// is a no-op, not a duplicate interval.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true
	m.stop = make(chan struct{})

	go m.run(m.stop)
}

// Stop clears the interval and any pending deadline. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	m.running = false
	close(m.stop)

	if m.deadline != nil {
		m.deadline.Stop()
		m.deadline = nil
	}
}

// PongReceived clears the pending pong deadline.
func (m *Monitor) PongReceived() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deadline != nil {
		m.deadline.Stop()
		m.deadline = nil
	}
}

// Running reports whether the monitor is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) run(stop chan struct{}) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.ping()
		}
	}
}

func (m *Monitor) ping() {
	now := time.Now()

	if err := m.cfg.Send(PingPayload(now)); err != nil {
		m.logger.Debug("failed to send ping", "error", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	m.lastPingAt = now

	// An earlier deadline still pending stays armed; the oldest
	// unanswered ping decides staleness.
	if m.deadline == nil {
		m.deadline = time.AfterFunc(m.cfg.Grace, m.expire)
	}
}

func (m *Monitor) expire() {
	m.mu.Lock()
	if !m.running || m.deadline == nil {
		m.mu.Unlock()
		return
	}
	m.deadline = nil
	lastPing := m.lastPingAt
	m.mu.Unlock()

	m.logger.Warn("no pong within grace period, connection stale",
		"last_ping", lastPing,
		"grace", m.cfg.Grace,
	)

	if m.cfg.OnStale != nil {
		m.cfg.OnStale()
	}
}
