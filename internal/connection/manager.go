package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storewire/relay/internal/backoff"
	"github.com/storewire/relay/internal/classify"
	"github.com/storewire/relay/internal/events"
	"github.com/storewire/relay/internal/heartbeat"
	"github.com/storewire/relay/internal/queue"
)

// Manager owns the single live transport and drives the connection
// state machine. All mutation of the transport handle happens here;
// other components only observe emitted events.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger
	bus    *events.Bus
	queue  *queue.Queue
	sched  *backoff.Scheduler

	mu         sync.Mutex
	state      State
	client     Client
	monitor    *heartbeat.Monitor
	gen        int // link generation; stale callbacks are ignored
	pending    *attempt
	dialCancel context.CancelFunc
	pumpStop   chan struct{}

	session sessionState
}

// sessionState tracks the lifetime of one logical session, from the
// first Connect until destroy.
type sessionState struct {
	id        uuid.UUID
	url       string
	attempts  int
	lastErr   *classify.Classification
	manual    bool
	destroyed bool
}

// attempt is an in-flight connection attempt that concurrent Connect
// calls can join.
type attempt struct {
	done chan struct{}
	err  error
}

// NewManager creates a Connection Manager publishing on bus.
func NewManager(cfg ManagerConfig, bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = events.NewBus(logger)
	}

	def := DefaultManagerConfig()
	if cfg.EstablishTimeout <= 0 {
		cfg.EstablishTimeout = def.EstablishTimeout
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = def.JoinTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = def.ReconnectMaxDelay
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.HeartbeatGrace <= 0 {
		cfg.HeartbeatGrace = def.HeartbeatGrace
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.Online == nil {
		cfg.Online = func() bool { return true }
	}
	if cfg.NewClient == nil {
		cfg.NewClient = NewClient
	}

	return &Manager{
		cfg:    cfg,
		logger: logger,
		bus:    bus,
		queue:  queue.New(cfg.QueueCapacity),
		sched:  backoff.NewScheduler(cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay, cfg.MaxReconnectAttempts, logger),
		state:  Idle,
	}
}

// Connect opens a transport to rawURL and blocks until the first
// attempt resolves. A retryable failure still returns the classified
// error; reconnection continues in the background. If an attempt is
// already in flight, Connect joins it and returns its outcome, waiting
// at most JoinTimeout.
func (m *Manager) Connect(ctx context.Context, rawURL string) error {
	if err := validateURL(rawURL); err != nil {
		cerr := classify.Wrap(err, classify.PhaseConnecting, m.cfg.Env)
		m.publish(events.Errored{
			Category:  cerr.Category,
			Message:   cerr.Message,
			Retryable: cerr.Retryable,
		})
		return cerr
	}

	m.mu.Lock()

	if m.session.destroyed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if m.state == Open {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	if p := m.pending; p != nil {
		m.mu.Unlock()
		return m.join(ctx, p)
	}
	if m.state == Reconnecting {
		// A user-initiated connect supersedes the pending retry timer.
		m.sched.Cancel()
	}

	if m.session.id == uuid.Nil {
		m.session.id = uuid.New()
	}
	m.session.url = rawURL
	m.transitionLocked(Connecting)

	p := &attempt{done: make(chan struct{})}
	m.pending = p
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	go m.dial(gen, rawURL)

	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect tears the manager down. Idempotent. Every pending timer
// is cancelled before returning and no further events are published.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.session.destroyed {
		m.mu.Unlock()
		return
	}
	m.session.manual = true
	m.session.destroyed = true

	m.sched.Cancel()
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	m.resolvePendingLocked(ErrManagerClosed)
	m.retireLinkLocked()

	if m.state == Open || m.state == Connecting || m.state == Reconnecting {
		m.transitionLocked(Closing)
	}
	m.transitionLocked(Closed)
	m.mu.Unlock()

	m.logger.Info("disconnected", "manual", true)
	m.bus.Publish(events.Disconnected{Manual: true})
}

// Send transmits the payload now if Open and returns true. Otherwise
// the payload is queued for the next flush and Send returns false.
func (m *Manager) Send(payload []byte) bool {
	m.mu.Lock()

	if m.session.destroyed {
		m.mu.Unlock()
		return false
	}

	if m.state == Open && m.client != nil {
		err := m.client.Send(payload)
		if err == nil {
			m.mu.Unlock()
			return true
		}
		// The read pump will surface the transport error; keep the
		// payload for the next flush.
		m.logger.Debug("send failed, queueing payload", "error", err)
	}

	dropped := m.queue.Enqueue(payload)
	m.mu.Unlock()

	if dropped > 0 {
		m.logger.Warn("outbound queue overflow, dropped oldest", "dropped", dropped)
		m.publish(events.QueueOverflow{Dropped: dropped})
	}
	return false
}

// Subscribe registers a handler on the manager's event bus.
func (m *Manager) Subscribe(topic events.Topic, fn events.Handler) (unsubscribe func()) {
	return m.bus.Subscribe(topic, fn)
}

// Status returns the externally reported connection status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case Connecting, Reconnecting:
		return StatusConnecting
	case Open:
		return StatusConnected
	case Closing:
		return StatusClosing
	default:
		return StatusDisconnected
	}
}

// State returns the current state machine state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns a snapshot of the current session.
func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Session{
		URL:              m.session.url,
		AttemptCount:     m.session.attempts,
		ManualDisconnect: m.session.manual,
		Destroyed:        m.session.destroyed,
	}
	if m.session.id != uuid.Nil {
		s.ID = m.session.id.String()
	}
	if m.session.lastErr != nil {
		c := *m.session.lastErr
		s.LastError = &c
	}
	return s
}

// QueueLen returns the number of payloads waiting for a flush.
func (m *Manager) QueueLen() int {
	return m.queue.Len()
}

// join waits for an in-flight attempt, bounded by JoinTimeout.
func (m *Manager) join(ctx context.Context, p *attempt) error {
	select {
	case <-p.done:
		return p.err
	case <-time.After(m.cfg.JoinTimeout):
		return ErrConnectBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dial runs one connection attempt for generation gen.
func (m *Manager) dial(gen int, rawURL string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.EstablishTimeout)

	m.mu.Lock()
	if m.staleLocked(gen) {
		m.mu.Unlock()
		cancel()
		return
	}
	m.dialCancel = cancel
	cli := m.cfg.NewClient(ClientConfig{
		URL:              rawURL,
		EstablishTimeout: m.cfg.EstablishTimeout,
		WriteTimeout:     m.cfg.WriteTimeout,
		BufferSize:       m.cfg.BufferSize,
	}, m.logger.With("session", m.session.id))
	m.mu.Unlock()

	err := cli.Connect(ctx)
	cancel()

	if err != nil {
		m.handleConnectFailure(gen, err)
		return
	}
	m.handleConnected(gen, cli)
}

// handleConnected installs the live transport and enters Open.
func (m *Manager) handleConnected(gen int, cli Client) {
	m.mu.Lock()
	if m.staleLocked(gen) {
		m.mu.Unlock()
		cli.Close()
		return
	}

	m.client = cli
	m.dialCancel = nil
	m.transitionLocked(Open)
	m.session.attempts = 0
	m.session.lastErr = nil

	m.monitor = heartbeat.NewMonitor(heartbeat.Config{
		Interval: m.cfg.HeartbeatInterval,
		Grace:    m.cfg.HeartbeatGrace,
		Send:     cli.Send,
		OnStale: func() {
			m.handleTransportError(gen, ErrHeartbeatTimeout)
		},
	}, m.logger)
	m.monitor.Start()

	stop := make(chan struct{})
	m.pumpStop = stop
	go m.readPump(gen, cli, stop)

	m.resolvePendingLocked(nil)
	m.flushLocked(cli)

	u := m.session.url
	sid := m.session.id
	m.mu.Unlock()

	m.logger.Info("connected", "url", u)
	m.publish(events.Connected{URL: u, SessionID: sid})
}

// handleConnectFailure classifies a failed attempt and decides
// between retry and terminal settlement.
func (m *Manager) handleConnectFailure(gen int, err error) {
	m.mu.Lock()
	if m.staleLocked(gen) {
		m.mu.Unlock()
		return
	}
	m.dialCancel = nil

	cls := classify.Classify(err, classify.PhaseConnecting, m.cfg.Env)
	m.session.lastErr = &cls
	m.resolvePendingLocked(&classify.ClassifiedError{Classification: cls, Err: err})

	m.logger.Warn("connection attempt failed",
		"error", err,
		"category", cls.Category,
		"retryable", cls.Retryable,
	)

	evts := m.failLocked(cls)
	m.mu.Unlock()

	for _, e := range evts {
		m.publish(e)
	}
}

// handleTransportError handles a failure of the live transport,
// including a missed heartbeat.
func (m *Manager) handleTransportError(gen int, err error) {
	m.mu.Lock()
	if m.staleLocked(gen) {
		m.mu.Unlock()
		return
	}
	m.retireLinkLocked()

	cls := classify.Classify(err, classify.PhaseOpen, m.cfg.Env)
	m.session.lastErr = &cls

	m.logger.Warn("transport error",
		"error", err,
		"category", cls.Category,
		"retryable", cls.Retryable,
	)

	evts := m.failLocked(cls)
	m.mu.Unlock()

	for _, e := range evts {
		m.publish(e)
	}
}

// failLocked applies the retry policy for a classified failure and
// returns the events to publish once the lock is released.
func (m *Manager) failLocked(cls classify.Classification) []events.Event {
	evts := []events.Event{events.Errored{
		Category:  cls.Category,
		Message:   cls.Message,
		Retryable: cls.Retryable,
	}}

	if m.session.destroyed || m.session.manual {
		return evts
	}

	if !cls.Retryable {
		m.transitionLocked(Closed)
		return evts
	}

	if !m.cfg.Online() {
		m.logger.Warn("offline, not scheduling reconnect")
		m.transitionLocked(Closed)
		return evts
	}

	attemptNo := m.session.attempts
	if attemptNo >= m.cfg.MaxReconnectAttempts {
		m.transitionLocked(Closed)
		m.logger.Error("reconnect attempts exhausted", "attempts", attemptNo)
		return append(evts, events.Exhausted{Attempts: attemptNo})
	}

	m.session.attempts++
	m.transitionLocked(Reconnecting)

	delay, ok := m.sched.Schedule(attemptNo, m.retry)
	if !ok {
		m.transitionLocked(Closed)
		return append(evts, events.Exhausted{Attempts: attemptNo})
	}

	return append(evts, events.Reconnecting{Attempt: attemptNo + 1, Delay: delay})
}

// retry fires when a reconnect timer expires.
func (m *Manager) retry() {
	m.mu.Lock()
	if m.session.destroyed || m.session.manual || m.state != Reconnecting {
		m.mu.Unlock()
		return
	}
	m.transitionLocked(Connecting)
	m.pending = &attempt{done: make(chan struct{})}
	m.gen++
	gen := m.gen
	rawURL := m.session.url
	m.mu.Unlock()

	go m.dial(gen, rawURL)
}

// readPump routes inbound payloads and transport errors for one link.
func (m *Manager) readPump(gen int, cli Client, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return

		case err, ok := <-cli.Errors():
			if !ok {
				return
			}
			m.handleTransportError(gen, err)
			return

		case msg, ok := <-cli.Messages():
			if !ok {
				return
			}
			m.handleMessage(msg)
		}
	}
}

// handleMessage dispatches one inbound payload. Heartbeat envelopes
// are consumed here; everything else passes through to subscribers.
func (m *Manager) handleMessage(msg Message) {
	if env, ok := heartbeat.ParseEnvelope(msg.Data); ok {
		switch env.Type {
		case heartbeat.TypePong:
			m.mu.Lock()
			mon := m.monitor
			m.mu.Unlock()
			if mon != nil {
				mon.PongReceived()
			}
		case heartbeat.TypePing:
			m.mu.Lock()
			cli := m.client
			m.mu.Unlock()
			if cli != nil {
				if err := cli.Send(heartbeat.PongPayload(time.Now())); err != nil {
					m.logger.Debug("failed to answer ping", "error", err)
				}
			}
		}
		return
	}

	if json.Valid(msg.Data) {
		m.publish(events.MessageReceived{
			Body:       json.RawMessage(msg.Data),
			ReceivedAt: msg.ReceivedAt,
		})
		return
	}

	// Malformed payloads are isolated per message and never close the
	// connection.
	m.logger.Warn("inbound payload is not valid JSON", "bytes", len(msg.Data))
	m.publish(events.ParseError{Data: msg.Data, Reason: "invalid JSON"})
	m.publish(events.MessageReceived{
		Text:       string(msg.Data),
		ReceivedAt: msg.ReceivedAt,
	})
}

// flushLocked drains the outbound queue onto the freshly opened
// transport, preserving FIFO order ahead of any later Send.
func (m *Manager) flushLocked(cli Client) {
	entries := m.queue.Drain()
	if len(entries) == 0 {
		return
	}

	for i, e := range entries {
		if err := cli.Send(e.Payload); err != nil {
			remaining := entries[i:]
			if !m.session.destroyed && !m.session.manual {
				m.queue.Requeue(remaining)
				m.logger.Warn("flush interrupted, requeued remaining",
					"remaining", len(remaining),
					"error", err,
				)
			} else {
				m.logger.Warn("flush aborted, dropping queued payloads",
					"dropped", len(remaining),
					"error", err,
				)
			}
			return
		}
	}

	m.logger.Debug("flushed queued payloads", "count", len(entries))
}

// retireLinkLocked tears down the live link and invalidates every
// callback captured against it.
func (m *Manager) retireLinkLocked() {
	m.gen++

	if m.monitor != nil {
		m.monitor.Stop()
		m.monitor = nil
	}
	if m.pumpStop != nil {
		close(m.pumpStop)
		m.pumpStop = nil
	}
	if m.client != nil {
		m.client.Close()
		m.client = nil
	}
}

// staleLocked reports whether a callback belongs to a retired link.
func (m *Manager) staleLocked(gen int) bool {
	return gen != m.gen || m.session.destroyed
}

// resolvePendingLocked settles the in-flight attempt, waking joiners.
func (m *Manager) resolvePendingLocked(err error) {
	if m.pending == nil {
		return
	}
	m.pending.err = err
	close(m.pending.done)
	m.pending = nil
}

// transitionLocked moves the state machine along a validated edge.
func (m *Manager) transitionLocked(to State) {
	if m.state == to {
		return
	}
	if !CanTransition(m.state, to) {
		m.logger.Error("invalid state transition",
			"from", m.state,
			"to", to,
		)
	}
	m.logger.Debug("state transition", "from", m.state, "to", to)
	m.state = to
}

// publish emits an event unless the manager has been destroyed.
func (m *Manager) publish(evt events.Event) {
	m.mu.Lock()
	dead := m.session.destroyed
	m.mu.Unlock()
	if dead {
		return
	}
	m.bus.Publish(evt)
}

// validateURL enforces the allowed transport schemes.
func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
}
