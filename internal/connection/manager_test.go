package connection

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/storewire/relay/internal/classify"
	"github.com/storewire/relay/internal/events"
	"github.com/storewire/relay/internal/heartbeat"
)

// fakeClient is a controllable transport for driving the manager.
type fakeClient struct {
	connectErr error
	gate       chan struct{} // when non-nil, Connect blocks until closed
	autoPong   bool

	mu        sync.Mutex
	connected bool
	closed    bool
	sent      [][]byte

	messages chan Message
	errors   chan error
}

func (c *fakeClient) Connect(ctx context.Context) error {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.connectErr != nil {
		return c.connectErr
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	c.connected = false
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) Send(data []byte) error {
	c.mu.Lock()
	c.sent = append(c.sent, append([]byte(nil), data...))
	auto := c.autoPong
	c.mu.Unlock()

	if auto {
		if env, ok := heartbeat.ParseEnvelope(data); ok && env.Type == heartbeat.TypePing {
			c.inject(heartbeat.PongPayload(time.Now()))
		}
	}
	return nil
}

func (c *fakeClient) Messages() <-chan Message { return c.messages }
func (c *fakeClient) Errors() <-chan error    { return c.errors }

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) inject(data []byte) {
	c.messages <- Message{Data: data, ReceivedAt: time.Now()}
}

func (c *fakeClient) fail(err error) {
	c.errors <- err
}

// appSent returns non-heartbeat payloads sent through the client.
func (c *fakeClient) appSent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []string
	for _, p := range c.sent {
		if _, ok := heartbeat.ParseEnvelope(p); ok {
			continue
		}
		out = append(out, string(p))
	}
	return out
}

func (c *fakeClient) pongCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, p := range c.sent {
		if env, ok := heartbeat.ParseEnvelope(p); ok && env.Type == heartbeat.TypePong {
			n++
		}
	}
	return n
}

// fakeFactory builds fakeClients and records every dial.
type fakeFactory struct {
	mu       sync.Mutex
	dialErr  error
	gate     chan struct{}
	autoPong bool
	clients  []*fakeClient
}

func (f *fakeFactory) new(cfg ClientConfig, _ *slog.Logger) Client {
	f.mu.Lock()
	defer f.mu.Unlock()

	c := &fakeClient{
		connectErr: f.dialErr,
		gate:       f.gate,
		autoPong:   f.autoPong,
		messages:   make(chan Message, 64),
		errors:     make(chan error, 1),
	}
	f.clients = append(f.clients, c)
	return c
}

func (f *fakeFactory) dials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *fakeFactory) last() *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.clients) == 0 {
		return nil
	}
	return f.clients[len(f.clients)-1]
}

func (f *fakeFactory) setDialErr(err error) {
	f.mu.Lock()
	f.dialErr = err
	f.mu.Unlock()
}

// recorder captures published events.
type recorder struct {
	mu   sync.Mutex
	evts []events.Event
}

func (r *recorder) handle(e events.Event) {
	r.mu.Lock()
	r.evts = append(r.evts, e)
	r.mu.Unlock()
}

func (r *recorder) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.evts...)
}

func (r *recorder) count(match func(events.Event) bool) int {
	n := 0
	for _, e := range r.all() {
		if match(e) {
			n++
		}
	}
	return n
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.evts = nil
	r.mu.Unlock()
}

func newTestManager(t *testing.T, f *fakeFactory, mutate func(*ManagerConfig)) (*Manager, *recorder) {
	t.Helper()

	cfg := DefaultManagerConfig()
	cfg.ReconnectBaseDelay = 5 * time.Millisecond
	cfg.ReconnectMaxDelay = 20 * time.Millisecond
	cfg.MaxReconnectAttempts = 3
	cfg.JoinTimeout = 500 * time.Millisecond
	cfg.HeartbeatInterval = time.Hour // quiet unless a test shortens it
	cfg.NewClient = f.new
	if mutate != nil {
		mutate(&cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(cfg, events.NewBus(logger), logger)

	rec := &recorder{}
	m.Subscribe(events.TopicConnection, rec.handle)
	m.Subscribe(events.TopicMessage, rec.handle)

	t.Cleanup(m.Disconnect)
	return m, rec
}

func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestManager_ConnectPublishesConnected(t *testing.T) {
	f := &fakeFactory{}
	m, rec := newTestManager(t, f, nil)

	if err := m.Connect(context.Background(), "wss://stream.example.com/ws"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if got := m.State(); got != Open {
		t.Errorf("State = %v, want Open", got)
	}
	if got := m.Status(); got != StatusConnected {
		t.Errorf("Status = %v, want connected", got)
	}
	if f.dials() != 1 {
		t.Errorf("dials = %d, want 1", f.dials())
	}

	var connected *events.Connected
	for _, e := range rec.all() {
		if c, ok := e.(events.Connected); ok {
			connected = &c
		}
	}
	if connected == nil {
		t.Fatal("no Connected event published")
	}
	if connected.URL != "wss://stream.example.com/ws" {
		t.Errorf("Connected.URL = %q", connected.URL)
	}

	sess := m.Session()
	if sess.ID == "" {
		t.Error("session ID not assigned")
	}
	if sess.AttemptCount != 0 {
		t.Errorf("AttemptCount = %d, want 0", sess.AttemptCount)
	}
}

func TestManager_ConnectWhileOpen(t *testing.T) {
	f := &fakeFactory{}
	m, _ := newTestManager(t, f, nil)

	if err := m.Connect(context.Background(), "ws://localhost/ws"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := m.Connect(context.Background(), "ws://localhost/ws"); err != ErrAlreadyConnected {
		t.Errorf("second Connect = %v, want ErrAlreadyConnected", err)
	}
}

func TestManager_ConnectRejectsScheme(t *testing.T) {
	f := &fakeFactory{}
	m, rec := newTestManager(t, f, nil)

	err := m.Connect(context.Background(), "http://example.com/ws")
	if !errors.Is(err, ErrUnsupportedScheme) {
		t.Fatalf("Connect = %v, want ErrUnsupportedScheme", err)
	}

	var cerr *classify.ClassifiedError
	if !errors.As(err, &cerr) {
		t.Fatal("error is not classified")
	}
	if cerr.Category != classify.CategoryCompatibility {
		t.Errorf("Category = %v, want compatibility", cerr.Category)
	}
	if cerr.Retryable {
		t.Error("scheme rejection must not be retryable")
	}

	if f.dials() != 0 {
		t.Errorf("dials = %d, want 0 (no transport attempt)", f.dials())
	}
	if m.State() != Idle {
		t.Errorf("State = %v, want Idle", m.State())
	}

	n := rec.count(func(e events.Event) bool {
		er, ok := e.(events.Errored)
		return ok && er.Category == classify.CategoryCompatibility
	})
	if n != 1 {
		t.Errorf("compatibility Errored events = %d, want 1", n)
	}
}

func TestManager_QueuedPayloadsFlushFIFO(t *testing.T) {
	f := &fakeFactory{}
	m, _ := newTestManager(t, f, nil)

	for _, p := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		if m.Send([]byte(p)) {
			t.Errorf("Send(%s) = true while disconnected", p)
		}
	}
	if m.QueueLen() != 3 {
		t.Fatalf("QueueLen = %d, want 3", m.QueueLen())
	}

	if err := m.Connect(context.Background(), "ws://localhost/ws"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if !m.Send([]byte(`{"n":4}`)) {
		t.Error("Send = false while Open")
	}

	want := []string{`{"n":1}`, `{"n":2}`, `{"n":3}`, `{"n":4}`}
	got := f.last().appSent()
	if len(got) != len(want) {
		t.Fatalf("sent %d payloads, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("payload %d = %s, want %s", i, got[i], want[i])
		}
	}
	if m.QueueLen() != 0 {
		t.Errorf("QueueLen = %d after flush, want 0", m.QueueLen())
	}
}

func TestManager_QueueOverflowPublished(t *testing.T) {
	f := &fakeFactory{}
	m, rec := newTestManager(t, f, func(cfg *ManagerConfig) {
		cfg.QueueCapacity = 2
	})

	m.Send([]byte(`{"n":1}`))
	m.Send([]byte(`{"n":2}`))
	m.Send([]byte(`{"n":3}`))

	if m.QueueLen() != 2 {
		t.Errorf("QueueLen = %d, want 2", m.QueueLen())
	}

	n := rec.count(func(e events.Event) bool {
		o, ok := e.(events.QueueOverflow)
		return ok && o.Dropped == 1
	})
	if n != 1 {
		t.Errorf("QueueOverflow events = %d, want 1", n)
	}
}

func TestManager_RetriesUntilExhausted(t *testing.T) {
	f := &fakeFactory{dialErr: errors.New("dial tcp: connection refused")}
	m, rec := newTestManager(t, f, nil) // MaxReconnectAttempts = 3

	err := m.Connect(context.Background(), "ws://localhost/ws")
	if err == nil {
		t.Fatal("Connect succeeded against a refusing dialer")
	}
	var cerr *classify.ClassifiedError
	if !errors.As(err, &cerr) {
		t.Fatalf("error is not classified: %v", err)
	}
	if cerr.Category != classify.CategoryNetwork || !cerr.Retryable {
		t.Errorf("classification = %+v, want retryable network", cerr.Classification)
	}

	// 1 initial dial + 3 retries, then the terminal event.
	waitFor(t, 2*time.Second, func() bool {
		return rec.count(func(e events.Event) bool {
			_, ok := e.(events.Exhausted)
			return ok
		}) == 1
	}, "Exhausted event never published")

	if f.dials() != 4 {
		t.Errorf("dials = %d, want 4", f.dials())
	}

	var attempts []int
	for _, e := range rec.all() {
		if r, ok := e.(events.Reconnecting); ok {
			attempts = append(attempts, r.Attempt)
		}
	}
	if len(attempts) != 3 {
		t.Fatalf("Reconnecting events = %d, want 3 (%v)", len(attempts), attempts)
	}
	for i, a := range attempts {
		if a != i+1 {
			t.Errorf("Reconnecting[%d].Attempt = %d, want %d", i, a, i+1)
		}
	}

	for _, e := range rec.all() {
		if ex, ok := e.(events.Exhausted); ok && ex.Attempts != 3 {
			t.Errorf("Exhausted.Attempts = %d, want 3", ex.Attempts)
		}
	}

	if nErr := rec.count(func(e events.Event) bool { _, ok := e.(events.Errored); return ok }); nErr != 4 {
		t.Errorf("Errored events = %d, want 4", nErr)
	}

	if m.State() != Closed {
		t.Errorf("State = %v, want Closed", m.State())
	}
	if m.Status() != StatusDisconnected {
		t.Errorf("Status = %v, want disconnected", m.Status())
	}
}

func TestManager_ReconnectAfterExhausted(t *testing.T) {
	f := &fakeFactory{dialErr: errors.New("connection refused")}
	m, rec := newTestManager(t, f, func(cfg *ManagerConfig) {
		cfg.MaxReconnectAttempts = 1
	})

	m.Connect(context.Background(), "ws://localhost/ws")
	waitFor(t, time.Second, func() bool {
		return rec.count(func(e events.Event) bool { _, ok := e.(events.Exhausted); return ok }) == 1
	}, "never exhausted")

	// The endpoint comes back; a user-initiated connect starts over.
	f.setDialErr(nil)
	if err := m.Connect(context.Background(), "ws://localhost/ws"); err != nil {
		t.Fatalf("Connect after exhaustion failed: %v", err)
	}
	if m.State() != Open {
		t.Errorf("State = %v, want Open", m.State())
	}
}

func TestManager_ReconnectsAfterTransportError(t *testing.T) {
	f := &fakeFactory{}
	m, rec := newTestManager(t, f, nil)

	if err := m.Connect(context.Background(), "ws://localhost/ws"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	first := f.last()

	first.fail(errors.New("read tcp: connection reset by peer"))

	waitFor(t, time.Second, func() bool {
		return f.dials() == 2 && m.State() == Open
	}, "never reconnected after transport error")

	if !first.closed {
		t.Error("failed transport was not closed")
	}

	n := rec.count(func(e events.Event) bool {
		r, ok := e.(events.Reconnecting)
		return ok && r.Attempt == 1
	})
	if n != 1 {
		t.Errorf("Reconnecting{1} events = %d, want 1", n)
	}
	if c := rec.count(func(e events.Event) bool { _, ok := e.(events.Connected); return ok }); c != 2 {
		t.Errorf("Connected events = %d, want 2", c)
	}
	if m.Session().AttemptCount != 0 {
		t.Errorf("AttemptCount = %d after successful reconnect, want 0", m.Session().AttemptCount)
	}
}

func TestManager_HeartbeatStaleTriggersReconnect(t *testing.T) {
	f := &fakeFactory{}
	m, rec := newTestManager(t, f, func(cfg *ManagerConfig) {
		cfg.HeartbeatInterval = 10 * time.Millisecond
		cfg.HeartbeatGrace = 10 * time.Millisecond
	})

	if err := m.Connect(context.Background(), "ws://localhost/ws"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// No pong ever arrives; the stale link is torn down and redialed.
	waitFor(t, 2*time.Second, func() bool {
		return f.dials() >= 2
	}, "heartbeat staleness never triggered a reconnect")

	n := rec.count(func(e events.Event) bool {
		er, ok := e.(events.Errored)
		return ok && er.Category == classify.CategoryTimeout
	})
	if n < 1 {
		t.Error("no timeout Errored event for the missed pong")
	}
}

func TestManager_PongKeepsLinkAlive(t *testing.T) {
	f := &fakeFactory{autoPong: true}
	m, _ := newTestManager(t, f, func(cfg *ManagerConfig) {
		cfg.HeartbeatInterval = 10 * time.Millisecond
		cfg.HeartbeatGrace = 50 * time.Millisecond
	})

	if err := m.Connect(context.Background(), "ws://localhost/ws"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if f.dials() != 1 {
		t.Errorf("dials = %d, want 1 (answered pings must not reconnect)", f.dials())
	}
	if m.State() != Open {
		t.Errorf("State = %v, want Open", m.State())
	}
}

func TestManager_AnswersServerPing(t *testing.T) {
	f := &fakeFactory{}
	m, rec := newTestManager(t, f, nil)

	if err := m.Connect(context.Background(), "ws://localhost/ws"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	f.last().inject(heartbeat.PingPayload(time.Now()))

	waitFor(t, time.Second, func() bool {
		return f.last().pongCount() == 1
	}, "server ping never answered with a pong")

	// Heartbeat envelopes are consumed, not delivered to subscribers.
	if n := rec.count(func(e events.Event) bool { _, ok := e.(events.MessageReceived); return ok }); n != 0 {
		t.Errorf("MessageReceived events = %d, want 0", n)
	}
}

func TestManager_MessageDispatch(t *testing.T) {
	f := &fakeFactory{}
	m, rec := newTestManager(t, f, nil)

	if err := m.Connect(context.Background(), "ws://localhost/ws"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	f.last().inject([]byte(`{"type":"inventory_update","sku":"A1"}`))
	f.last().inject([]byte(`garbled ## payload`))

	waitFor(t, time.Second, func() bool {
		return rec.count(func(e events.Event) bool { _, ok := e.(events.MessageReceived); return ok }) == 2
	}, "messages never dispatched")

	var gotJSON, gotText, gotParseErr bool
	for _, e := range rec.all() {
		switch ev := e.(type) {
		case events.MessageReceived:
			if len(ev.Body) > 0 {
				gotJSON = true
			}
			if ev.Text == "garbled ## payload" {
				gotText = true
			}
		case events.ParseError:
			gotParseErr = true
		}
	}
	if !gotJSON {
		t.Error("JSON payload not delivered with Body set")
	}
	if !gotText {
		t.Error("non-JSON payload not delivered as raw text")
	}
	if !gotParseErr {
		t.Error("no ParseError for the non-JSON payload")
	}

	// A malformed payload never tears the connection down.
	if m.State() != Open {
		t.Errorf("State = %v after malformed payload, want Open", m.State())
	}
}

func TestManager_DisconnectSilencesEverything(t *testing.T) {
	f := &fakeFactory{}
	m, rec := newTestManager(t, f, nil)

	if err := m.Connect(context.Background(), "ws://localhost/ws"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	cli := f.last()

	rec.reset()
	m.Disconnect()

	evts := rec.all()
	if len(evts) != 1 {
		t.Fatalf("events after Disconnect = %d, want exactly 1 (%v)", len(evts), evts)
	}
	d, ok := evts[0].(events.Disconnected)
	if !ok || !d.Manual {
		t.Errorf("event = %#v, want Disconnected{Manual: true}", evts[0])
	}
	if !cli.closed {
		t.Error("transport not closed on Disconnect")
	}

	// Nothing after destroy produces events or dials.
	rec.reset()
	cli.fail(errors.New("connection reset"))
	time.Sleep(50 * time.Millisecond)

	if n := len(rec.all()); n != 0 {
		t.Errorf("events after destroy = %d, want 0: %v", n, rec.all())
	}
	if f.dials() != 1 {
		t.Errorf("dials = %d after destroy, want 1", f.dials())
	}

	m.Disconnect() // idempotent
	if n := len(rec.all()); n != 0 {
		t.Errorf("second Disconnect published %d events, want 0", n)
	}

	if err := m.Connect(context.Background(), "ws://localhost/ws"); err != ErrManagerClosed {
		t.Errorf("Connect after destroy = %v, want ErrManagerClosed", err)
	}
	if m.Send([]byte(`{}`)) {
		t.Error("Send = true after destroy")
	}
	if m.Status() != StatusDisconnected {
		t.Errorf("Status = %v, want disconnected", m.Status())
	}
}

func TestManager_DisconnectCancelsPendingRetry(t *testing.T) {
	f := &fakeFactory{dialErr: errors.New("connection refused")}
	m, _ := newTestManager(t, f, func(cfg *ManagerConfig) {
		cfg.ReconnectBaseDelay = 50 * time.Millisecond
		cfg.ReconnectMaxDelay = time.Second
		cfg.MaxReconnectAttempts = 10
	})

	m.Connect(context.Background(), "ws://localhost/ws")
	waitFor(t, time.Second, func() bool { return m.State() == Reconnecting }, "never entered Reconnecting")

	dials := f.dials()
	m.Disconnect()
	time.Sleep(120 * time.Millisecond)

	if f.dials() != dials {
		t.Errorf("retry timer fired after Disconnect: dials %d -> %d", dials, f.dials())
	}
	if m.State() != Closed {
		t.Errorf("State = %v, want Closed", m.State())
	}
}

func TestManager_SecondConnectJoinsInFlight(t *testing.T) {
	gate := make(chan struct{})
	f := &fakeFactory{gate: gate}
	m, _ := newTestManager(t, f, nil)

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			results <- m.Connect(context.Background(), "ws://localhost/ws")
		}()
	}

	// Both callers are waiting on the single in-flight attempt.
	waitFor(t, time.Second, func() bool { return f.dials() == 1 }, "first dial never started")
	time.Sleep(20 * time.Millisecond)
	close(gate)

	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			if err != nil {
				t.Errorf("joined Connect returned %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("Connect never returned")
		}
	}

	if f.dials() != 1 {
		t.Errorf("dials = %d, want 1 (second Connect must join, not redial)", f.dials())
	}
	if m.State() != Open {
		t.Errorf("State = %v, want Open", m.State())
	}
}

func TestManager_JoinTimesOut(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	f := &fakeFactory{gate: gate}
	m, _ := newTestManager(t, f, func(cfg *ManagerConfig) {
		cfg.JoinTimeout = 30 * time.Millisecond
	})

	go m.Connect(context.Background(), "ws://localhost/ws")
	waitFor(t, time.Second, func() bool { return f.dials() == 1 }, "first dial never started")

	if err := m.Connect(context.Background(), "ws://localhost/ws"); err != ErrConnectBusy {
		t.Errorf("joining Connect = %v, want ErrConnectBusy", err)
	}
}

func TestManager_OfflineSkipsReconnect(t *testing.T) {
	f := &fakeFactory{dialErr: errors.New("connection refused")}
	m, rec := newTestManager(t, f, func(cfg *ManagerConfig) {
		cfg.Online = func() bool { return false }
	})

	m.Connect(context.Background(), "ws://localhost/ws")
	time.Sleep(50 * time.Millisecond)

	if f.dials() != 1 {
		t.Errorf("dials = %d, want 1 (no retries while offline)", f.dials())
	}
	if m.State() != Closed {
		t.Errorf("State = %v, want Closed", m.State())
	}
	if n := rec.count(func(e events.Event) bool { _, ok := e.(events.Reconnecting); return ok }); n != 0 {
		t.Errorf("Reconnecting events = %d while offline, want 0", n)
	}
}

func TestManager_NonRetryableStopsImmediately(t *testing.T) {
	f := &fakeFactory{dialErr: errors.New("websocket: bad handshake: 401 unauthorized")}
	m, rec := newTestManager(t, f, nil)

	err := m.Connect(context.Background(), "ws://localhost/ws")
	var cerr *classify.ClassifiedError
	if !errors.As(err, &cerr) {
		t.Fatalf("error is not classified: %v", err)
	}
	if cerr.Category != classify.CategoryAuth || cerr.Retryable {
		t.Errorf("classification = %+v, want non-retryable auth", cerr.Classification)
	}

	time.Sleep(50 * time.Millisecond)

	if f.dials() != 1 {
		t.Errorf("dials = %d, want 1 (auth failures must not retry)", f.dials())
	}
	if m.State() != Closed {
		t.Errorf("State = %v, want Closed", m.State())
	}
	if n := rec.count(func(e events.Event) bool { _, ok := e.(events.Reconnecting); return ok }); n != 0 {
		t.Errorf("Reconnecting events = %d, want 0", n)
	}
}

func TestManager_EndToEndGorilla(t *testing.T) {
	echoed := make(chan string, 8)

	server := mockWSServer(t, func(conn *websocket.Conn) {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"catalog_update","v":1}`)); err != nil {
			return
		}
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			// Answer heartbeat pings so the link stays healthy.
			if env, ok := heartbeat.ParseEnvelope(msg); ok && env.Type == heartbeat.TypePing {
				conn.WriteMessage(websocket.TextMessage, heartbeat.PongPayload(time.Now()))
				continue
			}
			echoed <- string(msg)
		}
	})
	defer server.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := DefaultManagerConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatGrace = 200 * time.Millisecond

	m := NewManager(cfg, events.NewBus(logger), logger)
	defer m.Disconnect()

	rec := &recorder{}
	m.Subscribe(events.TopicMessage, rec.handle)

	if err := m.Connect(context.Background(), wsURL(server)); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return rec.count(func(e events.Event) bool { _, ok := e.(events.MessageReceived); return ok }) == 1
	}, "server message never delivered")

	if !m.Send([]byte(`{"type":"ack"}`)) {
		t.Error("Send = false while Open")
	}
	select {
	case got := <-echoed:
		if got != `{"type":"ack"}` {
			t.Errorf("server received %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("server never received the sent payload")
	}
}
