package connection

import (
	"errors"
	"log/slog"
	"time"

	"github.com/storewire/relay/internal/classify"
)

// Errors
var (
	ErrNotConnected      = errors.New("not connected")
	ErrAlreadyClosed     = errors.New("already closed")
	ErrAlreadyConnected  = errors.New("already connected")
	ErrConnectBusy       = errors.New("connect already in flight")
	ErrManagerClosed     = errors.New("connection manager closed")
	ErrHeartbeatTimeout  = errors.New("heartbeat timeout (no pong)")
	ErrUnsupportedScheme = errors.New("unsupported url scheme")
)

// State is the connection lifecycle state.
type State int

const (
	Idle State = iota
	Connecting
	Open
	Closing
	Closed
	Reconnecting
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// validTransitions holds the permitted state machine edges.
var validTransitions = map[State][]State{
	Idle:         {Connecting, Closed},
	Connecting:   {Open, Reconnecting, Closing, Closed},
	Open:         {Reconnecting, Closing, Closed},
	Reconnecting: {Connecting, Closing, Closed},
	Closing:      {Closed},
	Closed:       {Connecting},
}

// CanTransition reports whether from -> to is a permitted edge.
func CanTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Status is the externally reported connection status.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusClosing      Status = "closing"
	StatusDisconnected Status = "disconnected"
)

// Message wraps raw payload bytes with a receive timestamp.
type Message struct {
	Data       []byte    // Raw payload bytes from the transport
	ReceivedAt time.Time // Local timestamp when the read returned
}

// ClientConfig configures a transport client.
type ClientConfig struct {
	URL              string        // WebSocket URL (ws:// or wss://)
	EstablishTimeout time.Duration // Absolute connection-establishment timeout
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		EstablishTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1000,
	}
}

// NewClientFunc constructs a transport client. Injected so the manager
// can be driven against fakes in tests.
type NewClientFunc func(cfg ClientConfig, logger *slog.Logger) Client

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	Env                  classify.Env  // Classifier environment heuristic
	EstablishTimeout     time.Duration // Absolute timeout for one connection attempt
	JoinTimeout          time.Duration // How long a second Connect waits on an in-flight attempt
	WriteTimeout         time.Duration // Write deadline for sends
	ReconnectBaseDelay   time.Duration // Base backoff delay
	ReconnectMaxDelay    time.Duration // Backoff cap
	MaxReconnectAttempts int           // Retry budget before the exhausted terminal event
	HeartbeatInterval    time.Duration // Ping cadence while Open
	HeartbeatGrace       time.Duration // Pong deadline after each ping
	QueueCapacity        int           // Outbound queue bound (0 = unbounded)
	BufferSize           int           // Transport message channel buffer size

	// Online reports network reachability. Nil means always online.
	Online func() bool

	// NewClient constructs the transport. Nil means the gorilla
	// WebSocket client.
	NewClient NewClientFunc
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		EstablishTimeout:     10 * time.Second,
		JoinTimeout:          15 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 10,
		HeartbeatInterval:    30 * time.Second,
		HeartbeatGrace:       5 * time.Second,
		QueueCapacity:        256,
		BufferSize:           1000,
	}
}

// Session is a snapshot of the current connection session.
type Session struct {
	ID               string
	URL              string
	AttemptCount     int
	LastError        *classify.Classification
	ManualDisconnect bool
	Destroyed        bool
}
