package heartbeat

import (
	"encoding/json"
	"time"
)

// Envelope types on the wire.
const (
	TypePing = "ping"
	TypePong = "pong"
)

// Envelope is the heartbeat wire format. Timestamp is epoch
// milliseconds.
type Envelope struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// PingPayload returns a marshaled ping envelope.
func PingPayload(now time.Time) []byte {
	data, _ := json.Marshal(Envelope{Type: TypePing, Timestamp: now.UnixMilli()})
	return data
}

// PongPayload returns a marshaled pong envelope.
func PongPayload(now time.Time) []byte {
	data, _ := json.Marshal(Envelope{Type: TypePong, Timestamp: now.UnixMilli()})
	return data
}

// ParseEnvelope reports whether data is a heartbeat envelope. All
// other payloads belong to the application.
func ParseEnvelope(data []byte) (Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, false
	}
	if env.Type != TypePing && env.Type != TypePong {
		return Envelope{}, false
	}
	return env, true
}
