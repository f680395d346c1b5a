package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/storewire/relay/internal/classify"
)

// Topic groups events for subscription purposes.
type Topic string

const (
	// TopicConnection carries lifecycle events (connect, disconnect,
	// reconnect, errors, exhaustion, queue overflow).
	TopicConnection Topic = "connection"

	// TopicMessage carries inbound payloads and parse failures.
	TopicMessage Topic = "message"
)

// Event is implemented by every event payload variant.
type Event interface {
	// EventTopic returns the topic the event is published under.
	EventTopic() Topic
}

// Connected is published when the transport reaches Open.
type Connected struct {
	URL       string
	SessionID uuid.UUID
}

// Disconnected is published when the manager settles into Closed after
// a manual disconnect.
type Disconnected struct {
	Manual bool
}

// Reconnecting is published when a retry timer is armed.
// Attempt is 1-based; Delay is the backoff before the next dial.
type Reconnecting struct {
	Attempt int
	Delay   time.Duration
}

// Errored is published for every classified transport failure.
type Errored struct {
	Category  classify.Category
	Message   string
	Retryable bool
}

// Exhausted is published once when the reconnect attempt budget is
// spent. The manager is terminal afterwards.
type Exhausted struct {
	Attempts int
}

// MessageReceived carries an inbound payload. Body is set for JSON
// payloads; Text for anything that is not valid JSON.
type MessageReceived struct {
	Body       json.RawMessage
	Text       string
	ReceivedAt time.Time
}

// ParseError reports a payload that could not be parsed. The
// connection stays up; the payload is still delivered as raw text.
type ParseError struct {
	Data   []byte
	Reason string
}

// QueueOverflow reports dropped entries from the outbound queue.
type QueueOverflow struct {
	Dropped int
}

func (Connected) EventTopic() Topic       { return TopicConnection }
func (Disconnected) EventTopic() Topic    { return TopicConnection }
func (Reconnecting) EventTopic() Topic    { return TopicConnection }
func (Errored) EventTopic() Topic         { return TopicConnection }
func (Exhausted) EventTopic() Topic       { return TopicConnection }
func (QueueOverflow) EventTopic() Topic   { return TopicConnection }
func (MessageReceived) EventTopic() Topic { return TopicMessage }
func (ParseError) EventTopic() Topic      { return TopicMessage }
