package journal

import (
	"fmt"
	"time"

	"github.com/storewire/relay/internal/events"
)

// Entry is one journaled connection event.
type Entry struct {
	Instance   string
	SessionID  string
	OccurredAt time.Time
	Kind       string
	Category   string
	Attempt    int
	Detail     string
}

// Event kinds stored in the journal.
const (
	KindConnected     = "connected"
	KindDisconnected  = "disconnected"
	KindReconnecting  = "reconnecting"
	KindError         = "error"
	KindExhausted     = "exhausted"
	KindQueueOverflow = "queue_overflow"
)

// FromEvent maps a lifecycle event to a journal entry. Message-topic
// events are not journaled; ok is false for them.
func FromEvent(instance string, evt events.Event) (Entry, bool) {
	e := Entry{
		Instance:   instance,
		OccurredAt: time.Now(),
	}

	switch v := evt.(type) {
	case events.Connected:
		e.Kind = KindConnected
		e.SessionID = v.SessionID.String()
		e.Detail = v.URL
	case events.Disconnected:
		e.Kind = KindDisconnected
		if v.Manual {
			e.Detail = "manual"
		}
	case events.Reconnecting:
		e.Kind = KindReconnecting
		e.Attempt = v.Attempt
		e.Detail = v.Delay.String()
	case events.Errored:
		e.Kind = KindError
		e.Category = string(v.Category)
		e.Detail = v.Message
	case events.Exhausted:
		e.Kind = KindExhausted
		e.Attempt = v.Attempts
	case events.QueueOverflow:
		e.Kind = KindQueueOverflow
		e.Detail = fmt.Sprintf("dropped %d", v.Dropped)
	default:
		return Entry{}, false
	}

	return e, true
}
