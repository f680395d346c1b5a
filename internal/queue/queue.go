package queue

import (
	"sync"
	"time"
)

// Entry is a queued outbound payload.
type Entry struct {
	Payload    []byte
	EnqueuedAt time.Time
}

// Queue is a thread-safe FIFO ring buffer of outbound payloads.
type Queue struct {
	mu       sync.Mutex
	buf      []Entry
	head     int // read position
	tail     int // write position
	count    int
	capacity int  // ring size
	bounded  bool // drop-oldest when full

	dropped int64
}

// New creates a queue. A positive capacity bounds the queue with a
// drop-oldest overflow policy; capacity zero means unbounded (the ring
// doubles when full).
func New(capacity int) *Queue {
	bounded := capacity > 0
	if capacity < 1 {
		capacity = 16
	}
	return &Queue{
		buf:      make([]Entry, capacity),
		capacity: capacity,
		bounded:  bounded,
	}
}

// Enqueue appends a payload. Returns the number of entries dropped to
// make room (0 or 1 for a bounded queue, always 0 for unbounded).
func (q *Queue) Enqueue(payload []byte) (dropped int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == q.capacity {
		if q.bounded {
			// Drop the oldest entry to make room.
			q.buf[q.head] = Entry{}
			q.head = (q.head + 1) % q.capacity
			q.count--
			q.dropped++
			dropped = 1
		} else {
			q.grow(q.capacity * 2)
		}
	}

	q.buf[q.tail] = Entry{Payload: payload, EnqueuedAt: time.Now()}
	q.tail = (q.tail + 1) % q.capacity
	q.count++
	return dropped
}

// Drain removes and returns all entries in FIFO order.
func (q *Queue) Drain() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}

	out := make([]Entry, 0, q.count)
	for q.count > 0 {
		out = append(out, q.buf[q.head])
		q.buf[q.head] = Entry{}
		q.head = (q.head + 1) % q.capacity
		q.count--
	}
	q.head = 0
	q.tail = 0
	return out
}

// Requeue puts entries back at the front, preserving their order ahead
// of anything enqueued since the drain. Entries beyond a bounded
// queue's capacity are dropped oldest-first.
func (q *Queue) Requeue(entries []Entry) (dropped int) {
	if len(entries) == 0 {
		return 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	combined := make([]Entry, 0, len(entries)+q.count)
	combined = append(combined, entries...)
	for q.count > 0 {
		combined = append(combined, q.buf[q.head])
		q.head = (q.head + 1) % q.capacity
		q.count--
	}

	if q.bounded && len(combined) > q.capacity {
		dropped = len(combined) - q.capacity
		combined = combined[dropped:]
		q.dropped += int64(dropped)
	}

	need := len(combined)
	if need > q.capacity {
		q.growTo(need)
	}

	q.buf = make([]Entry, q.capacity)
	copy(q.buf, combined)
	q.head = 0
	q.tail = len(combined) % q.capacity
	q.count = len(combined)
	return dropped
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Dropped returns the total number of entries dropped since creation.
func (q *Queue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// grow resizes the ring to newCapacity. Must be called with lock held.
func (q *Queue) grow(newCapacity int) {
	newBuf := make([]Entry, newCapacity)

	if q.count > 0 {
		if q.head < q.tail {
			copy(newBuf, q.buf[q.head:q.tail])
		} else {
			n := copy(newBuf, q.buf[q.head:])
			copy(newBuf[n:], q.buf[:q.tail])
		}
	}

	q.buf = newBuf
	q.head = 0
	q.tail = q.count
	q.capacity = newCapacity
}

// growTo raises capacity to at least need by doubling. Lock held.
func (q *Queue) growTo(need int) {
	c := q.capacity
	for c < need {
		c *= 2
	}
	q.capacity = c
}
