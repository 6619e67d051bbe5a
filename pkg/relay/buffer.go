package relay

import (
	"sync"

	"github.com/retailshift/relay/pkg/domain"
)

// DefaultLogCapacity is the number of recent envelopes kept in memory
const DefaultLogCapacity = 200

// EventLog is a fixed-capacity ring of the most recent envelopes.
// Appending at capacity overwrites the oldest entry.
type EventLog struct {
	items    []domain.Envelope
	capacity int
	head     int // next write position
	size     int
	mu       sync.RWMutex
}

// NewEventLog creates an event log holding at most capacity envelopes
func NewEventLog(capacity int) *EventLog {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &EventLog{
		items:    make([]domain.Envelope, capacity),
		capacity: capacity,
	}
}

// Append adds an envelope, evicting the oldest one when full
func (l *EventLog) Append(env domain.Envelope) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.items[l.head] = env
	l.head = (l.head + 1) % l.capacity
	if l.size < l.capacity {
		l.size++
	}
}

// Snapshot returns a copy of the log, most recent first
func (l *EventLog) Snapshot() []domain.Envelope {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]domain.Envelope, l.size)
	for i := 0; i < l.size; i++ {
		idx := (l.head - 1 - i + l.capacity) % l.capacity
		out[i] = l.items[idx]
	}
	return out
}

// Len returns the current number of stored envelopes
func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Cap returns the log capacity
func (l *EventLog) Cap() int {
	return l.capacity
}
