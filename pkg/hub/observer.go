package hub

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Observer is one connected client's outbound queue. Sends never block: a
// full queue drops the frame and counts it.
type Observer struct {
	id      string
	mu      sync.RWMutex
	channel chan []byte
	closed  atomic.Bool
	dropped atomic.Int64
	sent    atomic.Int64
	logger  *zap.Logger

	// since is the last broadcast sequence covered by this observer's
	// snapshot. Owned by the hub goroutine.
	since uint64
}

// NewObserver creates an observer with a queue of size frames
func NewObserver(id string, size int, logger *zap.Logger) *Observer {
	if size < minObserverBuffer {
		size = minObserverBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Observer{
		id:      id,
		channel: make(chan []byte, size),
		logger:  logger,
	}
}

// ID returns the observer id
func (o *Observer) ID() string {
	return o.id
}

// Send queues a frame. Returns true if queued, false if dropped.
func (o *Observer) Send(frame []byte) bool {
	if o.closed.Load() {
		return false
	}

	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.closed.Load() || o.channel == nil {
		o.dropped.Add(1)
		return false
	}

	select {
	case o.channel <- frame:
		o.sent.Add(1)
		return true
	default:
		o.dropped.Add(1)
		o.logger.Debug("Observer queue full, dropping frame",
			zap.String("observer", o.id),
			zap.Int64("dropped", o.dropped.Load()),
		)
		return false
	}
}

// Messages returns the frame queue. It is closed when the observer is.
func (o *Observer) Messages() <-chan []byte {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.channel
}

// Close closes the queue. Safe to call more than once.
func (o *Observer) Close() {
	if !o.closed.CompareAndSwap(false, true) {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.channel != nil {
		close(o.channel)
	}
}

// Dropped returns the number of frames dropped for this observer
func (o *Observer) Dropped() int64 {
	return o.dropped.Load()
}

// Sent returns the number of frames queued for this observer
func (o *Observer) Sent() int64 {
	return o.sent.Load()
}

// Utilization returns the percentage of queue capacity in use
func (o *Observer) Utilization() float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.closed.Load() || cap(o.channel) == 0 {
		return 0
	}
	return float64(len(o.channel)) / float64(cap(o.channel)) * 100
}
