// Package hub fans relay messages out to connected observers. A single
// goroutine owns the observer set; everything else talks to it over
// channels.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/retailshift/relay/pkg/domain"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Buffer defaults
const (
	DefaultBroadcastBuffer = 1024
	DefaultObserverBuffer  = 64

	// an observer must hold both initial snapshots
	minObserverBuffer = 2
)

// Inbox drops are logged at most this often, with a small burst
const (
	dropLogInterval = time.Second
	dropLogBurst    = 5
)

// Drop reasons reported to the Recorder
const (
	DropHubFull      = "hub_full"
	DropObserverFull = "observer_full"
)

// ErrHubClosed is returned when registering with a stopped hub
var ErrHubClosed = errors.New("hub closed")

// SnapshotProvider supplies the initial messages for a new observer and the
// sequence number of the last broadcast they already reflect
type SnapshotProvider interface {
	Snapshot() (uint64, []domain.Message)
}

// Recorder receives hub measurements
type Recorder interface {
	RecordObservers(n int)
	RecordQueueUtilization(percent float64)
	RecordDelivered(n int)
	RecordDropped(reason string)
}

// Config configures a Hub
type Config struct {
	BroadcastBuffer int
	ObserverBuffer  int
}

type registration struct {
	observer *Observer
	ack      chan error
}

type outbound struct {
	seq uint64
	msg domain.Message
}

// Hub is the broadcast coordinator
type Hub struct {
	provider SnapshotProvider
	config   Config
	recorder Recorder
	logger   *zap.Logger
	limiter  *rate.Limiter

	register   chan registration
	unregister chan *Observer
	broadcast  chan outbound
	done       chan struct{}

	// owned by the Run goroutine
	observers map[*Observer]struct{}

	count      atomic.Int64
	dropped    atomic.Int64
	suppressed atomic.Int64
}

// New creates a hub. Run must be called for it to do anything.
func New(provider SnapshotProvider, config Config, recorder Recorder, logger *zap.Logger) *Hub {
	if config.BroadcastBuffer <= 0 {
		config.BroadcastBuffer = DefaultBroadcastBuffer
	}
	if config.ObserverBuffer < minObserverBuffer {
		config.ObserverBuffer = DefaultObserverBuffer
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		provider:   provider,
		config:     config,
		recorder:   recorder,
		logger:     logger,
		limiter:    rate.NewLimiter(rate.Every(dropLogInterval), dropLogBurst),
		register:   make(chan registration),
		unregister: make(chan *Observer),
		broadcast:  make(chan outbound, config.BroadcastBuffer),
		done:       make(chan struct{}),
		observers:  make(map[*Observer]struct{}),
	}
}

// NewObserver creates an observer sized for this hub
func (h *Hub) NewObserver(id string) *Observer {
	return NewObserver(id, h.config.ObserverBuffer, h.logger)
}

// Run processes registrations and broadcasts until ctx is cancelled, then
// closes every observer
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			return nil

		case reg := <-h.register:
			reg.ack <- h.add(reg.observer)

		case obs := <-h.unregister:
			h.remove(obs)

		case out := <-h.broadcast:
			h.deliver(out)
		}
	}
}

// Register sends the observer its snapshots and adds it to the broadcast
// set. It returns once the snapshots are queued.
func (h *Hub) Register(ctx context.Context, obs *Observer) error {
	ack := make(chan error, 1)
	select {
	case h.register <- registration{observer: obs, ack: ack}:
	case <-h.done:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-ack:
		return err
	case <-h.done:
		return ErrHubClosed
	}
}

// Unregister removes the observer and closes its queue
func (h *Hub) Unregister(obs *Observer) {
	select {
	case h.unregister <- obs:
	case <-h.done:
		obs.Close()
	}
}

// Broadcast queues msg for every observer. It never blocks; when the hub
// is behind the message is dropped.
func (h *Hub) Broadcast(seq uint64, msg domain.Message) {
	select {
	case h.broadcast <- outbound{seq: seq, msg: msg}:
	default:
		h.dropped.Add(1)
		h.recorder.RecordDropped(DropHubFull)
		h.logDrop(seq, msg)
	}
}

func (h *Hub) logDrop(seq uint64, msg domain.Message) {
	if !h.limiter.Allow() {
		h.suppressed.Add(1)
		return
	}
	h.logger.Warn("Hub inbox full, dropping broadcast",
		zap.String("type", string(msg.Type)),
		zap.Uint64("seq", seq),
		zap.Int64("suppressed", h.suppressed.Swap(0)),
	)
}

// Observers returns the number of registered observers
func (h *Hub) Observers() int {
	return int(h.count.Load())
}

// Dropped returns the number of broadcasts dropped at the hub inbox
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

func (h *Hub) add(obs *Observer) error {
	seq, msgs := h.provider.Snapshot()
	for _, msg := range msgs {
		frame, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		obs.Send(frame)
	}

	obs.since = seq
	h.observers[obs] = struct{}{}
	h.updateCount()

	h.logger.Debug("Observer registered",
		zap.String("observer", obs.ID()),
		zap.Uint64("since", seq),
		zap.Int("observers", len(h.observers)),
	)
	return nil
}

func (h *Hub) remove(obs *Observer) {
	if _, ok := h.observers[obs]; ok {
		delete(h.observers, obs)
		h.updateCount()
		h.logger.Debug("Observer unregistered",
			zap.String("observer", obs.ID()),
			zap.Int64("dropped", obs.Dropped()),
		)
	}
	obs.Close()
}

func (h *Hub) deliver(out outbound) {
	if len(h.observers) == 0 {
		return
	}

	frame, err := json.Marshal(out.msg)
	if err != nil {
		h.logger.Error("Failed to encode broadcast", zap.String("type", string(out.msg.Type)), zap.Error(err))
		return
	}

	delivered := 0
	fullest := 0.0
	for obs := range h.observers {
		if out.seq != 0 && out.seq <= obs.since {
			continue
		}
		if obs.Send(frame) {
			delivered++
		} else {
			h.recorder.RecordDropped(DropObserverFull)
		}
		fullest = max(fullest, obs.Utilization())
	}
	h.recorder.RecordDelivered(delivered)
	h.recorder.RecordQueueUtilization(fullest)
}

func (h *Hub) closeAll() {
	for obs := range h.observers {
		obs.Close()
		delete(h.observers, obs)
	}
	h.updateCount()
}

func (h *Hub) updateCount() {
	h.count.Store(int64(len(h.observers)))
	h.recorder.RecordObservers(len(h.observers))
}

type nopRecorder struct{}

func (nopRecorder) RecordObservers(int)            {}
func (nopRecorder) RecordQueueUtilization(float64) {}
func (nopRecorder) RecordDelivered(int)            {}
func (nopRecorder) RecordDropped(string)           {}
