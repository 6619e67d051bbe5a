package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/retailshift/relay/pkg/domain"
	"github.com/retailshift/relay/pkg/health"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Broadcaster receives every outbound message in mutation order. seq
// increases by one per message and lets receivers discard messages already
// covered by a snapshot.
type Broadcaster interface {
	Broadcast(seq uint64, msg domain.Message)
}

// Recorder receives relay measurements
type Recorder interface {
	RecordIngest(category domain.Category)
	RecordStateBroadcast(reason string)
	RecordHealthChange(id string, status domain.ServiceStatus)
	RecordLogSize(n int)
}

// Reasons attached to state broadcasts
const (
	ReasonPerturbation = "perturbation"
	ReasonHealth       = "health"
	ReasonGauges       = "gauges"
	ReasonBus          = "bus"
)

// Stats are counters about the relay itself
type Stats struct {
	EventsIngested  int64
	StateBroadcasts int64
	HealthUpdates   int64
	GaugeRefreshes  int64
	LastEventTime   time.Time
}

// Options configures a Relay. Zero values select defaults.
type Options struct {
	LogCapacity       int
	LowStockThreshold int
	Rate              RateEstimator
	Router            *TopicRouter
	Registry          *health.Registry
	Perturber         *health.Perturber // nil disables synthetic perturbation
	Broadcaster       Broadcaster
	Recorder          Recorder
	Logger            *zap.Logger
	Now               func() time.Time
}

// Relay owns the event log, the metrics and the health registry. Every
// mutation and the broadcast it causes happen under one lock, so observers
// see messages in mutation order.
type Relay struct {
	log        *EventLog
	aggregator *Aggregator
	router     *TopicRouter
	registry   *health.Registry
	perturber  *health.Perturber
	metrics    domain.Metrics

	broadcaster Broadcaster
	recorder    Recorder
	logger      *zap.Logger
	tracer      trace.Tracer
	now         func() time.Time

	seq   uint64
	stats Stats
	mu    sync.Mutex
}

// New creates a relay
func New(opts Options) (*Relay, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Broadcaster == nil {
		opts.Broadcaster = nopBroadcaster{}
	}
	if opts.Router == nil {
		router, err := NewTopicRouter(nil)
		if err != nil {
			return nil, err
		}
		opts.Router = router
	}
	if opts.Registry == nil {
		registry, err := health.NewRegistry(health.DefaultSeed(), opts.Now().UTC())
		if err != nil {
			return nil, fmt.Errorf("failed to create registry: %w", err)
		}
		opts.Registry = registry
	}

	log := NewEventLog(opts.LogCapacity)
	opts.Logger.Debug("Relay created", zap.Int("log_capacity", log.Cap()))

	return &Relay{
		log:         log,
		aggregator:  NewAggregator(opts.Rate, opts.LowStockThreshold),
		router:      opts.Router,
		registry:    opts.Registry,
		perturber:   opts.Perturber,
		broadcaster: opts.Broadcaster,
		recorder:    opts.Recorder,
		logger:      opts.Logger,
		tracer:      otel.Tracer("retailshift-relay"),
		now:         opts.Now,
	}, nil
}

// SetBroadcaster replaces the broadcaster. The hub is created after the
// relay because it reads snapshots from it.
func (r *Relay) SetBroadcaster(b Broadcaster) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b == nil {
		b = nopBroadcaster{}
	}
	r.broadcaster = b
}

// SetPerturber enables synthetic perturbation on every ingested envelope.
// nil disables it.
func (r *Relay) SetPerturber(p *health.Perturber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.perturber = p
}

// Ingest appends env to the log, updates the metrics and broadcasts the
// envelope. In synthetic mode it may also perturb one service, which is
// followed by a state broadcast.
func (r *Relay) Ingest(ctx context.Context, env domain.Envelope) {
	_, span := r.tracer.Start(ctx, "relay.Ingest",
		trace.WithAttributes(
			attribute.String("envelope.id", env.ID),
			attribute.String("envelope.topic", env.Topic),
		),
	)
	defer span.End()
	if env.HasPosition() {
		span.SetAttributes(
			attribute.Int("envelope.partition", int(*env.Partition)),
			attribute.String("envelope.offset", env.Offset),
		)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.log.Append(env)
	category := r.router.Route(env)
	r.metrics = r.aggregator.UpdateAs(r.metrics, env, category)

	r.stats.EventsIngested++
	r.stats.LastEventTime = env.Timestamp
	r.recorder.RecordIngest(category)
	r.recorder.RecordLogSize(r.log.Len())

	r.broadcast(domain.NewEventMessage(env))

	if r.perturber == nil {
		return
	}
	u, ok := r.perturber.Perturb(r.registry.ServiceIDs())
	if !ok {
		return
	}
	if _, err := r.applyLocked(u); err != nil {
		r.logger.Error("Perturbation rejected", zap.String("id", u.ID), zap.Error(err))
		return
	}
	span.AddEvent("perturbation", trace.WithAttributes(
		attribute.String("service.id", u.ID),
		attribute.String("service.status", u.Status.String()),
	))
	r.broadcastState(ReasonPerturbation)
}

// ApplyHealth records health observations and broadcasts one state update
// when any was applied. Updates for unknown ids are skipped and reported in
// the returned error.
func (r *Relay) ApplyHealth(ctx context.Context, updates ...health.Update) error {
	_, span := r.tracer.Start(ctx, "relay.ApplyHealth",
		trace.WithAttributes(attribute.Int("updates", len(updates))),
	)
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	applied := 0
	for _, u := range updates {
		if _, err := r.applyLocked(u); err != nil {
			errs = append(errs, err)
			continue
		}
		applied++
	}
	if applied > 0 {
		r.broadcastState(ReasonHealth)
	}
	return errors.Join(errs...)
}

func (r *Relay) applyLocked(u health.Update) (bool, error) {
	previous, _ := r.registry.Status(u.ID)
	changed, err := r.registry.Apply(u)
	if err != nil {
		return false, err
	}
	r.stats.HealthUpdates++
	if changed {
		r.recorder.RecordHealthChange(u.ID, u.Status)
		r.logger.Info("Service status changed",
			zap.String("id", u.ID),
			zap.String("from", previous.String()),
			zap.String("status", u.Status.String()),
		)
	}
	return changed, nil
}

// RefreshGauges overwrites the gauge metrics from src and broadcasts the new
// state
func (r *Relay) RefreshGauges(ctx context.Context, src GaugeSource) error {
	g, err := src.Gauges(ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh gauges: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.metrics.Inventory.Count = g.InventoryCount
	r.metrics.Customers.Active = g.CustomersActive
	r.stats.GaugeRefreshes++
	r.broadcastState(ReasonGauges)
	return nil
}

// SetBusStatus records the streaming bus state and broadcasts it
func (r *Relay) SetBusStatus(status domain.ServiceStatus, brokers int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.registry.SetBusStatus(status, brokers)
	r.broadcastState(ReasonBus)
}

// Snapshot returns the initial messages for a new observer, recent events
// first, along with the sequence number of the last message broadcast before
// the snapshot was taken
func (r *Relay) Snapshot() (uint64, []domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.seq, []domain.Message{
		domain.NewRecentEventsMessage(r.log.Snapshot()),
		domain.NewSystemStateMessage(r.systemStateLocked()),
	}
}

// SystemState returns a copy of the registry and metrics
func (r *Relay) SystemState() domain.SystemState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.systemStateLocked()
}

// RecentEvents returns the event log, most recent first
func (r *Relay) RecentEvents() []domain.Envelope {
	return r.log.Snapshot()
}

// Metrics returns the current metrics
func (r *Relay) Metrics() domain.Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metrics
}

// ServiceIDs returns the registered service ids
func (r *Relay) ServiceIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registry.ServiceIDs()
}

// Stats returns the relay counters
func (r *Relay) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Relay) systemStateLocked() domain.SystemState {
	return domain.SystemState{
		Services:    r.registry.Services(),
		Databases:   r.registry.Databases(),
		KafkaStatus: r.registry.Bus(),
		Metrics:     r.metrics,
	}
}

func (r *Relay) broadcastState(reason string) {
	r.stats.StateBroadcasts++
	r.recorder.RecordStateBroadcast(reason)
	r.broadcast(domain.NewSystemStateMessage(r.systemStateLocked()))
}

func (r *Relay) broadcast(msg domain.Message) {
	r.seq++
	r.broadcaster.Broadcast(r.seq, msg)
}

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(uint64, domain.Message) {}

type nopRecorder struct{}

func (nopRecorder) RecordIngest(domain.Category)                    {}
func (nopRecorder) RecordStateBroadcast(string)                     {}
func (nopRecorder) RecordHealthChange(string, domain.ServiceStatus) {}
func (nopRecorder) RecordLogSize(int)                               {}
