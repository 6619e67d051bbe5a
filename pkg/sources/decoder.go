package sources

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/retailshift/relay/pkg/domain"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Parse failures are logged at most this often, with a small burst
const (
	parseLogInterval = time.Second
	parseLogBurst    = 5
)

// decoder validates raw bus messages and stamps envelopes for live sources
type decoder struct {
	source   string
	builder  *domain.EnvelopeBuilder
	recorder Recorder
	logger   *zap.Logger
	limiter  *rate.Limiter

	received      atomic.Int64
	parseFailures atomic.Int64
	suppressed    atomic.Int64
}

func newDecoder(source string, builder *domain.EnvelopeBuilder, recorder Recorder, logger *zap.Logger) *decoder {
	if builder == nil {
		builder = domain.NewEnvelopeBuilder(nil)
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &decoder{
		source:   source,
		builder:  builder,
		recorder: recorder,
		logger:   logger,
		limiter:  rate.NewLimiter(rate.Every(parseLogInterval), parseLogBurst),
	}
}

// decode returns the envelope for one message, or false when the payload is
// not JSON. Dropped messages never reach the relay.
func (d *decoder) decode(topic, key string, value []byte, pos *domain.Position) (domain.Envelope, bool) {
	d.received.Add(1)
	d.recorder.RecordReceived(d.source, topic)

	payload, err := domain.ParseValue(value)
	if err != nil {
		d.parseFailures.Add(1)
		d.recorder.RecordParseFailure(d.source, topic)
		d.logParseFailure(fmt.Errorf("topic %s: %w", topic, err), pos)
		return domain.Envelope{}, false
	}

	return d.builder.Build(topic, key, payload, pos), true
}

func (d *decoder) logParseFailure(err error, pos *domain.Position) {
	if !d.limiter.Allow() {
		d.suppressed.Add(1)
		return
	}

	fields := []zap.Field{
		zap.String("source", d.source),
		zap.Error(err),
		zap.Int64("suppressed", d.suppressed.Swap(0)),
	}
	if pos != nil {
		fields = append(fields, zap.Int32("partition", pos.Partition), zap.Int64("offset", pos.Offset))
	}
	d.logger.Warn("Dropping message with invalid payload", fields...)
}

// ParseFailures returns the number of dropped messages
func (d *decoder) ParseFailures() int64 {
	return d.parseFailures.Load()
}

// Received returns the number of messages seen, valid or not
func (d *decoder) Received() int64 {
	return d.received.Load()
}
