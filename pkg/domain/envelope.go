package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

// ErrInvalidPayload is returned when a message value is not valid UTF-8 JSON
var ErrInvalidPayload = errors.New("invalid payload")

// Envelope is one unit of ingested retail activity.
// Envelopes are passed by value and never modified after construction.
type Envelope struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Partition *int32          `json:"partition,omitempty"`
	Offset    string          `json:"offset,omitempty"`
	Key       string          `json:"key,omitempty"`
	Value     json.RawMessage `json:"value"`
}

// Category returns the topic category of the envelope
func (e Envelope) Category() Category {
	return CategoryOf(e.Topic)
}

// HasPosition reports whether the envelope carries source position markers
func (e Envelope) HasPosition() bool {
	return e.Partition != nil
}

// ParseValue validates raw message bytes as UTF-8 JSON and returns a
// compacted copy. Values are relayed in WebSocket text frames, which must be
// valid UTF-8.
func ParseValue(data []byte) (json.RawMessage, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidPayload)
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: value is not valid UTF-8", ErrInvalidPayload)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return json.RawMessage(buf.Bytes()), nil
}

// MustValue marshals v into a raw payload. It panics on marshal failure and
// is meant for payloads built in-process.
func MustValue(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal payload: %v", err))
	}
	return data
}

// IDGenerator hands out envelope ids of the form <topic>-<unix-millis>-<seq>.
// The sequence is shared by all topics so ids stay unique under bursts.
type IDGenerator struct {
	seq atomic.Uint64
}

// Next returns a new id for topic at instant t
func (g *IDGenerator) Next(topic string, t time.Time) string {
	n := g.seq.Add(1)
	return topic + "-" + strconv.FormatInt(t.UnixMilli(), 10) + "-" + strconv.FormatUint(n, 10)
}

// Position holds the optional source position markers of a live message
type Position struct {
	Partition int32
	Offset    int64
}

// EnvelopeBuilder stamps envelopes at ingestion time
type EnvelopeBuilder struct {
	ids *IDGenerator
	now func() time.Time
}

// NewEnvelopeBuilder creates a builder using now as the ingestion clock.
// A nil clock defaults to time.Now.
func NewEnvelopeBuilder(now func() time.Time) *EnvelopeBuilder {
	if now == nil {
		now = time.Now
	}
	return &EnvelopeBuilder{ids: &IDGenerator{}, now: now}
}

// Build creates an envelope for topic. pos may be nil for sources without
// position markers.
func (b *EnvelopeBuilder) Build(topic, key string, value json.RawMessage, pos *Position) Envelope {
	ts := b.now().UTC()
	env := Envelope{
		ID:        b.ids.Next(topic, ts),
		Topic:     topic,
		Timestamp: ts,
		Key:       key,
		Value:     value,
	}
	if pos != nil {
		partition := pos.Partition
		env.Partition = &partition
		env.Offset = strconv.FormatInt(pos.Offset, 10)
	}
	return env
}
