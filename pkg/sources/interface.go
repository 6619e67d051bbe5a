// Package sources turns a streaming bus, or a synthetic generator standing in
// for one, into a stream of envelopes.
package sources

import (
	"context"

	"github.com/retailshift/relay/pkg/domain"
)

// DeliverFunc receives every envelope a source produces, one at a time
type DeliverFunc func(ctx context.Context, env domain.Envelope)

// Mode tells whether envelopes come from a real bus
type Mode string

const (
	ModeLive      Mode = "live"
	ModeSynthetic Mode = "synthetic"
)

// Source is an ingestion adapter
type Source interface {
	// Name returns the name of the source
	Name() string

	// Mode reports whether the source is live or synthetic
	Mode() Mode

	// Open connects and subscribes. A failure here means the source cannot
	// be used at all.
	Open(ctx context.Context) error

	// Run delivers envelopes until ctx is cancelled
	Run(ctx context.Context, deliver DeliverFunc) error

	// Close releases the connection
	Close() error
}

// SourceType names a configured source implementation
type SourceType string

const (
	SourceTypeKafka     SourceType = "kafka"
	SourceTypeNATS      SourceType = "nats"
	SourceTypeSynthetic SourceType = "synthetic"
)

// IsValid reports whether t is a known source type
func (t SourceType) IsValid() bool {
	switch t {
	case SourceTypeKafka, SourceTypeNATS, SourceTypeSynthetic:
		return true
	default:
		return false
	}
}

// Recorder receives source measurements
type Recorder interface {
	RecordReceived(source, topic string)
	RecordParseFailure(source, topic string)
}

type nopRecorder struct{}

func (nopRecorder) RecordReceived(string, string)     {}
func (nopRecorder) RecordParseFailure(string, string) {}
