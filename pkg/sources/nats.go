package sources

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/retailshift/relay/pkg/domain"
	"go.uber.org/zap"
)

// KeyHeader carries the partitioning key of a NATS message
const KeyHeader = "Key"

const natsPendingMessages = 1024

// NATSConfig configures a NATSSource
type NATSConfig struct {
	URL      string
	Name     string
	Queue    string
	Subjects []string
}

// NATSSource queue-subscribes to the retail subjects. Members of the same
// queue share the stream like a Kafka consumer group.
type NATSSource struct {
	config  NATSConfig
	decoder *decoder
	logger  *zap.Logger

	mu   sync.Mutex
	nc   *nats.Conn
	subs []*nats.Subscription
	msgs chan *nats.Msg
}

// NewNATSSource creates a NATS source. Nothing connects until Open.
func NewNATSSource(config NATSConfig, builder *domain.EnvelopeBuilder, recorder Recorder, logger *zap.Logger) *NATSSource {
	if config.Name == "" {
		config.Name = DefaultClientID
	}
	if config.Queue == "" {
		config.Queue = DefaultConsumerGroup
	}
	if len(config.Subjects) == 0 {
		config.Subjects = domain.Topics()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSSource{
		config:  config,
		decoder: newDecoder(string(SourceTypeNATS), builder, recorder, logger),
		logger:  logger,
	}
}

// Name returns the name of the source
func (s *NATSSource) Name() string {
	return string(SourceTypeNATS)
}

// Mode is always live
func (s *NATSSource) Mode() Mode {
	return ModeLive
}

// Brokers is always one, the server the client is connected to
func (s *NATSSource) Brokers() int {
	return 1
}

// Open connects without retrying and subscribes to every subject
func (s *NATSSource) Open(ctx context.Context) error {
	if s.config.URL == "" {
		return errors.New("no nats url configured")
	}

	opts := []nats.Option{
		nats.Name(s.config.Name),
		nats.RetryOnFailedConnect(false),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				s.logger.Error("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			s.logger.Error("NATS error", zap.Error(err))
		}),
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}

	nc, err := nats.Connect(s.config.URL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	msgs := make(chan *nats.Msg, natsPendingMessages)
	subs := make([]*nats.Subscription, 0, len(s.config.Subjects))
	for _, subject := range s.config.Subjects {
		sub, err := nc.ChanQueueSubscribe(subject, s.config.Queue, msgs)
		if err != nil {
			nc.Close()
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	if err := nc.FlushWithContext(ctx); err != nil {
		nc.Close()
		return fmt.Errorf("failed to flush subscriptions: %w", err)
	}

	s.mu.Lock()
	s.nc = nc
	s.subs = subs
	s.msgs = msgs
	s.mu.Unlock()

	s.logger.Info("Connected to NATS",
		zap.String("url", nc.ConnectedUrl()),
		zap.String("queue", s.config.Queue),
		zap.Strings("subjects", s.config.Subjects),
	)
	return nil
}

// Run delivers messages until ctx is cancelled
func (s *NATSSource) Run(ctx context.Context, deliver DeliverFunc) error {
	s.mu.Lock()
	msgs := s.msgs
	s.mu.Unlock()
	if msgs == nil {
		return errors.New("nats source not opened")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-msgs:
			var key string
			if msg.Header != nil {
				key = msg.Header.Get(KeyHeader)
			}
			env, ok := s.decoder.decode(msg.Subject, key, msg.Data, nil)
			if !ok {
				continue
			}
			deliver(ctx, env)
		}
	}
}

// Close unsubscribes and closes the connection
func (s *NATSSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nc == nil {
		return nil
	}

	var errs []error
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	s.nc.Close()
	s.nc = nil
	s.subs = nil
	return errors.Join(errs...)
}

// ParseFailures returns the number of messages dropped for invalid payloads
func (s *NATSSource) ParseFailures() int64 {
	return s.decoder.ParseFailures()
}
