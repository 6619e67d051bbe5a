package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/retailshift/relay/pkg/domain"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Defaults for the Kafka consumer
const (
	DefaultConsumerGroup = "visualizer-group"
	DefaultClientID      = "retailshift-visualizer"
	kafkaRetryDelay      = time.Second
)

// KafkaConfig configures a KafkaSource
type KafkaConfig struct {
	Brokers  []string
	GroupID  string
	ClientID string
	Topics   []string
	MaxWait  time.Duration
}

// KafkaSource consumes the retail topics with a consumer group, starting at
// the newest offset
type KafkaSource struct {
	config  KafkaConfig
	dialer  *kafka.Dialer
	decoder *decoder
	logger  *zap.Logger

	mu      sync.Mutex
	reader  *kafka.Reader
	brokers int
}

// NewKafkaSource creates a Kafka source. Nothing connects until Open.
func NewKafkaSource(config KafkaConfig, builder *domain.EnvelopeBuilder, recorder Recorder, logger *zap.Logger) *KafkaSource {
	if config.GroupID == "" {
		config.GroupID = DefaultConsumerGroup
	}
	if config.ClientID == "" {
		config.ClientID = DefaultClientID
	}
	if len(config.Topics) == 0 {
		config.Topics = domain.Topics()
	}
	if config.MaxWait <= 0 {
		config.MaxWait = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaSource{
		config:  config,
		dialer:  &kafka.Dialer{ClientID: config.ClientID, DualStack: true},
		decoder: newDecoder(string(SourceTypeKafka), builder, recorder, logger),
		logger:  logger,
	}
}

// Name returns the name of the source
func (s *KafkaSource) Name() string {
	return string(SourceTypeKafka)
}

// Mode is always live
func (s *KafkaSource) Mode() Mode {
	return ModeLive
}

// Brokers returns the number of brokers in the cluster, known after Open
func (s *KafkaSource) Brokers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.brokers
}

// Open contacts the cluster and checks that every topic has partitions
// before creating the group reader
func (s *KafkaSource) Open(ctx context.Context) error {
	if len(s.config.Brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}

	conn, err := s.dialAny(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return fmt.Errorf("failed to set kafka deadline: %w", err)
		}
	}

	partitions, err := conn.ReadPartitions(s.config.Topics...)
	if err != nil {
		return fmt.Errorf("failed to read kafka partitions: %w", err)
	}
	brokers, err := conn.Brokers()
	if err != nil {
		return fmt.Errorf("failed to read kafka brokers: %w", err)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     s.config.Brokers,
		GroupID:     s.config.GroupID,
		GroupTopics: s.config.Topics,
		Dialer:      s.dialer,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     s.config.MaxWait,
	})

	s.mu.Lock()
	s.reader = reader
	s.brokers = len(brokers)
	s.mu.Unlock()

	s.logger.Info("Connected to Kafka",
		zap.Strings("brokers", s.config.Brokers),
		zap.String("group", s.config.GroupID),
		zap.Int("partitions", len(partitions)),
		zap.Int("cluster_brokers", len(brokers)),
	)
	return nil
}

func (s *KafkaSource) dialAny(ctx context.Context) (*kafka.Conn, error) {
	var errs []error
	for _, broker := range s.config.Brokers {
		conn, err := s.dialer.DialContext(ctx, "tcp", broker)
		if err == nil {
			return conn, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", broker, err))
	}
	return nil, fmt.Errorf("failed to connect to kafka: %w", errors.Join(errs...))
}

// Run reads messages until ctx is cancelled or the source is closed
func (s *KafkaSource) Run(ctx context.Context, deliver DeliverFunc) error {
	s.mu.Lock()
	reader := s.reader
	s.mu.Unlock()
	if reader == nil {
		return errors.New("kafka source not opened")
	}

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			s.logger.Error("Failed to read kafka message", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(kafkaRetryDelay):
			}
			continue
		}

		env, ok := s.decoder.decode(msg.Topic, string(msg.Key), msg.Value, &domain.Position{
			Partition: int32(msg.Partition),
			Offset:    msg.Offset,
		})
		if !ok {
			continue
		}
		deliver(ctx, env)
	}
}

// Close closes the group reader
func (s *KafkaSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reader == nil {
		return nil
	}
	err := s.reader.Close()
	s.reader = nil
	return err
}

// ParseFailures returns the number of messages dropped for invalid payloads
func (s *KafkaSource) ParseFailures() int64 {
	return s.decoder.ParseFailures()
}
