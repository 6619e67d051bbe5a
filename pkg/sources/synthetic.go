package sources

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/retailshift/relay/pkg/domain"
	"go.uber.org/zap"
)

// DefaultSyntheticInterval is the pause between synthetic envelopes
const DefaultSyntheticInterval = 3 * time.Second

// SyntheticConfig configures a SyntheticSource
type SyntheticConfig struct {
	Interval time.Duration
	Topics   []string
}

// SyntheticSource generates plausible retail envelopes on a timer
type SyntheticSource struct {
	config  SyntheticConfig
	builder *domain.EnvelopeBuilder
	logger  *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSyntheticSource creates a synthetic source. A nil rng uses a randomly
// seeded source.
func NewSyntheticSource(config SyntheticConfig, builder *domain.EnvelopeBuilder, rng *rand.Rand, logger *zap.Logger) *SyntheticSource {
	if config.Interval <= 0 {
		config.Interval = DefaultSyntheticInterval
	}
	if len(config.Topics) == 0 {
		config.Topics = domain.Topics()
	}
	if builder == nil {
		builder = domain.NewEnvelopeBuilder(nil)
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyntheticSource{
		config:  config,
		builder: builder,
		rng:     rng,
		logger:  logger,
	}
}

// Name returns the name of the source
func (s *SyntheticSource) Name() string {
	return string(SourceTypeSynthetic)
}

// Mode is always synthetic
func (s *SyntheticSource) Mode() Mode {
	return ModeSynthetic
}

// Open has nothing to connect to
func (s *SyntheticSource) Open(context.Context) error {
	return nil
}

// Close has nothing to release
func (s *SyntheticSource) Close() error {
	return nil
}

// Run delivers one envelope per interval until ctx is cancelled
func (s *SyntheticSource) Run(ctx context.Context, deliver DeliverFunc) error {
	s.logger.Info("Starting synthetic data generator",
		zap.Duration("interval", s.config.Interval),
		zap.Strings("topics", s.config.Topics),
	)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			deliver(ctx, s.Next())
		}
	}
}

// Next builds one envelope on a uniformly chosen topic
func (s *SyntheticSource) Next() domain.Envelope {
	s.mu.Lock()
	topic := s.config.Topics[s.rng.IntN(len(s.config.Topics))]
	payload := s.payload(topic)
	s.mu.Unlock()

	return s.builder.Build(topic, "", domain.MustValue(payload), nil)
}

type inventoryPayload struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	Location  string `json:"location"`
	Action    string `json:"action"`
}

type transactionPayload struct {
	TransactionID string  `json:"transactionId"`
	Amount        float64 `json:"amount"`
	Items         int     `json:"items"`
	StoreID       string  `json:"storeId"`
	PaymentMethod string  `json:"paymentMethod"`
}

type customerPayload struct {
	CustomerID   string `json:"customerId"`
	Action       string `json:"action"`
	LoyaltyLevel string `json:"loyaltyLevel"`
	Value        string `json:"value"`
}

type systemPayload struct {
	Type    string `json:"type"`
	Service string `json:"service"`
	Message string `json:"message"`
}

func (s *SyntheticSource) payload(topic string) interface{} {
	switch domain.CategoryOf(topic) {
	case domain.CategoryInventory:
		action := "stock_count"
		if s.rng.Float64() > 0.5 {
			action = "update"
		}
		return inventoryPayload{
			ProductID: fmt.Sprintf("P%d", s.rng.IntN(10000)),
			Name:      fmt.Sprintf("Product %d", s.rng.IntN(100)),
			Quantity:  s.rng.IntN(100),
			Location:  fmt.Sprintf("Store-%d", s.rng.IntN(10)),
			Action:    action,
		}

	case domain.CategoryTransactions:
		return transactionPayload{
			TransactionID: fmt.Sprintf("T%d", s.rng.IntN(10000)),
			Amount:        s.rng.Float64() * 200,
			Items:         s.rng.IntN(10) + 1,
			StoreID:       fmt.Sprintf("Store-%d", s.rng.IntN(10)),
			PaymentMethod: s.pick("credit", "cash", "debit"),
		}

	case domain.CategoryCustomers:
		value := "medium"
		if s.rng.Float64() > 0.7 {
			value = "high"
		}
		return customerPayload{
			CustomerID:   fmt.Sprintf("C%d", s.rng.IntN(10000)),
			Action:       s.pick("purchase", "return", "inquiry"),
			LoyaltyLevel: s.pick("bronze", "silver", "gold", "platinum"),
			Value:        value,
		}

	default:
		return systemPayload{
			Type:    s.pick("info", "warning", "error"),
			Service: s.pick("inventory", "transaction", "customer", "legacy-adapter"),
			Message: fmt.Sprintf("Event message %d", s.rng.IntN(1000)),
		}
	}
}

func (s *SyntheticSource) pick(options ...string) string {
	return options[s.rng.IntN(len(options))]
}
