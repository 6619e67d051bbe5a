package relay

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Gauge sources
const (
	GaugeSourceSynthetic = "synthetic"
	GaugeSourceRedis     = "redis"
)

// Gauges are coarse point values overwritten on every refresh
type Gauges struct {
	InventoryCount  int64
	CustomersActive int64
}

// GaugeSource supplies the values for a gauge refresh
type GaugeSource interface {
	Gauges(ctx context.Context) (Gauges, error)
}

// SyntheticGauges draws plausible store-wide gauge values
type SyntheticGauges struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSyntheticGauges creates a synthetic gauge source. A nil rng uses a
// randomly seeded source.
func NewSyntheticGauges(rng *rand.Rand) *SyntheticGauges {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &SyntheticGauges{rng: rng}
}

// Gauges returns inventory in [10000, 15000) and active customers in [100, 600)
func (s *SyntheticGauges) Gauges(context.Context) (Gauges, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Gauges{
		InventoryCount:  int64(s.rng.IntN(5000)) + 10000,
		CustomersActive: int64(s.rng.IntN(500)) + 100,
	}, nil
}

// RedisGauges reads gauge values maintained by other services in Redis
type RedisGauges struct {
	client       redis.UniversalClient
	inventoryKey string
	customersKey string
}

// NewRedisGauges creates a Redis-backed gauge source
func NewRedisGauges(client redis.UniversalClient, inventoryKey, customersKey string) *RedisGauges {
	return &RedisGauges{
		client:       client,
		inventoryKey: inventoryKey,
		customersKey: customersKey,
	}
}

// Gauges reads both keys in one round trip. A missing key reads as zero.
func (r *RedisGauges) Gauges(ctx context.Context) (Gauges, error) {
	vals, err := r.client.MGet(ctx, r.inventoryKey, r.customersKey).Result()
	if err != nil {
		return Gauges{}, fmt.Errorf("failed to read gauges from redis: %w", err)
	}

	inventory, err := parseGauge(r.inventoryKey, vals[0])
	if err != nil {
		return Gauges{}, err
	}
	customers, err := parseGauge(r.customersKey, vals[1])
	if err != nil {
		return Gauges{}, err
	}

	return Gauges{InventoryCount: inventory, CustomersActive: customers}, nil
}

func parseGauge(key string, v interface{}) (int64, error) {
	if v == nil {
		return 0, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("gauge %s: unexpected type %T", key, v)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("gauge %s: %w", key, errors.Join(ErrInvalidGauge, err))
	}
	return n, nil
}

// ErrInvalidGauge is returned when a stored gauge is not an integer
var ErrInvalidGauge = errors.New("invalid gauge value")
