package relay

import (
	"encoding/json"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/retailshift/relay/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedRate float64

func (f fixedRate) Observe(time.Time) float64 { return float64(f) }

func envelope(topic, value string) domain.Envelope {
	return domain.Envelope{
		ID:        topic + "-1",
		Topic:     topic,
		Timestamp: time.Unix(1700000000, 0).UTC(),
		Value:     json.RawMessage(value),
	}
}

func TestAggregatorTransaction(t *testing.T) {
	agg := NewAggregator(fixedRate(7.5), 0)

	before := domain.Metrics{
		Transactions: domain.TransactionMetrics{Count: 4, Amount: 100, Items: 3},
		Inventory:    domain.InventoryMetrics{Count: 12000, Updates: 9, LowStock: 1},
		Customers:    domain.CustomerMetrics{Count: 2, Active: 300},
	}
	after := agg.Update(before, envelope(domain.TopicTransactions, `{"amount":50,"items":2}`))

	assert.Equal(t, int64(5), after.Transactions.Count)
	assert.Equal(t, 150.0, after.Transactions.Amount)
	assert.Equal(t, int64(5), after.Transactions.Items)
	assert.Equal(t, 7.5, after.Transactions.Rate)

	assert.Equal(t, before.Inventory, after.Inventory)
	assert.Equal(t, before.Customers, after.Customers)
}

func TestAggregatorToleratesMissingFields(t *testing.T) {
	agg := NewAggregator(fixedRate(1), 0)

	tests := []struct {
		name  string
		value string
	}{
		{"empty object", `{}`},
		{"string amount", `{"amount":"fifty","items":"two"}`},
		{"negative values", `{"amount":-10,"items":-3}`},
		{"array payload", `[1,2,3]`},
		{"scalar payload", `42`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			after := agg.Update(domain.Metrics{}, envelope(domain.TopicTransactions, tt.value))
			assert.Equal(t, int64(1), after.Transactions.Count)
			assert.Zero(t, after.Transactions.Amount)
			assert.Zero(t, after.Transactions.Items)
		})
	}
}

func TestAggregatorInventory(t *testing.T) {
	agg := NewAggregator(fixedRate(1), 10)

	m := agg.Update(domain.Metrics{}, envelope(domain.TopicInventory, `{"product":"Widget","quantity":3}`))
	assert.Equal(t, int64(1), m.Inventory.Updates)
	assert.Equal(t, int64(1), m.Inventory.LowStock)

	m = agg.Update(m, envelope(domain.TopicInventory, `{"product":"Widget","quantity":40}`))
	assert.Equal(t, int64(2), m.Inventory.Updates)
	assert.Equal(t, int64(1), m.Inventory.LowStock)

	m = agg.Update(m, envelope(domain.TopicInventory, `{"product":"Widget"}`))
	assert.Equal(t, int64(3), m.Inventory.Updates)
	assert.Equal(t, int64(1), m.Inventory.LowStock)
	assert.Zero(t, m.Inventory.Count)
}

func TestAggregatorCustomersAndSystem(t *testing.T) {
	agg := NewAggregator(fixedRate(1), 0)

	m := agg.Update(domain.Metrics{}, envelope(domain.TopicCustomers, `{"customerId":"C1"}`))
	assert.Equal(t, int64(1), m.Customers.Count)
	assert.Zero(t, m.Customers.Active)

	unchanged := agg.Update(m, envelope(domain.TopicEvents, `{"type":"info"}`))
	assert.Equal(t, m, unchanged)

	unknown := agg.Update(m, envelope("retailshift.returns", `{"amount":10}`))
	assert.Equal(t, m, unknown)
}

func TestAggregatorCountersNeverDecrease(t *testing.T) {
	agg := NewAggregator(NewRandomRate(rand.New(rand.NewPCG(1, 1))), 0)
	values := []string{`{"amount":5,"items":1}`, `{"amount":-5}`, `{}`, `{"quantity":-1}`, `null`}
	topics := domain.Topics()

	m := domain.Metrics{}
	for i := 0; i < 200; i++ {
		next := agg.Update(m, envelope(topics[i%len(topics)], values[i%len(values)]))
		assert.GreaterOrEqual(t, next.Transactions.Count, m.Transactions.Count)
		assert.GreaterOrEqual(t, next.Transactions.Amount, m.Transactions.Amount)
		assert.GreaterOrEqual(t, next.Transactions.Items, m.Transactions.Items)
		assert.GreaterOrEqual(t, next.Inventory.Updates, m.Inventory.Updates)
		assert.GreaterOrEqual(t, next.Inventory.LowStock, m.Inventory.LowStock)
		assert.GreaterOrEqual(t, next.Customers.Count, m.Customers.Count)
		m = next
	}
}

func TestRandomRateRange(t *testing.T) {
	r := NewRandomRate(rand.New(rand.NewPCG(9, 9)))
	for i := 0; i < 1000; i++ {
		v := r.Observe(time.Time{})
		assert.GreaterOrEqual(t, v, 5.0)
		assert.Less(t, v, 15.0)
	}
}

func TestWindowedRate(t *testing.T) {
	w := NewWindowedRate(10 * time.Second)
	start := time.Unix(1700000000, 0)

	for i := 0; i < 20; i++ {
		w.Observe(start.Add(time.Duration(i) * 500 * time.Millisecond))
	}
	// 20 observations inside the last ten seconds
	assert.InDelta(t, 2.0, w.Observe(start.Add(9500*time.Millisecond)), 0.11)

	// Everything before t-10s has aged out
	assert.InDelta(t, 0.1, w.Observe(start.Add(time.Minute)), 1e-9)
}

func TestNewRateEstimator(t *testing.T) {
	r, err := NewRateEstimator("", 0, nil)
	require.NoError(t, err)
	assert.IsType(t, &RandomRate{}, r)

	r, err = NewRateEstimator(RatePolicyWindowed, time.Second, nil)
	require.NoError(t, err)
	assert.IsType(t, &WindowedRate{}, r)

	_, err = NewRateEstimator("ewma", 0, nil)
	assert.Error(t, err)
}
