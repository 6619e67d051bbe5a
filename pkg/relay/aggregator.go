package relay

import (
	"github.com/retailshift/relay/pkg/domain"
	"github.com/tidwall/gjson"
)

// DefaultLowStockThreshold is the quantity below which an inventory update
// counts as low stock
const DefaultLowStockThreshold = 10

// Aggregator derives per-category metrics from envelopes
type Aggregator struct {
	rate              RateEstimator
	lowStockThreshold float64
}

// NewAggregator creates an aggregator. A nil estimator uses RandomRate.
func NewAggregator(rate RateEstimator, lowStockThreshold int) *Aggregator {
	if rate == nil {
		rate = NewRandomRate(nil)
	}
	if lowStockThreshold <= 0 {
		lowStockThreshold = DefaultLowStockThreshold
	}
	return &Aggregator{
		rate:              rate,
		lowStockThreshold: float64(lowStockThreshold),
	}
}

// Update returns the metrics after applying env. The caller replaces its
// state with the result; m itself is not modified.
func (a *Aggregator) Update(m domain.Metrics, env domain.Envelope) domain.Metrics {
	return a.UpdateAs(m, env, env.Category())
}

// UpdateAs applies env as if it belonged to category
func (a *Aggregator) UpdateAs(m domain.Metrics, env domain.Envelope, category domain.Category) domain.Metrics {
	switch category {
	case domain.CategoryInventory:
		m.Inventory.Updates++
		if qty := gjson.GetBytes(env.Value, "quantity"); qty.Type == gjson.Number && qty.Float() < a.lowStockThreshold {
			m.Inventory.LowStock++
		}

	case domain.CategoryTransactions:
		m.Transactions.Count++
		m.Transactions.Amount += nonNegative(gjson.GetBytes(env.Value, "amount"))
		m.Transactions.Items += int64(nonNegative(gjson.GetBytes(env.Value, "items")))
		m.Transactions.Rate = a.rate.Observe(env.Timestamp)

	case domain.CategoryCustomers:
		m.Customers.Count++
	}

	return m
}

// nonNegative reads a numeric payload field, treating missing, non-numeric
// and negative values as zero so counters never decrease
func nonNegative(r gjson.Result) float64 {
	if r.Type != gjson.Number {
		return 0
	}
	if v := r.Float(); v > 0 {
		return v
	}
	return 0
}
