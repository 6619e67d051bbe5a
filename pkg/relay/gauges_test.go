package relay

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyntheticGaugesRange(t *testing.T) {
	src := NewSyntheticGauges(rand.New(rand.NewPCG(2, 3)))

	for i := 0; i < 500; i++ {
		g, err := src.Gauges(context.Background())
		require.NoError(t, err)
		assert.GreaterOrEqual(t, g.InventoryCount, int64(10000))
		assert.Less(t, g.InventoryCount, int64(15000))
		assert.GreaterOrEqual(t, g.CustomersActive, int64(100))
		assert.Less(t, g.CustomersActive, int64(600))
	}
}

func TestRedisGauges(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	src := NewRedisGauges(client, "retailshift:inventory:count", "retailshift:customers:active")

	g, err := src.Gauges(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Gauges{}, g)

	require.NoError(t, mr.Set("retailshift:inventory:count", "12345"))
	require.NoError(t, mr.Set("retailshift:customers:active", "321"))

	g, err = src.Gauges(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Gauges{InventoryCount: 12345, CustomersActive: 321}, g)
}

func TestRedisGaugesInvalidValue(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	require.NoError(t, mr.Set("inv", "lots"))

	_, err := NewRedisGauges(client, "inv", "cust").Gauges(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidGauge))
}
