package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValue(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "object is compacted", input: "{ \"amount\": 50,\n \"items\": 2 }", want: `{"amount":50,"items":2}`},
		{name: "array", input: `[1, 2]`, want: `[1,2]`},
		{name: "scalar", input: `"hello"`, want: `"hello"`},
		{name: "empty", input: "   ", wantErr: true},
		{name: "truncated", input: `{"amount":`, wantErr: true},
		{name: "not json", input: `hello world`, wantErr: true},
		{name: "invalid utf8 in string", input: "{\"name\":\"caf\xff\"}", wantErr: true},
		{name: "multibyte utf8", input: `{"name": "café"}`, want: `{"name":"café"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseValue([]byte(tt.input))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidPayload))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestIDGeneratorUniqueWithinSameMillisecond(t *testing.T) {
	var gen IDGenerator
	ts := time.UnixMilli(1700000000000)

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := gen.Next(TopicInventory, ts)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Equal(t, "retailshift.inventory-1700000000000-1001", gen.Next(TopicInventory, ts))
}

func TestEnvelopeBuilder(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	b := NewEnvelopeBuilder(func() time.Time { return fixed })

	t.Run("live message keeps position markers", func(t *testing.T) {
		env := b.Build(TopicTransactions, "store-1", json.RawMessage(`{"amount":50}`), &Position{Partition: 2, Offset: 42})

		assert.Equal(t, TopicTransactions, env.Topic)
		assert.Equal(t, fixed.UTC(), env.Timestamp)
		require.NotNil(t, env.Partition)
		assert.Equal(t, int32(2), *env.Partition)
		assert.Equal(t, "42", env.Offset)
		assert.Equal(t, "store-1", env.Key)
		assert.True(t, env.HasPosition())
		assert.Equal(t, CategoryTransactions, env.Category())
	})

	t.Run("synthetic message omits position markers", func(t *testing.T) {
		env := b.Build(TopicEvents, "", json.RawMessage(`{}`), nil)

		assert.False(t, env.HasPosition())
		data, err := json.Marshal(env)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "partition")
		assert.NotContains(t, string(data), "offset")
		assert.NotContains(t, string(data), "key")
	})
}

func TestCategoryOf(t *testing.T) {
	assert.Equal(t, CategoryInventory, CategoryOf(TopicInventory))
	assert.Equal(t, CategoryTransactions, CategoryOf(TopicTransactions))
	assert.Equal(t, CategoryCustomers, CategoryOf(TopicCustomers))
	assert.Equal(t, CategorySystem, CategoryOf(TopicEvents))
	assert.Equal(t, CategorySystem, CategoryOf("something.else"))
}

func TestParseServiceStatus(t *testing.T) {
	for _, s := range Statuses() {
		got, err := ParseServiceStatus(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseServiceStatus("degraded")
	assert.Error(t, err)
}

func TestServiceStatusJSON(t *testing.T) {
	var info ServiceInfo
	require.NoError(t, json.Unmarshal([]byte(`{"id":"redis-1","status":"warning"}`), &info))
	assert.Equal(t, StatusWarning, info.Status)

	err := json.Unmarshal([]byte(`{"id":"redis-1","status":"degraded"}`), &info)
	assert.ErrorContains(t, err, "degraded")
}
