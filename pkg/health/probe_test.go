package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/retailshift/relay/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestProbeRunnerMapsOutcomes(t *testing.T) {
	targets := []Target{
		{ID: "ok", Probe: ProbeFunc(func(context.Context) error { return nil })},
		{ID: "broken", Probe: ProbeFunc(func(context.Context) error { return errors.New("refused") })},
		{ID: "hung", Probe: ProbeFunc(func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})},
	}

	runner := NewProbeRunner(targets, ProbeRunnerConfig{Timeout: 50 * time.Millisecond, SlowThreshold: time.Minute}, zaptest.NewLogger(t))
	updates := runner.Run(context.Background())

	require.Len(t, updates, 3)
	assert.Equal(t, "ok", updates[0].ID)
	assert.Equal(t, domain.StatusActive, updates[0].Status)
	assert.Equal(t, domain.StatusError, updates[1].Status)
	assert.Equal(t, domain.StatusError, updates[2].Status)
}

func TestProbeRunnerSlowProbeIsWarning(t *testing.T) {
	var mu sync.Mutex
	clock := time.Unix(1700000000, 0)

	runner := NewProbeRunner([]Target{
		{ID: "slow", Probe: ProbeFunc(func(context.Context) error { return nil })},
	}, ProbeRunnerConfig{SlowThreshold: time.Second}, zaptest.NewLogger(t))
	runner.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(2 * time.Second)
		return clock
	}

	updates := runner.Run(context.Background())
	require.Len(t, updates, 1)
	assert.Equal(t, domain.StatusWarning, updates[0].Status)
}

func TestRedisProbe(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	probe := NewRedisProbe(client)
	require.NoError(t, probe.Check(context.Background()))

	mr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, probe.Check(ctx))
}

func TestHTTPProbe(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	assert.NoError(t, NewHTTPProbe(ok.URL, ok.Client()).Check(context.Background()))
	assert.Error(t, NewHTTPProbe(failing.URL, failing.Client()).Check(context.Background()))
}

func TestTCPProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	addr := ln.Addr().String()
	assert.NoError(t, NewTCPProbe(addr).Check(context.Background()))

	ln.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, NewTCPProbe(addr).Check(ctx))
}

func TestBuildTargets(t *testing.T) {
	mr := miniredis.RunT(t)

	targets, closeFn, err := BuildTargets(context.Background(), []ProbeSpec{
		{ID: "redis-1", Kind: ProbeKindRedis, Target: mr.Addr()},
		{ID: "postgres-1", Kind: ProbeKindPostgres, Target: "postgres://localhost:1/none?sslmode=disable"},
		{ID: "legacy-adapter-1", Kind: ProbeKindTCP, Target: "127.0.0.1:1"},
	})
	require.NoError(t, err)
	defer closeFn()

	require.Len(t, targets, 3)
	assert.Equal(t, "redis-1", targets[0].ID)
	assert.NoError(t, targets[0].Probe.Check(context.Background()))

	_, _, err = BuildTargets(context.Background(), []ProbeSpec{{ID: "x", Kind: "carrier-pigeon"}})
	assert.Error(t, err)
}
