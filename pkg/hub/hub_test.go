package hub

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/retailshift/relay/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type fakeProvider struct {
	mu  sync.Mutex
	seq uint64
}

func (p *fakeProvider) Snapshot() (uint64, []domain.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq, []domain.Message{
		domain.NewRecentEventsMessage(nil),
		domain.NewSystemStateMessage(domain.SystemState{}),
	}
}

func (p *fakeProvider) setSeq(seq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq = seq
}

type usageRecorder struct {
	nopRecorder
	mu    sync.Mutex
	usage float64
}

func (r *usageRecorder) RecordQueueUtilization(percent float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usage = percent
}

func (r *usageRecorder) last() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usage
}

func startHub(t *testing.T, provider SnapshotProvider, config Config) (*Hub, context.CancelFunc) {
	t.Helper()
	return startHubWithRecorder(t, provider, config, nil)
}

func startHubWithRecorder(t *testing.T, provider SnapshotProvider, config Config, recorder Recorder) (*Hub, context.CancelFunc) {
	t.Helper()
	h := New(provider, config, recorder, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h, cancel
}

func frameType(t *testing.T, frame []byte) domain.MessageType {
	t.Helper()
	var msg struct {
		Type domain.MessageType `json:"type"`
	}
	require.NoError(t, json.Unmarshal(frame, &msg))
	return msg.Type
}

func nextFrame(t *testing.T, obs *Observer) []byte {
	t.Helper()
	select {
	case frame, ok := <-obs.Messages():
		require.True(t, ok, "observer closed")
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for frame")
		return nil
	}
}

func expectNoFrame(t *testing.T, obs *Observer) {
	t.Helper()
	select {
	case frame := <-obs.Messages():
		t.Fatalf("unexpected frame %s", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func eventMessage(id string) domain.Message {
	return domain.NewEventMessage(domain.Envelope{ID: id, Topic: domain.TopicEvents, Value: json.RawMessage(`{}`)})
}

func TestRegisterSendsSnapshotsFirst(t *testing.T) {
	h, _ := startHub(t, &fakeProvider{}, Config{})

	obs := h.NewObserver("o1")
	require.NoError(t, h.Register(context.Background(), obs))
	assert.Equal(t, 1, h.Observers())

	assert.Equal(t, domain.MessageRecentEvents, frameType(t, nextFrame(t, obs)))
	assert.Equal(t, domain.MessageSystemState, frameType(t, nextFrame(t, obs)))

	h.Broadcast(1, eventMessage("e1"))
	assert.Equal(t, domain.MessageEvent, frameType(t, nextFrame(t, obs)))
}

func TestOnlyNewObserverGetsSnapshots(t *testing.T) {
	h, _ := startHub(t, &fakeProvider{}, Config{})

	first := h.NewObserver("first")
	require.NoError(t, h.Register(context.Background(), first))
	nextFrame(t, first)
	nextFrame(t, first)

	second := h.NewObserver("second")
	require.NoError(t, h.Register(context.Background(), second))

	expectNoFrame(t, first)
	assert.Equal(t, domain.MessageRecentEvents, frameType(t, nextFrame(t, second)))
	assert.Equal(t, domain.MessageSystemState, frameType(t, nextFrame(t, second)))
}

func TestBroadcastsCoveredBySnapshotAreSkipped(t *testing.T) {
	provider := &fakeProvider{}
	provider.setSeq(5)
	h, _ := startHub(t, provider, Config{})

	obs := h.NewObserver("o1")
	require.NoError(t, h.Register(context.Background(), obs))
	nextFrame(t, obs)
	nextFrame(t, obs)

	h.Broadcast(4, eventMessage("old"))
	h.Broadcast(5, eventMessage("also-old"))
	h.Broadcast(6, eventMessage("new"))

	var msg struct {
		Data domain.Envelope `json:"data"`
	}
	require.NoError(t, json.Unmarshal(nextFrame(t, obs), &msg))
	assert.Equal(t, "new", msg.Data.ID)
	expectNoFrame(t, obs)
}

func TestSlowObserverDoesNotAffectOthers(t *testing.T) {
	h, _ := startHub(t, &fakeProvider{}, Config{})

	slow := NewObserver("slow", 2, zaptest.NewLogger(t))
	fast := NewObserver("fast", 64, zaptest.NewLogger(t))
	require.NoError(t, h.Register(context.Background(), slow))
	require.NoError(t, h.Register(context.Background(), fast))

	nextFrame(t, fast)
	nextFrame(t, fast)

	for i := 1; i <= 10; i++ {
		h.Broadcast(uint64(i), eventMessage("e"))
	}
	for i := 0; i < 10; i++ {
		assert.Equal(t, domain.MessageEvent, frameType(t, nextFrame(t, fast)))
	}

	// The slow observer never drained its snapshots, so every event dropped
	require.Eventually(t, func() bool { return slow.Dropped() == 10 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(0), fast.Dropped())
	assert.Equal(t, domain.MessageRecentEvents, frameType(t, nextFrame(t, slow)))
}

func TestUnregisterClosesObserver(t *testing.T) {
	h, _ := startHub(t, &fakeProvider{}, Config{})

	obs := h.NewObserver("o1")
	require.NoError(t, h.Register(context.Background(), obs))
	h.Unregister(obs)

	// Drain snapshots, then the channel is closed
	for range obs.Messages() {
	}
	assert.Equal(t, 0, h.Observers())
	assert.False(t, obs.Send([]byte("late")))
}

func TestHubShutdownClosesObservers(t *testing.T) {
	h, cancel := startHub(t, &fakeProvider{}, Config{})

	obs := h.NewObserver("o1")
	require.NoError(t, h.Register(context.Background(), obs))
	cancel()

	closed := make(chan struct{})
	go func() {
		for range obs.Messages() {
		}
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("observer not closed on shutdown")
	}

	<-h.done
	assert.ErrorIs(t, h.Register(context.Background(), h.NewObserver("late")), ErrHubClosed)
}

func TestBroadcastNeverBlocks(t *testing.T) {
	// Not running, so the inbox fills up
	h := New(&fakeProvider{}, Config{BroadcastBuffer: 1}, nil, zaptest.NewLogger(t))

	done := make(chan struct{})
	go func() {
		for i := 1; i <= 5; i++ {
			h.Broadcast(uint64(i), eventMessage("e"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked")
	}
	assert.Equal(t, int64(4), h.Dropped())
}

func TestInboxDropLogsAreThrottled(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	// Not running, so every broadcast after the first is dropped
	h := New(&fakeProvider{}, Config{BroadcastBuffer: 1}, nil, zap.New(core))

	for i := 1; i <= 50; i++ {
		h.Broadcast(uint64(i), eventMessage("e"))
	}

	assert.Equal(t, int64(49), h.Dropped())
	assert.GreaterOrEqual(t, logs.Len(), 1)
	assert.LessOrEqual(t, logs.Len(), dropLogBurst+1)
}

func TestFullestQueueIsRecorded(t *testing.T) {
	rec := &usageRecorder{}
	h, _ := startHubWithRecorder(t, &fakeProvider{}, Config{}, rec)

	// Snapshots fill the minimum sized queue
	slow := NewObserver("slow", 2, zaptest.NewLogger(t))
	fast := NewObserver("fast", 64, zaptest.NewLogger(t))
	require.NoError(t, h.Register(context.Background(), slow))
	require.NoError(t, h.Register(context.Background(), fast))

	h.Broadcast(1, eventMessage("e"))
	nextFrame(t, fast)
	require.Eventually(t, func() bool { return rec.last() == 100.0 }, 2*time.Second, 10*time.Millisecond)
}

func TestObserverMinimumBuffer(t *testing.T) {
	obs := NewObserver("o", 0, nil)
	assert.True(t, obs.Send([]byte("a")))
	assert.True(t, obs.Send([]byte("b")))
	assert.False(t, obs.Send([]byte("c")))
	assert.Equal(t, 100.0, obs.Utilization())

	obs.Close()
	obs.Close()
	assert.Equal(t, 0.0, obs.Utilization())
}

func TestWebSocketObserver(t *testing.T) {
	h, _ := startHub(t, &fakeProvider{}, Config{})
	srv := httptest.NewServer(NewWebSocketHandler(h, WebSocketConfig{}, zaptest.NewLogger(t)))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	read := func() domain.MessageType {
		typ, data, err := conn.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, websocket.MessageText, typ)
		return frameType(t, data)
	}

	assert.Equal(t, domain.MessageRecentEvents, read())
	assert.Equal(t, domain.MessageSystemState, read())

	require.Eventually(t, func() bool { return h.Observers() == 1 }, 2*time.Second, 10*time.Millisecond)
	h.Broadcast(1, eventMessage("e1"))
	assert.Equal(t, domain.MessageEvent, read())

	conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return h.Observers() == 0 }, 2*time.Second, 10*time.Millisecond)
}
