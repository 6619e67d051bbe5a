package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestTaskValidate(t *testing.T) {
	step := func(context.Context) error { return nil }

	assert.NoError(t, Task{Name: "gauges", Interval: time.Second, Step: step}.Validate())
	assert.Error(t, Task{Interval: time.Second, Step: step}.Validate())
	assert.Error(t, Task{Name: "gauges", Step: step}.Validate())
	assert.Error(t, Task{Name: "gauges", Interval: time.Second}.Validate())
}

func TestScheduleRunsRepeatedly(t *testing.T) {
	s := NewScheduler(context.Background(), zaptest.NewLogger(t))

	var calls atomic.Int32
	require.NoError(t, s.Schedule(Task{
		Name:     "tick",
		Interval: 5 * time.Millisecond,
		Step: func(context.Context) error {
			calls.Add(1)
			return errors.New("failures do not stop the task")
		},
	}))

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), s.Running())
	require.NoError(t, s.Stop(time.Second))
	assert.Equal(t, int32(0), s.Running())
}

func TestScheduleRunImmediately(t *testing.T) {
	s := NewScheduler(context.Background(), zaptest.NewLogger(t))
	defer s.Stop(time.Second)

	ran := make(chan struct{}, 1)
	require.NoError(t, s.Schedule(Task{
		Name:           "probe",
		Interval:       time.Hour,
		RunImmediately: true,
		Step: func(context.Context) error {
			ran <- struct{}{}
			return nil
		},
	}))

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("step did not run immediately")
	}
}

func TestCancelStopsOnlyThatTask(t *testing.T) {
	s := NewScheduler(context.Background(), zaptest.NewLogger(t))
	defer s.Stop(time.Second)

	var a, b atomic.Int32
	require.NoError(t, s.Schedule(Task{Name: "a", Interval: 5 * time.Millisecond, Step: func(context.Context) error {
		a.Add(1)
		return nil
	}}))
	require.NoError(t, s.Schedule(Task{Name: "b", Interval: 5 * time.Millisecond, Step: func(context.Context) error {
		b.Add(1)
		return nil
	}}))

	assert.True(t, s.Cancel("a"))
	assert.False(t, s.Cancel("missing"))
	require.Eventually(t, func() bool { return s.Running() == 1 }, 2*time.Second, 5*time.Millisecond)

	stoppedAt := a.Load()
	before := b.Load()
	require.Eventually(t, func() bool { return b.Load() > before+2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, stoppedAt, a.Load())

	// The name is free again once the task has stopped
	require.NoError(t, s.Schedule(Task{Name: "a", Interval: time.Hour, Step: func(context.Context) error { return nil }}))
}

func TestDuplicateTaskRejected(t *testing.T) {
	s := NewScheduler(context.Background(), zaptest.NewLogger(t))
	defer s.Stop(time.Second)

	block := func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}
	require.NoError(t, s.Go("hub", block))
	assert.Error(t, s.Go("hub", block))
	assert.Error(t, s.Go("", block))
}

func TestStopTimeout(t *testing.T) {
	s := NewScheduler(context.Background(), zaptest.NewLogger(t))

	release := make(chan struct{})
	defer close(release)
	require.NoError(t, s.Go("stubborn", func(context.Context) error {
		<-release
		return nil
	}))

	assert.ErrorIs(t, s.Stop(20*time.Millisecond), ErrShutdownTimeout)
	assert.ErrorIs(t, s.Go("late", func(context.Context) error { return nil }), ErrStopped)
	assert.NoError(t, s.Stop(time.Millisecond))
}

func TestParentCancellationStopsTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewScheduler(ctx, zaptest.NewLogger(t))

	require.NoError(t, s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}))
	cancel()

	require.Eventually(t, func() bool { return s.Running() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.NoError(t, s.Stop(time.Second))
}
