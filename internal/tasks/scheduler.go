// Package tasks runs the relay's background work: periodic steps such as
// gauge refreshes and health probes, and long-lived loops such as the source
// and the hub.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown times out
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

	// ErrStopped is returned when scheduling on a stopped scheduler
	ErrStopped = errors.New("scheduler stopped")
)

// StepFunc is one unit of periodic work
type StepFunc func(ctx context.Context) error

// Task is a named step repeated every Interval
type Task struct {
	Name     string
	Interval time.Duration
	Step     StepFunc

	// RunImmediately runs the first step at schedule time instead of after
	// one interval
	RunImmediately bool
}

// Validate checks the task definition
func (t Task) Validate() error {
	if t.Name == "" {
		return errors.New("task name is required")
	}
	if t.Interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", t.Name)
	}
	if t.Step == nil {
		return fmt.Errorf("task %s: step is required", t.Name)
	}
	return nil
}

// Scheduler owns background goroutines. Each one has its own cancellable
// context derived from the scheduler's.
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	stopped bool

	running atomic.Int32
}

// NewScheduler creates a scheduler bound to ctx
func NewScheduler(ctx context.Context, logger *zap.Logger) *Scheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(ctx)

	return &Scheduler{
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Schedule starts a periodic task
func (s *Scheduler) Schedule(task Task) error {
	if err := task.Validate(); err != nil {
		return err
	}

	return s.start(task.Name, func(ctx context.Context) error {
		if task.RunImmediately {
			s.step(ctx, task)
		}

		ticker := time.NewTicker(task.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				s.step(ctx, task)
			}
		}
	})
}

// Go starts a long-lived function. fn must return when ctx is cancelled.
func (s *Scheduler) Go(name string, fn func(ctx context.Context) error) error {
	if name == "" {
		return errors.New("task name is required")
	}
	return s.start(name, fn)
}

func (s *Scheduler) start(name string, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if _, exists := s.cancels[name]; exists {
		return fmt.Errorf("task %s already running", name)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.cancels[name] = cancel

	s.wg.Add(1)
	s.running.Add(1)

	go func() {
		defer s.wg.Done()
		defer s.running.Add(-1)
		defer s.forget(name)
		defer cancel()

		s.logger.Debug("Starting task", zap.String("name", name))
		if err := fn(ctx); err != nil {
			s.logger.Error("Task failed", zap.String("name", name), zap.Error(err))
			return
		}
		s.logger.Debug("Task stopped", zap.String("name", name))
	}()

	return nil
}

func (s *Scheduler) step(ctx context.Context, task Task) {
	if err := task.Step(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("Task step failed", zap.String("name", task.Name), zap.Error(err))
	}
}

func (s *Scheduler) forget(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancels, name)
}

// Cancel stops one task. It returns false if no task has that name.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[name]
	s.mu.Unlock()

	if ok {
		cancel()
	}
	return ok
}

// Stop cancels every task and waits up to timeout for them to return
func (s *Scheduler) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.logger.Info("Initiating graceful shutdown",
		zap.Int32("running_tasks", s.running.Load()),
		zap.Duration("timeout", timeout))

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Graceful shutdown completed")
		return nil
	case <-time.After(timeout):
		s.logger.Warn("Shutdown timeout exceeded",
			zap.Int32("still_running", s.running.Load()))
		return ErrShutdownTimeout
	}
}

// Running returns the number of running tasks
func (s *Scheduler) Running() int32 {
	return s.running.Load()
}
