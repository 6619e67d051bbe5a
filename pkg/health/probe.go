package health

import (
	"context"
	"sync"
	"time"

	"github.com/retailshift/relay/pkg/domain"
	"go.uber.org/zap"
)

// Probe performs one liveness check
type Probe interface {
	Check(ctx context.Context) error
}

// ProbeFunc adapts a function to Probe
type ProbeFunc func(ctx context.Context) error

// Check calls f
func (f ProbeFunc) Check(ctx context.Context) error {
	return f(ctx)
}

// Target binds a probe to a registered id
type Target struct {
	ID    string
	Kind  string
	Probe Probe
}

// ProbeRunnerConfig configures a ProbeRunner
type ProbeRunnerConfig struct {
	Timeout       time.Duration // per-probe deadline
	SlowThreshold time.Duration // successful probes slower than this report warning
}

// ProbeRunner runs every target concurrently and maps outcomes to statuses
type ProbeRunner struct {
	targets []Target
	config  ProbeRunnerConfig
	logger  *zap.Logger
	now     func() time.Time
}

// NewProbeRunner creates a runner for targets
func NewProbeRunner(targets []Target, config ProbeRunnerConfig, logger *zap.Logger) *ProbeRunner {
	if config.Timeout <= 0 {
		config.Timeout = 3 * time.Second
	}
	if config.SlowThreshold <= 0 {
		config.SlowThreshold = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProbeRunner{
		targets: targets,
		config:  config,
		logger:  logger,
		now:     time.Now,
	}
}

// Targets returns the configured targets
func (r *ProbeRunner) Targets() []Target {
	return r.targets
}

// Run checks every target once and returns one update per target, in target
// order
func (r *ProbeRunner) Run(ctx context.Context) []Update {
	updates := make([]Update, len(r.targets))

	var wg sync.WaitGroup
	for i, target := range r.targets {
		wg.Add(1)
		go func(i int, target Target) {
			defer wg.Done()
			updates[i] = r.check(ctx, target)
		}(i, target)
	}
	wg.Wait()

	return updates
}

func (r *ProbeRunner) check(ctx context.Context, target Target) Update {
	probeCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	start := r.now()
	err := target.Probe.Check(probeCtx)
	elapsed := r.now().Sub(start)

	status := domain.StatusActive
	switch {
	case err != nil:
		status = domain.StatusError
		r.logger.Warn("Health probe failed",
			zap.String("id", target.ID),
			zap.String("kind", target.Kind),
			zap.Error(err),
		)
	case elapsed > r.config.SlowThreshold:
		status = domain.StatusWarning
		r.logger.Debug("Health probe slow",
			zap.String("id", target.ID),
			zap.Duration("elapsed", elapsed),
		)
	}

	return Update{ID: target.ID, Status: status, At: r.now().UTC()}
}
