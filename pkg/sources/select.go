package sources

import (
	"context"
	"time"

	"github.com/retailshift/relay/pkg/domain"
	"go.uber.org/zap"
)

// DefaultConnectTimeout bounds the live source setup
const DefaultConnectTimeout = 10 * time.Second

// SelectConfig controls source selection
type SelectConfig struct {
	ForceSynthetic bool
	ConnectTimeout time.Duration
}

// Selection is the outcome of Select
type Selection struct {
	Source Source

	// BusStatus is the bus state to record, empty when unchanged
	BusStatus domain.ServiceStatus
	Brokers   int

	// Err is the live setup failure that caused a fallback
	Err error
}

// Fallback reports whether a live source was requested but could not be used
func (s Selection) Fallback() bool {
	return s.Err != nil
}

type brokerCounter interface {
	Brokers() int
}

// Select picks the source to run. A nil live source, or ForceSynthetic,
// selects synthetic. Otherwise live is opened under the connect timeout; on
// failure the bus is marked as errored and synthetic is used for the rest of
// the process lifetime.
func Select(ctx context.Context, config SelectConfig, live, synthetic Source, logger *zap.Logger) Selection {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}

	if config.ForceSynthetic || live == nil {
		logger.Info("Using synthetic data source",
			zap.Bool("forced", config.ForceSynthetic),
		)
		return Selection{Source: synthetic}
	}

	openCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	if err := live.Open(openCtx); err != nil {
		logger.Warn("Live source unavailable, falling back to synthetic data",
			zap.String("source", live.Name()),
			zap.Error(err),
		)
		if closeErr := live.Close(); closeErr != nil {
			logger.Debug("Failed to close live source", zap.Error(closeErr))
		}
		return Selection{
			Source:    synthetic,
			BusStatus: domain.StatusError,
			Err:       err,
		}
	}

	sel := Selection{Source: live, BusStatus: domain.StatusActive}
	if bc, ok := live.(brokerCounter); ok {
		sel.Brokers = bc.Brokers()
	}
	return sel
}
