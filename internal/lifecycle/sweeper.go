package lifecycle

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// DefaultSweepInterval is how often the sweeper runs when unset.
const DefaultSweepInterval = time.Minute

// Sweeper runs Controller.Sweep on a fixed interval under a supervisor.
type Sweeper struct {
	controller *Controller
	interval   time.Duration
	logger     zerolog.Logger
}

// NewSweeper creates the periodic sweep service.
func NewSweeper(controller *Controller, interval time.Duration, logger zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		controller: controller,
		interval:   interval,
		logger:     logger.With().Str("component", "sweeper").Logger(),
	}
}

// Serve sweeps once immediately and then every interval until ctx ends.
func (s *Sweeper) Serve(ctx context.Context) error {
	s.logger.Info().Dur("interval", s.interval).Msg("Expired session sweeper started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.runOnce(ctx)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			s.logger.Info().Msg("Expired session sweeper stopped")
			return ctx.Err()
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	result, err := s.controller.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("Sweep failed")
		}
		return
	}
	if result.TotalExpired > 0 {
		s.logger.Info().
			Int("total_expired", result.TotalExpired).
			Int("terminated_count", result.TerminatedCount).
			Msg("Sweep complete")
	}
}

// String names the service for the supervisor.
func (s *Sweeper) String() string {
	return "session-sweeper"
}
