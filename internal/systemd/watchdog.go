package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
)

// Watchdog pings the systemd watchdog at half the configured WatchdogSec.
type Watchdog struct {
	logger zerolog.Logger
}

// NewWatchdog creates the watchdog service.
func NewWatchdog(logger zerolog.Logger) *Watchdog {
	return &Watchdog{logger: logger.With().Str("component", "watchdog").Logger()}
}

// Serve sends WATCHDOG=1 until ctx ends. When the unit has no watchdog it
// returns suture.ErrDoNotRestart right away.
func (w *Watchdog) Serve(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return suture.ErrDoNotRestart
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	w.logger.Info().Dur("interval", interval).Msg("Systemd watchdog enabled")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				w.logger.Warn().Err(err).Msg("Failed to ping systemd watchdog")
			}
		}
	}
}

// String names the service for the supervisor.
func (w *Watchdog) String() string {
	return "systemd-watchdog"
}
