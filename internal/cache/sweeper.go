package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

const defaultSweepInterval = 10 * time.Minute

// Sweeper periodically removes expired entries so the store tracks the live
// working set.
type Sweeper struct {
	Store    *Store
	Interval time.Duration
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

func (w *Sweeper) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

// Run sweeps on every tick until ctx is cancelled.
func (w *Sweeper) Run(ctx context.Context) {
	interval := w.Interval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	clock := w.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if n := w.Store.SweepExpired(); n > 0 {
				w.logger().Debug("cache sweep", "removed", n, "remaining", w.Store.Len())
			}
		}
	}
}
