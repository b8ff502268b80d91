package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/felixgeelhaar/canvas/internal/events"
	"github.com/felixgeelhaar/canvas/internal/observe"
	"github.com/robfig/cron/v3"
)

// DefaultSweepInterval is how often expired sessions are removed.
const DefaultSweepInterval = time.Hour

// Sweeper periodically removes expired sessions from a Store.
type Sweeper struct {
	store    *Store
	interval time.Duration
	obs      *observe.Observer
	bus      *events.Bus

	mu      sync.Mutex
	cron    *cron.Cron
	stopped bool
}

// NewSweeper creates a sweeper for store. A non-positive interval uses
// DefaultSweepInterval.
func NewSweeper(store *Store, interval time.Duration, obs *observe.Observer, bus *events.Bus) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if obs == nil {
		obs = observe.Nop()
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		obs:      obs,
		bus:      bus,
	}
}

// Start schedules the sweep. Calling Start on a running or stopped sweeper
// is a no-op.
func (w *Sweeper) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cron != nil || w.stopped {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc("@every "+w.interval.String(), w.run); err != nil {
		return fmt.Errorf("schedule session sweep: %w", err)
	}
	c.Start()
	w.cron = c

	w.obs.Log().Debug().Str("interval", w.interval.String()).Msg("session sweeper started")
	return nil
}

// Stop halts the schedule and waits for an in-progress sweep to finish.
// Stop is idempotent.
func (w *Sweeper) Stop() {
	w.mu.Lock()
	c := w.cron
	already := w.stopped
	w.stopped = true
	w.cron = nil
	w.mu.Unlock()

	if already || c == nil {
		return
	}
	<-c.Stop().Done()
	w.obs.Log().Debug().Msg("session sweeper stopped")
}

// run performs one sweep.
func (w *Sweeper) run() {
	removed := w.store.Sweep()
	if removed == 0 {
		return
	}
	w.obs.Log().Info().Int("removed", removed).Int("remaining", w.store.Count()).Msg("expired sessions swept")
	w.bus.Emit(events.SessionsSwept, "", map[string]any{"removed": removed})
}
