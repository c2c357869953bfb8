package scan

import (
	"context"
	"fmt"
	"time"

	"github.com/raysh454/rankscan/internal/logging"
)

const (
	defaultStuckAfter = 10 * time.Minute

	minStuckAfter = 1 * time.Minute
	maxStuckAfter = 180 * time.Minute

	defaultSweepInterval = 60 * time.Second
	minSweepInterval     = 30 * time.Second
	maxSweepInterval     = 300 * time.Second
)

// Watchdog fails scans whose last activity is older than StuckAfter.
// A scan wedged in queued or running would otherwise hold its
// subscribers open forever.
type Watchdog struct {
	orch   *Orchestrator
	logger logging.Logger

	stuckAfter time.Duration
	interval   time.Duration
	now        func() time.Time
}

// NewWatchdog clamps the thresholds into their sane ranges and falls
// back to defaults for zero values.
func NewWatchdog(orch *Orchestrator, stuckAfter, interval time.Duration, logger logging.Logger) *Watchdog {
	if stuckAfter <= 0 {
		stuckAfter = defaultStuckAfter
	}
	stuckAfter = clampDuration(stuckAfter, minStuckAfter, maxStuckAfter)
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	interval = clampDuration(interval, minSweepInterval, maxSweepInterval)
	if logger == nil {
		logger = logging.NewStdoutLogger("watchdog")
	}
	return &Watchdog{
		orch:       orch,
		logger:     logger,
		stuckAfter: stuckAfter,
		interval:   interval,
		now:        time.Now,
	}
}

// Run sweeps until ctx ends.
func (w *Watchdog) Run(ctx context.Context) {
	w.logger.Info("watchdog started",
		logging.Field{Key: "stuck_after", Value: w.stuckAfter.String()},
		logging.Field{Key: "interval", Value: w.interval.String()})
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep()
		}
	}
}

// Sweep fails every non-terminal scan whose last event is older than
// the stuck threshold. Exported so tests can drive it directly.
func (w *Watchdog) Sweep() {
	cutoff := w.now().UTC().Add(-w.stuckAfter)

	w.orch.mu.Lock()
	var stuck []*Scan
	for _, s := range w.orch.scans {
		if !s.Status.Terminal() && s.LastEventAt.Before(cutoff) {
			stuck = append(stuck, s)
		}
	}
	w.orch.mu.Unlock()

	for _, s := range stuck {
		w.logger.Warn("failing stuck scan",
			logging.Field{Key: "scan_id", Value: s.ID},
			logging.Field{Key: "last_event_at", Value: s.LastEventAt.Format(time.RFC3339)})
		// Cancel first so the runner (if any) stops at its next pair
		// boundary; its late transition is a no-op once we mark failed.
		_ = w.orch.Cancel(s.ID)
		w.orch.fail(s, fmt.Sprintf("scan stuck: no activity for %s", w.stuckAfter))
	}
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
