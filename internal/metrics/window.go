package metrics

import (
	"sync"
	"time"
)

// DefaultWindow is how far back the rolling client metrics look.
const DefaultWindow = 15 * time.Minute

type windowEntry struct {
	at      time.Time
	status  int
	latency time.Duration
}

// WindowSnapshot summarizes recent client behavior across all scans.
type WindowSnapshot struct {
	TotalRequests    int     `json:"total_requests"`
	SuccessCount     int     `json:"success_count"`
	Status429Count   int     `json:"status_429_count"`
	Status5xxCount   int     `json:"status_5xx_count"`
	AverageLatencyMS float64 `json:"average_latency_ms"`
	MaxLatencyMS     float64 `json:"max_latency_ms"`
}

// Window keeps a process-wide rolling record of call results, pruned to
// a fixed lookback. It backs the diagnostics endpoint and is independent
// of any scan's aggregator.
type Window struct {
	mu      sync.Mutex
	span    time.Duration
	entries []windowEntry

	now func() time.Time
}

// NewWindow creates a rolling window with the given lookback span.
func NewWindow(span time.Duration) *Window {
	if span <= 0 {
		span = DefaultWindow
	}
	return &Window{span: span, now: time.Now}
}

// Record adds one call result. A status of zero means the request never
// produced a response (network error or timeout).
func (w *Window) Record(status int, latency time.Duration) {
	now := w.now()
	w.mu.Lock()
	w.entries = append(w.entries, windowEntry{at: now, status: status, latency: latency})
	w.pruneLocked(now)
	w.mu.Unlock()
}

// Snapshot summarizes the entries still inside the window.
func (w *Window) Snapshot() WindowSnapshot {
	now := w.now()
	w.mu.Lock()
	w.pruneLocked(now)
	entries := make([]windowEntry, len(w.entries))
	copy(entries, w.entries)
	w.mu.Unlock()

	snap := WindowSnapshot{TotalRequests: len(entries)}
	var totalMS float64
	for _, e := range entries {
		ms := float64(e.latency.Milliseconds())
		totalMS += ms
		if ms > snap.MaxLatencyMS {
			snap.MaxLatencyMS = ms
		}
		switch {
		case e.status >= 200 && e.status < 300:
			snap.SuccessCount++
		case e.status == 429:
			snap.Status429Count++
		case e.status >= 500:
			snap.Status5xxCount++
		}
	}
	if len(entries) > 0 {
		snap.AverageLatencyMS = totalMS / float64(len(entries))
	}
	return snap
}

func (w *Window) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.entries) && w.entries[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
	}
}
