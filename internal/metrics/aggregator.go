package metrics

import (
	"sort"
	"sync"
	"time"
)

// Snapshot is the derived, read-only view over a scan's call records.
// Pointer fields are nil when the underlying figure is undefined (fewer
// than two calls, or zero elapsed time).
type Snapshot struct {
	TotalCalls     int      `json:"spotify_total_calls"`
	PeakRPS        *float64 `json:"peak_rps"`
	AvgRPS         *float64 `json:"avg_rps"`
	MinInterStartS *float64 `json:"min_inter_start_s"`
	Any429Count    int      `json:"any_429_count"`
}

// Aggregator owns the ordered list of CallRecords for one scan. Append
// is the only mutation; all metrics are recomputed from the record list.
type Aggregator struct {
	mu      sync.Mutex
	records []CallRecord
}

// NewAggregator returns an empty per-scan ledger.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Append adds one record. Exactly one record is appended per call
// attempt, whatever the outcome.
func (a *Aggregator) Append(rec CallRecord) {
	a.mu.Lock()
	a.records = append(a.records, rec)
	a.mu.Unlock()
}

// Records returns a copy of the ledger in append order.
func (a *Aggregator) Records() []CallRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]CallRecord, len(a.records))
	copy(out, a.records)
	return out
}

// Snapshot recomputes the derived metrics from the full record list. It
// is valid at any time; the figures are only final once the scan is
// terminal.
func (a *Aggregator) Snapshot() Snapshot {
	records := a.Records()

	snap := Snapshot{TotalCalls: len(records)}
	for _, rec := range records {
		if rec.Outcome == OutcomeRateLimited {
			snap.Any429Count++
		}
	}
	if len(records) < 2 {
		return snap
	}

	starts := make([]time.Time, len(records))
	for i, rec := range records {
		starts[i] = rec.StartedAt
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })

	minGap := time.Duration(-1)
	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-1])
		if minGap < 0 || gap < minGap {
			minGap = gap
		}
	}
	if minGap >= 0 {
		s := minGap.Seconds()
		snap.MinInterStartS = &s
		if s > 0 {
			peak := 1 / s
			snap.PeakRPS = &peak
		}
	}

	// Average over the inter-start intervals: N calls span N-1 gaps, so
	// a steady 1.5 rps scan reports exactly 1.5 rather than an inflated
	// N/elapsed figure.
	elapsed := starts[len(starts)-1].Sub(starts[0]).Seconds()
	if elapsed > 0 {
		avg := float64(len(records)-1) / elapsed
		snap.AvgRPS = &avg
	}
	return snap
}
