package metrics

import (
	"math"
	"sync"
	"testing"
	"time"
)

func steadyRecords(n int, interval time.Duration) []CallRecord {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	records := make([]CallRecord, n)
	for i := range records {
		start := base.Add(time.Duration(i) * interval)
		records[i] = CallRecord{
			StartedAt: start,
			EndedAt:   start,
			Outcome:   OutcomeSuccess,
			Endpoint:  EndpointSearch,
			Status:    200,
		}
	}
	return records
}

func approx(got, want, tol float64) bool {
	return math.Abs(got-want) <= tol
}

func TestSnapshotSteadyRate(t *testing.T) {
	// Ten instantaneous calls spaced for a 1.5 rps target.
	targetRPS := 1.5
	interval := time.Duration(float64(time.Second) / targetRPS)
	agg := NewAggregator()
	for _, rec := range steadyRecords(10, interval) {
		agg.Append(rec)
	}

	snap := agg.Snapshot()
	if snap.TotalCalls != 10 {
		t.Fatalf("total calls = %d, want 10", snap.TotalCalls)
	}
	if snap.Any429Count != 0 {
		t.Fatalf("any 429 = %d, want 0", snap.Any429Count)
	}
	if snap.MinInterStartS == nil || !approx(*snap.MinInterStartS, 0.667, 0.002) {
		t.Fatalf("min inter-start = %v, want ~0.667", snap.MinInterStartS)
	}
	if snap.PeakRPS == nil || !approx(*snap.PeakRPS, 1.5, 0.01) {
		t.Fatalf("peak rps = %v, want ~1.5", snap.PeakRPS)
	}
	if snap.AvgRPS == nil || !approx(*snap.AvgRPS, 1.5, 0.01) {
		t.Fatalf("avg rps = %v, want ~1.5", snap.AvgRPS)
	}
}

func TestSnapshotUndefinedBelowTwoCalls(t *testing.T) {
	agg := NewAggregator()
	if snap := agg.Snapshot(); snap.TotalCalls != 0 || snap.MinInterStartS != nil {
		t.Fatalf("empty aggregator snapshot = %+v", snap)
	}

	agg.Append(CallRecord{StartedAt: time.Now(), Outcome: OutcomeSuccess})
	snap := agg.Snapshot()
	if snap.TotalCalls != 1 {
		t.Fatalf("total calls = %d, want 1", snap.TotalCalls)
	}
	if snap.MinInterStartS != nil || snap.PeakRPS != nil || snap.AvgRPS != nil {
		t.Fatalf("derived metrics should be nil with one call: %+v", snap)
	}
}

func TestSnapshotCounts429(t *testing.T) {
	agg := NewAggregator()
	base := time.Now()
	agg.Append(CallRecord{StartedAt: base, Outcome: OutcomeSuccess, Status: 200})
	agg.Append(CallRecord{StartedAt: base.Add(time.Second), Outcome: OutcomeRateLimited, Status: 429})

	snap := agg.Snapshot()
	if snap.Any429Count != 1 {
		t.Fatalf("any 429 = %d, want 1", snap.Any429Count)
	}
}

func TestSnapshotSortsUnorderedStarts(t *testing.T) {
	agg := NewAggregator()
	base := time.Now()
	// Appended out of order; gaps are 1s and 2s once sorted.
	agg.Append(CallRecord{StartedAt: base.Add(3 * time.Second), Outcome: OutcomeSuccess})
	agg.Append(CallRecord{StartedAt: base, Outcome: OutcomeSuccess})
	agg.Append(CallRecord{StartedAt: base.Add(time.Second), Outcome: OutcomeSuccess})

	snap := agg.Snapshot()
	if snap.MinInterStartS == nil || !approx(*snap.MinInterStartS, 1.0, 0.001) {
		t.Fatalf("min inter-start = %v, want 1.0", snap.MinInterStartS)
	}
}

func TestAggregatorConcurrentAppend(t *testing.T) {
	agg := NewAggregator()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			agg.Append(CallRecord{StartedAt: time.Now(), Outcome: OutcomeSuccess})
			_ = agg.Snapshot()
		}()
	}
	wg.Wait()
	if got := agg.Snapshot().TotalCalls; got != 50 {
		t.Fatalf("total calls = %d, want 50", got)
	}
}

func TestWindowSnapshot(t *testing.T) {
	w := NewWindow(time.Minute)
	base := time.Now()
	w.now = func() time.Time { return base }

	w.Record(200, 120*time.Millisecond)
	w.Record(429, 40*time.Millisecond)
	w.Record(503, 200*time.Millisecond)
	w.Record(0, 80*time.Millisecond)

	snap := w.Snapshot()
	if snap.TotalRequests != 4 || snap.SuccessCount != 1 || snap.Status429Count != 1 || snap.Status5xxCount != 1 {
		t.Fatalf("unexpected window snapshot: %+v", snap)
	}
	if snap.MaxLatencyMS != 200 {
		t.Fatalf("max latency = %v, want 200", snap.MaxLatencyMS)
	}

	// Everything falls out of the window once time moves past the span.
	w.now = func() time.Time { return base.Add(2 * time.Minute) }
	if snap := w.Snapshot(); snap.TotalRequests != 0 {
		t.Fatalf("expected pruned window, got %+v", snap)
	}
}

func TestClassifyIsPure(t *testing.T) {
	interval := 600 * time.Millisecond
	agg := NewAggregator()
	for _, rec := range steadyRecords(5, interval) {
		agg.Append(rec)
	}
	snap := agg.Snapshot()

	th := DefaultThresholds()
	first := Classify(snap, 300*time.Millisecond, th)
	for i := 0; i < 10; i++ {
		if got := Classify(snap, 300*time.Millisecond, th); got != first {
			t.Fatalf("classification not deterministic: %+v vs %+v", got, first)
		}
	}
}

func TestClassifyVerdicts(t *testing.T) {
	th := DefaultThresholds()
	f := func(v float64) *float64 { return &v }

	tests := []struct {
		name         string
		snap         Snapshot
		startLatency time.Duration
		want         Verdicts
	}{
		{
			name: "steady and slow is safe",
			snap: Snapshot{
				TotalCalls:     10,
				PeakRPS:        f(1.5),
				AvgRPS:         f(1.5),
				MinInterStartS: f(0.667),
			},
			startLatency: 200 * time.Millisecond,
			want:         Verdicts{Timeout: TimeoutConfirmed, Limiter: LimiterActive, Safety: SafetySafe},
		},
		{
			name: "any 429 is fatal to safety",
			snap: Snapshot{
				TotalCalls:     10,
				PeakRPS:        f(1.5),
				AvgRPS:         f(1.5),
				MinInterStartS: f(0.667),
				Any429Count:    1,
			},
			startLatency: 200 * time.Millisecond,
			want:         Verdicts{Timeout: TimeoutConfirmed, Limiter: LimiterNotActive, Safety: SafetyNotSafe},
		},
		{
			name: "peak over ceiling",
			snap: Snapshot{
				TotalCalls:     10,
				PeakRPS:        f(3.2),
				AvgRPS:         f(1.8),
				MinInterStartS: f(0.3),
			},
			startLatency: 200 * time.Millisecond,
			want:         Verdicts{Timeout: TimeoutConfirmed, Limiter: LimiterNotActive, Safety: SafetyNotSafe},
		},
		{
			name: "under ceiling but floor not held",
			snap: Snapshot{
				TotalCalls:     10,
				PeakRPS:        f(1.9),
				AvgRPS:         f(1.2),
				MinInterStartS: f(0.4),
			},
			startLatency: 1500 * time.Millisecond,
			want:         Verdicts{Timeout: TimeoutNotConfirmed, Limiter: LimiterPartial, Safety: SafetyBorderline},
		},
		{
			name:         "too few calls to judge",
			snap:         Snapshot{TotalCalls: 1},
			startLatency: 100 * time.Millisecond,
			want:         Verdicts{Timeout: TimeoutConfirmed, Limiter: LimiterPartial, Safety: SafetyBorderline},
		},
	}

	for _, tt := range tests {
		if got := Classify(tt.snap, tt.startLatency, th); got != tt.want {
			t.Fatalf("%s: Classify = %+v, want %+v", tt.name, got, tt.want)
		}
	}
}
