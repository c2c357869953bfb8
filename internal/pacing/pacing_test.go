package pacing

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRateGateSpacing(t *testing.T) {
	// 50 rps keeps the test fast while still asserting the invariant:
	// consecutive granted starts are >= 20ms apart.
	const targetRPS = 50.0
	const calls = 8

	gate := NewRateGate(targetRPS)

	var mu sync.Mutex
	starts := make([]time.Time, 0, calls)

	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := gate.AcquireStartSlot(context.Background()); err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			now := time.Now()
			mu.Lock()
			starts = append(starts, now)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })

	minInterval := time.Duration(float64(time.Second) / targetRPS)
	tolerance := 5 * time.Millisecond
	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-1])
		if gap < minInterval-tolerance {
			t.Fatalf("starts %d and %d only %v apart, want >= %v", i-1, i, gap, minInterval)
		}
	}

	if gate.Granted() != calls {
		t.Fatalf("granted = %d, want %d", gate.Granted(), calls)
	}
	if gate.LastStart().IsZero() {
		t.Fatal("last start not recorded")
	}
}

func TestRateGateDisabled(t *testing.T) {
	gate := NewRateGate(0)
	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := gate.AcquireStartSlot(context.Background()); err != nil {
			t.Fatalf("acquire: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("disabled gate delayed callers: %v", elapsed)
	}
}

func TestRateGateReconfigure(t *testing.T) {
	gate := NewRateGate(1)
	gate.SetTargetRPS(200)
	if gate.TargetRPS() != 200 {
		t.Fatalf("target = %v, want 200", gate.TargetRPS())
	}

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := gate.AcquireStartSlot(context.Background()); err != nil {
			t.Fatalf("acquire: %v", err)
		}
	}
	// At 1 rps five calls would need 4s; at 200 rps they fit well under a second.
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("reconfigured gate still pacing at old rate: %v", elapsed)
	}
}

func TestGuardNeverExceedsCapacity(t *testing.T) {
	const maxConcurrency = 3
	const workers = 20

	guard := NewGuard(maxConcurrency)

	var inFlight, peak int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := guard.Acquire(context.Background()); err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			defer guard.Release()

			n := atomic.AddInt64(&inFlight, 1)
			for {
				old := atomic.LoadInt64(&peak)
				if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt64(&inFlight, -1)
		}()
	}
	wg.Wait()

	if peak > maxConcurrency {
		t.Fatalf("peak in-flight = %d, want <= %d", peak, maxConcurrency)
	}
	if guard.InFlight() != 0 {
		t.Fatalf("in-flight after release = %d, want 0", guard.InFlight())
	}
}

func TestGuardReleaseNeverGoesNegative(t *testing.T) {
	guard := NewGuard(2)
	guard.Release()
	guard.Release()
	if guard.InFlight() != 0 {
		t.Fatalf("in-flight = %d, want 0", guard.InFlight())
	}
	if err := guard.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire after spurious releases: %v", err)
	}
	if guard.InFlight() != 1 {
		t.Fatalf("in-flight = %d, want 1", guard.InFlight())
	}
}

func TestGuardAcquireHonorsCancellation(t *testing.T) {
	guard := NewGuard(1)
	if err := guard.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := guard.Acquire(ctx); err == nil {
		t.Fatal("expected cancellation error on saturated guard")
	}
	if guard.InFlight() != 1 {
		t.Fatalf("in-flight = %d, want 1", guard.InFlight())
	}
}

func TestDurationFromMillis(t *testing.T) {
	// The conversion divisor is 1000, not 500: a 1000ms budget pacing
	// sleep must be exactly one second. The 500 divisor regression
	// produced a 2s sleep here.
	tests := []struct {
		ms   int64
		want time.Duration
	}{
		{1000, time.Second},
		{250, 250 * time.Millisecond},
		{0, 0},
		{1, time.Millisecond},
	}
	for _, tt := range tests {
		if got := DurationFromMillis(tt.ms); got != tt.want {
			t.Fatalf("DurationFromMillis(%d) = %v, want %v", tt.ms, got, tt.want)
		}
	}
}

func TestPacerSpreadsRemainingBudget(t *testing.T) {
	p := NewPacer(4, 3*time.Second)

	base := time.Now()
	p.now = func() time.Time { return base }
	p.budgetEnd = base.Add(3 * time.Second)

	// First call goes out immediately.
	if d := p.Delay(); d != 0 {
		t.Fatalf("first delay = %v, want 0", d)
	}
	p.CallDone()

	// 3 calls left across 3s: 1s each.
	if d := p.Delay(); d != time.Second {
		t.Fatalf("second delay = %v, want 1s", d)
	}
	p.CallDone()

	// Clock advances 2s; 2 calls left across 1s: 500ms each.
	p.now = func() time.Time { return base.Add(2 * time.Second) }
	if d := p.Delay(); d != 500*time.Millisecond {
		t.Fatalf("third delay = %v, want 500ms", d)
	}
}

func TestPacerRequeueRecomputesDelay(t *testing.T) {
	p := NewPacer(2, 2*time.Second)

	base := time.Now()
	p.now = func() time.Time { return base }
	p.budgetEnd = base.Add(2 * time.Second)
	p.started = true

	if d := p.Delay(); d != time.Second {
		t.Fatalf("delay = %v, want 1s", d)
	}

	// A retry puts a call back: 3 calls over 2s.
	p.Requeue()
	want := DurationFromMillis(2000 / 3)
	if d := p.Delay(); d != want {
		t.Fatalf("delay after requeue = %v, want %v", d, want)
	}
}

func TestPacerExhaustedBudgetIsFree(t *testing.T) {
	p := NewPacer(5, time.Second)
	base := time.Now()
	p.now = func() time.Time { return base.Add(2 * time.Second) }
	p.started = true

	if d := p.Delay(); d != 0 {
		t.Fatalf("delay past budget end = %v, want 0", d)
	}
}

func TestPipelineReleasesGuardOnPacerCancel(t *testing.T) {
	guard := NewGuard(1)
	pacer := NewPacer(2, time.Hour)
	pacer.started = true // force a long pacer wait

	pipe := &Pipeline{Gate: NewRateGate(0), Guard: guard, Pacer: pacer}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := pipe.Acquire(ctx)
	if err == nil {
		t.Fatal("expected cancellation during pacer wait")
	}
	if guard.InFlight() != 0 {
		t.Fatalf("guard slot leaked: in-flight = %d", guard.InFlight())
	}
}

func TestPipelineReleaseFreesSlot(t *testing.T) {
	guard := NewGuard(1)
	pipe := &Pipeline{Gate: NewRateGate(0), Guard: guard}

	release, err := pipe.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if guard.InFlight() != 1 {
		t.Fatalf("in-flight = %d, want 1", guard.InFlight())
	}
	release()
	if guard.InFlight() != 0 {
		t.Fatalf("in-flight after release = %d, want 0", guard.InFlight())
	}
}
