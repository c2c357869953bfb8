package pacing

import (
	"context"
	"sync"
	"time"
)

// millisPerSecond is the divisor converting a sleep expressed in
// milliseconds into seconds. A past regression used 500 here, which
// doubled every pacing delay; DurationFromMillis and its test pin the
// correct conversion.
const millisPerSecond = 1000

// DurationFromMillis converts a millisecond sleep value into a
// time.Duration. 1000 ms is exactly one second.
func DurationFromMillis(ms int64) time.Duration {
	return time.Duration(ms) * time.Second / millisPerSecond
}

// Pacer spreads a scan's known call volume across a time budget. It is a
// per-scan layer on top of the global rate gate: even when the gate would
// admit a burst, the pacer sleeps between calls so the scan's remaining
// calls consume the remaining budget evenly. The delay is recomputed
// before every call, so retries (which put a call back) and slow calls
// (which shrink the remaining budget) are both absorbed.
type Pacer struct {
	mu        sync.Mutex
	remaining int
	budgetEnd time.Time
	started   bool

	now func() time.Time
}

// NewPacer creates a pacer for totalCalls calls spread over the given
// budget starting now. A non-positive budget or call count disables
// pacing.
func NewPacer(totalCalls int, budget time.Duration) *Pacer {
	p := &Pacer{
		remaining: totalCalls,
		now:       time.Now,
	}
	if budget > 0 {
		p.budgetEnd = p.now().Add(budget)
	}
	return p
}

// Delay returns how long the next call should wait before starting. The
// first call is never delayed; subsequent calls wait the remaining
// budget divided by the remaining call count, expressed in milliseconds.
func (p *Pacer) Delay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		p.started = true
		return 0
	}
	if p.remaining <= 0 || p.budgetEnd.IsZero() {
		return 0
	}
	remainingMS := p.budgetEnd.Sub(p.now()).Milliseconds()
	if remainingMS <= 0 {
		return 0
	}
	return DurationFromMillis(remainingMS / int64(p.remaining))
}

// Wait sleeps for Delay, or returns early if the context is cancelled.
func (p *Pacer) Wait(ctx context.Context) error {
	d := p.Delay()
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CallDone marks one call as completed, shrinking the remaining count.
func (p *Pacer) CallDone() {
	p.mu.Lock()
	if p.remaining > 0 {
		p.remaining--
	}
	p.mu.Unlock()
}

// Requeue puts a call back, e.g. when a transient failure will be
// retried through the full pacing pipeline.
func (p *Pacer) Requeue() {
	p.mu.Lock()
	p.remaining++
	p.mu.Unlock()
}

// Remaining returns the number of calls the pacer still expects.
func (p *Pacer) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remaining
}
