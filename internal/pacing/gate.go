// Package pacing contains the layered call-pacing primitives applied to
// every outbound Spotify call: a process-wide rate gate, a concurrency
// guard and a per-scan budget pacer. The layers are independent and are
// applied in sequence (gate, guard, pacer) before a call may start.
package pacing

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateGate bounds the start instant of every outbound call in the
// process. With a target of R requests per second, consecutive granted
// starts are spaced by at least 1/R seconds regardless of how many scans
// are running. It is the single serialization point for all calls.
type RateGate struct {
	limiter *rate.Limiter

	mu        sync.Mutex
	targetRPS float64
	lastStart time.Time
	granted   int64
}

// NewRateGate creates a gate for the given requests-per-second ceiling.
// A non-positive target disables the gate.
func NewRateGate(targetRPS float64) *RateGate {
	limit := rate.Inf
	if targetRPS > 0 {
		limit = rate.Limit(targetRPS)
	}
	// Burst of one token: grants are strictly spaced, never batched.
	return &RateGate{
		limiter:   rate.NewLimiter(limit, 1),
		targetRPS: targetRPS,
	}
}

// AcquireStartSlot suspends the caller until the minimum interval since
// the previous granted start has elapsed, then records the new start
// instant. The only error is context cancellation; the gate itself never
// fails, it only delays.
func (g *RateGate) AcquireStartSlot(ctx context.Context) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	g.mu.Lock()
	g.lastStart = time.Now()
	g.granted++
	g.mu.Unlock()
	return nil
}

// SetTargetRPS reconfigures the ceiling. It takes effect for the next
// acquisition; waits already in progress are not recomputed.
func (g *RateGate) SetTargetRPS(targetRPS float64) {
	limit := rate.Inf
	if targetRPS > 0 {
		limit = rate.Limit(targetRPS)
	}
	g.mu.Lock()
	g.targetRPS = targetRPS
	g.mu.Unlock()
	g.limiter.SetLimit(limit)
}

// TargetRPS returns the configured ceiling.
func (g *RateGate) TargetRPS() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.targetRPS
}

// LastStart returns the instant of the most recently granted start slot,
// zero if no slot has been granted yet.
func (g *RateGate) LastStart() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastStart
}

// Granted returns how many start slots have been handed out.
func (g *RateGate) Granted() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.granted
}
