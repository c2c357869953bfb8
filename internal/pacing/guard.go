package pacing

import "context"

// Guard bounds how many calls are in flight within one scope. A scope is
// whatever shares a Guard instance: the process when a single guard is
// injected into the Spotify client, or one scan when the orchestrator
// allocates its own.
type Guard struct {
	slots chan struct{}
}

// NewGuard creates a guard admitting at most max concurrent holders.
// max below one is treated as one.
func NewGuard(max int) *Guard {
	if max < 1 {
		max = 1
	}
	return &Guard{slots: make(chan struct{}, max)}
}

// Acquire blocks until a slot is free, or the context is cancelled.
func (g *Guard) Acquire(ctx context.Context) error {
	select {
	case g.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a previously acquired slot. Releasing without a matching
// acquire is a no-op, so the in-flight count can never go negative.
func (g *Guard) Release() {
	select {
	case <-g.slots:
	default:
	}
}

// InFlight returns the number of currently held slots.
func (g *Guard) InFlight() int {
	return len(g.slots)
}

// Capacity returns the maximum number of concurrent holders.
func (g *Guard) Capacity() int {
	return cap(g.slots)
}
