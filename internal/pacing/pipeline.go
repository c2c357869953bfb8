package pacing

import "context"

// Pipeline applies the three pacing layers in their fixed order: rate
// gate, concurrency guard, budget pacer. A call may start only once all
// three have granted passage.
type Pipeline struct {
	Gate  *RateGate
	Guard *Guard
	Pacer *Pacer // optional, per-scan
}

// Acquire walks the layers in order and returns a release function that
// must be called on every exit path of the guarded call. On error the
// guard slot, if taken, has already been released.
func (p *Pipeline) Acquire(ctx context.Context) (release func(), err error) {
	release = func() {}

	if p.Gate != nil {
		if err := p.Gate.AcquireStartSlot(ctx); err != nil {
			return release, err
		}
	}
	if p.Guard != nil {
		if err := p.Guard.Acquire(ctx); err != nil {
			return release, err
		}
		release = p.Guard.Release
	}
	if p.Pacer != nil {
		if err := p.Pacer.Wait(ctx); err != nil {
			release()
			return func() {}, err
		}
	}
	return release, nil
}
