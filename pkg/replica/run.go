package replica

import (
	"context"
	"errors"
	"time"
)

// Run ticks every tickRate until ctx ends. Tick errors are logged and do not stop
// the loop.
func (r *Replica) Run(ctx context.Context, tickRate time.Duration) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer r.running.Store(false)

	t := time.NewTicker(tickRate)
	defer t.Stop()

	r.log.Info("replica started", "network", uint32(r.network), "role", r.role.String(), "tickRate", tickRate.String())

	var last time.Time
	for {
		select {
		case <-ctx.Done():
			r.log.Info("replica stopped", "network", uint32(r.network))
			return nil
		case now := <-t.C:
			if !last.IsZero() && now.Sub(last) > 2*tickRate {
				r.log.Warn("tick overran", "elapsed", now.Sub(last).String())
			}
			last = now

			if err := r.Tick(ctx); err != nil {
				if errors.Is(err, ErrClosed) {
					return err
				}
				r.log.Warn("tick failed", "error", err)
			}
		}
	}
}
