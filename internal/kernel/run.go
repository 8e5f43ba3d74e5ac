package kernel

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kore-kernel/kore/internal/log"
)

// Run drives the kernel until ctx is cancelled. One goroutine advances
// kernel time every tick, draining sleepers and rescheduling as needed; a
// second periodically logs scheduler occupancy. Both funnel through the
// same Kernel, whose subsystems each guard their own state, so Dispatch can
// be called concurrently from syscall-handling goroutines while Run ticks.
func (k *Kernel) Run(ctx context.Context, tick time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()

		var nowNsec uint64

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				nowNsec += uint64(tick.Nanoseconds())
				k.Tick(nowNsec)
			}
		}
	})

	g.Go(func() error {
		statusEvery := 20 * tick
		if statusEvery <= 0 {
			statusEvery = time.Second
		}
		ticker := time.NewTicker(statusEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				running := k.Scheduler.Running()
				name := "<idle>"
				if running != nil {
					name = running.Name
				}
				log.DefaultLogger().Debug("kernel tick", "running", name, "free_bytes", k.Zones.FreeSpace())
			}
		}
	})

	return g.Wait()
}
