package main_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kore-kernel/kore/internal/kernel"
	"github.com/kore-kernel/kore/internal/mem"
	"github.com/kore-kernel/kore/internal/mem/buddy"
)

// TestBootRunsUntilDeadline boots a kernel the same way the boot command does
// and runs its timer loop for a short, bounded duration, checking that it
// shuts down cleanly once the context expires rather than hanging or
// erroring.
func TestBootRunsUntilDeadline(t *testing.T) {
	zones := buddy.NewZoneManager(buddy.New(mem.PhysAddr(0), mem.PhysAddr(4<<20), uint64(mem.K4)))
	k := kernel.New(zones, 10_000_000)

	ps := k.NewProcess(k.NewAddrSpace())
	th := ps.Proc.NewThread("root")
	k.Scheduler.Enqueue(th)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := k.Run(ctx, time.Millisecond)
	elapsed := time.Since(start)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	t.Logf("kernel ran for %s, free_bytes=%d", elapsed, zones.FreeSpace())
}
