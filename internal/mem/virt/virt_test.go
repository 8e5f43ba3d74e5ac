package virt_test

import (
	"testing"

	"github.com/kore-kernel/kore/internal/mem"
	"github.com/kore-kernel/kore/internal/mem/virt"
)

// bumpFrames is a trivial FrameAllocator fake: it never reuses a freed
// frame, which is fine for exercising VirtMapper's bookkeeping in isolation
// from a real physical allocator.
type bumpFrames struct {
	next mem.PhysAddr
	freed []mem.PhysAddr
}

func (b *bumpFrames) AllocFrame() (mem.PhysAddr, bool) {
	addr := b.next
	b.next += mem.PhysAddr(mem.K4)
	return addr, true
}

func (b *bumpFrames) DeallocFrame(addr mem.PhysAddr) {
	b.freed = append(b.freed, addr)
}

func TestMapAndUnmapRoundTrip(t *testing.T) {
	frames := &bumpFrames{next: mem.PhysAddr(1 << 30)}
	mapper := virt.New(frames, mem.VirtAddr(1<<40))

	backing := mem.NewPhysRangeUnaligned(mem.PhysAddr(0x1000_0000), uint64(mem.K4))

	layout, err := virt.NewVirtLayout([]virt.VirtLayoutElement{
		virt.NewMemElement(backing),
	}, virt.AllocVirtMem)
	if err != nil {
		t.Fatal(err)
	}

	vr, err := mapper.Map(layout, virt.FlagWritable)
	if err != nil {
		t.Fatalf("map: %v", err)
	}

	if vr.Size() != uint64(mem.K4) {
		t.Errorf("mapped range size = %d, want %d", vr.Size(), mem.K4)
	}

	got, ok := mapper.Lookup(vr)
	if !ok {
		t.Fatal("expected lookup to find the mapping")
	}

	if got.Size() != layout.Size() {
		t.Errorf("looked-up layout size = %d, want %d", got.Size(), layout.Size())
	}

	unmapped, err := mapper.Unmap(vr)
	if err != nil {
		t.Fatalf("unmap: %v", err)
	}

	if unmapped.Size() != layout.Size() {
		t.Errorf("unmapped layout size = %d, want %d", unmapped.Size(), layout.Size())
	}

	if _, ok := mapper.Lookup(vr); ok {
		t.Error("expected lookup to fail after unmap")
	}
}

func TestMapAtRejectsOverlap(t *testing.T) {
	frames := &bumpFrames{next: mem.PhysAddr(1 << 30)}
	mapper := virt.New(frames, mem.VirtAddr(1<<40))

	backing1 := mem.NewPhysRangeUnaligned(mem.PhysAddr(0x2000_0000), uint64(mem.K4))
	backing2 := mem.NewPhysRangeUnaligned(mem.PhysAddr(0x2000_1000), uint64(mem.K4))

	l1, _ := virt.NewVirtLayout([]virt.VirtLayoutElement{virt.NewMemElement(backing1)}, virt.AllocVirtMem)
	l2, _ := virt.NewVirtLayout([]virt.VirtLayoutElement{virt.NewMemElement(backing2)}, virt.AllocVirtMem)

	at := mem.NewVirtRange(mem.VirtAddr(0x4000_0000), uint64(mem.K4))

	if _, err := mapper.MapAt(l1, at, virt.FlagWritable); err != nil {
		t.Fatalf("first MapAt: %v", err)
	}

	if _, err := mapper.MapAt(l2, at, virt.FlagWritable); err == nil {
		t.Error("expected overlapping MapAt to fail")
	}
}

func TestMapFindsGapAfterExistingMapping(t *testing.T) {
	frames := &bumpFrames{next: mem.PhysAddr(1 << 30)}
	mapper := virt.New(frames, mem.VirtAddr(1<<40))

	backing := mem.NewPhysRangeUnaligned(mem.PhysAddr(0x3000_0000), uint64(mem.K4))
	layout, _ := virt.NewVirtLayout([]virt.VirtLayoutElement{virt.NewMemElement(backing)}, virt.AllocVirtMem)

	first, err := mapper.Map(layout, virt.FlagWritable)
	if err != nil {
		t.Fatalf("first map: %v", err)
	}

	second, err := mapper.Map(layout, virt.FlagWritable)
	if err != nil {
		t.Fatalf("second map: %v", err)
	}

	if first.Overlaps(second) {
		t.Errorf("expected distinct virtual ranges, got %s and %s", first, second)
	}
}
