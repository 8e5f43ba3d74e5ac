package mem_test

import (
	"testing"

	"github.com/kore-kernel/kore/internal/mem"
)

func TestPhysRangeTake(t *testing.T) {
	r := mem.NewPhysRange(0, 3*uint64(mem.K4))

	frame, ok := r.Take(mem.K4)
	if !ok {
		t.Fatal("take failed")
	}

	if frame.Addr() != 0 || frame.Size() != mem.K4 {
		t.Errorf("frame = %+v, want addr 0 size K4", frame)
	}

	if r.Size() != 2*uint64(mem.K4) {
		t.Errorf("remaining size = %d, want %d", r.Size(), 2*uint64(mem.K4))
	}
}

func TestVirtRangeOverlaps(t *testing.T) {
	a := mem.NewVirtRange(0, 8192)
	b := mem.NewVirtRange(4096, 8192)
	c := mem.NewVirtRange(16384, 4096)

	if !a.Overlaps(b) {
		t.Error("expected a and b to overlap")
	}

	if a.Overlaps(c) {
		t.Error("did not expect a and c to overlap")
	}
}

func TestVirtAddrPageIndex(t *testing.T) {
	addr := mem.VirtAddr(0x0000_7f12_3456_7000)
	idx := addr.PageIndex()

	for i, v := range idx {
		if v > 0x1ff {
			t.Errorf("index[%d] = %#x, exceeds 9 bits", i, v)
		}
	}
}

func TestPageSizeOrder(t *testing.T) {
	cases := []struct {
		size  mem.PageSize
		order uint
	}{
		{mem.K4, 0},
		{mem.M2, 9},
		{mem.G1, 18},
	}

	for _, c := range cases {
		if got := mem.Order(c.size); got != c.order {
			t.Errorf("Order(%s) = %d, want %d", c.size, got, c.order)
		}
	}
}
