package kernel

import (
	"sync"

	"github.com/kore-kernel/kore/internal/mem"
	"github.com/kore-kernel/kore/internal/mem/buddy"
	"github.com/kore-kernel/kore/internal/mem/virt"
)

// zoneFrames adapts a buddy.ZoneManager to virt.FrameAllocator. A ZoneManager
// hands out buddy.Allocation values that must be returned as-is to free them,
// but a page-table entry only has room for a physical address, so this
// adapter remembers the allocation each address came from.
type zoneFrames struct {
	mu    sync.Mutex
	zones *buddy.ZoneManager
	live  map[mem.PhysAddr]buddy.Allocation
}

func newZoneFrames(zones *buddy.ZoneManager) *zoneFrames {
	return &zoneFrames{zones: zones, live: make(map[mem.PhysAddr]buddy.Allocation)}
}

func (z *zoneFrames) AllocFrame() (mem.PhysAddr, bool) {
	alloc, ok := z.zones.Alloc(uint64(mem.K4))
	if !ok {
		return 0, false
	}

	z.mu.Lock()
	z.live[alloc.Addr()] = alloc
	z.mu.Unlock()

	return alloc.Addr(), true
}

func (z *zoneFrames) DeallocFrame(addr mem.PhysAddr) {
	z.mu.Lock()
	alloc, ok := z.live[addr]
	if ok {
		delete(z.live, addr)
	}
	z.mu.Unlock()

	if !ok {
		panic("kernel: DeallocFrame on an address this allocator never handed out")
	}

	z.zones.Dealloc(alloc)
}

// NewAddrSpace creates a page-table mapper for a new process, backed by the
// kernel's own physical memory zones.
func (k *Kernel) NewAddrSpace() *virt.VirtMapper {
	return virt.New(newZoneFrames(k.Zones), mem.MaxVirtAddr)
}
