// Package mem defines the address and range types shared by the physical frame
// allocator, the virtual address mapper, and everything that hands memory
// across a syscall boundary.
package mem

import "fmt"

// PageSize is one of the three naturally-aligned page sizes the mapper
// understands. Larger sizes cover a run of the next size down exactly, so a
// PageSize value also tells a caller how aggressively a range can be mapped.
type PageSize uint64

const (
	K4 PageSize = 0x1000
	M2 PageSize = 0x200000
	G1 PageSize = 0x40000000
)

func (p PageSize) String() string {
	switch p {
	case K4:
		return "4K"
	case M2:
		return "2M"
	case G1:
		return "1G"
	default:
		return fmt.Sprintf("PageSize(%#x)", uint64(p))
	}
}

// order returns the buddy-allocator order whose frame size equals p: order 0
// is one 4K frame, and each order doubles the frame count of the order below.
func (p PageSize) order() uint {
	switch p {
	case K4:
		return 0
	case M2:
		return 9 // 2M / 4K == 512 == 1<<9
	case G1:
		return 18 // 1G / 4K == 262144 == 1<<18
	default:
		panic(fmt.Sprintf("mem: not a page size: %#x", uint64(p)))
	}
}

// Order returns the buddy order corresponding to a page size.
func Order(p PageSize) uint { return p.order() }

// PageSizeFromOrder is the inverse of Order.
func PageSizeFromOrder(order uint) PageSize {
	switch order {
	case 0:
		return K4
	case 9:
		return M2
	case 18:
		return G1
	default:
		return PageSize(K4) << (order)
	}
}

// alignDownToPageSize returns the largest page size not exceeding n, or 0 if
// n is smaller than a single 4K frame.
func alignDownToPageSize(n uint64) PageSize {
	switch {
	case n >= uint64(G1):
		return G1
	case n >= uint64(M2):
		return M2
	case n >= uint64(K4):
		return K4
	default:
		return 0
	}
}

func alignDown(n, align uint64) uint64 {
	if align == 0 {
		return n
	}
	return n &^ (align - 1)
}

func alignUp(n, align uint64) uint64 {
	if align == 0 {
		return n
	}
	return alignDown(n+align-1, align)
}

// PhysAddr is an address in the simulated physical address space.
type PhysAddr uint64

func (a PhysAddr) String() string { return fmt.Sprintf("p%#011x", uint64(a)) }

// AlignDown rounds a down to a multiple of align.
func (a PhysAddr) AlignDown(align uint64) PhysAddr { return PhysAddr(alignDown(uint64(a), align)) }

// VirtAddr is an address in a process's virtual address space. Only the low
// 48 bits are significant, matching a four-level page-table walk.
type VirtAddr uint64

// MaxVirtAddr is one past the highest address of the lower (user) half of
// the 48-bit space a four-level page table can name.
const MaxVirtAddr VirtAddr = 1 << 47

func (a VirtAddr) String() string { return fmt.Sprintf("v%#011x", uint64(a)) }

// AlignDown rounds a down to a multiple of align.
func (a VirtAddr) AlignDown(align uint64) VirtAddr { return VirtAddr(alignDown(uint64(a), align)) }

// PageIndex returns the four page-table indices (PML4, PDPT, PD, PT) for an
// address, most-significant first.
func (a VirtAddr) PageIndex() [4]uint16 {
	return [4]uint16{
		uint16((a >> 39) & 0x1ff),
		uint16((a >> 30) & 0x1ff),
		uint16((a >> 21) & 0x1ff),
		uint16((a >> 12) & 0x1ff),
	}
}

// PhysFrame names one naturally-aligned physical page of a given size.
type PhysFrame struct {
	addr PhysAddr
	size PageSize
}

// NewPhysFrame aligns addr down to size and returns the frame it names.
func NewPhysFrame(addr PhysAddr, size PageSize) PhysFrame {
	return PhysFrame{addr: addr.AlignDown(uint64(size)), size: size}
}

func (f PhysFrame) Addr() PhysAddr  { return f.addr }
func (f PhysFrame) Size() PageSize  { return f.size }
func (f PhysFrame) EndAddr() PhysAddr { return f.addr + PhysAddr(f.size) }

// VirtFrame names one naturally-aligned virtual page of a given size.
type VirtFrame struct {
	addr VirtAddr
	size PageSize
}

func NewVirtFrame(addr VirtAddr, size PageSize) VirtFrame {
	return VirtFrame{addr: addr.AlignDown(uint64(size)), size: size}
}

func (f VirtFrame) Addr() VirtAddr  { return f.addr }
func (f VirtFrame) Size() PageSize  { return f.size }
func (f VirtFrame) EndAddr() VirtAddr { return f.addr + VirtAddr(f.size) }

// PhysRange is a byte-granular run of physical addresses, used to describe
// frames reclaimed from a zone or handed to a capability for MMIO mapping.
type PhysRange struct {
	addr PhysAddr
	size uint64
}

// NewPhysRange rounds addr down and size up to 4K boundaries.
func NewPhysRange(addr PhysAddr, size uint64) PhysRange {
	return PhysRange{
		addr: addr.AlignDown(uint64(K4)),
		size: alignUp(size, uint64(K4)),
	}
}

// NewPhysRangeUnaligned keeps addr and size exactly as given.
func NewPhysRangeUnaligned(addr PhysAddr, size uint64) PhysRange {
	return PhysRange{addr: addr, size: size}
}

func (r PhysRange) Addr() PhysAddr    { return r.addr }
func (r PhysRange) Size() uint64      { return r.size }
func (r PhysRange) EndAddr() PhysAddr { return r.addr + PhysAddr(r.size) }
func (r PhysRange) IsZero() bool      { return r.size == 0 }

func (r PhysRange) Contains(addr PhysAddr) bool {
	return addr >= r.addr && addr < r.addr+PhysAddr(r.size)
}

func (r PhysRange) ContainsRange(o PhysRange) bool {
	return r.Contains(o.addr) || r.Contains(o.EndAddr()-1)
}

// TakeSize returns the largest page size that can be carved off the start of
// r without crossing an alignment boundary, or false if r is smaller than one
// 4K frame.
func (r PhysRange) TakeSize() (PageSize, bool) {
	bySize := alignDownToPageSize(r.size)
	a := uint64(r.addr) | uint64(G1)
	byAlign := alignDownToPageSize(a & -a)
	if bySize == 0 {
		return 0, false
	}
	if byAlign < bySize {
		bySize = byAlign
	}
	if bySize == 0 {
		return 0, false
	}
	return bySize, true
}

// Take removes one frame of size from the front of r and returns it, shrinking
// r in place. It reports false if r cannot yield a frame of that size.
func (r *PhysRange) Take(size PageSize) (PhysFrame, bool) {
	take, ok := r.TakeSize()
	if !ok || size > take {
		return PhysFrame{}, false
	}

	frame := NewPhysFrame(r.addr, size)
	r.addr += PhysAddr(size)
	r.size -= uint64(size)

	return frame, true
}

// VirtRange is a byte-granular run of virtual addresses backing one mapping.
// The address field must stay first in memory ordering terms: callers such
// as internal/mem/virt sort ranges by address to find overlaps.
type VirtRange struct {
	addr VirtAddr
	size uint64
}

func NewVirtRange(addr VirtAddr, size uint64) VirtRange {
	return VirtRange{
		addr: addr.AlignDown(uint64(K4)),
		size: alignUp(size, uint64(K4)),
	}
}

func NewVirtRangeUnaligned(addr VirtAddr, size uint64) VirtRange {
	return VirtRange{addr: addr, size: size}
}

func (r VirtRange) Addr() VirtAddr    { return r.addr }
func (r VirtRange) Size() uint64      { return r.size }
func (r VirtRange) EndAddr() VirtAddr { return r.addr + VirtAddr(r.size) }
func (r VirtRange) IsZero() bool      { return r.size == 0 }

func (r VirtRange) Contains(addr VirtAddr) bool {
	return addr >= r.addr && addr < r.addr+VirtAddr(r.size)
}

func (r VirtRange) Overlaps(o VirtRange) bool {
	return r.addr < o.EndAddr() && o.addr < r.EndAddr()
}

// TakeSize returns the largest page size that can be carved off the front of
// r, or false if r is smaller than one 4K frame.
func (r VirtRange) TakeSize() (PageSize, bool) {
	bySize := alignDownToPageSize(r.size)
	a := uint64(r.addr) | uint64(G1)
	byAlign := alignDownToPageSize(a & -a)
	if bySize == 0 {
		return 0, false
	}
	if byAlign < bySize {
		bySize = byAlign
	}
	if bySize == 0 {
		return 0, false
	}
	return bySize, true
}

// Take removes one frame of size from the front of r and returns it, shrinking
// r in place.
func (r *VirtRange) Take(size PageSize) (VirtFrame, bool) {
	take, ok := r.TakeSize()
	if !ok || size > take {
		return VirtFrame{}, false
	}

	frame := NewVirtFrame(r.addr, size)
	r.addr += VirtAddr(size)
	r.size -= uint64(size)

	return frame, true
}

// Less orders VirtRange by starting address, used as the btree.Less for the
// VirtMapper's mapping table.
func (r VirtRange) Less(o VirtRange) bool { return r.addr < o.addr }

func (r VirtRange) String() string {
	return fmt.Sprintf("[%s, %s)", r.addr, r.EndAddr())
}
