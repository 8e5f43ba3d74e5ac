// Package virt implements the four-level page-table address-space mapper.
// It tracks live mappings in a sorted table keyed by virtual range, and
// simulates page-table structure (without any of the x86_64 CR3/TLB
// mechanics, which belong to hardware, not this package) well enough to
// answer "what backs this virtual address" and to ref-count intermediate
// tables the way real page tables are freed once empty.
package virt

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/kore-kernel/kore/internal/mem"
)

// FrameAllocator is the narrow interface VirtMapper needs to back its own
// page-table frames. A zone manager or a single buddy allocator both satisfy
// it.
type FrameAllocator interface {
	AllocFrame() (mem.PhysAddr, bool)
	DeallocFrame(mem.PhysAddr)
}

// PageFlags mirror the permission and caching bits a real page-table entry
// carries. The mapper does not enforce them against executing code (there is
// no code execution in this simulation); it records them for capability and
// fault-reporting logic upstream to consult.
type PageFlags uint64

const (
	FlagNone     PageFlags = 0
	FlagPresent  PageFlags = 1 << 0
	FlagWritable PageFlags = 1 << 1
	FlagUser     PageFlags = 1 << 2
	FlagHuge     PageFlags = 1 << 7
	FlagGlobal   PageFlags = 1 << 8
	FlagNoExec   PageFlags = 1 << 63
)

// AllocType tags how a VirtLayout's backing memory should be treated when its
// mapping is torn down: a process heap region is freed back to a zone
// manager, a stack guard/protected region is released without zeroing
// assumptions, and shared memory is released through the owning smem object
// rather than here.
type AllocType int

const (
	AllocVirtMem AllocType = iota
	AllocProtected
	AllocShared
)

func (t AllocType) String() string {
	switch t {
	case AllocVirtMem:
		return "virtmem"
	case AllocProtected:
		return "protected"
	case AllocShared:
		return "shared"
	default:
		return fmt.Sprintf("AllocType(%d)", int(t))
	}
}

// VirtLayoutElement is either a backed physical range or an unbacked
// (demand-empty) hole of a given size; both kinds count toward a layout's
// total size and both consume virtual address space when mapped.
type VirtLayoutElement struct {
	phys mem.PhysRange
	size uint64
	hole bool
}

// NewMemElement describes size bytes backed by a physical range.
func NewMemElement(r mem.PhysRange) VirtLayoutElement {
	return VirtLayoutElement{phys: r, size: r.Size()}
}

// NewEmptyElement describes size bytes of virtual address space with no
// physical backing: page-table entries are left absent.
func NewEmptyElement(size uint64) VirtLayoutElement {
	return VirtLayoutElement{size: size, hole: true}
}

func (e VirtLayoutElement) Size() uint64 { return e.size }
func (e VirtLayoutElement) IsHole() bool { return e.hole }

// PhysRange reports the physical backing of a non-hole element. It is
// meaningless (and zero) for a hole.
func (e VirtLayoutElement) PhysRange() mem.PhysRange { return e.phys }

// VirtLayout is an ordered list of elements to be mapped contiguously into a
// virtual range, together with the AllocType governing how Unmap treats it.
type VirtLayout struct {
	Elements  []VirtLayoutElement
	AllocType AllocType
	Smid      uint64 // valid when AllocType == AllocShared
}

// NewVirtLayout builds a layout. elements must be non-empty.
func NewVirtLayout(elements []VirtLayoutElement, at AllocType) (VirtLayout, error) {
	if len(elements) == 0 {
		return VirtLayout{}, errors.New("virt: layout must have at least one element")
	}

	return VirtLayout{Elements: append([]VirtLayoutElement(nil), elements...), AllocType: at}, nil
}

func (l VirtLayout) Size() uint64 {
	var total uint64
	for _, e := range l.Elements {
		total += e.size
	}
	return total
}

var (
	ErrNoSpace    = errors.New("virt: not enough space in virtual address range")
	ErrSizeMismatch = errors.New("virt: layout size does not match virtual range size")
	ErrOverlap    = errors.New("virt: virtual range overlaps an existing mapping")
	ErrKernelZone = errors.New("virt: attempted to map into the reserved upper half")
	ErrNotMapped  = errors.New("virt: no mapping at that virtual range")
)

type mapping struct {
	Range  mem.VirtRange
	Layout VirtLayout
}

func mappingLess(a, b mapping) bool { return a.Range.Addr() < b.Range.Addr() }

// pageTableEntry is one slot of a simulated page table.
type pageTableEntry struct {
	present bool
	huge    bool
	addr    mem.PhysAddr
	flags   PageFlags
	child   *pageTable // non-nil for non-leaf, present entries
}

// pageTable is a simulated 512-entry page-table page. count tracks how many
// of its entries are present, the same role a ref-count-in-unused-bits
// scheme plays in knowing when a table can be freed.
type pageTable struct {
	frame   mem.PhysAddr
	entries [512]pageTableEntry
	count   int
}

func (t *pageTable) set(i uint16, e pageTableEntry) {
	if t.entries[i].present {
		panic("virt: page table slot already present")
	}
	t.entries[i] = e
	t.count++
}

// clear removes entry i, returning true if the table is now empty and should
// be freed by the caller.
func (t *pageTable) clear(i uint16) bool {
	if !t.entries[i].present {
		return false
	}
	t.entries[i] = pageTableEntry{}
	t.count--
	return t.count == 0
}

// VirtMapper owns one address space's page-table tree and its table of live
// mappings, sorted by virtual address so gaps can be found and overlaps
// rejected in O(log n).
type VirtMapper struct {
	mu     sync.Mutex
	ranges *btree.BTreeG[mapping]
	root   *pageTable
	frames FrameAllocator

	// maxMapAddr bounds ordinary mappings below the reserved kernel half of
	// the address space.
	maxMapAddr mem.VirtAddr
}

// New creates a VirtMapper with an empty top-level table allocated from
// frames.
func New(frames FrameAllocator, maxMapAddr mem.VirtAddr) *VirtMapper {
	rootFrame, ok := frames.AllocFrame()
	if !ok {
		panic("virt: could not allocate root page table")
	}

	return &VirtMapper{
		ranges:     btree.NewG(32, mappingLess),
		root:       &pageTable{frame: rootFrame},
		frames:     frames,
		maxMapAddr: maxMapAddr,
	}
}

// Map finds an unused virtual range large enough for layout and maps it. The
// first 4K page is never used, so the range it returns never starts at 0.
func (m *VirtMapper) Map(layout VirtLayout, flags PageFlags) (mem.VirtRange, error) {
	size := layout.Size()

	m.mu.Lock()
	defer m.mu.Unlock()

	laddr := mem.VirtAddr(mem.K4)
	found := false

	m.ranges.Ascend(func(mp mapping) bool {
		if mp.Range.Addr() >= laddr && uint64(mp.Range.Addr()-laddr) >= size {
			found = true
			return false
		}
		if mp.Range.EndAddr() > laddr {
			laddr = mp.Range.EndAddr()
		}
		return true
	})

	if !found && uint64(m.maxMapAddr-laddr) < size {
		return mem.VirtRange{}, ErrNoSpace
	}

	virtZone := mem.NewVirtRange(laddr, size)
	m.ranges.ReplaceOrInsert(mapping{Range: virtZone, Layout: layout})

	if err := m.mapUnchecked(layout, virtZone, flags); err != nil {
		m.ranges.Delete(mapping{Range: virtZone})
		return mem.VirtRange{}, err
	}

	return virtZone, nil
}

// MapAt maps layout at exactly virtZone, failing if it overlaps an existing
// mapping or spills into the reserved upper half.
func (m *VirtMapper) MapAt(layout VirtLayout, virtZone mem.VirtRange, flags PageFlags) (mem.VirtRange, error) {
	if layout.Size() != virtZone.Size() {
		return mem.VirtRange{}, ErrSizeMismatch
	}

	if virtZone.EndAddr() > m.maxMapAddr {
		return mem.VirtRange{}, ErrKernelZone
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var prev, next *mapping

	m.ranges.DescendLessOrEqual(mapping{Range: virtZone}, func(mp mapping) bool {
		if mp.Range.Addr() < virtZone.Addr() {
			p := mp
			prev = &p
		}
		return false
	})

	m.ranges.AscendGreaterOrEqual(mapping{Range: virtZone}, func(mp mapping) bool {
		n := mp
		next = &n
		return false
	})

	if prev != nil && prev.Range.EndAddr() > virtZone.Addr() {
		return mem.VirtRange{}, ErrOverlap
	}

	if next != nil && virtZone.EndAddr() > next.Range.Addr() {
		return mem.VirtRange{}, ErrOverlap
	}

	m.ranges.ReplaceOrInsert(mapping{Range: virtZone, Layout: layout})

	if err := m.mapUnchecked(layout, virtZone, flags); err != nil {
		m.ranges.Delete(mapping{Range: virtZone})
		return mem.VirtRange{}, err
	}

	return virtZone, nil
}

// Unmap removes the mapping at virtZone and tears down the page-table
// entries (and any table pages that become empty) that backed it.
func (m *VirtMapper) Unmap(virtZone mem.VirtRange) (VirtLayout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	found, ok := m.ranges.Delete(mapping{Range: virtZone})
	if !ok {
		return VirtLayout{}, ErrNotMapped
	}

	for step := range walk(found.Layout, virtZone) {
		m.unmapStep(step)
	}

	return found.Layout, nil
}

// step is one (physical-or-hole, virtual, size) triple produced while
// stepping through a layout and the virtual range it backs in lockstep,
// always choosing the largest page size both sides can agree on.
type step struct {
	virt mem.VirtAddr
	size mem.PageSize
	phys mem.PhysAddr
	hole bool
}

func walk(layout VirtLayout, virtZone mem.VirtRange) []step {
	var steps []step

	elems := append([]VirtLayoutElement(nil), layout.Elements...)
	idx := 0

	// physRemain tracks how much of elems[idx] is left to consume, expressed
	// as its own PhysRange (or, for a hole, just a byte count).
	var physRemain mem.PhysRange
	var holeRemain uint64

	if idx < len(elems) {
		if elems[idx].hole {
			holeRemain = elems[idx].size
		} else {
			physRemain = elems[idx].phys
		}
	}

	for virtZone.Size() >= uint64(mem.K4) && idx < len(elems) {
		vsize, ok := virtZone.TakeSize()
		if !ok {
			break
		}

		var psize mem.PageSize
		if elems[idx].hole {
			psize = pageSizeFittingHole(holeRemain)
		} else {
			psize, ok = physRemain.TakeSize()
			if !ok {
				break
			}
		}

		size := vsize
		if psize < size {
			size = psize
		}

		vframe, _ := virtZone.Take(size)

		if elems[idx].hole {
			holeRemain -= uint64(size)
			steps = append(steps, step{virt: vframe.Addr(), size: size, hole: true})

			if holeRemain < uint64(mem.K4) {
				idx++
				if idx < len(elems) {
					if elems[idx].hole {
						holeRemain = elems[idx].size
					} else {
						physRemain = elems[idx].phys
					}
				}
			}
		} else {
			pframe, _ := physRemain.Take(size)
			steps = append(steps, step{virt: vframe.Addr(), size: size, phys: pframe.Addr()})

			if physRemain.Size() < uint64(mem.K4) {
				idx++
				if idx < len(elems) {
					if elems[idx].hole {
						holeRemain = elems[idx].size
					} else {
						physRemain = elems[idx].phys
					}
				}
			}
		}
	}

	return steps
}

func pageSizeFittingHole(size uint64) mem.PageSize {
	switch {
	case size >= uint64(mem.G1):
		return mem.G1
	case size >= uint64(mem.M2):
		return mem.M2
	default:
		return mem.K4
	}
}

func depthFor(size mem.PageSize) int {
	switch size {
	case mem.G1:
		return 2
	case mem.M2:
		return 3
	default:
		return 4
	}
}

func (m *VirtMapper) mapUnchecked(layout VirtLayout, virtZone mem.VirtRange, flags PageFlags) error {
	for _, st := range walk(layout, virtZone) {
		if st.hole {
			continue
		}

		idx := st.virt.PageIndex()
		depth := depthFor(st.size)

		table := m.root
		for level := 0; level < depth-1; level++ {
			table = m.getOrAllocTable(table, idx[level], flags)
		}

		leafIndex := idx[depth-1]
		leafFlags := flags | FlagPresent
		if depth < 4 {
			leafFlags |= FlagHuge
		}

		table.set(leafIndex, pageTableEntry{
			present: true,
			huge:    depth < 4,
			addr:    st.phys,
			flags:   leafFlags,
		})
	}

	return nil
}

func (m *VirtMapper) getOrAllocTable(parent *pageTable, index uint16, flags PageFlags) *pageTable {
	entry := parent.entries[index]
	if entry.present && entry.child != nil {
		return entry.child
	}

	frame, ok := m.frames.AllocFrame()
	if !ok {
		panic("virt: out of frames for intermediate page table")
	}

	child := &pageTable{frame: frame}
	parent.set(index, pageTableEntry{present: true, addr: frame, flags: flags | FlagPresent, child: child})

	return child
}

func (m *VirtMapper) unmapStep(st step) {
	idx := st.virt.PageIndex()
	depth := depthFor(st.size)

	tables := make([]*pageTable, depth)
	tables[0] = m.root

	for level := 1; level < depth; level++ {
		entry := tables[level-1].entries[idx[level-1]]
		if entry.child == nil {
			return
		}
		tables[level] = entry.child
	}

	empty := tables[depth-1].clear(idx[depth-1])

	for level := depth - 1; level > 0 && empty; level-- {
		m.frames.DeallocFrame(tables[level].frame)
		empty = tables[level-1].clear(idx[level-1])
	}
}

// RootFrame returns the physical frame backing this address space's
// top-level page table, the analogue of a loaded CR3 value.
func (m *VirtMapper) RootFrame() mem.PhysAddr { return m.root.frame }

// FindContaining returns the virtual range and layout of whichever mapping
// currently contains addr, if any. Unlike Lookup, the caller need not know
// the mapping's exact extent up front — realloc's free and resize paths are
// handed only the base address a prior allocate returned.
func (m *VirtMapper) FindContaining(addr mem.VirtAddr) (mem.VirtRange, VirtLayout, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var found *mapping

	m.ranges.DescendLessOrEqual(mapping{Range: mem.NewVirtRange(addr, 1)}, func(mp mapping) bool {
		f := mp
		found = &f
		return false
	})

	if found == nil || !found.Range.Contains(addr) {
		return mem.VirtRange{}, VirtLayout{}, false
	}

	return found.Range, found.Layout, true
}

// Lookup reports the layout mapped at exactly virtZone, if any.
func (m *VirtMapper) Lookup(virtZone mem.VirtRange) (VirtLayout, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	found, ok := m.ranges.Get(mapping{Range: virtZone})
	return found.Layout, ok
}
