// Package smem implements shared memory regions: physical allocations that
// can be mapped into more than one process's address space, each carrying
// its own futex table (supplemented feature) so a lock living in shared
// memory blocks against the region rather than either mapper's process.
package smem

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kore-kernel/kore/internal/cap"
	"github.com/kore-kernel/kore/internal/futex"
	"github.com/kore-kernel/kore/internal/mem"
	"github.com/kore-kernel/kore/internal/mem/buddy"
	"github.com/kore-kernel/kore/internal/mem/virt"
	"github.com/kore-kernel/kore/internal/sched"
)

// Flags are the access permissions a shared region was created with.
type Flags uint8

const (
	FlagNone  Flags = 0
	FlagRead  Flags = 1
	FlagWrite Flags = 1 << 1
	FlagExec  Flags = 1 << 2
)

func (f Flags) Has(want Flags) bool { return f&want == want }

func (f Flags) pageFlags() virt.PageFlags {
	pf := virt.FlagPresent | virt.FlagUser
	if f.Has(FlagWrite) {
		pf |= virt.FlagWritable
	}
	if !f.Has(FlagExec) {
		pf |= virt.FlagNoExec
	}
	return pf
}

var nextSmid atomic.Uint64

// SharedMem is a physical allocation multiple processes can map into their
// own address space. It satisfies cap.TypedObject so it can be held behind
// a cap.Capability the way any other kernel object is.
type SharedMem struct {
	zones *buddy.ZoneManager
	alloc buddy.Allocation
	flags Flags
	smid  uint64

	refs atomic.Int64

	// Futexes blocks on addresses relative to the region's own futex
	// table rather than the mapping process's, so two unrelated processes
	// sharing the region still rendezvous on the same KFutex.
	Futexes *futex.Map
}

// New allocates size bytes from zones and wraps them as a shared region.
func New(zones *buddy.ZoneManager, size uint64, flags Flags) (*SharedMem, error) {
	alloc, ok := zones.Alloc(size)
	if !ok {
		return nil, fmt.Errorf("smem: out of physical memory for %d bytes", size)
	}

	s := &SharedMem{
		zones: zones,
		alloc: alloc,
		flags: flags,
		smid:  nextSmid.Add(1) - 1,
	}
	s.refs.Store(1)
	s.Futexes = futex.NewSMemMap(s.smid, &smemBlocker{})

	return s, nil
}

// smemBlocker is the trivial in-process Blocker for shared-memory futexes:
// waiters park directly in a map guarded by the blocker's own lock (one
// blocker is shared by every address's futex.KFutex in the region), since
// there is no scheduler-global index keyed by smem region.
type smemBlocker struct {
	mu      sync.Mutex
	waiters map[uint64][]*sched.Thread
}

func (b *smemBlocker) FutexWait(addr uint64, waiter *sched.Thread) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.waiters == nil {
		b.waiters = make(map[uint64][]*sched.Thread)
	}
	b.waiters[addr] = append(b.waiters[addr], waiter)
}

func (b *smemBlocker) FutexWakeN(addr uint64, n int) []*sched.Thread {
	b.mu.Lock()
	defer b.mu.Unlock()
	waiters := b.waiters[addr]
	if n >= len(waiters) {
		delete(b.waiters, addr)
		return waiters
	}

	woken := waiters[:n]
	b.waiters[addr] = waiters[n:]

	return woken
}

func (b *smemBlocker) FutexDestroyNode(addr uint64) []*sched.Thread {
	b.mu.Lock()
	defer b.mu.Unlock()
	waiters := b.waiters[addr]
	delete(b.waiters, addr)
	return waiters
}

func (s *SharedMem) ID() uint64 { return s.smid }

func (s *SharedMem) ObjectType() cap.ObjectType { return cap.SMem }

func (s *SharedMem) IncRef() { s.refs.Add(1) }

// DecRef releases the region's physical memory back to its zone manager
// once the last capability referencing it is dropped.
func (s *SharedMem) DecRef() bool {
	if s.refs.Add(-1) != 0 {
		return false
	}

	s.zones.Dealloc(s.alloc)

	return true
}

// VirtLayout builds the layout a VirtMapper maps this region's physical
// range with, tagged AllocShared and stamped with the region's smid so an
// unmap can route the teardown back through this SharedMem instead of a
// zone manager.
func (s *SharedMem) VirtLayout() (virt.VirtLayout, error) {
	elem := virt.NewMemElement(s.alloc.Range())

	layout, err := virt.NewVirtLayout([]virt.VirtLayoutElement{elem}, virt.AllocShared)
	if err != nil {
		return virt.VirtLayout{}, err
	}

	layout.Smid = s.smid

	return layout, nil
}

// PageFlags reports the page-table permission bits this region's access
// flags translate to.
func (s *SharedMem) PageFlags() virt.PageFlags { return s.flags.pageFlags() }

// Map is a process's table of shared regions it has mapped, keyed by a
// local id distinct from the region's own smid (a process may map the same
// region twice at different addresses, or map many regions).
type Map struct {
	entries map[uint64]*MapEntry
	nextID  uint64
}

// MapEntry pairs a mapped region with where it landed in the owning
// process's address space, filled in once Map succeeds.
type MapEntry struct {
	SMem    *SharedMem
	VirtMem *mem.VirtRange
}

func NewMap() *Map {
	return &Map{entries: make(map[uint64]*MapEntry)}
}

// Insert registers smem under a fresh local id, unmapped until the caller
// sets VirtMem.
func (m *Map) Insert(s *SharedMem) uint64 {
	id := m.nextID
	m.nextID++
	m.entries[id] = &MapEntry{SMem: s}

	return id
}

func (m *Map) Get(id uint64) (*MapEntry, bool) {
	e, ok := m.entries[id]
	return e, ok
}

func (m *Map) Remove(id uint64) (*MapEntry, bool) {
	e, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}
	return e, ok
}
