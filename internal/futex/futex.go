// Package futex implements in-kernel futexes: the wait/wake primitive
// user-space mutexes and condition variables are built on, keyed by the
// (owning process or shared-memory region, user virtual address) pair named
// in a Fuid.
package futex

import (
	"fmt"
	"sync"

	"github.com/kore-kernel/kore/internal/sched"
	"github.com/kore-kernel/kore/internal/syscall"
)

// ParentKind tags what kind of object a Fuid's futexes are scoped to: a
// process's own address space, or a shared memory region several processes
// map.
type ParentKind uint8

const (
	ParentProcess ParentKind = iota
	ParentSMem
)

func (k ParentKind) String() string {
	if k == ParentSMem {
		return "smem"
	}
	return "process"
}

// Fuid uniquely identifies one futex: the kind and id of the object that
// owns it, plus the user virtual address (fid) within that object.
type Fuid struct {
	Kind     ParentKind
	ParentID uint64
	Addr     uint64
}

func (f Fuid) String() string {
	return fmt.Sprintf("futex(%v:%d@%#x)", f.Kind, f.ParentID, f.Addr)
}

// Blocker is the scheduling side a FutexMap parks and wakes threads
// against. sched.Process satisfies it directly: FutexWait, FutexWakeN, and
// FutexDestroyNode already have exactly this shape, since the process-local
// futex wait index lives there rather than being duplicated in this
// package.
type Blocker interface {
	FutexWait(addr uint64, waiter *sched.Thread)
	FutexWakeN(addr uint64, n int) []*sched.Thread
	FutexDestroyNode(addr uint64) []*sched.Thread
}

// KFutex is one live futex: an id, a blocker to park and wake threads
// against, and a liveness flag so a thread racing a destroy call blocks
// against a futex that is already gone sees failure instead of parking
// forever.
type KFutex struct {
	mu        sync.Mutex
	id        Fuid
	blocker   Blocker
	waitCount int64
	alive     bool
}

func newKFutex(id Fuid, blocker Blocker) *KFutex {
	return &KFutex{id: id, blocker: blocker, alive: true}
}

func (f *KFutex) Fuid() Fuid { return f.id }

func (f *KFutex) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

// block parks t on the futex's address, reporting false if the futex was
// destroyed out from under the caller.
func (f *KFutex) block(t *sched.Thread) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.alive {
		return false
	}

	f.waitCount++
	f.blocker.FutexWait(f.id.Addr, t)

	return true
}

// unblock wakes up to n parked threads, FIFO, and reports how many woke.
func (f *KFutex) unblock(n int) []*sched.Thread {
	f.mu.Lock()
	defer f.mu.Unlock()

	woken := f.blocker.FutexWakeN(f.id.Addr, n)
	if len(woken) > int(f.waitCount) {
		f.waitCount = 0
	} else {
		f.waitCount -= int64(len(woken))
	}

	return woken
}

// destroy marks the futex dead and wakes every remaining waiter.
func (f *KFutex) destroy() []*sched.Thread {
	f.mu.Lock()
	f.alive = false
	f.mu.Unlock()

	return f.blocker.FutexDestroyNode(f.id.Addr)
}

// Map is a parent object's table of futexes, lazily creating a KFutex the
// first time an address is blocked or unblocked on.
type Map struct {
	mu       sync.Mutex
	kind     ParentKind
	parentID uint64
	blocker  Blocker
	futexes  map[uint64]*KFutex
}

// NewProcessMap creates the futex table for a process's own address space.
func NewProcessMap(pid uint64, blocker Blocker) *Map {
	return &Map{kind: ParentProcess, parentID: pid, blocker: blocker, futexes: make(map[uint64]*KFutex)}
}

// NewSMemMap creates the futex table for a shared memory region.
func NewSMemMap(smid uint64, blocker Blocker) *Map {
	return &Map{kind: ParentSMem, parentID: smid, blocker: blocker, futexes: make(map[uint64]*KFutex)}
}

func (m *Map) fuid(addr uint64) Fuid {
	return Fuid{Kind: m.kind, ParentID: m.parentID, Addr: addr}
}

func (m *Map) getOrInsert(addr uint64) *KFutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.futexes[addr]
	if !ok || !f.Alive() {
		f = newKFutex(m.fuid(addr), m.blocker)
		m.futexes[addr] = f
	}

	return f
}

// Block parks thread t on addr, creating the futex if this is the first
// waiter. Retried by the caller if it returns false, mirroring a destroy
// racing the block.
func (m *Map) Block(addr uint64, t *sched.Thread) bool {
	return m.getOrInsert(addr).block(t)
}

// Unblock wakes up to n threads parked on addr and returns them.
func (m *Map) Unblock(addr uint64, n int) []*sched.Thread {
	return m.getOrInsert(addr).unblock(n)
}

// Destroy removes addr's futex entirely, waking every remaining waiter. It
// fails with InvlId if nothing was ever blocked or unblocked on addr.
func (m *Map) Destroy(addr uint64) ([]*sched.Thread, error) {
	m.mu.Lock()
	f, ok := m.futexes[addr]
	if ok {
		delete(m.futexes, addr)
	}
	m.mu.Unlock()

	if !ok {
		return nil, syscall.InvlId
	}

	return f.destroy(), nil
}
