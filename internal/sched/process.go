package sched

import (
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/kore-kernel/kore/internal/mem/virt"
)

// futexWaitNode is one address's FIFO queue of parked threads, the
// process-local half of the futex wait index (the other half, the futex's
// own liveness and counter, lives in internal/futex).
type futexWaitNode struct {
	Addr    uint64
	Waiters []*Thread
}

func futexNodeLess(a, b futexWaitNode) bool { return a.Addr < b.Addr }

// joinWaitNode is one thread id's FIFO queue of joiners.
type joinWaitNode struct {
	Tid     uint64
	Waiters []*Thread
}

func joinNodeLess(a, b joinWaitNode) bool { return a.Tid < b.Tid }

// Process owns a set of threads, one address space, and the two
// process-local wait indexes (join and futex) spec'd as
// thread-list-proc-local. Capability maps, the domain table, and the
// connection table are owned by the higher layers that know their concrete
// types (internal/cap, internal/ipc) and are looked up by Pid, not embedded
// here, so this package stays free of a dependency on them.
type Process struct {
	mu sync.Mutex

	Pid       uint64
	AddrSpace *virt.VirtMapper

	threads map[uint64]*Thread
	nextTid atomic.Uint64

	joinWaiters  *btree.BTreeG[joinWaitNode]
	futexWaiters *btree.BTreeG[futexWaitNode]

	alive atomic.Bool
}

// NewProcess creates a process with no threads, backed by addrSpace.
func NewProcess(pid uint64, addrSpace *virt.VirtMapper) *Process {
	p := &Process{
		Pid:          pid,
		AddrSpace:    addrSpace,
		threads:      make(map[uint64]*Thread),
		joinWaiters:  btree.NewG(16, joinNodeLess),
		futexWaiters: btree.NewG(16, futexNodeLess),
	}
	p.alive.Store(true)

	return p
}

func (p *Process) Alive() bool { return p.alive.Load() }

// NewThread allocates the next tid and registers a thread owned by p.
func (p *Process) NewThread(name string) *Thread {
	tid := p.nextTid.Add(1)
	t := NewThread(tid, name, p)

	p.mu.Lock()
	p.threads[tid] = t
	p.mu.Unlock()

	return t
}

// Thread looks up one of the process's threads by tid.
func (p *Process) Thread(tid uint64) (*Thread, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.threads[tid]
	return t, ok
}

// Threads returns a snapshot of every thread the process currently owns.
func (p *Process) Threads() []*Thread {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Thread, 0, len(p.threads))
	for _, t := range p.threads {
		out = append(out, t)
	}

	return out
}

// RemoveThread deletes tid from the process's thread table, for a thread
// that is retiring itself via thread_block(Destroy) rather than being reaped
// because its whole process died.
func (p *Process) RemoveThread(tid uint64) (*Thread, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.threads[tid]
	if !ok {
		return nil, false
	}
	delete(p.threads, tid)

	return t, true
}

// JoinWait records that waiter is blocked joining tid, lazily creating the
// wait node for tid if this is the first joiner.
func (p *Process) JoinWait(tid uint64, waiter *Thread) {
	p.mu.Lock()
	defer p.mu.Unlock()

	node, ok := p.joinWaiters.Get(joinWaitNode{Tid: tid})
	if !ok {
		node = joinWaitNode{Tid: tid}
	}

	node.Waiters = append(node.Waiters, waiter)
	p.joinWaiters.ReplaceOrInsert(node)
}

// JoinWakeAll removes and returns every thread waiting to join tid, for the
// caller to transition to Ready.
func (p *Process) JoinWakeAll(tid uint64) []*Thread {
	p.mu.Lock()
	defer p.mu.Unlock()

	node, ok := p.joinWaiters.Delete(joinWaitNode{Tid: tid})
	if !ok {
		return nil
	}

	return node.Waiters
}

// FutexWait records that waiter is parked on addr, lazily creating the wait
// node if this is the first waiter.
func (p *Process) FutexWait(addr uint64, waiter *Thread) {
	p.mu.Lock()
	defer p.mu.Unlock()

	node, ok := p.futexWaiters.Get(futexWaitNode{Addr: addr})
	if !ok {
		node = futexWaitNode{Addr: addr}
	}

	node.Waiters = append(node.Waiters, waiter)
	p.futexWaiters.ReplaceOrInsert(node)
}

// FutexWakeN removes and returns up to n waiters on addr, FIFO. If no
// waiters remain after removal the node is deleted entirely.
func (p *Process) FutexWakeN(addr uint64, n int) []*Thread {
	p.mu.Lock()
	defer p.mu.Unlock()

	node, ok := p.futexWaiters.Get(futexWaitNode{Addr: addr})
	if !ok {
		return nil
	}

	if n >= len(node.Waiters) {
		p.futexWaiters.Delete(futexWaitNode{Addr: addr})
		return node.Waiters
	}

	woken := node.Waiters[:n]
	node.Waiters = node.Waiters[n:]
	p.futexWaiters.ReplaceOrInsert(node)

	return woken
}

// FutexDestroyNode removes addr's wait node entirely, returning every
// waiter still parked on it.
func (p *Process) FutexDestroyNode(addr uint64) []*Thread {
	p.mu.Lock()
	defer p.mu.Unlock()

	node, ok := p.futexWaiters.Delete(futexWaitNode{Addr: addr})
	if !ok {
		return nil
	}

	return node.Waiters
}

// Kill marks the process dead and returns every thread still parked in one
// of its process-local wait structures, so the scheduler can reap them.
func (p *Process) Kill() []*Thread {
	p.alive.Store(false)

	p.mu.Lock()
	defer p.mu.Unlock()

	var reaped []*Thread

	p.joinWaiters.Ascend(func(n joinWaitNode) bool {
		reaped = append(reaped, n.Waiters...)
		return true
	})
	p.joinWaiters.Clear(false)

	p.futexWaiters.Ascend(func(n futexWaitNode) bool {
		reaped = append(reaped, n.Waiters...)
		return true
	})
	p.futexWaiters.Clear(false)

	return reaped
}
