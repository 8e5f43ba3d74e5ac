// Package kernel assembles the memory, capability, scheduling, futex, and
// IPC subsystems into the syscall dispatch loop a thread's trap into the
// kernel actually runs.
package kernel

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kore-kernel/kore/internal/cap"
	"github.com/kore-kernel/kore/internal/futex"
	"github.com/kore-kernel/kore/internal/ipc"
	"github.com/kore-kernel/kore/internal/mem"
	"github.com/kore-kernel/kore/internal/mem/buddy"
	"github.com/kore-kernel/kore/internal/mem/virt"
	"github.com/kore-kernel/kore/internal/sched"
	"github.com/kore-kernel/kore/internal/smem"
	"github.com/kore-kernel/kore/internal/syscall"
)

// ProcessState is everything the kernel tracks for one process beyond the
// scheduler's own Process: its capability tables (one per object type, since
// cap.Map is generic over a single TypedObject) and its process-scoped
// futex table.
type ProcessState struct {
	Proc *sched.Process

	SMemCaps    *cap.Map[*smem.SharedMem]
	ChannelCaps *cap.Map[*ipc.ChannelCap]

	SMemTable *smem.Map
	Futexes   *futex.Map
}

// Kernel owns every subsystem and is the single place a syscall trap or
// timer tick is dispatched through.
type Kernel struct {
	mu sync.Mutex

	Zones      *buddy.ZoneManager
	Scheduler  *sched.Scheduler
	Router     *ipc.Router
	Namespaces *ipc.NamespaceRegistry

	processes map[uint64]*ProcessState
	nextPid   atomic.Uint64
	nowNsec   atomic.Uint64
}

// New creates a kernel backed by zones for physical memory, rescheduling
// every quantumNsec of elapsed time.
func New(zones *buddy.ZoneManager, quantumNsec uint64) *Kernel {
	s := sched.New(quantumNsec)

	return &Kernel{
		Zones:      zones,
		Scheduler:  s,
		Router:     ipc.NewRouter(s),
		Namespaces: ipc.NewNamespaceRegistry(),
		processes:  make(map[uint64]*ProcessState),
	}
}

// NewProcess creates a process backed by addrSpace and registers every
// per-process table the syscall dispatcher needs to serve it.
func (k *Kernel) NewProcess(addrSpace *virt.VirtMapper) *ProcessState {
	pid := k.nextPid.Add(1) - 1
	proc := sched.NewProcess(pid, addrSpace)

	ps := &ProcessState{
		Proc:        proc,
		SMemCaps:    cap.NewMap[*smem.SharedMem](),
		ChannelCaps: cap.NewMap[*ipc.ChannelCap](),
		SMemTable:   smem.NewMap(),
	}
	ps.Futexes = futex.NewProcessMap(pid, proc)

	k.mu.Lock()
	k.processes[pid] = ps
	k.mu.Unlock()

	k.Scheduler.AddProcess(proc)

	return ps
}

func (k *Kernel) Process(pid uint64) (*ProcessState, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	ps, ok := k.processes[pid]
	return ps, ok
}

// KillProcess tears a process down: it is removed from the kernel's process
// table, and the scheduler marks it dead and reaps its threads (see
// sched.Scheduler.KillProcess). Capabilities the process holds, including
// shared memory regions, are not released.
func (k *Kernel) KillProcess(pid uint64) {
	k.mu.Lock()
	ps, ok := k.processes[pid]
	if ok {
		delete(k.processes, pid)
	}
	k.mu.Unlock()

	if !ok {
		return
	}

	k.Scheduler.KillProcess(ps.Proc)
}

func (k *Kernel) threadLookup(pid, tid uint64) (*sched.Thread, bool) {
	ps, ok := k.Process(pid)
	if !ok {
		return nil, false
	}
	return ps.Proc.Thread(tid)
}

// Dispatch handles one syscall trap from th, mutating frame in place with
// the result the way the real ABI returns values in registers. It reports
// whether th should be immediately rescheduled away (a blocking call that
// parked it) versus continuing to run.
func (k *Kernel) Dispatch(th *sched.Thread, frame *syscall.Frame) (blocked bool) {
	ps, ok := k.Process(th.Process.Pid)
	if !ok {
		frame.SetReturn(syscall.InvlId)
		return false
	}

	switch syscall.Number(frame.Number()) {
	case syscall.ThreadNew:
		nt := ps.Proc.NewThread(fmt.Sprintf("tid-%d", th.Tid))
		nt.Regs.RIP = frame.A1
		k.Scheduler.Enqueue(nt)
		frame.SetReturn(syscall.Ok, nt.Tid)

	case syscall.ThreadBlock:
		return k.dispatchThreadBlock(th, ps, frame)

	case syscall.FutexBlock:
		addr := frame.A1
		if !ps.Futexes.Block(addr, th) {
			frame.SetReturn(syscall.InvlId)
			return false
		}
		k.Scheduler.Block(th, sched.FutexBlockState(addr))
		frame.SetReturn(syscall.Ok)
		return true

	case syscall.FutexUnblock:
		woken := ps.Futexes.Unblock(frame.A1, int(frame.A2))
		for _, t := range woken {
			k.Scheduler.Enqueue(t)
		}
		frame.SetReturn(syscall.Ok, uint64(len(woken)))

	case syscall.FutexDestroy:
		woken, err := ps.Futexes.Destroy(frame.A1)
		if err != nil {
			frame.SetReturn(syscall.InvlId)
			return false
		}
		for _, t := range woken {
			k.Scheduler.Enqueue(t)
		}
		frame.SetReturn(syscall.Ok, uint64(len(woken)))

	case syscall.Realloc:
		k.dispatchRealloc(ps, frame)

	case syscall.SMemNew:
		k.dispatchSMemNew(ps, frame)

	case syscall.SMap:
		k.dispatchSMap(ps, frame)

	case syscall.SUnmap:
		k.dispatchSUnmap(ps, frame)

	case syscall.Reg:
		k.dispatchReg(ps, frame)

	case syscall.Msg:
		return k.dispatchMsg(th, ps, frame)

	case syscall.CapClone:
		k.dispatchCapClone(ps, frame)

	case syscall.CapDestroy:
		k.dispatchCapDestroy(ps, frame)

	case syscall.CapInfo:
		k.dispatchCapInfo(frame)

	default:
		frame.SetReturn(syscall.InvlOp)
	}

	return false
}

// threadBlockReason is the sub-operation a thread_block trap requests in
// frame.A1, with its argument (if any) in frame.A2.
type threadBlockReason uint64

const (
	blockYield   threadBlockReason = 0
	blockDestroy threadBlockReason = 1
	blockSleep   threadBlockReason = 2
	blockJoin    threadBlockReason = 3
)

// dispatchThreadBlock implements thread_block's four sub-operations: Yield
// re-enqueues the caller as Ready, Destroy retires it for good and wakes any
// joiners, Sleep parks it in the sleep heap, and Join parks it waiting for
// another thread of the same process to retire.
func (k *Kernel) dispatchThreadBlock(th *sched.Thread, ps *ProcessState, frame *syscall.Frame) (blocked bool) {
	switch threadBlockReason(frame.A1) {
	case blockYield:
		k.Scheduler.Enqueue(th)
		frame.SetReturn(syscall.Ok)
		return true

	case blockDestroy:
		ps.Proc.RemoveThread(th.Tid)
		for _, joiner := range ps.Proc.JoinWakeAll(th.Tid) {
			k.Scheduler.Enqueue(joiner)
		}
		k.Scheduler.DestroySelf(th)
		frame.SetReturn(syscall.Ok)
		return true

	case blockSleep:
		wakeAt := k.nowNsec.Load() + frame.A2
		k.Scheduler.Sleep(th, wakeAt)
		frame.SetReturn(syscall.Ok)
		return true

	case blockJoin:
		targetTid := frame.A2
		if _, ok := ps.Proc.Thread(targetTid); !ok {
			frame.SetReturn(syscall.InvlId)
			return false
		}
		ps.Proc.JoinWait(targetTid, th)
		k.Scheduler.Block(th, sched.JoinState(targetTid))
		frame.SetReturn(syscall.Ok)
		return true

	default:
		frame.SetReturn(syscall.InvlArgs)
		return false
	}
}

// pageFlagsFromOptions translates a syscall's READ/WRITE/EXEC option bits
// into the page-table permission flags a VirtMapper maps with.
func pageFlagsFromOptions(opts syscall.Options) virt.PageFlags {
	flags := virt.FlagPresent | virt.FlagUser
	if opts.Has(syscall.OptWrite) {
		flags |= virt.FlagWritable
	}
	if !opts.Has(syscall.OptExec) {
		flags |= virt.FlagNoExec
	}
	return flags
}

// dispatchRealloc implements realloc's three shapes, keyed off which of
// addr/size are zero, exactly the way the syscall it's grounded on
// dispatches: addr==0 allocates, size==0 frees the mapping at addr, and
// both nonzero resizes it. The EXACT option selects MapAt over Map and,
// doubling as the allocation's intent, tags the mapping Protected rather
// than VirtMem — a caller naming the exact address it wants (a stack guard
// region) instead of letting the mapper place it (general heap growth).
func (k *Kernel) dispatchRealloc(ps *ProcessState, frame *syscall.Frame) {
	addr := frame.A1
	size := frame.A2
	atAddr := frame.A3

	switch {
	case addr == 0:
		k.reallocAlloc(ps, frame, size, atAddr)
	case size == 0:
		k.reallocFree(ps, frame, mem.VirtAddr(addr))
	default:
		k.reallocResize(ps, frame, mem.VirtAddr(addr), size)
	}
}

func (k *Kernel) reallocAlloc(ps *ProcessState, frame *syscall.Frame, size, atAddr uint64) {
	if size == 0 {
		frame.SetReturn(syscall.Ok, 0, 0)
		return
	}

	opts := frame.Options()

	alloc, ok := k.Zones.Alloc(size)
	if !ok {
		frame.SetReturn(syscall.OutOfMem)
		return
	}

	at := virt.AllocVirtMem
	if opts.Has(syscall.OptExact) {
		at = virt.AllocProtected
	}

	layout, err := virt.NewVirtLayout([]virt.VirtLayoutElement{virt.NewMemElement(alloc.Range())}, at)
	if err != nil {
		k.Zones.Dealloc(alloc)
		frame.SetReturn(syscall.InvlArgs)
		return
	}

	flags := pageFlagsFromOptions(opts)

	var vr mem.VirtRange
	if opts.Has(syscall.OptExact) {
		vr, err = ps.Proc.AddrSpace.MapAt(layout, mem.NewVirtRange(mem.VirtAddr(atAddr), layout.Size()), flags)
	} else {
		vr, err = ps.Proc.AddrSpace.Map(layout, flags)
	}
	if err != nil {
		k.Zones.Dealloc(alloc)
		frame.SetReturn(syscall.OutOfMem)
		return
	}

	frame.SetReturn(syscall.Ok, uint64(vr.Addr()), vr.Size())
}

func (k *Kernel) reallocFree(ps *ProcessState, frame *syscall.Frame, addr mem.VirtAddr) {
	vr, layout, ok := ps.Proc.AddrSpace.FindContaining(addr)
	if !ok {
		frame.SetReturn(syscall.InvlVirtAddr)
		return
	}

	if layout.AllocType == virt.AllocShared {
		frame.SetReturn(syscall.InvlOp)
		return
	}

	found, err := ps.Proc.AddrSpace.Unmap(vr)
	if err != nil {
		frame.SetReturn(syscall.InvlVirtMem)
		return
	}

	for _, e := range found.Elements {
		if !e.IsHole() {
			k.Zones.DeallocRange(e.PhysRange())
		}
	}

	frame.SetReturn(syscall.Ok)
}

func (k *Kernel) reallocResize(ps *ProcessState, frame *syscall.Frame, addr mem.VirtAddr, newSize uint64) {
	oldRange, oldLayout, ok := ps.Proc.AddrSpace.FindContaining(addr)
	if !ok {
		frame.SetReturn(syscall.InvlVirtAddr)
		return
	}

	if oldLayout.AllocType == virt.AllocShared || len(oldLayout.Elements) != 1 || oldLayout.Elements[0].IsHole() {
		frame.SetReturn(syscall.InvlOp)
		return
	}

	if _, err := ps.Proc.AddrSpace.Unmap(oldRange); err != nil {
		frame.SetReturn(syscall.InvlVirtMem)
		return
	}

	newPhys, ok := k.Zones.ReallocRange(oldLayout.Elements[0].PhysRange(), newSize)
	if !ok {
		frame.SetReturn(syscall.OutOfMem)
		return
	}

	newLayout, err := virt.NewVirtLayout([]virt.VirtLayoutElement{virt.NewMemElement(newPhys)}, oldLayout.AllocType)
	if err != nil {
		frame.SetReturn(syscall.InvlArgs)
		return
	}

	newRange := mem.NewVirtRange(oldRange.Addr(), newPhys.Size())

	vr, err := ps.Proc.AddrSpace.MapAt(newLayout, newRange, pageFlagsFromOptions(frame.Options()))
	if err != nil {
		frame.SetReturn(syscall.InvlVirtMem)
		return
	}

	frame.SetReturn(syscall.Ok, uint64(vr.Addr()), vr.Size())
}

func (k *Kernel) dispatchSMemNew(ps *ProcessState, frame *syscall.Frame) {
	size := frame.A1
	flags := smem.Flags(frame.A2)

	s, err := smem.New(k.Zones, size, flags)
	if err != nil {
		frame.SetReturn(syscall.OutOfMem)
		return
	}

	id := ps.SMemCaps.Insert(cap.New[*smem.SharedMem](s, cap.Read|cap.Write))
	frame.SetReturn(syscall.Ok, uint64(id))
}

// dispatchSMap maps the shared region held by the capability in frame.A1
// into the caller's address space and records the resulting VirtRange in
// ps.SMemTable, so a later sunmap looks up the authoritative mapped range
// instead of trusting one the caller hands back.
func (k *Kernel) dispatchSMap(ps *ProcessState, frame *syscall.Frame) {
	id := cap.Id(frame.A1)

	var layout virt.VirtLayout
	var layoutErr error
	var region *smem.SharedMem

	type smapResult struct{}

	_, ok := cap.Call(ps.SMemCaps, id, func(s *smem.SharedMem, _ cap.Flags) smapResult {
		region = s
		layout, layoutErr = s.VirtLayout()
		return smapResult{}
	})
	if !ok {
		frame.SetReturn(syscall.InvlCap)
		return
	}
	if layoutErr != nil {
		frame.SetReturn(syscall.InvlVirtMem)
		return
	}

	flags := virt.FlagPresent | virt.FlagWritable | virt.FlagUser

	vr, err := ps.Proc.AddrSpace.Map(layout, flags)
	if err != nil {
		frame.SetReturn(syscall.OutOfMem)
		return
	}

	mapID := ps.SMemTable.Insert(region)
	entry, _ := ps.SMemTable.Get(mapID)
	entry.VirtMem = &vr

	frame.SetReturn(syscall.Ok, mapID, uint64(vr.Addr()))
}

// dispatchSUnmap tears down the mapping recorded under the SMemTable id in
// frame.A1, rather than trusting a raw addr/size pair from the caller.
func (k *Kernel) dispatchSUnmap(ps *ProcessState, frame *syscall.Frame) {
	entry, ok := ps.SMemTable.Remove(frame.A1)
	if !ok {
		frame.SetReturn(syscall.InvlId)
		return
	}
	if entry.VirtMem == nil {
		frame.SetReturn(syscall.InvlVirtMem)
		return
	}

	if _, err := ps.Proc.AddrSpace.Unmap(*entry.VirtMem); err != nil {
		frame.SetReturn(syscall.InvlVirtMem)
		return
	}

	frame.SetReturn(syscall.Ok)
}

func (k *Kernel) dispatchReg(ps *ProcessState, frame *syscall.Frame) {
	hasDomain := frame.A3 != 0
	domain := frame.A1
	handler := ipc.DomainHandler{Tid: frame.A2, Public: frame.A4 != 0}

	var domainPtr *uint64
	if hasDomain {
		domainPtr = &domain
	}

	if !k.Router.DomainsFor(ps.Proc.Pid).Register(ps.Proc.Pid, domainPtr, handler) {
		frame.SetReturn(syscall.InvlPriv)
		return
	}

	frame.SetReturn(syscall.Ok)
}

func (k *Kernel) dispatchMsg(th *sched.Thread, ps *ProcessState, frame *syscall.Frame) (blocked bool) {
	opts := frame.Options()
	targetPid := frame.A1
	domain := frame.A2

	args := ipc.MsgArgs{
		SenderPid: ps.Proc.Pid,
		A1:        frame.A3, A2: frame.A4, A3: frame.A5, A4: frame.A6,
		A5: frame.A7, A6: frame.A8, A7: frame.A9, A8: frame.A10,
	}

	connID, didBlock, err := k.Router.Send(th, targetPid, domain, opts, args, k.threadLookup)
	if err != nil {
		frame.SetReturn(syscall.InvlId)
		return false
	}

	frame.SetReturn(syscall.Ok, connID)

	return didBlock
}

func (k *Kernel) dispatchCapClone(ps *ProcessState, frame *syscall.Frame) {
	id := cap.Id(frame.A1)
	requested := cap.Flags(frame.A2)

	ot, ok := id.ObjectType()
	if !ok {
		frame.SetReturn(syscall.InvlCap)
		return
	}

	switch ot {
	case cap.SMem:
		newID, ok := ps.SMemCaps.CloneCap(id, requested)
		if !ok {
			frame.SetReturn(syscall.InvlCap)
			return
		}
		frame.SetReturn(syscall.Ok, uint64(newID))

	case cap.Channel:
		newID, ok := ps.ChannelCaps.CloneCap(id, requested)
		if !ok {
			frame.SetReturn(syscall.InvlCap)
			return
		}
		frame.SetReturn(syscall.Ok, uint64(newID))

	default:
		frame.SetReturn(syscall.InvlOp)
	}
}

func (k *Kernel) dispatchCapDestroy(ps *ProcessState, frame *syscall.Frame) {
	id := cap.Id(frame.A1)

	ot, ok := id.ObjectType()
	if !ok {
		frame.SetReturn(syscall.InvlCap)
		return
	}

	switch ot {
	case cap.SMem:
		c, ok := ps.SMemCaps.Remove(id)
		if !ok {
			frame.SetReturn(syscall.InvlCap)
			return
		}
		c.Release()
		frame.SetReturn(syscall.Ok)

	case cap.Channel:
		c, ok := ps.ChannelCaps.Remove(id)
		if !ok {
			frame.SetReturn(syscall.InvlCap)
			return
		}
		c.Release()
		frame.SetReturn(syscall.Ok)

	default:
		frame.SetReturn(syscall.InvlOp)
	}
}

func (k *Kernel) dispatchCapInfo(frame *syscall.Frame) {
	id := cap.Id(frame.A1)

	ot, ok := id.ObjectType()
	if !ok {
		frame.SetReturn(syscall.InvlCap)
		return
	}

	frame.SetReturn(syscall.Ok, uint64(ot), uint64(id.Flags()))
}

// Tick advances kernel time to nowNsec, draining due sleepers and forcing a
// reschedule if a full quantum has elapsed.
func (k *Kernel) Tick(nowNsec uint64) (*sched.Thread, bool) {
	k.nowNsec.Store(nowNsec)
	return k.Scheduler.TimerTick(nowNsec)
}
