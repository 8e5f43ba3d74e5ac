package kernel_test

import (
	"testing"

	"github.com/kore-kernel/kore/internal/kernel"
	"github.com/kore-kernel/kore/internal/mem"
	"github.com/kore-kernel/kore/internal/mem/buddy"
	"github.com/kore-kernel/kore/internal/syscall"
)

func newKernel(t *testing.T) *kernel.Kernel {
	t.Helper()
	a := buddy.New(mem.PhysAddr(0), mem.PhysAddr(4096*uint64(mem.K4)), uint64(mem.K4))
	zones := buddy.NewZoneManager(a)
	return kernel.New(zones, 100_000_000)
}

func packSyscall(n syscall.Number, opts syscall.Options) uint64 {
	return uint64(n) | uint64(opts)<<32
}

func TestThreadNewSpawnsAndEnqueues(t *testing.T) {
	k := newKernel(t)
	ps := k.NewProcess(k.NewAddrSpace())
	th := ps.Proc.NewThread("main")

	frame := syscall.Frame{RAX: packSyscall(syscall.ThreadNew, 0)}
	k.Dispatch(th, &frame)

	if frame.A1 != uint64(syscall.Ok) {
		t.Fatalf("expected Ok, got err %d", frame.A1)
	}
	newTid := frame.A2
	if newTid == 0 || newTid == th.Tid {
		t.Fatalf("expected a distinct new tid, got %d", newTid)
	}

	if _, ok := ps.Proc.Thread(newTid); !ok {
		t.Fatal("expected the new thread to be registered on the process")
	}
}

func TestFutexBlockUnblockRoundTrip(t *testing.T) {
	k := newKernel(t)
	ps := k.NewProcess(k.NewAddrSpace())
	waiter := ps.Proc.NewThread("waiter")
	waker := ps.Proc.NewThread("waker")

	blockFrame := syscall.Frame{RAX: packSyscall(syscall.FutexBlock, 0), A1: 0x4000}
	blocked := k.Dispatch(waiter, &blockFrame)
	if !blocked {
		t.Fatal("expected futex_block to report the caller blocked")
	}
	if blockFrame.A1 != uint64(syscall.Ok) {
		t.Fatalf("expected Ok, got %d", blockFrame.A1)
	}

	unblockFrame := syscall.Frame{RAX: packSyscall(syscall.FutexUnblock, 0), A1: 0x4000, A2: 1}
	k.Dispatch(waker, &unblockFrame)
	if unblockFrame.A1 != uint64(syscall.Ok) || unblockFrame.A2 != 1 {
		t.Fatalf("expected 1 woken, got err=%d woken=%d", unblockFrame.A1, unblockFrame.A2)
	}
}

func TestSMemNewAndMap(t *testing.T) {
	k := newKernel(t)
	ps := k.NewProcess(k.NewAddrSpace())
	th := ps.Proc.NewThread("main")

	newFrame := syscall.Frame{RAX: packSyscall(syscall.SMemNew, 0), A1: uint64(mem.K4), A2: 0x3}
	k.Dispatch(th, &newFrame)
	if newFrame.A1 != uint64(syscall.Ok) {
		t.Fatalf("expected Ok creating shared memory, got %d", newFrame.A1)
	}
	capID := newFrame.A2

	mapFrame := syscall.Frame{RAX: packSyscall(syscall.SMap, 0), A1: capID}
	k.Dispatch(th, &mapFrame)
	if mapFrame.A1 != uint64(syscall.Ok) {
		t.Fatalf("expected Ok mapping shared memory, got %d", mapFrame.A1)
	}
	mapID := mapFrame.A2
	if mapFrame.A3 == 0 {
		t.Error("expected a nonzero mapped virtual address")
	}

	unmapFrame := syscall.Frame{RAX: packSyscall(syscall.SUnmap, 0), A1: mapID}
	k.Dispatch(th, &unmapFrame)
	if unmapFrame.A1 != uint64(syscall.Ok) {
		t.Fatalf("expected Ok unmapping shared memory, got %d", unmapFrame.A1)
	}

	againFrame := syscall.Frame{RAX: packSyscall(syscall.SUnmap, 0), A1: mapID}
	k.Dispatch(th, &againFrame)
	if syscall.Err(againFrame.A1) != syscall.InvlId {
		t.Fatalf("expected a second sunmap of the same id to fail, got %d", againFrame.A1)
	}
}

func TestMsgDeliversAndReplies(t *testing.T) {
	k := newKernel(t)
	client := k.NewProcess(k.NewAddrSpace())
	server := k.NewProcess(k.NewAddrSpace())

	clientThread := client.Proc.NewThread("client")
	serverThread := server.Proc.NewThread("server")

	regFrame := syscall.Frame{RAX: packSyscall(syscall.Reg, 0), A1: 0, A2: serverThread.Tid, A3: 0, A4: 0}
	k.Dispatch(serverThread, &regFrame)
	if regFrame.A1 != uint64(syscall.Ok) {
		t.Fatalf("expected Ok registering default domain handler, got %d", regFrame.A1)
	}

	msgFrame := syscall.Frame{
		RAX: packSyscall(syscall.Msg, syscall.OptBlock),
		A1:  server.Proc.Pid, A2: 7, A3: 55,
	}
	blocked := k.Dispatch(clientThread, &msgFrame)
	if !blocked {
		t.Fatal("expected a blocking msg send to park the client")
	}
	if serverThread.Regs.A1 != 55 {
		t.Fatalf("expected server to receive a1=55, got %d", serverThread.Regs.A1)
	}

	replyFrame := syscall.Frame{RAX: packSyscall(syscall.Msg, syscall.OptReply), A3: 99}
	k.Dispatch(serverThread, &replyFrame)

	if clientThread.Regs.A1 != 99 {
		t.Fatalf("expected client to receive reply a1=99, got %d", clientThread.Regs.A1)
	}
}

func TestThreadBlockYieldReenqueues(t *testing.T) {
	k := newKernel(t)
	ps := k.NewProcess(k.NewAddrSpace())
	th := ps.Proc.NewThread("yielder")

	frame := syscall.Frame{RAX: packSyscall(syscall.ThreadBlock, 0), A1: 0}
	blocked := k.Dispatch(th, &frame)
	if !blocked {
		t.Fatal("expected thread_block(Yield) to report the caller blocked")
	}
	if frame.A1 != uint64(syscall.Ok) {
		t.Fatalf("expected Ok, got %d", frame.A1)
	}
	next, _ := k.Scheduler.Schedule(0)
	if next != th {
		t.Fatalf("expected yielding thread back on the ready queue, got %v", next)
	}
}

func TestThreadBlockDestroyRemovesThread(t *testing.T) {
	k := newKernel(t)
	ps := k.NewProcess(k.NewAddrSpace())
	th := ps.Proc.NewThread("dying")

	frame := syscall.Frame{RAX: packSyscall(syscall.ThreadBlock, 0), A1: 1}
	blocked := k.Dispatch(th, &frame)
	if !blocked {
		t.Fatal("expected thread_block(Destroy) to report the caller blocked")
	}
	if frame.A1 != uint64(syscall.Ok) {
		t.Fatalf("expected Ok, got %d", frame.A1)
	}
	if _, ok := ps.Proc.Thread(th.Tid); ok {
		t.Error("expected the destroyed thread removed from its process")
	}

	destroyed := k.Scheduler.Destroyed()
	if len(destroyed) != 1 || destroyed[0].Tid != th.Tid {
		t.Fatalf("expected the destroyed thread reaped, got %v", destroyed)
	}
}

func TestThreadBlockJoinWakesOnDestroy(t *testing.T) {
	k := newKernel(t)
	ps := k.NewProcess(k.NewAddrSpace())
	joiner := ps.Proc.NewThread("joiner")
	target := ps.Proc.NewThread("target")

	joinFrame := syscall.Frame{RAX: packSyscall(syscall.ThreadBlock, 0), A1: 3, A2: target.Tid}
	blocked := k.Dispatch(joiner, &joinFrame)
	if !blocked {
		t.Fatal("expected thread_block(Join) to report the caller blocked")
	}
	if joinFrame.A1 != uint64(syscall.Ok) {
		t.Fatalf("expected Ok, got %d", joinFrame.A1)
	}

	destroyFrame := syscall.Frame{RAX: packSyscall(syscall.ThreadBlock, 0), A1: 1}
	k.Dispatch(target, &destroyFrame)

	destroyed := k.Scheduler.Destroyed()
	found := false
	for _, th := range destroyed {
		if th.Tid == target.Tid {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the joined-on thread to be reaped")
	}

	next, _ := k.Scheduler.Schedule(0)
	if next != joiner {
		t.Fatalf("expected the joiner woken onto the ready queue, got %v", next)
	}
}

func TestThreadBlockJoinUnknownTidFails(t *testing.T) {
	k := newKernel(t)
	ps := k.NewProcess(k.NewAddrSpace())
	joiner := ps.Proc.NewThread("joiner")

	frame := syscall.Frame{RAX: packSyscall(syscall.ThreadBlock, 0), A1: 3, A2: 0xdead}
	blocked := k.Dispatch(joiner, &frame)
	if blocked {
		t.Fatal("expected thread_block(Join) on an unknown tid to fail, not block")
	}
	if syscall.Err(frame.A1) != syscall.InvlId {
		t.Fatalf("expected InvlId, got %d", frame.A1)
	}
}

func TestTickReschedulesAfterQuantum(t *testing.T) {
	k := newKernel(t)
	ps := k.NewProcess(k.NewAddrSpace())
	a := ps.Proc.NewThread("a")
	k.Scheduler.Enqueue(a)
	k.Scheduler.Schedule(0)

	if _, switched := k.Tick(50_000_000); switched {
		t.Fatal("expected no reschedule before a full quantum elapses")
	}

	b := ps.Proc.NewThread("b")
	k.Scheduler.Enqueue(b)

	next, switched := k.Tick(150_000_000)
	if !switched {
		t.Fatal("expected a reschedule once the quantum elapsed")
	}
	if next == nil {
		t.Fatal("expected a thread to be scheduled")
	}
}
