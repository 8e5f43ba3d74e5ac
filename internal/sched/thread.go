// Package sched implements thread and process lifecycle and the scheduler's
// run queues, sleep heap, and per-state bookkeeping.
package sched

import (
	"fmt"

	"github.com/kore-kernel/kore/internal/mem/virt"
	"github.com/kore-kernel/kore/internal/syscall"
)

// StateKind tags a ThreadState's variant: Running, Ready, Destroy, Sleep,
// Join, FutexBlock, Listening.
type StateKind uint8

const (
	Running StateKind = iota
	Ready
	Destroy
	Sleep
	Join
	FutexBlock
	Listening
)

func (k StateKind) String() string {
	switch k {
	case Running:
		return "running"
	case Ready:
		return "ready"
	case Destroy:
		return "destroy"
	case Sleep:
		return "sleep"
	case Join:
		return "join"
	case FutexBlock:
		return "futex-block"
	case Listening:
		return "listening"
	default:
		return "unknown"
	}
}

// State is ThreadState: a tagged sum whose payload depends on Kind. Only the
// field matching Kind is meaningful.
type State struct {
	Kind       StateKind
	WakeNsec   uint64 // Sleep
	JoinTid    uint64 // Join
	FutexAddr  uint64 // FutexBlock: user virtual address
	ConnID     uint64 // Listening
}

func RunningState() State             { return State{Kind: Running} }
func ReadyState() State               { return State{Kind: Ready} }
func DestroyState() State             { return State{Kind: Destroy} }
func SleepState(wakeNsec uint64) State { return State{Kind: Sleep, WakeNsec: wakeNsec} }
func JoinState(tid uint64) State      { return State{Kind: Join, JoinTid: tid} }
func FutexBlockState(addr uint64) State { return State{Kind: FutexBlock, FutexAddr: addr} }
func ListeningState(connID uint64) State { return State{Kind: Listening, ConnID: connID} }

// IsProcLocal reports whether this state's wait structure lives on the
// owning process rather than in the global scheduler.
func (s State) IsProcLocal() bool {
	return s.Kind == Join || s.Kind == FutexBlock
}

func (s State) String() string {
	switch s.Kind {
	case Sleep:
		return fmt.Sprintf("sleep(%dns)", s.WakeNsec)
	case Join:
		return fmt.Sprintf("join(%d)", s.JoinTid)
	case FutexBlock:
		return fmt.Sprintf("futex-block(%#x)", s.FutexAddr)
	case Listening:
		return fmt.Sprintf("listening(%d)", s.ConnID)
	default:
		return s.Kind.String()
	}
}

// ReplyContext is one saved (registers, connection) pair, pushed when a
// thread with no IPC message in flight is delivered one, and popped when the
// thread replies (msg_return).
type ReplyContext struct {
	Regs   syscall.Frame
	ConnID uint64
}

// Thread is a single schedulable unit of execution, owned by exactly one
// Process. The back-reference to its process is intentionally a plain
// pointer rather than a weak reference: Go's garbage collector handles the
// thread/process reference cycle without a drop-order hazard, so Alive must
// be consulted explicitly by the scheduler instead of relying on pointer
// upgrade failing.
type Thread struct {
	Tid     uint64
	Name    string
	Process *Process

	State State
	Regs  syscall.Frame

	RunTimeNsec uint64

	// ActiveConnID is the connection this thread is currently handling a
	// message for, zero if none. msg_return replies against it. An inbound
	// message arriving while it is zero first pushes the registers and this
	// zero onto replyStack; one arriving while it is nonzero overwrites it
	// and the registers without saving them.
	ActiveConnID uint64

	replyStack []ReplyContext
}

// NewThread creates a thread in the Ready state, owned by proc.
func NewThread(tid uint64, name string, proc *Process) *Thread {
	return &Thread{Tid: tid, Name: name, Process: proc, State: ReadyState()}
}

// Alive reports whether the owning process is still alive. A thread whose
// process has died must never be scheduled to run user code again.
func (t *Thread) Alive() bool {
	return t.Process != nil && t.Process.Alive()
}

// PushReply saves the thread's current registers and connection as a reply
// context, to be restored by msg_return.
func (t *Thread) PushReply(connID uint64) {
	t.replyStack = append(t.replyStack, ReplyContext{Regs: t.Regs, ConnID: connID})
}

// PopReply restores the most recently pushed reply context, reporting false
// if the stack was empty.
func (t *Thread) PopReply() (ReplyContext, bool) {
	if len(t.replyStack) == 0 {
		return ReplyContext{}, false
	}

	i := len(t.replyStack) - 1
	ctx := t.replyStack[i]
	t.replyStack = t.replyStack[:i]

	return ctx, true
}

// ReplyDepth reports how many saved reply contexts are on the stack.
func (t *Thread) ReplyDepth() int { return len(t.replyStack) }

// AddrSpace returns the page-table mapper for the thread's process, or nil
// if the thread has no owning process.
func (t *Thread) AddrSpace() *virt.VirtMapper {
	if t.Process == nil {
		return nil
	}
	return t.Process.AddrSpace
}
