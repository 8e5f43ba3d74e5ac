// Package syscall defines the kernel/user register ABI: the syscall number
// and argument layout, the error taxonomy returned in the result register,
// and the core syscall table.
package syscall

import "fmt"

// Frame is the fixed register-argument layout carried across the syscall
// boundary. Option bits and the syscall number share rax the way the real
// ABI packs them into one 64-bit register; everything else maps one
// argument per register.
type Frame struct {
	RAX uint64 // low 32 bits: syscall number; high 32 bits: option flags.

	A1 uint64 // rcx
	A2 uint64 // rdx
	A3 uint64 // rsi
	A4 uint64 // rdi
	A5 uint64 // r8
	A6 uint64 // r9
	A7 uint64 // r12
	A8 uint64 // r13
	A9 uint64 // r14
	A10 uint64 // r15

	RIP uint64
	RSP uint64
	RFLAGS uint64
}

// Number extracts the syscall number from the low 32 bits of RAX.
func (f Frame) Number() uint32 { return uint32(f.RAX) }

// Options extracts the option flags from the high 32 bits of RAX.
func (f Frame) Options() Options { return Options(f.RAX >> 32) }

// SetReturn stores a result: err goes in the conventional a1 slot and the
// remaining values fill a2 onward, in order.
func (f *Frame) SetReturn(err Err, values ...uint64) {
	f.A1 = uint64(err)

	slots := []*uint64{&f.A2, &f.A3, &f.A4, &f.A5, &f.A6, &f.A7, &f.A8, &f.A9, &f.A10}
	for i, v := range values {
		if i >= len(slots) {
			break
		}
		*slots[i] = v
	}
}

// Options are the option bits packed into the high half of rax.
type Options uint32

const (
	OptBlock   Options = 1 << 0
	OptReply   Options = 1 << 1
	OptShare   Options = 1 << 2
	OptExact   Options = 1 << 3
	OptRead    Options = 1 << 4
	OptWrite   Options = 1 << 5
	OptExec    Options = 1 << 6
)

func (o Options) Has(want Options) bool { return o&want == want }

// Number names the core syscall table.
type Number uint32

const (
	ThreadNew     Number = 2
	ThreadBlock   Number = 3
	FutexBlock    Number = 6
	FutexUnblock  Number = 7
	FutexDestroy  Number = 8
	Realloc       Number = 11
	SMemNew       Number = 16
	SMap          Number = 18
	SUnmap        Number = 19
	Reg           Number = 22
	Msg           Number = 23
	CapDestroy    Number = 24
	CapClone      Number = 25
	CapInfo       Number = 26
)

func (n Number) String() string {
	switch n {
	case ThreadNew:
		return "thread_new"
	case ThreadBlock:
		return "thread_block"
	case FutexBlock:
		return "futex_block"
	case FutexUnblock:
		return "futex_unblock"
	case FutexDestroy:
		return "futex_destroy"
	case Realloc:
		return "realloc"
	case SMemNew:
		return "smem_new"
	case SMap:
		return "smap"
	case SUnmap:
		return "sunmap"
	case Reg:
		return "reg"
	case Msg:
		return "msg"
	case CapDestroy:
		return "cap_destroy"
	case CapClone:
		return "cap_clone"
	case CapInfo:
		return "cap_info"
	default:
		return fmt.Sprintf("syscall(%d)", uint32(n))
	}
}

// Err is the numeric error taxonomy returned in a Frame's a1 slot.
type Err uint32

const (
	Ok Err = iota
	OkUnreach
	OutOfMem
	InvlPtr
	InvlVirtAddr
	InvlVirtMem
	InvlId
	InvlCap
	InvlString
	InvlArgs
	InvlOp
	InvlPriv
	InvlAlign
	Obscured
	Unknown
)

func (e Err) String() string {
	switch e {
	case Ok:
		return "ok"
	case OkUnreach:
		return "ok-unreachable"
	case OutOfMem:
		return "out-of-memory"
	case InvlPtr:
		return "invalid-pointer"
	case InvlVirtAddr:
		return "invalid-virtual-address"
	case InvlVirtMem:
		return "invalid-virtual-memory"
	case InvlId:
		return "invalid-id"
	case InvlCap:
		return "invalid-capability"
	case InvlString:
		return "invalid-string"
	case InvlArgs:
		return "invalid-arguments"
	case InvlOp:
		return "invalid-operation"
	case InvlPriv:
		return "invalid-privilege"
	case InvlAlign:
		return "invalid-alignment"
	case Obscured:
		return "obscured"
	default:
		return "unknown"
	}
}

func (e Err) Error() string { return e.String() }

// IsOk reports whether e represents success (Ok or OkUnreach).
func (e Err) IsOk() bool { return e == Ok || e == OkUnreach }
