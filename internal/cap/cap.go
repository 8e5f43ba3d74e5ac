// Package cap implements the kernel's capability system: typed,
// reference-counted handles a process holds to channels, futexes, shared
// memory, MMIO ranges, and the other kernel objects a thread can name.
package cap

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Flags are the rights a capability grants over its object.
type Flags uint64

const (
	Read  Flags = 1
	Write Flags = 1 << 1
)

func (f Flags) Has(want Flags) bool { return f&want == want }

func (f Flags) String() string {
	switch {
	case f&(Read|Write) == (Read | Write):
		return "rw"
	case f&Read != 0:
		return "r"
	case f&Write != 0:
		return "w"
	default:
		return "-"
	}
}

// ObjectType tags what kind of kernel object a capability names. It occupies
// bits 2-4 of a CapId, so it must stay within 3 bits.
type ObjectType uint64

const (
	Channel ObjectType = iota
	Futex
	SMem
	Key
	Mmio
	Interrupt
	Port
)

func objectTypeFromBits(n uint64) (ObjectType, bool) {
	if n > uint64(Port) {
		return 0, false
	}
	return ObjectType(n), true
}

// Id is the bit-packed identifier a process uses on the syscall ABI to name
// a capability: a monotonic per-CapMap counter in the high bits, the object
// type in bits 2-4, and the granted flags in the low 2 bits. Encoding rights
// into the id itself means a forged or truncated id can never grant more
// access than it was issued with.
type Id uint64

const counterShift = 5

func newID(counter uint64, ot ObjectType, flags Flags) Id {
	if counter >= 1<<59 {
		panic("cap: id counter overflowed 59 bits")
	}
	return Id(counter<<counterShift | uint64(ot)<<2 | uint64(flags))
}

func (id Id) Flags() Flags { return Flags(uint64(id) & 0x3) }

func (id Id) ObjectType() (ObjectType, bool) {
	return objectTypeFromBits((uint64(id) >> 2) & 0x7)
}

func (id Id) Counter() uint64 { return uint64(id) >> counterShift }

func (id Id) String() string {
	ot, _ := id.ObjectType()
	return fmt.Sprintf("cap#%d[%v,%v]", id.Counter(), ot, id.Flags())
}

// Object is implemented by any kernel object a Capability can hold: it must
// track its own reference count so the object can be torn down once its last
// capability is dropped.
type Object interface {
	IncRef()
	DecRef() (last bool)
}

// TypedObject is implemented by an Object that knows its own ObjectType, used
// to stamp a Capability's id when it's first inserted into a CapMap.
type TypedObject interface {
	Object
	ObjectType() ObjectType
}

// Capability is a reference-counted, rights-scoped handle to an object of
// type T. The zero value is not valid; construct one with New.
type Capability[T TypedObject] struct {
	object T
	flags  Flags
	id     Id
}

// New wraps object with flags, bumping its reference count. The returned
// capability has no id until it is inserted into a CapMap.
func New[T TypedObject](object T, flags Flags) Capability[T] {
	object.IncRef()
	return Capability[T]{object: object, flags: flags}
}

func (c Capability[T]) Object() T   { return c.object }
func (c Capability[T]) Flags() Flags { return c.flags }
func (c Capability[T]) Id() Id       { return c.id }

// Clone duplicates the capability, bumping the object's reference count
// again, and narrows the new capability's rights to the AND of its own
// flags and the caller-requested flags: a clone can never grant more access
// than its source held.
func (c Capability[T]) Clone(requested Flags) Capability[T] {
	c.object.IncRef()
	return Capability[T]{object: c.object, flags: c.flags & requested}
}

// Release drops the capability's reference on its object, reporting whether
// this was the object's last reference.
func (c Capability[T]) Release() bool {
	return c.object.DecRef()
}

func (c Capability[T]) withId(id Id) Capability[T] {
	c.id = id
	return c
}

// Map is a process's table of capabilities of one object type, keyed by the
// Id minted when the capability was inserted.
type Map[T TypedObject] struct {
	mu      sync.Mutex
	entries map[Id]Capability[T]
	nextID  atomic.Uint64
}

// NewMap creates an empty capability table.
func NewMap[T TypedObject]() *Map[T] {
	return &Map[T]{entries: make(map[Id]Capability[T])}
}

// Insert mints a fresh Id for cap (deriving the object-type and flags bits
// from cap itself) and stores it, returning the id the caller now owns.
func (m *Map[T]) Insert(c Capability[T]) Id {
	counter := m.nextID.Add(1) - 1
	id := newID(counter, c.object.ObjectType(), c.flags)
	c = c.withId(id)

	m.mu.Lock()
	m.entries[id] = c
	m.mu.Unlock()

	return id
}

// Remove takes a capability out of the table, returning it (and true) so the
// caller can Release it once it's done reading from the object.
func (m *Map[T]) Remove(id Id) (Capability[T], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}

	return c, ok
}

// Call invokes f with the object and granted flags behind id, without
// removing the capability from the table. It reports false if id is not
// present.
func Call[T TypedObject, U any](m *Map[T], id Id, f func(obj T, flags Flags) U) (U, bool) {
	m.mu.Lock()
	c, ok := m.entries[id]
	m.mu.Unlock()

	var zero U
	if !ok {
		return zero, false
	}

	return f(c.object, c.flags), true
}

// CloneCap clones the capability at id, narrowed to requested, and inserts
// the clone under a new id. It reports false if id is not present.
func (m *Map[T]) CloneCap(id Id, requested Flags) (Id, bool) {
	m.mu.Lock()
	c, ok := m.entries[id]
	m.mu.Unlock()

	if !ok {
		return 0, false
	}

	return m.Insert(c.Clone(requested)), true
}

// Len reports how many live capabilities the map holds.
func (m *Map[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
