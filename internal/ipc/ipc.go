// Package ipc implements synchronous typed message passing between
// processes: connections, their endpoints, the per-process domain table a
// connection's target domain is resolved against, and the routing that ties
// a msg syscall to the scheduler's listener index.
package ipc

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/kore-kernel/kore/internal/cap"
	"github.com/kore-kernel/kore/internal/sched"
	"github.com/kore-kernel/kore/internal/syscall"
)

// ChannelCap is the capability object held for a connection endpoint: it
// lets a process name its own end of a channel as a capability (clone it
// down to a narrower right set, pass it to a child, destroy it) rather than
// only ever addressing a connection by its bare numeric id.
type ChannelCap struct {
	conn *Connection
	refs atomic.Int64
}

// NewChannelCap wraps conn for capability-table insertion.
func NewChannelCap(conn *Connection) *ChannelCap {
	c := &ChannelCap{conn: conn}
	c.refs.Store(1)
	return c
}

func (c *ChannelCap) Connection() *Connection { return c.conn }

func (c *ChannelCap) ObjectType() cap.ObjectType { return cap.Channel }

func (c *ChannelCap) IncRef() { c.refs.Add(1) }

func (c *ChannelCap) DecRef() bool { return c.refs.Add(-1) == 0 }

// MsgArgs is the payload carried across a msg syscall: the sender's pid and
// up to eight argument words, mirroring the register layout a thread's
// syscall.Frame arrives with.
type MsgArgs struct {
	SenderPid uint64
	A1, A2, A3, A4, A5, A6, A7, A8 uint64
}

func (a MsgArgs) toFrame() syscall.Frame {
	return syscall.Frame{A1: a.A1, A2: a.A2, A3: a.A3, A4: a.A4, A5: a.A5, A6: a.A6, A7: a.A7, A8: a.A8}
}

// Endpoint names one side of a connection: the process and thread it's
// bound to.
type Endpoint struct {
	Pid uint64
	Tid uint64
}

// Connection is a single msg exchange: a domain it was opened against and
// the endpoints participating in it, kept sorted by pid so lookups and
// dedup inserts are a binary search rather than a linear scan.
type Connection struct {
	mu        sync.Mutex
	id        uint64
	domain    uint64
	endpoints []Endpoint
}

func newConnection(id, domain uint64) *Connection {
	return &Connection{id: id, domain: domain}
}

func (c *Connection) ID() uint64     { return c.id }
func (c *Connection) Domain() uint64 { return c.domain }

func (c *Connection) endpointIndex(pid uint64) (int, bool) {
	i := sort.Search(len(c.endpoints), func(i int) bool { return c.endpoints[i].Pid >= pid })
	if i < len(c.endpoints) && c.endpoints[i].Pid == pid {
		return i, true
	}
	return i, false
}

// InsertEndpoint adds e unless an endpoint for the same pid already exists.
func (c *Connection) InsertEndpoint(e Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, exists := c.endpointIndex(e.Pid)
	if exists {
		return
	}

	c.endpoints = append(c.endpoints, Endpoint{})
	copy(c.endpoints[i+1:], c.endpoints[i:])
	c.endpoints[i] = e
}

// RemoveEndpoint drops the endpoint bound to pid, if any.
func (c *Connection) RemoveEndpoint(pid uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, exists := c.endpointIndex(pid)
	if !exists {
		return
	}

	c.endpoints = append(c.endpoints[:i], c.endpoints[i+1:]...)
}

// Endpoints returns a snapshot of the connection's current endpoints.
func (c *Connection) Endpoints() []Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Endpoint, len(c.endpoints))
	copy(out, c.endpoints)

	return out
}

// ConnectionMap hands out connection ids and owns every live connection. Ids
// start at 1: a thread's ActiveConnID of 0 means it has no connection.
type ConnectionMap struct {
	mu     sync.Mutex
	cons   map[uint64]*Connection
	nextID atomic.Uint64
}

func NewConnectionMap() *ConnectionMap {
	return &ConnectionMap{cons: make(map[uint64]*Connection)}
}

// New opens a connection against domain and returns it.
func (m *ConnectionMap) New(domain uint64) *Connection {
	id := m.nextID.Add(1)
	conn := newConnection(id, domain)

	m.mu.Lock()
	m.cons[id] = conn
	m.mu.Unlock()

	return conn
}

func (m *ConnectionMap) Get(id uint64) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cons[id]
	return c, ok
}

func (m *ConnectionMap) Delete(id uint64) {
	m.mu.Lock()
	delete(m.cons, id)
	m.mu.Unlock()
}

// DomainHandler is the registered recipient for messages addressed to a
// domain: the thread bound to handle them, and whether other processes
// besides the registering one may address the domain at all.
type DomainHandler struct {
	Tid    uint64
	Public bool
}

type domainEntry struct {
	handler  DomainHandler
	ownerPid uint64
}

// DomainMap is one process's table of domain -> handler bindings, with a
// default handler used when a message's domain has no specific entry. Only
// the owning pid of an entry may overwrite or remove it.
type DomainMap struct {
	mu      sync.Mutex
	def     *domainEntry
	domains map[uint64]domainEntry
}

func NewDomainMap() *DomainMap {
	return &DomainMap{domains: make(map[uint64]domainEntry)}
}

// Register binds handler to domain under actingPid, or to the default slot
// if domain is nil. It fails if another pid already owns that slot.
func (d *DomainMap) Register(actingPid uint64, domain *uint64, handler DomainHandler) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if domain == nil {
		if d.def != nil && d.def.ownerPid != actingPid {
			return false
		}
		d.def = &domainEntry{handler: handler, ownerPid: actingPid}
		return true
	}

	if existing, ok := d.domains[*domain]; ok && existing.ownerPid != actingPid {
		return false
	}
	d.domains[*domain] = domainEntry{handler: handler, ownerPid: actingPid}

	return true
}

// Remove clears domain's handler (or the default, if domain is nil),
// failing if actingPid does not own it.
func (d *DomainMap) Remove(actingPid uint64, domain *uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if domain == nil {
		if d.def == nil || d.def.ownerPid != actingPid {
			return false
		}
		d.def = nil
		return true
	}

	existing, ok := d.domains[*domain]
	if !ok || existing.ownerPid != actingPid {
		return false
	}
	delete(d.domains, *domain)

	return true
}

// Get resolves domain to a handler, falling back to the default handler if
// no specific entry is registered.
func (d *DomainMap) Get(domain uint64) (DomainHandler, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if entry, ok := d.domains[domain]; ok {
		return entry.handler, true
	}
	if d.def != nil {
		return d.def.handler, true
	}

	return DomainHandler{}, false
}

// Namespace is a named, reference-counted handle onto a DomainMap, shared
// by every holder of the name. Go has no auto-expiring weak map entry, so
// the registry entry is instead removed explicitly once the last Release
// drops the count to zero.
type Namespace struct {
	mu       sync.Mutex
	name     string
	refs     int
	registry *NamespaceRegistry
	Domains  *DomainMap
}

func (n *Namespace) Name() string { return n.name }

// Release drops a reference, removing the namespace from its registry once
// the count reaches zero.
func (n *Namespace) Release() {
	n.mu.Lock()
	n.refs--
	dead := n.refs <= 0
	n.mu.Unlock()

	if dead {
		n.registry.forget(n.name)
	}
}

// NamespaceRegistry hands out the single shared Namespace for a name,
// creating it on first use.
type NamespaceRegistry struct {
	mu    sync.Mutex
	named map[string]*Namespace
}

func NewNamespaceRegistry() *NamespaceRegistry {
	return &NamespaceRegistry{named: make(map[string]*Namespace)}
}

// Acquire returns the namespace for name, creating it if this is the first
// acquirer, and bumping its reference count either way.
func (r *NamespaceRegistry) Acquire(name string) *Namespace {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ns, ok := r.named[name]; ok {
		ns.mu.Lock()
		ns.refs++
		ns.mu.Unlock()
		return ns
	}

	ns := &Namespace{name: name, refs: 1, registry: r, Domains: NewDomainMap()}
	r.named[name] = ns

	return ns
}

func (r *NamespaceRegistry) forget(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ns, ok := r.named[name]; ok {
		ns.mu.Lock()
		stillDead := ns.refs <= 0
		ns.mu.Unlock()
		if stillDead {
			delete(r.named, name)
		}
	}
}
