package ipc

import (
	"sync"

	"github.com/kore-kernel/kore/internal/sched"
	"github.com/kore-kernel/kore/internal/syscall"
)

// Router implements the msg syscall's routing: resolving a target domain to
// a handler thread, delivering the message into that thread's registers,
// and parking the sender on the connection when the send is blocking.
type Router struct {
	mu           sync.Mutex
	conns        *ConnectionMap
	domainsByPid map[uint64]*DomainMap
	scheduler    *sched.Scheduler
}

func NewRouter(scheduler *sched.Scheduler) *Router {
	return &Router{
		conns:        NewConnectionMap(),
		domainsByPid: make(map[uint64]*DomainMap),
		scheduler:    scheduler,
	}
}

// DomainsFor returns the domain table for pid, creating an empty one on
// first use.
func (r *Router) DomainsFor(pid uint64) *DomainMap {
	r.mu.Lock()
	defer r.mu.Unlock()

	dm, ok := r.domainsByPid[pid]
	if !ok {
		dm = NewDomainMap()
		r.domainsByPid[pid] = dm
	}

	return dm
}

// deliver writes args into target's registers, waking target if it was
// parked listening. If target has no message currently in flight, its
// pre-delivery registers and connection are pushed as a reply context first,
// so msg_return can restore them; a target that is already handling a
// message is simply overwritten, since its own reply context was already
// pushed by the delivery that put it there.
func (r *Router) deliver(target *sched.Thread, connID uint64, args MsgArgs) {
	if target.ActiveConnID == 0 {
		target.PushReply(target.ActiveConnID)
	}

	target.ActiveConnID = connID
	target.Regs = args.toFrame()

	if target.State.Kind == sched.Listening && target.State.ConnID == connID {
		r.scheduler.WakeListener(connID)
		return
	}

	r.scheduler.Enqueue(target)
}

// Send implements the core of the msg syscall. On a reply (opts has
// OptReply) it routes back along the sender's currently active connection.
// Otherwise it opens a new connection, resolves target's domain table, and
// delivers to the bound handler thread. It reports the connection id used
// and whether the send should block the caller; a non-blocking send never
// parks the sender, leaving the caller to report immediate success.
func (r *Router) Send(sender *sched.Thread, targetPid, domain uint64, opts syscall.Options, args MsgArgs, targetThread func(pid, tid uint64) (*sched.Thread, bool)) (connID uint64, blocked bool, err error) {
	senderPid := sender.Process.Pid

	if opts.Has(syscall.OptReply) {
		connID = sender.ActiveConnID
		if connID == 0 {
			return 0, false, syscall.InvlId
		}

		conn, ok := r.conns.Get(connID)
		if !ok {
			return 0, false, syscall.InvlId
		}

		if ctx, ok := sender.PopReply(); ok {
			sender.ActiveConnID = ctx.ConnID
			sender.Regs = ctx.Regs
		} else {
			sender.ActiveConnID = 0
		}

		for _, ep := range conn.Endpoints() {
			if ep.Pid == senderPid {
				continue
			}

			t, ok := targetThread(ep.Pid, ep.Tid)
			if !ok {
				conn.RemoveEndpoint(ep.Pid)
				continue
			}

			r.deliver(t, connID, args)
		}

		return connID, false, nil
	}

	if targetPid == senderPid {
		return 0, false, syscall.InvlId
	}

	dm := r.DomainsFor(targetPid)
	handler, ok := dm.Get(domain)
	if !ok {
		return 0, false, syscall.InvlId
	}

	conn := r.conns.New(domain)
	conn.InsertEndpoint(Endpoint{Pid: senderPid, Tid: sender.Tid})
	conn.InsertEndpoint(Endpoint{Pid: targetPid, Tid: handler.Tid})

	t, ok := targetThread(targetPid, handler.Tid)
	if !ok {
		r.conns.Delete(conn.ID())
		return 0, false, syscall.InvlId
	}

	r.deliver(t, conn.ID(), args)

	if opts.Has(syscall.OptBlock) {
		sender.ActiveConnID = conn.ID()
		r.scheduler.Listen(conn.ID(), sender)
		return conn.ID(), true, nil
	}

	return conn.ID(), false, nil
}
