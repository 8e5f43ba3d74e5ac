package ipc_test

import (
	"testing"

	"github.com/kore-kernel/kore/internal/ipc"
	"github.com/kore-kernel/kore/internal/sched"
	"github.com/kore-kernel/kore/internal/syscall"
)

func TestConnectionEndpointsStayDeduped(t *testing.T) {
	cm := ipc.NewConnectionMap()
	conn := cm.New(7)

	conn.InsertEndpoint(ipc.Endpoint{Pid: 3, Tid: 1})
	conn.InsertEndpoint(ipc.Endpoint{Pid: 1, Tid: 5})
	conn.InsertEndpoint(ipc.Endpoint{Pid: 3, Tid: 99}) // duplicate pid, ignored

	eps := conn.Endpoints()
	if len(eps) != 2 {
		t.Fatalf("expected 2 endpoints, got %d: %v", len(eps), eps)
	}
	if eps[0].Pid != 1 || eps[1].Pid != 3 {
		t.Errorf("expected endpoints sorted by pid, got %v", eps)
	}
	if eps[1].Tid != 1 {
		t.Errorf("duplicate insert should not overwrite existing endpoint, got tid %d", eps[1].Tid)
	}
}

func TestDomainMapFallsBackToDefault(t *testing.T) {
	dm := ipc.NewDomainMap()

	if !dm.Register(1, nil, ipc.DomainHandler{Tid: 100}) {
		t.Fatal("expected default handler registration to succeed")
	}

	h, ok := dm.Get(42)
	if !ok || h.Tid != 100 {
		t.Fatalf("expected fallback to default handler, got %v, %v", h, ok)
	}

	domain := uint64(42)
	if !dm.Register(1, &domain, ipc.DomainHandler{Tid: 200}) {
		t.Fatal("expected specific domain registration to succeed")
	}

	h, ok = dm.Get(42)
	if !ok || h.Tid != 200 {
		t.Fatalf("expected specific handler to take priority, got %v, %v", h, ok)
	}

	if dm.Register(2, &domain, ipc.DomainHandler{Tid: 999}) {
		t.Error("expected a foreign pid to be rejected from overwriting an owned domain")
	}

	if !dm.Remove(1, &domain) {
		t.Fatal("expected owner to remove its own domain handler")
	}

	h, ok = dm.Get(42)
	if !ok || h.Tid != 100 {
		t.Fatalf("expected fallback to default after specific handler removed, got %v, %v", h, ok)
	}
}

func TestNamespaceRegistryRefcounts(t *testing.T) {
	reg := ipc.NewNamespaceRegistry()

	a := reg.Acquire("svc")
	b := reg.Acquire("svc")

	if a != b {
		t.Fatal("expected the same namespace instance for repeated acquires")
	}

	domain := uint64(1)
	a.Domains.Register(10, &domain, ipc.DomainHandler{Tid: 1})

	b.Release()

	c := reg.Acquire("svc")
	if c != a {
		t.Error("namespace should still be alive while a holds a reference")
	}

	a.Release()
	c.Release()

	d := reg.Acquire("svc")
	if d == a {
		t.Error("expected a fresh namespace once every reference was released")
	}
}

func TestRouterSendAndReplyRoundTrip(t *testing.T) {
	s := sched.New(1000)
	client := sched.NewProcess(1, nil)
	server := sched.NewProcess(2, nil)
	s.AddProcess(client)
	s.AddProcess(server)

	clientThread := client.NewThread("client")
	serverThread := server.NewThread("server")

	router := ipc.NewRouter(s)
	router.DomainsFor(server.Pid).Register(server.Pid, nil, ipc.DomainHandler{Tid: serverThread.Tid})

	lookup := func(pid, tid uint64) (*sched.Thread, bool) {
		var proc *sched.Process
		switch pid {
		case client.Pid:
			proc = client
		case server.Pid:
			proc = server
		default:
			return nil, false
		}
		return proc.Thread(tid)
	}

	connID, blocked, err := router.Send(clientThread, server.Pid, 1, syscall.OptBlock, ipc.MsgArgs{A1: 111}, lookup)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !blocked {
		t.Fatal("expected a blocking send to park the client")
	}
	if clientThread.State.Kind != sched.Listening {
		t.Fatalf("expected client parked Listening, got %v", clientThread.State)
	}
	if serverThread.Regs.A1 != 111 {
		t.Fatalf("expected server to receive a1=111, got %d", serverThread.Regs.A1)
	}
	if serverThread.ActiveConnID != connID {
		t.Fatalf("server's active connection = %d, want %d", serverThread.ActiveConnID, connID)
	}

	_, _, err = router.Send(serverThread, 0, 0, syscall.OptReply, ipc.MsgArgs{A1: 222}, lookup)
	if err != nil {
		t.Fatalf("unexpected error replying: %v", err)
	}

	if clientThread.Regs.A1 != 222 {
		t.Fatalf("expected client to receive reply a1=222, got %d", clientThread.Regs.A1)
	}
	if serverThread.ActiveConnID != 0 {
		t.Errorf("expected server's active connection cleared after reply, got %d", serverThread.ActiveConnID)
	}
}

// TestRouterNestedDeliveryOverwritesInFlightMessage covers a server that is
// delivered a second message while still handling a first one (e.g.
// msg_return hasn't run yet): the second delivery overwrites the in-flight
// registers and connection without saving them, so replying to it restores
// the context saved before the first message arrived, and the server no
// longer holds the first connection to reply on.
func TestRouterNestedDeliveryOverwritesInFlightMessage(t *testing.T) {
	s := sched.New(1000)
	clientA := sched.NewProcess(1, nil)
	clientB := sched.NewProcess(2, nil)
	server := sched.NewProcess(3, nil)
	s.AddProcess(clientA)
	s.AddProcess(clientB)
	s.AddProcess(server)

	clientAThread := clientA.NewThread("clientA")
	clientBThread := clientB.NewThread("clientB")
	serverThread := server.NewThread("server")

	router := ipc.NewRouter(s)
	router.DomainsFor(server.Pid).Register(server.Pid, nil, ipc.DomainHandler{Tid: serverThread.Tid})

	lookup := func(pid, tid uint64) (*sched.Thread, bool) {
		switch pid {
		case clientA.Pid:
			return clientA.Thread(tid)
		case clientB.Pid:
			return clientB.Thread(tid)
		case server.Pid:
			return server.Thread(tid)
		default:
			return nil, false
		}
	}

	connA, _, err := router.Send(clientAThread, server.Pid, 1, syscall.OptBlock, ipc.MsgArgs{A1: 111}, lookup)
	if err != nil {
		t.Fatalf("unexpected error on first send: %v", err)
	}
	if serverThread.Regs.A1 != 111 || serverThread.ActiveConnID != connA {
		t.Fatalf("expected server holding connA with a1=111, got conn=%d a1=%d", serverThread.ActiveConnID, serverThread.Regs.A1)
	}

	connB, _, err := router.Send(clientBThread, server.Pid, 2, syscall.OptBlock, ipc.MsgArgs{A1: 333}, lookup)
	if err != nil {
		t.Fatalf("unexpected error on nested send: %v", err)
	}
	if serverThread.Regs.A1 != 333 || serverThread.ActiveConnID != connB {
		t.Fatalf("expected server holding connB with a1=333, got conn=%d a1=%d", serverThread.ActiveConnID, serverThread.Regs.A1)
	}

	if _, _, err := router.Send(serverThread, 0, 0, syscall.OptReply, ipc.MsgArgs{A1: 444}, lookup); err != nil {
		t.Fatalf("unexpected error replying to nested connB: %v", err)
	}

	if clientBThread.Regs.A1 != 444 {
		t.Fatalf("expected clientB to receive a1=444, got %d", clientBThread.Regs.A1)
	}
	if serverThread.ActiveConnID != 0 {
		t.Fatalf("expected server's connection restored to its pre-delivery value 0, not connA=%d; got %d", connA, serverThread.ActiveConnID)
	}
	if serverThread.Regs.A1 != 0 {
		t.Fatalf("expected server's registers restored to a1=0 from before the first message, got %d", serverThread.Regs.A1)
	}

	if _, _, err := router.Send(serverThread, 0, 0, syscall.OptReply, ipc.MsgArgs{A1: 222}, lookup); err != syscall.InvlId {
		t.Fatalf("expected InvlId replying with no active connection, got %v", err)
	}
	if clientAThread.Regs.A1 == 222 {
		t.Fatalf("expected clientA not to receive a reply on the overwritten connA, got a1=%d", clientAThread.Regs.A1)
	}
	if clientAThread.State.Kind != sched.Listening {
		t.Errorf("expected clientA still parked Listening on connA, got %v", clientAThread.State)
	}
}

func TestSendToUnknownDomainFails(t *testing.T) {
	s := sched.New(1000)
	client := sched.NewProcess(1, nil)
	server := sched.NewProcess(2, nil)
	s.AddProcess(client)
	s.AddProcess(server)
	clientThread := client.NewThread("client")

	router := ipc.NewRouter(s)

	lookup := func(pid, tid uint64) (*sched.Thread, bool) { return nil, false }

	_, _, err := router.Send(clientThread, server.Pid, 5, syscall.OptBlock, ipc.MsgArgs{}, lookup)
	if err == nil {
		t.Fatal("expected send to an unregistered domain to fail")
	}
}
