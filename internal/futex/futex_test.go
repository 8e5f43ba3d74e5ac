package futex_test

import (
	"errors"
	"testing"

	"github.com/kore-kernel/kore/internal/futex"
	"github.com/kore-kernel/kore/internal/sched"
	"github.com/kore-kernel/kore/internal/syscall"
)

func TestBlockUnblockWakesN(t *testing.T) {
	s := sched.New(1000)
	p := sched.NewProcess(1, nil)
	s.AddProcess(p)

	m := futex.NewProcessMap(p.Pid, p)

	a := p.NewThread("a")
	b := p.NewThread("b")
	c := p.NewThread("c")

	if ok := m.Block(0x2000, a); !ok {
		t.Fatal("expected block to succeed")
	}
	if ok := m.Block(0x2000, b); !ok {
		t.Fatal("expected block to succeed")
	}
	if ok := m.Block(0x2000, c); !ok {
		t.Fatal("expected block to succeed")
	}

	woken := m.Unblock(0x2000, 2)
	if len(woken) != 2 {
		t.Fatalf("expected 2 woken, got %d", len(woken))
	}
	if woken[0].Tid != a.Tid || woken[1].Tid != b.Tid {
		t.Errorf("expected FIFO wake order a,b; got %v,%v", woken[0].Name, woken[1].Name)
	}

	still := m.Unblock(0x2000, 10)
	if len(still) != 1 || still[0].Tid != c.Tid {
		t.Fatalf("expected only c left to wake, got %v", still)
	}
}

func TestDestroyWakesRemaining(t *testing.T) {
	s := sched.New(1000)
	p := sched.NewProcess(1, nil)
	s.AddProcess(p)

	m := futex.NewProcessMap(p.Pid, p)

	a := p.NewThread("a")
	b := p.NewThread("b")
	m.Block(0x3000, a)
	m.Block(0x3000, b)

	woken, err := m.Destroy(0x3000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(woken) != 2 {
		t.Fatalf("expected both waiters woken by destroy, got %d", len(woken))
	}
}

func TestDestroyUnknownAddrFails(t *testing.T) {
	p := sched.NewProcess(1, nil)
	m := futex.NewProcessMap(p.Pid, p)

	_, err := m.Destroy(0x4000)
	if !errors.Is(err, syscall.InvlId) {
		t.Errorf("expected InvlId, got %v", err)
	}
}

func TestBlockAfterDestroyCreatesFreshFutex(t *testing.T) {
	p := sched.NewProcess(1, nil)
	m := futex.NewProcessMap(p.Pid, p)

	a := p.NewThread("a")
	m.Block(0x5000, a)
	m.Destroy(0x5000)

	b := p.NewThread("b")
	if ok := m.Block(0x5000, b); !ok {
		t.Fatal("expected a fresh futex to accept a new waiter")
	}
}
