package sched

import (
	"container/heap"
	"sync"

	"github.com/google/btree"
)

// sleepEntry is one thread parked in the sleep heap, ordered by wake time.
type sleepEntry struct {
	wakeNsec uint64
	thread   *Thread
}

// sleepHeap is a min-heap on wakeNsec: container/heap gives O(log n) insert
// and pop-minimum without an intrusive sorted list.
type sleepHeap []sleepEntry

func (h sleepHeap) Len() int            { return len(h) }
func (h sleepHeap) Less(i, j int) bool  { return h[i].wakeNsec < h[j].wakeNsec }
func (h sleepHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *sleepHeap) Push(x any)         { *h = append(*h, x.(sleepEntry)) }
func (h *sleepHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}

// listenerNode is one connection id's FIFO queue of threads parked listening
// for a message on it.
type listenerNode struct {
	ConnID  uint64
	Waiters []*Thread
}

func listenerLess(a, b listenerNode) bool { return a.ConnID < b.ConnID }

// Scheduler owns the global run queue, the sleep heap, the destroy list, and
// the cross-process listener index. Per-process join and futex wait
// structures live on Process instead, scoped to that process's lifetime.
type Scheduler struct {
	mu sync.Mutex

	running *Thread
	ready   []*Thread
	destroy []*Thread
	sleep   sleepHeap

	listeners *btree.BTreeG[listenerNode]

	lastSwitchNsec uint64
	quantumNsec    uint64

	processes map[uint64]*Process
}

// New creates a scheduler that reschedules every quantumNsec of elapsed time
// since the last switch, as driven by TimerTick.
func New(quantumNsec uint64) *Scheduler {
	s := &Scheduler{
		listeners:   btree.NewG(16, listenerLess),
		quantumNsec: quantumNsec,
		processes:   make(map[uint64]*Process),
	}
	heap.Init(&s.sleep)

	return s
}

func (s *Scheduler) AddProcess(p *Process) {
	s.mu.Lock()
	s.processes[p.Pid] = p
	s.mu.Unlock()
}

func (s *Scheduler) Process(pid uint64) (*Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[pid]
	return p, ok
}

// Enqueue puts t in the ready queue.
func (s *Scheduler) Enqueue(t *Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t.State = ReadyState()
	s.ready = append(s.ready, t)
}

// Running returns the thread currently scheduled onto the CPU, if any.
func (s *Scheduler) Running() *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Sleep parks t in the sleep heap until wakeNsec.
func (s *Scheduler) Sleep(t *Thread, wakeNsec uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t.State = SleepState(wakeNsec)
	heap.Push(&s.sleep, sleepEntry{wakeNsec: wakeNsec, thread: t})
}

// Listen parks t waiting for a message to arrive on connID.
func (s *Scheduler) Listen(connID uint64, t *Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t.State = ListeningState(connID)

	node, ok := s.listeners.Get(listenerNode{ConnID: connID})
	if !ok {
		node = listenerNode{ConnID: connID}
	}

	node.Waiters = append(node.Waiters, t)
	s.listeners.ReplaceOrInsert(node)
}

// WakeListener pops the first thread listening on connID, FIFO, moving it to
// Ready. It reports false if nothing is listening.
func (s *Scheduler) WakeListener(connID uint64) (*Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.listeners.Get(listenerNode{ConnID: connID})
	if !ok || len(node.Waiters) == 0 {
		return nil, false
	}

	t := node.Waiters[0]
	node.Waiters = node.Waiters[1:]

	if len(node.Waiters) == 0 {
		s.listeners.Delete(listenerNode{ConnID: connID})
	} else {
		s.listeners.ReplaceOrInsert(node)
	}

	t.State = ReadyState()
	s.ready = append(s.ready, t)

	return t, true
}

// drainSleepers moves every thread whose wake time has arrived into ready.
// Caller must hold s.mu.
func (s *Scheduler) drainSleepers(nowNsec uint64) {
	for s.sleep.Len() > 0 && s.sleep[0].wakeNsec <= nowNsec {
		entry := heap.Pop(&s.sleep).(sleepEntry)
		entry.thread.State = ReadyState()
		s.ready = append(s.ready, entry.thread)
	}
}

// nextReady pops the next runnable thread, dropping and reaping any thread
// whose process has died in the meantime. Caller must hold s.mu.
func (s *Scheduler) nextReady() *Thread {
	for len(s.ready) > 0 {
		t := s.ready[0]
		s.ready = s.ready[1:]

		if !t.Alive() {
			t.State = DestroyState()
			s.destroy = append(s.destroy, t)
			continue
		}

		return t
	}

	return nil
}

// Schedule runs one scheduling decision at time nowNsec: the current running
// thread (if any) is retired to Ready or Destroy, the sleep heap is drained,
// and the next ready thread (if any) is installed as running. It reports the
// new running thread and whether the address space changed, so the caller
// knows whether to reload the page-table root.
func (s *Scheduler) Schedule(nowNsec uint64) (next *Thread, addrSpaceChanged bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prevSwitch := s.lastSwitchNsec
	old := s.running

	if old != nil {
		if nowNsec >= prevSwitch {
			old.RunTimeNsec += nowNsec - prevSwitch
		}

		if !old.Alive() {
			old.State = DestroyState()
			s.destroy = append(s.destroy, old)
		} else if old.State.Kind == Running {
			old.State = ReadyState()
			s.ready = append(s.ready, old)
		}
	}

	s.drainSleepers(nowNsec)

	next = s.nextReady()
	s.running = next
	s.lastSwitchNsec = nowNsec

	if next == nil {
		return nil, old != nil
	}

	next.State = RunningState()

	addrSpaceChanged = old == nil || old.Process == nil || next.Process == nil ||
		old.Process.Pid != next.Process.Pid

	return next, addrSpaceChanged
}

// TimerTick drains due sleepers and, if a full quantum has elapsed since the
// last switch, forces a reschedule. It reports whether a switch happened.
func (s *Scheduler) TimerTick(nowNsec uint64) (next *Thread, switched bool) {
	s.mu.Lock()
	s.drainSleepers(nowNsec)
	due := nowNsec-s.lastSwitchNsec >= s.quantumNsec
	s.mu.Unlock()

	if !due {
		return nil, false
	}

	next, _ = s.Schedule(nowNsec)
	return next, true
}

// Block applies a waiting state to t (Sleep aside, which has its own entry
// point), so the next Schedule call does not requeue it as Ready. It puts t
// in no scheduler structure: callers park it in the matching wait index
// first, such as the process-local join or futex index.
func (s *Scheduler) Block(t *Thread, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.State = state
}

// DestroySelf retires t directly into the destroy list, for a thread that
// blocks itself with reason Destroy rather than dying because its process
// was killed.
func (s *Scheduler) DestroySelf(t *Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.State = DestroyState()
	s.destroy = append(s.destroy, t)
}

// Destroyed drains and returns every thread reaped since the last call.
func (s *Scheduler) Destroyed() []*Thread {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.destroy
	s.destroy = nil

	return out
}

// KillProcess marks p dead, reaps every thread parked in its process-local
// join/futex structures, and sweeps the global ready queue, sleep heap, and
// listener index for any other thread of p's still waiting there. The
// currently running thread, if it belongs to p, is caught by the next
// Schedule call's Alive check instead of being preempted here.
func (s *Scheduler) KillProcess(p *Process) {
	reaped := p.Kill()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range reaped {
		t.State = DestroyState()
	}
	s.destroy = append(s.destroy, reaped...)

	kept := s.ready[:0]
	for _, t := range s.ready {
		if t.Process == p {
			t.State = DestroyState()
			s.destroy = append(s.destroy, t)
			continue
		}
		kept = append(kept, t)
	}
	s.ready = kept

	keptSleep := s.sleep[:0]
	for _, e := range s.sleep {
		if e.thread.Process == p {
			e.thread.State = DestroyState()
			s.destroy = append(s.destroy, e.thread)
			continue
		}
		keptSleep = append(keptSleep, e)
	}
	s.sleep = keptSleep
	heap.Init(&s.sleep)

	var emptied []listenerNode
	s.listeners.Ascend(func(n listenerNode) bool {
		kept := n.Waiters[:0]
		for _, t := range n.Waiters {
			if t.Process == p {
				t.State = DestroyState()
				s.destroy = append(s.destroy, t)
				continue
			}
			kept = append(kept, t)
		}

		if len(kept) == 0 {
			emptied = append(emptied, listenerNode{ConnID: n.ConnID})
		} else {
			n.Waiters = kept
			s.listeners.ReplaceOrInsert(n)
		}

		return true
	})

	for _, n := range emptied {
		s.listeners.Delete(n)
	}
}
