package sys

import (
	"context"
	"sync"

	"github.com/pgavlin/wharf/journal"
	"github.com/pgavlin/wharf/wasi"
)

// ThreadState is the scheduler-visible state of a guest thread.
type ThreadState uint8

const (
	// ThreadRunning threads hold an OS thread.
	ThreadRunning ThreadState = iota
	// ThreadSuspended threads are parked in a blocking host call.
	ThreadSuspended
	// ThreadDeepSleeping threads have serialized their stack and
	// released their OS thread entirely.
	ThreadDeepSleeping
	ThreadExited
)

func (s ThreadState) String() string {
	switch s {
	case ThreadRunning:
		return "running"
	case ThreadSuspended:
		return "suspended"
	case ThreadDeepSleeping:
		return "deep-sleeping"
	case ThreadExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Thread is one registered guest thread.
type Thread struct {
	ID    uint32
	Start journal.ThreadStartType

	state ThreadState
	wake  chan struct{}
}

// Threads tracks every live guest thread. It drives the idle snapshot
// trigger: the moment all registered threads are simultaneously
// deep-sleeping, the process is quiescent and a snapshot fires.
type Threads struct {
	mu      sync.Mutex
	sys     *System
	threads map[uint32]*Thread

	firstListen  sync.Once
	firstEnviron sync.Once
	firstStdin   sync.Once
}

func newThreads(sys *System) *Threads {
	return &Threads{sys: sys, threads: make(map[uint32]*Thread)}
}

// Register adds a thread to the registry in the running state.
func (t *Threads) Register(id uint32, start journal.ThreadStartType) *Thread {
	t.mu.Lock()
	defer t.mu.Unlock()
	th := &Thread{ID: id, Start: start, state: ThreadRunning, wake: make(chan struct{}, 1)}
	t.threads[id] = th
	return th
}

// Get looks up a thread by id.
func (t *Threads) Get(id uint32) (*Thread, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	th, ok := t.threads[id]
	return th, ok
}

// Exit removes a thread and journals its termination.
func (t *Threads) Exit(ctx context.Context, id uint32, code *wasi.ExitCode) {
	t.mu.Lock()
	th, ok := t.threads[id]
	if ok {
		th.state = ThreadExited
		delete(t.threads, id)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	entry := &journal.CloseThread{ID: id}
	if code != nil {
		entry.HasCode = true
		entry.Code = *code
	}
	t.sys.record(ctx, entry)
}

// setState transitions a thread and returns whether the transition made
// the whole process quiescent.
func (t *Threads) setState(th *Thread, state ThreadState) (quiescent bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	th.state = state
	if state != ThreadDeepSleeping || len(t.threads) == 0 {
		return false
	}
	for _, other := range t.threads {
		if other.state != ThreadDeepSleeping {
			return false
		}
	}
	return true
}

// State reports the thread's current state.
func (t *Threads) State(th *Thread) ThreadState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return th.state
}

// Wake requests that a deep-sleeping thread resume.
func (th *Thread) Wake() {
	select {
	case th.wake <- struct{}{}:
	default:
	}
}

// noteFirstListen fires the first-listen snapshot trigger exactly once.
func (t *Threads) noteFirstListen(ctx context.Context) {
	t.firstListen.Do(func() { t.sys.Snapshot(ctx, journal.TriggerFirstListen) })
}

// NoteFirstEnviron fires the first-environ snapshot trigger exactly once.
func (t *Threads) NoteFirstEnviron(ctx context.Context) {
	t.firstEnviron.Do(func() { t.sys.Snapshot(ctx, journal.TriggerFirstEnviron) })
}

// NoteFirstStdin fires the first-stdin snapshot trigger exactly once.
func (t *Threads) NoteFirstStdin(ctx context.Context) {
	t.firstStdin.Do(func() { t.sys.Snapshot(ctx, journal.TriggerFirstStdin) })
}
