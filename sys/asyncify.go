package sys

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/pgavlin/wharf/journal"
	"github.com/pgavlin/wharf/wasi"
)

// RewindState is everything a guest engine needs to resume a thread that
// unwound its stack: the serialized stacks, the store data snapshot, and
// the layout of the stack region in guest memory.
type RewindState struct {
	MemoryStack []byte
	RewindStack []byte
	StoreData   []byte
	Start       journal.ThreadStartType
	Layout      journal.MemoryLayout
	Is64Bit     bool
}

// GuestStack is the engine capability the bridge uses to suspend and
// resume guest threads. The engine itself is an external collaborator.
type GuestStack interface {
	// CaptureStack serializes the thread's call stack, memory stack, and
	// store data at the current suspension point.
	CaptureStack() (memoryStack, rewindStack, storeData []byte, err error)
	// RewindStack prepares the thread to resume from a captured state.
	RewindStack(state RewindState) error
}

// Bridge mediates between guest threads that must not block an OS thread
// and host operations that do block. Blocking guest calls either take
// the fast non-blocking poll path or unwind, sleep, and rewind.
type Bridge struct {
	sys *System
	log logrus.FieldLogger
}

// NewBridge builds a bridge over a System.
func NewBridge(sys *System) *Bridge {
	return &Bridge{sys: sys, log: sys.log.WithField("component", "bridge")}
}

// Block runs a potentially blocking guest call. A nil timeout blocks
// until the slow path completes or ctx is done. A zero timeout means the
// guest asked for a non-blocking poll: only the fast path runs, and a
// not-ready result surfaces as ErrnoAgain without suspending anything.
func (b *Bridge) Block(ctx context.Context, timeout *time.Duration, fast func() (bool, wasi.Errno), slow func(ctx context.Context) wasi.Errno) wasi.Errno {
	if ready, errno := fast(); ready || (timeout != nil && *timeout == 0) {
		if !ready {
			return wasi.ErrnoAgain
		}
		return errno
	}
	if timeout != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}
	errno := slow(ctx)
	if errno == wasi.ErrnoSuccess && ctx.Err() != nil {
		return errnoFromCtx(ctx)
	}
	return errno
}

func errnoFromCtx(ctx context.Context) wasi.Errno {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return wasi.ErrnoAgain
	case context.Canceled:
		return wasi.ErrnoIntr
	default:
		return wasi.ErrnoSuccess
	}
}

// DeepSleep suspends a thread with no OS thread pinned: the guest stack
// is captured and journaled, the thread is marked deep-sleeping, and the
// call returns only when the thread is woken or the context is done. If
// every thread of the process is deep-sleeping at once, the idle
// snapshot trigger fires.
func (b *Bridge) DeepSleep(ctx context.Context, th *Thread, stack GuestStack, layout journal.MemoryLayout, is64Bit bool) error {
	memoryStack, rewindStack, storeData, err := stack.CaptureStack()
	if err != nil {
		return errors.Wrap(err, "capturing guest stack")
	}
	b.sys.record(ctx, &journal.SetThread{
		ID:          th.ID,
		CallStack:   rewindStack,
		MemoryStack: memoryStack,
		StoreData:   storeData,
		Start:       th.Start,
		Layout:      layout,
		Is64Bit:     is64Bit,
	})

	if b.sys.threads.setState(th, ThreadDeepSleeping) {
		b.log.Debug("all threads deep-sleeping")
		b.sys.Snapshot(ctx, journal.TriggerIdle)
	}
	defer b.sys.threads.setState(th, ThreadRunning)

	select {
	case <-th.wake:
	case <-ctx.Done():
		return ctx.Err()
	}

	state := RewindState{
		MemoryStack: memoryStack,
		RewindStack: rewindStack,
		StoreData:   storeData,
		Start:       th.Start,
		Layout:      layout,
		Is64Bit:     is64Bit,
	}
	if err := stack.RewindStack(state); err != nil {
		return errors.Wrapf(err, "rewinding thread %d", th.ID)
	}
	return nil
}
