// Package cancel implements the cooperative cancellation bus shared by the
// scheduler, worker pool and copier. A Bus carries two signals, graceful
// and immediate, as a single set-once event with a mode flag: once set, it
// cannot be un-set within a cycle.
package cancel

import (
	"context"
	"sync"
	"sync/atomic"
)

// Mode identifies which cancellation semantics are in effect.
type Mode int32

const (
	// None means no cancellation has been requested.
	None Mode = iota
	// Graceful means stop dispatching new work; let running items finish.
	Graceful
	// Immediate means also abort in-progress copies between chunks.
	Immediate
)

// Bus is safe for concurrent use. The zero value is a valid, un-cancelled
// bus.
type Bus struct {
	mode atomic.Int32
	once sync.Once
	done chan struct{}
	mu   sync.Mutex
}

// New returns a fresh, un-cancelled Bus.
func New() *Bus {
	return &Bus{done: make(chan struct{})}
}

// Cancel raises the bus to mode. A Bus can only ever move from None to a
// cancelled mode; once Graceful or Immediate is set it cannot be
// downgraded or cleared during the lifetime of this Bus (a new Bus is
// created per cycle by the scheduler).
//
// If the bus is already Graceful and Cancel(Immediate) is called, the mode
// escalates to Immediate — an upgrade, not a reset, of the cancellation in
// effect.
func (b *Bus) Cancel(mode Mode) {
	if mode == None {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	current := Mode(b.mode.Load())
	if current == Immediate {
		return
	}
	if current == mode {
		return
	}
	b.mode.Store(int32(mode))
	if current == None {
		close(b.doneChan())
	}
}

// doneChan lazily creates the done channel so the zero value Bus works.
func (b *Bus) doneChan() chan struct{} {
	b.once.Do(func() {
		if b.done == nil {
			b.done = make(chan struct{})
		}
	})
	return b.done
}

// Mode returns the current cancellation mode.
func (b *Bus) Mode() Mode {
	return Mode(b.mode.Load())
}

// Cancelled reports whether any cancellation has been requested.
func (b *Bus) Cancelled() bool {
	return b.Mode() != None
}

// IsImmediate reports whether immediate cancellation is in effect — the
// Copier checks this between chunks.
func (b *Bus) IsImmediate() bool {
	return b.Mode() == Immediate
}

// Done returns a channel that is closed the first time Cancel is called
// with any mode, suitable for use in select statements alongside timers
// such as the sleep interval between cycles or a preflight backoff.
func (b *Bus) Done() <-chan struct{} {
	return b.doneChan()
}

// Context returns a context.Context that is cancelled when the bus is
// cancelled in any mode, letting blocking stdlib calls (os/exec, net)
// participate in cooperative cancellation without a direct Bus dependency.
func (b *Bus) Context(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-b.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}
