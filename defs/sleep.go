package defs

import "sync"

/// IRQLock is the "interrupt disable" critical-section primitive from
/// spec.md §5. On real hardware this would be cli()/popf(); here, where the
/// backing store is a software arena rather than physical memory (see
/// SPEC_FULL.md's testability deviation), an ordinary mutex gives the same
/// mutual-exclusion guarantee against a re-entrant ISR-style caller, while
/// staying assertable in tests (Held).
///
/// Modeled on the teacher's cli()/restore_flags() critical sections:
/// short, never held across a sleep. No package in this core takes an
/// IRQLock; mem.Physmem_t and the others guard their state with sync.Mutex.
type IRQLock struct {
	mu   sync.Mutex
	held bool
}

/// Lock begins the critical section.
func (l *IRQLock) Lock() {
	l.mu.Lock()
	l.held = true
}

/// Unlock ends the critical section.
func (l *IRQLock) Unlock() {
	l.held = false
	l.mu.Unlock()
}

/// Held reports whether this IRQLock is currently held, by any
/// goroutine. It exists so that sleep primitives can
/// assert "sleep only with no held interrupt-disable" (spec.md §5).
func (l *IRQLock) Held() bool {
	return l.held
}

/// SleepKind selects one of the three sleep-channel variants from
/// spec.md §9's "Sleep points" design note.
type SleepKind int

const (
	/// SleepUninterruptible is used for short waits on page I/O.
	SleepUninterruptible SleepKind = iota
	/// SleepInterruptible is used for allocation waits; a pending signal
	/// cancels the wait and the caller must unwind any structural state
	/// it had set up (e.g. a RESERVING slot) before returning EINTR.
	SleepInterruptible
	/// SleepWakeAll is a timeout-free broadcast wake used by RESERVING
	/// slots in the shared-segment directory (spec.md §4.F).
	SleepWakeAll
)

/// WaitChan is a first-class sleep-channel primitive: parkers block on it
/// until Wake or WakeAll is called. It models the sleep points of spec.md §5
/// without depending on a real scheduler, so that mem/kalloc/shm allocation
/// waits are exercisable under `go test` via an ordinary goroutine.
type WaitChan struct {
	mu      sync.Mutex
	cond    *sync.Cond
	woken   int64
	signals chan struct{}
}

/// NewWaitChan returns a ready-to-use WaitChan.
func NewWaitChan() *WaitChan {
	w := &WaitChan{signals: make(chan struct{}, 1)}
	w.cond = sync.NewCond(&w.mu)
	return w
}

/// Sleep blocks until Wake/WakeAll is observed. For SleepInterruptible, a
/// prior or concurrent call to Signal causes Sleep to return EINTR instead
/// of blocking further. SleepUninterruptible and SleepWakeAll ignore
/// Signal.
func (w *WaitChan) Sleep(kind SleepKind) Err_t {
	w.mu.Lock()
	defer w.mu.Unlock()
	start := w.woken
	for w.woken == start {
		if kind == SleepInterruptible {
			select {
			case <-w.signals:
				return -EINTR
			default:
			}
		}
		w.cond.Wait()
		if kind == SleepInterruptible {
			select {
			case <-w.signals:
				return -EINTR
			default:
			}
		}
	}
	return 0
}

/// Wake advances the wake count and signals one waiting parker. A Wake
/// issued while no parker is waiting is not remembered: a later Sleep
/// blocks until the next Wake or WakeAll.
func (w *WaitChan) Wake() {
	w.mu.Lock()
	w.woken++
	w.mu.Unlock()
	w.cond.Signal()
}

/// WakeAll releases every current parker. Used for RESERVING-slot
/// broadcasts in spec.md §4.F.
func (w *WaitChan) WakeAll() {
	w.mu.Lock()
	w.woken++
	w.mu.Unlock()
	w.cond.Broadcast()
}

/// Signal delivers a cancellation to an interruptible sleeper, modeling
/// "an allocation that receives a signal while sleeping" from spec.md §5.
func (w *WaitChan) Signal() {
	select {
	case w.signals <- struct{}{}:
	default:
	}
	w.cond.Broadcast()
}
