package mem

import "defs"

// sleepKind mirrors defs.SleepKind for the two variants Alloc can block on:
// allocation waits are either uninterruptible (kernel-priority) or
// interruptible by signal (user-priority), per spec.md §5's suspension
// points ("Any alloc with a non-ATOMIC flag may sleep awaiting free
// pages.").
type sleepKind int

const (
	sleepUninterruptible sleepKind = iota
	sleepInterruptible
)

// waitlist is the allocator's single wake channel: every Free/Refdown that
// returns a frame to a free list wakes every sleeper, who then re-attempts
// its allocation. This mirrors the teacher's general sleep/wake idiom
// (spec.md §9's "Sleep points" note) without depending on a real scheduler.
type waitlist struct {
	ch *defs.WaitChan
}

func newWaitlist() *waitlist {
	return &waitlist{ch: defs.NewWaitChan()}
}

func (w *waitlist) sleep(kind sleepKind) defs.Err_t {
	if kind == sleepInterruptible {
		return w.ch.Sleep(defs.SleepInterruptible)
	}
	return w.ch.Sleep(defs.SleepUninterruptible)
}

func (w *waitlist) wakeAll() {
	w.ch.WakeAll()
}
