// Package timer implements the per-core deadline queue used to schedule
// one-shot and periodic callbacks (MLFQ priority boosts, mutex lock
// timeouts, IPI ack-wait deadlines) against the local APIC timer
// interrupt, plus the TSC-based busy-wait delays used during early boot
// before any interrupt source is configured.
package timer

import (
	"container/heap"
	"sync"

	"smpkern/arch/amd64"
)

// Mode selects how a scheduled callback repeats, mirroring the
// original's TimerMode enum (TscDeadline is not modeled here: this
// package always arms the local APIC in periodic mode and multiplexes
// one-shot/periodic callbacks in software against that single tick).
type Mode int

const (
	OneShot Mode = iota
	Periodic
)

// Callback is invoked on the core that owns the Timer when a deadline
// is reached. It runs with interrupts disabled, in interrupt context,
// the same constraint the original's timer ISR callback carries.
type Callback func(arg any)

type entry struct {
	deadline uint64
	period   uint64 // 0 for OneShot
	mode     Mode
	cb       Callback
	arg      any
	canceled bool
	seq      uint64
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)         { *h = append(*h, x.(*entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Timer owns one core's deadline queue. One instance exists per CPU,
// ticked by that core's local APIC timer interrupt handler.
type Timer struct {
	mu      sync.Mutex
	ticks   uint64
	pending entryHeap
	nextSeq uint64

	// tscHz is this core's calibrated TSC frequency, used only by
	// UDelay/MDelay's busy-wait loop.
	tscHz uint64
}

// New returns a Timer for one core, calibrated at tscHz ticks per
// second (0 disables UDelay/MDelay, which then panic if called).
func New(tscHz uint64) *Timer {
	return &Timer{tscHz: tscHz}
}

// Cancel, returned by Schedule, removes the callback before it fires.
// Canceling after it has already fired (or for a periodic callback,
// after its most recent firing) is a no-op.
type Cancel func()

// Schedule arms cb to run after delayTicks local timer ticks, repeating
// every delayTicks ticks if mode is Periodic.
func (t *Timer) Schedule(mode Mode, delayTicks uint64, cb Callback, arg any) Cancel {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := &entry{
		deadline: t.ticks + delayTicks,
		mode:     mode,
		cb:       cb,
		arg:      arg,
		seq:      t.nextSeq,
	}
	if mode == Periodic {
		e.period = delayTicks
	}
	t.nextSeq++
	heap.Push(&t.pending, e)

	return func() {
		t.mu.Lock()
		e.canceled = true
		t.mu.Unlock()
	}
}

// Tick advances the local tick count and fires every callback whose
// deadline has passed. Called from the local APIC timer ISR.
func (t *Timer) Tick() {
	t.mu.Lock()
	t.ticks++
	now := t.ticks

	var due []*entry
	for len(t.pending) > 0 && t.pending[0].deadline <= now {
		e := heap.Pop(&t.pending).(*entry)
		if e.canceled {
			continue
		}
		due = append(due, e)
		if e.mode == Periodic {
			e.deadline = now + e.period
			e.seq = t.nextSeq
			t.nextSeq++
			heap.Push(&t.pending, e)
		}
	}
	t.mu.Unlock()

	for _, e := range due {
		e.cb(e.arg)
	}
}

// Ticks returns the number of local ticks observed so far.
func (t *Timer) Ticks() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ticks
}

// UDelay busy-waits for approximately us microseconds by polling the
// time-stamp counter, for use before the local timer interrupt source
// is configured (or from contexts that cannot block).
func (t *Timer) UDelay(us uint32) {
	if t.tscHz == 0 {
		panic("timer: UDelay called with no calibrated TSC frequency")
	}
	cycles := (t.tscHz / 1_000_000) * uint64(us)
	start := amd64.ReadTSC()
	for amd64.ReadTSC()-start < cycles {
		amd64.Pause()
	}
}

// MDelay busy-waits for approximately ms milliseconds.
func (t *Timer) MDelay(ms uint32) {
	for i := uint32(0); i < ms; i++ {
		t.UDelay(1000)
	}
}
