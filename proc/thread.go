package proc

import (
	"sync"

	"smpkern/accnt"
	"smpkern/defs"
)

// ThreadState mirrors the original's ThreadState enum plus the Sleeping
// and Zombie states scheduler.cpp actually uses.
type ThreadState int

const (
	ThreadNew ThreadState = iota
	ThreadReady
	ThreadRunning
	ThreadBlocked
	ThreadSleeping
	ThreadZombie
)

// Thread is the unit sched schedules. Priority/Quantum/CPU/WakeTimeTicks
// are read and written only by sched, under its own scheduler lock; proc
// just allocates and tracks Thread values.
type Thread struct {
	Tid   defs.Tid_t
	Owner *Process

	Entry func(arg any)
	Arg   any

	mu       sync.Mutex
	State    ThreadState
	Priority int
	Quantum  int
	CPU      int

	WakeTimeTicks uint64
	SeqNum        uint64

	Killed   bool
	Doomed   bool

	Accnt *accnt.Accnt_t

	// StackPtr and FPUSaveRegion are the architecture-specific register
	// save area touched only by arch/amd64's context_switch, mirroring
	// the original's arch::Thread{tss_stack_ptr, fpu_save_region}.
	StackPtr      uintptr
	FPUSaveRegion []byte
}

func newThread(tid defs.Tid_t, owner *Process, entry func(arg any), arg any, priority int) *Thread {
	return &Thread{
		Tid:      tid,
		Owner:    owner,
		Entry:    entry,
		Arg:      arg,
		State:    ThreadNew,
		Priority: priority,
		Accnt:    &accnt.Accnt_t{},
	}
}

// IsDoomed reports whether the thread has been marked for termination.
func (t *Thread) IsDoomed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Doomed
}

// MarkDoomed flags t for termination the next time it checks in, without
// forcibly unblocking it.
func (t *Thread) MarkDoomed() {
	t.mu.Lock()
	t.Doomed = true
	t.mu.Unlock()
}
