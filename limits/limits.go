// Package limits tracks system-wide resource budgets that multiple
// processes draw down from concurrently: the process table slot count and
// the total thread count, both enforced with a lock-free atomic
// take/give counter instead of a mutex-guarded integer.
package limits

import "unsafe"
import "sync/atomic"

// Sysatomic_t is a numeric limit that can be atomically updated.
type Sysatomic_t int64

func (s *Sysatomic_t) aptr() *int64 {
	return (*int64)(unsafe.Pointer(s))
}

// Given increases the limit by the provided amount.
func (s *Sysatomic_t) Given(n uint) {
	atomic.AddInt64(s.aptr(), int64(n))
}

// Taken tries to decrement the limit by the provided amount, returning
// true on success and leaving the limit unchanged on failure.
func (s *Sysatomic_t) Taken(n uint) bool {
	g := atomic.AddInt64(s.aptr(), -int64(n))
	if g >= 0 {
		return true
	}
	atomic.AddInt64(s.aptr(), int64(n))
	return false
}

// Take decrements the limit by one and reports whether it succeeded.
func (s *Sysatomic_t) Take() bool {
	return s.Taken(1)
}

// Give increments the limit by one.
func (s *Sysatomic_t) Give() {
	s.Given(1)
}

// Current returns the limit's present value.
func (s *Sysatomic_t) Current() int64 {
	return atomic.LoadInt64(s.aptr())
}

// Syslimit_t tracks the system-wide process/thread budget.
// proc.NewManager allocates one per kernel instance (never a
// package-level global) and charges every process and thread it creates
// against it.
type Syslimit_t struct {
	// Sysprocs is the remaining number of process-table slots.
	Sysprocs Sysatomic_t
	// Systhreads is the remaining number of thread-table slots.
	Systhreads Sysatomic_t
}

// MkSysLimit returns system-wide limits of maxProcs processes and
// maxThreads threads.
func MkSysLimit(maxProcs, maxThreads int) *Syslimit_t {
	return &Syslimit_t{
		Sysprocs:   Sysatomic_t(maxProcs),
		Systhreads: Sysatomic_t(maxThreads),
	}
}
