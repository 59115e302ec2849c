// Package sched implements the per-CPU MLFQ run queues, work-stealing
// idle balancer, and sleep/yield/block/unblock primitives that decide
// which proc.Thread runs next on each core.
package sched

import (
	"container/heap"
	"math/bits"
	"sync"
	"sync/atomic"

	"smpkern/arch/amd64"
	"smpkern/config"
	"smpkern/proc"
	"smpkern/stats"
	"smpkern/timer"
)

var seqCounter uint64

func nextSeq() uint64 { return atomic.AddUint64(&seqCounter, 1) }

// schedStats holds this core's scheduling counters. Every field costs
// nothing when stats.Stats/stats.Timing are off; Scheduler.DumpStats
// renders them through stats.Stats2String for a panic dump.
type schedStats struct {
	Ticks    stats.Counter_t
	Switches stats.Counter_t
	Steals   stats.Counter_t
	SwitchNs stats.Cycles_t
}

// Scheduler owns one CPU's ready queues and sleep heap. All of its
// fields except the lock itself are only ever touched while holding
// mu, mirroring the original's LockGuard-protected Scheduler.
type Scheduler struct {
	cpuID int
	sys   *System

	mu           sync.Mutex
	readyQueue   []runQueue
	activeBitmap uint32
	sleeping     sleepHeap

	currentTicks uint64

	curr *proc.Thread
	idle *proc.Thread

	quantumTicks []int

	stat schedStats
}

// DumpStats renders this core's scheduling counters for a panic dump.
// Empty when stats.Stats and stats.Timing are both off.
func (s *Scheduler) DumpStats() string {
	return stats.Stats2String(s.stat)
}

// System coordinates every CPU's Scheduler: it is where try_steal finds
// other cores, where terminate/unblock look up a target CPU's queue, and
// where boost_all's periodic timer callback is anchored.
type System struct {
	cfg   config.Config
	mgr   *proc.Manager
	cpus  []*Scheduler
	idles []*proc.Thread

	// resched notifies another core it has new work, normally wired to
	// ipi.Coordinator.SendReschedule. Left nil in single-core tests and
	// configurations, where Unblock's cross-CPU branch never triggers.
	resched func(targetCPU int)
}

// NewSystem allocates one Scheduler per CPU named in cfg.MaxCPUs, each
// seeded with its own idle thread from mgr.
func NewSystem(cfg config.Config, mgr *proc.Manager) (*System, error) {
	sys := &System{cfg: cfg, mgr: mgr}
	sys.cpus = make([]*Scheduler, cfg.MaxCPUs)
	sys.idles = make([]*proc.Thread, cfg.MaxCPUs)

	for i := 0; i < cfg.MaxCPUs; i++ {
		idle, err := mgr.NewThread(mgr.KernelProcess(), idleLoop, nil, cfg.MLFQLevels-1)
		if err != nil {
			return nil, err
		}
		idle.CPU = i
		idle.State = proc.ThreadRunning
		sys.idles[i] = idle

		s := &Scheduler{
			cpuID:        i,
			sys:          sys,
			readyQueue:   make([]runQueue, cfg.MLFQLevels),
			quantumTicks: cfg.QuantumTicks,
			curr:         idle,
			idle:         idle,
		}
		sys.cpus[i] = s
	}
	return sys, nil
}

// idleLoop is the entry point of every core's idle thread. The real
// kernel body loops on amd64.Halt(); tests never actually invoke it
// since they drive Scheduler methods directly.
func idleLoop(arg any) {
	for {
		amd64.Halt()
	}
}

// SetReschedHook wires the cross-CPU wakeup notifier, normally to
// ipi.Coordinator.SendReschedule. Called once during boot.
func (sys *System) SetReschedHook(fn func(targetCPU int)) { sys.resched = fn }

// ArmPriorityBoost schedules a periodic callback on tm, owned by cpu,
// that resets cpu's own ready queues to level 0. Only one core need
// arm this (normally CPU 0): each core only ever boosts its own queues,
// matching the original's init() registering the sweep exclusively on
// the bootstrap processor's timer.
func (sys *System) ArmPriorityBoost(cpu int, tm *timer.Timer) timer.Cancel {
	s := sys.cpus[cpu]
	return tm.Schedule(timer.Periodic, uint64(sys.cfg.PriorityBoostInterval), func(any) {
		s.BoostAll()
	}, nil)
}

// Scheduler returns the per-CPU scheduler for the given core.
func (sys *System) Scheduler(cpu int) *Scheduler { return sys.cpus[cpu] }

// Current returns the thread this core is presently running. Callers
// that need to park "myself" (kmutex, condition variables) use this to
// identify which thread that is.
func (s *Scheduler) Current() *proc.Thread { return s.curr }

func clampPriority(t *proc.Thread, levels int) {
	if t.Priority >= levels {
		t.Priority = levels - 1
	}
	if t.Priority < 0 {
		t.Priority = 0
	}
}

// AddThread admits a newly created thread onto this core's ready queue.
func (s *Scheduler) AddThread(t *proc.Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addThreadLocked(t)
}

func (s *Scheduler) addThreadLocked(t *proc.Thread) {
	clampPriority(t, len(s.readyQueue))
	if t.Quantum <= 0 {
		t.Quantum = s.quantumTicks[t.Priority]
	}
	t.State = proc.ThreadReady
	t.CPU = s.cpuID

	s.readyQueue[t.Priority].pushBack(t)
	s.activeBitmap |= 1 << uint(t.Priority)
}

// getNextThread must be called with s.mu held. It returns the
// highest-priority ready thread on this core, falls back to stealing
// from another core, and finally returns this core's idle thread.
func (s *Scheduler) getNextThread() *proc.Thread {
	if s.activeBitmap != 0 {
		level := bits.TrailingZeros32(s.activeBitmap)
		t := s.readyQueue[level].popFront()
		if s.readyQueue[level].empty() {
			s.activeBitmap &^= 1 << uint(level)
		}
		return t
	}

	if stolen := s.trySteal(); stolen != nil {
		return stolen
	}

	return s.idle
}

// trySteal looks at every other core's ready queues without blocking:
// if a victim's lock is contended it is skipped rather than waited on,
// since two cores stealing from each other while both hold their own
// lock would deadlock.
func (s *Scheduler) trySteal() *proc.Thread {
	for i, victim := range s.sys.cpus {
		if i == s.cpuID {
			continue
		}
		if !victim.mu.TryLock() {
			continue
		}

		var stolen *proc.Thread
		if victim.activeBitmap != 0 {
			level := bits.TrailingZeros32(victim.activeBitmap)
			if !victim.readyQueue[level].empty() {
				stolen = victim.readyQueue[level].popBack()
				if victim.readyQueue[level].empty() {
					victim.activeBitmap &^= 1 << uint(level)
				}
			}
		}
		victim.mu.Unlock()

		if stolen != nil {
			stolen.CPU = s.cpuID
			s.stat.Steals.Inc()
			return stolen
		}
	}
	return nil
}

// checkForHigherPriority reports whether any level above currLevel has a
// thread ready on this core. Must be called with s.mu held.
func (s *Scheduler) checkForHigherPriority(currLevel int) bool {
	for i := 0; i < currLevel; i++ {
		if !s.readyQueue[i].empty() {
			return true
		}
	}
	return false
}

// Schedule picks the next runnable thread and performs the low-level
// context switch into it. It is the single entry point every other
// scheduling operation (tick, sleep, yield, block, terminate) funnels
// through once it has updated the outgoing thread's bookkeeping.
func (s *Scheduler) Schedule() {
	intEnabled := amd64.InterruptsEnabled()
	amd64.DisableInterrupts()

	prev := s.curr

	s.mu.Lock()
	next := s.getNextThread()
	s.mu.Unlock()

	if prev == next && prev.State != proc.ThreadZombie {
		if intEnabled {
			amd64.EnableInterrupts()
		}
		return
	}

	prevProc := prev.Owner
	nextProc := next.Owner

	s.curr = next
	next.State = proc.ThreadRunning

	if prevProc != nextProc && nextProc != nil {
		pcidVal, needsFlush := s.sys.mgr.GetPCID(nextProc, s.cpuID)
		nextProc.PM.Load(pcidVal, needsFlush)
	}

	switchStart := stats.Rdtsc()
	amd64.ContextSwitch(&prev.StackPtr, next.StackPtr)
	s.stat.Switches.Inc()
	s.stat.SwitchNs.Add(switchStart)

	if intEnabled {
		amd64.EnableInterrupts()
	}
}

// Tick is the per-core timer ISR handler: it wakes any local sleepers
// whose deadline has passed, then accounts the current thread's quantum,
// demoting it on exhaustion or yielding to a higher-priority waiter.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	s.currentTicks++
	s.stat.Ticks.Inc()

	for {
		t := s.sleeping.peek()
		if t == nil || t.WakeTimeTicks > s.currentTicks {
			break
		}
		heap.Pop(&s.sleeping)
		t.State = proc.ThreadReady
		t.Quantum = s.quantumTicks[t.Priority]
		s.readyQueue[t.Priority].pushBack(t)
		s.activeBitmap |= 1 << uint(t.Priority)
	}
	s.mu.Unlock()

	curr := s.curr
	if curr == s.idle {
		s.Schedule()
		return
	}

	if curr.Quantum > 0 {
		curr.Quantum--
	}

	if curr.Quantum <= 0 {
		s.mu.Lock()
		if curr.Priority < len(s.readyQueue)-1 {
			curr.Priority++
		}
		curr.Quantum = s.quantumTicks[curr.Priority]
		curr.State = proc.ThreadReady
		s.readyQueue[curr.Priority].pushBack(curr)
		s.activeBitmap |= 1 << uint(curr.Priority)
		s.mu.Unlock()

		s.Schedule()
		return
	}

	s.mu.Lock()
	higher := s.checkForHigherPriority(curr.Priority)
	s.mu.Unlock()
	if higher {
		s.Yield()
	}
}

// BoostAll resets every ready thread on this core, and the one currently
// running, back to priority level 0. Intended to be driven by a periodic
// timer on one designated core (normally CPU 0) to bound starvation of
// threads stuck behind a busy higher level.
func (s *Scheduler) BoostAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for level := 1; level < len(s.readyQueue); level++ {
		for !s.readyQueue[level].empty() {
			t := s.readyQueue[level].popFront()
			t.Priority = 0
			t.Quantum = s.quantumTicks[0]
			s.readyQueue[0].pushBack(t)
		}
		s.activeBitmap &^= 1 << uint(level)
	}
	if !s.readyQueue[0].empty() {
		s.activeBitmap |= 1
	}

	if curr := s.curr; curr != nil && curr != s.idle {
		curr.Priority = 0
		curr.Quantum = s.quantumTicks[0]
	}
}

// Sleep parks the calling core's current thread until currentTicks
// reaches at least ticks ticks from now, then reschedules.
func (s *Scheduler) Sleep(ticks uint64) {
	amd64.DisableInterrupts()

	curr := s.curr
	s.mu.Lock()
	curr.WakeTimeTicks = s.currentTicks + ticks
	curr.SeqNum = nextSeq()
	curr.State = proc.ThreadSleeping
	heap.Push(&s.sleeping, curr)
	s.mu.Unlock()

	s.Schedule()
	amd64.EnableInterrupts()
}

// Yield puts the current thread back on its own level's ready queue and
// reschedules, for a thread giving up the CPU voluntarily rather than
// because its quantum ran out.
func (s *Scheduler) Yield() {
	curr := s.curr
	curr.State = proc.ThreadReady

	s.mu.Lock()
	s.activeBitmap |= 1 << uint(curr.Priority)
	s.readyQueue[curr.Priority].pushBack(curr)
	s.mu.Unlock()

	s.Schedule()
}

// Block marks the current thread Blocked and reschedules. A thread that
// blocks before using half its quantum is promoted one level, rewarding
// threads that give up the CPU quickly (likely I/O-bound) over threads
// that burn their whole slice.
func (s *Scheduler) Block() {
	amd64.DisableInterrupts()

	curr := s.curr
	curr.State = proc.ThreadBlocked

	sliceMax := s.quantumTicks[curr.Priority]
	used := sliceMax - curr.Quantum
	if used < sliceMax/2 && curr.Priority > 0 {
		curr.Priority--
	}
	curr.Quantum = s.quantumTicks[curr.Priority]

	s.Schedule()
}

// Unblock moves t from Blocked back onto its owning core's ready queue.
// If t's core is idle or t outranks whatever that core is currently
// running, the resched hook is invoked so the target core picks t up
// immediately instead of waiting for its next timer tick.
func (s *Scheduler) Unblock(t *proc.Thread) {
	target := s.sys.cpus[t.CPU]

	target.mu.Lock()
	t.State = proc.ThreadReady
	if t.Quantum <= 0 {
		t.Quantum = target.quantumTicks[t.Priority]
	}
	target.readyQueue[t.Priority].pushBack(t)
	target.activeBitmap |= 1 << uint(t.Priority)
	target.mu.Unlock()

	if target.cpuID == s.cpuID {
		return
	}

	targetCurr := target.curr
	isIdle := targetCurr == target.idle
	if (isIdle || t.Priority < targetCurr.Priority) && s.sys.resched != nil {
		s.sys.resched(target.cpuID)
	}
}

// Terminate marks the current thread Zombie and switches away from it
// for the last time; it never returns to its caller.
func (s *Scheduler) Terminate() {
	amd64.DisableInterrupts()

	curr := s.curr
	curr.State = proc.ThreadZombie

	s.mu.Lock()
	next := s.getNextThread()
	s.mu.Unlock()

	s.curr = next
	next.State = proc.ThreadRunning

	amd64.ContextSwitch(&curr.StackPtr, next.StackPtr)

	panic("sched: terminated thread resumed")
}
