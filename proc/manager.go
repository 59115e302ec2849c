package proc

import (
	"sync/atomic"

	"smpkern/config"
	"smpkern/defs"
	"smpkern/hashtable"
	"smpkern/klog"
	"smpkern/limits"
	"smpkern/pagemap"
	"smpkern/pcid"
	"smpkern/tlb"
	"smpkern/vm"
)

// Manager is the system-wide process/thread authority: it hands out PIDs
// and TIDs from one monotonic counter (so a stale Tid_t is never mistaken
// for a live Pid_t), owns the PID/TID lookup tables, enforces the
// process/thread table limits, and owns the per-CPU PcidManagers
// instantiated over *Process -- the one place pcid.Manager's generic type
// parameter is bound, keeping pcid itself free of any proc import.
type Manager struct {
	nextID uint64

	procs   *hashtable.Hashtable_t
	threads *hashtable.Hashtable_t

	limits *limits.Syslimit_t
	// pcidManagers holds one pcid.Manager per CPU: the original's
	// PcidManager::get() returns the calling core's own instance so that
	// no core's allocation state needs locking against another's.
	pcidManagers []*pcid.Manager[*Process]

	maxCPUs int
	log     *klog.Logger

	kernelProcess *Process
}

// NewManager builds the table and one per-CPU PCID manager used for the
// lifetime of one kernel boot. tlbOps must have length cfg.MaxCPUs and is
// shared with sched, which drives the same cores' context switches.
func NewManager(cfg config.Config, tlbOps []*tlb.Ops, log *klog.Logger) *Manager {
	m := &Manager{
		procs:   hashtable.MkHash(256),
		threads: hashtable.MkHash(1024),
		limits:  limits.MkSysLimit(cfg.MaxProcesses, cfg.MaxThreads),
		maxCPUs: cfg.MaxCPUs,
		log:     log,
	}
	m.kernelProcess = newProcess(0, nil, pagemap.GetKernelMap(), nil, cfg.MaxCPUs)
	m.pcidManagers = make([]*pcid.Manager[*Process], len(tlbOps))
	for i, ops := range tlbOps {
		m.pcidManagers[i] = pcid.New(m.kernelProcess, ops, m.invalidateProcess)
	}
	return m
}

// invalidateProcess clears every cached PCID slot for owner. pcid.Manager
// only tells us which process lost its slot, not which CPU's cache
// pointer observed the theft, so every core's cache is dropped rather
// than trying to track which slot on which core actually went stale --
// the next Load on an affected core just re-derives its PCID and pays one
// extra TLB flush instead of risking a stale one.
func (m *Manager) invalidateProcess(owner *Process) {
	if owner == nil {
		return
	}
	owner.mu.Lock()
	for i := range owner.pcidCache {
		owner.pcidCache[i] = -1
	}
	owner.mu.Unlock()
}

// NewProcess allocates a fresh Pid_t, registers it in the PID table, and
// links it under parent (nil for an orphan/root process).
func (m *Manager) NewProcess(parent *Process, pm *pagemap.PageMap, as *vm.AddressSpace) (*Process, error) {
	if !m.limits.Sysprocs.Take() {
		return nil, defs.Wrap(defs.ErrOutOfMemory, "proc: process table full")
	}
	pid := defs.Pid_t(atomic.AddUint64(&m.nextID, 1))
	p := newProcess(pid, parent, pm, as, m.maxCPUs)
	m.procs.Set(uint64(pid), p)

	if parent != nil {
		parent.mu.Lock()
		parent.children[pid] = p
		parent.mu.Unlock()
	}
	return p, nil
}

// NewThread allocates a fresh Tid_t under owner and registers it in the
// TID table. entry/arg describe the thread's initial context;
// sched.Scheduler.AddThread clamps Priority and sets Quantum/CPU when the
// thread is queued.
func (m *Manager) NewThread(owner *Process, entry func(arg any), arg any, priority int) (*Thread, error) {
	if !m.limits.Systhreads.Take() {
		return nil, defs.Wrap(defs.ErrOutOfMemory, "proc: thread table full")
	}
	tid := defs.Tid_t(atomic.AddUint64(&m.nextID, 1))
	t := newThread(tid, owner, entry, arg, priority)

	owner.mu.Lock()
	owner.threads[tid] = t
	owner.mu.Unlock()

	m.threads.Set(uint64(tid), t)
	return t, nil
}

// LookupProcess returns the live process with the given PID, if any.
func (m *Manager) LookupProcess(pid defs.Pid_t) (*Process, bool) {
	v, ok := m.procs.Get(uint64(pid))
	if !ok {
		return nil, false
	}
	return v.(*Process), true
}

// LookupThread returns the live thread with the given TID, if any.
func (m *Manager) LookupThread(tid defs.Tid_t) (*Thread, bool) {
	v, ok := m.threads.Get(uint64(tid))
	if !ok {
		return nil, false
	}
	return v.(*Thread), true
}

// KernelProcess returns the sentinel Process that owns every kernel
// thread and always occupies PCID slot 0.
func (m *Manager) KernelProcess() *Process { return m.kernelProcess }

// GetPCID returns p's PCID on the given CPU, fetching a fresh one from
// the PcidManager if p's cached slot there is stale, and reports whether
// the caller must flush the TLB before using it (first load on this CPU,
// or the cached value just changed).
func (m *Manager) GetPCID(p *Process, cpu int) (pcidVal int, needsFlush bool) {
	p.mu.Lock()
	prev := p.pcidCache[cpu]
	pcidVal = m.pcidManagers[cpu].GetPCID(p, &p.pcidCache[cpu])
	p.mu.Unlock()
	return pcidVal, prev != pcidVal
}

// freeProcess reclaims pid's process-table slot and PCID. Called by
// Reaper once every thread under pid has reached ThreadZombie.
func (m *Manager) freeProcess(p *Process) {
	if p.parent != nil {
		p.parent.mu.Lock()
		delete(p.parent.children, p.Pid)
		p.parent.mu.Unlock()
	}
	for cpu, slot := range p.pcidCache {
		if slot > 0 {
			m.pcidManagers[cpu].FreePCID(slot)
		}
	}
	m.procs.Del(uint64(p.Pid))
	m.limits.Sysprocs.Give()
}
