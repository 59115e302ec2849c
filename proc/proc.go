// Package proc implements the process and thread model: Process owns an
// address space and a PCID cache, Thread owns the per-thread scheduling
// and accounting state sched operates on, and Manager is the system-wide
// PID/TID table and resource-limit authority.
package proc

import (
	"sync"

	"smpkern/accnt"
	"smpkern/defs"
	"smpkern/pagemap"
	"smpkern/vm"
)

type processState int

const (
	procAlive processState = iota
	procZombie
)

// Process groups the threads that share one address space. Pid 0 is
// reserved for the kernel itself (see Manager.kernelProcess) and is never
// handed out by NewProcess.
type Process struct {
	Pid defs.Pid_t

	AS *vm.AddressSpace
	PM *pagemap.PageMap

	Accnt *accnt.Accnt_t

	mu       sync.Mutex
	cond     *sync.Cond
	threads  map[defs.Tid_t]*Thread
	parent   *Process
	children map[defs.Pid_t]*Process

	state      processState
	exitStatus int

	// pcidCache holds this process's last-known PCID on each CPU, -1
	// meaning "never loaded here". Indexed by CPU, not thread, since the
	// TLB context is a per-core, per-address-space property.
	pcidCache []int
}

func newProcess(pid defs.Pid_t, parent *Process, pm *pagemap.PageMap, as *vm.AddressSpace, maxCPUs int) *Process {
	p := &Process{
		Pid:      pid,
		AS:       as,
		PM:       pm,
		Accnt:    &accnt.Accnt_t{},
		threads:  make(map[defs.Tid_t]*Thread),
		children: make(map[defs.Pid_t]*Process),
		parent:   parent,
	}
	p.cond = sync.NewCond(&p.mu)
	p.pcidCache = make([]int, maxCPUs)
	for i := range p.pcidCache {
		p.pcidCache[i] = -1
	}
	return p
}

// ThreadCount returns the number of threads currently owned by p.
func (p *Process) ThreadCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.threads)
}

// Exit marks p as a zombie with the given status and wakes anyone
// blocked in Wait. It does not reclaim p's table slot; that is the
// Reaper's job once every thread has also reached ThreadZombie.
func (p *Process) Exit(status int) {
	p.mu.Lock()
	p.state = procZombie
	p.exitStatus = status
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Wait blocks the calling goroutine until p becomes a zombie, returning
// its exit status. Intended for use by a thread belonging to p's parent.
func (p *Process) Wait() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.state != procZombie {
		p.cond.Wait()
	}
	return p.exitStatus
}

// Zombie reports whether Exit has been called.
func (p *Process) Zombie() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == procZombie
}
