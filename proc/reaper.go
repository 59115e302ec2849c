package proc

import "smpkern/defs"

// Reaper reclaims processes once every thread they own has reached
// ThreadZombie. It runs as a dedicated loop rather than as an ordinary
// Thread so that it never itself needs reaping -- a reaper thread that
// could become a zombie would need a second reaper to collect it.
type Reaper struct {
	mgr  *Manager
	wake chan *Process
}

// NewReaper returns a Reaper bound to mgr. depth bounds the number of
// processes that can be queued for reaping before Notify starts dropping
// them; a dropped process simply stays a zombie until the next Notify
// for it succeeds, which is harmless since Wait() already returned its
// exit status by the time Exit ran.
func NewReaper(mgr *Manager, depth int) *Reaper {
	return &Reaper{mgr: mgr, wake: make(chan *Process, depth)}
}

// Notify queues p for reaping. Called once p.Exit has run and its last
// thread has transitioned to ThreadZombie. Never blocks.
func (r *Reaper) Notify(p *Process) {
	select {
	case r.wake <- p:
	default:
	}
}

// Run drains the reap queue until stop is closed. It is meant to be
// launched once, in its own goroutine, for the life of the kernel.
func (r *Reaper) Run(stop <-chan struct{}) {
	for {
		select {
		case p := <-r.wake:
			r.reap(p)
		case <-stop:
			return
		}
	}
}

// reap releases every resource a zombie process still holds: its
// threads' TID-table entries and thread-table slots, its PID-table
// entry, its process-table slot, and its PCID.
func (r *Reaper) reap(p *Process) {
	p.mu.Lock()
	tids := make([]uint64, 0, len(p.threads))
	for tid := range p.threads {
		tids = append(tids, uint64(tid))
	}
	p.threads = make(map[defs.Tid_t]*Thread)
	p.mu.Unlock()

	for _, tid := range tids {
		r.mgr.threads.Del(tid)
		r.mgr.limits.Systhreads.Give()
	}

	r.mgr.freeProcess(p)
}
