package proc

import (
	"testing"
	"time"

	"smpkern/config"
	"smpkern/tlb"
)

func newTestManager(t *testing.T, cfg config.Config) *Manager {
	t.Helper()
	ops := make([]*tlb.Ops, cfg.MaxCPUs)
	return NewManager(cfg, ops, nil)
}

func TestNewProcessAssignsDistinctPids(t *testing.T) {
	m := newTestManager(t, config.Default())

	p1, err := m.NewProcess(nil, nil, nil)
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}
	p2, err := m.NewProcess(nil, nil, nil)
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}
	if p1.Pid == p2.Pid {
		t.Fatalf("expected distinct pids, got %d twice", p1.Pid)
	}
	if p1.Pid == m.KernelProcess().Pid {
		t.Fatalf("NewProcess must never hand out the kernel's pid")
	}
}

func TestNewProcessLinksParentChild(t *testing.T) {
	m := newTestManager(t, config.Default())

	parent, err := m.NewProcess(nil, nil, nil)
	if err != nil {
		t.Fatalf("NewProcess parent: %v", err)
	}
	child, err := m.NewProcess(parent, nil, nil)
	if err != nil {
		t.Fatalf("NewProcess child: %v", err)
	}

	parent.mu.Lock()
	_, linked := parent.children[child.Pid]
	parent.mu.Unlock()
	if !linked {
		t.Fatal("child should be linked under parent.children")
	}
	if child.parent != parent {
		t.Fatal("child.parent should point back at parent")
	}
}

func TestLookupProcessAndThread(t *testing.T) {
	m := newTestManager(t, config.Default())

	p, err := m.NewProcess(nil, nil, nil)
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}
	th, err := m.NewThread(p, nil, nil, 0)
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}

	got, ok := m.LookupProcess(p.Pid)
	if !ok || got != p {
		t.Fatal("LookupProcess should find the process just created")
	}
	gotT, ok := m.LookupThread(th.Tid)
	if !ok || gotT != th {
		t.Fatal("LookupThread should find the thread just created")
	}

	if _, ok := m.LookupProcess(p.Pid + 1000); ok {
		t.Fatal("LookupProcess should not find an unassigned pid")
	}
}

func TestNewProcessEnforcesSysprocsLimit(t *testing.T) {
	cfg := config.Default()
	cfg.MaxProcesses = 2
	m := newTestManager(t, cfg)

	if _, err := m.NewProcess(nil, nil, nil); err != nil {
		t.Fatalf("NewProcess 1: %v", err)
	}
	if _, err := m.NewProcess(nil, nil, nil); err != nil {
		t.Fatalf("NewProcess 2: %v", err)
	}
	if _, err := m.NewProcess(nil, nil, nil); err == nil {
		t.Fatal("third NewProcess should fail once Sysprocs is exhausted")
	}
}

func TestNewThreadEnforcesSysthreadsLimit(t *testing.T) {
	cfg := config.Default()
	cfg.MaxThreads = 1
	m := newTestManager(t, cfg)

	p, err := m.NewProcess(nil, nil, nil)
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}
	if _, err := m.NewThread(p, nil, nil, 0); err != nil {
		t.Fatalf("NewThread 1: %v", err)
	}
	if _, err := m.NewThread(p, nil, nil, 0); err == nil {
		t.Fatal("second NewThread should fail once Systhreads is exhausted")
	}
}

func TestExitAndWait(t *testing.T) {
	m := newTestManager(t, config.Default())
	p, err := m.NewProcess(nil, nil, nil)
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}

	done := make(chan int, 1)
	go func() { done <- p.Wait() }()

	p.Exit(7)
	if got := <-done; got != 7 {
		t.Fatalf("Wait returned %d, want 7", got)
	}
	if !p.Zombie() {
		t.Fatal("process should report Zombie after Exit")
	}
}

func TestGetPCIDStableUntilInvalidated(t *testing.T) {
	m := newTestManager(t, config.Default())
	p, err := m.NewProcess(nil, nil, nil)
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}

	pcid1, flush1 := m.GetPCID(p, 0)
	if !flush1 {
		t.Fatal("first GetPCID on a CPU should require a flush")
	}
	pcid2, flush2 := m.GetPCID(p, 0)
	if flush2 {
		t.Fatal("second GetPCID with an unchanged cache should not require a flush")
	}
	if pcid1 != pcid2 {
		t.Fatalf("GetPCID should be stable absent invalidation: %d != %d", pcid1, pcid2)
	}
}

func TestReaperReclaimsThreadsAndProcess(t *testing.T) {
	m := newTestManager(t, config.Default())
	p, err := m.NewProcess(nil, nil, nil)
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}
	th, err := m.NewThread(p, nil, nil, 0)
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}

	before := m.limits.Sysprocs.Current()
	beforeThreads := m.limits.Systhreads.Current()

	r := NewReaper(m, 4)
	p.Exit(0)
	r.Notify(p)
	stop := make(chan struct{})
	go r.Run(stop)
	defer close(stop)

	reclaimed := false
	for i := 0; i < 1000; i++ {
		if _, ok := m.LookupProcess(p.Pid); !ok {
			reclaimed = true
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !reclaimed {
		t.Fatal("reaper did not reclaim the process within the deadline")
	}

	if _, ok := m.LookupThread(th.Tid); ok {
		t.Fatal("reap should remove the thread from the TID table")
	}
	if m.limits.Sysprocs.Current() != before+1 {
		t.Fatal("reap should give back the process-table slot")
	}
	if m.limits.Systhreads.Current() != beforeThreads+1 {
		t.Fatal("reap should give back the thread-table slot")
	}
}
