// Package ipi implements cross-CPU TLB shootdown, remote function
// calls, and the broadcast halt used to stop every other core during a
// panic. Delivery itself goes through a Transport so the coordination
// logic (mailboxes, ack counting, spin-wait) can be exercised without a
// real LAPIC.
package ipi

import (
	"sync"
	"sync/atomic"

	"smpkern/arch/amd64"
	"smpkern/intr"
)

// LocalFlusher is the subset of *tlb.Ops the coordinator needs to
// perform a shootdown's local half. Narrowing to an interface lets
// tests substitute a recording fake instead of the real, privileged
// INVLPG-backed implementation.
type LocalFlusher interface {
	FlushOne(va uintptr)
}

// Vector numbers for the four IPIs this package drives. They live
// above intr.PlatformInterruptBase like any other external interrupt.
const (
	VectorTLBShootdown uint8 = intr.PlatformInterruptBase + iota
	VectorFunctionCall
	VectorStopCore
	VectorReschedule
)

// Transport delivers a raw IPI to one or every other core. Production
// code backs this with the local APIC; tests back it with a recording
// fake.
type Transport interface {
	SendIPI(targetCPU int, vector uint8)
	BroadcastIPI(vector uint8, excludeSelf bool)
}

type tlbRequest struct {
	startVA   uintptr
	pageCount int
}

type callRequest struct {
	fn       func(arg any)
	arg      any
	targetCPU int
}

// Coordinator owns the mailboxes and ack bookkeeping for the three IPI
// kinds. One instance is shared across all cores.
type Coordinator struct {
	transport Transport
	tlbOps    []LocalFlusher
	totalCPUs int

	mu          sync.Mutex
	tlbMailbox  tlbRequest
	callMailbox callRequest

	pendingAcks int64

	// currentCPU reports which core is running the caller, so
	// CallOnCore can take the local fast path instead of round-tripping
	// through an IPI to itself.
	currentCPU func() int
}

// New returns a Coordinator for a system of totalCPUs cores. tlbOps
// must have one entry per core, used to perform the local flush when
// this core either originates or receives a TLB shootdown.
// currentCPU reports the calling core's index; it is a function rather
// than a parameter because the right core to report can only be
// determined at call time (CallOnCore may be invoked from any core).
func New(transport Transport, tlbOps []LocalFlusher, totalCPUs int, currentCPU func() int) *Coordinator {
	return &Coordinator{
		transport:  transport,
		tlbOps:     tlbOps,
		totalCPUs:  totalCPUs,
		currentCPU: currentCPU,
	}
}

// RegisterHandlers installs this Coordinator's IPI handlers on d.
func (c *Coordinator) RegisterHandlers(d *intr.Dispatcher) {
	d.RegisterHandler(VectorTLBShootdown, tlbShootdownHandler{c})
	d.RegisterHandler(VectorFunctionCall, functionCallHandler{c})
	d.RegisterHandler(VectorStopCore, stopCoreHandler{c})
	d.RegisterHandler(VectorReschedule, rescheduleHandler{})
}

// SendReschedule interrupts targetCPU so its scheduler reevaluates what
// to run next. Meant to be wired to sched.System.SetReschedHook: the
// reschedule IPI's handler carries no payload, it only needs to return
// Reschedule so the dispatcher calls back into that core's scheduler.
func (c *Coordinator) SendReschedule(targetCPU int) {
	if targetCPU == c.currentCPU() {
		return
	}
	c.transport.SendIPI(targetCPU, VectorReschedule)
}

func (c *Coordinator) waitForAcks() {
	for atomic.LoadInt64(&c.pendingAcks) > 0 {
		amd64.Pause()
	}
}

// TLBShootdown flushes the page range [startVA, startVA+pageCount*pageSize)
// on every other core and on this one, blocking until every core has
// acknowledged. count of 0 or 1 behave identically to a single-page flush.
func (c *Coordinator) TLBShootdown(startVA uintptr, pageCount int) {
	if pageCount < 1 {
		pageCount = 1
	}

	cpu := c.currentCPU()
	c.flushRangeLocal(cpu, startVA, pageCount)

	if c.totalCPUs <= 1 {
		return
	}

	c.mu.Lock()
	c.tlbMailbox = tlbRequest{startVA: startVA, pageCount: pageCount}
	c.mu.Unlock()

	atomic.StoreInt64(&c.pendingAcks, int64(c.totalCPUs-1))
	c.transport.BroadcastIPI(VectorTLBShootdown, true)
	c.waitForAcks()
}

func (c *Coordinator) flushRangeLocal(cpu int, startVA uintptr, pageCount int) {
	ops := c.tlbOps[cpu]
	for i := 0; i < pageCount; i++ {
		ops.FlushOne(startVA + uintptr(i)*pageSize)
	}
}

const pageSize = 4096

// CallOnCore runs fn(arg) on targetCPU and blocks until it completes. If
// targetCPU is the calling core, fn runs directly with no IPI round
// trip, matching the original's local fast path.
func (c *Coordinator) CallOnCore(targetCPU int, fn func(arg any), arg any) {
	if targetCPU == c.currentCPU() {
		fn(arg)
		return
	}

	c.mu.Lock()
	c.callMailbox = callRequest{fn: fn, arg: arg, targetCPU: targetCPU}
	c.mu.Unlock()

	atomic.StoreInt64(&c.pendingAcks, 1)
	c.transport.SendIPI(targetCPU, VectorFunctionCall)
	c.waitForAcks()
}

// StopOtherCores broadcasts the halt IPI and does not wait for
// acknowledgement: every receiving core halts forever rather than
// returning from the handler.
func (c *Coordinator) StopOtherCores() {
	c.transport.BroadcastIPI(VectorStopCore, true)
}

type tlbShootdownHandler struct{ c *Coordinator }

func (h tlbShootdownHandler) Name() string { return "TLB Shootdown" }

func (h tlbShootdownHandler) Handle(frame *intr.Frame) intr.IrqStatus {
	c := h.c
	c.mu.Lock()
	req := c.tlbMailbox
	c.mu.Unlock()

	cpu := c.currentCPU()
	c.flushRangeLocal(cpu, req.startVA, req.pageCount)

	atomic.AddInt64(&c.pendingAcks, -1)
	return intr.Handled
}

type functionCallHandler struct{ c *Coordinator }

func (h functionCallHandler) Name() string { return "Function Caller" }

func (h functionCallHandler) Handle(frame *intr.Frame) intr.IrqStatus {
	c := h.c
	c.mu.Lock()
	req := c.callMailbox
	c.mu.Unlock()

	if req.targetCPU != c.currentCPU() {
		return intr.Handled
	}
	if req.fn != nil {
		req.fn(req.arg)
	}
	atomic.AddInt64(&c.pendingAcks, -1)
	return intr.Handled
}

type stopCoreHandler struct{ c *Coordinator }

func (h stopCoreHandler) Name() string { return "Stop Core" }

func (h stopCoreHandler) Handle(frame *intr.Frame) intr.IrqStatus {
	for {
		amd64.Halt()
	}
}

// rescheduleHandler carries no state: its only job is to tell the
// dispatcher the interrupted core should reschedule before returning.
type rescheduleHandler struct{}

func (rescheduleHandler) Name() string { return "Reschedule" }

func (rescheduleHandler) Handle(frame *intr.Frame) intr.IrqStatus {
	return intr.Reschedule
}
