// Package intr implements the vector table every interrupt and
// exception is dispatched through: one Handler per vector, a pre/post
// EOI policy, routing helpers that also program the IOAPIC, a default
// policy for unmapped vectors (fatal for CPU exceptions, dropped for
// external IRQs), and the Reschedule status that lets a handler ask the
// scheduler to run before returning to the interrupted thread.
package intr

import (
	"fmt"
	"sync"

	"smpkern/klog"
	"smpkern/stats"
)

// IrqStatus is a handler's verdict on how dispatch should proceed.
type IrqStatus int

const (
	// Handled means no further action is needed.
	Handled IrqStatus = iota
	// Unhandled escalates to Dispatch's default policy.
	Unhandled
	// Reschedule means the interrupt unblocked or woke a thread and the
	// scheduler should run before returning to whatever was interrupted.
	Reschedule
)

// PlatformInterruptBase is the first vector number used for external
// IRQs and IPIs; everything below it is a CPU exception (divide error,
// page fault, double fault, and so on).
const PlatformInterruptBase = 32

// SpuriousVector is the vector the local APIC delivers when it can't
// determine the true interrupt source. Dispatch drops it immediately,
// without touching the handler table, EOI bitmap, or stats counters.
const SpuriousVector uint8 = 0xff

// Frame carries the minimal state a handler needs: which vector fired,
// the hardware error code (meaningful only for the exceptions that push
// one, e.g. page faults), and the saved instruction/stack pointers for
// diagnostics if the vector turns out to be fatal.
type Frame struct {
	Vector    uint8
	ErrorCode uint64
	RIP       uintptr
	RSP       uintptr
}

// Handler reacts to one interrupt vector.
type Handler interface {
	Handle(frame *Frame) IrqStatus
	Name() string
}

// EOISender issues the end-of-interrupt signal to the local APIC.
// Decoupled from the dispatcher so tests can verify EOI ordering
// without a real LAPIC.
type EOISender interface {
	SendEOI()
}

// IOAPICProgrammer routes one global system interrupt to a vector and
// destination CPU. MapLegacyIRQ/MapPCIIRQ call it so that registering a
// handler and wiring the IOAPIC redirection entry happen together,
// rather than leaving callers to forget one half.
type IOAPICProgrammer interface {
	Route(gsi uint32, vector uint8, targetCPU int)
	Mask(gsi uint32)
}

// Dispatcher routes each vector to its registered Handler. One instance
// is shared by every core; handlers themselves are responsible for any
// state that needs to be per-CPU.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers [256]Handler
	// preEOI marks vectors whose EOI must be sent before the handler
	// runs, e.g. handlers that themselves need interrupts re-enabled.
	// Every other vector gets its EOI sent after the handler returns.
	preEOI [256]bool
	// gsiForVector lets UnmapLegacyIRQ/UnmapPCIIRQ mask the right IOAPIC
	// entry without the caller having to remember the GSI it used to map.
	gsiForVector [256]uint32
	mappedVector [256]bool

	eoi    EOISender
	ioapic IOAPICProgrammer

	// reschedule is invoked for the core that took the interrupt when a
	// handler returns Reschedule, normally wired to
	// sched.System.Scheduler(cpu).Schedule.
	reschedule func(cpu int)

	log *klog.Logger
}

// New returns an empty Dispatcher. log may be nil to discard diagnostics.
func New(log *klog.Logger) *Dispatcher {
	return &Dispatcher{log: log}
}

// RegisterHandler installs h for vector, replacing any existing handler.
func (d *Dispatcher) RegisterHandler(vector uint8, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[vector] = h
}

// UnregisterHandler removes whatever handler is installed for vector.
func (d *Dispatcher) UnregisterHandler(vector uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[vector] = nil
	d.preEOI[vector] = false
}

// SetPreEOI marks whether vector's EOI is sent before (true) or after
// (false, the default) its handler runs.
func (d *Dispatcher) SetPreEOI(vector uint8, pre bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.preEOI[vector] = pre
}

// SetEOISender wires the local APIC's EOI signal. Called once during
// boot; nil leaves EOI a no-op, useful in tests.
func (d *Dispatcher) SetEOISender(e EOISender) { d.eoi = e }

// SetIOAPICProgrammer wires the IOAPIC routing backend that
// MapLegacyIRQ/MapPCIIRQ program. Called once during boot.
func (d *Dispatcher) SetIOAPICProgrammer(p IOAPICProgrammer) { d.ioapic = p }

// SetRescheduleHook wires the callback Dispatch invokes when a handler
// returns Reschedule. Called once during boot.
func (d *Dispatcher) SetRescheduleHook(fn func(cpu int)) { d.reschedule = fn }

// MapLegacyIRQ installs h for vector and routes ISA IRQ irq to it on
// targetCPU. The caller is responsible for resolving any Interrupt
// Source Override (topology.Snapshot.ISOs) from the ISA irq number to
// the true GSI before calling this, matching the original's separation
// between ACPI parsing and interrupt routing.
func (d *Dispatcher) MapLegacyIRQ(irq uint8, vector uint8, h Handler, targetCPU int) {
	d.mapGSI(uint32(irq), vector, h, targetCPU)
}

// MapPCIIRQ installs h for vector and routes PCI GSI gsi to it on
// targetCPU.
func (d *Dispatcher) MapPCIIRQ(gsi uint32, vector uint8, h Handler, targetCPU int) {
	d.mapGSI(gsi, vector, h, targetCPU)
}

func (d *Dispatcher) mapGSI(gsi uint32, vector uint8, h Handler, targetCPU int) {
	d.mu.Lock()
	d.handlers[vector] = h
	d.gsiForVector[vector] = gsi
	d.mappedVector[vector] = true
	d.mu.Unlock()

	if d.ioapic != nil {
		d.ioapic.Route(gsi, vector, targetCPU)
	}
}

// UnmapLegacyIRQ removes vector's handler and masks its IOAPIC entry.
func (d *Dispatcher) UnmapLegacyIRQ(vector uint8) { d.unmapGSI(vector) }

// UnmapPCIIRQ removes vector's handler and masks its IOAPIC entry.
func (d *Dispatcher) UnmapPCIIRQ(vector uint8) { d.unmapGSI(vector) }

func (d *Dispatcher) unmapGSI(vector uint8) {
	d.mu.Lock()
	gsi, mapped := d.gsiForVector[vector], d.mappedVector[vector]
	d.handlers[vector] = nil
	d.mappedVector[vector] = false
	d.mu.Unlock()

	if mapped && d.ioapic != nil {
		d.ioapic.Mask(gsi)
	}
}

// Dispatch routes frame to its vector's handler and applies the default
// policy if none is registered. cpu identifies the core that took the
// interrupt, used only to pick a reschedule target and to label a panic.
func (d *Dispatcher) Dispatch(cpu int, frame *Frame) {
	if frame.Vector == SpuriousVector {
		return
	}

	if stats.Stats {
		stats.Nirqs[frame.Vector]++
		stats.Irqs++
	}

	d.mu.RLock()
	h := d.handlers[frame.Vector]
	pre := d.preEOI[frame.Vector]
	d.mu.RUnlock()

	if h == nil {
		if frame.Vector >= PlatformInterruptBase {
			d.sendEOI()
		}
		d.defaultHandler(cpu, frame)
		return
	}

	if pre {
		d.sendEOI()
	}

	status := h.Handle(frame)

	if !pre {
		d.sendEOI()
	}

	switch status {
	case Unhandled:
		panic(fmt.Sprintf("intr: vector %d (%s) was unhandled on cpu %d", frame.Vector, h.Name(), cpu))
	case Reschedule:
		if d.reschedule != nil {
			d.reschedule(cpu)
		}
	}
}

func (d *Dispatcher) sendEOI() {
	if d.eoi != nil {
		d.eoi.SendEOI()
	}
}

func (d *Dispatcher) defaultHandler(cpu int, frame *Frame) {
	if frame.Vector < PlatformInterruptBase {
		panic(fmt.Sprintf("intr: fatal exception vector %d error %#x on cpu %d, rip=%#x rsp=%#x",
			frame.Vector, frame.ErrorCode, cpu, frame.RIP, frame.RSP))
	}
	if d.log != nil {
		d.log.Debugf("intr: dropped unmapped vector %d on cpu %d", frame.Vector, cpu)
	}
}
