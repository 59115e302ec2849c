// Package amd64 declares the handful of privileged instructions the
// memory, scheduling, and IPI core needs and that Go cannot express
// directly: interrupt masking, TLB invalidation, control-register and
// model-specific-register access, and port I/O for the serial console.
// Each function is implemented in amd64.s; the Go declarations here carry
// the doc comments and give every other package something to call that
// typechecks on any GOARCH even though the .s file only assembles on amd64.
package amd64

// EnableInterrupts executes STI.
func EnableInterrupts()

// DisableInterrupts executes CLI.
func DisableInterrupts()

// InterruptsEnabled reports whether RFLAGS.IF is currently set.
func InterruptsEnabled() bool

// Halt executes HLT, stopping instruction execution until the next
// interrupt. The scheduler's idle thread loops on this.
func Halt()

// Pause executes PAUSE, the spin-wait hint used by Mutex's spin phase,
// the IPI coordinator's acknowledgement wait, and Timer.UDelay.
func Pause()

// InvalidatePage flushes the TLB entry mapping virtAddr on the current
// core. TlbOps uses this for the local half of a shootdown.
func InvalidatePage(virtAddr uintptr)

// LoadCR3 writes the page-table base (and, when bit 63 is set, signals a
// non-flushing PCID-tagged load per the manual) into CR3.
func LoadCR3(cr3 uint64)

// ReadCR3 returns the current CR3 value.
func ReadCR3() uint64

// ReadCR2 returns the faulting linear address recorded by the last page
// fault on this core.
func ReadCR2() uint64

// ReadCR4 returns the current CR4 value.
func ReadCR4() uint64

// WriteCR4 writes val into CR4.
func WriteCR4(val uint64)

// InvalidatePCID executes INVPCID with the given type and descriptor,
// used by the PCID manager to flush a single reclaimed identifier instead
// of the whole TLB.
func InvalidatePCID(kind uint64, pcid uint64, addr uint64)

// ReadMSR returns the value of the given model-specific register.
func ReadMSR(reg uint32) uint64

// WriteMSR writes val to the given model-specific register.
func WriteMSR(reg uint32, val uint64)

// ReadTSC returns the current time-stamp counter value, used by
// Timer.UDelay's busy-wait and by stats' cycle counts.
func ReadTSC() uint64

// OutB writes a byte to an I/O port.
func OutB(port uint16, val uint8)

// InB reads a byte from an I/O port.
func InB(port uint16) uint8

// SwapGS executes SWAPGS, exchanging the kernel and user GS base MSRs on
// kernel entry/exit.
func SwapGS()

// CPUID executes CPUID for the given leaf with ECX=0 and returns the
// four result registers. pagemap's feature detection (NX, PCID) goes
// through this instead of inline assembly at the call site.
func CPUID(leaf uint32) (eax, ebx, ecx, edx uint32)

// ContextSwitch saves the callee-saved registers and stack pointer of the
// outgoing thread to *prevStackPtr, switches RSP to nextStackPtr, and
// restores the incoming thread's callee-saved registers before returning
// on its stack. sched.Scheduler's Schedule and Terminate call this once
// they have picked the next thread to run; it returns only when some other core switches
// back to the thread that called it.
func ContextSwitch(prevStackPtr *uintptr, nextStackPtr uintptr)

