package klog

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Registers is the subset of general-purpose state worth printing in a
// panic dump. The caller fills one of these from the trap frame the
// architecture-specific entry stub saved.
type Registers struct {
	RIP, RSP, RBP             uint64
	RAX, RBX, RCX, RDX        uint64
	RSI, RDI, R8, R9          uint64
	R10, R11, R12, R13        uint64
	R14, R15                  uint64
	ErrorCode, Vector         uint64
	CR2                       uint64 // faulting address, valid for page faults only
}

// FaultFrame bundles the trapped register state with a short window of
// code bytes around RIP, so PanicDump can disassemble the faulting
// instruction instead of printing a bare hex address.
type FaultFrame struct {
	Regs Registers
	// Code holds bytes starting at Regs.RIP, as many as the caller could
	// read without risking a second fault (zero length is fine).
	Code []byte
}

// PanicDump renders a full panic report: the message, the last log line
// before the fault, the register file, a disassembly of the faulting
// instruction when Code is available, and the call stack. It never
// returns control to the faulting context -- callers invoke it from the
// architecture's double-fault or unhandled-exception path and it ends in
// Logger.Panicf, which exits the process.
func (lg *Logger) PanicDump(msg string, ff FaultFrame) {
	var b strings.Builder
	fmt.Fprintf(&b, "kernel panic: %s\n", msg)
	fmt.Fprintf(&b, "last log: %s", lg.LastLine())
	fmt.Fprintf(&b, "vector=%d error=%#x\n", ff.Regs.Vector, ff.Regs.ErrorCode)
	fmt.Fprintf(&b, "rip=%#016x rsp=%#016x rbp=%#016x cr2=%#016x\n",
		ff.Regs.RIP, ff.Regs.RSP, ff.Regs.RBP, ff.Regs.CR2)
	fmt.Fprintf(&b, "rax=%#016x rbx=%#016x rcx=%#016x rdx=%#016x\n",
		ff.Regs.RAX, ff.Regs.RBX, ff.Regs.RCX, ff.Regs.RDX)
	fmt.Fprintf(&b, "rsi=%#016x rdi=%#016x r8=%#016x  r9=%#016x\n",
		ff.Regs.RSI, ff.Regs.RDI, ff.Regs.R8, ff.Regs.R9)
	fmt.Fprintf(&b, "r10=%#016x r11=%#016x r12=%#016x r13=%#016x\n",
		ff.Regs.R10, ff.Regs.R11, ff.Regs.R12, ff.Regs.R13)
	fmt.Fprintf(&b, "r14=%#016x r15=%#016x\n", ff.Regs.R14, ff.Regs.R15)

	if inst, disasm, ok := disassembleAt(ff.Code); ok {
		fmt.Fprintf(&b, "faulting insn: %s (%d bytes)\n", disasm, inst.Len)
	}

	lg.Panicf("%s", b.String())
}

// disassembleAt decodes the first instruction in code as 64-bit x86. It
// returns ok=false when code is empty or does not decode to a valid
// instruction, which happens when the caller could not safely read the
// faulting page.
func disassembleAt(code []byte) (x86asm.Inst, string, bool) {
	if len(code) == 0 {
		return x86asm.Inst{}, "", false
	}
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return x86asm.Inst{}, "", false
	}
	return inst, x86asm.GNUSyntax(inst, 0, nil), true
}
