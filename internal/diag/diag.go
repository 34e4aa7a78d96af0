// Package diag implements the kernel panic path (spec §4.7/§7): an
// unconditional register/control-register dump over the serial port
// followed by a halt, plus best-effort instruction disassembly at the
// fault RIP.
//
// Grounded on gopher-os-gopher-os/kernel/panic.go's Panic(interface{})
// entry point and mockable cpuHaltFn seam, generalized with the fuller
// register dump spec §4.7 requires (general regs, segment regs, decoded
// RFLAGS, CR0-CR4) and golang.org/x/arch/x86/x86asm-based disassembly at
// the fault RIP (SPEC_FULL §3.4).
package diag

import (
	"golang.org/x/arch/x86/x86asm"

	"corvus/internal/kfmt"
)

// Registers is the full register snapshot dumped on panic (spec §4.7
// "general regs, segment regs, RIP/RFLAGS with decoded flags, error
// code, CR0/CR2/CR3/CR4").
type Registers struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP, RSP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64

	CS, DS, ES, FS, GS, SS uint16

	RIP, RFLAGS uint64
	ErrorCode   uint64

	CR0, CR2, CR3, CR4 uint64

	// Code is a short window of bytes at RIP, used for the disassembly
	// line in the dump. May be nil or short if unavailable.
	Code []byte
}

// rflagsBits names the RFLAGS bits worth decoding for a human reader.
var rflagsBits = []struct {
	mask uint64
	name string
}{
	{1 << 0, "CF"},
	{1 << 2, "PF"},
	{1 << 4, "AF"},
	{1 << 6, "ZF"},
	{1 << 7, "SF"},
	{1 << 8, "TF"},
	{1 << 9, "IF"},
	{1 << 10, "DF"},
	{1 << 11, "OF"},
}

func decodeRFLAGS(f uint64) string {
	out := ""
	for _, b := range rflagsBits {
		if f&b.mask != 0 {
			if out != "" {
				out += " "
			}
			out += b.name
		}
	}
	if out == "" {
		return "(none)"
	}
	return out
}

// disassembleAt returns a one-line disassembly of the instruction at the
// start of code, or a placeholder if decoding fails (a truncated buffer
// at the very end of mapped memory, for instance).
func disassembleAt(rip uint64, code []byte) string {
	if len(code) == 0 {
		return "<no code captured>"
	}
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return "<undecodable instruction>"
	}
	return x86asm.GNUSyntax(inst, rip, nil)
}

// haltFn is mocked by tests, mirroring gopher-os's cpuHaltFn seam.
var haltFn = func() { select {} }

// SetHaltFunc overrides the halt primitive invoked at the end of Panic,
// for testing without actually stopping the calling goroutine forever.
func SetHaltFunc(fn func()) (restore func()) {
	prev := haltFn
	haltFn = fn
	return func() { haltFn = prev }
}

// Panic prints the full register/control-register dump and a best-effort
// disassembly of the faulting instruction, then halts unconditionally
// (spec §7: "Heap corruption and unhandled CPU exceptions are not
// recoverable: the panic path runs unconditionally, dumps registers and
// control regs, halts all CPUs, and loops"). Panic never returns.
func Panic(module, message string, regs *Registers) {
	kfmt.Printf("\n----------------------------------------\n")
	kfmt.Printf("*** kernel panic: %s: %s ***\n", module, message)
	if regs != nil {
		kfmt.Printf("RAX=%#016x RBX=%#016x RCX=%#016x RDX=%#016x\n", regs.RAX, regs.RBX, regs.RCX, regs.RDX)
		kfmt.Printf("RSI=%#016x RDI=%#016x RBP=%#016x RSP=%#016x\n", regs.RSI, regs.RDI, regs.RBP, regs.RSP)
		kfmt.Printf("R8= %#016x R9= %#016x R10=%#016x R11=%#016x\n", regs.R8, regs.R9, regs.R10, regs.R11)
		kfmt.Printf("R12=%#016x R13=%#016x R14=%#016x R15=%#016x\n", regs.R12, regs.R13, regs.R14, regs.R15)
		kfmt.Printf("CS=%#04x DS=%#04x ES=%#04x FS=%#04x GS=%#04x SS=%#04x\n", regs.CS, regs.DS, regs.ES, regs.FS, regs.GS, regs.SS)
		kfmt.Printf("RIP=%#016x RFLAGS=%#x [%s] ERR=%#x\n", regs.RIP, regs.RFLAGS, decodeRFLAGS(regs.RFLAGS), regs.ErrorCode)
		kfmt.Printf("CR0=%#016x CR2=%#016x CR3=%#016x CR4=%#016x\n", regs.CR0, regs.CR2, regs.CR3, regs.CR4)
		kfmt.Printf("at RIP: %s\n", disassembleAt(regs.RIP, regs.Code))
	}
	kfmt.Printf("----------------------------------------\n")

	haltFn()
}
