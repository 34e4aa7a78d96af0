package irq

import (
	"sync"

	"corvus/internal/diag"
)

// ExceptionHandler processes one CPU exception (vectors 0-31). Unlike an
// IRQ Handler it receives the raw control registers alongside the trap
// frame, since several exceptions (#PF in particular) need CR2.
type ExceptionHandler func(frame *TrapFrame, cr0, cr2, cr3, cr4 uint64)

var (
	excMu      sync.Mutex
	excTable   [ExceptionCount]ExceptionHandler
	controlRegs func() (cr0, cr2, cr3, cr4 uint64)
)

// SetControlRegisterReader installs the function used to read CR0-CR4
// for the panic dump. Production code wires this to the real control
// registers; tests install a fake.
func SetControlRegisterReader(fn func() (cr0, cr2, cr3, cr4 uint64)) (restore func()) {
	excMu.Lock()
	prev := controlRegs
	controlRegs = fn
	excMu.Unlock()
	return func() {
		excMu.Lock()
		controlRegs = prev
		excMu.Unlock()
	}
}

// RegisterExceptionHandler installs fn as the handler for the given CPU
// exception vector (0-31).
func RegisterExceptionHandler(vector int, fn ExceptionHandler) {
	if vector < 0 || vector >= ExceptionCount {
		return
	}
	excMu.Lock()
	defer excMu.Unlock()
	excTable[vector] = fn
}

// DispatchException routes a fired CPU exception to its registered
// handler, or falls through to the panic dump if none is registered
// (spec §4.7 "Exception path. If a registered exception handler exists,
// invoke it; otherwise the system enters a panic dump").
func DispatchException(vector int, frame *TrapFrame) {
	excMu.Lock()
	var handler ExceptionHandler
	if vector >= 0 && vector < ExceptionCount {
		handler = excTable[vector]
	}
	reader := controlRegs
	excMu.Unlock()

	var cr0, cr2, cr3, cr4 uint64
	if reader != nil {
		cr0, cr2, cr3, cr4 = reader()
	}

	if handler != nil {
		handler(frame, cr0, cr2, cr3, cr4)
		return
	}

	diag.Panic("exception", exceptionName(vector), &diag.Registers{
		RAX: frame.RAX, RBX: frame.RBX, RCX: frame.RCX, RDX: frame.RDX,
		RSI: frame.RSI, RDI: frame.RDI, RBP: frame.RBP, RSP: frame.RSP,
		R8: frame.R8, R9: frame.R9, R10: frame.R10, R11: frame.R11,
		R12: frame.R12, R13: frame.R13, R14: frame.R14, R15: frame.R15,
		CS: uint16(frame.CS), SS: uint16(frame.SS),
		RIP: frame.RIP, RFLAGS: frame.RFLAGS, ErrorCode: frame.ErrorCode,
		CR0: cr0, CR2: cr2, CR3: cr3, CR4: cr4,
	})
}

var exceptionNames = [ExceptionCount]string{
	0: "divide-by-zero", 1: "debug", 2: "nmi", 3: "breakpoint",
	4: "overflow", 5: "bound-range", 6: "invalid-opcode", 7: "device-not-available",
	8: "double-fault", 10: "invalid-tss", 11: "segment-not-present",
	12: "stack-segment-fault", 13: "general-protection-fault", 14: "page-fault",
	16: "x87-floating-point", 17: "alignment-check", 18: "machine-check",
	19: "simd-floating-point",
}

func exceptionName(vector int) string {
	if vector >= 0 && vector < ExceptionCount && exceptionNames[vector] != "" {
		return exceptionNames[vector]
	}
	return "reserved-exception"
}
