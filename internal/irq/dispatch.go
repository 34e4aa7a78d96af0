package irq

import (
	"sync"

	"corvus/internal/kerrors"
)

// TrapFrame is the register snapshot pushed by the common interrupt stub
// before a Go-callable handler is invoked (spec §4.7/§7 "full register
// dump"). Field order matches the stub's push sequence so the assembly
// glue and this struct stay layout-compatible.
type TrapFrame struct {
	// General-purpose registers, pushed in reverse order of this listing.
	R15, R14, R13, R12, R11, R10, R9, R8 uint64
	RBP, RDI, RSI, RDX, RCX, RBX, RAX    uint64

	Vector    uint64
	ErrorCode uint64

	// Hardware-pushed interrupt frame.
	RIP    uint64
	CS     uint64
	RFLAGS uint64
	RSP    uint64
	SS     uint64
}

// Handler processes one IRQ. It returns true if the interrupt was
// recognized and serviced, false if it should be treated as spurious.
type Handler func(frame *TrapFrame, cookie uintptr) bool

type irqEntry struct {
	handler Handler
	cookie  uintptr
	fastEOI bool
	valid   bool
}

var (
	tableMu    sync.Mutex
	handlerTable [IRQCount]irqEntry
	eoiFn      func(irq int)
)

// SetEOISender installs the function used to acknowledge the interrupt
// controller. Production code wires this to the LAPIC EOI register;
// tests install a counting fake.
func SetEOISender(fn func(irq int)) (restore func()) {
	tableMu.Lock()
	prev := eoiFn
	eoiFn = fn
	tableMu.Unlock()
	return func() {
		tableMu.Lock()
		eoiFn = prev
		tableMu.Unlock()
	}
}

// RegisterIRQHandler installs fn as the handler for logical IRQ n (spec
// §4.7 "IRQ handler table: 64 entries, each a handler function pointer,
// an opaque cookie, and a fast-EOI flag").
func RegisterIRQHandler(n int, fn Handler, fastEOI bool, cookie uintptr) *kerrors.Error {
	if n < 0 || n >= IRQCount {
		return kerrors.New("irq", kerrors.InvalidArgument, "irq number out of range")
	}
	tableMu.Lock()
	defer tableMu.Unlock()
	handlerTable[n] = irqEntry{handler: fn, cookie: cookie, fastEOI: fastEOI, valid: true}
	return nil
}

// Dispatch routes a fired IRQ to its registered handler, sending EOI
// before the handler runs when fastEOI is set (spec §4.7 "fast-EOI
// handlers acknowledge the controller before running the handler body,
// so a slow handler does not hold off other interrupts of the same or
// lower priority"). It reports whether the IRQ was handled.
func Dispatch(n int, frame *TrapFrame) bool {
	tableMu.Lock()
	entry := handlerTable[n]
	sender := eoiFn
	tableMu.Unlock()

	if !entry.valid {
		return false
	}
	if entry.fastEOI && sender != nil {
		sender(n)
	}
	handled := entry.handler(frame, entry.cookie)
	if !entry.fastEOI && sender != nil {
		sender(n)
	}
	return handled
}
