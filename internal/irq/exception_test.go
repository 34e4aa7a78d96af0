package irq

import (
	"strings"
	"testing"

	"corvus/internal/diag"
	"corvus/internal/kfmt"
)

type captureSink struct{ s strings.Builder }

func (c *captureSink) WriteString(s string) (int, error) { return c.s.WriteString(s) }

func TestDispatchExceptionInvokesRegisteredHandler(t *testing.T) {
	var gotVector bool
	RegisterExceptionHandler(14, func(frame *TrapFrame, cr0, cr2, cr3, cr4 uint64) {
		gotVector = true
		if cr2 != 0xdead {
			t.Fatalf("cr2 = %#x, want 0xdead", cr2)
		}
	})
	restore := SetControlRegisterReader(func() (uint64, uint64, uint64, uint64) {
		return 0, 0xdead, 0, 0
	})
	defer restore()

	DispatchException(14, &TrapFrame{})
	if !gotVector {
		t.Fatal("registered handler was not invoked")
	}
}

func TestDispatchExceptionFallsThroughToPanic(t *testing.T) {
	kfmt.Reset()
	sink := &captureSink{}
	kfmt.AddSink(sink)
	defer kfmt.Reset()

	halted := false
	restore := diag.SetHaltFunc(func() { halted = true })
	defer restore()

	DispatchException(6, &TrapFrame{RIP: 0x4000})

	if !halted {
		t.Fatal("expected unhandled exception to reach the panic path")
	}
	if !strings.Contains(sink.s.String(), "invalid-opcode") {
		t.Fatalf("panic dump missing exception name: %q", sink.s.String())
	}
}

func TestExceptionNameKnownVector(t *testing.T) {
	if exceptionName(14) != "page-fault" {
		t.Fatalf("exceptionName(14) = %q, want page-fault", exceptionName(14))
	}
}

func TestExceptionNameUnknownVector(t *testing.T) {
	if exceptionName(9) != "reserved-exception" {
		t.Fatalf("exceptionName(9) = %q, want reserved-exception", exceptionName(9))
	}
	if exceptionName(100) != "reserved-exception" {
		t.Fatalf("exceptionName(100) = %q, want reserved-exception", exceptionName(100))
	}
}
