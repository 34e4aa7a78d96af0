package diag

import (
	"strings"
	"testing"

	"corvus/internal/kfmt"
)

type captureSink struct{ b strings.Builder }

func (c *captureSink) WriteString(s string) (int, error) { return c.b.WriteString(s) }

func TestPanicDumpsRegistersAndHalts(t *testing.T) {
	kfmt.Reset()
	sink := &captureSink{}
	kfmt.AddSink(sink)
	defer kfmt.Reset()

	halted := false
	restore := SetHaltFunc(func() { halted = true })
	defer restore()

	Panic("test", "boom", &Registers{
		RAX: 0x1, RIP: 0x1000, RFLAGS: 1 << 9, CR3: 0x2000,
		Code: []byte{0x90}, // NOP
	})

	out := sink.b.String()
	if !strings.Contains(out, "test: boom") {
		t.Fatalf("dump missing module/message: %q", out)
	}
	if !strings.Contains(out, "RAX=") {
		t.Fatalf("dump missing register section: %q", out)
	}
	if !strings.Contains(out, "IF") {
		t.Fatalf("dump missing decoded RFLAGS: %q", out)
	}
	if !halted {
		t.Fatal("expected halt function to be invoked")
	}
}

func TestDecodeRFLAGSNoneSet(t *testing.T) {
	if decodeRFLAGS(0) != "(none)" {
		t.Fatalf("decodeRFLAGS(0) = %q, want (none)", decodeRFLAGS(0))
	}
}

func TestDecodeRFLAGSMultipleBits(t *testing.T) {
	got := decodeRFLAGS(1<<9 | 1<<6)
	if !strings.Contains(got, "IF") || !strings.Contains(got, "ZF") {
		t.Fatalf("decodeRFLAGS missing expected flags: %q", got)
	}
}

func TestDisassembleAtEmptyCode(t *testing.T) {
	if got := disassembleAt(0, nil); got != "<no code captured>" {
		t.Fatalf("disassembleAt(nil) = %q", got)
	}
}

func TestDisassembleAtValidNOP(t *testing.T) {
	got := disassembleAt(0x1000, []byte{0x90})
	if got == "<undecodable instruction>" || got == "<no code captured>" {
		t.Fatalf("expected NOP to decode, got %q", got)
	}
}
