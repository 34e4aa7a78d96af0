package cpu

import "testing"

func TestSelectorsMatchSpec(t *testing.T) {
	cases := map[string]int{
		"null": SelectorNull, "kcs": SelectorKernelCS, "kds": SelectorKernelDS,
		"tss": SelectorTSS, "uds": SelectorUserDS, "ucs": SelectorUserCS,
	}
	want := map[string]int{"null": 0x00, "kcs": 0x08, "kds": 0x10, "tss": 0x18, "uds": 0x28, "ucs": 0x30}
	for name, got := range cases {
		if got != want[name] {
			t.Fatalf("%s selector = %#x, want %#x", name, got, want[name])
		}
	}
}

func TestGdtCodeSetsLongModeAndDPL(t *testing.T) {
	e := gdtCode(3, true)
	access := byte(e >> 40)
	if access&0x80 == 0 {
		t.Fatalf("access byte = %#x, present bit not set", access)
	}
	if access&0x08 == 0 {
		t.Fatalf("access byte = %#x, executable bit not set for a code descriptor", access)
	}
	if uint64(e)&(1<<53) == 0 {
		t.Fatalf("descriptor = %#x, long-mode (L) bit not set", uint64(e))
	}
	dpl := (access >> 5) & 0x3
	if dpl != 3 {
		t.Fatalf("dpl = %d, want 3", dpl)
	}
}

func TestGdtDataAccessByte(t *testing.T) {
	e := gdtData(0)
	access := byte(e >> 40)
	if access != 0x92 {
		t.Fatalf("access byte = %#x, want 0x92", access)
	}
}

func TestTssDescriptorEncodesBaseAndLimit(t *testing.T) {
	low, high := tssDescriptor(0x1000, 103)
	limit := uint64(low) & 0xFFFF
	if limit != 103 {
		t.Fatalf("limit low = %d, want 103", limit)
	}
	base := (uint64(low) >> 16) & 0xFFFFFF
	if base != 0x1000 {
		t.Fatalf("base low = %#x, want 0x1000", base)
	}
	if high != 0 {
		t.Fatalf("base high = %#x, want 0 for a low address", high)
	}
}

func TestPopulateGDTWritesUserDataDescriptorAtUserDSSlot(t *testing.T) {
	pc := &PerCPU{APICID: 99}
	populateGDT(pc, 0x2000)

	e := pc.GDT[SelectorUserDS/8]
	access := byte(e >> 40)
	if access&0x80 == 0 {
		t.Fatalf("access byte at SelectorUserDS slot = %#x, present bit not set", access)
	}
	if access&0x08 != 0 {
		t.Fatalf("access byte at SelectorUserDS slot = %#x, executable bit set (want a data descriptor)", access)
	}
	dpl := (access >> 5) & 0x3
	if dpl != 3 {
		t.Fatalf("dpl at SelectorUserDS slot = %d, want 3", dpl)
	}
}

func TestPopulateGDTWritesUserCodeDescriptorAtUserCSSlot(t *testing.T) {
	pc := &PerCPU{APICID: 100}
	populateGDT(pc, 0x2000)

	e := pc.GDT[SelectorUserCS/8]
	access := byte(e >> 40)
	if access&0x80 == 0 {
		t.Fatalf("access byte at SelectorUserCS slot = %#x, present bit not set", access)
	}
	if access&0x08 == 0 {
		t.Fatalf("access byte at SelectorUserCS slot = %#x, executable bit not set (want a code descriptor)", access)
	}
	dpl := (access >> 5) & 0x3
	if dpl != 3 {
		t.Fatalf("dpl at SelectorUserCS slot = %d, want 3", dpl)
	}
}

func TestTableAllocatesOnFirstUse(t *testing.T) {
	pc := Table(7)
	if pc == nil {
		t.Fatal("Table returned nil")
	}
	if pc.APICID != 7 {
		t.Fatalf("APICID = %d, want 7", pc.APICID)
	}
	if Table(7) != pc {
		t.Fatal("Table did not return the same record on second call")
	}
}
