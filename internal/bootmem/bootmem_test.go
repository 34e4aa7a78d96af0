package bootmem

import "testing"

func unsorted() *Map {
	return New(LegacySource{Descriptors: []Entry{
		{Base: 0x100000, Length: 0x100000, Kind: Conventional}, // 1MiB-2MiB
		{Base: 0x0, Length: 0x1000, Kind: Reserved},             // low 4K reserved
		{Base: 0x200000, Length: 0x800000, Kind: Conventional},  // 2MiB-10MiB
		{Base: 0xA00000, Length: 0x100000, Kind: MMIO},
	}})
}

func TestNewNormalizesOrder(t *testing.T) {
	m := unsorted()
	entries := m.Entries()
	for i := 1; i < len(entries); i++ {
		if entries[i-1].Base > entries[i].Base {
			t.Fatalf("entries not sorted: %+v", entries)
		}
	}
}

func TestTotals(t *testing.T) {
	m := unsorted()
	if got, want := m.TotalMemory(), uint64(0x1000+0x100000+0x800000+0x100000); got != want {
		t.Errorf("TotalMemory() = %#x, want %#x", got, want)
	}
	if got, want := m.TotalConventional(), uint64(0x100000+0x800000); got != want {
		t.Errorf("TotalConventional() = %#x, want %#x", got, want)
	}
	if got, want := m.HighestAddress(), uint64(0xB00000); got != want {
		t.Errorf("HighestAddress() = %#x, want %#x", got, want)
	}
}

func TestLargestConventional(t *testing.T) {
	m := unsorted()
	e, err := m.LargestConventional()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Base != 0x200000 || e.Length != 0x800000 {
		t.Errorf("LargestConventional() = %+v, want base=0x200000 length=0x800000", e)
	}
}

func TestLargestConventionalEmptyRange(t *testing.T) {
	m := New(LegacySource{Descriptors: []Entry{{Base: 0, Length: 0x1000, Kind: Reserved}}})
	if _, err := m.LargestConventional(); err == nil || err.Kind.String() != "not_found" {
		t.Fatalf("expected empty_range error, got %v", err)
	}
}

func TestFindSegment(t *testing.T) {
	m := unsorted()
	e, err := m.FindSegment(0x180000, 0x300000, 0x80000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Base != 0x180000 {
		t.Errorf("FindSegment() base = %#x, want 0x180000", e.Base)
	}
	if _, err := m.FindSegment(0, 0x1000, 0x1000); err == nil {
		t.Fatalf("expected empty_range for a reserved-only range")
	}
}
