package pmm

import (
	"testing"

	"corvus/internal/bootmem"
	"corvus/internal/mem"
)

func freshAllocator(t *testing.T) *Allocator {
	t.Helper()
	bm := bootmem.New(bootmem.LegacySource{Descriptors: []bootmem.Entry{
		{Base: 0, Length: 0x200000, Kind: bootmem.Conventional}, // 0-2MiB
	}})
	a := New()
	if err := a.Init(bm, 0x100000, 0x10000); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return a
}

func TestInitReservesKernelAndTrampoline(t *testing.T) {
	a := freshAllocator(t)
	if !a.IsUsed(PFNFromAddress(0x100000)) {
		t.Error("kernel image frame should be reserved")
	}
	if !a.IsUsed(PFNFromAddress(apTrampolineBase)) {
		t.Error("AP trampoline frame should be reserved")
	}
	if !a.IsUsed(PFNFromAddress(apExtra1)) {
		t.Error("AP extra address should be reserved")
	}
	if !a.IsUsed(PFNFromAddress(0x50000)) {
		t.Error("address within the 0x18000-0x70000 AP range should be reserved")
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	a := freshAllocator(t)
	before := a.FreeCount()
	pfn, err := a.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if !a.IsUsed(pfn) {
		t.Fatal("allocated frame should be used")
	}
	a.FreePage(pfn)
	if a.IsUsed(pfn) {
		t.Fatal("freed frame should be free")
	}
	if after := a.FreeCount(); after != before {
		t.Fatalf("FreeCount after round-trip = %d, want %d", after, before)
	}
}

func TestFreePageIdempotent(t *testing.T) {
	a := freshAllocator(t)
	pfn, err := a.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	a.FreePage(pfn)
	before := a.FreeCount()
	a.FreePage(pfn) // no-op
	if after := a.FreeCount(); after != before {
		t.Fatalf("double free changed FreeCount: %d -> %d", before, after)
	}
}

func TestLockPageIdempotent(t *testing.T) {
	a := freshAllocator(t)
	pfn, err := a.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	a.FreePage(pfn)
	a.LockPage(pfn)
	before := a.FreeCount()
	a.LockPage(pfn) // no-op
	if after := a.FreeCount(); after != before {
		t.Fatalf("double lock changed FreeCount: %d -> %d", before, after)
	}
}

func TestAllocPagesContiguous(t *testing.T) {
	a := freshAllocator(t)
	pfn, err := a.AllocPages(4)
	if err != nil {
		t.Fatalf("AllocPages: %v", err)
	}
	for i := uint64(0); i < 4; i++ {
		if !a.IsUsed(PFN(uint64(pfn) + i)) {
			t.Fatalf("frame %d of run should be used", i)
		}
	}
	a.FreePages(pfn, 4)
	for i := uint64(0); i < 4; i++ {
		if a.IsUsed(PFN(uint64(pfn) + i)) {
			t.Fatalf("frame %d of run should be free after FreePages", i)
		}
	}
}

func TestAllocPagesAlignedRejectsBadAlign(t *testing.T) {
	a := freshAllocator(t)
	if _, err := a.AllocPagesAligned(1, uintptr(mem.PageSize)-1); err == nil {
		t.Fatal("expected invalid_argument for non-power-of-two align")
	}
}

func TestAllocLargePageAlignment(t *testing.T) {
	bm := bootmem.New(bootmem.LegacySource{Descriptors: []bootmem.Entry{
		{Base: 0, Length: uint64(8 * mem.MB), Kind: bootmem.Conventional},
	}})
	a := New()
	if err := a.Init(bm, 0x100000, 0x10000); err != nil {
		t.Fatalf("Init: %v", err)
	}
	pfn, err := a.AllocLargePage()
	if err != nil {
		t.Fatalf("AllocLargePage: %v", err)
	}
	if pfn.Address()%uintptr(mem.LargePageSize) != 0 {
		t.Fatalf("large page address %#x not 2MiB aligned", pfn.Address())
	}
}

func TestOutOfMemory(t *testing.T) {
	// The bitmap is sized from the summed entry lengths, so the low 2 MiB
	// is listed (reserved) to make it cover frame 0x200 onward. Of the two
	// conventional frames, the first holds the bitmap itself and is
	// re-locked, leaving exactly one allocatable frame.
	bm := bootmem.New(bootmem.LegacySource{Descriptors: []bootmem.Entry{
		{Base: 0, Length: 0x200000, Kind: bootmem.Reserved},
		{Base: 0x200000, Length: 2 * uint64(mem.PageSize), Kind: bootmem.Conventional},
	}})
	a := New()
	if err := a.Init(bm, 0x100000, 0x1000); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := a.AllocPage(); err != nil {
		t.Fatalf("first AllocPage should succeed: %v", err)
	}
	if _, err := a.AllocPage(); err == nil || err.Kind.String() != "out_of_memory" {
		t.Fatalf("expected out_of_memory, got %v", err)
	}
}
