package vmm

import (
	"testing"
	"unsafe"

	"corvus/internal/kerrors"
	"corvus/internal/pmm"
)

// fakePhysMem backs the frame-table hook with ordinary Go-allocated arrays
// so the table-walk logic can be exercised without real memory, mirroring
// gopher-os-gopher-os/kernel/mem/vmm/pdt_test.go's mocking technique.
type fakePhysMem struct {
	tables map[pmm.PFN]*[512]pageTableEntry
	next   uint64
}

func newFakePhysMem() *fakePhysMem {
	return &fakePhysMem{tables: make(map[pmm.PFN]*[512]pageTableEntry)}
}

func (f *fakePhysMem) alloc() (pmm.PFN, *kerrors.Error) {
	f.next++
	pfn := pmm.PFN(f.next)
	f.tables[pfn] = &[512]pageTableEntry{}
	return pfn, nil
}

func (f *fakePhysMem) table(pfn pmm.PFN) unsafe.Pointer {
	t, ok := f.tables[pfn]
	if !ok {
		t = &[512]pageTableEntry{}
		f.tables[pfn] = t
	}
	return unsafe.Pointer(t)
}

func installFakePhysMem(t *testing.T, fm *fakePhysMem) {
	t.Helper()
	restore := SetFrameTableHook(fm.table)
	t.Cleanup(restore)
}

func TestMapTranslateRoundTrip(t *testing.T) {
	fm := newFakePhysMem()
	installFakePhysMem(t, fm)

	rootPFN, _ := fm.alloc()
	root := &PageTable{Root: rootPFN}
	leafPFN, _ := fm.alloc()
	const v = uintptr(0xFFFF800000123000)

	if err := MapPage(root, v, leafPFN, FlagRW, fm.alloc); err != nil {
		t.Fatalf("MapPage: %v", err)
	}

	got, ok := Translate(root, v)
	if !ok {
		t.Fatal("Translate: expected ok")
	}
	want := leafPFN.Address() + (v & 0xfff)
	if got != want {
		t.Fatalf("Translate = %#x, want %#x", got, want)
	}

	if err := UnmapPage(root, v); err != nil {
		t.Fatalf("UnmapPage: %v", err)
	}
	if _, ok := Translate(root, v); ok {
		t.Fatal("Translate after UnmapPage should fail")
	}
}

func TestMapLargePage(t *testing.T) {
	fm := newFakePhysMem()
	installFakePhysMem(t, fm)

	rootPFN, _ := fm.alloc()
	root := &PageTable{Root: rootPFN}
	leafPFN, _ := fm.alloc()

	const v = uintptr(0xFFFF800000200000) // 2MiB aligned

	if err := MapLargePage(root, v, leafPFN, FlagRW, fm.alloc); err != nil {
		t.Fatalf("MapLargePage: %v", err)
	}
	got, ok := Translate(root, v+0x1000)
	if !ok {
		t.Fatal("Translate: expected ok within large page")
	}
	if got != leafPFN.Address()+0x1000 {
		t.Fatalf("Translate = %#x, want %#x", got, leafPFN.Address()+0x1000)
	}
}

func TestTranslateMissingMapping(t *testing.T) {
	fm := newFakePhysMem()
	installFakePhysMem(t, fm)

	rootPFN, _ := fm.alloc()
	root := &PageTable{Root: rootPFN}

	if _, ok := Translate(root, 0x1000); ok {
		t.Fatal("Translate on empty table should fail")
	}
}

func TestRemapOverwritesExistingLeaf(t *testing.T) {
	fm := newFakePhysMem()
	installFakePhysMem(t, fm)

	rootPFN, _ := fm.alloc()
	root := &PageTable{Root: rootPFN}
	leaf1, _ := fm.alloc()
	leaf2, _ := fm.alloc()
	const v = uintptr(0xFFFF800000123000)

	if err := MapPage(root, v, leaf1, FlagRW, fm.alloc); err != nil {
		t.Fatalf("MapPage: %v", err)
	}
	if err := MapPage(root, v, leaf2, FlagRW, fm.alloc); err != nil {
		t.Fatalf("remap MapPage: %v", err)
	}
	got, ok := Translate(root, v)
	if !ok || got != leaf2.Address() {
		t.Fatalf("Translate after remap = %#x, %v; want %#x, true", got, ok, leaf2.Address())
	}
}
