package vmm

import (
	"unsafe"

	"corvus/internal/kerrors"
	"corvus/internal/mem"
	"corvus/internal/pmm"
)

// PageTable is a 4-level x86_64 address space root (spec §3 "Address
// space"). Zero value is invalid; set Root to an allocated, zeroed PML4
// frame (callers write &PageTable{Root: pfn}).
type PageTable struct {
	Root pmm.PFN
}

// frameTableHookFn returns a pointer to the physical frame holding a
// page-table page. The default implementation applies the kernel's fixed
// phys_to_virt offset (spec §4.3); SetFrameTableHook overrides it to point
// at ordinary Go-allocated arrays, simulating physical frames without
// requiring real hardware, mirroring gopher-os-gopher-os's pdt_test.go
// mocking idiom. The hook is typed in terms of exported types only so that
// other packages' tests (internal/vspace, internal/mm) can install one too.
var frameTableHookFn = defaultFrameTableHook

func defaultFrameTableHook(f pmm.PFN) unsafe.Pointer {
	return unsafe.Pointer(mem.PhysToVirt(f.Address()))
}

func frameTableFn(f pmm.PFN) *[512]pageTableEntry {
	return (*[512]pageTableEntry)(frameTableHookFn(f))
}

// SetFrameTableHook overrides the physical-frame accessor used by every
// table walk in this package and returns a function that restores the
// previous one. Exported for test injection from other packages that build
// on internal/vmm (internal/vspace, internal/mm); production boot code
// never calls it.
func SetFrameTableHook(fn func(pmm.PFN) unsafe.Pointer) (restore func()) {
	prev := frameTableHookFn
	frameTableHookFn = fn
	return func() { frameTableHookFn = prev }
}

// indices derives the four page-table indices and the in-page offset for a
// virtual address, per spec §3's shift formula.
func indices(v uintptr) (pml4i, pdpti, pdi, pti int, offset uintptr) {
	pml4i = int((v >> 39) & 0x1ff)
	pdpti = int((v >> 30) & 0x1ff)
	pdi = int((v >> 21) & 0x1ff)
	pti = int((v >> 12) & 0x1ff)
	offset = v & 0xfff
	return
}

var errInvalidMapping = kerrors.New("vmm", kerrors.NotFound, "invalid_mapping")

// ensureTable returns the next-level table frame referenced by entry,
// allocating and zeroing it on demand from alloc if absent (spec §4.3
// "Intermediate PML4/PDPT/PD entries are allocated on demand ... and
// zeroed").
func ensureTable(entry *pageTableEntry, alloc pmm.FrameAllocFn) (*[512]pageTableEntry, *kerrors.Error) {
	if !entry.present() {
		f, err := alloc()
		if err != nil {
			return nil, err
		}
		table := frameTableFn(f)
		for i := range table {
			table[i] = 0
		}
		*entry = 0
		entry.setFrame(f)
		entry.setFlags(FlagPresent | FlagRW)
		return table, nil
	}
	if entry.hasFlags(flagPS) {
		return nil, kerrors.New("vmm", kerrors.InvalidArgument, "cannot walk through a large-page leaf")
	}
	return frameTableFn(entry.frame()), nil
}

// MapPage ensures the translation v → p exists in the address space rooted
// at root with the given flags (spec §4.3 "map_page"). Overwriting an
// existing present PTE is permitted (remap); the caller must flush.
func MapPage(root *PageTable, v uintptr, p pmm.PFN, flags PTEFlags, alloc pmm.FrameAllocFn) *kerrors.Error {
	pml4i, pdpti, pdi, pti, _ := indices(v)

	pml4 := frameTableFn(root.Root)
	pdpt, err := ensureTable(&pml4[pml4i], alloc)
	if err != nil {
		return err
	}
	pd, err := ensureTable(&pdpt[pdpti], alloc)
	if err != nil {
		return err
	}
	pt, err := ensureTable(&pd[pdi], alloc)
	if err != nil {
		return err
	}

	pte := &pt[pti]
	*pte = 0
	pte.setFrame(p)
	pte.setFlags(FlagPresent | flags)
	return nil
}

// MapLargePage is like MapPage but terminates at the PD level with a 2 MiB
// leaf (spec §4.3 "map_large_page").
func MapLargePage(root *PageTable, v uintptr, p pmm.PFN, flags PTEFlags, alloc pmm.FrameAllocFn) *kerrors.Error {
	pml4i, pdpti, pdi, _, _ := indices(v)

	pml4 := frameTableFn(root.Root)
	pdpt, err := ensureTable(&pml4[pml4i], alloc)
	if err != nil {
		return err
	}
	pd, err := ensureTable(&pdpt[pdpti], alloc)
	if err != nil {
		return err
	}

	pde := &pd[pdi]
	*pde = 0
	pde.setFrame(p)
	pde.setFlags(FlagPresent | flagPS | flags)
	return nil
}

// walkToLeaf returns the final-level PTE pointer for v, or nil if any
// intermediate level is absent.
func walkToLeaf(root *PageTable, v uintptr) *pageTableEntry {
	pml4i, pdpti, pdi, pti, _ := indices(v)

	pml4 := frameTableFn(root.Root)
	e := &pml4[pml4i]
	if !e.present() {
		return nil
	}
	pdpt := frameTableFn(e.frame())

	e = &pdpt[pdpti]
	if !e.present() {
		return nil
	}
	pd := frameTableFn(e.frame())

	e = &pd[pdi]
	if !e.present() {
		return nil
	}
	if e.hasFlags(flagPS) {
		return e
	}
	pt := frameTableFn(e.frame())
	e = &pt[pti]
	if !e.present() {
		return nil
	}
	return e
}

// UnmapPage clears the leaf PTE's present bit (spec §4.3 "unmap_page"). It
// does not free intermediate tables — the source never does either, and
// spec §9 leaves the bounded per-address-space leak as-is rather than
// changing behavior. It does not flush the TLB; the caller must.
func UnmapPage(root *PageTable, v uintptr) *kerrors.Error {
	pte := walkToLeaf(root, v)
	if pte == nil {
		return errInvalidMapping
	}
	pte.setFlags(pte.flags() &^ FlagPresent)
	return nil
}

// Translate walks the tables rooted at root and returns the physical
// address for v, or false if any level is absent (spec §4.3
// "get_physical_address").
func Translate(root *PageTable, v uintptr) (uintptr, bool) {
	pte := walkToLeaf(root, v)
	if pte == nil {
		return 0, false
	}
	pml4i, pdpti, pdi, _, offset := indices(v)
	pdpt := frameTableFn(frameTableFn(root.Root)[pml4i].frame())
	if pd := frameTableFn(pdpt[pdpti].frame()); pte == &pd[pdi] {
		// 2 MiB leaf at the PD level: the offset is the low 21 bits.
		offset = v & uintptr(mem.LargePageSize-1)
	}
	return pte.frame().Address() + offset, true
}
