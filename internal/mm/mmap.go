package mm

import (
	"math"
	"unsafe"

	"corvus/internal/kerrors"
	"corvus/internal/mem"
	"corvus/internal/pmm"
	"corvus/internal/vmm"
)

// protFlags translates a Prot bitmask into the PTE flags map_page expects:
// PRESENT|US always, RW iff W, NX unless X (spec §4.6 step 5).
func protFlags(prot Prot) vmm.PTEFlags {
	return vmm.DefaultUserFlags(prot&ProtWrite != 0, prot&ProtExec != 0)
}

func validateMmapArgs(length uintptr, prot Prot, flags Flags, addr uintptr, offset int64) *kerrors.Error {
	if length == 0 {
		return errInvalid
	}
	if uint64(length) > math.MaxUint64-uint64(mem.PageSize)+1 {
		return errInvalid
	}
	if prot&^(ProtRead|ProtWrite|ProtExec) != 0 {
		return errInvalid
	}
	const known = FlagShared | FlagPrivate | FlagFixed | FlagAnonymous
	if flags&^known != 0 {
		return errInvalid
	}
	shared := flags&FlagShared != 0
	private := flags&FlagPrivate != 0
	if shared == private {
		return errInvalid
	}
	if addr != 0 && addr%uintptr(mem.PageSize) != 0 {
		return errInvalid
	}
	if flags&FlagAnonymous == 0 {
		return errUnsupported
	}
	if offset != 0 {
		return errInvalid
	}
	return nil
}

// Mmap implements the mmap(2) contract of spec §4.6: validate, round length
// up to whole pages, choose a target address (honoring MAP_FIXED's
// overlap-resolution cases), install a VMA, and eagerly allocate and zero
// every backing page — rolling back entirely on any failure.
func (c *Context) Mmap(addr, length uintptr, prot Prot, flags Flags, fd int, offset int64) (uintptr, *kerrors.Error) {
	if err := validateMmapArgs(length, prot, flags, addr, offset); err != nil {
		return 0, err
	}
	_ = fd // no file-backed mappings in v1; fd is only meaningful alongside them

	pages := mem.Size(length).Pages()
	mappedLen := pages * uint64(mem.PageSize)

	c.mu.Lock()
	defer c.mu.Unlock()

	var base uintptr
	if flags&FlagFixed != 0 {
		if addr == 0 {
			return 0, errInvalid
		}
		if !c.withinUserSpace(addr, uintptr(mappedLen)) {
			return 0, errInvalid
		}
		c.resolveFixedOverlapLocked(addr, addr+uintptr(mappedLen))
		base = addr
	} else {
		v, err := c.findFreeRangeLocked(uintptr(mappedLen), 0, addr)
		if err != nil {
			return 0, errNoSpace
		}
		base = v
	}

	vma := &VMA{start: base, end: base + uintptr(mappedLen), prot: prot, flags: flags}
	c.insertLocked(vma)

	mapped := make([]uintptr, 0, pages)
	for i := uint64(0); i < pages; i++ {
		v := base + uintptr(i)*uintptr(mem.PageSize)
		pfn, aerr := c.allocPFN()
		if aerr != nil {
			c.undoMmapLocked(vma, mapped)
			return 0, errNoSpace
		}
		if merr := vmm.MapPage(c.root, v, pfn, protFlags(prot), c.allocPFN); merr != nil {
			c.freePFN(pfn)
			c.undoMmapLocked(vma, mapped)
			return 0, errNoSpace
		}
		zeroPageFn(pfn)
		mapped = append(mapped, v)
	}

	c.mergeVMAsLocked(vma)
	return base, nil
}

func (c *Context) undoMmapLocked(vma *VMA, mapped []uintptr) {
	for _, v := range mapped {
		if phys, ok := vmm.Translate(c.root, v); ok {
			vmm.UnmapPage(c.root, v)
			vmm.FlushTLBPage(v)
			c.freePFN(pmm.PFNFromAddress(phys))
		}
	}
	c.removeVMALocked(vma)
}

func (c *Context) withinUserSpace(addr, length uintptr) bool {
	end := addr + length
	return addr >= mem.USERSPACE_START && end <= mem.USERSPACE_END && end >= addr
}

// resolveFixedOverlapLocked implements MAP_FIXED's four overlap cases
// (spec §4.6 step 3), unmapping and freeing any pages in the target range
// before the new VMA is installed.
func (c *Context) resolveFixedOverlapLocked(start, end uintptr) {
	v := c.head
	for v != nil {
		next := v.next
		if v.start < end && start < v.end {
			c.carveOverlapLocked(v, start, end)
		}
		v = next
	}
}

// carveOverlapLocked removes the portion of v within [lo, hi), freeing any
// mapped pages in that portion and applying the matching structural case
// (spec §4.6 step 3 / §4.6 "munmap" — the same four cases, shared by both
// operations).
func (c *Context) carveOverlapLocked(v *VMA, lo, hi uintptr) {
	overlapStart := lo
	if v.start > overlapStart {
		overlapStart = v.start
	}
	overlapEnd := hi
	if v.end < overlapEnd {
		overlapEnd = v.end
	}

	for p := overlapStart; p < overlapEnd; p += uintptr(mem.PageSize) {
		if phys, ok := vmm.Translate(c.root, p); ok {
			vmm.UnmapPage(c.root, p)
			vmm.FlushTLBPage(p)
			c.freePFN(pmm.PFNFromAddress(phys))
		}
	}

	switch {
	case overlapStart == v.start && overlapEnd == v.end:
		c.removeVMALocked(v)
	case overlapStart > v.start && overlapEnd < v.end:
		right := c.splitVMALocked(v, overlapStart)
		tail := c.splitVMALocked(right, overlapEnd)
		c.removeVMALocked(right)
		if tail != nil {
			c.mergeVMAsLocked(tail)
		}
		c.mergeVMAsLocked(v)
	case overlapStart == v.start:
		v.start = overlapEnd
		if v.start >= v.end {
			c.removeVMALocked(v)
		} else {
			c.mergeVMAsLocked(v)
		}
	case overlapEnd == v.end:
		v.end = overlapStart
		if v.start >= v.end {
			c.removeVMALocked(v)
		} else {
			c.mergeVMAsLocked(v)
		}
	}
}

// Munmap implements munmap(2) (spec §4.6 "munmap"): validates the range,
// then for every overlapping VMA frees mapped pages in the overlap and
// applies the same four structural cases MAP_FIXED uses, merging
// afterward. Unmapped pages within the range are tolerated.
func (c *Context) Munmap(addr, length uintptr) *kerrors.Error {
	if addr == 0 || length == 0 {
		return errInvalid
	}
	if addr%uintptr(mem.PageSize) != 0 {
		return errInvalid
	}
	if uint64(length) > math.MaxUint64-uint64(mem.PageSize)+1 {
		return errInvalid
	}
	pages := mem.Size(length).Pages()
	end := addr + uintptr(pages)*uintptr(mem.PageSize)

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.withinUserSpace(addr, end-addr) {
		return errInvalid
	}

	v := c.head
	for v != nil {
		next := v.next
		if v.start < end && addr < v.end {
			c.carveOverlapLocked(v, addr, end)
		}
		v = next
	}
	return nil
}

// Brk implements brk(2) (spec §4.6 "brk"): newEnd == 0 reports the current
// break; otherwise grows or shrinks the heap region, leaving heap_end
// unchanged on failure.
func (c *Context) Brk(newEnd uintptr) uintptr {
	c.mu.Lock()
	defer c.mu.Unlock()

	if newEnd == 0 || newEnd == c.heapEnd {
		return c.heapEnd
	}
	if newEnd > c.heapEnd {
		if err := c.growHeapLocked(newEnd); err != nil {
			return c.heapEnd
		}
	} else {
		c.shrinkHeapLocked(newEnd)
	}
	return c.heapEnd
}

func (c *Context) growHeapLocked(newEnd uintptr) *kerrors.Error {
	oldMapped := mem.RoundUpPage(c.heapEnd)
	newMapped := mem.RoundUpPage(newEnd)
	flags := vmm.DefaultUserFlags(true, false)

	mapped := make([]uintptr, 0, (newMapped-oldMapped)/uintptr(mem.PageSize))
	for v := oldMapped; v < newMapped; v += uintptr(mem.PageSize) {
		pfn, err := c.allocPFN()
		if err != nil {
			c.undoHeapGrowLocked(mapped)
			return errNoSpace
		}
		if merr := vmm.MapPage(c.root, v, pfn, flags, c.allocPFN); merr != nil {
			c.freePFN(pfn)
			c.undoHeapGrowLocked(mapped)
			return errNoSpace
		}
		zeroPageFn(pfn)
		mapped = append(mapped, v)
	}
	c.heapEnd = newEnd
	return nil
}

func (c *Context) undoHeapGrowLocked(mapped []uintptr) {
	for _, v := range mapped {
		if phys, ok := vmm.Translate(c.root, v); ok {
			vmm.UnmapPage(c.root, v)
			vmm.FlushTLBPage(v)
			c.freePFN(pmm.PFNFromAddress(phys))
		}
	}
}

func (c *Context) shrinkHeapLocked(newEnd uintptr) {
	oldMapped := mem.RoundUpPage(c.heapEnd)
	newMapped := mem.RoundUpPage(newEnd)
	for v := newMapped; v < oldMapped; v += uintptr(mem.PageSize) {
		if phys, ok := vmm.Translate(c.root, v); ok {
			vmm.UnmapPage(c.root, v)
			vmm.FlushTLBPage(v)
			c.freePFN(pmm.PFNFromAddress(phys))
		}
	}
	c.heapEnd = newEnd
}

// zeroPageFn zeroes the physical frame pfn. The default implementation
// writes through the kernel's fixed direct map; SetZeroPageHook overrides
// it so tests can zero a Go-allocated stand-in frame instead of a real
// physical address, mirroring internal/vmm's SetFrameTableHook.
var zeroPageFn = defaultZeroPage

func defaultZeroPage(pfn pmm.PFN) {
	addr := mem.PhysToVirt(pfn.Address())
	b := (*[1 << 12]byte)(unsafe.Pointer(addr))
	for i := range b {
		b[i] = 0
	}
}

// SetZeroPageHook overrides the page-zeroing primitive and returns a
// function that restores the previous one. Exported for test injection
// only; production boot code never calls it.
func SetZeroPageHook(fn func(pmm.PFN)) (restore func()) {
	prev := zeroPageFn
	zeroPageFn = fn
	return func() { zeroPageFn = prev }
}
