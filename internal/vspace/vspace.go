// Package vspace implements the kernel virtual memory manager (spec §4.5,
// C5): a thin bitmap-backed allocator over the kernel virtual window that
// composes internal/pmm (physical frames) and internal/vmm (page tables) so
// that AllocVirtualPages can be served without walking page tables to find
// free virtual space.
//
// Grounded on gopher-os-gopher-os/kernel/mem/pmm/allocator's bitmap-scan
// idiom, reused here for a virtual rather than physical address range, per
// spec §4.5's explicit "maintains a second bitmap" design.
package vspace

import (
	"sync"

	"corvus/internal/kerrors"
	"corvus/internal/mem"
	"corvus/internal/pmm"
	"corvus/internal/vmm"
)

// region records the bookkeeping needed to unmap an allocation correctly:
// whether C5 owns the backing physical frames (AllocVirtualPages) or not
// (MapContiguousPhysicalPages), spec §4.5's "unmap_virtual_pages" distinction.
type region struct {
	pages  uint64
	backed bool
	frames []pmm.PFN
}

// Manager owns the kernel virtual window's free-space bitmap and the page
// tables backing it (spec §4.5 "Concurrency": single mutex, same shape as
// internal/pmm.Allocator).
type Manager struct {
	mu sync.Mutex

	base       uintptr
	totalPages uint64
	bitmap     []uint64
	hint       uint64

	root      *vmm.PageTable
	allocPFN  pmm.FrameAllocFn
	freePFN   func(pmm.PFN)
	regions   map[uintptr]*region
}

var (
	errNoRange  = kerrors.New("vspace", kerrors.OutOfMemory, "no contiguous free virtual range")
	errNotFound = kerrors.New("vspace", kerrors.NotFound, "no allocation at this address")
)

// New creates a Manager over the fixed kernel virtual window (spec §4.5,
// mem.KernelWindowBase/KernelWindowSize), backed by root's page tables and
// driven by allocPFN/freePFN for physical frames.
func New(root *vmm.PageTable, allocPFN pmm.FrameAllocFn, freePFN func(pmm.PFN)) *Manager {
	totalPages := uint64(mem.KernelWindowSize) / uint64(mem.PageSize)
	words := (totalPages + 63) / 64
	return &Manager{
		base:       mem.KernelWindowBase,
		totalPages: totalPages,
		bitmap:     make([]uint64, words),
		root:       root,
		allocPFN:   allocPFN,
		freePFN:    freePFN,
		regions:    make(map[uintptr]*region),
	}
}

func (m *Manager) bitOf(page uint64) (uint64, uint64) { return page / 64, 1 << (page % 64) }

func (m *Manager) isUsedLocked(page uint64) bool {
	if page >= m.totalPages {
		return true
	}
	w, b := m.bitOf(page)
	return m.bitmap[w]&b != 0
}

func (m *Manager) markUsedLocked(page uint64) {
	w, b := m.bitOf(page)
	m.bitmap[w] |= b
}

func (m *Manager) markFreeLocked(page uint64) {
	w, b := m.bitOf(page)
	m.bitmap[w] &^= b
}

// findRunLocked returns the first index of a run of n contiguous free pages
// at or after m.hint, wrapping to 0 if none is found past the hint.
func (m *Manager) findRunLocked(n uint64) (uint64, *kerrors.Error) {
	if run, ok := m.scanFrom(m.hint, n); ok {
		return run, nil
	}
	if m.hint != 0 {
		if run, ok := m.scanFrom(0, n); ok {
			return run, nil
		}
	}
	return 0, errNoRange
}

func (m *Manager) scanFrom(start, n uint64) (uint64, bool) {
	var runStart, runLen uint64
	haveRun := false
	for page := start; page < m.totalPages; page++ {
		if m.isUsedLocked(page) {
			haveRun = false
			runLen = 0
			continue
		}
		if !haveRun {
			runStart = page
			haveRun = true
		}
		runLen++
		if runLen == n {
			return runStart, true
		}
	}
	return 0, false
}

func (m *Manager) pageAddr(page uint64) uintptr { return m.base + uintptr(page)*uintptr(mem.PageSize) }

func (m *Manager) pageIndex(v uintptr) uint64 { return uint64(v-m.base) / uint64(mem.PageSize) }

// AllocVirtualPages reserves n contiguous virtual pages in the kernel
// window, allocates one backing physical frame per page, installs mappings
// with flags, and returns the base virtual address (spec §4.5
// "alloc_virtual_pages").
func (m *Manager) AllocVirtualPages(n uint64, flags vmm.PTEFlags) (uintptr, *kerrors.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start, err := m.findRunLocked(n)
	if err != nil {
		return 0, err
	}

	frames := make([]pmm.PFN, 0, n)
	for i := uint64(0); i < n; i++ {
		pfn, ferr := m.allocPFN()
		if ferr != nil {
			m.rollback(start, i, frames)
			return 0, ferr
		}
		v := m.pageAddr(start + i)
		if merr := vmm.MapPage(m.root, v, pfn, flags, m.allocPFN); merr != nil {
			m.freePFN(pfn)
			m.rollback(start, i, frames)
			return 0, merr
		}
		frames = append(frames, pfn)
	}

	for i := uint64(0); i < n; i++ {
		m.markUsedLocked(start + i)
	}
	m.hint = start + n

	base := m.pageAddr(start)
	m.regions[base] = &region{pages: n, backed: true, frames: frames}
	return base, nil
}

func (m *Manager) rollback(start, count uint64, frames []pmm.PFN) {
	for i := uint64(0); i < count; i++ {
		vmm.UnmapPage(m.root, m.pageAddr(start+i))
	}
	for _, f := range frames {
		m.freePFN(f)
	}
}

// MapContiguousPhysicalPages reserves a virtual range of n pages and maps it
// to the given physical base, without allocating physical frames (spec
// §4.5 "map_contiguous_physical_pages", used for device MMIO).
func (m *Manager) MapContiguousPhysicalPages(p pmm.PFN, n uint64, flags vmm.PTEFlags) (uintptr, *kerrors.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start, err := m.findRunLocked(n)
	if err != nil {
		return 0, err
	}

	for i := uint64(0); i < n; i++ {
		v := m.pageAddr(start + i)
		pfn := pmm.PFN(uint64(p) + i)
		if merr := vmm.MapPage(m.root, v, pfn, flags, m.allocPFN); merr != nil {
			for j := uint64(0); j < i; j++ {
				vmm.UnmapPage(m.root, m.pageAddr(start+j))
			}
			return 0, merr
		}
	}

	for i := uint64(0); i < n; i++ {
		m.markUsedLocked(start + i)
	}
	m.hint = start + n

	base := m.pageAddr(start)
	m.regions[base] = &region{pages: n, backed: false}
	return base, nil
}

// UnmapVirtualPages unmaps v's n pages and returns the range to the free
// pool. If the range's physical backing was allocated by
// AllocVirtualPages, those frames are freed; if it came from
// MapContiguousPhysicalPages, they are left alone (spec §4.5
// "unmap_virtual_pages").
func (m *Manager) UnmapVirtualPages(v uintptr, n uint64) *kerrors.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.regions[v]
	if !ok || r.pages != n {
		return errNotFound
	}

	start := m.pageIndex(v)
	for i := uint64(0); i < n; i++ {
		page := m.pageAddr(start + i)
		vmm.UnmapPage(m.root, page)
		vmm.FlushTLBPage(page)
		m.markFreeLocked(start + i)
	}
	if start < m.hint {
		m.hint = start
	}

	if r.backed {
		for _, f := range r.frames {
			m.freePFN(f)
		}
	}
	delete(m.regions, v)
	return nil
}
