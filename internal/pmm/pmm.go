// Package pmm implements the page-frame bitmap allocator (spec §4.2, C2): it
// owns every physical 4 KiB frame and tracks free/used state in a single
// contiguous bitmap, driven by the boot memory map (internal/bootmem).
//
// Grounded on gopher-os-gopher-os/kernel/mem/pmm/allocator's word-at-a-time
// bitmap scan (here frame i is bit i%64, least significant first, of word
// i/64, and FreeCount is a full scan rather than a maintained counter) and
// Oichkatzelesfrettschen-biscuit/biscuit/src/mem/mem.go's Pa_t/mutex-guarded
// free-list naming conventions, generalized to the simple free/used bitmap
// (no refcounting) spec §3 describes.
package pmm

import (
	"math/bits"
	"sync"

	"corvus/internal/bootmem"
	"corvus/internal/kerrors"
	"corvus/internal/mem"
)

// PFN is a physical page frame number: a physical address shifted right
// PageShift (spec §3).
type PFN uint64

// Address returns the physical address of this frame.
func (f PFN) Address() uintptr { return uintptr(f) << mem.PageShift }

// PFNFromAddress returns the PFN containing the given physical address.
func PFNFromAddress(addr uintptr) PFN { return PFN(addr >> mem.PageShift) }

// FrameAllocFn allocates a single physical frame; used by internal/vmm to
// obtain frames for intermediate page-table levels without importing pmm's
// concrete Allocator type.
type FrameAllocFn func() (PFN, *kerrors.Error)

// AP trampoline reservations (spec §4.2 step 5, §6).
const (
	apTrampolineBase = 0x6000
	apTrampolinePages = 20

	apExtra1 = 0x8000
	apExtra2 = 0x9000
	apExtra3 = 0x11000
	apExtra4 = 0x15000
	apRangeLo = 0x18000
	apRangeHi = 0x70000
)

var (
	errOOM = kerrors.New("pmm", kerrors.OutOfMemory, "out_of_memory")
)

// Allocator is the global physical frame allocator. All operations are
// serialized by a single mutex (spec §4.2 "Concurrency"): fine-grained
// locking is a non-goal for v1.
type Allocator struct {
	mu sync.Mutex

	bitmap       []uint64 // bit i set ⇔ frame i in use
	totalFrames  uint64
	nextFreeHint uint64

	// bitmapBase/bitmapFrames record the physical placement chosen for
	// the bitmap itself (spec §4.2 step 2), for diagnostics and so the
	// bitmap's own frames can be re-locked in step 5. The bitmap's
	// contents live in the Go slice above rather than at this address.
	bitmapBase   uint64
	bitmapFrames uint64
}

// New constructs an uninitialized Allocator. Call Init before use.
func New() *Allocator { return &Allocator{} }

// Init initializes the allocator from a boot memory map, per spec §4.2
// steps 1–6.
func (a *Allocator) Init(bm *bootmem.Map, kernelPhysBase, kernelImageSize uintptr) *kerrors.Error {
	a.mu.Lock()
	defer a.mu.Unlock()

	totalMemory := bm.TotalMemory()
	a.totalFrames = (totalMemory + uint64(mem.PageSize) - 1) / uint64(mem.PageSize)
	bitmapBytes := (a.totalFrames + 7) / 8
	bitmapWords := (bitmapBytes + 7) / 8
	a.bitmap = make([]uint64, bitmapWords)

	kernelEnd := uint64(kernelPhysBase) + uint64(kernelImageSize)
	a.bitmapFrames = (bitmapBytes + uint64(mem.PageSize) - 1) / uint64(mem.PageSize)

	base, err := chooseBitmapLocation(bm, uint64(kernelPhysBase), kernelEnd, bitmapBytes)
	if err != nil {
		return err
	}
	a.bitmapBase = base

	// Step 3: every frame initially used (bitmap already zero-valued
	// would mean "free"; start from all-ones so a missed conventional
	// region defaults to reserved/used).
	for i := range a.bitmap {
		a.bitmap[i] = ^uint64(0)
	}

	// Step 4: mark every frame in a conventional entry free.
	for _, e := range bm.Entries() {
		if e.Kind != bootmem.Conventional {
			continue
		}
		startFrame := (e.Base + uint64(mem.PageSize) - 1) / uint64(mem.PageSize)
		endFrame := (e.Base + e.Length) / uint64(mem.PageSize)
		for f := startFrame; f < endFrame && f < a.totalFrames; f++ {
			a.markFreeLocked(f)
		}
	}

	// Step 5: re-lock the bitmap's own frames, the kernel image, the AP
	// trampoline reservation, and the fixed AP-startup addresses.
	a.lockRangeLocked(a.bitmapBase, a.bitmapFrames)
	a.lockRangeLocked(uint64(kernelPhysBase), (kernelEnd-uint64(kernelPhysBase)+uint64(mem.PageSize)-1)/uint64(mem.PageSize))
	a.lockRangeLocked(apTrampolineBase, apTrampolinePages)
	a.lockAddrLocked(apExtra1)
	a.lockAddrLocked(apExtra2)
	a.lockAddrLocked(apExtra3)
	a.lockAddrLocked(apExtra4)
	a.lockRangeLocked(apRangeLo, (apRangeHi-apRangeLo)/uint64(mem.PageSize))

	// Step 6.
	a.nextFreeHint = a.lowestFreeLocked()
	return nil
}

func chooseBitmapLocation(bm *bootmem.Map, kernelBase, kernelEnd, bitmapBytes uint64) (uint64, *kerrors.Error) {
	// Primary policy: fits entirely in one conventional segment, at or
	// above the kernel image (and, trivially, phys_to_virt of anything
	// lands in the kernel-half window, since that offset is fixed).
	for _, e := range bm.Entries() {
		if e.Kind != bootmem.Conventional {
			continue
		}
		lo := e.Base
		if lo < kernelEnd {
			lo = kernelEnd
		}
		if lo < kernelBase {
			lo = kernelBase
		}
		if e.Base+e.Length-lo >= bitmapBytes && lo >= kernelEnd {
			return lo, nil
		}
	}
	// Fallback: scan all conventional segments regardless of the
	// above-kernel-image constraint.
	for _, e := range bm.Entries() {
		if e.Kind == bootmem.Conventional && e.Length >= bitmapBytes {
			return e.Base, nil
		}
	}
	return 0, kerrors.New("pmm", kerrors.OutOfMemory, "no segment fits the frame bitmap")
}

func (a *Allocator) bitOf(pfn uint64) (word uint64, mask uint64) {
	return pfn / 64, 1 << (pfn % 64)
}

func (a *Allocator) isUsedLocked(pfn uint64) bool {
	if pfn >= a.totalFrames {
		return true
	}
	w, m := a.bitOf(pfn)
	return a.bitmap[w]&m != 0
}

func (a *Allocator) markUsedLocked(pfn uint64) {
	w, m := a.bitOf(pfn)
	a.bitmap[w] |= m
}

func (a *Allocator) markFreeLocked(pfn uint64) {
	w, m := a.bitOf(pfn)
	a.bitmap[w] &^= m
}

func (a *Allocator) lockRangeLocked(base uint64, frames uint64) {
	start := base / uint64(mem.PageSize)
	for f := start; f < start+frames && f < a.totalFrames; f++ {
		a.markUsedLocked(f)
	}
}

func (a *Allocator) lockAddrLocked(addr uint64) {
	a.lockRangeLocked(addr, 1)
}

func (a *Allocator) lowestFreeLocked() uint64 {
	for w, word := range a.bitmap {
		if word == ^uint64(0) {
			continue
		}
		bit := bits.TrailingZeros64(^word)
		pfn := uint64(w)*64 + uint64(bit)
		if pfn < a.totalFrames {
			return pfn
		}
	}
	return a.totalFrames
}

// AllocPage finds the first free frame at or after nextFreeHint, marks it
// used, and advances the hint. This is the hot path (spec §4.2) and is
// O(1) amortized after warm-up by skipping fully-allocated 64-frame words.
func (a *Allocator) AllocPage() (PFN, *kerrors.Error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := a.nextFreeHint
	startWord := start / 64
	for w := startWord; w < uint64(len(a.bitmap)); w++ {
		word := a.bitmap[w]
		if w == startWord {
			// Mask off bits before `start` within the first word.
			word |= (uint64(1) << (start % 64)) - 1
		}
		if word == ^uint64(0) {
			continue
		}
		bit := bits.TrailingZeros64(^word)
		pfn := w*64 + uint64(bit)
		if pfn >= a.totalFrames {
			break
		}
		a.markUsedLocked(pfn)
		a.nextFreeHint = pfn + 1
		return PFN(pfn), nil
	}
	return 0, errOOM
}

// AllocPages finds the first run of n contiguous free frames, marks them
// used, and returns the first PFN. Any free single frames skipped while
// searching for the run are reflected back into nextFreeHint so that they
// remain reachable by future AllocPage calls (spec §4.2: "Hint advancement
// must reconsider any frames skipped during the contiguous search").
func (a *Allocator) AllocPages(n uint64) (PFN, *kerrors.Error) {
	return a.allocAligned(n, 1)
}

// AllocPagesAligned is like AllocPages but the returned PFN's address must
// be a multiple of align, which must be a power of two >= PageSize.
func (a *Allocator) AllocPagesAligned(n uint64, align uintptr) (PFN, *kerrors.Error) {
	if align < uintptr(mem.PageSize) || align&(align-1) != 0 {
		return 0, kerrors.New("pmm", kerrors.InvalidArgument, "align must be a power of two >= PAGE_SIZE")
	}
	alignFrames := uint64(align) / uint64(mem.PageSize)
	return a.allocAligned(n, alignFrames)
}

// AllocLargePage is AllocPagesAligned(512, 2 MiB) (spec §4.2).
func (a *Allocator) AllocLargePage() (PFN, *kerrors.Error) {
	return a.AllocPagesAligned(mem.PagesPerLarge, uintptr(mem.LargePageSize))
}

func (a *Allocator) allocAligned(n, alignFrames uint64) (PFN, *kerrors.Error) {
	if n == 0 {
		return 0, kerrors.New("pmm", kerrors.InvalidArgument, "n must be > 0")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	firstFreeSeen := a.totalFrames // sentinel: none seen
	var runStart, runLen uint64
	for pfn := uint64(0); pfn < a.totalFrames; pfn++ {
		if a.isUsedLocked(pfn) {
			runLen = 0
			continue
		}
		if firstFreeSeen == a.totalFrames {
			firstFreeSeen = pfn
		}
		if runLen == 0 {
			if pfn%alignFrames != 0 {
				continue
			}
			runStart = pfn
		}
		runLen++
		if runLen == n {
			for f := runStart; f < runStart+n; f++ {
				a.markUsedLocked(f)
			}
			if firstFreeSeen < runStart {
				a.nextFreeHint = firstFreeSeen
			} else {
				a.nextFreeHint = runStart + n
			}
			return PFN(runStart), nil
		}
	}
	return 0, errOOM
}

// FreePage marks pfn free. Freeing an already-free frame is a no-op.
func (a *Allocator) FreePage(pfn PFN) {
	a.FreePages(pfn, 1)
}

// FreePages marks the n frames starting at pfn free (idempotent).
func (a *Allocator) FreePages(pfn PFN, n uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for f := uint64(pfn); f < uint64(pfn)+n; f++ {
		a.markFreeLocked(f)
	}
	if uint64(pfn) < a.nextFreeHint {
		a.nextFreeHint = uint64(pfn)
	}
}

// LockPage marks pfn used without allocation-path bookkeeping, for
// reserving known regions (idempotent).
func (a *Allocator) LockPage(pfn PFN) {
	a.LockPages(pfn, 1)
}

// LockPages marks the n frames starting at pfn used (idempotent).
func (a *Allocator) LockPages(pfn PFN, n uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for f := uint64(pfn); f < uint64(pfn)+n; f++ {
		a.markUsedLocked(f)
	}
}

// IsUsed reports whether pfn is currently marked used.
func (a *Allocator) IsUsed(pfn PFN) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isUsedLocked(uint64(pfn))
}

// IsFree reports whether pfn is currently marked free.
func (a *Allocator) IsFree(pfn PFN) bool {
	return !a.IsUsed(pfn)
}

// TotalFrames returns the number of frames tracked by this allocator.
func (a *Allocator) TotalFrames() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalFrames
}

// FreeCount returns the number of currently-free frames. Intended for
// diagnostics; it is a full bitmap scan, not a hot-path operation.
func (a *Allocator) FreeCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var free uint64
	for pfn := uint64(0); pfn < a.totalFrames; pfn++ {
		if !a.isUsedLocked(pfn) {
			free++
		}
	}
	return free
}
