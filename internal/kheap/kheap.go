// Package kheap implements the single process-wide kernel heap: a
// doubly-linked free-list allocator over a reserved virtual range (spec
// §4.4, C4). Grounded on gopher-os-gopher-os/kernel/mem/vmm for the
// unsafe-pointer segment-header idiom and
// Oichkatzelesfrettschen-biscuit/biscuit/src/mem/mem.go for the
// single-mutex, first-fit-with-split allocator shape.
package kheap

import (
	"sync"
	"unsafe"

	"corvus/internal/kerrors"
)

// segMagic is the 7-byte magic stamped at the start of every segment header
// (spec §4.4 "7-byte magic \"HEAPHDR\"").
var segMagic = [7]byte{'H', 'E', 'A', 'P', 'H', 'D', 'R'}

const (
	flagFree = 1 << 0
)

// header is the 32-byte, 16-byte-aligned on-disk segment header (spec §4.4
// "Segment header"). Field order matches the byte layout the magic check
// and DetectCorruption walk depend on.
//
//layoutcheck:size=32
type header struct {
	magic [7]byte
	flags uint8
	size  uint64
	next  uint64 // 0 means nil; offsets are absolute virtual addresses
	prev  uint64
}

const headerSize = uintptr(unsafe.Sizeof(header{}))

// minPayload is the smallest payload a segment may hold on its own (spec
// §4.4 "minimum viable segment (header + 16-byte payload)").
const minPayload = 16

// minSegmentSize is the smallest a segment may be and still stand alone.
const minSegmentSize = headerSize + minPayload

func init() {
	if headerSize != 32 {
		panic("kheap: segment header must be 32 bytes")
	}
}

func headerAt(addr uintptr) *header {
	return (*header)(unsafe.Pointer(addr))
}

func (h *header) payload() uintptr {
	return uintptr(unsafe.Pointer(h)) + headerSize
}

func payloadHeader(p uintptr) *header {
	return headerAt(p - headerSize)
}

func (h *header) isFree() bool { return h.flags&flagFree != 0 }
func (h *header) setFree(v bool) {
	if v {
		h.flags |= flagFree
	} else {
		h.flags &^= flagFree
	}
}

func (h *header) nextHeader() *header {
	if h.next == 0 {
		return nil
	}
	return headerAt(uintptr(h.next))
}

func (h *header) prevHeader() *header {
	if h.prev == 0 {
		return nil
	}
	return headerAt(uintptr(h.prev))
}

func (h *header) addr() uintptr { return uintptr(unsafe.Pointer(h)) }

func (h *header) userSize() uintptr { return uintptr(h.size) - headerSize }

var (
	errCorrupt  = kerrors.New("kheap", kerrors.CorruptionDetected, "bad segment magic")
	errNoSpace  = kerrors.New("kheap", kerrors.OutOfMemory, "no fitting free segment")
	errBadPtr   = kerrors.New("kheap", kerrors.InvalidArgument, "pointer is not a live allocation")
)

// Heap is a single contiguous free-list allocator (spec §4.4
// "Concurrency. One mutex for the entire heap").
type Heap struct {
	mu   sync.Mutex
	base uintptr
	size uintptr

	// tags maps a live allocation's payload address to the caller-supplied
	// description passed to AllocateTagged. This is purely a diagnostics
	// side channel for cmd/heapdump; it is not part of the on-heap layout
	// spec §4.4 fixes, because that layout has no room for it (SPEC_FULL
	// §4 "Allocation call-site tagging").
	tags map[uintptr]string
}

// New reserves the heap over [base, base+sizeBytes) and writes the
// single root free segment spanning it (spec §4.4 "Initialization"). The
// caller is responsible for having already mapped the backing pages.
func New(base uintptr, sizeBytes uintptr) *Heap {
	h := &Heap{base: base, size: sizeBytes, tags: make(map[uintptr]string)}
	root := headerAt(base)
	*root = header{magic: segMagic, size: uint64(sizeBytes)}
	root.setFree(true)
	return h
}

func (h *Heap) checkMagic(seg *header) *kerrors.Error {
	if seg.magic != segMagic {
		return errCorrupt
	}
	return nil
}

// findFit returns the first free segment able to hold n bytes of payload
// (spec §4.4 "allocate(n)... first-fit").
func (h *Heap) findFit(n uintptr) *header {
	need := n + headerSize
	for seg := headerAt(h.base); seg != nil; seg = seg.nextHeader() {
		if seg.isFree() && uintptr(seg.size) >= need {
			return seg
		}
	}
	return nil
}

// splitIfPossible carves a free remainder segment off the tail of seg if
// what's left after serving n bytes can hold a minimum viable segment (spec
// §4.4 "Split it if the remainder can hold a minimum viable segment").
func (h *Heap) splitIfPossible(seg *header, n uintptr) {
	served := n + headerSize
	remainder := uintptr(seg.size) - served
	if remainder < minSegmentSize {
		return
	}

	tail := headerAt(seg.addr() + served)
	*tail = header{magic: segMagic, size: uint64(remainder)}
	tail.setFree(true)

	next := seg.nextHeader()
	tail.next = seg.next
	tail.prev = uint64(seg.addr())
	if next != nil {
		next.prev = uint64(tail.addr())
	}

	seg.size = uint64(served)
	seg.next = uint64(tail.addr())
}

// Allocate finds the first free segment able to hold n bytes, splits it if
// the remainder is worth keeping, marks it used and returns the payload
// pointer (spec §4.4 "allocate(n)").
func (h *Heap) Allocate(n uintptr) (uintptr, *kerrors.Error) {
	return h.allocate(n, "")
}

// AllocateTagged is Allocate plus a caller-site description recorded for
// cmd/heapdump (SPEC_FULL §4 supplemented feature).
func (h *Heap) AllocateTagged(n uintptr, tag string) (uintptr, *kerrors.Error) {
	return h.allocate(n, tag)
}

func (h *Heap) allocate(n uintptr, tag string) (uintptr, *kerrors.Error) {
	if n == 0 {
		n = minPayload
	}
	n = roundUp16(n)

	h.mu.Lock()
	defer h.mu.Unlock()

	seg := h.findFit(n)
	if seg == nil {
		return 0, errNoSpace
	}
	h.splitIfPossible(seg, n)
	seg.setFree(false)

	p := seg.payload()
	if tag != "" {
		h.tags[p] = tag
	}
	return p, nil
}

// Free locates the header preceding p, verifies its magic, marks it free,
// coalesces with a free neighbor on either side, and zeroes the payload
// (spec §4.4 "free(p)").
func (h *Heap) Free(p uintptr) *kerrors.Error {
	h.mu.Lock()
	defer h.mu.Unlock()

	seg := payloadHeader(p)
	if err := h.checkMagic(seg); err != nil {
		return err
	}
	if seg.isFree() {
		return errBadPtr
	}

	zero(p, seg.userSize())
	seg.setFree(true)
	delete(h.tags, p)

	if next := seg.nextHeader(); next != nil && next.isFree() {
		h.mergeWithNext(seg)
	}
	if prev := seg.prevHeader(); prev != nil && prev.isFree() {
		h.mergeWithNext(prev)
	}
	return nil
}

// mergeWithNext absorbs seg.next into seg (spec §4.4 "No two adjacent free
// segments exist after any public operation returns").
func (h *Heap) mergeWithNext(seg *header) {
	next := seg.nextHeader()
	seg.size += next.size
	seg.next = next.next
	if after := seg.nextHeader(); after != nil {
		after.prev = uint64(seg.addr())
	}
}

// Reallocate grows or shrinks the allocation at p to hold n bytes (spec
// §4.4 "reallocate(p, n)").
func (h *Heap) Reallocate(p uintptr, n uintptr) (uintptr, *kerrors.Error) {
	h.mu.Lock()
	seg := payloadHeader(p)
	if err := h.checkMagic(seg); err != nil {
		h.mu.Unlock()
		return 0, err
	}
	if uintptr(seg.size)-headerSize >= n {
		h.splitIfPossible(seg, roundUp16(n))
		if tail := seg.nextHeader(); tail != nil && tail.isFree() {
			if after := tail.nextHeader(); after != nil && after.isFree() {
				h.mergeWithNext(tail)
			}
		}
		h.mu.Unlock()
		return p, nil
	}
	oldSize := seg.userSize()
	h.mu.Unlock()

	np, err := h.Allocate(n)
	if err != nil {
		return 0, err
	}
	copyBytes(np, p, oldSize)
	if err := h.Free(p); err != nil {
		return 0, err
	}
	return np, nil
}

// DetectCorruption walks every segment from the base and returns the index
// of the first one that fails a structural invariant (spec §4.4
// "Diagnostics"). ok is false if corruption was found.
func (h *Heap) DetectCorruption() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := 0
	for seg := headerAt(h.base); seg != nil; seg, idx = seg.nextHeader(), idx+1 {
		if seg.magic != segMagic {
			return idx, false
		}
		if uintptr(seg.size) < minSegmentSize {
			return idx, false
		}
		if next := seg.nextHeader(); next != nil {
			if next.addr() != seg.addr()+uintptr(seg.size) {
				return idx, false
			}
			if next.prev != uint64(seg.addr()) {
				return idx, false
			}
		}
		if prev := seg.prevHeader(); prev != nil && prev.next != uint64(seg.addr()) {
			return idx, false
		}
	}
	return -1, true
}

// Segment describes one free-list node for diagnostics (cmd/heapdump).
type Segment struct {
	Addr uintptr
	Size uintptr
	Free bool
	Tag  string
}

// Dump returns a snapshot of every segment in address order, for
// cmd/heapdump's pprof conversion (SPEC_FULL §3.2).
func (h *Heap) Dump() []Segment {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []Segment
	for seg := headerAt(h.base); seg != nil; seg = seg.nextHeader() {
		out = append(out, Segment{
			Addr: seg.addr(),
			Size: uintptr(seg.size),
			Free: seg.isFree(),
			Tag:  h.tags[seg.payload()],
		})
	}
	return out
}

func roundUp16(n uintptr) uintptr {
	return (n + 15) &^ 15
}

func zero(addr uintptr, n uintptr) {
	b := (*[1 << 30]byte)(unsafe.Pointer(addr))[:n:n]
	for i := range b {
		b[i] = 0
	}
}

func copyBytes(dst, src uintptr, n uintptr) {
	d := (*[1 << 30]byte)(unsafe.Pointer(dst))[:n:n]
	s := (*[1 << 30]byte)(unsafe.Pointer(src))[:n:n]
	copy(d, s)
}
