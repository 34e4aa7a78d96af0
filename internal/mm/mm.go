// Package mm implements the per-process VMA list and mm_context (spec
// §4.6, C6): mmap/munmap/brk over a disjoint, address-ordered list of
// virtual memory areas, composing internal/pmm (frames) and internal/vmm
// (page tables).
//
// Grounded on Oichkatzelesfrettschen-biscuit/biscuit/src/vm/as.go's
// Vm_t/Vmregion_t (per-address-space mutex guarding region list + page
// tables together, Lookup-by-address idiom) and
// biscuit/src/vm/userbuf.go, generalized away from biscuit's refcounted
// copy-on-write anonymous/file pages (out of scope per spec — no COW, no
// file-backed mmap) to the disjoint-ordered-VMA-list-with-eager-merge model
// spec §4.6 requires. Region flags use golang.org/x/sys/unix's PROT_*/MAP_*
// constants (SPEC_FULL §3.1) so this component and internal/syscall agree
// on the wire values without redefining them.
package mm

import (
	"sync"

	"golang.org/x/sys/unix"

	"corvus/internal/kerrors"
	"corvus/internal/mem"
	"corvus/internal/pmm"
	"corvus/internal/vmm"
)

// Prot is a PROT_READ|PROT_WRITE|PROT_EXEC bitmask (spec §4.6 "prot within
// {R, W, X}").
type Prot uint32

const (
	ProtRead  Prot = unix.PROT_READ
	ProtWrite Prot = unix.PROT_WRITE
	ProtExec  Prot = unix.PROT_EXEC
)

// Flags is a MAP_SHARED|MAP_PRIVATE|MAP_FIXED|MAP_ANONYMOUS bitmask (spec
// §4.6 "flags within {SHARED, PRIVATE, FIXED, ANONYMOUS}").
type Flags uint32

const (
	FlagShared    Flags = unix.MAP_SHARED
	FlagPrivate   Flags = unix.MAP_PRIVATE
	FlagFixed     Flags = unix.MAP_FIXED
	FlagAnonymous Flags = unix.MAP_ANONYMOUS
)

// VMA is one virtual memory area (spec §3 "vma"). The list is kept in
// strictly increasing, disjoint address order.
type VMA struct {
	start, end uintptr
	prot       Prot
	flags      Flags

	prev, next *VMA
}

func (v *VMA) Start() uintptr { return v.start }
func (v *VMA) End() uintptr   { return v.end }
func (v *VMA) Prot() Prot     { return v.prot }
func (v *VMA) Len() uintptr   { return v.end - v.start }

// mergeable reports whether a and b may be coalesced into one VMA: same
// protection and flags, and contiguous (spec §4.6 "attempts to merge with
// neighbors when prot/type/file state permit" — file state is always
// absent here since v1 has no file-backed mappings).
func mergeable(a, b *VMA) bool {
	return a.prot == b.prot && a.flags == b.flags && a.end == b.start
}

var (
	errNoSpace    = kerrors.New("mm", kerrors.OutOfMemory, "no_space")
	errInvalid    = kerrors.New("mm", kerrors.InvalidArgument, "invalid_argument")
	errUnsupported = kerrors.New("mm", kerrors.Unsupported, "file-backed mappings are not supported")
	errNotFound   = kerrors.New("mm", kerrors.NotFound, "no_vma")
)

// Context is a process's address space: the VMA list plus the page-table
// root and heap bounds it governs (spec §4.6 "mm_context").
type Context struct {
	mu sync.Mutex

	head *VMA // address-ordered, doubly linked; head.prev == nil

	heapStart, heapEnd uintptr

	root     *vmm.PageTable
	allocPFN pmm.FrameAllocFn
	freePFN  func(pmm.PFN)
}

// New creates an mm_context over root with a fixed heap start (spec §4.6
// "Initial heap_start == heap_end at a fixed address chosen by the
// loader").
func New(root *vmm.PageTable, heapStart uintptr, allocPFN pmm.FrameAllocFn, freePFN func(pmm.PFN)) *Context {
	return &Context{
		heapStart: heapStart,
		heapEnd:   heapStart,
		root:      root,
		allocPFN:  allocPFN,
		freePFN:   freePFN,
	}
}

// HeapEnd returns the current brk value.
func (c *Context) HeapEnd() uintptr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heapEnd
}

// FindVMA returns the unique VMA containing addr, or nil (spec §4.6
// "find_vma").
func (c *Context) FindVMA(addr uintptr) *VMA {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.findVMALocked(addr)
}

func (c *Context) findVMALocked(addr uintptr) *VMA {
	for v := c.head; v != nil; v = v.next {
		if addr >= v.start && addr < v.end {
			return v
		}
		if v.start > addr {
			break
		}
	}
	return nil
}

// FindFreeRange walks the VMA list in address order and returns the first
// gap of at least length bytes respecting align, preferring hint when it
// lands in a free gap, else the lowest legal address above heap_end (spec
// §4.6 "find_free_vma_range").
func (c *Context) FindFreeRange(length uintptr, align uintptr, hint uintptr) (uintptr, *kerrors.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.findFreeRangeLocked(length, align, hint)
}

func roundUpAlign(v, align uintptr) uintptr {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

func (c *Context) findFreeRangeLocked(length uintptr, align uintptr, hint uintptr) (uintptr, *kerrors.Error) {
	lo := mem.USERSPACE_START
	if c.heapEnd > lo {
		lo = c.heapEnd
	}

	if hint != 0 {
		cand := roundUpAlign(hint, align)
		if c.fitsLocked(cand, length) {
			return cand, nil
		}
	}

	cand := roundUpAlign(lo, align)
	for v := c.head; v != nil; v = v.next {
		if cand+length <= v.start {
			return cand, nil
		}
		if v.end > cand {
			cand = roundUpAlign(v.end, align)
		}
	}
	if cand+length <= mem.USERSPACE_END {
		return cand, nil
	}
	return 0, errNoSpace
}

// fitsLocked reports whether [addr, addr+length) lies in user space and
// overlaps no existing VMA.
func (c *Context) fitsLocked(addr, length uintptr) bool {
	if addr < mem.USERSPACE_START || addr+length > mem.USERSPACE_END || addr+length < addr {
		return false
	}
	for v := c.head; v != nil; v = v.next {
		if addr < v.end && v.start < addr+length {
			return false
		}
	}
	return true
}

// insertLocked inserts vma into the address-ordered list, maintaining
// disjointness (the caller guarantees no overlap).
func (c *Context) insertLocked(vma *VMA) {
	if c.head == nil || vma.start < c.head.start {
		vma.next = c.head
		if c.head != nil {
			c.head.prev = vma
		}
		c.head = vma
		return
	}
	cur := c.head
	for cur.next != nil && cur.next.start < vma.start {
		cur = cur.next
	}
	vma.next = cur.next
	vma.prev = cur
	if cur.next != nil {
		cur.next.prev = vma
	}
	cur.next = vma
}

// CreateVMA inserts a new VMA covering [start, start+length) and attempts
// to merge it with its neighbors (spec §4.6 "create_vma").
func (c *Context) CreateVMA(start, length uintptr, prot Prot, flags Flags) *VMA {
	c.mu.Lock()
	defer c.mu.Unlock()
	vma := &VMA{start: start, end: start + length, prot: prot, flags: flags}
	c.insertLocked(vma)
	c.mergeVMAsLocked(vma)
	return vma
}

// SplitVMA splits v at addr, producing a new VMA for [addr, v.end) and
// truncating v to [v.start, addr). Returns the new right half, or nil if
// addr is at either boundary (spec §4.6 "split_vma").
func (c *Context) SplitVMA(v *VMA, addr uintptr) *VMA {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.splitVMALocked(v, addr)
}

func (c *Context) splitVMALocked(v *VMA, addr uintptr) *VMA {
	if addr <= v.start || addr >= v.end {
		return nil
	}
	right := &VMA{start: addr, end: v.end, prot: v.prot, flags: v.flags}
	v.end = addr

	right.prev = v
	right.next = v.next
	if v.next != nil {
		v.next.prev = right
	}
	v.next = right
	return right
}

// MergeVMAs attempts to merge v with v.prev and v.next when permitted
// (spec §4.6 "merge_vmas").
func (c *Context) MergeVMAs(v *VMA) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mergeVMAsLocked(v)
}

func (c *Context) mergeVMAsLocked(v *VMA) {
	if v.next != nil && mergeable(v, v.next) {
		absorbed := v.next
		v.end = absorbed.end
		v.next = absorbed.next
		if absorbed.next != nil {
			absorbed.next.prev = v
		}
	}
	if v.prev != nil && mergeable(v.prev, v) {
		v.prev.end = v.end
		v.prev.next = v.next
		if v.next != nil {
			v.next.prev = v.prev
		}
	}
}

// RemoveVMA detaches v from the list and frees the VMA record. It does not
// unmap pages; the caller is responsible (spec §4.6 "remove_vma").
func (c *Context) RemoveVMA(v *VMA) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeVMALocked(v)
}

func (c *Context) removeVMALocked(v *VMA) {
	if v.prev != nil {
		v.prev.next = v.next
	} else {
		c.head = v.next
	}
	if v.next != nil {
		v.next.prev = v.prev
	}
	v.prev, v.next = nil, nil
}
