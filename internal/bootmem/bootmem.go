// Package bootmem provides a read-only, normalized view over the physical
// memory region descriptors supplied by firmware at boot (spec §4.1, C1).
// Two concrete firmware shapes (EFI and legacy/multiboot) are represented as
// a tagged sum behind a single Source interface, following the "deep
// inheritance" guidance in spec §9 and the MemoryMapEntry/VisitMemRegions
// style of gopher-os-gopher-os's kernel/hal/multiboot package.
package bootmem

import (
	"sort"

	"corvus/internal/kerrors"
)

// Kind classifies a memory region as reported by firmware.
type Kind uint8

const (
	Conventional Kind = iota
	Reserved
	ACPIReclaim
	MMIO
	LoaderCode
	LoaderData
	Unknown
)

// Entry describes one physical memory region.
type Entry struct {
	Base   uint64
	Length uint64
	Kind   Kind
}

func (e Entry) end() uint64 { return e.Base + e.Length }

// Source is the tagged-sum abstraction over the two firmware shapes this
// kernel accepts at boot. EFISource and LegacySource below are its only
// implementations; no further dynamic dispatch is needed beyond the
// one-shot construction spec §9 calls for.
type Source interface {
	// RawEntries returns the firmware's descriptor list, unsorted and
	// possibly overlapping.
	RawEntries() []Entry
}

// EFISource wraps a UEFI GetMemoryMap() descriptor array.
type EFISource struct {
	Descriptors []Entry
}

// RawEntries implements Source.
func (s EFISource) RawEntries() []Entry { return s.Descriptors }

// LegacySource wraps a multiboot-style legacy memory map.
type LegacySource struct {
	Descriptors []Entry
}

// RawEntries implements Source.
func (s LegacySource) RawEntries() []Entry { return s.Descriptors }

// Map is the normalized, read-only boot memory map used by the rest of the
// kernel (principally internal/pmm). Construction sorts entries by base
// address; implementers must not assume the firmware supplied entries in any
// particular order (spec §4.1).
type Map struct {
	entries []Entry
}

// New builds a Map from a firmware Source, normalizing (sorting) its entries.
// It does not attempt to merge or split overlapping regions: spec §4.1 only
// requires that we not assume sortedness or non-overlap, not that we repair
// firmware-reported overlaps.
func New(src Source) *Map {
	raw := src.RawEntries()
	entries := make([]Entry, len(raw))
	copy(entries, raw)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Base < entries[j].Base })
	return &Map{entries: entries}
}

// Entries returns the normalized entry list.
func (m *Map) Entries() []Entry {
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// TotalMemory returns the sum of Length over all entries.
func (m *Map) TotalMemory() uint64 {
	var total uint64
	for _, e := range m.entries {
		total += e.Length
	}
	return total
}

// TotalConventional returns the sum of Length over Conventional entries.
func (m *Map) TotalConventional() uint64 {
	var total uint64
	for _, e := range m.entries {
		if e.Kind == Conventional {
			total += e.Length
		}
	}
	return total
}

// HighestAddress returns max(base+length) over all entries.
func (m *Map) HighestAddress() uint64 {
	var high uint64
	for _, e := range m.entries {
		if end := e.end(); end > high {
			high = end
		}
	}
	return high
}

var errEmptyRange = kerrors.New("bootmem", kerrors.NotFound, "empty_range")

// LargestConventional returns the largest Conventional entry.
func (m *Map) LargestConventional() (Entry, *kerrors.Error) {
	var best Entry
	found := false
	for _, e := range m.entries {
		if e.Kind == Conventional && (!found || e.Length > best.Length) {
			best, found = e, true
		}
	}
	if !found {
		return Entry{}, errEmptyRange
	}
	return best, nil
}

// FindSegment returns the first Conventional entry whose intersection with
// [minAddr, maxAddr) is at least size bytes, per spec §4.1. The returned
// Entry is clipped to the intersection.
func (m *Map) FindSegment(minAddr, maxAddr, size uint64) (Entry, *kerrors.Error) {
	for _, e := range m.entries {
		if e.Kind != Conventional {
			continue
		}
		lo := e.Base
		if lo < minAddr {
			lo = minAddr
		}
		hi := e.end()
		if hi > maxAddr {
			hi = maxAddr
		}
		if hi <= lo {
			continue
		}
		if hi-lo >= size {
			return Entry{Base: lo, Length: hi - lo, Kind: Conventional}, nil
		}
	}
	return Entry{}, errEmptyRange
}
