// Package vmm implements the 4-level x86_64 page-table engine (spec §4.3,
// C3): address derivation, phys⇄virt translation for kernel pointers,
// map/unmap/query, TLB flush policy, and PAT reprogramming.
//
// Grounded on gopher-os-gopher-os/kernel/mem/vmm's typed PTE-flag bitfield
// style (pte_test.go, map.go) combined with
// Oichkatzelesfrettschen-biscuit/biscuit/src/mem/mem.go's direct phys-map
// convention (Dmap/Pa_t), which is the one spec §4.3 pins explicitly
// ("phys_to_virt(p) = p + offset ... page-table walkers rely on it").
package vmm

import (
	"corvus/internal/pmm"
)

// PTEFlags is the typed PTE flag bitfield (spec §4.3).
type PTEFlags uint64

const (
	FlagPresent PTEFlags = 1 << 0
	FlagRW      PTEFlags = 1 << 1
	FlagUS      PTEFlags = 1 << 2
	FlagPWT     PTEFlags = 1 << 3
	FlagPCD     PTEFlags = 1 << 4
	FlagAccessed PTEFlags = 1 << 5
	FlagDirty   PTEFlags = 1 << 6
	// flagPS (bit 7) marks a large-page leaf. It is set internally by
	// MapLargePage, not part of the public flag vocabulary a
	// caller passes to MapPage (spec §4.3 lists PTE_PRESENT..PTE_NX as
	// the caller-facing flags; PS is a leaf-level structural bit).
	flagPS    PTEFlags = 1 << 7
	FlagPAT   PTEFlags = 1 << 7 // only meaningful on 4KiB leaves; aliases bit 7
	FlagGlobal PTEFlags = 1 << 8
	FlagNX     PTEFlags = 1 << 63
)

const pteAddrMask = uint64(0x000FFFFFFFFFF000)

// pageTableEntry is a single 64-bit PTE record (spec §3).
type pageTableEntry uint64

func (p pageTableEntry) present() bool { return uint64(p)&uint64(FlagPresent) != 0 }

func (p pageTableEntry) frame() pmm.PFN {
	return pmm.PFNFromAddress(uintptr(uint64(p) & pteAddrMask))
}

func (p *pageTableEntry) setFrame(f pmm.PFN) {
	*p = pageTableEntry((uint64(*p) &^ pteAddrMask) | (uint64(f.Address()) & pteAddrMask))
}

func (p pageTableEntry) flags() PTEFlags {
	return PTEFlags(uint64(p) &^ pteAddrMask)
}

func (p *pageTableEntry) setFlags(f PTEFlags) {
	*p = pageTableEntry((uint64(*p) &^ ^pteAddrMask) | uint64(f))
}

func (p pageTableEntry) hasFlags(f PTEFlags) bool {
	return uint64(p)&uint64(f) == uint64(f)
}

// DefaultKernelFlags returns PRESENT|RW|GLOBAL, NX unless executable (spec
// §4.3 "Default kernel pages").
func DefaultKernelFlags(executable bool) PTEFlags {
	f := FlagPresent | FlagRW | FlagGlobal
	if !executable {
		f |= FlagNX
	}
	return f
}

// DefaultUserFlags returns PRESENT|US, RW iff writable, NX unless
// executable (spec §4.3 "Default user pages").
func DefaultUserFlags(writable, executable bool) PTEFlags {
	f := FlagPresent | FlagUS
	if writable {
		f |= FlagRW
	}
	if !executable {
		f |= FlagNX
	}
	return f
}
