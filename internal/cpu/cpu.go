// Package cpu implements per-CPU bring-up (spec §4.7, C7): GDT/TSS
// construction and load, the syscall MSR triple, and the AP startup
// protocol's fixed physical addresses and timing. internal/irq owns the
// IDT and exception/IRQ dispatch; internal/cpu owns everything that is
// truly per-core state.
//
// Grounded on gopher-os-gopher-os/kernel/cpu/cpu_amd64.go's no-body
// assembly-linked primitive style (EnableInterrupts/DisableInterrupts/
// Halt/ReadCR2) and Oichkatzelesfrettschen-biscuit's per-CPU selector
// convention (kernel CS/DS, TSS, user CS/DS packed into one GDT per core).
package cpu

import "sync"

// Segment selectors (spec §4.7 "GDT setup"). These values are load-bearing
// for the syscall MSR setup and interrupt gate construction elsewhere —
// IA32_STAR packs KernelCS/UserCS directly.
const (
	SelectorNull     = 0x00
	SelectorKernelCS = 0x08
	SelectorKernelDS = 0x10
	SelectorTSS      = 0x18 // occupies two GDT slots (64-bit TSS descriptor)
	SelectorUserDS   = 0x28
	SelectorUserCS   = 0x30

	gdtEntries = 8 // null, kcode, kdata, tss-low, tss-high, udata, ucode, unused
)

// MaxCPUs bounds the per-CPU table; spec §4.7 indexes it by APIC ID.
const MaxCPUs = 256

// gdtEntry is one packed 8-byte GDT descriptor.
//
//layoutcheck:size=8
type gdtEntry uint64

func gdtCode(dpl uint8, long bool) gdtEntry {
	return packGDT(0x9A, dpl, long)
}

func gdtData(dpl uint8) gdtEntry {
	return packGDT(0x92, dpl, false)
}

// packGDT builds a flat (base=0, limit=0xfffff) descriptor with the given
// access byte and DPL. Present, 4 KiB granularity, long-mode flag when
// long is set — spec §4.7 only needs flat 64-bit segments.
func packGDT(access byte, dpl uint8, long bool) gdtEntry {
	a := uint64(access) | uint64(dpl&0x3)<<5
	flags := uint64(0xC) // granularity + default-operand-size
	if long {
		flags = 0xA // long mode, clear default-operand-size
	}
	e := uint64(0xFFFF)        // limit low
	e |= 0 << 16                // base low
	e |= a << 40
	e |= flags << 52
	e |= uint64(0xF) << 48 // limit high nibble
	return gdtEntry(e)
}

// TaskStateSegment is the 64-bit TSS (spec §4.7 "TSS (with rsp0 set to a
// freshly allocated 2-page kernel stack)"). Only rsp0 and the IO bitmap
// offset are meaningful here; ist/rsp1-2 are zeroed (unused in v1).
//
//layoutcheck:size=104
type TaskStateSegment struct {
	_    uint32
	RSP0 uint64
	RSP1 uint64
	RSP2 uint64
	_    uint64
	IST  [7]uint64
	_    uint64
	_    uint16
	IOMapBase uint16
}

// PerCPU holds one core's GDT, TSS and descriptor-register image (spec
// §4.7 "Per-CPU data. A table indexed by APIC ID").
type PerCPU struct {
	APICID uint32
	GDT    [gdtEntries]gdtEntry
	TSS    TaskStateSegment
}

var (
	tableMu sync.Mutex
	table   [MaxCPUs]*PerCPU
)

// Table returns the PerCPU record for apicID, allocating it on first use.
func Table(apicID uint32) *PerCPU {
	tableMu.Lock()
	defer tableMu.Unlock()
	if table[apicID] == nil {
		table[apicID] = &PerCPU{APICID: apicID}
	}
	return table[apicID]
}

// tssDescriptor packs a 64-bit TSS descriptor into the two GDT slots at
// SelectorTSS (spec §4.7 "TSS-low, TSS-high").
func tssDescriptor(base uintptr, limit uint32) (gdtEntry, gdtEntry) {
	b := uint64(base)
	l := uint64(limit)
	low := l&0xFFFF | (b&0xFFFFFF)<<16 | 0x89<<40 | ((l>>16)&0xF)<<48 | (b>>24&0xFF)<<56
	high := (b >> 32) & 0xFFFFFFFF
	return gdtEntry(low), gdtEntry(high)
}

// populateGDT fills pc's GDT/TSS slots without touching any privileged
// register, so the table layout can be unit-tested independently of
// loadGDT/reloadSegments/loadTaskRegister (spec §4.7's selector layout).
func populateGDT(pc *PerCPU, rsp0 uintptr) {
	pc.TSS = TaskStateSegment{RSP0: uint64(rsp0), IOMapBase: uint16(unsafeSizeofTSS())}

	pc.GDT[0] = 0
	pc.GDT[1] = gdtCode(0, true)
	pc.GDT[2] = gdtData(0)
	low, high := tssDescriptor(tssAddr(pc), uint32(unsafeSizeofTSS())-1)
	pc.GDT[3] = low
	pc.GDT[4] = high
	pc.GDT[5] = gdtData(3)       // SelectorUserDS (0x28)
	pc.GDT[6] = gdtCode(3, true) // SelectorUserCS (0x30)
	pc.GDT[7] = 0
}

// SetupGDT builds and loads the per-CPU GDT/TSS, then reloads segment
// registers and the task register (spec §4.7 "Each CPU constructs and
// loads its own GDT via lgdt; reloads segment registers; then ltr").
func SetupGDT(apicID uint32, rsp0 uintptr) *PerCPU {
	pc := Table(apicID)
	populateGDT(pc, rsp0)

	loadGDT(gdtPointer(pc))
	reloadSegments(SelectorKernelCS, SelectorKernelDS)
	loadTaskRegister(SelectorTSS)
	return pc
}

func unsafeSizeofTSS() uintptr { return 104 }

// gdtrImage is the 10-byte pseudo-descriptor lgdt expects: 2-byte limit, 8-byte base.
// The base is held as four little-endian 16-bit words so the struct has no
// padding and is exactly 10 bytes.
type gdtrImage struct {
	limit uint16
	base  [4]uint16
}

func gdtPointer(pc *PerCPU) gdtrImage {
	b := uint64(ptrAddr(&pc.GDT[0]))
	return gdtrImage{limit: uint16(len(pc.GDT)*8 - 1), base: [4]uint16{uint16(b), uint16(b >> 16), uint16(b >> 32), uint16(b >> 48)}}
}

func tssAddr(pc *PerCPU) uintptr { return ptrAddr(&pc.TSS) }
