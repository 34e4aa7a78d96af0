// Command kernel is the entry point invoked by the bootloader's trampoline
// once it hands off to Go-managed memory (spec §6 "Kernel boot contract").
// It wires C1 through C7 in boot order: boot memory map, frame allocator,
// kernel heap, per-CPU bring-up, then the BSP's idle task record.
//
// Grounded on gopher-os-gopher-os/kernel/kmain/kmain.go's Kmain
// (multibootInfoPtr, kernelStart, kernelEnd uintptr) sequential Init()
// calls with a panic on any failure, and boot.go/stub.go's trampoline
// main() pattern.
package main

import (
	"corvus/internal/bootmem"
	"corvus/internal/cpu"
	"corvus/internal/diag"
	"corvus/internal/irq"
	"corvus/internal/kfmt"
	"corvus/internal/kheap"
	"corvus/internal/mem"
	"corvus/internal/pmm"
	"corvus/internal/sched"
	"corvus/internal/vmm"
	"corvus/internal/vspace"
)

// BootInfo carries everything the bootloader contract (spec §6) hands off:
// a normalized memory map source, the kernel's own physical extent, and
// the BSP's APIC ID.
type BootInfo struct {
	MemSource       bootmem.Source
	KernelPhysBase  uintptr
	KernelImageSize uintptr
	BSPAPICID       uint32
	SecondaryAPICs  []cpu.APICID
}

// Kmain runs boot sequencing. Like gopher-os's Kmain, it is not expected
// to return: after the last stage records the BSP's idle task it calls
// diag.Panic ("Kmain returned"). It runs no idle loop of its own.
//
//go:noinline
func Kmain(info BootInfo) {
	kfmt.AddSink(kfmt.COM1)

	bm := bootmem.New(info.MemSource)

	frames := pmm.New()
	if err := frames.Init(bm, info.KernelPhysBase, info.KernelImageSize); err != nil {
		diag.Panic("kmain", err.Error(), nil)
		return
	}

	rootPFN, err := frames.AllocPage()
	if err != nil {
		diag.Panic("kmain", err.Error(), nil)
		return
	}
	root := &vmm.PageTable{Root: rootPFN}

	allocPFN := frames.AllocPage
	freePFN := frames.FreePage

	const heapBytes = 384 * mem.MB

	kwin := vspace.New(root, allocPFN, freePFN)
	heapBase, err := kwin.AllocVirtualPages(heapBytes.Pages(), vmm.DefaultKernelFlags(false))
	if err != nil {
		diag.Panic("kmain", err.Error(), nil)
		return
	}
	kheap.New(heapBase, uintptr(heapBytes))

	irq.InitIDT()

	// Early per-CPU setup reprograms the PAT before anything relies on the
	// kernel's write-combining/uncacheable mappings (spec §4.3).
	vmm.ReprogramPAT()

	cpu.SetupGDT(info.BSPAPICID, allocBootStack(frames))
	cpu.SetupSyscallMSRs(0) // real entry point wired once the syscall stub exists

	cpu.EnableInterrupts()

	// cpu.SetBringupHooks must be called with the platform's real
	// PhysWriter/IPISender before this point in a real boot image; it is
	// not wired here since this repository does not implement the
	// low-memory trampoline blob itself.
	if len(info.SecondaryAPICs) > 0 {
		cpus := append([]cpu.APICID{cpu.APICID(info.BSPAPICID)}, info.SecondaryAPICs...)
		if err := cpu.InitializeAPCores(cpus); err != nil {
			diag.Panic("kmain", err.Error(), nil)
			return
		}
	}

	sched.NewIdleTask(info.BSPAPICID)

	diag.Panic("kmain", "Kmain returned", nil)
}

func allocBootStack(frames *pmm.Allocator) uintptr {
	pfn, err := frames.AllocPages(2)
	if err != nil {
		diag.Panic("kmain", err.Error(), nil)
		return 0
	}
	return mem.PhysToVirt(pfn.Address()) + uintptr(2*mem.PageSize)
}
