package vmm

// SetCurrentPageTable writes root's physical address to CR3, switching the
// active address space and implicitly flushing all non-global TLB entries
// (spec §4.3 "set_current_page_table").
func SetCurrentPageTable(root *PageTable) {
	writeCR3(uint64(root.Root.Address()))
}

// FlushTLBPage invalidates the single TLB entry covering v (spec §4.3
// "flush_tlb_page", INVLPG).
func FlushTLBPage(v uintptr) {
	invlpg(uint64(v))
}

// FlushTLBAll reloads CR3, flushing every non-global TLB entry (spec §4.3
// "flush_tlb_all").
func FlushTLBAll() {
	reloadCR3()
}

// ReadCR2 returns the faulting address recorded by the last page fault
// (spec §4.7).
func ReadCR2() uintptr {
	return uintptr(readCR2())
}

// Low-level primitives with no Go body; implemented in asm_amd64.s,
// grounded on gopher-os-gopher-os/kernel/mem/vmm/tlb.go's no-body
// declaration convention (also used by internal/kfmt's outb/inb).
func writeCR3(phys uint64)
func reloadCR3()
func invlpg(v uint64)
func readCR2() uint64
