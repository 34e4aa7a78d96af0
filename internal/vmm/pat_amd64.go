package vmm

import "sync"

// PAT entry encodings (spec §9 "Design Notes" supplemented feature: named
// PAT constants rather than bare magic numbers in the MSR image).
const (
	patWriteBack       = 0x06
	patWriteThrough    = 0x04
	patUncachedMinus   = 0x07
	patUncacheable     = 0x00
	patWriteCombining  = 0x01 // PA4 slot only; encoded value 0x01 with PAT bit set selects WC
	patWriteProtected  = 0x05

	iA32PAT = 0x277
)

// patImage builds the 8-entry PAT MSR image. PA0 and PA1 keep their
// power-on values (WB, WT); PA2 and PA3 are UC and UC-, the reverse of the
// power-on UC-/UC pair. PA4 is repurposed as write-combining for MMIO
// framebuffer mappings and PA2 is pinned uncacheable for device-register
// windows, matching the pair spec
// §4.3 calls out by name. PA5-PA7 are left at their architectural reset
// values — spec §9 Open Question 3 decides against repurposing them since
// nothing in this repository's scope needs a third cacheability class.
func patImage() uint64 {
	pa := [8]uint64{
		0: patWriteBack,
		1: patWriteThrough,
		2: patUncacheable,
		3: patUncachedMinus,
		4: patWriteCombining,
		5: patWriteThrough,
		6: patUncachedMinus,
		7: patUncacheable,
	}
	var image uint64
	for i, v := range pa {
		image |= v << (uint(i) * 8)
	}
	return image
}

const (
	cr0CacheDisable = 1 << 30
	cr4PGE          = 1 << 7
)

// Hardware primitives with no Go body, implemented in asm_amd64.s. Named
// with an hw prefix and routed through the package-level function-variable
// seam below (the same pattern internal/cpu.SetMSRHooks uses), so
// ReprogramPAT's ordering can be exercised without ever issuing a real
// CLI/WRMSR/WBINVD on the test-running host.
func hwDisableInterrupts() uint64
func hwRestoreInterrupts(flags uint64)
func hwReadCR0() uint64
func hwWriteCR0(v uint64)
func hwReadCR4() uint64
func hwWriteCR4(v uint64)
func hwWBINVD()
func hwWrmsrPAT(msr uint32, value uint64)

var (
	patMu sync.Mutex

	disableInterruptsFn = hwDisableInterrupts
	restoreInterruptsFn = hwRestoreInterrupts
	readCR0Fn           = hwReadCR0
	writeCR0Fn          = hwWriteCR0
	readCR4Fn           = hwReadCR4
	writeCR4Fn          = hwWriteCR4
	wbinvdFn            = hwWBINVD
	wrmsrPATFn          = hwWrmsrPAT
)

// SetPATHooks overrides the primitives ReprogramPAT drives, returning a
// restore func. Tests use this to observe the exact call order without
// touching real control registers or MSRs.
func SetPATHooks(disableInt func() uint64, restoreInt func(uint64), readCR0_ func() uint64, writeCR0_ func(uint64), readCR4_ func() uint64, writeCR4_ func(uint64), wbinvd_ func(), wrmsrPAT func(uint32, uint64)) (restore func()) {
	patMu.Lock()
	prevDisableInt, prevRestoreInt := disableInterruptsFn, restoreInterruptsFn
	prevReadCR0, prevWriteCR0 := readCR0Fn, writeCR0Fn
	prevReadCR4, prevWriteCR4 := readCR4Fn, writeCR4Fn
	prevWBINVD, prevWrmsrPAT := wbinvdFn, wrmsrPATFn

	disableInterruptsFn, restoreInterruptsFn = disableInt, restoreInt
	readCR0Fn, writeCR0Fn = readCR0_, writeCR0_
	readCR4Fn, writeCR4Fn = readCR4_, writeCR4_
	wbinvdFn, wrmsrPATFn = wbinvd_, wrmsrPAT
	patMu.Unlock()

	return func() {
		patMu.Lock()
		disableInterruptsFn, restoreInterruptsFn = prevDisableInt, prevRestoreInt
		readCR0Fn, writeCR0Fn = prevReadCR0, prevWriteCR0
		readCR4Fn, writeCR4Fn = prevReadCR4, prevWriteCR4
		wbinvdFn, wrmsrPATFn = prevWBINVD, prevWrmsrPAT
		patMu.Unlock()
	}
}

// ReprogramPAT installs the kernel's PAT image following the exact ordered
// protocol spec §4.3 mandates: interrupts off, CR0.CD set before the first
// WBINVD, CR4.PGE cleared to flush global entries, the MSR write, a second
// WBINVD, then CR0 restored, then CR4.PGE re-enabled, then interrupts
// restored last. Reordering this sequence is a correctness bug: restoring
// CR4.PGE before CR0 would re-enable global TLB entries while the cache is
// still in an intermediate state from the PAT update.
func ReprogramPAT() {
	flags := disableInterruptsFn()
	defer restoreInterruptsFn(flags)

	cr0 := readCR0Fn()
	writeCR0Fn(cr0 | cr0CacheDisable)
	wbinvdFn()

	cr4 := readCR4Fn()
	writeCR4Fn(cr4 &^ cr4PGE)

	wrmsrPATFn(iA32PAT, patImage())
	wbinvdFn()

	writeCR0Fn(cr0)
	writeCR4Fn(cr4)
}
