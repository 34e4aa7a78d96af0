package cpu

// Syscall-related MSRs (spec §4.7 "Syscall setup").
const (
	msrEFER  = 0xC0000080
	msrSTAR  = 0xC0000081
	msrLSTAR = 0xC0000082
	msrFMASK = 0xC0000084
	msrGSBase = 0xC0000101

	eferSCE = 1 << 0

	rflagsIF = 1 << 9
)

// SetupSyscallMSRs programs the per-CPU SYSCALL/SYSRET MSR triple and
// enables EFER.SCE (spec §4.7: "Per-CPU: program IA32_STAR with kernel and
// user code selectors, IA32_LSTAR with the syscall entry point, IA32_FMASK
// with IF masked at entry, and set IA32_EFER.SCE = 1").
func SetupSyscallMSRs(entryPoint uintptr) {
	star := uint64(SelectorKernelCS)<<32 | uint64(SelectorUserCS-16)<<48
	wrmsrFn(msrSTAR, star)
	wrmsrFn(msrLSTAR, uint64(entryPoint))
	wrmsrFn(msrFMASK, rflagsIF)
	wrmsrFn(msrEFER, rdmsrFn(msrEFER)|eferSCE)
}

// SetGSBase programs IA32_GS_BASE with the per-CPU data pointer, modeling
// the GS-relative PerCPU access pattern real SMP kernels use (SPEC_FULL §7
// "per-CPU GS_BASE modeling").
func SetGSBase(ptr uintptr) {
	wrmsrFn(msrGSBase, uint64(ptr))
}
