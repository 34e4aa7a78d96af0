package cpu

import "unsafe"

func ptrAddr[T any](p *T) uintptr { return uintptr(unsafe.Pointer(p)) }

// EnableInterrupts enables interrupt handling (spec §4.7).
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution until the next interrupt.
func Halt()

// loadGDT executes LGDT with the given pseudo-descriptor.
func loadGDT(gdtr gdtrImage)

// reloadSegments loads DS/ES/SS/FS/GS with dataSelector (spec §4.7
// "reloads segment registers"). It does not reload CS: codeSelector is
// accepted but unused, so CS keeps the selector it held before the call.
func reloadSegments(codeSelector, dataSelector uint16)

// loadTaskRegister executes LTR with the given selector.
func loadTaskRegister(selector uint16)

// hwWrmsr/hwRdmsr execute the raw WRMSR/RDMSR instructions. Callers never
// reach these directly; wrmsrFn/rdmsrFn below is the overridable seam
// (see SetMSRHooks) so code that touches MSRs stays testable off
// privileged hardware.
func hwWrmsr(msr uint32, value uint64)
func hwRdmsr(msr uint32) uint64

// hwReadMMIO32/hwWriteMMIO32 access a memory-mapped device register
// directly. LAPIC register access goes through the SetLAPICWindow seam
// instead of calling these from test code.
func hwReadMMIO32(addr uintptr) uint32
func hwWriteMMIO32(addr uintptr, value uint32)

// hwSleepMillis busy-waits roughly ms milliseconds using the TSC.
// Production boot code may replace the overridable sleepMillis (see
// SetSleepFunc) with a calibrated delay once CalibrateLAPICTimer has run
// once.
func hwSleepMillis(ms uint32)

// wrmsrFn/rdmsrFn are the seam every MSR-touching function in this
// package calls through, so that tests never execute a privileged
// instruction on the host CPU (spec-grounded hardware access stays
// behind a hook, matching internal/vmm's SetFrameTableHook pattern).
var (
	wrmsrFn = hwWrmsr
	rdmsrFn = hwRdmsr
)

// SetMSRHooks overrides the MSR read/write primitives used throughout
// this package, for testing SetupSyscallMSRs/SetGSBase/InitLAPIC without
// real hardware.
func SetMSRHooks(wr func(msr uint32, value uint64), rd func(msr uint32) uint64) (restore func()) {
	prevWr, prevRd := wrmsrFn, rdmsrFn
	wrmsrFn, rdmsrFn = wr, rd
	return func() {
		wrmsrFn, rdmsrFn = prevWr, prevRd
	}
}
