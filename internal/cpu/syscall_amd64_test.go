package cpu

import "testing"

func TestSetupSyscallMSRsProgramsTriple(t *testing.T) {
	written := map[uint32]uint64{}
	restore := SetMSRHooks(
		func(msr uint32, v uint64) { written[msr] = v },
		func(msr uint32) uint64 { return written[msr] },
	)
	defer restore()

	SetupSyscallMSRs(0xffffffff80001000)

	wantStar := uint64(SelectorKernelCS)<<32 | uint64(SelectorUserCS-16)<<48
	if written[msrSTAR] != wantStar {
		t.Fatalf("STAR = %#x, want %#x", written[msrSTAR], wantStar)
	}
	if written[msrLSTAR] != 0xffffffff80001000 {
		t.Fatalf("LSTAR = %#x", written[msrLSTAR])
	}
	if written[msrFMASK] != rflagsIF {
		t.Fatalf("FMASK = %#x, want %#x", written[msrFMASK], uint64(rflagsIF))
	}
	if written[msrEFER]&eferSCE == 0 {
		t.Fatalf("EFER.SCE not set: %#x", written[msrEFER])
	}
}

func TestSetupSyscallMSRsPreservesExistingEFERBits(t *testing.T) {
	efer := map[uint32]uint64{msrEFER: 1 << 8}
	restore := SetMSRHooks(
		func(msr uint32, v uint64) { efer[msr] = v },
		func(msr uint32) uint64 { return efer[msr] },
	)
	defer restore()

	SetupSyscallMSRs(0)

	if efer[msrEFER]&(1<<8) == 0 {
		t.Fatal("pre-existing EFER bit clobbered")
	}
	if efer[msrEFER]&eferSCE == 0 {
		t.Fatal("EFER.SCE not set")
	}
}

func TestSetGSBaseWritesMSR(t *testing.T) {
	written := map[uint32]uint64{}
	restore := SetMSRHooks(
		func(msr uint32, v uint64) { written[msr] = v },
		func(msr uint32) uint64 { return written[msr] },
	)
	defer restore()

	SetGSBase(0x1234)
	if written[msrGSBase] != 0x1234 {
		t.Fatalf("GS_BASE = %#x, want 0x1234", written[msrGSBase])
	}
}
