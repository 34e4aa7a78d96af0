package cpu

import "testing"

type fakeLAPIC struct {
	regs map[uint32]uint32
}

func newFakeLAPIC() *fakeLAPIC { return &fakeLAPIC{regs: make(map[uint32]uint32)} }

func (f *fakeLAPIC) Read(reg uint32) uint32         { return f.regs[reg] }
func (f *fakeLAPIC) Write(reg uint32, value uint32) { f.regs[reg] = value }

func TestInitLAPICProgramsSpuriousVector(t *testing.T) {
	fake := newFakeLAPIC()
	restore := SetLAPICWindow(fake)
	defer restore()
	var apicBase uint64
	restoreMSR := SetMSRHooks(
		func(msr uint32, v uint64) { apicBase = v },
		func(msr uint32) uint64 { return apicBase },
	)
	defer restoreMSR()

	InitLAPIC()

	got := fake.Read(RegSpurious)
	want := uint32(spuriousVectorDefault | apicSoftwareEnable)
	if got != want {
		t.Fatalf("RegSpurious = %#x, want %#x", got, want)
	}
}

func TestCalibrateLAPICTimerReturnsElapsedTicks(t *testing.T) {
	fake := newFakeLAPIC()
	restore := SetLAPICWindow(fake)
	defer restore()

	var slept uint32
	restoreSleep := SetSleepFunc(func(ms uint32) {
		slept = ms
		// Simulate the timer having counted down by a fixed amount.
		fake.regs[RegTimerCurrent] = fake.regs[RegTimerInit] - 1000
	})
	defer restoreSleep()

	ticks := CalibrateLAPICTimer(100)
	if slept != 100 {
		t.Fatalf("slept = %d, want 100", slept)
	}
	if ticks != 1000 {
		t.Fatalf("ticks = %d, want 1000", ticks)
	}
}

func TestCalibrateLAPICTimerStopsCounter(t *testing.T) {
	fake := newFakeLAPIC()
	restore := SetLAPICWindow(fake)
	defer restore()
	restoreSleep := SetSleepFunc(func(uint32) {})
	defer restoreSleep()

	CalibrateLAPICTimer(10)
	if fake.Read(RegTimerInit) != 0 {
		t.Fatalf("timer not stopped after calibration")
	}
}

func TestArmPeriodicTimerSetsModeBit(t *testing.T) {
	fake := newFakeLAPIC()
	restore := SetLAPICWindow(fake)
	defer restore()

	ArmPeriodicTimer(0x20, 50000)

	if fake.Read(RegLVTTimer)&timerModePeriodic == 0 {
		t.Fatal("periodic mode bit not set")
	}
	if fake.Read(RegTimerInit) != 50000 {
		t.Fatalf("RegTimerInit = %d, want 50000", fake.Read(RegTimerInit))
	}
}

func TestSendEOIWritesZero(t *testing.T) {
	fake := newFakeLAPIC()
	fake.regs[RegEOI] = 0xff
	restore := SetLAPICWindow(fake)
	defer restore()

	SendEOI()
	if fake.Read(RegEOI) != 0 {
		t.Fatalf("RegEOI = %#x, want 0", fake.Read(RegEOI))
	}
}

func TestLAPICOpsAreNoopsWithoutWindow(t *testing.T) {
	restore := SetLAPICWindow(nil)
	defer restore()

	InitLAPIC()
	if got := CalibrateLAPICTimer(10); got != 0 {
		t.Fatalf("CalibrateLAPICTimer = %d, want 0 with no window", got)
	}
	ArmPeriodicTimer(0x20, 100)
	SendEOI()
}
