package cpu

import (
	"sync"

	"corvus/internal/kerrors"
	"corvus/internal/sched"
)

// APICID identifies one logical CPU core by its local APIC ID.
type APICID uint32

// Fixed physical addresses of the AP trampoline protocol (spec §6 "AP
// startup physical layout"). These are physical addresses copied into
// low memory that the pmm package has already reserved (spec §4.2 step 5).
const (
	TrampolineBase   = 0x6000
	TrampolinePages  = 20
	TrampolineEntry  = 0x8000  // 16-bit entry code
	TrampolineCEntry = 0x9000  // C-entry pointer
	APRunningCounter = 0x11000 // 8 bytes
	BSPAPICIDAddr    = 0x11008 // 8 bytes
	BSPSpinlockAddr  = 0x11010 // 1 byte
	RootPageTableCopy = 0x15000 // 1 page
	APStackBase      = 0x18000
	APStackTop       = 0x70000

	initIPIVector    = 0x500
	startupIPIShift  = 12
	startupIPIBase   = 0x600
)

// PhysWriter abstracts writes into the identity-mapped low-memory region
// used by the trampoline protocol, so tests can intercept every byte
// written without real physical memory.
type PhysWriter interface {
	WriteUint64(addr uintptr, v uint64)
	WriteByte(addr uintptr, v byte)
	WriteBytes(addr uintptr, b []byte)
}

// IPISender abstracts inter-processor interrupt delivery (spec §4.7 "send
// INIT IPI ... send STARTUP IPI").
type IPISender interface {
	SendINIT(target APICID)
	SendStartup(target APICID, trampoline uintptr)
}

// RunQueueRegistrar abstracts scheduler run-queue registration, performed
// once per secondary CPU before its IPIs are sent (spec §4.7 step 3
// "register a run queue with the scheduler").
type RunQueueRegistrar interface {
	RegisterRunQueue(id APICID)
}

// SchedRegistrar is the production RunQueueRegistrar, backed by
// internal/sched's run queue table.
type SchedRegistrar struct{}

func (SchedRegistrar) RegisterRunQueue(id APICID) { sched.RegisterRunQueue(uint32(id)) }

// bringup is the production-vs-test seam for the whole AP startup
// sequence. Production code installs real MMIO-backed implementations at
// boot; tests install fakes to exercise Scenario D (AP-running counter
// reaches N-1) without real hardware or concurrency.
type bringup struct {
	writer    PhysWriter
	sender    IPISender
	registrar RunQueueRegistrar
	sleep     func(ms uint32)

	mu      sync.Mutex
	counter uint64
}

var (
	bringupMu sync.Mutex
	current   *bringup
)

// SetBringupHooks installs the writer/sender/registrar/sleep
// implementations used by InitializeAPCores. Production boot code calls
// this once with real hardware-backed implementations; tests install
// fakes.
func SetBringupHooks(writer PhysWriter, sender IPISender, registrar RunQueueRegistrar, sleep func(ms uint32)) (restore func()) {
	bringupMu.Lock()
	prev := current
	current = &bringup{writer: writer, sender: sender, registrar: registrar, sleep: sleep}
	bringupMu.Unlock()
	return func() {
		bringupMu.Lock()
		current = prev
		bringupMu.Unlock()
	}
}

// InitializeAPCores runs the BSP-controlled AP bring-up protocol (spec
// §4.7 "AP startup") for every secondary CPU in cpus (cpus[0] is assumed
// to be the BSP and is skipped; secondaries start at index 1).
//
// This models steps 1-5 of the protocol at the granularity the injected
// PhysWriter/IPISender/RunQueueRegistrar seam allows: the AP-running
// counter and the BSP's APIC ID are written to their scratch addresses (the
// trampoline code, the C-entry pointer and the root page table are not
// copied by this routine), run queues are registered, INIT/STARTUP
// IPI pairs are sent with the documented 20ms spacing, and the routine
// returns once the bounded final sleep has elapsed. The real AP-side
// counter increment (§4.7 "Each AP, on reaching C: ... ") happens in
// assembly/C code not modeled here; SimulateAPArrival lets a test drive
// the counter the way a real AP reaching its idle loop would.
func InitializeAPCores(cpus []APICID) *kerrors.Error {
	bringupMu.Lock()
	b := current
	bringupMu.Unlock()
	if b == nil {
		return kerrors.New("cpu", kerrors.InvalidArgument, "no bringup hooks installed")
	}
	if len(cpus) == 0 {
		return kerrors.New("cpu", kerrors.InvalidArgument, "no CPUs to bring up")
	}

	bsp := cpus[0]

	// Step 1: trampoline pages are locked by pmm at init; here the counter
	// is zeroed and the BSP's APIC ID recorded. No entry code, C-entry
	// pointer or root page table is copied.
	b.writer.WriteUint64(APRunningCounter, 0)
	b.writer.WriteUint64(BSPAPICIDAddr, uint64(bsp))

	// Step 2: acquire the BSP spinlock.
	b.writer.WriteByte(BSPSpinlockAddr, 1)

	// Step 3: for each secondary CPU, register a run queue, then send the
	// INIT/STARTUP IPI pair with 20ms spacing.
	for _, id := range cpus[1:] {
		b.registrar.RegisterRunQueue(id)
		b.sender.SendINIT(id)
		b.sleep(20)
		b.sender.SendStartup(id, TrampolineEntry)
		b.sleep(20)
	}

	// Step 4: release the spinlock.
	b.writer.WriteByte(BSPSpinlockAddr, 0)

	// Step 5: bounded sleep for APs to reach their idle loop.
	b.sleep(2000)

	return nil
}

// SimulateAPArrival increments the shared AP-running counter the way a
// real AP does on reaching its idle loop, and mirrors it into the
// installed PhysWriter so Scenario D's assertion ("the AP-running
// counter at 0x11000 equals N-1") can be checked against the same memory
// a real implementation would use.
func SimulateAPArrival() {
	bringupMu.Lock()
	b := current
	bringupMu.Unlock()
	if b == nil {
		return
	}
	b.mu.Lock()
	b.counter++
	v := b.counter
	b.mu.Unlock()
	b.writer.WriteUint64(APRunningCounter, v)
}
