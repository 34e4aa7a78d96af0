package cpu

import (
	"sync"
	"testing"
)

type fakePhysWriter struct {
	mu     sync.Mutex
	uint64s map[uintptr]uint64
	bytes   map[uintptr]byte
}

func newFakePhysWriter() *fakePhysWriter {
	return &fakePhysWriter{uint64s: map[uintptr]uint64{}, bytes: map[uintptr]byte{}}
}

func (w *fakePhysWriter) WriteUint64(addr uintptr, v uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.uint64s[addr] = v
}
func (w *fakePhysWriter) WriteByte(addr uintptr, v byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.bytes[addr] = v
}
func (w *fakePhysWriter) WriteBytes(addr uintptr, b []byte) {}

type fakeIPISender struct {
	mu        sync.Mutex
	initSent  []APICID
	startSent []APICID
}

func (s *fakeIPISender) SendINIT(target APICID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initSent = append(s.initSent, target)
}
func (s *fakeIPISender) SendStartup(target APICID, trampoline uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startSent = append(s.startSent, target)
}

type fakeRegistrar struct {
	mu        sync.Mutex
	registered []APICID
}

func (r *fakeRegistrar) RegisterRunQueue(id APICID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered = append(r.registered, id)
}

func TestInitializeAPCoresSendsIPIPairPerSecondary(t *testing.T) {
	writer := newFakePhysWriter()
	sender := &fakeIPISender{}
	registrar := &fakeRegistrar{}
	var slept []uint32
	restore := SetBringupHooks(writer, sender, registrar, func(ms uint32) { slept = append(slept, ms) })
	defer restore()

	cpus := []APICID{0, 1, 2, 3}
	if err := InitializeAPCores(cpus); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(sender.initSent) != 3 || len(sender.startSent) != 3 {
		t.Fatalf("init=%d start=%d, want 3 each", len(sender.initSent), len(sender.startSent))
	}
	for i, id := range []APICID{1, 2, 3} {
		if sender.initSent[i] != id || sender.startSent[i] != id {
			t.Fatalf("secondary %d: init=%v start=%v", id, sender.initSent[i], sender.startSent[i])
		}
	}
	if len(registrar.registered) != 3 {
		t.Fatalf("registered %d run queues, want 3", len(registrar.registered))
	}
}

func TestInitializeAPCoresWritesScratchAddresses(t *testing.T) {
	writer := newFakePhysWriter()
	sender := &fakeIPISender{}
	registrar := &fakeRegistrar{}
	restore := SetBringupHooks(writer, sender, registrar, func(uint32) {})
	defer restore()

	if err := InitializeAPCores([]APICID{5, 6}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if writer.uint64s[BSPAPICIDAddr] != 5 {
		t.Fatalf("BSP APIC ID recorded = %d, want 5", writer.uint64s[BSPAPICIDAddr])
	}
	if writer.uint64s[APRunningCounter] != 0 {
		t.Fatalf("AP running counter = %d, want 0 at start", writer.uint64s[APRunningCounter])
	}
	if writer.bytes[BSPSpinlockAddr] != 0 {
		t.Fatalf("spinlock left held: %d", writer.bytes[BSPSpinlockAddr])
	}
}

func TestInitializeAPCoresRejectsEmptyList(t *testing.T) {
	writer := newFakePhysWriter()
	sender := &fakeIPISender{}
	registrar := &fakeRegistrar{}
	restore := SetBringupHooks(writer, sender, registrar, func(uint32) {})
	defer restore()

	if err := InitializeAPCores(nil); err == nil {
		t.Fatal("expected error for empty cpu list")
	}
}

func TestInitializeAPCoresWithoutHooksFails(t *testing.T) {
	restore := SetBringupHooks(nil, nil, nil, nil)
	current = nil
	defer restore()

	if err := InitializeAPCores([]APICID{0, 1}); err == nil {
		t.Fatal("expected error with no hooks installed")
	}
}

func TestSimulateAPArrivalReachesNMinus1(t *testing.T) {
	writer := newFakePhysWriter()
	sender := &fakeIPISender{}
	registrar := &fakeRegistrar{}
	restore := SetBringupHooks(writer, sender, registrar, func(uint32) {})
	defer restore()

	const n = 4 // 1 BSP + 3 secondaries
	if err := InitializeAPCores([]APICID{0, 1, 2, 3}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < n-1; i++ {
		SimulateAPArrival()
	}

	if writer.uint64s[APRunningCounter] != uint64(n-1) {
		t.Fatalf("AP running counter = %d, want %d", writer.uint64s[APRunningCounter], n-1)
	}
}
