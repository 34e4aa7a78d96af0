// Package sched provides the minimal scheduler surface C7 depends on:
// per-CPU run queue registration and idle/swapper task construction. The
// scheduler proper (task selection, preemption) is out of scope here;
// this package exists only so internal/cpu's AP bring-up has something
// real to register against.
//
// Loosely grounded on gopher-os-gopher-os/kernel's per-subsystem Init()
// layout; none of the functions here returns an error.
package sched

import "sync"

// Task is the idle/swapper task constructed for one CPU on bring-up
// (spec §4.7 "constructs its idle/swapper task in slot apic_id of the
// per-CPU task table with RFLAGS.IF = 1").
type Task struct {
	APICID  uint32
	RFlags  uint64
	Idle    bool
}

const rflagsIF = 1 << 9

var (
	mu        sync.Mutex
	runQueues = map[uint32][]uint32{} // apic id -> registered task ids, empty for the idle queue
	idleTasks = map[uint32]*Task{}
)

// RegisterRunQueue creates an empty run queue for the given APIC ID
// (spec §4.7 step 3: "register a run queue with the scheduler" before
// any IPI is sent to that secondary).
func RegisterRunQueue(apicID uint32) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := runQueues[apicID]; !ok {
		runQueues[apicID] = nil
	}
}

// HasRunQueue reports whether RegisterRunQueue has been called for
// apicID, for tests and diagnostics.
func HasRunQueue(apicID uint32) bool {
	mu.Lock()
	defer mu.Unlock()
	_, ok := runQueues[apicID]
	return ok
}

// NewIdleTask constructs and records the idle/swapper task for apicID
// with interrupts enabled (spec §4.7: "RFLAGS.IF = 1").
func NewIdleTask(apicID uint32) *Task {
	mu.Lock()
	defer mu.Unlock()
	t := &Task{APICID: apicID, RFlags: rflagsIF, Idle: true}
	idleTasks[apicID] = t
	return t
}

// IdleTask returns the idle task previously constructed for apicID, or
// nil if none has been constructed yet.
func IdleTask(apicID uint32) *Task {
	mu.Lock()
	defer mu.Unlock()
	return idleTasks[apicID]
}
