package sched

import "testing"

func TestRegisterRunQueueIsIdempotent(t *testing.T) {
	RegisterRunQueue(42)
	RegisterRunQueue(42)
	if !HasRunQueue(42) {
		t.Fatal("expected run queue to be registered")
	}
}

func TestHasRunQueueFalseForUnregistered(t *testing.T) {
	if HasRunQueue(9999) {
		t.Fatal("expected no run queue for untouched apic id")
	}
}

func TestNewIdleTaskSetsInterruptFlag(t *testing.T) {
	task := NewIdleTask(3)
	if task.RFlags&rflagsIF == 0 {
		t.Fatal("idle task constructed with IF clear")
	}
	if !task.Idle {
		t.Fatal("expected Idle=true")
	}
	if IdleTask(3) != task {
		t.Fatal("IdleTask did not return the recorded task")
	}
}
