package irq

import "unsafe"

func addrOf(idt *IDT) uintptr { return uintptr(unsafe.Pointer(idt)) }

// loadIDT executes LIDT with the given pseudo-descriptor.
func loadIDT(idtr idtrImage)
