package main

import "corvus/internal/bootmem"

// bootInfoPtr is a global rather than a literal argument so the compiler
// cannot inline this call away and drop Kmain from the generated object
// file, mirroring gopher-os-gopher-os/stub.go's multibootInfoPtr global.
var bootInfoPtr BootInfo

// main makes a dummy call into Kmain. It is never expected to return; the
// rt0 trampoline halts the CPU if it does.
func main() {
	bootInfoPtr.MemSource = bootmem.LegacySource{}
	Kmain(bootInfoPtr)
}
