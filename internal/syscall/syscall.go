// Package syscall implements the mmap/munmap/brk/getpid surface (spec
// §6): SysV-ABI-shaped entry points over an internal/mm.Context,
// translating kernel errors to negated POSIX errno at the boundary.
//
// Grounded on Oichkatzelesfrettschen-biscuit/biscuit/src/vm/as.go's
// defs.Err_t-to-errno translation style and spec §6/§7's explicit
// syscall table. golang.org/x/sys/unix supplies the PROT_*/MAP_*/errno
// constants so this package and internal/mm agree on wire values without
// redefining them (SPEC_FULL §3.1).
package syscall

import (
	"golang.org/x/sys/unix"

	"corvus/internal/kerrors"
	"corvus/internal/mm"
)

// Process pairs a PID with the mm_context getpid/mmap/munmap/brk operate
// against. A real process table is out of spec's scope; this is the
// minimal shape the four syscalls need.
type Process struct {
	PID int
	MM  *mm.Context
}

// Mmap implements the mmap(2) surface (spec §6 table): on success returns
// the non-negative mapped base address; on failure a negated errno.
func Mmap(p *Process, addr, length uintptr, prot, flags uint32, fd int, offset int64) int64 {
	base, err := p.MM.Mmap(addr, length, mm.Prot(prot), mm.Flags(flags), fd, offset)
	if err != nil {
		return int64(err.Errno())
	}
	return int64(base)
}

// Munmap implements the munmap(2) surface: 0 on success, negated errno on
// failure.
func Munmap(p *Process, addr, length uintptr) int64 {
	if err := p.MM.Munmap(addr, length); err != nil {
		return int64(err.Errno())
	}
	return 0
}

// Brk implements the brk(2) surface: always returns the current heap end,
// whether or not newEnd was honored (spec §6 "returns current heap end").
func Brk(p *Process, newEnd uintptr) int64 {
	return int64(p.MM.Brk(newEnd))
}

// Getpid implements the getpid(2) surface.
func Getpid(p *Process) int64 {
	return int64(p.PID)
}

// errnoFor cross-checks kerrors' hand-mirrored errno constants against
// golang.org/x/sys/unix's, used only by this package's tests (SPEC_FULL
// §3.1: "internal/syscall cross-checks these against unix.E* in its test
// suite").
func errnoFor(k kerrors.Kind) int {
	switch k {
	case kerrors.OutOfMemory:
		return -int(unix.ENOMEM)
	case kerrors.Unsupported:
		return -int(unix.ENOSYS)
	default:
		return -int(unix.EINVAL)
	}
}
