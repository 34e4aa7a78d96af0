// Package kerrors defines the tagged-sum error type returned across package
// boundaries in the kernel core. Errors travel as *Error; packages
// predeclare their static errors as package-level values created at
// initialization, so returning one allocates nothing and does not depend on
// the kernel heap. New allocates a fresh Error on every call.
package kerrors

import "fmt"

// Kind classifies a kernel error, per spec §7.
type Kind uint8

const (
	// OutOfMemory indicates no physical frame, virtual range, or heap
	// segment was available to satisfy the request.
	OutOfMemory Kind = iota
	// InvalidArgument indicates a misaligned address, bad length,
	// illegal flag combination, or out-of-range index.
	InvalidArgument
	// NotFound indicates a lookup miss (path resolution, VMA lookup, ...).
	NotFound
	// AlreadyExists indicates a MAP_FIXED request over an incompatible
	// existing mapping that could not be unmapped.
	AlreadyExists
	// Unsupported indicates a recognized but unimplemented operation
	// (file-backed mmap in v1).
	Unsupported
	// CorruptionDetected indicates a fatal structural invariant
	// violation (bad heap magic, bad links). Always treated as fatal.
	CorruptionDetected
	// BusError indicates an access to an address with no mapping during
	// a privileged operation.
	BusError
)

func (k Kind) String() string {
	switch k {
	case OutOfMemory:
		return "out_of_memory"
	case InvalidArgument:
		return "invalid_argument"
	case NotFound:
		return "not_found"
	case AlreadyExists:
		return "already_exists"
	case Unsupported:
		return "unsupported_operation"
	case CorruptionDetected:
		return "corruption_detected"
	case BusError:
		return "bus_error"
	default:
		return "unknown"
	}
}

// Error is a kernel error: a module tag, a kind, and a human message. It is
// passed as *Error; predeclared package-level instances can be returned
// before the heap allocator is initialized, mirroring the teacher's
// *kernel.Error pattern
// generalized with an explicit Kind for syscall-boundary translation.
type Error struct {
	Module  string
	Kind    Kind
	Message string
}

// New builds an Error. Callers in hot paths should prefer predeclared
// package-level *Error values where the message is static.
func New(module string, kind Kind, message string) *Error {
	return &Error{Module: module, Kind: kind, Message: message}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Module, e.Kind, e.Message)
}

// Errno translates this error's Kind into a negated POSIX errno, per the
// syscall boundary contract in spec §6/§7. Kinds with no direct errno
// mapping fall back to -EINVAL.
func (e *Error) Errno() int {
	if e == nil {
		return 0
	}
	switch e.Kind {
	case OutOfMemory:
		return -ENOMEM
	case Unsupported:
		return -ENOSYS
	default:
		return -EINVAL
	}
}

// POSIX errno values used at the syscall boundary (spec §6). Mirrored here
// as untyped constants rather than imported from golang.org/x/sys/unix so
// that kerrors has no dependency on a host-OS binding; internal/syscall
// cross-checks these against unix.E* in its test suite (SPEC_FULL §3.1).
const (
	EINVAL = 22
	ENOMEM = 12
	ENOSYS = 38
)
