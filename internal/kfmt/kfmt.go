// Package kfmt implements an early, dependency-light console printer for use
// before (and after) the kernel heap is available, grounded on
// gopher-os-gopher-os's kernel/kfmt/early package.
package kfmt

import (
	"sync"
	"unsafe"
)

// Sink receives formatted kernel console output. The only sink wired up in
// v1 is the COM1 serial UART (spec §7); additional sinks (a VGA console, a
// ring buffer for post-mortem dumps) can be registered without changing call
// sites.
type Sink interface {
	WriteString(s string) (int, error)
}

var (
	mu    sync.Mutex
	sinks []Sink
)

// AddSink registers an additional output sink. Sinks are written to in
// registration order; a write error on one sink does not prevent writes to
// the others.
func AddSink(s Sink) {
	mu.Lock()
	defer mu.Unlock()
	sinks = append(sinks, s)
}

// bufSize bounds a single Printf call's formatted output. Every call site in
// this repository is one dump line; 512 bytes is generous headroom over the
// longest of them (the register-dump lines in internal/diag).
const bufSize = 512

var (
	errMissingArg   = "(MISSING)"
	errWrongArgType = "%!(WRONGTYPE)"
	errNoVerb       = "%!(NOVERB)"
	errExtraArg     = "%!(EXTRA)"
	trueValue       = "true"
	falseValue      = "false"
)

// Printf formats according to a format specifier and writes the result to
// every registered sink. It must never be called from a code path that the
// panic handler itself can reach recursively (spec §7) — sinks must not
// panic.
//
// Grounded on gopher-os-gopher-os/kernel/kfmt/early's hand-rolled,
// non-allocating Printf: formatting writes into a fixed on-stack buffer
// instead of building an intermediate string through fmt.Sprintf, so this
// function does not allocate and cannot itself fault in a way that
// recurses into the panic path (spec §2.2/§7). Supports the subset of
// verbs this repository's call sites use: %s, %d, %o, %x (always with a
// "0x" prefix), %t, and %%, with an optional decimal width/zero-pad prefix
// (e.g. %#016x, %#04x).
func Printf(format string, args ...interface{}) {
	var buf [bufSize]byte
	n := 0
	write := func(b byte) {
		if n < len(buf) {
			buf[n] = b
			n++
		}
	}
	writeString := func(s string) {
		for i := 0; i < len(s); i++ {
			write(s[i])
		}
	}

	argIndex := 0
	fmtLen := len(format)
	i := 0
	for i < fmtLen {
		c := format[i]
		if c != '%' {
			write(c)
			i++
			continue
		}
		i++
		if i >= fmtLen {
			writeString(errNoVerb)
			break
		}

		// Skip the alternate-form flag; base-16 output in this formatter
		// always carries the "0x" prefix, so '#' is a no-op marker.
		if format[i] == '#' {
			i++
		}

		padLen := 0
		for i < fmtLen && format[i] >= '0' && format[i] <= '9' {
			padLen = padLen*10 + int(format[i]-'0')
			i++
		}

		if i >= fmtLen {
			writeString(errNoVerb)
			break
		}

		verb := format[i]
		i++

		if verb == '%' {
			write('%')
			continue
		}

		if argIndex >= len(args) {
			writeString(errMissingArg)
			continue
		}
		arg := args[argIndex]
		argIndex++

		switch verb {
		case 's':
			writeFmtString(write, arg, padLen)
		case 'd':
			writeFmtInt(write, arg, 10, padLen)
		case 'o':
			writeFmtInt(write, arg, 8, padLen)
		case 'x':
			writeFmtInt(write, arg, 16, padLen)
		case 't':
			writeFmtBool(write, arg)
		default:
			writeString(errWrongArgType)
		}
	}

	for ; argIndex < len(args); argIndex++ {
		writeString(errExtraArg)
	}

	out := unsafe.String(&buf[0], n)
	mu.Lock()
	defer mu.Unlock()
	for _, sink := range sinks {
		_, _ = sink.WriteString(out)
	}
}

func writeFmtBool(write func(byte), v interface{}) {
	b, ok := v.(bool)
	if !ok {
		for i := 0; i < len(errWrongArgType); i++ {
			write(errWrongArgType[i])
		}
		return
	}
	s := falseValue
	if b {
		s = trueValue
	}
	for i := 0; i < len(s); i++ {
		write(s[i])
	}
}

func writeFmtString(write func(byte), v interface{}, padLen int) {
	var s string
	switch casted := v.(type) {
	case string:
		s = casted
	case []byte:
		if len(casted) > 0 {
			s = unsafe.String(&casted[0], len(casted))
		}
	default:
		for i := 0; i < len(errWrongArgType); i++ {
			write(errWrongArgType[i])
		}
		return
	}
	for i := 0; i < padLen-len(s); i++ {
		write(' ')
	}
	for i := 0; i < len(s); i++ {
		write(s[i])
	}
}

// writeFmtInt renders v in the given base, with the given minimum width,
// directly into write — no intermediate []byte slice or string allocation
// beyond the fixed 20-byte on-stack digit buffer, mirroring
// gopher-os-gopher-os/kernel/kfmt/early's fmtInt.
func writeFmtInt(write func(byte), v interface{}, base, padLen int) {
	var (
		sval int64
		uval uint64
	)

	switch casted := v.(type) {
	case uint8:
		uval = uint64(casted)
	case uint16:
		uval = uint64(casted)
	case uint32:
		uval = uint64(casted)
	case uint64:
		uval = casted
	case uintptr:
		uval = uint64(casted)
	case int8:
		sval = int64(casted)
	case int16:
		sval = int64(casted)
	case int32:
		sval = int64(casted)
	case int64:
		sval = casted
	case int:
		sval = int64(casted)
	default:
		for i := 0; i < len(errWrongArgType); i++ {
			write(errWrongArgType[i])
		}
		return
	}

	neg := sval < 0
	if neg {
		uval = uint64(-sval)
	} else if sval > 0 {
		uval = uint64(sval)
	}

	padCh := byte(' ')
	if base != 10 {
		padCh = '0'
	}

	var digits [20]byte
	nd := 0
	for {
		rem := uval % uint64(base)
		if rem < 10 {
			digits[nd] = byte(rem) + '0'
		} else {
			digits[nd] = byte(rem-10) + 'a'
		}
		nd++
		uval /= uint64(base)
		if uval == 0 {
			break
		}
	}

	if neg {
		write('-')
	}
	if base == 16 {
		write('0')
		write('x')
	}
	for i := nd; i < padLen; i++ {
		write(padCh)
	}
	for i := nd - 1; i >= 0; i-- {
		write(digits[i])
	}
}

// Reset clears all registered sinks. Used by tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	sinks = nil
}
