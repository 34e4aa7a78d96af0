package kfmt

// Serial is a Sink backed by the COM1 UART at I/O port 0x3F8. Byte output is
// performed via outb, declared with no Go body and implemented in
// asm_amd64.s, mirroring the teacher's no-body hardware-access
// declarations (gopher-os kernel/cpu/cpu_amd64.go).
type Serial struct {
	port uint16
}

// COM1 is the panic-time sink (spec §7): "the serial port (COM1) is the
// panic-time sink and must not be touched by code paths that can themselves
// trigger the panic".
var COM1 = &Serial{port: 0x3F8}

// WriteString emits s one byte at a time, waiting for the transmit-holding
// register to empty between bytes.
func (s *Serial) WriteString(str string) (int, error) {
	for i := 0; i < len(str); i++ {
		s.writeByte(str[i])
	}
	return len(str), nil
}

func (s *Serial) writeByte(b byte) {
	for serialTxFull(s.port) {
	}
	outb(s.port, b)
}

// serialTxFull reports whether the UART's transmit-holding register is
// still full (line status register bit 5 clear at s.port+5).
func serialTxFull(port uint16) bool {
	return inb(port+5)&0x20 == 0
}

// outb writes a single byte to an x86 I/O port.
func outb(port uint16, val byte)

// inb reads a single byte from an x86 I/O port.
func inb(port uint16) byte
