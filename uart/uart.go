// Package uart is the external collaborator spec.md §1 calls out as "the
// UART byte sink": a 16550-compatible serial port at memlayout.UART0, stated
// only by its interface (Putc) per the Non-goals. Grounded on biscuit's
// ufs/driver.go console_t stub, which plays the same out-of-scope-but-typed
// role for biscuit's console device.
package uart

import (
	"bufio"
	"io"
	"sync"

	"riscv-os/memlayout"
)

// Sink is a line-discipline-free byte sink over the UART: every byte
// written is transmitted as-is except '\n', which is preceded by '\r' the
// way a real terminal expects, mirroring kernel/console.c's consputc.
type Sink struct {
	mu  sync.Mutex
	out *bufio.Writer
}

// New wraps w (the host-visible terminal in this simulation; a real port
// would instead poll memlayout.UART0's THR/LSR registers) as a Sink.
func New(w io.Writer) *Sink {
	return &Sink{out: bufio.NewWriter(w)}
}

// Putc transmits one byte, synthesizing a preceding carriage return before
// any line feed.
func (s *Sink) Putc(c byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c == '\n' {
		s.out.WriteByte('\r')
	}
	s.out.WriteByte(c)
	s.out.Flush()
}

// WriteString transmits each byte of str through Putc, in order.
func (s *Sink) WriteString(str string) {
	for i := 0; i < len(str); i++ {
		s.Putc(str[i])
	}
}

// ClearScreen emits the ANSI escape sequence that clears the terminal and
// homes the cursor.
func (s *Sink) ClearScreen() {
	s.WriteString("\x1b[2J\x1b[H")
}

// IRQ reports the PLIC line this device raises on receive, for wiring into
// a trap.Plane's handler table.
func IRQ() int { return memlayout.UART0_IRQ }
