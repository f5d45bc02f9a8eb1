// Package syscall implements the syscall layer spec.md §4.8 describes:
// argument fetch from the trap frame's a0..a5 slots, dispatch by the number
// in a7, and the five known calls (fork, exit, wait, kill, getpid).
package syscall

import (
	"fmt"

	"riscv-os/defs"
	"riscv-os/mem"
	"riscv-os/pagetable"
)

// Frame is the subset of proc.TrapFrame the argument-fetch helpers and the
// dispatcher need. *proc.TrapFrame satisfies it; the helpers and the
// dispatcher themselves work against this interface only, so tests can pass
// a plain fake frame.
type Frame interface {
	Arg(n int) uint64
	SetRet(uint64)
}

// argraw reads trap-frame register a0..a5 by index, mirroring xv6's
// argraw/argint/argaddr split without the distinction mattering in Go: every
// argument is already a uint64 in the frame.
func argraw(f Frame, n int) uint64 { return f.Arg(n) }

// Argint fetches the n'th syscall argument as a plain integer.
func Argint(f Frame, n int) int { return int(int64(argraw(f, n))) }

// Argaddr fetches the n'th syscall argument as a user virtual address.
func Argaddr(f Frame, n int) uintptr { return uintptr(argraw(f, n)) }

// Argstr fetches the n'th argument as a user pointer and copies the
// NUL-terminated string it points to into buf via copyinstr.
func Argstr(alloc *mem.Allocator, root mem.Pa, f Frame, n int, buf []byte) defs.Err_t {
	return pagetable.Copyinstr(alloc, root, buf, Argaddr(f, n))
}

// Fn is one syscall implementation, registered in a Dispatcher under the
// number read from a7. It receives the trap frame to read arguments from and
// returns the value Dispatch writes to a0: the call's non-negative result on
// success, or a negative Err_t on failure.
type Fn func(f Frame) int64

// Dispatcher holds the registered syscall table and the console sink used to
// warn about unknown syscall numbers.
type Dispatcher struct {
	table map[int]Fn
	warn  func(format string, args ...any)
}

// NewDispatcher builds an empty Dispatcher; callers register syscalls onto
// it (RegisterProcessCalls installs the five spec.md §4.8 names). warn
// defaults to printing via fmt.Printf if nil.
func NewDispatcher(warn func(format string, args ...any)) *Dispatcher {
	if warn == nil {
		warn = func(format string, args ...any) { fmt.Printf(format, args...) }
	}
	return &Dispatcher{table: make(map[int]Fn), warn: warn}
}

// Register installs (or replaces) the handler for a syscall number.
func (d *Dispatcher) Register(num int, fn Fn) {
	d.table[num] = fn
}

// Dispatch looks up a7's value in the table and runs it, writing the result
// to the frame's a0 slot via SetRet. Unknown numbers write -1 and warn.
func (d *Dispatcher) Dispatch(num int, f Frame) {
	fn, ok := d.table[num]
	if !ok {
		d.warn("syscall: unknown syscall number %d\n", num)
		ret := int64(-1)
		f.SetRet(uint64(ret))
		return
	}
	ret := fn(f)
	f.SetRet(uint64(ret))
}
