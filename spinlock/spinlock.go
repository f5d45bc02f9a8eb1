// Package spinlock implements a test-and-set mutual-exclusion lock with
// interrupt-nesting bookkeeping, the form spec.md §4.3 describes and
// gopher-os's sync.Spinlock demonstrates for the busy-wait half. Holding a
// spinlock always disables interrupts on the local hart via push_off/pop_off;
// nested acquisitions are counted so interrupts are only re-enabled at the
// outermost release.
package spinlock

import (
	"sync/atomic"

	"riscv-os/cpu"
)

// Lock is a busy-wait mutual-exclusion lock. The zero value is unlocked.
type Lock struct {
	state uint32
	name  string

	// debugging aid mirroring spec.md's PCB fields: which CPU holds the
	// lock, if any. Not required for correctness.
	holder int32
}

// New returns a named spinlock. The name is used only in panic messages.
func New(name string) *Lock {
	return &Lock{name: name, holder: -1}
}

// Holding reports whether the calling goroutine's hart currently holds l.
// Single-hart simulation: this is only meaningful as a debugging aid, not a
// substitute for proper locking.
func (l *Lock) Holding() bool {
	return atomic.LoadUint32(&l.state) == 1
}

// Acquire disables interrupts on the local hart (push_off) then spins until
// the lock is free.
func (l *Lock) Acquire() {
	cpu.PushOff()
	if l.Holding() {
		panic("spinlock: " + l.name + ": acquire while holding")
	}
	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		// busy-wait; a real hart would just spin here.
	}
	atomic.StoreInt32(&l.holder, int32(cpu.Hartid()))
}

// TryAcquire attempts to acquire the lock without blocking. It still performs
// push_off on success, matching Acquire's interrupt-nesting contract.
func (l *Lock) TryAcquire() bool {
	cpu.PushOff()
	if atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		atomic.StoreInt32(&l.holder, int32(cpu.Hartid()))
		return true
	}
	cpu.PopOff()
	return false
}

// Release clears ownership, then re-enables interrupts (pop_off) if this was
// the outermost disable.
func (l *Lock) Release() {
	if !l.Holding() {
		panic("spinlock: " + l.name + ": release of unheld lock")
	}
	atomic.StoreInt32(&l.holder, -1)
	atomic.StoreUint32(&l.state, 0)
	cpu.PopOff()
}
