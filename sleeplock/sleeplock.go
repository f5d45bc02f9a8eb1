// Package sleeplock implements the blocking lock spec.md §4.4 describes: a
// spinlock-protected "locked" flag plus a wait channel, so that a holder can
// suspend the current process rather than busy-wait. Sleep locks may only be
// held by a process context, never an interrupt handler, since acquiring one
// may suspend the caller.
package sleeplock

import "riscv-os/spinlock"

// Waiter is the minimal contract a scheduler must provide so sleeplock can
// suspend and wake callers without importing package proc (whose PCB table
// sits above sleeplock in the dependency graph).
type Waiter interface {
	// Sleep atomically releases lk and suspends the calling process on
	// wait channel chan_, resuming only once woken (or killed) and
	// reacquiring lk before returning.
	Sleep(chan_ any, lk *spinlock.Lock)
	// Wakeup moves every process sleeping on chan_ to RUNNABLE.
	Wakeup(chan_ any)
}

// Lock is a sleep lock: a spinlock guarding a boolean "locked" flag, an owner
// pid, and a wait-channel identity (its own address, per the GLOSSARY's
// "Wait channel: an arbitrary address used as an identity for a group of
// sleepers").
type Lock struct {
	mu     spinlock.Lock
	locked bool
	owner  int
	name   string
	sched  Waiter
}

// New returns a sleep lock that suspends callers via sched when contended.
func New(name string, sched Waiter) *Lock {
	return &Lock{name: name, sched: sched}
}

// Acquire loops sleeping on the lock's own address while it is held by
// another process, then claims it.
func (l *Lock) Acquire(pid int) {
	l.mu.Acquire()
	for l.locked {
		l.sched.Sleep(l, &l.mu)
	}
	l.locked = true
	l.owner = pid
	l.mu.Release()
}

// Release clears ownership and wakes every process sleeping on the lock.
func (l *Lock) Release() {
	l.mu.Acquire()
	l.locked = false
	l.owner = 0
	l.sched.Wakeup(l)
	l.mu.Release()
}

// Holding reports whether the lock is currently held by pid.
func (l *Lock) Holding(pid int) bool {
	l.mu.Acquire()
	defer l.mu.Release()
	return l.locked && l.owner == pid
}
