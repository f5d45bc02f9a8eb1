// Package cpu models the per-hart CPU record spec.md §3 describes: the
// currently running process, the per-CPU scheduler context, and the
// interrupt-nesting depth (noff) with the interrupt-enable bit saved at the
// outermost disable. Non-goals (spec.md §1) limit this kernel to a single
// hart, so Mycpu always returns hart 0's record, but the struct shape and the
// push_off/pop_off contract are written to extend cleanly to more.
package cpu

import "sync"

// Context holds the callee-saved registers exchanged by a context switch:
// return address, stack pointer, and s0-s11. Named Context_t in spec.md §3;
// the field set matches RISC-V's callee-saved register set exactly.
type Context struct {
	Ra uint64
	Sp uint64

	S0, S1, S2, S3, S4, S5 uint64
	S6, S7, S8, S9, S10    uint64
	S11                    uint64
}

// Cpu is the per-hart record.
type Cpu struct {
	// Proc is an opaque handle to the running process (type any to avoid an
	// import cycle with package proc; proc casts it back to *proc.Proc).
	Proc any

	// Sched is the context swtch() resumes into when this hart's scheduler
	// loop is re-entered.
	Sched Context

	// Noff is the depth of nested push_off calls.
	Noff int
	// Intena is the interrupt-enable state saved at the outermost push_off.
	Intena bool
}

var (
	mu   sync.Mutex
	cpus = [1]Cpu{}

	// intrEnabled models the hart's global interrupt-enable bit (sstatus.SIE
	// in real RISC-V). Single-hart simulation keeps this as one flag rather
	// than a per-hart array, matching the Non-goals in spec.md §1.
	intrEnabled = true
)

// Hartid returns the id of the hart the caller is running on. Always 0: see
// the package doc comment.
func Hartid() int { return 0 }

// Mycpu returns the CPU record for the calling hart. Caller must have
// interrupts disabled, exactly like xv6's mycpu(), since this value would
// otherwise become stale the instant the hart is rescheduled to run a
// different hart's work.
func Mycpu() *Cpu {
	return &cpus[Hartid()]
}

// IntrGet reports whether interrupts are currently enabled on this hart.
func IntrGet() bool {
	mu.Lock()
	defer mu.Unlock()
	return intrEnabled
}

// IntrOn enables interrupts on this hart.
func IntrOn() {
	mu.Lock()
	intrEnabled = true
	mu.Unlock()
}

// IntrOff disables interrupts on this hart.
func IntrOff() {
	mu.Lock()
	intrEnabled = false
	mu.Unlock()
}

// PushOff disables interrupts, recording the prior enabled state the first
// time (the outermost) it is called; nested calls only bump the depth
// counter. Mirrors xv6's push_off(): "push_off/pop_off are like
// intr_off()/intr_on() except that they are matched: it takes two pop_off()s
// to undo two push_off()s."
func PushOff() {
	old := IntrGet()
	IntrOff()
	c := Mycpu()
	if c.Noff == 0 {
		c.Intena = old
	}
	c.Noff++
}

// PopOff decrements the nesting depth, restoring the saved interrupt-enable
// state once the outermost push_off is undone. Panics if interrupts are
// already enabled (they must not be, inside a push_off/pop_off bracket) or if
// called with no push_off outstanding.
func PopOff() {
	c := Mycpu()
	if IntrGet() {
		panic("pop_off: interrupts enabled")
	}
	if c.Noff < 1 {
		panic("pop_off: unbalanced")
	}
	c.Noff--
	if c.Noff == 0 && c.Intena {
		IntrOn()
	}
}
