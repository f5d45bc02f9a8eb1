// Package trap implements the kernel's trap plane: scause dispatch, the
// external-interrupt claim/complete protocol, and the timer tick. There is no
// real hart here to field an actual trap, so the two xv6 trap vectors (the
// kernel vector and the trampoline's user vector) collapse into a single
// Dispatch entry point that a caller invokes with the scause it observed;
// Dispatch still performs exactly the classification and side effects
// spec.md §4.7 describes.
package trap

import (
	"fmt"

	"riscv-os/defs"
)

// Cause mirrors the scause values spec.md §4.7 dispatches on. The interrupt
// bit (bit 63 on real hardware) is folded into distinct named causes here
// since Go has no register to read it from.
type Cause int

const (
	CauseUnknown Cause = iota
	CauseSupervisorTimer
	CauseSupervisorExternal
	CauseEcallUser
	CauseLoadPageFault
	CauseStorePageFault
	CauseIllegalInstruction
)

// Handler processes one device interrupt claimed from the PLIC for a given
// IRQ number.
type Handler func(irq int)

// Plic abstracts the platform-level interrupt controller's claim/complete
// protocol (memlayout.PLIC), so Dispatch doesn't need real MMIO.
type Plic interface {
	Claim() int
	Complete(irq int)
}

// Killer is the subset of the process manager Dispatch needs to mark the
// current process killed on a fault it doesn't otherwise handle.
type Killer interface {
	Kill(pid int) defs.Err_t
}

// Ticker receives the timer's wakeup; ported from xv6's ticks/tickslock pair,
// modeled here as a channel-backed counter rather than a global + condvar.
type Ticker struct {
	mu    chan struct{} // 1-buffered: holds the token when unlocked
	ticks uint64
	wake  chan struct{}
}

// NewTicker returns a Ticker with its token available.
func NewTicker() *Ticker {
	t := &Ticker{mu: make(chan struct{}, 1), wake: make(chan struct{}, 1)}
	t.mu <- struct{}{}
	return t
}

// Tick increments the tick counter and wakes anyone waiting on it. Per
// spec.md §4.7, only hart 0 advances the counter; this single-hart
// simulation has no other hart, so every caller qualifies.
func (t *Ticker) Tick() {
	<-t.mu
	t.ticks++
	t.mu <- struct{}{}
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Ticks returns the current tick count.
func (t *Ticker) Ticks() uint64 {
	<-t.mu
	n := t.ticks
	t.mu <- struct{}{}
	return n
}

// Plane holds the registered IRQ handler table and collaborators Dispatch
// needs, grounded on spec.md's "IRQ dispatch maintains a small table indexed
// by cause code / IRQ, allowing registration at init time."
type Plane struct {
	plic     Plic
	ticker   *Ticker
	handlers map[int]Handler
}

// NewPlane wires a Plane to its PLIC and ticker collaborators.
func NewPlane(plic Plic, ticker *Ticker) *Plane {
	return &Plane{plic: plic, ticker: ticker, handlers: make(map[int]Handler)}
}

// Register installs (or replaces) the handler for a given IRQ number.
func (p *Plane) Register(irq int, h Handler) {
	p.handlers[irq] = h
}

// Outcome is what Dispatch decided to do with a trap, so a caller can drive
// its own reschedule/return-to-user logic without Dispatch reaching into the
// process manager directly.
type Outcome struct {
	// Syscall is true on CauseEcallUser: the caller should advance the
	// faulting instruction's saved PC by 4 and run syscall dispatch.
	Syscall bool
	// Yield is true when a timer tick occurred while in user context;
	// xv6 yields to give other processes a turn.
	Yield bool
	// Kill is true if the trap was an unhandled fault and the current
	// process must be marked killed.
	Kill bool
}

// Dispatch classifies cause per spec.md §4.7 and performs the cause's side
// effects (claiming+completing an external IRQ, ticking the timer), leaving
// only the process-specific follow-up (advance PC, yield, or kill) to the
// caller via the returned Outcome.
func (p *Plane) Dispatch(cause Cause, inUser bool) Outcome {
	switch cause {
	case CauseSupervisorExternal:
		irq := p.plic.Claim()
		if irq != 0 {
			if h, ok := p.handlers[irq]; ok {
				h(irq)
			}
			p.plic.Complete(irq)
		}
		return Outcome{}

	case CauseSupervisorTimer:
		p.ticker.Tick()
		return Outcome{Yield: inUser}

	case CauseEcallUser:
		return Outcome{Syscall: true}

	case CauseLoadPageFault, CauseStorePageFault, CauseIllegalInstruction:
		return Outcome{Kill: true}

	default:
		fmt.Printf("trap: unexpected cause %v, killing process\n", cause)
		return Outcome{Kill: true}
	}
}
