// Package proc implements the process table, context switch, and two-level
// scheduler spec.md §4.5-§4.6 describe. Go has no safe way to swap a raw
// callee-saved register set mid-execution the way xv6's swtch() does, so —
// per spec.md's Design Notes ("implementers in a language with managed tasks
// should model this as a pair of single-task schedulers... communicating via
// the RUNNABLE-state protocol") — each process is backed by its own
// goroutine, and a context switch is a channel handoff: the scheduler sends a
// resume token and blocks until the process hands control back (by
// blocking, sleeping, yielding, or exiting). The PCB keeps a Context field
// shaped like the callee-saved register set, but the switch neither saves
// into it nor restores from it: the suspension mechanism is the channel, not
// a raw stack swap.
//
// Ported from the teacher's process bring-up in
// other_examples/f848b9fe_justanotherdot-biscuit__biscuit-src-kernel-main.go.go
// (proc_new, allprocs, the pid counter under its own lock), adapted from
// biscuit's x86-64, always-resident-as-goroutine process model to the
// RISC-V PCB lifecycle spec.md §3-§4.5 specifies (UNUSED/USED/SLEEPING/
// RUNNABLE/RUNNING/ZOMBIE, trapframe page, kernel stack VA, root page table).
package proc

import (
	"fmt"

	"riscv-os/cpu"
	"riscv-os/defs"
	"riscv-os/mem"
	"riscv-os/memlayout"
	"riscv-os/pagetable"
	"riscv-os/spinlock"
)

// NPROC is the fixed capacity of the process table.
const NPROC = 64

// State is a PCB's lifecycle state, spec.md §3.
type State int

const (
	Unused State = iota
	Used
	Sleeping
	Runnable
	Running
	Zombie
)

func (s State) String() string {
	switch s {
	case Unused:
		return "UNUSED"
	case Used:
		return "USED"
	case Sleeping:
		return "SLEEPING"
	case Runnable:
		return "RUNNABLE"
	case Running:
		return "RUNNING"
	case Zombie:
		return "ZOMBIE"
	default:
		return "?"
	}
}

// TrapFrame is the per-process physical page the trampoline writes user
// registers into on entry and reads them back from on return, spec.md §3.
type TrapFrame struct {
	KernelSatp  uint64
	KernelSp    uint64
	KernelTrap  uint64
	Epc         uint64
	KernelHartid uint64

	// ra, sp, gp, tp, t0-t2, s0-s1, a0-a7, s2-s11, t3-t6 (xv6's 31 saved
	// GPRs, in uservec's save order). a0 is Regs[9].
	Regs [31]uint64
}

// regA0 is the index of a0 within TrapFrame.Regs; see the field comment.
const regA0 = 9

// Arg returns the n'th syscall argument register (a0..a5, n in [0,5]),
// satisfying riscv-os/syscall's Frame interface.
func (tf *TrapFrame) Arg(n int) uint64 { return tf.Regs[regA0+n] }

// SetRet writes a syscall's return value into a0.
func (tf *TrapFrame) SetRet(v uint64) { tf.Regs[regA0] = v }

// Body is the function a process's dedicated goroutine runs. It receives the
// PCB so it can call Sleep/Exit/inspect Killed, and returns the exit status
// used if it returns without calling Exit explicitly.
type Body func(p *Proc) int

// Proc is one process control block.
type Proc struct {
	Lock *spinlock.Lock

	state  State
	chanv  any
	killed bool
	xstate int
	pid    int

	Parent *Proc

	Kstack    uintptr
	Sz        uint64
	Pagetable mem.Pa
	Trapframe *TrapFrame

	Context cpu.Context

	name string
	body Body

	resumeCh chan struct{}
	yieldCh  chan struct{}
}

// State returns the process's current lifecycle state.
func (p *Proc) State() State { return p.state }

// Pid returns the process's id.
func (p *Proc) Pid() int { return p.pid }

// Killed reports whether the process has been marked for termination.
func (p *Proc) Killed() bool {
	p.Lock.Acquire()
	defer p.Lock.Release()
	return p.killed
}

// ExitStatus returns the status a zombie process exited with.
func (p *Proc) ExitStatus() int { return p.xstate }

// RunningBody returns the Body the process's goroutine is currently
// executing, so a fork syscall can hand the same entry point to the child:
// this kernel has no executable loader (spec.md's Non-goals exclude exec),
// so the forked child's "user image" is just another run of the same Body.
func (p *Proc) RunningBody() Body { return p.body }

// Manager owns the process table and the global PID counter and wait lock,
// the kernel-wide singletons spec.md's Design Notes call for threading by
// reference rather than as ambient state.
type Manager struct {
	table []*Proc

	pidLock *spinlock.Lock
	nextPid int

	// waitLock is the companion lock for the parent/child wait protocol,
	// ported from xv6-riscv's global wait_lock: a process sleeps on its
	// parent's address while holding waitLock, and exit() wakes the parent
	// while holding it, so the "child became a zombie" transition and the
	// "check for zombie children" scan never race.
	waitLock *spinlock.Lock

	alloc *mem.Allocator
	tramp mem.Pa // the single physical page mapped as TRAMPOLINE everywhere

	initProc *Proc
}

// NewManager allocates a process table of NPROC slots and the shared
// trampoline page every address space maps at memlayout.TRAMPOLINE.
func NewManager(alloc *mem.Allocator) *Manager {
	tramp, ok := alloc.Alloc()
	if !ok {
		panic("proc: out of memory allocating trampoline page")
	}
	m := &Manager{
		table:    make([]*Proc, NPROC),
		pidLock:  spinlock.New("pid"),
		waitLock: spinlock.New("wait_lock"),
		alloc:    alloc,
		tramp:    tramp,
	}
	for i := range m.table {
		m.table[i] = &Proc{
			Lock:     spinlock.New(fmt.Sprintf("proc[%d]", i)),
			state:    Unused,
			Kstack:   memlayout.KStack(i),
			resumeCh: make(chan struct{}),
			yieldCh:  make(chan struct{}),
		}
	}
	return m
}

func (m *Manager) allocPid() int {
	m.pidLock.Acquire()
	defer m.pidLock.Release()
	m.nextPid++
	return m.nextPid
}

// allocProc scans for an UNUSED slot, marks it USED, assigns a PID, and
// builds its trapframe page and root page table with the trampoline and
// trapframe premapped, per spec.md §4.5. Returns nil if the table is full.
func (m *Manager) allocProc(name string, body Body) *Proc {
	for _, p := range m.table {
		p.Lock.Acquire()
		if p.state != Unused {
			p.Lock.Release()
			continue
		}

		p.pid = m.allocPid()
		p.name = name
		p.body = body
		p.killed = false
		p.xstate = 0
		p.Parent = nil
		p.Sz = 0

		tfPa, ok := m.alloc.Alloc()
		if !ok {
			p.reset()
			p.Lock.Release()
			return nil
		}
		root, ok := pagetable.Create(m.alloc)
		if !ok {
			m.alloc.Free(tfPa)
			p.reset()
			p.Lock.Release()
			return nil
		}
		if err := pagetable.MapPage(m.alloc, root, memlayout.TRAMPOLINE, m.tramp, pagetable.PteR|pagetable.PteX); err != 0 {
			panic("proc: mapping trampoline failed")
		}
		if err := pagetable.MapPage(m.alloc, root, memlayout.TRAPFRAME, tfPa, pagetable.PteR|pagetable.PteW); err != 0 {
			panic("proc: mapping trapframe failed")
		}
		p.Pagetable = root
		p.Trapframe = &TrapFrame{}
		p.state = Used

		p.Lock.Release()
		return p
	}
	return nil
}

// reset clears a slot back to UNUSED, used when allocProc fails partway.
func (p *Proc) reset() {
	p.state = Unused
	p.pid = 0
	p.body = nil
}

// freeProc tears down a process's trap frame, user mappings, and page table,
// and returns the slot to UNUSED. Caller must hold p.Lock.
func (m *Manager) freeProc(p *Proc) {
	if p.Trapframe != nil {
		if ref, ok := pagetable.Walk(m.alloc, p.Pagetable, memlayout.TRAPFRAME, false); ok && ref.Get().Valid() {
			m.alloc.Free(ref.Get().PA())
		}
	}
	if p.Pagetable != 0 {
		pagetable.UnmapPage(m.alloc, p.Pagetable, memlayout.TRAMPOLINE)
		pagetable.UnmapPage(m.alloc, p.Pagetable, memlayout.TRAPFRAME)
		pagetable.Uvmfree(m.alloc, p.Pagetable, p.Sz)
	}
	p.Pagetable = 0
	p.Trapframe = nil
	p.Sz = 0
	p.Parent = nil
	p.name = ""
	p.chanv = nil
	p.killed = false
	p.xstate = 0
	p.pid = 0
	p.state = Unused
}

// Userinit creates the very first process (init), with an empty address
// space beyond the trampoline/trapframe, and marks it RUNNABLE.
func (m *Manager) Userinit(body Body) *Proc {
	p := m.allocProc("initcode", body)
	if p == nil {
		panic("proc: userinit: out of process slots")
	}
	p.Lock.Acquire()
	p.state = Runnable
	p.Lock.Release()
	m.initProc = p
	m.spawn(p)
	return p
}

// Fork creates a new process as a copy of parent: a duplicate address space
// (via pagetable.Uvmcopy, which — unlike the source xv6 bug spec.md's Design
// Notes flags — maps the child's own freshly allocated frames) and a copy of
// the trapframe. Returns the child's PID, or -defs.ENOMEM if the process
// table or memory is exhausted.
func (m *Manager) Fork(parent *Proc, childBody Body) (int, defs.Err_t) {
	child := m.allocProc(parent.name+"-child", childBody)
	if child == nil {
		return -1, -defs.ENOMEM
	}

	newRoot, ok := pagetable.Uvmcopy(m.alloc, parent.Pagetable, parent.Sz)
	if !ok {
		child.Lock.Acquire()
		m.freeProc(child)
		child.Lock.Release()
		return -1, -defs.ENOMEM
	}
	// uvmcopy only touched [0, Sz); re-splice the trampoline/trapframe that
	// allocProc already mapped for the child at the fixed high addresses.
	if err := spliceHighMappings(m, child, newRoot); err != 0 {
		child.Lock.Acquire()
		m.freeProc(child)
		child.Lock.Release()
		return -1, err
	}

	*child.Trapframe = *parent.Trapframe
	child.Trapframe.Regs[9] = 0 // a0 = 0: fork returns 0 in the child
	child.Sz = parent.Sz

	child.Lock.Acquire()
	child.Parent = parent
	child.state = Runnable
	pid := child.pid
	child.Lock.Release()

	m.spawn(child)
	return pid, 0
}

// spliceHighMappings discards the child's standalone trampoline/trapframe
// page table (built by allocProc) in favor of newRoot, re-adding the high
// mappings onto newRoot so the child ends up with exactly one coherent
// address space: [0,Sz) copied from the parent, plus trampoline/trapframe.
func spliceHighMappings(m *Manager, child *Proc, newRoot mem.Pa) defs.Err_t {
	ref, ok := pagetable.Walk(m.alloc, child.Pagetable, memlayout.TRAPFRAME, false)
	if !ok || !ref.Get().Valid() {
		return -defs.EFAULT
	}
	tfPa := ref.Get().PA()
	// Unmap (not free) the trampoline/trapframe leaves so the recursive
	// interior-page free below does not trip over still-mapped leaves.
	pagetable.UnmapPage(m.alloc, child.Pagetable, memlayout.TRAMPOLINE)
	pagetable.UnmapPage(m.alloc, child.Pagetable, memlayout.TRAPFRAME)
	pagetable.Uvmfree(m.alloc, child.Pagetable, 0)
	if err := pagetable.MapPage(m.alloc, newRoot, memlayout.TRAMPOLINE, m.tramp, pagetable.PteR|pagetable.PteX); err != 0 {
		return err
	}
	if err := pagetable.MapPage(m.alloc, newRoot, memlayout.TRAPFRAME, tfPa, pagetable.PteR|pagetable.PteW); err != 0 {
		return err
	}
	child.Pagetable = newRoot
	return 0
}

// spawn starts the process's dedicated goroutine. It blocks for the first
// resume token, runs body to completion, and exits with the returned status
// if the body did not already call Exit.
func (m *Manager) spawn(p *Proc) {
	go func() {
		<-p.resumeCh
		status := p.body(p)
		m.doExit(p, status)
		p.yieldCh <- struct{}{}
	}()
}

// Yield gives up the CPU for one scheduling round without blocking on
// anything: sets RUNNABLE and hands control back to the scheduler.
func (m *Manager) Yield(p *Proc) {
	p.Lock.Acquire()
	p.state = Runnable
	p.Lock.Release()
	p.yieldCh <- struct{}{}
	<-p.resumeCh
}

// Sleep atomically releases lk and suspends p on wait channel chanv, only
// resuming once Wakeup(chanv) (or Kill) makes it RUNNABLE again and the
// scheduler redispatches it. Returns true if the process was killed while
// asleep — per spec.md §5, "a killed sleeper returns to the caller without
// completing its wait."
func (m *Manager) Sleep(p *Proc, chanv any, lk *spinlock.Lock) bool {
	p.Lock.Acquire()
	lk.Release()
	p.chanv = chanv
	p.state = Sleeping
	p.Lock.Release()

	p.yieldCh <- struct{}{}
	<-p.resumeCh

	lk.Acquire()
	return p.Killed()
}

// Wakeup moves every process sleeping on chanv to RUNNABLE.
func (m *Manager) Wakeup(chanv any) {
	for _, p := range m.table {
		p.Lock.Acquire()
		if p.state == Sleeping && p.chanv == chanv {
			p.state = Runnable
		}
		p.Lock.Release()
	}
}

// Kill marks the process with the given pid for termination. If it is
// sleeping, it is made RUNNABLE so it notices the kill flag at its next
// checkpoint.
func (m *Manager) Kill(pid int) defs.Err_t {
	for _, p := range m.table {
		p.Lock.Acquire()
		if p.pid == pid && p.state != Unused {
			p.killed = true
			if p.state == Sleeping {
				p.state = Runnable
			}
			p.Lock.Release()
			return 0
		}
		p.Lock.Release()
	}
	return -defs.ESRCH
}

// reparent moves every child of p to the init process, breaking the
// otherwise-cyclic wait graph on exit, per spec.md's Design Notes.
func (m *Manager) reparent(p *Proc) {
	wakeInit := false
	for _, c := range m.table {
		c.Lock.Acquire()
		if c.Parent == p {
			c.Parent = m.initProc
			if c.state == Zombie {
				wakeInit = true
			}
		}
		c.Lock.Release()
	}
	if wakeInit {
		m.Wakeup(m.initProc)
	}
}

// doExit implements exit()'s body, invoked by the process's own goroutine
// once its Body function returns; a Body that ends with "return Exit(n)"
// reaches here with status n.
func (m *Manager) doExit(p *Proc, status int) {
	m.waitLock.Acquire()
	m.reparent(p)
	parent := p.Parent
	p.Lock.Acquire()
	p.xstate = status
	p.state = Zombie
	p.Lock.Release()
	if parent != nil {
		m.Wakeup(parent)
	}
	m.waitLock.Release()
}

// Exit is the syscall-facing entry point: it records the intent to exit, but
// the actual state transition and goroutine teardown happens when Body
// returns (which callers of Exit within a Body must do immediately after).
// Callers should write:
//
//	body := func(p *proc.Proc) int {
//	    ... work ...
//	    return status // equivalent to exit(status)
//	}
func Exit(status int) int { return status }

// Wait blocks until one of parent's children becomes a zombie, then reclaims
// its slot and returns its pid and exit status. Returns -defs.ESRCH if
// parent has no children at all.
func (m *Manager) Wait(parent *Proc) (int, int, defs.Err_t) {
	m.waitLock.Acquire()
	for {
		anyChildren := false
		for _, c := range m.table {
			c.Lock.Acquire()
			if c.Parent == parent {
				anyChildren = true
				if c.state == Zombie {
					pid := c.pid
					xstate := c.xstate
					m.freeProc(c)
					c.Lock.Release()
					m.waitLock.Release()
					return pid, xstate, 0
				}
			}
			c.Lock.Release()
		}
		if !anyChildren || parent.Killed() {
			m.waitLock.Release()
			return -1, 0, -defs.ESRCH
		}
		if killed := m.Sleep(parent, parent, m.waitLock); killed {
			m.waitLock.Release()
			return -1, 0, -defs.ESRCH
		}
	}
}

// schedule runs one pass over the process table, dispatching every RUNNABLE
// process in turn and blocking until each gives up the CPU. Returns whether
// any process was dispatched, so RunUntilIdle knows when to stop.
func (m *Manager) schedule() bool {
	progressed := false
	for _, p := range m.table {
		p.Lock.Acquire()
		runnable := p.state == Runnable
		if runnable {
			p.state = Running
		}
		p.Lock.Release()
		if !runnable {
			continue
		}
		progressed = true
		cpu.Mycpu().Proc = p
		p.resumeCh <- struct{}{}
		<-p.yieldCh
		cpu.Mycpu().Proc = nil
	}
	return progressed
}

// RunUntilIdle repeatedly schedules RUNNABLE processes until none remain
// runnable — the deterministic, testable stand-in for the scheduler's
// hardware wait-for-interrupt idle loop (spec.md §4.6): since this
// single-hart simulation has no real timer hardware to wait for, the loop
// here simply terminates instead of spinning forever once the system is
// idle.
func (m *Manager) RunUntilIdle() {
	for m.schedule() {
	}
}

// Scheduler runs spec.md §4.6's per-CPU idle loop: schedule a round, and if
// nothing was runnable, wait for an external event (a timer tick, an IRQ) to
// make something runnable again. wfi is the external wait-for-interrupt
// collaborator (spec.md §1 treats the platform interrupt controller as
// external); it returns once something may have changed.
func (m *Manager) Scheduler(wfi func()) {
	for {
		if !m.schedule() {
			wfi()
		}
	}
}

// SchedWaiter adapts a Manager to riscv-os/sleeplock's Waiter interface,
// which has no *Proc parameter of its own (sleeplock doesn't import proc, to
// avoid a cycle) and instead relies on the currently running process being
// recorded on the CPU record during schedule(), per spec.md's CPU record
// ("currently running process"). Only valid to call from within a process's
// own goroutine while it is RUNNING.
type SchedWaiter struct{ M *Manager }

func (w SchedWaiter) Sleep(chanv any, lk *spinlock.Lock) {
	p, ok := cpu.Mycpu().Proc.(*Proc)
	if !ok || p == nil {
		panic("proc: Sleep called with no current process on this cpu")
	}
	w.M.Sleep(p, chanv, lk)
}

func (w SchedWaiter) Wakeup(chanv any) { w.M.Wakeup(chanv) }

// NumRunnable reports how many processes are currently RUNNABLE, a testing
// and diagnostic aid.
func (m *Manager) NumRunnable() int {
	n := 0
	for _, p := range m.table {
		p.Lock.Acquire()
		if p.state == Runnable {
			n++
		}
		p.Lock.Release()
	}
	return n
}
