package syscall

import (
	"riscv-os/defs"
	"riscv-os/proc"
)

// ProcManager is the subset of *proc.Manager the five known syscalls need.
// Declared as an interface so this package doesn't have to import proc's
// goroutine-spawning internals, only its public process-lifecycle contract.
type ProcManager interface {
	Fork(parent *proc.Proc, childBody proc.Body) (int, defs.Err_t)
	Wait(parent *proc.Proc) (int, int, defs.Err_t)
	Kill(pid int) defs.Err_t
}

// RegisterProcessCalls installs the five syscalls spec.md §4.8 names
// (fork, exit, wait, kill, getpid) into d. current must return the process
// currently fielding the trap; it is called fresh for every syscall since
// the "current process" is scheduler state, not dispatcher state.
//
// fork's child resumes running the same Body closure as its parent: this
// kernel has no executable loader (spec.md's Non-goals exclude exec), so
// there is no separate user instruction stream for the child to diverge
// into other than by inspecting its own trap frame, exactly as real forked
// user code would.
func RegisterProcessCalls(d *Dispatcher, m ProcManager, current func() *proc.Proc) {
	d.Register(defs.SYS_FORK, func(f Frame) int64 {
		p := current()
		pid, err := m.Fork(p, p.RunningBody())
		if err != 0 {
			return int64(err)
		}
		return int64(pid)
	})

	// SYS_EXIT's actual state transition happens when the process's Body
	// returns (see proc.Exit's doc comment): a syscall dispatch is just a
	// function call within the process's own goroutine, so this handler
	// can only compute the status to return with, not unwind Body's stack
	// for it. A Body wanting to call exit(n) mid-function writes
	// "return proc.Exit(n)" directly instead of routing through here.
	d.Register(defs.SYS_EXIT, func(f Frame) int64 {
		status := Argint(f, 0)
		return int64(proc.Exit(status))
	})

	d.Register(defs.SYS_WAIT, func(f Frame) int64 {
		p := current()
		pid, _, err := m.Wait(p)
		if err != 0 {
			return int64(err)
		}
		return int64(pid)
	})

	d.Register(defs.SYS_KILL, func(f Frame) int64 {
		pid := Argint(f, 0)
		if err := m.Kill(pid); err != 0 {
			return int64(err)
		}
		return 0
	})

	d.Register(defs.SYS_GETPID, func(f Frame) int64 {
		return int64(current().Pid())
	})
}
