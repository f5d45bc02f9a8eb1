package proc

import (
	"testing"

	"riscv-os/mem"
	"riscv-os/spinlock"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	const start = mem.Pa(0x80000000)
	a := mem.NewAllocator(start, start+mem.Pa(4096*64))
	return NewManager(a)
}

// idle is a Body that never does anything; used for the init process in
// tests that don't care about its behavior.
func idle(p *Proc) int { return 0 }

func TestForkExitWait(t *testing.T) {
	m := newManager(t)
	m.Userinit(idle)

	var childPid int
	parentBody := func(p *Proc) int {
		pid, err := m.Fork(p, func(c *Proc) int {
			return 123
		})
		if err != 0 {
			t.Errorf("fork failed: %d", err)
		}
		childPid = pid
		gotPid, status, err := m.Wait(p)
		if err != 0 {
			t.Errorf("wait failed: %d", err)
		}
		if gotPid != pid {
			t.Errorf("wait returned pid %d, want %d", gotPid, pid)
		}
		if status != 123 {
			t.Errorf("wait returned status %d, want 123", status)
		}
		return 0
	}

	parent := m.allocProc("parent", parentBody)
	if parent == nil {
		t.Fatal("allocProc failed")
	}
	parent.Lock.Acquire()
	parent.state = Runnable
	parent.Lock.Release()
	m.spawn(parent)

	m.RunUntilIdle()

	if childPid == 0 {
		t.Fatal("fork never ran")
	}
}

func TestKillWakesSleeper(t *testing.T) {
	m := newManager(t)
	m.Userinit(idle)

	done := make(chan bool, 1)
	chanKey := new(int)
	waitChan := spinlock.New("test-chan")
	body := func(p *Proc) int {
		waitChan.Acquire()
		killed := m.Sleep(p, chanKey, waitChan)
		waitChan.Release()
		done <- killed
		return 0
	}

	p := m.allocProc("sleeper", body)
	p.Lock.Acquire()
	p.state = Runnable
	p.Lock.Release()
	m.spawn(p)

	m.RunUntilIdle()

	if err := m.Kill(p.Pid()); err != 0 {
		t.Fatalf("kill failed: %d", err)
	}
	m.RunUntilIdle()

	select {
	case killed := <-done:
		if !killed {
			t.Fatal("expected Sleep to report killed=true")
		}
	default:
		t.Fatal("sleeper never resumed after kill")
	}
}

func TestNumRunnable(t *testing.T) {
	m := newManager(t)
	p := m.Userinit(idle)
	if p.State() != Runnable {
		t.Fatalf("expected init to be RUNNABLE before scheduling, got %v", p.State())
	}
	m.RunUntilIdle()
	if n := m.NumRunnable(); n != 0 {
		t.Fatalf("expected 0 runnable after idle, got %d", n)
	}
}
