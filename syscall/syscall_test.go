package syscall

import (
	"testing"

	"riscv-os/defs"
	"riscv-os/mem"
	"riscv-os/proc"
)

type fakeFrame struct {
	args [6]uint64
	ret  uint64
}

func (f *fakeFrame) Arg(n int) uint64 { return f.args[n] }
func (f *fakeFrame) SetRet(v uint64)  { f.ret = v }

func TestDispatchKnownSyscall(t *testing.T) {
	d := NewDispatcher(nil)
	d.Register(99, func(f Frame) int64 {
		return int64(Argint(f, 0)) * 2
	})

	f := &fakeFrame{args: [6]uint64{21}}
	d.Dispatch(99, f)
	if f.ret != 42 {
		t.Fatalf("expected ret 42, got %d", f.ret)
	}
}

func TestDispatchUnknownSyscallReturnsNegOne(t *testing.T) {
	var warned bool
	d := NewDispatcher(func(format string, args ...any) { warned = true })

	f := &fakeFrame{}
	d.Dispatch(9999, f)
	if int64(f.ret) != -1 {
		t.Fatalf("expected ret -1, got %d", int64(f.ret))
	}
	if !warned {
		t.Fatal("expected warn callback to run for unknown syscall")
	}
}

func TestArgintSignExtends(t *testing.T) {
	neg := int64(-5)
	f := &fakeFrame{args: [6]uint64{uint64(neg)}}
	if got := Argint(f, 0); got != -5 {
		t.Fatalf("expected -5, got %d", got)
	}
}

func TestArgaddr(t *testing.T) {
	f := &fakeFrame{args: [6]uint64{0x1000, 0x2000}}
	if got := Argaddr(f, 1); got != 0x2000 {
		t.Fatalf("expected 0x2000, got %x", got)
	}
}

func TestRegisterProcessCallsGetpidAndKill(t *testing.T) {
	const start = mem.Pa(0x80000000)
	alloc := mem.NewAllocator(start, start+mem.Pa(4096*64))
	m := proc.NewManager(alloc)

	var current *proc.Proc
	d := NewDispatcher(nil)
	RegisterProcessCalls(d, m, func() *proc.Proc { return current })

	current = m.Userinit(func(p *proc.Proc) int { return 0 })

	f := &fakeFrame{}
	d.Dispatch(defs.SYS_GETPID, f)
	if int(f.ret) != current.Pid() {
		t.Fatalf("getpid returned %d, want %d", f.ret, current.Pid())
	}

	f = &fakeFrame{args: [6]uint64{uint64(current.Pid())}}
	d.Dispatch(defs.SYS_KILL, f)
	if int64(f.ret) != 0 {
		t.Fatalf("kill returned %d, want 0", int64(f.ret))
	}
	if !current.Killed() {
		t.Fatal("expected process to be marked killed")
	}
}
