package pagetable

import (
	"testing"

	"riscv-os/mem"
)

func newArena(t *testing.T, npages int) *mem.Allocator {
	t.Helper()
	const start = mem.Pa(0x80000000)
	return mem.NewAllocator(start, start+mem.Pa(npages*pgSize))
}

func TestMapWalkRoundtrip(t *testing.T) {
	a := newArena(t, 16)
	root, ok := Create(a)
	if !ok {
		t.Fatal("Create failed")
	}
	pa, ok := a.Alloc()
	if !ok {
		t.Fatal("Alloc failed")
	}
	const va = uintptr(0x1000000)
	if err := MapPage(a, root, va, pa, PteR|PteW|PteU|PteV); err != 0 {
		t.Fatalf("MapPage: %d", err)
	}

	ref, ok := Walk(a, root, va, false)
	if !ok {
		t.Fatal("Walk after MapPage should find the entry")
	}
	pte := ref.Get()
	if pte.PA() != pa {
		t.Fatalf("PA mismatch: got %x want %x", pte.PA(), pa)
	}
	if pte.Flags()&(PteV|PteR|PteW|PteU) != (PteV | PteR | PteW | PteU) {
		t.Fatalf("expected V|R|W|U flags, got %x", pte.Flags())
	}

	resolved, ok := WalkAddr(a, root, va+0x10)
	if !ok {
		t.Fatal("WalkAddr should resolve a mapped user page")
	}
	if resolved != pa+0x10 {
		t.Fatalf("WalkAddr offset mismatch: got %x want %x", resolved, pa+0x10)
	}
}

func TestMapPageRejectsDoubleMap(t *testing.T) {
	a := newArena(t, 16)
	root, _ := Create(a)
	pa, _ := a.Alloc()
	if err := MapPage(a, root, 0x1000000, pa, PteR|PteW|PteU); err != 0 {
		t.Fatalf("first map: %d", err)
	}
	if err := MapPage(a, root, 0x1000000, pa, PteR|PteW|PteU); err == 0 {
		t.Fatal("expected second map of the same va to fail")
	}
}

func TestUnmapClearsEntry(t *testing.T) {
	a := newArena(t, 16)
	root, _ := Create(a)
	pa, _ := a.Alloc()
	const va = uintptr(0x2000000)
	if err := MapPage(a, root, va, pa, PteR|PteU); err != 0 {
		t.Fatal(err)
	}
	UnmapPage(a, root, va)
	if _, ok := WalkAddr(a, root, va); ok {
		t.Fatal("expected WalkAddr to fail after UnmapPage")
	}
}

func TestCopyoutRequiresWrite(t *testing.T) {
	a := newArena(t, 16)
	root, _ := Create(a)
	pa, _ := a.Alloc()
	const va = uintptr(0x3000000)
	if err := MapPage(a, root, va, pa, PteR|PteU); err != 0 {
		t.Fatal(err)
	}
	if err := Copyout(a, root, va, []byte("hi")); err == 0 {
		t.Fatal("expected Copyout to fail against a read-only page")
	}
}

func TestCopyoutCopyinRoundtrip(t *testing.T) {
	a := newArena(t, 16)
	root, _ := Create(a)
	pa, _ := a.Alloc()
	const va = uintptr(0x4000000)
	if err := MapPage(a, root, va, pa, PteR|PteW|PteU); err != 0 {
		t.Fatal(err)
	}
	msg := []byte("hello, kernel")
	if err := Copyout(a, root, va, msg); err != 0 {
		t.Fatalf("Copyout: %d", err)
	}
	got := make([]byte, len(msg))
	if err := Copyin(a, root, got, va); err != 0 {
		t.Fatalf("Copyin: %d", err)
	}
	if string(got) != string(msg) {
		t.Fatalf("roundtrip mismatch: got %q want %q", got, msg)
	}
}

func TestCopyinstrStopsAtNUL(t *testing.T) {
	a := newArena(t, 16)
	root, _ := Create(a)
	pa, _ := a.Alloc()
	const va = uintptr(0x5000000)
	if err := MapPage(a, root, va, pa, PteR|PteW|PteU); err != 0 {
		t.Fatal(err)
	}
	Copyout(a, root, va, []byte("abc\x00garbage"))
	buf := make([]byte, 32)
	if err := Copyinstr(a, root, buf, va); err != 0 {
		t.Fatalf("Copyinstr: %d", err)
	}
}

func TestUvmcopyMapsFreshFrame(t *testing.T) {
	a := newArena(t, 32)
	parent, _ := Create(a)
	pa, _ := a.Alloc()
	const sz = uint64(pgSize)
	if err := MapPage(a, parent, 0, pa, PteR|PteW|PteU); err != 0 {
		t.Fatal(err)
	}
	Copyout(a, parent, 0, []byte("parent-data"))

	child, ok := Uvmcopy(a, parent, sz)
	if !ok {
		t.Fatal("Uvmcopy failed")
	}
	childPA, ok := WalkAddr(a, child, 0)
	if !ok {
		t.Fatal("child mapping missing")
	}
	if childPA == pa {
		t.Fatal("Uvmcopy must map a freshly allocated frame, not alias the parent's")
	}

	// mutate the child and verify the parent is unaffected.
	Copyout(a, child, 0, []byte("child-data!"))
	buf := make([]byte, len("parent-data"))
	Copyin(a, parent, buf, 0)
	if string(buf) != "parent-data" {
		t.Fatalf("parent frame corrupted by child write: %q", buf)
	}
}
