package mem

import "testing"

func newTestAllocator(npages int) *Allocator {
	const start = Pa(0x80000000)
	return NewAllocator(start, start+Pa(npages*pgSize))
}

func TestAllocFreeLIFO(t *testing.T) {
	a := newTestAllocator(4)

	pA, ok := a.Alloc()
	if !ok {
		t.Fatal("expected a free frame")
	}
	pB, ok := a.Alloc()
	if !ok {
		t.Fatal("expected a free frame")
	}
	if pA == pB {
		t.Fatalf("expected distinct frames, got %x twice", pA)
	}

	copy(a.Read(pA), []byte{0x78, 0x56, 0x34, 0x12})

	a.Free(pA)
	pC, ok := a.Alloc()
	if !ok {
		t.Fatal("expected a free frame")
	}
	if pC != pA {
		t.Fatalf("expected LIFO reuse of %x, got %x", pA, pC)
	}

	a.Free(pB)
	a.Free(pC)
}

func TestAlignmentAndRange(t *testing.T) {
	a := newTestAllocator(2)
	p, ok := a.Alloc()
	if !ok {
		t.Fatal("expected a free frame")
	}
	if p%pgSize != 0 {
		t.Fatalf("frame %x is not page-aligned", p)
	}
	if !a.Contains(p) {
		t.Fatalf("frame %x outside managed arena", p)
	}
}

func TestFreeUnalignedPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic freeing an unaligned address")
		}
	}()
	a := newTestAllocator(2)
	a.Free(a.start + 1)
}

func TestExhaustion(t *testing.T) {
	a := newTestAllocator(2)
	var got []Pa
	for {
		p, ok := a.Alloc()
		if !ok {
			break
		}
		got = append(got, p)
	}
	if len(got) != 2 {
		t.Fatalf("expected exactly 2 frames, got %d", len(got))
	}
	if _, ok := a.Alloc(); ok {
		t.Fatal("expected allocator to be exhausted")
	}
}
