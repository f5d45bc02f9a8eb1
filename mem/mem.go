// Package mem implements the physical frame allocator spec.md §4.1
// describes: a page-granular pool of 4 KiB frames, free list threaded
// through the first bytes of each free frame, protected by a spinlock.
// Ported from the teacher's mem.Physmem_t, trimmed of the per-CPU free-list
// fast path (this kernel targets a single hart, per spec.md's Non-goals) and
// retargeted from x86-style PTE bits to the plain physical-page bookkeeping
// spec.md §4.1 actually asks for.
package mem

import (
	"encoding/binary"

	"riscv-os/memlayout"
	"riscv-os/spinlock"
)

const (
	pgSize = memlayout.PGSIZE
	// poison is written across a freed frame so that use-after-free reads
	// garbage instead of silently-plausible zeros.
	poison = 0xa5
)

// Pa is a physical address. 0 is never a valid frame (every arena starts at
// KERNBASE, which is non-zero), so it doubles as the free list's nil.
type Pa uintptr

// Page is the fixed-size backing array for one physical frame.
type Page [pgSize]byte

// Allocator is a physical frame pool over the arena [start, end). In the
// absence of real hardware the arena is a Go byte slice standing in for
// physical RAM; frames are addressed by Pa, offset from start.
type Allocator struct {
	lock     *spinlock.Lock
	freelist Pa // head of the free list, or 0 if empty
	start    Pa
	end      Pa
	arena    []byte
}

// NewAllocator constructs an allocator over [start, end), a page-aligned
// range, and frees every whole page in it — the allocator's Init, which
// normally walks from the end of the kernel image up to PHYSTOP.
func NewAllocator(start, end Pa) *Allocator {
	if start == 0 {
		panic("mem: arena must not start at address 0")
	}
	if start%pgSize != 0 || end%pgSize != 0 {
		panic("mem: unaligned arena bounds")
	}
	a := &Allocator{
		lock:  spinlock.New("kmem"),
		start: start,
		end:   end,
		arena: make([]byte, end-start),
	}
	for p := start; p+pgSize <= end; p += pgSize {
		a.free(p)
	}
	return a
}

// page returns the arena slice backing the frame at physical address p.
func (a *Allocator) page(p Pa) []byte {
	off := int(p - a.start)
	return a.arena[off : off+pgSize]
}

func (a *Allocator) nextOf(p Pa) Pa {
	v := binary.LittleEndian.Uint64(a.page(p)[:8])
	if v == 0 {
		return 0
	}
	return a.start + Pa(v-1)
}

func (a *Allocator) setNext(p Pa, next Pa) {
	var v uint64
	if next != 0 {
		v = uint64(next-a.start) + 1
	}
	binary.LittleEndian.PutUint64(a.page(p)[:8], v)
}

// Alloc returns one free frame's physical address, or (0, false) if none
// remain. Never panics: resource exhaustion here is an ordinary runtime
// condition the caller must handle, per spec.md §7.
func (a *Allocator) Alloc() (Pa, bool) {
	a.lock.Acquire()
	defer a.lock.Release()
	if a.freelist == 0 {
		return 0, false
	}
	p := a.freelist
	a.freelist = a.nextOf(p)
	return p, true
}

// Free returns a frame to the pool, poisoning its contents first. Panics on
// an unaligned or out-of-range address: that is a programmer bug, not a
// runtime condition (spec.md §7).
func (a *Allocator) Free(p Pa) {
	if p%pgSize != 0 || p < a.start || p >= a.end {
		panic("mem: free of unaligned or out-of-range frame")
	}
	a.lock.Acquire()
	a.free(p)
	a.lock.Release()
}

// free is the lock-free interior shared by Free and NewAllocator's initial
// population (the latter has no concurrent access to race with).
func (a *Allocator) free(p Pa) {
	buf := a.page(p)
	for i := range buf {
		buf[i] = poison
	}
	a.setNext(p, a.freelist)
	a.freelist = p
}

// Read returns the live contents of the frame at p, for callers (the page
// table engine, the buffer cache) that need to interpret a frame's bytes.
func (a *Allocator) Read(p Pa) []byte {
	return a.page(p)
}

// Contains reports whether p falls within the arena this allocator manages.
func (a *Allocator) Contains(p Pa) bool {
	return p >= a.start && p < a.end
}
