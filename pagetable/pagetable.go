// Package pagetable implements the Sv39 three-level page-table engine
// spec.md §4.2 describes: walk/map/unmap, kernel and per-process address
// spaces, and the copyin/copyout/copyinstr family that resolves user
// pointers through a walk rather than trusting them directly. PTE flag
// values are ported from tinyrange-cc's RISC-V MMU
// (internal/hv/riscv/rv64/mmu.go); the walk/map/copy operations are ported
// from the teacher's vm.Vm_t (biscuit/src/vm/as.go), replacing biscuit's
// x86-64 four-level format with Sv39's three levels and V/R/W/X/U bits.
package pagetable

import (
	"encoding/binary"

	"riscv-os/defs"
	"riscv-os/mem"
	"riscv-os/memlayout"
	"riscv-os/util"
)

// PTE flag bits, Sv39 layout.
const (
	PteV = 1 << 0 // valid
	PteR = 1 << 1 // readable
	PteW = 1 << 2 // writable
	PteX = 1 << 3 // executable
	PteU = 1 << 4 // user-accessible
	PteG = 1 << 5 // global
	PteA = 1 << 6 // accessed
	PteD = 1 << 7 // dirty
)

const (
	pgSize  = memlayout.PGSIZE
	pgShift = memlayout.PGSHIFT
	// three Sv39 levels, 9 bits each.
	levels = 3
	pxMask = 0x1ff
)

// PTE is one 64-bit Sv39 page-table entry.
type PTE uint64

// Valid reports the V bit.
func (p PTE) Valid() bool { return p&PteV != 0 }

// Leaf reports whether any of R/W/X is set — spec.md §3's invariant "an
// entry with any of R/W/X set is a leaf."
func (p PTE) Leaf() bool { return p&(PteR|PteW|PteX) != 0 }

// PA extracts the physical frame address this entry encodes.
func (p PTE) PA() mem.Pa { return mem.Pa((p >> 10) << pgShift) }

// Flags returns the low 10 bits (V,R,W,X,U,G,A,D and two reserved bits).
func (p PTE) Flags() uint64 { return uint64(p) & 0x3ff }

// pa2pte shifts a physical frame address into PTE PPN position.
func pa2pte(pa mem.Pa) uint64 { return (uint64(pa) >> pgShift) << 10 }

// pxshift returns the bit offset of VPN[level] within a virtual address.
func pxshift(level int) uint { return uint(pgShift + 9*level) }

// px extracts VPN[level] from va.
func px(level int, va uintptr) uint64 {
	return (uint64(va) >> pxshift(level)) & pxMask
}

// Table is a 512-entry page-table page addressed by physical address.
type Table struct {
	alloc *mem.Allocator
	pa    mem.Pa
}

func tableAt(alloc *mem.Allocator, pa mem.Pa) Table { return Table{alloc, pa} }

func (t Table) bytes() []byte { return t.alloc.Read(t.pa) }

func (t Table) get(i uint64) PTE {
	return PTE(binary.LittleEndian.Uint64(t.bytes()[i*8:]))
}

func (t Table) set(i uint64, v PTE) {
	binary.LittleEndian.PutUint64(t.bytes()[i*8:], uint64(v))
}

// newTable allocates and zeroes a fresh page-table page.
func newTable(alloc *mem.Allocator) (Table, bool) {
	pa, ok := alloc.Alloc()
	if !ok {
		return Table{}, false
	}
	buf := alloc.Read(pa)
	for i := range buf {
		buf[i] = 0
	}
	return tableAt(alloc, pa), true
}

// Ref identifies one PTE slot: the table page containing it and its index.
type Ref struct {
	t   Table
	idx uint64
}

// Get reads the referenced PTE.
func (r Ref) Get() PTE { return r.t.get(r.idx) }

// Set writes the referenced PTE.
func (r Ref) Set(v PTE) { r.t.set(r.idx, v) }

// Create allocates and zeroes a fresh top-level page table, returning its
// physical address. Mirrors uvmcreate.
func Create(alloc *mem.Allocator) (mem.Pa, bool) {
	t, ok := newTable(alloc)
	if !ok {
		return 0, false
	}
	return t.pa, true
}

// Walk returns the PTE slot for va in the table rooted at root, walking
// down three levels. If alloc is true, missing interior page-table pages
// are allocated as needed (walk-create); otherwise a missing interior page
// causes Walk to report ok=false (walk-lookup), per spec.md §4.2.
func Walk(a *mem.Allocator, root mem.Pa, va uintptr, alloc bool) (Ref, bool) {
	if uint64(va) >= memlayout.MAXVA {
		panic("pagetable: walk: va out of range")
	}
	t := tableAt(a, root)
	for level := levels - 1; level > 0; level-- {
		idx := px(level, va)
		pte := t.get(idx)
		if pte.Valid() {
			t = tableAt(a, pte.PA())
			continue
		}
		if !alloc {
			return Ref{}, false
		}
		nt, ok := newTable(a)
		if !ok {
			return Ref{}, false
		}
		t.set(idx, PTE(pa2pte(nt.pa))|PteV)
		t = nt
	}
	return Ref{t, px(0, va)}, true
}

// WalkAddr translates a user virtual address to the physical address it
// maps to, or (0, false) if unmapped, not valid, or not user-accessible.
// Mirrors walkaddr: "returns P|(V&0xFFF) iff mapped."
func WalkAddr(a *mem.Allocator, root mem.Pa, va uintptr) (mem.Pa, bool) {
	if uint64(va) >= memlayout.MAXVA {
		return 0, false
	}
	ref, ok := Walk(a, root, va, false)
	if !ok {
		return 0, false
	}
	pte := ref.Get()
	if !pte.Valid() || !pte.Leaf() || pte&PteU == 0 {
		return 0, false
	}
	pa := pte.PA()
	return pa + mem.Pa(va&(pgSize-1)), true
}

// MapPage maps the aligned page at va to pa with the given permission bits.
// Fails if va is already mapped, per spec.md §4.2.
func MapPage(a *mem.Allocator, root mem.Pa, va uintptr, pa mem.Pa, perm uint64) defs.Err_t {
	if va%pgSize != 0 {
		panic("pagetable: MapPage: va not page-aligned")
	}
	if uint64(pa)%pgSize != 0 {
		panic("pagetable: MapPage: pa not page-aligned")
	}
	ref, ok := Walk(a, root, va, true)
	if !ok {
		return -defs.ENOMEM
	}
	if ref.Get().Valid() {
		return -defs.EINVAL
	}
	ref.Set(PTE(pa2pte(pa))|PTE(perm)|PteV)
	return 0
}

// MapRegion maps npages consecutive aligned pages starting at va to pa.
func MapRegion(a *mem.Allocator, root mem.Pa, va uintptr, pa mem.Pa, npages int, perm uint64) defs.Err_t {
	for i := 0; i < npages; i++ {
		if err := MapPage(a, root, va+uintptr(i*pgSize), pa+mem.Pa(i*pgSize), perm); err != 0 {
			return err
		}
	}
	return 0
}

// UnmapPage clears the leaf entry for va without freeing the backing frame.
func UnmapPage(a *mem.Allocator, root mem.Pa, va uintptr) {
	ref, ok := Walk(a, root, va, false)
	if !ok || !ref.Get().Valid() {
		return
	}
	ref.Set(0)
}

// Uvmunmap unmaps npages pages starting at va. When freeFrames is true, each
// mapped frame is also returned to the allocator. Pages in the range that
// are not mapped are skipped; a valid entry that is not a leaf panics.
func Uvmunmap(a *mem.Allocator, root mem.Pa, va uintptr, npages int, freeFrames bool) {
	if va%pgSize != 0 {
		panic("pagetable: Uvmunmap: va not page-aligned")
	}
	for i := 0; i < npages; i++ {
		cur := va + uintptr(i*pgSize)
		ref, ok := Walk(a, root, cur, false)
		if !ok {
			continue
		}
		pte := ref.Get()
		if !pte.Valid() {
			continue
		}
		if !pte.Leaf() {
			panic("pagetable: Uvmunmap: not a leaf")
		}
		if freeFrames {
			a.Free(pte.PA())
		}
		ref.Set(0)
	}
}

// freeWalk recursively frees the interior page-table pages of root (but
// never frames a leaf maps to — callers must unmap those first).
func freeWalk(a *mem.Allocator, root mem.Pa) {
	t := tableAt(a, root)
	for i := uint64(0); i < 512; i++ {
		pte := t.get(i)
		if !pte.Valid() {
			continue
		}
		if pte.Leaf() {
			panic("pagetable: freeWalk: leaf still mapped")
		}
		freeWalk(a, pte.PA())
	}
	a.Free(root)
}

// Uvmfree unmaps the user range [0, sz) freeing frames, then recursively
// frees the now-empty interior page-table pages.
func Uvmfree(a *mem.Allocator, root mem.Pa, sz uint64) {
	if sz > 0 {
		Uvmunmap(a, root, 0, int((sz+pgSize-1)/pgSize), true)
	}
	freeWalk(a, root)
}

// Uvmcopy duplicates the user address space [0, sz) of the parent rooted at
// oldRoot into a freshly allocated child table. Unlike the source xv6
// (flagged as a suspected bug in spec.md's Design Notes: the original maps
// the *parent's* physical frame into the child after copying into a new
// one, leaking the new frame and aliasing parent and child), this maps the
// newly allocated frame into the child.
func Uvmcopy(a *mem.Allocator, oldRoot mem.Pa, sz uint64) (mem.Pa, bool) {
	newRoot, ok := Create(a)
	if !ok {
		return 0, false
	}
	for va := uintptr(0); va < uintptr(sz); va += pgSize {
		ref, ok := Walk(a, oldRoot, va, false)
		if !ok || !ref.Get().Valid() {
			Uvmfree(a, newRoot, uint64(va))
			return 0, false
		}
		pte := ref.Get()
		newPa, ok := a.Alloc()
		if !ok {
			Uvmfree(a, newRoot, uint64(va))
			return 0, false
		}
		copy(a.Read(newPa), a.Read(pte.PA()))
		if err := MapPage(a, newRoot, va, newPa, pte.Flags()&^uint64(PteV)|PteV); err != 0 {
			a.Free(newPa)
			Uvmfree(a, newRoot, uint64(va))
			return 0, false
		}
	}
	return newRoot, true
}

// Vmfault zero-fills the page containing va on first touch, provided va
// falls within the process's declared size. This is the "rudimentary
// zero-fill fault path" spec.md §1 scopes this kernel to (no demand paging
// beyond this, no copy-on-write).
func Vmfault(a *mem.Allocator, root mem.Pa, va uintptr, sz uint64) defs.Err_t {
	if uint64(va) >= sz {
		return -defs.EFAULT
	}
	pg := va - va%pgSize
	if ref, ok := Walk(a, root, pg, false); ok && ref.Get().Valid() {
		return -defs.EINVAL
	}
	pa, ok := a.Alloc()
	if !ok {
		return -defs.ENOMEM
	}
	buf := a.Read(pa)
	for i := range buf {
		buf[i] = 0
	}
	return MapPage(a, root, pg, pa, PteR|PteW|PteU)
}

// Copyout copies len(src) bytes from kernel memory src to user virtual
// address dstva, failing if any destination page lacks the W permission bit
// (spec.md §8's testable property: "copyout fails when the destination leaf
// lacks W").
func Copyout(a *mem.Allocator, root mem.Pa, dstva uintptr, src []byte) defs.Err_t {
	for len(src) > 0 {
		va0 := dstva - dstva%pgSize
		ref, ok := Walk(a, root, va0, false)
		if !ok {
			return -defs.EFAULT
		}
		pte := ref.Get()
		if !pte.Valid() || !pte.Leaf() || pte&PteU == 0 || pte&PteW == 0 {
			return -defs.EFAULT
		}
		pa := pte.PA()
		off := int(dstva - va0)
		n := util.Min(pgSize-off, len(src))
		copy(a.Read(pa)[off:off+n], src[:n])
		src = src[n:]
		dstva = va0 + pgSize
	}
	return 0
}

// Copyin copies len(dst) bytes from user virtual address srcva into dst.
func Copyin(a *mem.Allocator, root mem.Pa, dst []byte, srcva uintptr) defs.Err_t {
	for len(dst) > 0 {
		va0 := srcva - srcva%pgSize
		ref, ok := Walk(a, root, va0, false)
		if !ok {
			return -defs.EFAULT
		}
		pte := ref.Get()
		if !pte.Valid() || !pte.Leaf() || pte&PteU == 0 {
			return -defs.EFAULT
		}
		pa := pte.PA()
		off := int(srcva - va0)
		n := util.Min(pgSize-off, len(dst))
		copy(dst[:n], a.Read(pa)[off:off+n])
		dst = dst[n:]
		srcva = va0 + pgSize
	}
	return 0
}

// Copyinstr copies a NUL-terminated string from user virtual address srcva
// into dst, stopping at the first NUL or once dst is full (in which case the
// string is not NUL-terminated and EINVAL is returned, matching xv6's
// copyinstr contract on overflow).
func Copyinstr(a *mem.Allocator, root mem.Pa, dst []byte, srcva uintptr) defs.Err_t {
	got := 0
	for got < len(dst) {
		va0 := srcva - srcva%pgSize
		ref, ok := Walk(a, root, va0, false)
		if !ok {
			return -defs.EFAULT
		}
		pte := ref.Get()
		if !pte.Valid() || !pte.Leaf() || pte&PteU == 0 {
			return -defs.EFAULT
		}
		pa := pte.PA()
		off := int(srcva - va0)
		for off < pgSize && got < len(dst) {
			c := a.Read(pa)[off]
			dst[got] = c
			got++
			off++
			if c == 0 {
				return 0
			}
		}
		srcva = va0 + pgSize
	}
	return -defs.EINVAL
}
