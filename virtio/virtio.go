// Package virtio is the external collaborator spec.md §1 names for the
// virtio-mmio block device: "the virtio-mmio block driver's request
// submission" sits outside this kernel's scope, stated only by its
// interface. This package gives that interface a concrete, in-memory-backed
// implementation so the rest of the kernel (and its tests) have something
// real to drive bio.Cache against, the same role biscuit/src/fs/blk.go's
// Disk_i / Bdev_req_t / AckCh protocol plays for biscuit's ahci and virtio
// backends.
package virtio

import (
	"fmt"
	"sync"

	"riscv-os/bio"
	"riscv-os/memlayout"
)

// debug gates the driver's trace logging, the same bdev_debug-style
// package-level boolean biscuit/src/fs/blk.go uses instead of a logging
// library.
var debug = false

// Disk is a virtio-mmio block device sitting at memlayout.VIRTIO0. Requests
// are served synchronously against an in-memory image (there is no real bus
// to program), but the Start/AckCh contract is the one a real ring-buffer
// driver would present, so bio.Cache never needs to know the difference.
type Disk struct {
	mu    sync.Mutex
	image [][bio.BSIZE]byte
}

var _ bio.Disk = (*Disk)(nil)

// New returns a Disk backed by nblocks zeroed BSIZE-byte blocks, as if an
// image of that size had already been attached at memlayout.VIRTIO0.
func New(nblocks int) *Disk {
	return &Disk{image: make([][bio.BSIZE]byte, nblocks)}
}

// LoadImage overwrites the disk's backing store with raw, assuming raw's
// length is a multiple of bio.BSIZE — used by cmd/kernel to attach an image
// built by cmd/mkfs.
func (d *Disk) LoadImage(raw []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.image = make([][bio.BSIZE]byte, len(raw)/bio.BSIZE)
	for i := range d.image {
		copy(d.image[i][:], raw[i*bio.BSIZE:(i+1)*bio.BSIZE])
	}
}

// Start submits req, ported from biscuit's Bdev_req_t handling: dispatch by
// command, copy to or from the backing image, and ack on req.AckCh. A real
// virtio-mmio driver would instead post a descriptor to the avail ring and
// wait for the used-ring interrupt (memlayout.VIRTIO0_IRQ); this
// implementation completes synchronously, which is indistinguishable to
// bio.Cache since it only ever blocks on AckCh.
func (d *Disk) Start(req *bio.Request) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if req.Block < 0 || req.Block >= len(d.image) {
		if debug {
			fmt.Printf("virtio: block %d out of range (%d blocks)\n", req.Block, len(d.image))
		}
		req.AckCh <- false
		return false
	}

	switch req.Cmd {
	case bio.CmdRead:
		copy(req.Data, d.image[req.Block][:])
	case bio.CmdWrite:
		copy(d.image[req.Block][:], req.Data)
	default:
		req.AckCh <- false
		return false
	}

	if debug {
		fmt.Printf("virtio: dev %d block %d cmd %d\n", req.Dev, req.Block, req.Cmd)
	}
	req.AckCh <- true
	return true
}

// IRQ reports the PLIC line this device raises on completion, for wiring
// into a trap.Plane's handler table.
func IRQ() int { return memlayout.VIRTIO0_IRQ }

// Dump returns the disk's current backing image as one flat byte slice,
// block by block — the inverse of LoadImage, used by cmd/mkfs to write out
// an image it just formatted.
func (d *Disk) Dump() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf := make([]byte, len(d.image)*bio.BSIZE)
	for i, blk := range d.image {
		copy(buf[i*bio.BSIZE:(i+1)*bio.BSIZE], blk[:])
	}
	return buf
}
