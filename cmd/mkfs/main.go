// Command mkfs builds an offline disk image: a superblock-described layout
// of log, inode and bitmap blocks plus a populated root directory, the way
// a machine would find its disk on first boot. Grounded on
// biscuit/src/mkfs/mkfs.go's role (a host-side tool that formats an image
// before the kernel ever runs), adapted from biscuit's ufs/ustr-based file
// copier to this kernel's own fs package, since there is no executable
// loader (spec.md's Non-goals exclude exec) for mkfs to populate user
// program images into.
package main

import (
	"flag"
	"fmt"
	"os"

	"riscv-os/bio"
	"riscv-os/defs"
	"riscv-os/fs"
	"riscv-os/log"
	"riscv-os/sleeplock"
	"riscv-os/spinlock"
	"riscv-os/virtio"
)

// Image layout, chosen to comfortably exercise direct and indirect block
// addressing without producing an unwieldy file on disk.
const (
	logBlocks   = 30 // matches log.LOGBLOCKS; verified against it at startup
	nInodes     = 200
	nDataBlocks = 1024

	logStart = 2 // block 0 is the boot block, block 1 the superblock
)

// offlineSched is the sleeplock.Waiter used while formatting: mkfs runs
// single-threaded with exactly one caller (pid 0), so contention can never
// happen and Sleep is never expected to be called.
type offlineSched struct{}

func (offlineSched) Sleep(chanv any, lk *spinlock.Lock) { panic("mkfs: unexpected sleep") }
func (offlineSched) Wakeup(chanv any)                   {}

var _ sleeplock.Waiter = offlineSched{}

const formatPid = 0

func main() {
	out := flag.String("o", "fs.img", "output image path")
	flag.Parse()

	if logBlocks != log.LOGBLOCKS {
		fmt.Fprintf(os.Stderr, "mkfs: logBlocks constant out of sync with log.LOGBLOCKS (%d != %d)\n", logBlocks, log.LOGBLOCKS)
		os.Exit(1)
	}

	inodeStart := logStart + logBlocks + 1
	nInodeBlocks := (nInodes + fs.IPB - 1) / fs.IPB
	bmapStart := inodeStart + nInodeBlocks
	metaBlocks := bmapStart + 1
	nBitmapBlocks := (metaBlocks + nDataBlocks + fs.BPB - 1) / fs.BPB
	if nBitmapBlocks < 1 {
		nBitmapBlocks = 1
	}
	dataStart := bmapStart + nBitmapBlocks
	total := dataStart + nDataBlocks

	sb := fs.Superblock{
		Magic:      0x10203040,
		Size:       uint32(total),
		Nblocks:    uint32(nDataBlocks),
		Ninodes:    uint32(nInodes),
		Nlog:       uint32(logBlocks + 1),
		Logstart:   uint32(logStart),
		Inodestart: uint32(inodeStart),
		Bmapstart:  uint32(bmapStart),
	}

	disk := virtio.New(total)
	cache := bio.NewCache(disk, offlineSched{})

	fs.WriteSuperblock(formatPid, defs.D_RAWDISK, cache, sb)
	markMetadataUsed(cache, sb, dataStart)

	lg := log.New(formatPid, defs.D_RAWDISK, logStart, cache, offlineSched{})
	fileSystem, err := fs.Mount(formatPid, defs.D_RAWDISK, cache, lg, offlineSched{})
	if err != 0 {
		fmt.Fprintf(os.Stderr, "mkfs: mount during format failed: %d\n", err)
		os.Exit(1)
	}

	fileSystem.Log.BeginOp()
	fileSystem.MkRootDir(formatPid)
	fileSystem.Log.EndOp(formatPid)

	if err := os.WriteFile(*out, disk.Dump(), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: writing %q: %v\n", *out, err)
		os.Exit(1)
	}
	fmt.Printf("mkfs: wrote %s (%d blocks, %d bytes)\n", *out, total, total*bio.BSIZE)
}

// markMetadataUsed sets the bitmap bit for every block below dataStart
// (boot, super, log, inode and bitmap blocks themselves), exactly what a
// real mkfs does before the log or the in-memory inode table ever exist to
// do it transactionally. Duplicates fs's private bblock formula
// (Bmapstart + b/BPB) since that helper isn't exported; the formula itself
// is part of the on-disk contract encoded in the exported Superblock and
// fs.BPB.
func markMetadataUsed(cache *bio.Cache, sb fs.Superblock, dataStart int) {
	for b := 0; b < dataStart; b += fs.BPB {
		blockno := int(sb.Bmapstart) + b/fs.BPB
		bm := cache.Bread(formatPid, defs.D_RAWDISK, blockno)
		for bi := 0; bi < fs.BPB && b+bi < dataStart; bi++ {
			bm.Data[bi/8] |= 1 << uint(bi%8)
		}
		cache.Bwrite(bm)
		cache.Brelse(bm)
	}
}
