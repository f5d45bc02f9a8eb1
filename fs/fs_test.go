package fs

import (
	"testing"

	"riscv-os/bio"
	"riscv-os/defs"
	"riscv-os/log"
	"riscv-os/spinlock"
	"riscv-os/util"
)

// fakeDisk is an in-memory backing store, deterministic and synchronous,
// matching the harness already used by the bio and log packages' own tests.
type fakeDisk struct {
	blocks map[int][bio.BSIZE]byte
}

func newFakeDisk() *fakeDisk { return &fakeDisk{blocks: make(map[int][bio.BSIZE]byte)} }

func (d *fakeDisk) Start(req *bio.Request) bool {
	switch req.Cmd {
	case bio.CmdRead:
		b := d.blocks[req.Block]
		copy(req.Data, b[:])
	case bio.CmdWrite:
		var b [bio.BSIZE]byte
		copy(b[:], req.Data)
		d.blocks[req.Block] = b
	}
	req.AckCh <- true
	return true
}

type noWaiter struct{}

func (noWaiter) Sleep(chanv any, lk *spinlock.Lock) { panic("fs test: unexpected sleep") }
func (noWaiter) Wakeup(chanv any)                   {}

const (
	testDev    = 0
	testPid    = 1
	logStart   = 2
	nlog       = LOGBLOCKS_TEST
	inodeStart = logStart + nlog + 1
	nInodeBlk  = 4 // enough for testNinodes at IPB=16
	bmapStart  = inodeStart + nInodeBlk
	dataStart  = bmapStart + 1
	testSize   = dataStart + 64
	testNinodes = 50
)

// LOGBLOCKS_TEST is a local copy of log.LOGBLOCKS used by the const block
// above; newTestFS checks that the two agree.
const LOGBLOCKS_TEST = 30

// formatDisk writes a superblock and marks every metadata block (boot,
// super, log, inode and bitmap blocks themselves) as allocated in the
// bitmap, the way an offline mkfs would before the log or cache ever touch
// the image — this must happen by raw byte manipulation, not through
// bio/log, since nothing has mounted yet.
func formatDisk(t *testing.T, disk *fakeDisk, sb Superblock) {
	t.Helper()

	var sbBlk [bio.BSIZE]byte
	fields := []uint32{sb.Magic, sb.Size, sb.Nblocks, sb.Ninodes, sb.Nlog, sb.Logstart, sb.Inodestart, sb.Bmapstart}
	for i, v := range fields {
		util.Writen32(sbBlk[:], i*4, v)
	}
	disk.blocks[1] = sbBlk

	var bm [bio.BSIZE]byte
	for b := 0; b < int(sb.Inodestart)+nInodeBlk+1; b++ {
		bm[b/8] |= 1 << uint(b%8)
	}
	disk.blocks[int(sb.Bmapstart)] = bm
}

func newTestFS(t *testing.T) (*FS, *bio.Cache, *fakeDisk) {
	t.Helper()
	if LOGBLOCKS_TEST != log.LOGBLOCKS {
		t.Fatalf("LOGBLOCKS_TEST out of sync with log.LOGBLOCKS (%d != %d)", LOGBLOCKS_TEST, log.LOGBLOCKS)
	}

	sb := Superblock{
		Magic:      fsmagic,
		Size:       uint32(testSize),
		Nblocks:    uint32(testSize - dataStart),
		Ninodes:    testNinodes,
		Nlog:       uint32(nlog + 1),
		Logstart:   uint32(logStart),
		Inodestart: uint32(inodeStart),
		Bmapstart:  uint32(bmapStart),
	}

	disk := newFakeDisk()
	formatDisk(t, disk, sb)

	cache := bio.NewCache(disk, noWaiter{})
	lg := log.New(testPid, testDev, logStart, cache, noWaiter{})
	f, err := Mount(testPid, testDev, cache, lg, noWaiter{})
	if err != 0 {
		t.Fatalf("Mount failed: %d", err)
	}
	return f, cache, disk
}

func (f *FS) mkRoot(t *testing.T) *Inode {
	t.Helper()
	f.Log.BeginOp()
	root := f.Ialloc(testPid, TypeDir)
	root.nlink = 1
	f.iupdate(testPid, root)
	if err := f.Dirlink(testPid, root, ".", root.Inum); err != 0 {
		t.Fatalf("Dirlink .: %d", err)
	}
	if err := f.Dirlink(testPid, root, "..", root.Inum); err != 0 {
		t.Fatalf("Dirlink ..: %d", err)
	}
	f.iunlock(root)
	f.Log.EndOp(testPid)
	return root
}

func TestIallocDirlinkDirlookupRoundtrip(t *testing.T) {
	f, _, _ := newTestFS(t)
	root := f.mkRoot(t)

	f.Log.BeginOp()
	file := f.Ialloc(testPid, TypeFile)
	file.nlink = 1
	f.iupdate(testPid, file)
	f.iunlock(file)

	f.ilock(testPid, root)
	if err := f.Dirlink(testPid, root, "foo.txt", file.Inum); err != 0 {
		t.Fatalf("Dirlink: %d", err)
	}
	f.iunlock(root)
	f.Log.EndOp(testPid)

	f.ilock(testPid, root)
	found, _, ok := f.Dirlookup(testPid, root, "foo.txt")
	f.iunlock(root)
	if !ok {
		t.Fatal("expected Dirlookup to find foo.txt")
	}
	if found.Inum != file.Inum {
		t.Fatalf("expected inum %d, got %d", file.Inum, found.Inum)
	}
	f.iput(testPid, found)
	f.iput(testPid, file)
	f.iput(testPid, root)
}

func TestDirlinkDuplicateNameRejected(t *testing.T) {
	f, _, _ := newTestFS(t)
	root := f.mkRoot(t)

	f.Log.BeginOp()
	a := f.Ialloc(testPid, TypeFile)
	f.iunlock(a)
	b := f.Ialloc(testPid, TypeFile)
	f.iunlock(b)

	f.ilock(testPid, root)
	if err := f.Dirlink(testPid, root, "dup", a.Inum); err != 0 {
		t.Fatalf("first Dirlink: %d", err)
	}
	err := f.Dirlink(testPid, root, "dup", b.Inum)
	f.iunlock(root)
	f.Log.EndOp(testPid)

	if err != -defs.EEXIST {
		t.Fatalf("expected -EEXIST on duplicate name, got %d", err)
	}
	f.iput(testPid, a)
	f.iput(testPid, b)
	f.iput(testPid, root)
}

func TestReadiWriteiCrossesIndirectBoundary(t *testing.T) {
	f, _, _ := newTestFS(t)
	root := f.mkRoot(t)

	f.Log.BeginOp()
	file := f.Ialloc(testPid, TypeFile)

	src := make([]byte, 2*bio.BSIZE)
	for i := range src {
		src[i] = byte(i)
	}
	off := uint32((NDIRECT - 1) * bio.BSIZE)
	n, err := f.Writei(testPid, file, src, off)
	if err != 0 || n != len(src) {
		t.Fatalf("Writei: n=%d err=%d", n, err)
	}
	f.iunlock(file)
	f.Log.EndOp(testPid)

	dst := make([]byte, len(src))
	f.ilock(testPid, file)
	n, err = f.Readi(testPid, file, dst, off)
	f.iunlock(file)
	if err != 0 || n != len(dst) {
		t.Fatalf("Readi: n=%d err=%d", n, err)
	}
	for i := range src {
		if dst[i] != src[i] {
			t.Fatalf("roundtrip mismatch at byte %d: want %x got %x", i, src[i], dst[i])
		}
	}
	f.iput(testPid, file)
	f.iput(testPid, root)
}

func TestBallocBfreeReusesFreedBlock(t *testing.T) {
	f, _, _ := newTestFS(t)
	root := f.mkRoot(t)

	f.Log.BeginOp()
	b1 := f.balloc(testPid)
	b2 := f.balloc(testPid)
	if b1 == b2 {
		t.Fatal("expected two distinct allocations")
	}
	f.bfree(testPid, int(b1))
	b3 := f.balloc(testPid)
	if b3 != b1 {
		t.Fatalf("expected first-fit reuse of freed block %d, got %d", b1, b3)
	}
	f.Log.EndOp(testPid)
	f.iput(testPid, root)
}

func TestNameiResolvesNestedPath(t *testing.T) {
	f, _, _ := newTestFS(t)
	root := f.mkRoot(t)

	f.Log.BeginOp()
	dir1 := f.Ialloc(testPid, TypeDir)
	dir1.nlink = 1
	f.iupdate(testPid, dir1)
	if err := f.Dirlink(testPid, dir1, ".", dir1.Inum); err != 0 {
		t.Fatalf(". : %d", err)
	}
	if err := f.Dirlink(testPid, dir1, "..", root.Inum); err != 0 {
		t.Fatalf(".. : %d", err)
	}

	file1 := f.Ialloc(testPid, TypeFile)
	file1.nlink = 1
	f.iupdate(testPid, file1)
	f.iunlock(file1)
	f.iunlock(dir1)

	f.ilock(testPid, root)
	if err := f.Dirlink(testPid, root, "dir1", dir1.Inum); err != 0 {
		t.Fatalf("link dir1: %d", err)
	}
	f.iunlock(root)

	f.ilock(testPid, dir1)
	if err := f.Dirlink(testPid, dir1, "file1", file1.Inum); err != 0 {
		t.Fatalf("link file1: %d", err)
	}
	f.iunlock(dir1)
	f.Log.EndOp(testPid)

	resolved := f.Namei(testPid, "/dir1/file1", root)
	if resolved == nil {
		t.Fatal("expected Namei to resolve /dir1/file1")
	}
	if resolved.Inum != file1.Inum {
		t.Fatalf("expected inum %d, got %d", file1.Inum, resolved.Inum)
	}
	f.iput(testPid, resolved)

	var name [DIRSIZ]byte
	parent := f.NameiParent(testPid, "/dir1/file1", name[:], root)
	if parent == nil || parent.Inum != dir1.Inum {
		t.Fatalf("expected NameiParent to resolve dir1 (inum %d), got %v", dir1.Inum, parent)
	}
	raw := append([]byte{0, 0}, name[:]...)
	if got := dirname(raw); got != "file1" {
		t.Fatalf("expected parent name file1, got %q", got)
	}
	f.iput(testPid, parent)
	f.iput(testPid, dir1)
	f.iput(testPid, file1)
	f.iput(testPid, root)
}
