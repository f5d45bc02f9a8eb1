package fs

import (
	"riscv-os/bio"
	"riscv-os/defs"
	"riscv-os/sleeplock"
	"riscv-os/spinlock"
	"riscv-os/util"
)

// dinode is the on-disk inode format, spec.md §4.11: (type, major, minor,
// nlink, size, NDIRECT direct block numbers + 1 singly-indirect block
// number). Field widths follow xv6-riscv's struct dinode.
const dinodeSize = 2 + 2 + 2 + 2 + 4 + (NDIRECT+1)*4

func readDinode(b []byte, off int) (typ, major, minor, nlink int, size uint32, addrs [NDIRECT + 1]uint32) {
	typ = int(util.Readn16(b, off))
	major = int(util.Readn16(b, off+2))
	minor = int(util.Readn16(b, off+4))
	nlink = int(util.Readn16(b, off+6))
	size = util.Readn32(b, off+8)
	for i := range addrs {
		addrs[i] = util.Readn32(b, off+12+i*4)
	}
	return
}

func writeDinode(b []byte, off int, typ, major, minor, nlink int, size uint32, addrs [NDIRECT + 1]uint32) {
	util.Writen16(b, off, uint16(typ))
	util.Writen16(b, off+2, uint16(major))
	util.Writen16(b, off+4, uint16(minor))
	util.Writen16(b, off+6, uint16(nlink))
	util.Writen32(b, off+8, size)
	for i, a := range addrs {
		util.Writen32(b, off+12+i*4, a)
	}
}

// Inode is the in-memory inode, spec.md §3's "Inode (in-memory)": (device,
// inum, refcnt, sleep lock, valid flag, type, major, minor, nlink, size,
// NDIRECT+1 data block numbers).
type Inode struct {
	Dev    int
	Inum   int
	refcnt int

	lock  *sleeplock.Lock
	valid bool

	typ    int
	major  int
	minor  int
	nlink  int
	size   uint32
	addrs  [NDIRECT + 1]uint32
}

// itable is the fixed-size, refcounted in-memory inode cache, spec.md
// §4.11's "NINODE entries ... indexed by (dev, inum)".
const NINODE = 50

type itable struct {
	mu    *spinlock.Lock
	slots [NINODE]*Inode
}

// newITable pre-allocates all NINODE slots (each with its own sleep lock),
// the same fixed-slot-array pattern riscv-os/proc's Manager uses for its
// process table, so iget never has to allocate or special-case a nil slot.
func newITable(sched sleeplock.Waiter) *itable {
	t := &itable{mu: spinlock.New("itable")}
	for i := range t.slots {
		t.slots[i] = &Inode{lock: sleeplock.New("inode", sched)}
	}
	return t
}

// iget returns a cached slot for (dev, inum), bumping refcnt, or claims an
// empty one (refcnt==0) with valid=false. The caller must ilock before
// reading fields.
func (f *FS) iget(inum int) *Inode {
	t := f.itbl
	t.mu.Acquire()
	defer t.mu.Release()

	var empty *Inode
	for _, ip := range t.slots {
		if ip.refcnt > 0 && ip.Dev == f.Dev && ip.Inum == inum {
			ip.refcnt++
			return ip
		}
		if empty == nil && ip.refcnt == 0 {
			empty = ip
		}
	}
	if empty == nil {
		panic("fs: inode table exhausted")
	}
	empty.Dev = f.Dev
	empty.Inum = inum
	empty.valid = false
	empty.refcnt = 1
	return empty
}

// ilock locks ip and, if it isn't already valid, reads its dinode from disk.
func (f *FS) ilock(pid int, ip *Inode) {
	ip.lock.Acquire(pid)
	if !ip.valid {
		b := f.Cache.Bread(pid, f.Dev, f.Super.iblock(ip.Inum))
		off := (ip.Inum % IPB) * dinodeSize
		ip.typ, ip.major, ip.minor, ip.nlink, ip.size, ip.addrs = readDinode(b.Data[:], off)
		f.Cache.Brelse(b)
		ip.valid = true
		if ip.typ == TypeNone {
			panic("fs: ilock: no type")
		}
	}
}

// iunlock releases ip's sleep lock.
func (f *FS) iunlock(ip *Inode) {
	ip.lock.Release()
}

// iupdate writes ip's in-memory fields back to its on-disk dinode. Must be
// called within a log transaction.
func (f *FS) iupdate(pid int, ip *Inode) {
	b := f.Cache.Bread(pid, f.Dev, f.Super.iblock(ip.Inum))
	off := (ip.Inum % IPB) * dinodeSize
	writeDinode(b.Data[:], off, ip.typ, ip.major, ip.minor, ip.nlink, ip.size, ip.addrs)
	f.Log.Write(b)
	f.Cache.Brelse(b)
}

// iput decrements refcnt; when it is about to reach zero with nlink==0 and
// valid, it truncates, marks the type free, flushes, and then drops the
// slot, per spec.md §4.11.
func (f *FS) iput(pid int, ip *Inode) {
	t := f.itbl
	t.mu.Acquire()
	if ip.refcnt == 1 && ip.valid && ip.nlink == 0 {
		t.mu.Release()

		f.Log.BeginOp()
		ip.lock.Acquire(pid)
		f.itrunc(pid, ip)
		ip.typ = TypeNone
		f.iupdate(pid, ip)
		ip.valid = false
		ip.lock.Release()
		f.Log.EndOp(pid)

		t.mu.Acquire()
	}
	ip.refcnt--
	t.mu.Release()
}

// bmap translates a logical block index within ip into a physical block
// number, allocating (and logging) a new block on first write, per
// spec.md §4.11.
func (f *FS) bmap(pid int, ip *Inode, n int) uint32 {
	if n < NDIRECT {
		if ip.addrs[n] == 0 {
			ip.addrs[n] = f.balloc(pid)
		}
		return ip.addrs[n]
	}
	n -= NDIRECT
	if n >= NINDIRECT {
		panic("fs: bmap: out of range")
	}
	if ip.addrs[NDIRECT] == 0 {
		ip.addrs[NDIRECT] = f.balloc(pid)
	}
	ib := f.Cache.Bread(pid, f.Dev, int(ip.addrs[NDIRECT]))
	addr := util.Readn32(ib.Data[:], n*4)
	if addr == 0 {
		addr = f.balloc(pid)
		util.Writen32(ib.Data[:], n*4, addr)
		f.Log.Write(ib)
	}
	f.Cache.Brelse(ib)
	return addr
}

// itrunc frees every block (direct and indirect) ip references and zeroes
// its size.
func (f *FS) itrunc(pid int, ip *Inode) {
	for i := 0; i < NDIRECT; i++ {
		if ip.addrs[i] != 0 {
			f.bfree(pid, int(ip.addrs[i]))
			ip.addrs[i] = 0
		}
	}
	if ip.addrs[NDIRECT] != 0 {
		ib := f.Cache.Bread(pid, f.Dev, int(ip.addrs[NDIRECT]))
		for i := 0; i < NINDIRECT; i++ {
			a := util.Readn32(ib.Data[:], i*4)
			if a != 0 {
				f.bfree(pid, int(a))
			}
		}
		f.Cache.Brelse(ib)
		f.bfree(pid, int(ip.addrs[NDIRECT]))
		ip.addrs[NDIRECT] = 0
	}
	ip.size = 0
	f.iupdate(pid, ip)
}

// balloc scans the bitmap for a clear bit, sets and logs it, zeroes the new
// block (logged), and returns its block number. Must run within a
// transaction.
func (f *FS) balloc(pid int) uint32 {
	total := int(f.Super.Size)
	for b := 0; b < total; b += BPB {
		bm := f.Cache.Bread(pid, f.Dev, f.Super.bblock(b))
		for bi := 0; bi < BPB && b+bi < total; bi++ {
			byteIdx, mask := bi/8, byte(1<<(uint(bi)%8))
			if bm.Data[byteIdx]&mask == 0 {
				bm.Data[byteIdx] |= mask
				f.Log.Write(bm)
				f.Cache.Brelse(bm)
				f.zeroBlock(pid, b+bi)
				return uint32(b + bi)
			}
		}
		f.Cache.Brelse(bm)
	}
	panic("fs: balloc: out of blocks")
}

// bfree clears and logs the bit for block b. Must run within a transaction.
func (f *FS) bfree(pid, b int) {
	bm := f.Cache.Bread(pid, f.Dev, f.Super.bblock(b))
	byteIdx, mask := (b%BPB)/8, byte(1<<(uint(b%BPB)%8))
	if bm.Data[byteIdx]&mask == 0 {
		panic("fs: bfree: freeing free block")
	}
	bm.Data[byteIdx] &^= mask
	f.Log.Write(bm)
	f.Cache.Brelse(bm)
}

func (f *FS) zeroBlock(pid, b int) {
	buf := f.Cache.Bread(pid, f.Dev, b)
	buf.Data = [bio.BSIZE]byte{}
	f.Log.Write(buf)
	f.Cache.Brelse(buf)
}

// Ialloc allocates a fresh on-disk inode of the given type, logs it, and
// returns the locked in-memory inode (the caller must iunlock/iput it).
// Must run within a transaction.
func (f *FS) Ialloc(pid, typ int) *Inode {
	for inum := 1; inum < int(f.Super.Ninodes); inum++ {
		b := f.Cache.Bread(pid, f.Dev, f.Super.iblock(inum))
		off := (inum % IPB) * dinodeSize
		existingTyp := int(util.Readn16(b.Data[:], off))
		if existingTyp == TypeNone {
			writeDinode(b.Data[:], off, typ, 0, 0, 0, 0, [NDIRECT + 1]uint32{})
			f.Log.Write(b)
			f.Cache.Brelse(b)
			ip := f.iget(inum)
			f.ilock(pid, ip)
			return ip
		}
		f.Cache.Brelse(b)
	}
	panic("fs: Ialloc: out of inodes")
}

// Readi reads up to len(dst) bytes from ip starting at off, short-reading
// at end-of-file.
func (f *FS) Readi(pid int, ip *Inode, dst []byte, off uint32) (int, defs.Err_t) {
	if off > ip.size {
		return 0, -defs.EINVAL
	}
	n := uint32(len(dst))
	if off+n > ip.size {
		n = ip.size - off
	}
	total := uint32(0)
	for total < n {
		blockIdx := int((off + total) / bio.BSIZE)
		blockOff := (off + total) % bio.BSIZE
		chunk := util.Min(n-total, bio.BSIZE-blockOff)
		b := f.Cache.Bread(pid, f.Dev, int(f.bmap(pid, ip, blockIdx)))
		copy(dst[total:total+chunk], b.Data[blockOff:blockOff+chunk])
		f.Cache.Brelse(b)
		total += chunk
	}
	return int(total), 0
}

// Writei writes len(src) bytes into ip at off, extending size and updating
// the inode. Must run within a transaction.
func (f *FS) Writei(pid int, ip *Inode, src []byte, off uint32) (int, defs.Err_t) {
	if uint64(off)+uint64(len(src)) > MAXFILE {
		return 0, -defs.EINVAL
	}
	n := uint32(len(src))
	total := uint32(0)
	for total < n {
		blockIdx := int((off + total) / bio.BSIZE)
		blockOff := (off + total) % bio.BSIZE
		chunk := util.Min(n-total, bio.BSIZE-blockOff)
		b := f.Cache.Bread(pid, f.Dev, int(f.bmap(pid, ip, blockIdx)))
		copy(b.Data[blockOff:blockOff+chunk], src[total:total+chunk])
		f.Log.Write(b)
		f.Cache.Brelse(b)
		total += chunk
	}
	if off+total > ip.size {
		ip.size = off + total
	}
	f.iupdate(pid, ip)
	return int(total), 0
}
