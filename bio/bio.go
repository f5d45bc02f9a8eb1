// Package bio implements the block buffer cache spec.md §4.9 describes: a
// fixed-size, sleep-locked, LRU-ordered cache of BSIZE-byte disk blocks
// sitting in front of the virtio disk driver. Grounded on the cache/list
// bookkeeping in biscuit/src/fs/blk.go's Bdev_block_t and BlkList_t, adapted
// from biscuit's refcounted-object-cache model (Objref_t) to xv6-riscv's
// simpler fixed-capacity doubly-linked LRU list.
package bio

import (
	"container/list"
	"fmt"

	"riscv-os/defs"
	"riscv-os/sleeplock"
	"riscv-os/spinlock"
)

// BSIZE is the on-disk block size, spec.md §4.11 ("NDIRECT=12, BSIZE=1024").
// Distinct from memlayout.PGSIZE: a physical page holds 4 blocks.
const BSIZE = 1024

// NBUF is the fixed capacity of the cache.
const NBUF = 32

// Disk is the virtio-mmio block driver's interface, ported from biscuit's
// Disk_i (fs/blk.go): submit a request, get acked on a channel.
type Disk interface {
	Start(req *Request) bool
}

// Cmd enumerates disk request types, ported from biscuit's Bdevcmd_t.
type Cmd int

const (
	CmdRead Cmd = iota
	CmdWrite
)

// Request describes one disk transfer, ported from biscuit's Bdev_req_t.
type Request struct {
	Cmd   Cmd
	Dev   int
	Block int
	Data  []byte // BSIZE bytes; driver reads into this (CmdRead) or from it (CmdWrite)
	AckCh chan bool
}

// Buf is one cached block, spec.md §3's "Buffer": (device, block number,
// valid flag, reference count, sleep lock, BSIZE-byte data).
type Buf struct {
	Dev     int
	Blockno int
	Valid   bool
	Refcnt  int
	Data    [BSIZE]byte

	lock *sleeplock.Lock
	elem *list.Element
}

// Cache is the fixed-capacity LRU buffer cache. The list is ordered
// most-recently-released at the head, matching spec.md's "sorted
// most-recent-first at its head."
type Cache struct {
	mu    *spinlock.Lock
	lru   *list.List // of *Buf
	disk  Disk
	sched sleeplock.Waiter
}

// NewCache builds a Cache of NBUF empty, invalid buffers.
func NewCache(disk Disk, sched sleeplock.Waiter) *Cache {
	c := &Cache{mu: spinlock.New("bcache"), lru: list.New(), disk: disk, sched: sched}
	for i := 0; i < NBUF; i++ {
		b := &Buf{}
		b.lock = sleeplock.New(fmt.Sprintf("buf[%d]", i), sched)
		b.elem = c.lru.PushBack(b)
	}
	return c
}

// bget searches MRU→LRU for (dev, blockno); on a hit it bumps refcnt and
// returns it still unlocked (the sleep lock is acquired by the caller,
// Bread, after dropping the cache spinlock — matching spec.md's "on hit,
// increments refcnt, drops the cache lock, and acquires the buffer's sleep
// lock (may suspend)"). On a miss it claims the LRU-most buffer with
// refcnt==0, rewriting its identity and marking it invalid so the caller
// knows to read through to disk. Panics if no buffer is free, a fail-stop
// per spec.md §4.9.
func (c *Cache) bget(dev, blockno int) *Buf {
	c.mu.Acquire()

	for e := c.lru.Front(); e != nil; e = e.Next() {
		b := e.Value.(*Buf)
		if b.Dev == dev && b.Blockno == blockno {
			b.Refcnt++
			c.mu.Release()
			return b
		}
	}

	for e := c.lru.Back(); e != nil; e = e.Prev() {
		b := e.Value.(*Buf)
		if b.Refcnt == 0 {
			b.Dev = dev
			b.Blockno = blockno
			b.Valid = false
			b.Refcnt = 1
			c.mu.Release()
			return b
		}
	}

	c.mu.Release()
	panic("bio: no free buffers")
}

// Bread returns the locked buffer for (dev, blockno), reading it from disk
// via the Disk collaborator the first time it is cached.
func (c *Cache) Bread(pid, dev, blockno int) *Buf {
	b := c.bget(dev, blockno)
	b.lock.Acquire(pid)
	if !b.Valid {
		c.diskRW(b, CmdRead)
		b.Valid = true
	}
	return b
}

// Brelse releases the sleep lock and, under the cache lock, decrements
// refcnt; at zero the buffer moves to the MRU head so it is the last thing
// evicted.
func (c *Cache) Brelse(b *Buf) {
	b.lock.Release()

	c.mu.Acquire()
	b.Refcnt--
	if b.Refcnt == 0 {
		c.lru.MoveToFront(b.elem)
	}
	c.mu.Release()
}

// Bwrite requires the caller already holds b's sleep lock and forwards the
// write to disk, per spec.md §4.9.
func (c *Cache) Bwrite(b *Buf) {
	c.diskRW(b, CmdWrite)
}

// Bpin and Bunpin adjust refcnt without touching the sleep lock, used by the
// log to keep dirtied buffers resident between log_write and commit.
func (c *Cache) Bpin(b *Buf) {
	c.mu.Acquire()
	b.Refcnt++
	c.mu.Release()
}

func (c *Cache) Bunpin(b *Buf) {
	c.mu.Acquire()
	b.Refcnt--
	c.mu.Release()
}

// diskRW submits a synchronous request and waits for the ack, mirroring
// Bdev_block_t.Read/Write in biscuit/src/fs/blk.go.
func (c *Cache) diskRW(b *Buf, cmd Cmd) defs.Err_t {
	req := &Request{Cmd: cmd, Dev: b.Dev, Block: b.Blockno, Data: b.Data[:], AckCh: make(chan bool, 1)}
	if c.disk.Start(req) {
		<-req.AckCh
	}
	return 0
}
