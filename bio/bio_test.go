package bio

import (
	"testing"

	"riscv-os/spinlock"
)

// fakeDisk is an in-memory backing store, deterministic and synchronous: it
// acks every request immediately, unlike a real virtio ring.
type fakeDisk struct {
	blocks map[int][BSIZE]byte
}

func newFakeDisk() *fakeDisk { return &fakeDisk{blocks: make(map[int][BSIZE]byte)} }

func (d *fakeDisk) Start(req *Request) bool {
	switch req.Cmd {
	case CmdRead:
		b := d.blocks[req.Block]
		copy(req.Data, b[:])
	case CmdWrite:
		var b [BSIZE]byte
		copy(b[:], req.Data)
		d.blocks[req.Block] = b
	}
	req.AckCh <- true
	return true
}

// noWaiter panics if a test's buffers ever actually contend, which none of
// the single-goroutine cases below do. Wakeup is a no-op: every sleep-lock
// release calls it, contended or not.
type noWaiter struct{}

func (noWaiter) Sleep(chanv any, lk *spinlock.Lock) { panic("bio test: unexpected sleep") }
func (noWaiter) Wakeup(chanv any)                   {}

func TestBreadMissReadsThroughToDisk(t *testing.T) {
	disk := newFakeDisk()
	var seed [BSIZE]byte
	seed[0] = 0xaa
	disk.blocks[5] = seed

	c := NewCache(disk, noWaiter{})
	b := c.Bread(1, 0, 5)
	if !b.Valid {
		t.Fatal("expected buffer to be valid after Bread")
	}
	if b.Data[0] != 0xaa {
		t.Fatalf("expected data read through from disk, got %x", b.Data[0])
	}
	c.Brelse(b)
}

func TestBreadHitReusesSameBuffer(t *testing.T) {
	disk := newFakeDisk()
	c := NewCache(disk, noWaiter{})

	b1 := c.Bread(1, 0, 7)
	c.Brelse(b1)
	b2 := c.Bread(1, 0, 7)
	if b1 != b2 {
		t.Fatal("expected a cache hit to return the same buffer")
	}
	c.Brelse(b2)
}

func TestBwriteThenBreadRoundtrips(t *testing.T) {
	disk := newFakeDisk()
	c := NewCache(disk, noWaiter{})

	b := c.Bread(1, 0, 3)
	b.Data[0] = 0x42
	c.Bwrite(b)
	c.Brelse(b)

	if disk.blocks[3][0] != 0x42 {
		t.Fatalf("expected write to reach disk, got %x", disk.blocks[3][0])
	}
}

func TestPinPreventsEviction(t *testing.T) {
	disk := newFakeDisk()
	c := NewCache(disk, noWaiter{})

	b := c.Bread(1, 0, 1)
	c.Bpin(b)
	c.Brelse(b) // refcnt goes from 2 to 1, still pinned

	if b.Refcnt != 1 {
		t.Fatalf("expected refcnt 1 after pin+release, got %d", b.Refcnt)
	}
	c.Bunpin(b)
	if b.Refcnt != 0 {
		t.Fatalf("expected refcnt 0 after unpin, got %d", b.Refcnt)
	}
}

func TestExhaustionPanics(t *testing.T) {
	disk := newFakeDisk()
	c := NewCache(disk, noWaiter{})

	held := make([]*Buf, 0, NBUF)
	for i := 0; i < NBUF; i++ {
		held = append(held, c.Bread(1, 0, i))
	}

	defer func() {
		if recover() == nil {
			t.Fatal("expected bget to panic when every buffer is pinned")
		}
		for _, b := range held {
			c.Brelse(b)
		}
	}()
	c.Bread(1, 0, NBUF+1)
}
