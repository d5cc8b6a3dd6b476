package cache_test

import (
	"context"
	"testing"

	"github.com/hmatsuda/kioku/cache"
	"github.com/hmatsuda/kioku/seg"
)

// The LRU byte bound must hold after any sequence of reads.
func TestLRUBound(t *testing.T) {
	const capacity = 8 * 4096

	c, epm := newTestCache(capacity)
	ctx := context.Background()

	for idx := 0; idx < 64; idx++ {
		epm.put(seg.Paddr(0x1000*(idx+1)), fill(4096, byte(idx)))
	}

	// Interleave fresh reads and rereads.
	order := []int{0, 1, 2, 0, 3, 4, 5, 6, 7, 8, 2, 9, 10, 11, 1, 12,
		13, 14, 15, 0, 16, 17, 18, 19, 20, 5}
	for _, idx := range order {
		tx := c.NewTransaction(seg.SrcRead, "scan", false)
		_, err := c.GetExtent(ctx, tx, seg.ObjectData, seg.Paddr(0x1000*(idx+1)),
			4096)
		if err != nil {
			t.Fatal(err)
		}
		tx.Abort()

		st := c.Stats()
		if st.LRUBytes > capacity {
			t.Fatalf("lru bytes %d exceeds capacity %d", st.LRUBytes, capacity)
		}
		if st.LRUBytes != uint64(st.LRUExtents)*4096 {
			t.Fatalf("lru accounting inconsistent: %d bytes, %d extents",
				st.LRUBytes, st.LRUExtents)
		}
	}
}

// Touching an extent protects it from eviction ahead of colder ones.
func TestLRUTouch(t *testing.T) {
	c, epm := newTestCache(3 * 4096)
	ctx := context.Background()

	for idx := 0; idx < 4; idx++ {
		epm.put(seg.Paddr(0x1000*(idx+1)), fill(4096, byte(idx)))
	}

	read := func(idx int) {
		tx := c.NewTransaction(seg.SrcRead, "touch", false)
		_, err := c.GetExtent(ctx, tx, seg.ObjectData, seg.Paddr(0x1000*(idx+1)),
			4096)
		if err != nil {
			t.Fatal(err)
		}
		tx.Abort()
	}

	read(0)
	read(1)
	read(2)
	read(0) // touch 0x1000; 0x2000 is now the coldest
	read(3) // evicts 0x2000

	read(0)
	read(2)
	read(3)
	if cnt := epm.readCount(0x1000); cnt != 1 {
		t.Errorf("touched extent reread from epm: %d reads", cnt)
	}
	read(1)
	if cnt := epm.readCount(0x2000); cnt != 2 {
		t.Errorf("evicted extent read count got %d want 2", cnt)
	}
}

// The byte bound holds even while one transaction keeps many reads
// open: eviction proceeds past live readers, who continue to see
// consistent contents through their own references.
func TestLRUBoundWithOpenReaders(t *testing.T) {
	const capacity = 2 * 4096

	c, epm := newTestCache(capacity)
	ctx := context.Background()

	const blocks = 6
	for idx := 0; idx < blocks; idx++ {
		epm.put(seg.Paddr(0x1000*(idx+1)), fill(4096, byte(idx+1)))
	}

	tx := c.NewTransaction(seg.SrcMutate, "held", false)
	var exts []*cache.Extent
	for idx := 0; idx < blocks; idx++ {
		e, err := c.GetExtent(ctx, tx, seg.ObjectData, seg.Paddr(0x1000*(idx+1)),
			4096)
		if err != nil {
			t.Fatal(err)
		}
		exts = append(exts, e)

		st := c.Stats()
		if st.LRUBytes > capacity {
			t.Fatalf("lru bytes %d exceeds capacity %d with reads held open",
				st.LRUBytes, capacity)
		}
	}

	// Evicted extents are gone from the index but the held references
	// still see the read contents.
	st := c.Stats()
	if st.Resident >= blocks {
		t.Errorf("no eviction happened: %d resident", st.Resident)
	}
	for idx, e := range exts {
		if e.State() != cache.StateClean {
			t.Errorf("held extent %d got state %s want CLEAN", idx, e.State())
		}
		if e.Bytes()[0] != byte(idx+1) {
			t.Errorf("held extent %d contents changed", idx)
		}
	}

	// Committing a mutation of an evicted original reconciles with the
	// index: the shadow becomes the resident extent.
	shadow := c.DuplicateForWrite(tx, exts[0])
	shadow.Set(0, []byte{0xff})
	commit(t, c, epm, tx, 0x20000, 1)

	tx2 := c.NewTransaction(seg.SrcRead, "reread", false)
	got, err := c.GetExtent(ctx, tx2, seg.ObjectData, 0x1000, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if got != shadow {
		t.Error("committed shadow not resident after eviction")
	}
	if got.Bytes()[0] != 0xff {
		t.Error("committed mutation not visible")
	}
	tx2.Abort()
}

// Dirty extents are never LRU-tracked; committing a mutation removes
// the clean original from the LRU.
func TestLRUNoDirty(t *testing.T) {
	c, epm := newTestCache(1 << 20)
	ctx := context.Background()

	epm.put(0x1000, fill(4096, 0))

	tx := c.NewTransaction(seg.SrcMutate, "w", false)
	e, err := c.GetExtent(ctx, tx, seg.ObjectData, 0x1000, 4096)
	if err != nil {
		t.Fatal(err)
	}
	shadow := c.DuplicateForWrite(tx, e)
	shadow.Set(0, []byte{1})
	commit(t, c, epm, tx, 0x8000, 1)

	st := c.Stats()
	if st.LRUExtents != 0 || st.LRUBytes != 0 {
		t.Errorf("dirty extent tracked by lru: %d bytes in %d extents",
			st.LRUBytes, st.LRUExtents)
	}
	if st.DirtyExtents != 1 || st.DirtyBytes != 4096 {
		t.Errorf("dirty accounting got %d bytes in %d extents",
			st.DirtyBytes, st.DirtyExtents)
	}

	// Flushing clean returns it to the LRU.
	c.MarkExtentClean(shadow, 1)
	st = c.Stats()
	if st.LRUExtents != 1 {
		t.Errorf("flushed extent not in lru: %d extents", st.LRUExtents)
	}
	if st.DirtyExtents != 0 {
		t.Errorf("flushed extent still dirty")
	}
}
