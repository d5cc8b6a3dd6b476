package cache_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/hmatsuda/kioku/cache"
	"github.com/hmatsuda/kioku/seg"
	"github.com/hmatsuda/kioku/testutil"
)

func makeDelta(writes []seg.BufferWrite) []byte {
	return seg.EncodeWrites(nil, writes)
}

func TestReplayDeltas(t *testing.T) {
	c, epm := newTestCache(1 << 20)
	ctx := context.Background()

	epm.put(0x5000, fill(4096, 0))
	c.SetLengthResolver(
		func(addr seg.Paddr) (uint32, error) {
			return 4096, nil
		})

	deltas := []seg.Mutation{
		{Paddr: 0x5000, Type: seg.ObjectData,
			Data: makeDelta([]seg.BufferWrite{{Off: 0, Data: []byte{1}}})},
		{Paddr: 0x5000, Type: seg.ObjectData,
			Data: makeDelta([]seg.BufferWrite{{Off: 1, Data: []byte{2}}})},
		{Paddr: 0x5000, Type: seg.ObjectData,
			Data: makeDelta([]seg.BufferWrite{{Off: 2, Data: []byte{3}}})},
	}

	for idx, m := range deltas {
		err := c.ReplayDelta(ctx, seg.JournalSeq(idx+1), 0x8000, m)
		if err != nil {
			t.Fatalf("ReplayDelta(%d) failed with %s", idx+1, err)
		}
	}

	tx := c.NewTransaction(seg.SrcRead, "check", false)
	e, err := c.GetExtent(ctx, tx, seg.ObjectData, 0x5000, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(e.Bytes()[:3], []byte{1, 2, 3}) {
		t.Errorf("replayed contents got %v want [1 2 3]", e.Bytes()[:3])
	}
	if e.DirtyFrom() != 1 {
		t.Errorf("dirty-from got %s want seq:1", e.DirtyFrom())
	}
	if e.State() != cache.StateDirty {
		t.Errorf("state got %s want DIRTY", e.State())
	}
	if c.LastCommit() != 3 {
		t.Errorf("last commit got %s want seq:3", c.LastCommit())
	}
	tx.Abort()
}

func TestReplayIdempotence(t *testing.T) {
	replayAll := func() *cache.Cache {
		c, epm := newTestCache(1 << 20)
		epm.put(0x5000, fill(4096, 0))
		epm.put(0x6000, fill(4096, 9))
		c.SetLengthResolver(
			func(addr seg.Paddr) (uint32, error) {
				return 4096, nil
			})
		return c
	}

	deltas := []seg.Mutation{
		{Paddr: 0x5000, Type: seg.ObjectData,
			Data: makeDelta([]seg.BufferWrite{{Off: 0, Data: []byte{1, 2}}})},
		{Paddr: 0x6000, Type: seg.ObjectData,
			Data: makeDelta([]seg.BufferWrite{{Off: 8, Data: []byte{3}}})},
		{Paddr: 0x5000, Type: seg.ObjectData,
			Data: makeDelta([]seg.BufferWrite{{Off: 1, Data: []byte{4}}})},
	}

	ctx := context.Background()

	once := replayAll()
	for idx, m := range deltas {
		if err := once.ReplayDelta(ctx, seg.JournalSeq(idx+1), 0x8000, m); err != nil {
			t.Fatal(err)
		}
	}

	twice := replayAll()
	for pass := 0; pass < 2; pass++ {
		for idx, m := range deltas {
			if err := twice.ReplayDelta(ctx, seg.JournalSeq(idx+1), 0x8000, m); err != nil {
				t.Fatal(err)
			}
		}
	}

	var trace string
	if !testutil.DeepEqual(once.DumpContents(), twice.DumpContents(), &trace) {
		t.Errorf("replaying the prefix twice diverged:\n%s", trace)
	}
}

func TestReplayPlaceholder(t *testing.T) {
	c, epm := newTestCache(1 << 20)
	ctx := context.Background()

	epm.put(0x5000, fill(4096, 0))
	c.SetLengthResolver(
		func(addr seg.Paddr) (uint32, error) {
			return 4096, nil
		})

	// A replayed retire can leave a placeholder behind; a later delta
	// at the address must materialize it.
	tx := c.NewTransaction(seg.SrcMutate, "ph", false)
	err := c.RetireExtentAddr(ctx, tx, 0x5000, 4096)
	if err != nil {
		t.Fatal(err)
	}

	m := seg.Mutation{
		Paddr: 0x5000,
		Type:  seg.ObjectData,
		Data:  makeDelta([]seg.BufferWrite{{Off: 0, Data: []byte{5}}}),
	}
	err = c.ReplayDelta(ctx, 4, 0x8000, m)
	if err != nil {
		t.Fatal(err)
	}

	infos := c.DumpContents()
	if len(infos) != 1 || infos[0].Type != seg.ObjectData {
		t.Fatalf("DumpContents() got %v want one OBJECT_DATA", infos)
	}
	tx.Abort()
}

func TestReplayRootDelta(t *testing.T) {
	c, _ := newTestCache(1 << 20)
	ctx := context.Background()

	c.InitRoot()

	m := seg.Mutation{
		Paddr: seg.RootPaddr,
		Type:  seg.Root,
		Data:  makeDelta([]seg.BufferWrite{{Off: 0, Data: []byte{0xaa}}}),
	}
	err := c.ReplayDelta(ctx, 2, 0x8000, m)
	if err != nil {
		t.Fatal(err)
	}

	tx := c.NewTransaction(seg.SrcRead, "root", false)
	root, err := c.GetRoot(tx)
	if err != nil {
		t.Fatal(err)
	}
	if root.Bytes()[0] != 0xaa {
		t.Error("root delta not applied")
	}
	if root.DirtyFrom() != 2 {
		t.Errorf("root dirty-from got %s want seq:2", root.DirtyFrom())
	}
	tx.Abort()
}

func TestInitCachedExtents(t *testing.T) {
	c, epm := newTestCache(1 << 20)
	ctx := context.Background()

	epm.put(0x1000, fill(4096, 1))
	epm.put(0x2000, fill(4096, 2))

	for _, addr := range []seg.Paddr{0x1000, 0x2000} {
		tx := c.NewTransaction(seg.SrcRead, "load", false)
		if _, err := c.GetExtent(ctx, tx, seg.ObjectData, addr, 4096); err != nil {
			t.Fatal(err)
		}
		tx.Abort()
	}

	c.InitCachedExtents(
		func(e *cache.Extent) bool {
			return e.Paddr() != 0x1000
		})

	infos := c.DumpContents()
	if len(infos) != 1 || infos[0].Paddr != 0x2000 {
		t.Errorf("DumpContents() got %v want only paddr:0x2000", infos)
	}
}
