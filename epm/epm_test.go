package epm_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/hmatsuda/kioku/epm"
	"github.com/hmatsuda/kioku/kv"
	"github.com/hmatsuda/kioku/seg"
)

func fill(length int, b byte) []byte {
	buf := make([]byte, length)
	for idx := range buf {
		buf[idx] = b
	}
	return buf
}

func write(t *testing.T, kvs kv.KV, mgr *epm.Manager, rec *seg.Record) seg.Paddr {
	t.Helper()

	upd, err := kvs.Updater()
	if err != nil {
		t.Fatal(err)
	}
	start, err := mgr.WriteRecordTo(upd, rec)
	if err != nil {
		upd.Rollback()
		t.Fatalf("WriteRecordTo() failed with %s", err)
	}
	err = upd.Commit(true)
	if err != nil {
		t.Fatal(err)
	}
	return start
}

func TestWriteAndRead(t *testing.T) {
	kvs := kv.MakeBTreeKV()
	mgr, err := epm.NewManager(kvs)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	rec := &seg.Record{
		FreshBlocks: []seg.FreshBlock{
			{Type: seg.ObjectData, Laddr: 1, Data: fill(epm.BlockSize, 1)},
			{Type: seg.ObjectData, Laddr: 2, Data: fill(epm.BlockSize, 2)},
		},
	}
	start := write(t, kvs, mgr, rec)
	if start != epm.BlockSize {
		t.Errorf("first record start got %s want paddr:%#x", start,
			epm.BlockSize)
	}

	buf := make([]byte, epm.BlockSize)
	err = mgr.Read(ctx, start+epm.BlockSize, buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, fill(epm.BlockSize, 2)) {
		t.Error("Read() wrong contents")
	}

	length, err := mgr.StoredLength(start)
	if err != nil || length != epm.BlockSize {
		t.Errorf("StoredLength() got %d, %v", length, err)
	}

	err = mgr.Read(ctx, 0x999000, buf)
	if err != epm.ErrNoBlock {
		t.Errorf("Read() of absent block got %v want ErrNoBlock", err)
	}
}

func TestMutationAndRetire(t *testing.T) {
	kvs := kv.MakeBTreeKV()
	mgr, err := epm.NewManager(kvs)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	start := write(t, kvs, mgr, &seg.Record{
		FreshBlocks: []seg.FreshBlock{
			{Type: seg.ObjectData, Laddr: 1, Data: fill(epm.BlockSize, 0)},
		},
	})

	delta := seg.EncodeWrites(nil, []seg.BufferWrite{{Off: 5, Data: []byte{9}}})
	write(t, kvs, mgr, &seg.Record{
		Mutations: []seg.Mutation{
			{Paddr: start, Type: seg.ObjectData, Data: delta},
		},
	})

	buf := make([]byte, epm.BlockSize)
	if err = mgr.Read(ctx, start, buf); err != nil {
		t.Fatal(err)
	}
	if buf[5] != 9 {
		t.Error("mutation not applied to stored block")
	}

	write(t, kvs, mgr, &seg.Record{
		Retirements: []seg.Retirement{
			{Paddr: start, Laddr: 1, Type: seg.ObjectData, Len: epm.BlockSize},
		},
	})
	if err = mgr.Read(ctx, start, buf); err != epm.ErrNoBlock {
		t.Errorf("Read() of retired block got %v want ErrNoBlock", err)
	}
}

func TestCursorPersistence(t *testing.T) {
	kvs := kv.MakeBTreeKV()
	mgr, err := epm.NewManager(kvs)
	if err != nil {
		t.Fatal(err)
	}

	start1 := write(t, kvs, mgr, &seg.Record{
		FreshBlocks: []seg.FreshBlock{
			{Type: seg.ObjectData, Laddr: 1, Data: fill(epm.BlockSize, 1)},
		},
	})

	// A new manager over the same store continues from the cursor.
	mgr2, err := epm.NewManager(kvs)
	if err != nil {
		t.Fatal(err)
	}
	start2 := write(t, kvs, mgr2, &seg.Record{
		FreshBlocks: []seg.FreshBlock{
			{Type: seg.ObjectData, Laddr: 2, Data: fill(epm.BlockSize, 2)},
		},
	})
	if start2 != start1+epm.BlockSize {
		t.Errorf("cursor not persisted: got %s want %s", start2,
			start1+epm.BlockSize)
	}
}

func TestAlloc(t *testing.T) {
	kvs := kv.MakeBTreeKV()
	mgr, err := epm.NewManager(kvs)
	if err != nil {
		t.Fatal(err)
	}

	addr, buf, err := mgr.Alloc(seg.ObjectData, epm.BlockSize, seg.PaddrNull,
		2*epm.BlockSize)
	if err != nil {
		t.Fatal(err)
	}
	if !addr.IsRelative() || addr.RelativeOffset() != 2*epm.BlockSize {
		t.Errorf("Alloc() address got %s", addr)
	}
	if len(buf) != epm.BlockSize {
		t.Errorf("Alloc() buffer got %d bytes", len(buf))
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Error("unaligned Alloc() did not panic")
			}
		}()
		mgr.Alloc(seg.ObjectData, 100, seg.PaddrNull, 0)
	}()
}
