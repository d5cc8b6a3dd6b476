package journal_test

import (
	"testing"

	"github.com/hmatsuda/kioku/epm"
	"github.com/hmatsuda/kioku/journal"
	"github.com/hmatsuda/kioku/kv"
	"github.com/hmatsuda/kioku/seg"
	"github.com/hmatsuda/kioku/testutil"
)

func testRecord(b byte) *seg.Record {
	data := make([]byte, epm.BlockSize)
	for idx := range data {
		data[idx] = b
	}
	return &seg.Record{
		FreshBlocks: []seg.FreshBlock{
			{Type: seg.ObjectData, Laddr: seg.Laddr(b), Data: data},
		},
		BackrefUpdates: []seg.BackrefEntry{
			{Paddr: seg.MakeRelativePaddr(0), Laddr: seg.Laddr(b),
				Len: epm.BlockSize, Type: seg.ObjectData},
		},
	}
}

func TestSubmitAndReplay(t *testing.T) {
	kvs := kv.MakeBTreeKV()
	mgr, err := epm.NewManager(kvs)
	if err != nil {
		t.Fatal(err)
	}
	jnl, init, err := journal.Open(kvs, mgr)
	if err != nil {
		t.Fatal(err)
	}
	if !init {
		t.Error("fresh store not reported as init")
	}
	if jnl.LastSeq() != seg.JournalSeqMin {
		t.Errorf("fresh journal last seq got %s", jnl.LastSeq())
	}

	var starts []seg.Paddr
	var recs []*seg.Record
	for idx := 0; idx < 3; idx++ {
		rec := testRecord(byte(idx + 1))
		start, seq, err := jnl.Submit(rec)
		if err != nil {
			t.Fatalf("Submit() failed with %s", err)
		}
		if seq != seg.JournalSeq(idx+1) {
			t.Errorf("seq got %s want seq:%d", seq, idx+1)
		}
		starts = append(starts, start)
		recs = append(recs, rec)
	}

	// Records are contiguous in the address space.
	if starts[1] != starts[0]+epm.BlockSize {
		t.Errorf("second record at %s want %s", starts[1],
			starts[0]+epm.BlockSize)
	}

	var idx int
	err = jnl.Replay(
		func(seq seg.JournalSeq, start seg.Paddr, rec *seg.Record) error {
			if seq != seg.JournalSeq(idx+1) {
				t.Errorf("replayed seq got %s want seq:%d", seq, idx+1)
			}
			if start != starts[idx] {
				t.Errorf("replayed start got %s want %s", start, starts[idx])
			}
			var trace string
			if !testutil.DeepEqual(recs[idx], rec, &trace) {
				t.Errorf("record %d did not round trip:\n%s", idx, trace)
			}
			idx += 1
			return nil
		})
	if err != nil {
		t.Fatal(err)
	}
	if idx != 3 {
		t.Errorf("replayed %d records want 3", idx)
	}

	// Reopening finds the tail.
	jnl2, init, err := journal.Open(kvs, mgr)
	if err != nil {
		t.Fatal(err)
	}
	if init {
		t.Error("existing store reported as init")
	}
	if jnl2.LastSeq() != 3 {
		t.Errorf("reopened last seq got %s want seq:3", jnl2.LastSeq())
	}
}

func TestSubmitEmpty(t *testing.T) {
	kvs := kv.MakeBTreeKV()
	mgr, err := epm.NewManager(kvs)
	if err != nil {
		t.Fatal(err)
	}
	jnl, _, err := journal.Open(kvs, mgr)
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = jnl.Submit(&seg.Record{})
	if err == nil {
		t.Error("Submit() of empty record did not fail")
	}
}
