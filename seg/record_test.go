package seg_test

import (
	"testing"

	"github.com/hmatsuda/kioku/seg"
	"github.com/hmatsuda/kioku/testutil"
)

func testRecord() *seg.Record {
	return &seg.Record{
		FreshBlocks: []seg.FreshBlock{
			{Type: seg.ObjectData, Laddr: 100, Data: []byte("first block")},
			{Type: seg.LaddrLeaf, Laddr: seg.LaddrNull, Data: []byte("second")},
		},
		Mutations: []seg.Mutation{
			{Paddr: 0x1000, Type: seg.ObjectData, Data: []byte{1, 2, 3}},
		},
		Retirements: []seg.Retirement{
			{Paddr: 0x2000, Laddr: 7, Type: seg.ObjectData, Len: 4096},
		},
		BackrefUpdates: []seg.BackrefEntry{
			{Paddr: seg.MakeRelativePaddr(0), Laddr: 100, Len: 4096,
				Type: seg.ObjectData},
			{Paddr: 0x2000, Laddr: seg.LaddrNull, Len: 4096,
				Type: seg.ObjectData},
		},
	}
}

func TestRecordRoundTrip(t *testing.T) {
	rec := testRecord()

	buf := seg.EncodeRecord(nil, rec)
	got, err := seg.DecodeRecord(buf)
	if err != nil {
		t.Fatalf("DecodeRecord() failed with %s", err)
	}

	var trace string
	if !testutil.DeepEqual(rec, got, &trace) {
		t.Errorf("record did not round trip:\n%s", trace)
	}
}

func TestRecordTruncated(t *testing.T) {
	buf := seg.EncodeRecord(nil, testRecord())

	for cut := 1; cut < len(buf); cut += 7 {
		_, err := seg.DecodeRecord(buf[:len(buf)-cut])
		if err == nil {
			t.Errorf("DecodeRecord() of %d byte prefix did not fail",
				len(buf)-cut)
		}
	}

	// Trailing garbage is also an error.
	_, err := seg.DecodeRecord(append(buf, 0))
	if err == nil {
		t.Error("DecodeRecord() with trailing bytes did not fail")
	}
}

func TestRecordOffsets(t *testing.T) {
	rec := testRecord()

	if rec.FreshOffset(0) != 0 {
		t.Errorf("FreshOffset(0) got %d want 0", rec.FreshOffset(0))
	}
	if rec.FreshOffset(1) != uint64(len("first block")) {
		t.Errorf("FreshOffset(1) got %d", rec.FreshOffset(1))
	}
	if rec.FreshTotal() != uint64(len("first block")+len("second")) {
		t.Errorf("FreshTotal() got %d", rec.FreshTotal())
	}

	if rec.Empty() {
		t.Error("Empty() got true")
	}
	if !(&seg.Record{}).Empty() {
		t.Error("Empty() of zero record got false")
	}
}

func TestWritesRoundTrip(t *testing.T) {
	writes := []seg.BufferWrite{
		{Off: 0, Data: []byte{1, 2}},
		{Off: 100, Data: []byte("abc")},
	}

	buf := seg.EncodeWrites(nil, writes)
	got, err := seg.DecodeWrites(buf)
	if err != nil {
		t.Fatalf("DecodeWrites() failed with %s", err)
	}

	var trace string
	if !testutil.DeepEqual(writes, got, &trace) {
		t.Errorf("writes did not round trip:\n%s", trace)
	}

	block := make([]byte, 128)
	err = seg.ApplyWrites(block, got)
	if err != nil {
		t.Fatal(err)
	}
	if block[0] != 1 || block[1] != 2 || string(block[100:103]) != "abc" {
		t.Error("ApplyWrites() wrong contents")
	}

	// Out of range writes are rejected.
	err = seg.ApplyWrites(make([]byte, 10),
		[]seg.BufferWrite{{Off: 8, Data: []byte{1, 2, 3}}})
	if err == nil {
		t.Error("ApplyWrites() past the end did not fail")
	}
}
