package seg_test

import (
	"testing"

	"github.com/hmatsuda/kioku/seg"
)

func TestPaddr(t *testing.T) {
	if !seg.PaddrNull.IsNull() {
		t.Error("PaddrNull.IsNull() got false")
	}
	if seg.PaddrNull.IsRelative() {
		t.Error("PaddrNull.IsRelative() got true")
	}

	p := seg.Paddr(0x8000)
	if p.IsNull() || p.IsRelative() {
		t.Errorf("%s misclassified", p)
	}
	if p.Resolve(0x100) != p {
		t.Error("absolute Resolve() changed the address")
	}

	rel := seg.MakeRelativePaddr(0x2000)
	if !rel.IsRelative() {
		t.Error("MakeRelativePaddr() not relative")
	}
	if rel.RelativeOffset() != 0x2000 {
		t.Errorf("RelativeOffset() got %#x want 0x2000", rel.RelativeOffset())
	}
	if rel.Resolve(0x10000) != 0x12000 {
		t.Errorf("Resolve() got %s want paddr:0x12000", rel.Resolve(0x10000))
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Error("RelativeOffset() of absolute paddr did not panic")
			}
		}()
		p.RelativeOffset()
	}()
}

func TestPaddrString(t *testing.T) {
	cases := []struct {
		p seg.Paddr
		s string
	}{
		{seg.PaddrNull, "paddr:null"},
		{seg.Paddr(0x1000), "paddr:0x1000"},
		{seg.MakeRelativePaddr(16), "paddr:+0x10"},
	}

	for _, c := range cases {
		if c.p.String() != c.s {
			t.Errorf("String() got %s want %s", c.p.String(), c.s)
		}
	}
}

func TestJournalSeq(t *testing.T) {
	if !seg.JournalSeqNull.IsNull() {
		t.Error("JournalSeqNull.IsNull() got false")
	}
	if seg.JournalSeq(3).String() != "seq:3" {
		t.Errorf("String() got %s", seg.JournalSeq(3).String())
	}
}
