package seg

import (
	"fmt"
)

// Paddr is a physical address: an opaque device-relative byte location.
// A fresh extent's address is record-relative until its transaction
// commits; relative addresses carry a tag bit and the extent's byte
// offset within the record's fresh-block section.
type Paddr uint64

const (
	PaddrNull Paddr = 1<<64 - 1

	relativeTag Paddr = 1 << 63
)

// RootPaddr is reserved for the root block; no extent is ever placed
// at physical byte zero.
const RootPaddr Paddr = 0

func MakeRelativePaddr(offset uint64) Paddr {
	if Paddr(offset)&relativeTag != 0 {
		panic(fmt.Sprintf("seg: relative offset too large: %d", offset))
	}
	return relativeTag | Paddr(offset)
}

func (p Paddr) IsNull() bool {
	return p == PaddrNull
}

func (p Paddr) IsRelative() bool {
	return p != PaddrNull && p&relativeTag != 0
}

func (p Paddr) RelativeOffset() uint64 {
	if !p.IsRelative() {
		panic(fmt.Sprintf("seg: not a relative paddr: %s", p))
	}
	return uint64(p &^ relativeTag)
}

// Resolve maps a record-relative address onto the record's final start
// address. Absolute addresses resolve to themselves.
func (p Paddr) Resolve(base Paddr) Paddr {
	if !p.IsRelative() {
		return p
	}
	return base + Paddr(p.RelativeOffset())
}

func (p Paddr) String() string {
	if p.IsNull() {
		return "paddr:null"
	}
	if p.IsRelative() {
		return fmt.Sprintf("paddr:+%#x", p.RelativeOffset())
	}
	return fmt.Sprintf("paddr:%#x", uint64(p))
}

// Laddr is a logical address, mapped to physical addresses by an
// external tree manager.
type Laddr uint64

const LaddrNull Laddr = 1<<64 - 1

func (l Laddr) IsNull() bool {
	return l == LaddrNull
}

func (l Laddr) String() string {
	if l.IsNull() {
		return "laddr:null"
	}
	return fmt.Sprintf("laddr:%#x", uint64(l))
}

// JournalSeq identifies a durable journal record; sequences are
// assigned in strictly increasing order.
type JournalSeq uint64

const (
	JournalSeqMin  JournalSeq = 0
	JournalSeqNull JournalSeq = 1<<64 - 1
)

func (s JournalSeq) IsNull() bool {
	return s == JournalSeqNull
}

func (s JournalSeq) String() string {
	if s.IsNull() {
		return "seq:null"
	}
	return fmt.Sprintf("seq:%d", uint64(s))
}
