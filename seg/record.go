package seg

import (
	"errors"
	"fmt"
)

// A Record is the atomic unit handed to the journal: the fresh blocks,
// mutation deltas, and retirements of one committing transaction.
//
// Fresh block addresses are determined by the record's final start
// address: block i lands at start plus the sum of the lengths of
// blocks 0..i-1. The encoding below is offset-stable so that replay
// can recompute the same addresses from the decoded record.
type Record struct {
	FreshBlocks    []FreshBlock
	Mutations      []Mutation
	Retirements    []Retirement
	BackrefUpdates []BackrefEntry
}

type FreshBlock struct {
	Type  ExtentType
	Laddr Laddr
	Data  []byte
}

// Mutation carries a delta blob; the delta schema is owned by the
// extent type, not by the record.
type Mutation struct {
	Paddr Paddr
	Type  ExtentType
	Data  []byte
}

type Retirement struct {
	Paddr Paddr
	Laddr Laddr
	Type  ExtentType
	Len   uint32
}

// FreshOffset returns the byte offset of fresh block i within the
// record's fresh-block section.
func (rec *Record) FreshOffset(i int) uint64 {
	if i >= len(rec.FreshBlocks) {
		panic(fmt.Sprintf("seg: fresh block out of range: %d of %d", i,
			len(rec.FreshBlocks)))
	}
	var off uint64
	for idx := 0; idx < i; idx++ {
		off += uint64(len(rec.FreshBlocks[idx].Data))
	}
	return off
}

// FreshTotal returns the total byte length of the fresh-block section.
func (rec *Record) FreshTotal() uint64 {
	var total uint64
	for idx := range rec.FreshBlocks {
		total += uint64(len(rec.FreshBlocks[idx].Data))
	}
	return total
}

func (rec *Record) Empty() bool {
	return len(rec.FreshBlocks) == 0 && len(rec.Mutations) == 0 &&
		len(rec.Retirements) == 0
}

var errBadRecord = errors.New("seg: bad record encoding")

func EncodeRecord(buf []byte, rec *Record) []byte {
	buf = EncodeVarint(buf, uint64(len(rec.FreshBlocks)))
	for _, fb := range rec.FreshBlocks {
		buf = append(buf, byte(fb.Type))
		buf = EncodeUint64(buf, uint64(fb.Laddr))
		buf = EncodeBytes(buf, fb.Data)
	}

	buf = EncodeVarint(buf, uint64(len(rec.Mutations)))
	for _, m := range rec.Mutations {
		buf = EncodeUint64(buf, uint64(m.Paddr))
		buf = append(buf, byte(m.Type))
		buf = EncodeBytes(buf, m.Data)
	}

	buf = EncodeVarint(buf, uint64(len(rec.Retirements)))
	for _, r := range rec.Retirements {
		buf = EncodeUint64(buf, uint64(r.Paddr))
		buf = EncodeUint64(buf, uint64(r.Laddr))
		buf = append(buf, byte(r.Type))
		buf = EncodeUint32(buf, r.Len)
	}

	buf = EncodeVarint(buf, uint64(len(rec.BackrefUpdates)))
	for _, ent := range rec.BackrefUpdates {
		buf = EncodeUint64(buf, uint64(ent.Paddr))
		buf = EncodeUint64(buf, uint64(ent.Laddr))
		buf = EncodeUint32(buf, ent.Len)
		buf = append(buf, byte(ent.Type))
		buf = EncodeUint64(buf, uint64(ent.Seq))
	}

	return buf
}

func DecodeRecord(buf []byte) (*Record, error) {
	var rec Record

	buf, cnt, ok := DecodeVarint(buf)
	if !ok {
		return nil, errBadRecord
	}
	for ; cnt > 0; cnt -= 1 {
		var fb FreshBlock
		if len(buf) < 1 {
			return nil, errBadRecord
		}
		fb.Type = ExtentType(buf[0])
		buf = buf[1:]

		var u64 uint64
		buf, u64, ok = DecodeUint64(buf)
		if !ok {
			return nil, errBadRecord
		}
		fb.Laddr = Laddr(u64)

		buf, fb.Data, ok = DecodeBytes(buf)
		if !ok {
			return nil, errBadRecord
		}
		rec.FreshBlocks = append(rec.FreshBlocks, fb)
	}

	buf, cnt, ok = DecodeVarint(buf)
	if !ok {
		return nil, errBadRecord
	}
	for ; cnt > 0; cnt -= 1 {
		var m Mutation
		var u64 uint64
		buf, u64, ok = DecodeUint64(buf)
		if !ok {
			return nil, errBadRecord
		}
		m.Paddr = Paddr(u64)

		if len(buf) < 1 {
			return nil, errBadRecord
		}
		m.Type = ExtentType(buf[0])
		buf = buf[1:]

		buf, m.Data, ok = DecodeBytes(buf)
		if !ok {
			return nil, errBadRecord
		}
		rec.Mutations = append(rec.Mutations, m)
	}

	buf, cnt, ok = DecodeVarint(buf)
	if !ok {
		return nil, errBadRecord
	}
	for ; cnt > 0; cnt -= 1 {
		var r Retirement
		var u64 uint64
		buf, u64, ok = DecodeUint64(buf)
		if !ok {
			return nil, errBadRecord
		}
		r.Paddr = Paddr(u64)

		buf, u64, ok = DecodeUint64(buf)
		if !ok {
			return nil, errBadRecord
		}
		r.Laddr = Laddr(u64)

		if len(buf) < 1 {
			return nil, errBadRecord
		}
		r.Type = ExtentType(buf[0])
		buf = buf[1:]

		buf, r.Len, ok = DecodeUint32(buf)
		if !ok {
			return nil, errBadRecord
		}
		rec.Retirements = append(rec.Retirements, r)
	}

	buf, cnt, ok = DecodeVarint(buf)
	if !ok {
		return nil, errBadRecord
	}
	for ; cnt > 0; cnt -= 1 {
		var ent BackrefEntry
		var u64 uint64
		buf, u64, ok = DecodeUint64(buf)
		if !ok {
			return nil, errBadRecord
		}
		ent.Paddr = Paddr(u64)

		buf, u64, ok = DecodeUint64(buf)
		if !ok {
			return nil, errBadRecord
		}
		ent.Laddr = Laddr(u64)

		buf, ent.Len, ok = DecodeUint32(buf)
		if !ok {
			return nil, errBadRecord
		}

		if len(buf) < 1 {
			return nil, errBadRecord
		}
		ent.Type = ExtentType(buf[0])
		buf = buf[1:]

		buf, u64, ok = DecodeUint64(buf)
		if !ok {
			return nil, errBadRecord
		}
		ent.Seq = JournalSeq(u64)

		rec.BackrefUpdates = append(rec.BackrefUpdates, ent)
	}

	if len(buf) != 0 {
		return nil, errBadRecord
	}
	return &rec, nil
}
