package cache

import (
	"github.com/hmatsuda/kioku/seg"
)

// QueryCounters counts cache accesses and hits for one (transaction
// source, extent type) pair.
type QueryCounters struct {
	Access uint64
	Hit    uint64
}

// IOStat accumulates an extent count and a byte count.
type IOStat struct {
	Extents uint64
	Bytes   uint64
}

func (st *IOStat) increment(bytes uint64) {
	st.Extents += 1
	st.Bytes += bytes
}

// SrcStats aggregates per-source transaction accounting.
type SrcStats struct {
	TransCreated   uint64
	TransCommitted uint64
	TransConflicted uint64

	Queries [seg.ExtentTypeMax]QueryCounters

	CommittedReads      IOStat
	CommittedMutations  IOStat
	CommittedDeltaBytes uint64
	CommittedFresh      IOStat
	CommittedRetires    IOStat
}

// Stats is a snapshot of the cache's counters.
type Stats struct {
	BySrc [seg.SrcMax]SrcStats

	// Conflicts[a][b] counts transactions of source b invalidated by a
	// committing transaction of source a. ConflictsUnknown counts
	// conflicts detected eagerly at validation, where the invalidating
	// source is no longer known.
	Conflicts        [seg.SrcMax][seg.SrcMax]uint64
	ConflictsUnknown [seg.SrcMax]uint64

	DirtyBytes   uint64
	DirtyExtents int
	LRUBytes     uint64
	LRUExtents   int
	Resident     int
}

type stats struct {
	bySrc            [seg.SrcMax]SrcStats
	conflicts        [seg.SrcMax][seg.SrcMax]uint64
	conflictsUnknown [seg.SrcMax]uint64
	dirtyBytes       uint64
}

func (s *stats) query(src seg.TransactionSrc, typ seg.ExtentType, hit bool) {
	qc := &s.bySrc[src].Queries[typ]
	qc.Access += 1
	if hit {
		qc.Hit += 1
	}
}

// Stats returns a copy of the cache's counters together with the
// current dirty and lru occupancy.
func (c *Cache) Stats() Stats {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	st := Stats{
		BySrc:            c.stats.bySrc,
		Conflicts:        c.stats.conflicts,
		ConflictsUnknown: c.stats.conflictsUnknown,
		DirtyBytes:       c.stats.dirtyBytes,
		DirtyExtents:     c.dirty.Len(),
		LRUBytes:         c.lru.contentsBytes(),
		LRUExtents:       c.lru.contentsExtents(),
		Resident:         c.index.len(),
	}
	return st
}

// ExtentInfo describes one resident extent for DumpContents.
type ExtentInfo struct {
	Paddr     seg.Paddr
	Laddr     seg.Laddr
	Type      seg.ExtentType
	State     State
	Length    uint32
	Version   uint64
	DirtyFrom seg.JournalSeq
}

// DumpContents enumerates the resident extents in address order.
func (c *Cache) DumpContents() []ExtentInfo {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	var infos []ExtentInfo
	c.index.ascend(
		func(e *Extent) bool {
			infos = append(infos, ExtentInfo{
				Paddr:     e.paddr,
				Laddr:     e.laddr,
				Type:      e.typ,
				State:     e.state,
				Length:    e.length,
				Version:   e.version,
				DirtyFrom: e.dirtyFrom,
			})
			return true
		})
	return infos
}
