package cache

import (
	"fmt"

	"github.com/google/btree"

	"github.com/hmatsuda/kioku/seg"
)

// backrefBuffer holds back-reference updates that have been journaled
// but not yet absorbed by the backref tree manager. Batches are keyed
// by journal sequence; two side indices ordered by physical address
// serve the cleaner's range queries.
type backrefBuffer struct {
	bySeq    *btree.BTree // batchItem
	inserted *btree.BTree // brItem
	removed  *btree.BTree // brItem
}

type batchItem struct {
	seq     seg.JournalSeq
	entries []seg.BackrefEntry
}

func (bi batchItem) Less(item btree.Item) bool {
	return bi.seq < item.(batchItem).seq
}

type brItem struct {
	ent seg.BackrefEntry
}

func (bi brItem) Less(item btree.Item) bool {
	return bi.ent.Paddr < item.(brItem).ent.Paddr
}

func newBackrefBuffer() *backrefBuffer {
	return &backrefBuffer{
		bySeq:    btree.New(16),
		inserted: btree.New(16),
		removed:  btree.New(16),
	}
}

func (bb *backrefBuffer) batchUpdate(entries []seg.BackrefEntry, seq seg.JournalSeq) {
	if len(entries) == 0 {
		return
	}
	if seq.IsNull() {
		panic("cache: backref batch under null sequence")
	}

	var batch batchItem
	if item := bb.bySeq.Get(batchItem{seq: seq}); item != nil {
		batch = item.(batchItem)
	} else {
		batch = batchItem{seq: seq}
	}
	batch.entries = append(batch.entries, entries...)
	bb.bySeq.ReplaceOrInsert(batch)

	for _, ent := range entries {
		if ent.IsRemoval() {
			bb.removed.ReplaceOrInsert(brItem{ent: ent})
		} else {
			bb.inserted.ReplaceOrInsert(brItem{ent: ent})
		}
	}
}

// trim drops batches with sequences <= upTo once the backref tree
// manager has absorbed them.
func (bb *backrefBuffer) trim(upTo seg.JournalSeq) {
	var drop []batchItem
	bb.bySeq.Ascend(
		func(item btree.Item) bool {
			batch := item.(batchItem)
			if batch.seq > upTo {
				return false
			}
			drop = append(drop, batch)
			return true
		})

	for _, batch := range drop {
		for _, ent := range batch.entries {
			if ent.IsRemoval() {
				bb.removed.Delete(brItem{ent: ent})
			} else {
				bb.inserted.Delete(brItem{ent: ent})
			}
		}
		bb.bySeq.Delete(batch)
	}
}

func (bb *backrefBuffer) oldestSeq() seg.JournalSeq {
	if bb.bySeq.Len() == 0 {
		return seg.JournalSeqNull
	}
	return bb.bySeq.Min().(batchItem).seq
}

func rangeQuery(tree *btree.BTree, start, end seg.Paddr) []seg.BackrefEntry {
	var ents []seg.BackrefEntry
	tree.AscendGreaterOrEqual(brItem{ent: seg.BackrefEntry{Paddr: start}},
		func(item btree.Item) bool {
			ent := item.(brItem).ent
			if ent.Paddr >= end {
				return false
			}
			ents = append(ents, ent)
			return true
		})
	return ents
}

// BackrefBatchUpdate appends a batch of back-reference updates under
// seq. The journal has already made the batch durable; the buffer only
// stages it for the backref tree manager.
func (c *Cache) BackrefBatchUpdate(entries []seg.BackrefEntry, seq seg.JournalSeq) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.backrefs.batchUpdate(entries, seq)
}

// TrimBackrefBufs drops buffered batches with sequences <= upTo.
func (c *Cache) TrimBackrefBufs(upTo seg.JournalSeq) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.backrefs.trim(upTo)
}

// GetBackrefsInRange returns the buffered insertions with physical
// addresses in [start, end), in address order.
func (c *Cache) GetBackrefsInRange(start, end seg.Paddr) []seg.BackrefEntry {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return rangeQuery(c.backrefs.inserted, start, end)
}

// GetDelBackrefsInRange returns the buffered removals with physical
// addresses in [start, end), in address order.
func (c *Cache) GetDelBackrefsInRange(start, end seg.Paddr) []seg.BackrefEntry {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return rangeQuery(c.backrefs.removed, start, end)
}

// OldestBackrefDirtyFrom returns the sequence of the oldest buffered
// batch, or null if the buffer is empty.
func (c *Cache) OldestBackrefDirtyFrom() seg.JournalSeq {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.backrefs.oldestSeq()
}

// backrefExtentItem records a physical address known to hold a node of
// the back-reference tree.
type backrefExtentItem struct {
	paddr seg.Paddr
	typ   seg.ExtentType
}

func (bi backrefExtentItem) Less(item btree.Item) bool {
	return bi.paddr < item.(backrefExtentItem).paddr
}

func (c *Cache) addBackrefExtent(paddr seg.Paddr, typ seg.ExtentType) {
	if paddr.IsRelative() {
		panic(fmt.Sprintf("cache: backref extent at relative address %s", paddr))
	}
	c.backrefExtents.ReplaceOrInsert(backrefExtentItem{paddr: paddr, typ: typ})
}

func (c *Cache) removeBackrefExtent(paddr seg.Paddr) {
	c.backrefExtents.Delete(backrefExtentItem{paddr: paddr})
}

// GetBackrefExtentsInRange returns the addresses in [start, end) known
// to hold backref tree nodes.
func (c *Cache) GetBackrefExtentsInRange(start, end seg.Paddr) []seg.Paddr {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	var addrs []seg.Paddr
	c.backrefExtents.AscendGreaterOrEqual(backrefExtentItem{paddr: start},
		func(item btree.Item) bool {
			bi := item.(backrefExtentItem)
			if bi.paddr >= end {
				return false
			}
			addrs = append(addrs, bi.paddr)
			return true
		})
	return addrs
}
