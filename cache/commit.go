package cache

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/hmatsuda/kioku/seg"
)

// PrepareRecord validates t and builds the journal record describing
// its commit. On a conflict the transaction is marked and ErrConflict
// is returned; the caller retries with a fresh transaction. On success
// the caller must submit the record to the journal and then call
// CompleteCommit with the durable start address and sequence; fresh
// and mutated extents hold io-waits until then.
func (c *Cache) PrepareRecord(t *Transaction) (*seg.Record, error) {
	t.checkOpen()

	c.mutex.Lock()
	defer c.mutex.Unlock()

	// Phase 1: validation. Every read-set entry must still be valid
	// and at the version observed at read.
	if !t.conflicted {
		for _, ent := range t.readSet {
			if !ent.ext.IsValid() || ent.ext.version != ent.version {
				t.conflicted = true
				c.stats.conflictsUnknown[t.src] += 1
				c.stats.bySrc[t.src].TransConflicted += 1
				break
			}
		}
	}
	if t.conflicted {
		log.WithField("txn", t.name).Debug("conflicted at prepare")
		return nil, ErrConflict
	}

	if t.weak && (len(t.freshBlockList) > 0 || len(t.mutatedBlockList) > 0 ||
		len(t.retired) > 0) {
		panic(fmt.Sprintf("cache: weak transaction %s committing writes", t.name))
	}

	// Phase 2: record construction.
	var rec seg.Record
	for _, e := range t.freshBlockList {
		if e.buf == nil {
			panic(fmt.Sprintf("cache: fresh extent without buffer: %s", e))
		}
		if !e.paddr.IsRelative() {
			panic(fmt.Sprintf("cache: fresh extent with resolved address: %s", e))
		}
		rec.FreshBlocks = append(rec.FreshBlocks, seg.FreshBlock{
			Type:  e.typ,
			Laddr: e.laddr,
			Data:  e.buf,
		})
		// Physical-only extents (backref tree nodes among them) carry
		// no logical address and need no backref insertion.
		if !e.laddr.IsNull() {
			rec.BackrefUpdates = append(rec.BackrefUpdates, seg.BackrefEntry{
				Paddr: e.paddr,
				Laddr: e.laddr,
				Len:   e.length,
				Type:  e.typ,
			})
		}
		e.io = newIOWait()
	}

	for _, pair := range t.mutatedBlockList {
		delta := pair.next.buildDelta()
		if delta == nil {
			continue
		}
		rec.Mutations = append(rec.Mutations, seg.Mutation{
			Paddr: pair.prev.paddr,
			Type:  pair.next.typ,
			Data:  delta,
		})
		pair.next.io = newIOWait()
	}

	for addr, e := range t.retired {
		rec.Retirements = append(rec.Retirements, seg.Retirement{
			Paddr: addr,
			Laddr: e.laddr,
			Type:  e.typ,
			Len:   e.length,
		})
		rec.BackrefUpdates = append(rec.BackrefUpdates, seg.BackrefEntry{
			Paddr: addr,
			Laddr: seg.LaddrNull,
			Len:   e.length,
			Type:  e.typ,
		})
	}

	log.WithFields(log.Fields{
		"txn":     t.name,
		"fresh":   len(rec.FreshBlocks),
		"mutated": len(rec.Mutations),
		"retired": len(rec.Retirements),
	}).Debug("record prepared")
	return &rec, nil
}

// CompleteCommit applies t's effects once the journal reports its
// record durable at start address start with sequence seq: fresh
// extents get final addresses and join the index, mutation shadows
// replace their originals, retirements leave the index, dependent
// transactions are invalidated, and back-reference updates are
// buffered under seq.
func (c *Cache) CompleteCommit(t *Transaction, start seg.Paddr, seq seg.JournalSeq) {
	t.checkOpen()
	if t.conflicted {
		panic(fmt.Sprintf("cache: completing conflicted transaction %s", t.name))
	}
	if start.IsNull() || start.IsRelative() || seq.IsNull() {
		panic(fmt.Sprintf("cache: completing %s at %s %s", t.name, start, seq))
	}

	c.mutex.Lock()

	var backrefs []seg.BackrefEntry

	var offset uint64
	for _, e := range t.freshBlockList {
		final := start + seg.Paddr(offset)
		offset += uint64(e.length)

		e.completeInitialWrite(final)
		e.state = StateDirty
		e.dirtyFrom = seq
		e.lastCommit = e.computeCRC()
		e.writes = nil

		if cur := c.index.lookup(final); cur != nil {
			panic(fmt.Sprintf("cache: fresh address occupied: %s and %s", cur, e))
		}
		c.index.insert(e)
		c.addToDirtyLocked(e)
		c.stats.bySrc[t.src].CommittedFresh.increment(uint64(e.length))

		if !e.laddr.IsNull() {
			backrefs = append(backrefs, seg.BackrefEntry{
				Paddr: final,
				Laddr: e.laddr,
				Len:   e.length,
				Type:  e.typ,
				Seq:   seq,
			})
		}
		if e.typ.IsBackrefNode() {
			c.addBackrefExtent(final, e.typ)
		}
	}

	for _, pair := range t.mutatedBlockList {
		prev, next := pair.prev, pair.next

		if prev.typ == seg.Root {
			c.commitReplaceRootLocked(t, prev, next, seq)
			continue
		}

		// prev is usually resident; it may have been evicted since the
		// read, and the address may even have been repopulated by a
		// newer read of the same durable contents.
		if cur := c.index.lookup(prev.paddr); cur == prev {
			c.index.replace(prev, next)
		} else if cur == nil {
			c.index.insert(next)
		} else {
			c.index.replace(cur, next)
			c.dropTrackingLocked(cur)
			cur.state = StateInvalid
			c.markTransactionConflictedLocked(t, cur)
		}
		c.dropTrackingLocked(prev)
		prev.state = StateInvalid
		c.markTransactionConflictedLocked(t, prev)

		next.version = prev.version + 1
		next.state = StateDirty
		next.dirtyFrom = seq
		next.lastCommit = next.computeCRC()
		c.stats.bySrc[t.src].CommittedDeltaBytes += uint64(len(next.buildDelta()))
		c.stats.bySrc[t.src].CommittedMutations.increment(uint64(next.length))
		next.writes = nil
		c.addToDirtyLocked(next)
	}

	for addr, e := range t.retired {
		if cur := c.index.lookup(addr); cur != nil {
			c.index.remove(cur)
			if cur != e {
				c.dropTrackingLocked(cur)
				cur.state = StateInvalid
				c.markTransactionConflictedLocked(t, cur)
			}
		}
		c.dropTrackingLocked(e)
		e.state = StateInvalid
		c.markTransactionConflictedLocked(t, e)
		c.stats.bySrc[t.src].CommittedRetires.increment(uint64(e.length))

		backrefs = append(backrefs, seg.BackrefEntry{
			Paddr: addr,
			Laddr: seg.LaddrNull,
			Len:   e.length,
			Type:  e.typ,
			Seq:   seq,
		})
		if e.typ.IsBackrefNode() {
			c.removeBackrefExtent(addr)
		}
	}

	c.backrefs.batchUpdate(backrefs, seq)

	for _, ent := range t.readSet {
		c.stats.bySrc[t.src].CommittedReads.increment(uint64(ent.ext.length))
	}
	c.stats.bySrc[t.src].TransCommitted += 1

	if seq <= c.lastCommit && c.lastCommit != seg.JournalSeqMin {
		panic(fmt.Sprintf("cache: commit sequence %s not after %s",
			seq, c.lastCommit))
	}
	c.lastCommit = seq

	c.releaseReadersLocked(t)
	t.done = true

	// Gather io-waits to fulfill outside the mutex.
	var ios []*ioWait
	for _, e := range t.freshBlockList {
		if e.io != nil {
			ios = append(ios, e.io)
			e.io = nil
		}
	}
	for _, pair := range t.mutatedBlockList {
		if pair.next.io != nil {
			ios = append(ios, pair.next.io)
			pair.next.io = nil
		}
	}
	c.mutex.Unlock()

	for _, io := range ios {
		io.complete(nil)
	}

	log.WithFields(log.Fields{
		"txn":   t.name,
		"start": start.String(),
		"seq":   seq.String(),
	}).Debug("commit completed")
}

// commitReplaceRootLocked swaps the cache's root for a committed root
// mutation. The root never appears in the extent index.
func (c *Cache) commitReplaceRootLocked(t *Transaction, prev, next *Extent,
	seq seg.JournalSeq) {

	if c.root != prev {
		panic(fmt.Sprintf("cache: committing stale root %s", prev))
	}
	c.dropTrackingLocked(prev)
	prev.state = StateInvalid
	c.markTransactionConflictedLocked(t, prev)

	next.version = prev.version + 1
	next.state = StateDirty
	next.dirtyFrom = seq
	next.lastCommit = next.computeCRC()
	next.writes = nil
	c.addToDirtyLocked(next)
	c.root = next
}
