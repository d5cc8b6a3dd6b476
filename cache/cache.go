package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"
	log "github.com/sirupsen/logrus"

	"github.com/hmatsuda/kioku/seg"
)

var (
	// ErrConflict reports that a transaction's read set was invalidated
	// by a committed transaction. The caller retries with a fresh
	// transaction.
	ErrConflict = errors.New("cache: transaction conflicted")

	// ErrNotFound reports a read of an address the transaction has
	// retired.
	ErrNotFound = errors.New("cache: extent not found")
)

// EPM is the slice of the extent placement manager the cache consumes:
// buffer allocation with a tentative address and point reads of
// resident blocks. freshOffset is the caller's byte offset within its
// transaction's fresh-block section, from which a relative address may
// be formed.
type EPM interface {
	Alloc(typ seg.ExtentType, length uint32, hint seg.Paddr,
		freshOffset uint64) (seg.Paddr, []byte, error)
	Read(ctx context.Context, addr seg.Paddr, buf []byte) error
}

// Config carries the cache's only construction parameter.
type Config struct {
	LRUCapacityBytes uint64
}

// Cache mediates all access to extents through transactions: a single
// coherent view of clean, dirty, and pending extents, optimistic
// concurrency between transactions, atomic commit against a journal,
// and recovery by delta replay.
//
// The cache is a single shard: one mutex guards all structures, and it
// is released across every suspension point (EPM reads, io waits).
type Cache struct {
	mutex sync.Mutex
	epm   EPM

	index extentIndex
	lru   lruList

	// dirty orders extents by dirtyFrom for the cleaner.
	dirty *btree.BTree

	backrefs       *backrefBuffer
	backrefExtents *btree.BTree

	root *Extent

	lastCommit seg.JournalSeq
	nextID     uint64

	// lengthOf resolves the stored length of a non-resident block for
	// replay; see SetLengthResolver.
	lengthOf func(seg.Paddr) (uint32, error)

	// readers maps extent id to the transactions holding that extent
	// in their read sets; commit uses it to invalidate in O(readers).
	readers map[uint64]map[*Transaction]struct{}

	stats stats
}

type dirtyItem struct {
	dirtyFrom seg.JournalSeq
	id        uint64
	ext       *Extent
}

func (di dirtyItem) Less(item btree.Item) bool {
	di2 := item.(dirtyItem)
	if di.dirtyFrom != di2.dirtyFrom {
		return di.dirtyFrom < di2.dirtyFrom
	}
	return di.id < di2.id
}

func NewCache(epm EPM, cfg Config) *Cache {
	c := &Cache{
		epm:            epm,
		index:          newExtentIndex(),
		lru:            newLRUList(cfg.LRUCapacityBytes),
		dirty:          btree.New(16),
		backrefs:       newBackrefBuffer(),
		backrefExtents: btree.New(16),
		readers:        map[uint64]map[*Transaction]struct{}{},
	}
	log.WithField("lru-capacity", cfg.LRUCapacityBytes).Debug("cache created")
	return c
}

func (c *Cache) newExtentLocked(typ seg.ExtentType, addr seg.Paddr, laddr seg.Laddr,
	length uint32, state State) *Extent {

	c.nextID += 1
	e := &Extent{
		id:        c.nextID,
		typ:       typ,
		state:     state,
		paddr:     addr,
		laddr:     laddr,
		length:    length,
		dirtyFrom: seg.JournalSeqNull,
	}
	if typ != seg.RetiredPlaceholder {
		e.buf = make([]byte, length)
	}
	return e
}

// NewTransaction creates an empty transaction. Weak transactions are
// read-only; they are used by scans that tolerate stale results and
// must not build a write set.
func (c *Cache) NewTransaction(src seg.TransactionSrc, name string, weak bool) *Transaction {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.stats.bySrc[src].TransCreated += 1

	t := &Transaction{
		cache:      c,
		src:        src,
		name:       name,
		weak:       weak,
		lastCommit: c.lastCommit,
		readSet:    map[seg.Paddr]*readEntry{},
		overlay:    map[seg.Paddr]*Extent{},
		retired:    map[seg.Paddr]*Extent{},
	}
	log.WithFields(log.Fields{
		"name": name,
		"src":  src.String(),
		"weak": weak,
	}).Trace("transaction created")
	return t
}

// ResetTransaction clears t for reuse after a conflict, preserving its
// identity and source.
func (c *Cache) ResetTransaction(t *Transaction) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.releaseReadersLocked(t)
	c.stats.bySrc[t.src].TransCreated += 1

	t.lastCommit = c.lastCommit
	t.readSet = map[seg.Paddr]*readEntry{}
	t.overlay = map[seg.Paddr]*Extent{}
	t.retired = map[seg.Paddr]*Extent{}
	t.freshBlockList = nil
	t.mutatedBlockList = nil
	t.root = nil
	t.conflicted = false
	t.done = false
}

func (c *Cache) destructTransaction(t *Transaction) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.releaseReadersLocked(t)
	t.done = true
}

func (c *Cache) releaseReadersLocked(t *Transaction) {
	for _, ent := range t.readSet {
		if set, ok := c.readers[ent.ext.id]; ok {
			delete(set, t)
			if len(set) == 0 {
				delete(c.readers, ent.ext.id)
			}
		}
	}
}

func (c *Cache) recordReaderLocked(t *Transaction, e *Extent) {
	set, ok := c.readers[e.id]
	if !ok {
		set = map[*Transaction]struct{}{}
		c.readers[e.id] = set
	}
	set[t] = struct{}{}
}

// markTransactionConflicted flags every live transaction (other than
// by) whose read set holds e.
func (c *Cache) markTransactionConflictedLocked(by *Transaction, e *Extent) {
	for t := range c.readers[e.id] {
		if t == by || t.conflicted {
			continue
		}
		t.conflicted = true
		c.stats.conflicts[by.src][t.src] += 1
		c.stats.bySrc[t.src].TransConflicted += 1
		log.WithFields(log.Fields{
			"by":     by.name,
			"txn":    t.name,
			"extent": e.String(),
		}).Debug("transaction invalidated")
	}
}

// addToLRULocked tracks a clean extent and evicts past capacity;
// evicted extents leave the index.
func (c *Cache) addToLRULocked(e *Extent) {
	c.evictLocked(c.lru.add(e))
}

// evictLocked releases clean extents past the LRU bound. An evicted
// extent stays CLEAN: a reader holding it continues to see consistent
// contents, and a later commit against it reconciles with whatever is
// resident then.
func (c *Cache) evictLocked(evicted []*Extent) {
	for _, v := range evicted {
		if c.index.lookup(v.paddr) == v {
			c.index.remove(v)
		}
		log.WithField("extent", v.String()).Trace("evicted")
	}
}

func (c *Cache) addToDirtyLocked(e *Extent) {
	c.dirty.ReplaceOrInsert(dirtyItem{dirtyFrom: e.dirtyFrom, id: e.id, ext: e})
	c.stats.dirtyBytes += uint64(e.length)
}

func (c *Cache) removeFromDirtyLocked(e *Extent) {
	if c.dirty.Delete(dirtyItem{dirtyFrom: e.dirtyFrom, id: e.id}) != nil {
		c.stats.dirtyBytes -= uint64(e.length)
	}
}

// dropTrackingLocked detaches e from the dirty list and the LRU; e must
// already be out of the index.
func (c *Cache) dropTrackingLocked(e *Extent) {
	if e.IsDirty() {
		c.removeFromDirtyLocked(e)
	}
	c.lru.remove(e)
}

// getExtentByType resolves the unique resident extent of typ at addr,
// issuing a physical read on a miss. Concurrent readers of the same
// address coalesce onto a single in-flight read. src is the accounting
// tag of the requesting transaction.
func (c *Cache) getExtentByType(ctx context.Context, src seg.TransactionSrc,
	typ seg.ExtentType, addr seg.Paddr, laddr seg.Laddr, length uint32) (*Extent, error) {

	if typ == seg.RetiredPlaceholder {
		panic("cache: typed read of RETIRED_PLACEHOLDER")
	}
	if addr.IsNull() || addr.IsRelative() {
		panic(fmt.Sprintf("cache: typed read at %s", addr))
	}

	c.mutex.Lock()
	e := c.index.lookup(addr)
	if e == nil {
		c.stats.query(src, typ, false)
		e = c.newExtentLocked(typ, addr, laddr, length, StateCleanPending)
		e.io = newIOWait()
		c.index.insert(e)
		return c.readExtent(ctx, e)
	}

	if e.IsPlaceholder() {
		c.stats.query(src, typ, false)
		next := c.replacePlaceholderLocked(e, typ, laddr)
		return c.readExtent(ctx, next)
	}

	if e.typ != typ {
		c.mutex.Unlock()
		panic(fmt.Sprintf("cache: type mismatch at %s: want %s, resident %s",
			addr, typ, e))
	}
	if e.length != length {
		c.mutex.Unlock()
		panic(fmt.Sprintf("cache: length mismatch at %s: want %d, resident %s",
			addr, length, e))
	}

	c.stats.query(src, typ, true)
	if e.state == StateClean {
		c.lru.moveToTop(e)
	}
	io := e.io
	c.mutex.Unlock()

	if io != nil {
		if err := io.wait(ctx); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// replacePlaceholderLocked installs a real extent over a retired
// placeholder, migrating every transaction that referenced the
// placeholder. Called with the mutex held.
func (c *Cache) replacePlaceholderLocked(ph *Extent, typ seg.ExtentType,
	laddr seg.Laddr) *Extent {

	next := c.newExtentLocked(typ, ph.paddr, laddr, ph.length, StateCleanPending)
	next.io = newIOWait()
	c.index.replace(ph, next)
	ph.state = StateInvalid

	if set, ok := c.readers[ph.id]; ok {
		delete(c.readers, ph.id)
		c.readers[next.id] = set
		for t := range set {
			t.migrate(ph, next)
		}
	}
	log.WithFields(log.Fields{
		"placeholder": ph.String(),
		"extent":      next.String(),
	}).Debug("placeholder replaced")
	return next
}

// readExtent issues the physical read for a CLEAN_PENDING extent.
// Called with the mutex held; the mutex is released for the duration
// of the read (a suspension point).
func (c *Cache) readExtent(ctx context.Context, e *Extent) (*Extent, error) {
	c.mutex.Unlock()
	err := c.epm.Read(ctx, e.paddr, e.buf)
	c.mutex.Lock()

	if err != nil {
		if c.index.lookup(e.paddr) == e {
			c.index.remove(e)
		}
		e.state = StateInvalid
		io := e.io
		e.io = nil
		c.mutex.Unlock()
		io.complete(err)
		return nil, err
	}

	e.state = StateClean
	e.lastCommit = e.computeCRC()
	c.addToLRULocked(e)
	io := e.io
	e.io = nil
	c.mutex.Unlock()
	io.complete(nil)
	return e, nil
}

// GetExtentByType resolves the extent of typ at addr outside any
// transaction; the tree managers and replay use it. Reads are
// accounted to src.
func (c *Cache) GetExtentByType(ctx context.Context, src seg.TransactionSrc,
	typ seg.ExtentType, addr seg.Paddr, laddr seg.Laddr,
	length uint32) (*Extent, error) {

	return c.getExtentByType(ctx, src, typ, addr, laddr, length)
}

// GetExtent reads the extent of typ at addr within t, consulting t's
// overlay first (read-your-writes), then the cache.
func (c *Cache) GetExtent(ctx context.Context, t *Transaction, typ seg.ExtentType,
	addr seg.Paddr, length uint32) (*Extent, error) {

	t.checkOpen()
	if t.conflicted {
		return nil, ErrConflict
	}

	if e, status := t.getExtent(addr); status == overlayRetired {
		return nil, ErrNotFound
	} else if status == overlayPresent {
		c.mutex.Lock()
		io := e.io
		c.mutex.Unlock()
		if io != nil {
			if err := io.wait(ctx); err != nil {
				return nil, err
			}
		}
		return e, nil
	}

	e, err := c.getExtentByType(ctx, t.src, typ, addr, seg.LaddrNull, length)
	if err != nil {
		return nil, err
	}

	c.mutex.Lock()
	t.addToReadSet(e)
	c.recordReaderLocked(t, e)
	if e.state == StateClean {
		c.lru.moveToTop(e)
	}
	c.mutex.Unlock()

	if t.conflicted {
		return nil, ErrConflict
	}
	return e, nil
}

// GetExtentIfCached returns the resident extent at addr, or nil if the
// address is absent, holds a retired placeholder, or was retired by t.
// An absent value is not an error.
func (c *Cache) GetExtentIfCached(ctx context.Context, t *Transaction,
	addr seg.Paddr) (*Extent, error) {

	t.checkOpen()
	if t.conflicted {
		return nil, ErrConflict
	}

	if e, status := t.getExtent(addr); status == overlayRetired {
		return nil, nil
	} else if status == overlayPresent {
		return e, nil
	}

	c.mutex.Lock()
	e := c.index.lookup(addr)
	if e == nil || e.IsPlaceholder() {
		c.mutex.Unlock()
		return nil, nil
	}
	t.addToReadSet(e)
	c.recordReaderLocked(t, e)
	if e.state == StateClean {
		c.lru.moveToTop(e)
	}
	io := e.io
	c.mutex.Unlock()

	if io != nil {
		if err := io.wait(ctx); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// UpdateExtentFromTransaction splices t's view over e: the captured
// root for root extents, t's shadow for addresses t has written, e
// itself otherwise.
func (c *Cache) UpdateExtentFromTransaction(t *Transaction, e *Extent) *Extent {
	t.checkOpen()

	if e.typ == seg.Root {
		if t.root != nil {
			return t.root
		}
		c.mutex.Lock()
		defer c.mutex.Unlock()

		if c.root != e {
			panic(fmt.Sprintf("cache: updating from stale root %s", e))
		}
		t.root = e
		t.addToReadSet(e)
		c.recordReaderLocked(t, e)
		return e
	}

	if next, status := t.getExtent(e.paddr); status == overlayPresent {
		return next
	}
	return e
}

// DuplicateForWrite produces the writable shadow of e within t. The
// original stays in the read set; the shadow is what subsequent reads
// at the address see. Duplicating an extent t already shadows returns
// the existing shadow.
func (c *Cache) DuplicateForWrite(t *Transaction, e *Extent) *Extent {
	t.checkOpen()
	if t.weak {
		panic(fmt.Sprintf("cache: weak transaction %s mutating %s", t.name, e))
	}

	if e.state == StateInitialWritePending || e.state == StateMutationPending {
		// Already owned by t; writes go directly to it.
		return e
	}
	if !e.IsValid() {
		panic(fmt.Sprintf("cache: duplicating invalid extent %s", e))
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if shadow, ok := t.overlay[e.paddr]; ok {
		return shadow
	}

	next := c.newExtentLocked(e.typ, e.paddr, e.laddr, e.length, StateMutationPending)
	copy(next.buf, e.buf)
	next.version = e.version
	next.prior = e

	t.addToReadSet(e)
	c.recordReaderLocked(t, e)
	t.addMutated(e, next)

	if e.typ == seg.Root {
		t.root = next
	}
	log.WithFields(log.Fields{
		"txn":  t.name,
		"prev": e.String(),
		"next": next.String(),
	}).Trace("duplicated for write")
	return next
}

// AllocNewExtent allocates a fresh extent of typ within t. The
// physical address is tentative (record-relative) until commit
// completion resolves it.
func (c *Cache) AllocNewExtent(t *Transaction, typ seg.ExtentType, length uint32,
	laddr seg.Laddr, hint seg.Paddr) (*Extent, error) {

	t.checkOpen()
	if t.weak {
		panic(fmt.Sprintf("cache: weak transaction %s allocating", t.name))
	}
	if typ == seg.Root || typ == seg.RetiredPlaceholder {
		panic(fmt.Sprintf("cache: allocating %s extent", typ))
	}

	addr, buf, err := c.epm.Alloc(typ, length, hint, t.freshBytes())
	if err != nil {
		return nil, err
	}
	if uint32(len(buf)) != length {
		panic(fmt.Sprintf("cache: epm returned %d byte buffer for %d byte extent",
			len(buf), length))
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	e := c.newExtentLocked(typ, addr, laddr, length, StateInitialWritePending)
	e.buf = buf
	t.addFresh(e)

	log.WithFields(log.Fields{
		"txn":    t.name,
		"extent": e.String(),
	}).Trace("allocated")
	return e, nil
}

// RetireExtent declares e retired in t. Retiring the same reference
// twice is a programmer error.
func (c *Cache) RetireExtent(t *Transaction, e *Extent) {
	t.checkOpen()
	if t.weak {
		panic(fmt.Sprintf("cache: weak transaction %s retiring %s", t.name, e))
	}
	if e.state == StateMutationPending {
		// Retiring an extent t has already shadowed: the mutation is
		// moot; retire the underlying extent instead.
		for idx, pair := range t.mutatedBlockList {
			if pair.next == e {
				t.mutatedBlockList = append(t.mutatedBlockList[:idx],
					t.mutatedBlockList[idx+1:]...)
				break
			}
		}
		e = e.prior
	}
	if !e.IsValid() {
		panic(fmt.Sprintf("cache: retiring invalid extent %s", e))
	}
	if _, ok := t.retired[e.paddr]; ok {
		panic(fmt.Sprintf("cache: %s retired twice in %s", e, t.name))
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	t.addToReadSet(e)
	c.recordReaderLocked(t, e)
	t.retired[e.paddr] = e
	delete(t.overlay, e.paddr)
	log.WithFields(log.Fields{
		"txn":    t.name,
		"extent": e.String(),
	}).Debug("retired")
}

// RetireExtentAddr retires the block at addr. If the block is resident
// it is retired by reference; otherwise a RETIRED_PLACEHOLDER is
// installed to occupy the address slot until commit. Retiring an
// address t has already retired is a no-op.
func (c *Cache) RetireExtentAddr(ctx context.Context, t *Transaction,
	addr seg.Paddr, length uint32) error {

	t.checkOpen()
	if t.conflicted {
		return ErrConflict
	}

	if e, status := t.getExtent(addr); status == overlayRetired {
		return nil
	} else if status == overlayPresent {
		if e.state == StateInitialWritePending {
			panic(fmt.Sprintf("cache: retiring fresh extent %s in %s", e, t.name))
		}
		c.RetireExtent(t, e)
		return nil
	}

	c.mutex.Lock()
	e := c.index.lookup(addr)
	if e != nil {
		io := e.io
		c.mutex.Unlock()
		if io != nil {
			if err := io.wait(ctx); err != nil {
				return err
			}
		}
		c.RetireExtent(t, e)
		return nil
	}

	ph := c.newExtentLocked(seg.RetiredPlaceholder, addr, seg.LaddrNull, length,
		StateClean)
	c.index.insert(ph)
	t.addToReadSet(ph)
	c.recordReaderLocked(t, ph)
	t.retired[addr] = ph
	c.mutex.Unlock()

	log.WithFields(log.Fields{
		"txn":         t.name,
		"placeholder": ph.String(),
	}).Debug("placeholder installed")
	return nil
}

// GetNextDirtyExtents returns extents with dirtyFrom < seq in dirty
// order, stopping once maxBytes have been gathered (the last extent
// may take the total past maxBytes), adding each to t's read set. It drives the
// cleaner's flushing.
func (c *Cache) GetNextDirtyExtents(t *Transaction, seq seg.JournalSeq,
	maxBytes uint64) []*Extent {

	t.checkOpen()

	c.mutex.Lock()
	defer c.mutex.Unlock()

	var exts []*Extent
	var total uint64
	c.dirty.Ascend(
		func(item btree.Item) bool {
			di := item.(dirtyItem)
			if di.dirtyFrom >= seq || total >= maxBytes {
				return false
			}
			exts = append(exts, di.ext)
			total += uint64(di.ext.length)
			t.addToReadSet(di.ext)
			c.recordReaderLocked(t, di.ext)
			return true
		})
	return exts
}

// OldestDirtyFrom returns the dirtyFrom of the oldest dirty extent, or
// null if nothing is dirty.
func (c *Cache) OldestDirtyFrom() seg.JournalSeq {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.dirty.Len() == 0 {
		return seg.JournalSeqNull
	}
	return c.dirty.Min().(dirtyItem).dirtyFrom
}

// MarkExtentClean transitions a dirty extent back to clean once the
// journal's flush watermark has passed its dirtyFrom; the cleaner
// calls this after flushing.
func (c *Cache) MarkExtentClean(e *Extent, flushedTo seg.JournalSeq) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !e.IsDirty() {
		panic(fmt.Sprintf("cache: marking %s extent clean: %s", e.state, e))
	}
	if e.dirtyFrom > flushedTo {
		panic(fmt.Sprintf("cache: %s not covered by flush watermark %s",
			e, flushedTo))
	}

	c.removeFromDirtyLocked(e)
	e.state = StateClean
	e.dirtyFrom = seg.JournalSeqNull
	e.lastCommit = e.computeCRC()
	if e.typ != seg.Root {
		c.addToLRULocked(e)
	}
}

// LastCommit returns the cache's commit watermark.
func (c *Cache) LastCommit() seg.JournalSeq {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.lastCommit
}

// Close releases the clean extents tracked by the LRU; dirty extents
// stay resident. Outstanding transactions must have completed.
func (c *Cache) Close() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for _, e := range c.lru.clear() {
		if c.index.lookup(e.paddr) == e {
			c.index.remove(e)
		}
		e.state = StateInvalid
	}
	log.WithField("resident", c.index.len()).Debug("cache closed")
}
