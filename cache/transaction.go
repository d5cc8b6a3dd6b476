package cache

import (
	"fmt"

	"github.com/hmatsuda/kioku/seg"
)

// Transaction is a caller's short-lived scratchpad over the cache: the
// extents it has read, the fresh and mutated extents it will write,
// and the addresses it will retire. Reads within the transaction see
// its own writes through the per-address overlay.
//
// A transaction must end with either a successful PrepareRecord /
// CompleteCommit pair or Abort; both paths release its entries in the
// cache's reader index.
type Transaction struct {
	cache *Cache
	src   seg.TransactionSrc
	name  string
	weak  bool

	// lastCommit is the cache's commit watermark when the transaction
	// began.
	lastCommit seg.JournalSeq

	readSet map[seg.Paddr]*readEntry

	// overlay maps addresses to this transaction's view: fresh extents
	// by their relative address, mutation shadows by the address they
	// shadow.
	overlay map[seg.Paddr]*Extent

	retired map[seg.Paddr]*Extent

	freshBlockList   []*Extent
	mutatedBlockList []mutatedPair

	root *Extent

	conflicted bool
	done       bool
}

type readEntry struct {
	ext *Extent
	// version observed when the extent entered the read set.
	version uint64
}

type mutatedPair struct {
	prev *Extent
	next *Extent
}

type overlayStatus int

const (
	overlayAbsent overlayStatus = iota
	overlayPresent
	overlayRetired
)

func (t *Transaction) Src() seg.TransactionSrc  { return t.src }
func (t *Transaction) Name() string             { return t.name }
func (t *Transaction) IsWeak() bool              { return t.weak }
func (t *Transaction) IsConflicted() bool        { return t.conflicted }
func (t *Transaction) LastCommit() seg.JournalSeq { return t.lastCommit }

func (t *Transaction) checkOpen() {
	if t.done {
		panic(fmt.Sprintf("cache: transaction %s already completed", t.name))
	}
}

// getExtent consults the transaction's own view of addr.
func (t *Transaction) getExtent(addr seg.Paddr) (*Extent, overlayStatus) {
	if _, ok := t.retired[addr]; ok {
		return nil, overlayRetired
	}
	if e, ok := t.overlay[addr]; ok {
		return e, overlayPresent
	}
	return nil, overlayAbsent
}

func (t *Transaction) inReadSet(e *Extent) bool {
	ent, ok := t.readSet[e.paddr]
	return ok && ent.ext == e
}

func (t *Transaction) addToReadSet(e *Extent) {
	if ent, ok := t.readSet[e.paddr]; ok {
		if ent.ext != e {
			panic(fmt.Sprintf("cache: read set of %s holds %s and %s",
				t.name, ent.ext, e))
		}
		return
	}
	t.readSet[e.paddr] = &readEntry{ext: e, version: e.version}
}

func (t *Transaction) addFresh(e *Extent) {
	t.freshBlockList = append(t.freshBlockList, e)
	t.overlay[e.paddr] = e
}

func (t *Transaction) addMutated(prev, next *Extent) {
	t.mutatedBlockList = append(t.mutatedBlockList, mutatedPair{prev: prev, next: next})
	t.overlay[prev.paddr] = next
}

// freshBytes is the byte length of the fresh extents allocated so far;
// it determines the next fresh extent's record-relative address.
func (t *Transaction) freshBytes() uint64 {
	var total uint64
	for _, e := range t.freshBlockList {
		total += uint64(e.length)
	}
	return total
}

// migrate swaps every reference to prev for next; used when a
// placeholder is replaced by a real extent.
func (t *Transaction) migrate(prev, next *Extent) {
	if ent, ok := t.readSet[prev.paddr]; ok && ent.ext == prev {
		t.readSet[prev.paddr] = &readEntry{ext: next, version: next.version}
	}
	if e, ok := t.retired[prev.paddr]; ok && e == prev {
		t.retired[prev.paddr] = next
	}
	if e, ok := t.overlay[prev.paddr]; ok && e == prev {
		t.overlay[prev.paddr] = next
	}
}

// Abort releases the transaction without committing. Aborting after a
// PrepareRecord that produced a non-empty record is a programmer error:
// the write set's io-waits have already been acquired pending
// completion.
func (t *Transaction) Abort() {
	if t.done {
		return
	}
	t.cache.destructTransaction(t)
}
