package cache

import (
	"fmt"

	"github.com/google/btree"

	"github.com/hmatsuda/kioku/seg"
)

type indexItem struct {
	paddr seg.Paddr
	ext   *Extent
}

func (ii indexItem) Less(item btree.Item) bool {
	return ii.paddr < item.(indexItem).paddr
}

// extentIndex maps physical address to the unique resident extent at
// that address. It owns strong references to its entries.
type extentIndex struct {
	tree *btree.BTree
}

func newExtentIndex() extentIndex {
	return extentIndex{
		tree: btree.New(16),
	}
}

func (ei extentIndex) lookup(addr seg.Paddr) *Extent {
	item := ei.tree.Get(indexItem{paddr: addr})
	if item == nil {
		return nil
	}
	return item.(indexItem).ext
}

func (ei extentIndex) insert(e *Extent) {
	if e.paddr.IsNull() || e.paddr.IsRelative() {
		panic(fmt.Sprintf("cache: indexing extent without a final address: %s", e))
	}
	if cur := ei.lookup(e.paddr); cur != nil {
		panic(fmt.Sprintf("cache: address already resident: %s and %s", cur, e))
	}
	ei.tree.ReplaceOrInsert(indexItem{paddr: e.paddr, ext: e})
}

// replace installs next at prev's address; prev must be resident.
func (ei extentIndex) replace(prev, next *Extent) {
	cur := ei.lookup(prev.paddr)
	if cur != prev {
		panic(fmt.Sprintf("cache: replacing non-resident extent %s", prev))
	}
	ei.tree.ReplaceOrInsert(indexItem{paddr: prev.paddr, ext: next})
}

func (ei extentIndex) remove(e *Extent) {
	cur := ei.lookup(e.paddr)
	if cur != e {
		panic(fmt.Sprintf("cache: removing non-resident extent %s", e))
	}
	ei.tree.Delete(indexItem{paddr: e.paddr})
}

func (ei extentIndex) ascendRange(start, end seg.Paddr, fn func(e *Extent) bool) {
	ei.tree.AscendGreaterOrEqual(indexItem{paddr: start},
		func(item btree.Item) bool {
			ii := item.(indexItem)
			if ii.paddr >= end {
				return false
			}
			return fn(ii.ext)
		})
}

func (ei extentIndex) ascend(fn func(e *Extent) bool) {
	ei.tree.Ascend(
		func(item btree.Item) bool {
			return fn(item.(indexItem).ext)
		})
}

func (ei extentIndex) len() int {
	return ei.tree.Len()
}
