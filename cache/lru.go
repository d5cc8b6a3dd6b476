package cache

import (
	"container/list"
	"fmt"
)

// lruList holds CLEAN, non-placeholder extents bounded by a byte
// capacity. Entries are evicted from the front; touching moves an
// entry to the back.
type lruList struct {
	capacity uint64
	contents uint64
	order    *list.List
	elems    map[uint64]*list.Element
}

func newLRUList(capacity uint64) lruList {
	return lruList{
		capacity: capacity,
		order:    list.New(),
		elems:    map[uint64]*list.Element{},
	}
}

func (lru *lruList) contains(e *Extent) bool {
	_, ok := lru.elems[e.id]
	return ok
}

func (lru *lruList) checkExtent(e *Extent) {
	if !e.IsClean() || e.IsPlaceholder() {
		panic(fmt.Sprintf("cache: %s extent in lru: %s", e.state, e))
	}
}

// add appends e and returns the extents evicted from the front to
// restore the byte bound. Eviction does not consult readers: a holder
// of an evicted extent keeps seeing consistent contents through its
// own reference.
func (lru *lruList) add(e *Extent) []*Extent {
	lru.checkExtent(e)

	if _, ok := lru.elems[e.id]; !ok {
		lru.elems[e.id] = lru.order.PushBack(e)
		lru.contents += uint64(e.length)
	}
	return lru.trimToCapacity()
}

func (lru *lruList) remove(e *Extent) {
	elem, ok := lru.elems[e.id]
	if !ok {
		return
	}
	lru.order.Remove(elem)
	delete(lru.elems, e.id)
	lru.contents -= uint64(e.length)
}

func (lru *lruList) moveToTop(e *Extent) {
	lru.checkExtent(e)

	if elem, ok := lru.elems[e.id]; ok {
		lru.order.MoveToBack(elem)
	}
}

func (lru *lruList) trimToCapacity() []*Extent {
	var evicted []*Extent
	for lru.contents > lru.capacity {
		elem := lru.order.Front()
		if elem == nil {
			break
		}
		e := elem.Value.(*Extent)
		lru.order.Remove(elem)
		delete(lru.elems, e.id)
		lru.contents -= uint64(e.length)
		evicted = append(evicted, e)
	}
	return evicted
}

func (lru *lruList) clear() []*Extent {
	var all []*Extent
	for elem := lru.order.Front(); elem != nil; elem = elem.Next() {
		all = append(all, elem.Value.(*Extent))
	}
	lru.order.Init()
	lru.elems = map[uint64]*list.Element{}
	lru.contents = 0
	return all
}

func (lru *lruList) contentsBytes() uint64 {
	return lru.contents
}

func (lru *lruList) contentsExtents() int {
	return lru.order.Len()
}
