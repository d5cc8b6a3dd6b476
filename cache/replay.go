package cache

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/hmatsuda/kioku/seg"
)

// ReplayDelta reconstructs the effect of one journaled mutation during
// startup. recordBase is the record's start address, used to resolve
// relative targets. The target extent is read through the cache if not
// resident; a retired placeholder at the address is materialized into
// a real extent first. Deltas are idempotent, so replaying a journal
// prefix twice converges to the same state.
//
// Allocation and retirement effects are not handled here; the engine
// feeds those to ReplayAlloc, ReplayRetire and BackrefBatchUpdate
// directly, under the record's own seq. There is no separate
// allocation sequence.
func (c *Cache) ReplayDelta(ctx context.Context, seq seg.JournalSeq,
	recordBase seg.Paddr, m seg.Mutation) error {

	if seq.IsNull() {
		panic("cache: replaying under null sequence")
	}
	addr := m.Paddr.Resolve(recordBase)

	if addr == seg.RootPaddr {
		return c.replayRootDelta(seq, m)
	}

	// The stored block length is the extent length; resolve it from
	// the index or from the delta's target block via the EPM read
	// path. Replay records carry whole-block mutations, so the extent
	// is read at its allocation length.
	c.mutex.Lock()
	e := c.index.lookup(addr)
	c.mutex.Unlock()

	if e != nil && e.IsPlaceholder() {
		c.mutex.Lock()
		e = c.replacePlaceholderLocked(e, m.Type, seg.LaddrNull)
		var err error
		e, err = c.readExtent(ctx, e)
		if err != nil {
			return err
		}
	} else if e == nil {
		length, err := c.replayExtentLength(addr)
		if err != nil {
			return err
		}
		e, err = c.getExtentByType(ctx, seg.SrcRead, m.Type, addr, seg.LaddrNull,
			length)
		if err != nil {
			return err
		}
	} else if e.io != nil {
		if err := e.io.wait(ctx); err != nil {
			return err
		}
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if err := e.applyDelta(m.Data); err != nil {
		return fmt.Errorf("cache: replay %s at %s: %s", seq, addr, err)
	}

	if e.IsDirty() {
		// Keep the earliest dirtyFrom; replay runs in ascending order.
		c.removeFromDirtyLocked(e)
	} else {
		c.lru.remove(e)
		e.state = StateDirty
		e.dirtyFrom = seq
	}
	if e.dirtyFrom > seq {
		e.dirtyFrom = seq
	}
	e.lastModified = seq
	e.lastCommit = e.computeCRC()
	c.addToDirtyLocked(e)

	if seq > c.lastCommit {
		c.lastCommit = seq
	}
	log.WithFields(log.Fields{
		"seq":    seq.String(),
		"extent": e.String(),
	}).Trace("delta replayed")
	return nil
}

func (c *Cache) replayRootDelta(seq seg.JournalSeq, m seg.Mutation) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.root == nil {
		panic("cache: replaying root delta without a resident root")
	}
	root := c.root
	if err := root.applyDelta(m.Data); err != nil {
		return fmt.Errorf("cache: replay root delta %s: %s", seq, err)
	}
	if root.IsDirty() {
		c.removeFromDirtyLocked(root)
	} else {
		root.state = StateDirty
		root.dirtyFrom = seq
	}
	if root.dirtyFrom > seq {
		root.dirtyFrom = seq
	}
	root.lastModified = seq
	root.lastCommit = root.computeCRC()
	c.addToDirtyLocked(root)

	if seq > c.lastCommit {
		c.lastCommit = seq
	}
	return nil
}

// replayExtentLength determines the stored length of the block at
// addr. The EPM owns placement, so the cache asks it indirectly: the
// engine configures a length resolver at construction when replay
// needs one.
func (c *Cache) replayExtentLength(addr seg.Paddr) (uint32, error) {
	if c.lengthOf == nil {
		return 0, fmt.Errorf("cache: no length resolver for replay of %s", addr)
	}
	return c.lengthOf(addr)
}

// SetLengthResolver installs the function replay uses to learn the
// stored length of a non-resident block.
func (c *Cache) SetLengthResolver(fn func(seg.Paddr) (uint32, error)) {
	c.lengthOf = fn
}

// ReplayRetire removes any resident extent at addr during replay.
func (c *Cache) ReplayRetire(addr seg.Paddr, seq seg.JournalSeq) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	e := c.index.lookup(addr)
	if e == nil {
		return
	}
	c.index.remove(e)
	c.dropTrackingLocked(e)
	e.state = StateInvalid
	if e.typ.IsBackrefNode() {
		c.removeBackrefExtent(addr)
	}
	if seq > c.lastCommit {
		c.lastCommit = seq
	}
}

// ReplayAlloc records a replayed allocation: backref-tree nodes join
// the backref extent set. Blocks themselves are read on demand.
func (c *Cache) ReplayAlloc(addr seg.Paddr, typ seg.ExtentType, seq seg.JournalSeq) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if typ.IsBackrefNode() {
		c.addBackrefExtent(addr, typ)
	}
	if seq > c.lastCommit {
		c.lastCommit = seq
	}
}

// InitCachedExtents applies a liveness predicate to every resident
// extent after replay; dead extents are dropped. The predicate
// typically consults the logical address tree.
func (c *Cache) InitCachedExtents(live func(*Extent) bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	var dead []*Extent
	c.index.ascend(
		func(e *Extent) bool {
			if !live(e) {
				dead = append(dead, e)
			}
			return true
		})

	for _, e := range dead {
		c.index.remove(e)
		c.dropTrackingLocked(e)
		e.state = StateInvalid
	}
	log.WithFields(log.Fields{
		"resident": c.index.len(),
		"dropped":  len(dead),
	}).Info("cached extents initialized")
}
