package cache

import (
	"context"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/hmatsuda/kioku/seg"
)

// State is the lifecycle state of an extent.
//
//	INITIAL_WRITE_PENDING: fresh extent, address unresolved until commit
//	MUTATION_PENDING:      writable shadow of a resident extent
//	CLEAN_PENDING:         resident, physical read in flight
//	CLEAN:                 buffer matches the last durable write
//	DIRTY:                 committed changes not yet flushed clean
//	INVALID:               unreachable from the index; conflicts readers
type State int

const (
	StateInitialWritePending State = iota
	StateMutationPending
	StateCleanPending
	StateClean
	StateDirty
	StateInvalid
)

var stateNames = [...]string{
	"INITIAL_WRITE_PENDING",
	"MUTATION_PENDING",
	"CLEAN_PENDING",
	"CLEAN",
	"DIRTY",
	"INVALID",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Extent is the cache's unit of residency: an owned buffer with a
// physical address, a type tag, and a lifecycle state. At most one
// non-INVALID extent is resident per physical address.
type Extent struct {
	id      uint64
	typ     seg.ExtentType
	state   State
	paddr   seg.Paddr
	laddr   seg.Laddr
	length  uint32
	buf     []byte
	version uint64

	dirtyFrom    seg.JournalSeq
	lastCommit   uint32 // CRC of the last durably written contents
	lastModified seg.JournalSeq

	// prior links a MUTATION_PENDING shadow back to the extent it was
	// duplicated from.
	prior *Extent

	// writes accumulates buffer writes while pending; they become the
	// mutation delta at commit.
	writes []seg.BufferWrite

	io *ioWait
}

func (e *Extent) ID() uint64                { return e.id }
func (e *Extent) Type() seg.ExtentType     { return e.typ }
func (e *Extent) State() State             { return e.state }
func (e *Extent) Paddr() seg.Paddr         { return e.paddr }
func (e *Extent) Laddr() seg.Laddr         { return e.laddr }
func (e *Extent) Length() uint32           { return e.length }
func (e *Extent) Version() uint64          { return e.version }
func (e *Extent) DirtyFrom() seg.JournalSeq { return e.dirtyFrom }
func (e *Extent) LastCommittedCRC() uint32 { return e.lastCommit }

func (e *Extent) IsClean() bool {
	return e.state == StateClean || e.state == StateCleanPending
}

func (e *Extent) IsDirty() bool {
	return e.state == StateDirty
}

func (e *Extent) IsValid() bool {
	return e.state != StateInvalid
}

func (e *Extent) IsPending() bool {
	switch e.state {
	case StateInitialWritePending, StateMutationPending, StateCleanPending:
		return true
	}
	return false
}

func (e *Extent) IsPlaceholder() bool {
	return e.typ == seg.RetiredPlaceholder
}

// Bytes returns the extent's buffer. The buffer is immutable while the
// extent is CLEAN; mutation goes through a MUTATION_PENDING shadow.
func (e *Extent) Bytes() []byte {
	if e.IsPlaceholder() {
		panic(fmt.Sprintf("cache: bytes of placeholder extent %s", e))
	}
	return e.buf
}

// Set writes p at off. On a MUTATION_PENDING shadow it also records the
// write so it can be emitted as a delta at commit; fresh extents are
// journaled whole. Only pending extents owned by a transaction are
// writable.
func (e *Extent) Set(off uint32, p []byte) {
	if e.state != StateInitialWritePending && e.state != StateMutationPending {
		panic(fmt.Sprintf("cache: write to %s extent %s", e.state, e))
	}
	if int(off)+len(p) > len(e.buf) {
		panic(fmt.Sprintf("cache: write past end of extent %s: off %d len %d",
			e, off, len(p)))
	}
	copy(e.buf[off:], p)
	if e.state == StateMutationPending {
		data := append(make([]byte, 0, len(p)), p...)
		e.writes = append(e.writes, seg.BufferWrite{Off: off, Data: data})
	}
}

// buildDelta encodes the writes recorded since duplication.
func (e *Extent) buildDelta() []byte {
	if len(e.writes) == 0 {
		return nil
	}
	return seg.EncodeWrites(nil, e.writes)
}

func (e *Extent) applyDelta(data []byte) error {
	writes, err := seg.DecodeWrites(data)
	if err != nil {
		return err
	}
	return seg.ApplyWrites(e.buf, writes)
}

func (e *Extent) computeCRC() uint32 {
	return crc32.Checksum(e.buf, crcTable)
}

// completeInitialWrite resolves a fresh extent's final address once
// its record's start address is known.
func (e *Extent) completeInitialWrite(addr seg.Paddr) {
	if e.state != StateInitialWritePending {
		panic(fmt.Sprintf("cache: complete initial write of %s extent %s",
			e.state, e))
	}
	if addr.IsRelative() || addr.IsNull() {
		panic(fmt.Sprintf("cache: unresolved final address %s for extent %s",
			addr, e))
	}
	e.paddr = addr
}

func (e *Extent) String() string {
	return fmt.Sprintf("extent{id=%d type=%s addr=%s len=%d state=%s ver=%d}",
		e.id, e.typ, e.paddr, e.length, e.state, e.version)
}

// ioWait is a one-shot, multi-waiter completion attached to an extent
// while a read or write is in flight. Waiters resume in FIFO order;
// completion happens exactly once.
type ioWait struct {
	mutex   sync.Mutex
	done    bool
	err     error
	waiters []chan error
}

func newIOWait() *ioWait {
	return &ioWait{}
}

func (w *ioWait) wait(ctx context.Context) error {
	w.mutex.Lock()
	if w.done {
		w.mutex.Unlock()
		return w.err
	}
	ch := make(chan error, 1)
	w.waiters = append(w.waiters, ch)
	w.mutex.Unlock()

	if ctx == nil {
		return <-ch
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *ioWait) complete(err error) {
	w.mutex.Lock()
	if w.done {
		w.mutex.Unlock()
		panic("cache: io completed twice")
	}
	w.done = true
	w.err = err
	waiters := w.waiters
	w.waiters = nil
	w.mutex.Unlock()

	for _, ch := range waiters {
		ch <- err
	}
}
