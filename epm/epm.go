// Package epm is the extent placement manager: it allocates physical
// addresses and moves extent blocks to and from the store. Placement
// here is a bump cursor over a single address space; the cache only
// depends on the allocation and read surfaces.
package epm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/hmatsuda/kioku/kv"
	"github.com/hmatsuda/kioku/seg"
)

// BlockSize is the allocation granularity; extent lengths are
// multiples of it.
const BlockSize = 4096

var (
	blockKeyPrefix = byte('b')
	cursorKey      = []byte{'m', 'c', 'u', 'r', 's', 'o', 'r'}

	ErrNoBlock = errors.New("epm: no block at address")
)

func blockKey(addr seg.Paddr) []byte {
	return seg.EncodeUint64([]byte{blockKeyPrefix}, uint64(addr))
}

type Manager struct {
	mutex sync.Mutex
	kvs   kv.KV
	next  seg.Paddr
}

func NewManager(kvs kv.KV) (*Manager, error) {
	m := &Manager{
		kvs:  kvs,
		next: seg.Paddr(BlockSize), // byte zero is reserved for the root
	}

	err := kvs.Get(cursorKey,
		func(val []byte) error {
			_, u64, ok := seg.DecodeUint64(val)
			if !ok {
				return errors.New("epm: bad cursor value")
			}
			m.next = seg.Paddr(u64)
			return nil
		})
	if err != nil && err != io.EOF {
		return nil, err
	}
	return m, nil
}

// Format persists the placement cursor for a fresh store; mkfs calls
// it once so the address space base is durable before any record.
func (m *Manager) Format(upd kv.Updater) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return upd.Set(cursorKey, seg.EncodeUint64(nil, uint64(m.next)))
}

func checkLength(length uint32) {
	if length == 0 || length%BlockSize != 0 {
		panic(fmt.Sprintf("epm: extent length not block aligned: %d", length))
	}
}

// Alloc returns a zeroed buffer and a tentative address for a fresh
// extent. The address is record-relative; it resolves to the record's
// start address plus freshOffset at commit completion.
func (m *Manager) Alloc(typ seg.ExtentType, length uint32, hint seg.Paddr,
	freshOffset uint64) (seg.Paddr, []byte, error) {

	checkLength(length)
	return seg.MakeRelativePaddr(freshOffset), make([]byte, length), nil
}

// Read fills buf with the block stored at addr.
func (m *Manager) Read(ctx context.Context, addr seg.Paddr, buf []byte) error {
	err := m.kvs.Get(blockKey(addr),
		func(val []byte) error {
			if len(val) != len(buf) {
				return fmt.Errorf("epm: block at %s is %d bytes, want %d",
					addr, len(val), len(buf))
			}
			copy(buf, val)
			return nil
		})
	if err == io.EOF {
		return ErrNoBlock
	}
	return err
}

// StoredLength returns the length of the block at addr; replay uses it
// to size non-resident delta targets.
func (m *Manager) StoredLength(addr seg.Paddr) (uint32, error) {
	var length uint32
	err := m.kvs.Get(blockKey(addr),
		func(val []byte) error {
			length = uint32(len(val))
			return nil
		})
	if err == io.EOF {
		return 0, ErrNoBlock
	}
	return length, err
}

// WriteRecordTo stages a committing record's block effects into upd:
// fresh blocks land at cursor-assigned addresses, mutation deltas are
// applied to their stored blocks, and retired blocks are deleted. The
// assigned start address is returned; the caller commits upd together
// with the journal record itself.
func (m *Manager) WriteRecordTo(upd kv.Updater, rec *seg.Record) (seg.Paddr, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	start := m.next

	var offset uint64
	for _, fb := range rec.FreshBlocks {
		checkLength(uint32(len(fb.Data)))
		err := upd.Set(blockKey(start+seg.Paddr(offset)), fb.Data)
		if err != nil {
			return seg.PaddrNull, err
		}
		offset += uint64(len(fb.Data))
	}

	for _, mut := range rec.Mutations {
		if mut.Paddr == seg.RootPaddr {
			// The root lives only in the journal; its contents are
			// recovered from deltas.
			continue
		}
		writes, err := seg.DecodeWrites(mut.Data)
		if err != nil {
			return seg.PaddrNull, err
		}

		var block []byte
		err = upd.Get(blockKey(mut.Paddr),
			func(val []byte) error {
				block = append(make([]byte, 0, len(val)), val...)
				return nil
			})
		if err == io.EOF {
			return seg.PaddrNull, fmt.Errorf("epm: mutation of absent block %s",
				mut.Paddr)
		} else if err != nil {
			return seg.PaddrNull, err
		}

		err = seg.ApplyWrites(block, writes)
		if err != nil {
			return seg.PaddrNull, err
		}
		err = upd.Set(blockKey(mut.Paddr), block)
		if err != nil {
			return seg.PaddrNull, err
		}
	}

	for _, ret := range rec.Retirements {
		err := upd.Delete(blockKey(ret.Paddr))
		if err != nil {
			return seg.PaddrNull, err
		}
	}

	m.next = start + seg.Paddr(offset)
	err := upd.Set(cursorKey, seg.EncodeUint64(nil, uint64(m.next)))
	if err != nil {
		return seg.PaddrNull, err
	}
	return start, nil
}
