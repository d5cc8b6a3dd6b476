// Package journal is the durable record log: it assigns sequences to
// committing records, persists them atomically with their block
// effects, and replays them in order on startup.
package journal

import (
	"errors"
	"fmt"
	"io"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/hmatsuda/kioku/epm"
	"github.com/hmatsuda/kioku/kv"
	"github.com/hmatsuda/kioku/seg"
)

const journalVersion = 1

var (
	headerKey       = []byte{'h', 'e', 'a', 'd', 'e', 'r'}
	recordKeyPrefix = byte('j')

	headerSignature = [8]byte{'k', 'i', 'o', 'k', 'u', 'j', 'n', 'l'}
)

func recordKey(seq seg.JournalSeq) []byte {
	return seg.EncodeUint64([]byte{recordKeyPrefix}, uint64(seq))
}

type Journal struct {
	mutex   sync.Mutex
	kvs     kv.KV
	mgr     *epm.Manager
	lastSeq seg.JournalSeq
}

// Open binds a journal to its store, installing the header on a fresh
// store and locating the tail otherwise. init reports whether the
// store was fresh.
func Open(kvs kv.KV, mgr *epm.Manager) (*Journal, bool, error) {
	j := &Journal{
		kvs: kvs,
		mgr: mgr,
	}

	var init bool
	err := kvs.Get(headerKey,
		func(val []byte) error {
			if len(val) != 9 || string(val[:8]) != string(headerSignature[:]) {
				return fmt.Errorf("journal: bad header: %v", val)
			}
			if val[8] > journalVersion {
				return fmt.Errorf("journal: bad version: %d", val[8])
			}
			return nil
		})
	if err == io.EOF {
		init = true
		upd, err := kvs.Updater()
		if err != nil {
			return nil, false, err
		}
		hdr := append(append(make([]byte, 0, 9), headerSignature[:]...),
			journalVersion)
		err = upd.Set(headerKey, hdr)
		if err != nil {
			upd.Rollback()
			return nil, false, err
		}
		err = upd.Commit(true)
		if err != nil {
			return nil, false, err
		}
	} else if err != nil {
		return nil, false, err
	}

	err = j.Replay(
		func(seq seg.JournalSeq, start seg.Paddr, rec *seg.Record) error {
			j.lastSeq = seq
			return nil
		})
	if err != nil {
		return nil, false, err
	}

	log.WithFields(log.Fields{
		"init":     init,
		"last-seq": j.lastSeq.String(),
	}).Info("journal opened")
	return j, init, nil
}

func (j *Journal) LastSeq() seg.JournalSeq {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	return j.lastSeq
}

// Submit makes rec durable: the epm stages its block effects, the
// encoded record is stored under the next sequence, and both commit as
// one batch. Returns the record's start address and sequence.
func (j *Journal) Submit(rec *seg.Record) (seg.Paddr, seg.JournalSeq, error) {
	if rec.Empty() {
		return seg.PaddrNull, seg.JournalSeqNull,
			errors.New("journal: empty record")
	}

	j.mutex.Lock()
	defer j.mutex.Unlock()

	seq := j.lastSeq + 1

	upd, err := j.kvs.Updater()
	if err != nil {
		return seg.PaddrNull, seg.JournalSeqNull, err
	}

	start, err := j.mgr.WriteRecordTo(upd, rec)
	if err != nil {
		upd.Rollback()
		return seg.PaddrNull, seg.JournalSeqNull, err
	}

	val := seg.EncodeUint64(nil, uint64(start))
	val = seg.EncodeRecord(val, rec)
	err = upd.Set(recordKey(seq), val)
	if err != nil {
		upd.Rollback()
		return seg.PaddrNull, seg.JournalSeqNull, err
	}

	err = upd.Commit(true)
	if err != nil {
		return seg.PaddrNull, seg.JournalSeqNull, err
	}

	j.lastSeq = seq
	log.WithFields(log.Fields{
		"seq":   seq.String(),
		"start": start.String(),
	}).Debug("record submitted")
	return start, seq, nil
}

// Replay decodes every record in ascending sequence order.
func (j *Journal) Replay(fn func(seq seg.JournalSeq, start seg.Paddr,
	rec *seg.Record) error) error {

	it, err := j.kvs.Iterate(recordKey(seg.JournalSeqMin),
		recordKey(seg.JournalSeqNull))
	if err != nil {
		return err
	}
	defer it.Close()

	for {
		err = it.Item(
			func(key, val []byte) error {
				if len(key) != 9 || key[0] != recordKeyPrefix {
					return fmt.Errorf("journal: bad record key: %v", key)
				}
				_, u64, ok := seg.DecodeUint64(key[1:])
				if !ok {
					return fmt.Errorf("journal: bad record key: %v", key)
				}
				seq := seg.JournalSeq(u64)

				val, u64, ok = seg.DecodeUint64(val)
				if !ok {
					return fmt.Errorf("journal: bad record envelope at %s", seq)
				}
				start := seg.Paddr(u64)

				rec, err := seg.DecodeRecord(val)
				if err != nil {
					return fmt.Errorf("journal: %s at %s", err, seq)
				}
				return fn(seq, start, rec)
			})
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
	}
	return nil
}
