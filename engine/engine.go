// Package engine binds the extent cache to its collaborators: the KV
// store, the extent placement manager, and the journal. It owns the
// commit pipeline ordering (prepare, submit, complete) and startup
// replay.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/hmatsuda/kioku/cache"
	"github.com/hmatsuda/kioku/epm"
	"github.com/hmatsuda/kioku/journal"
	"github.com/hmatsuda/kioku/kv"
	"github.com/hmatsuda/kioku/seg"
)

type Config struct {
	LRUCapacityBytes uint64
}

func DefaultConfig() Config {
	return Config{
		LRUCapacityBytes: 64 * 1024 * 1024,
	}
}

type Engine struct {
	kvs         kv.KV
	ownsKV      bool
	mgr         *epm.Manager
	jnl         *journal.Journal
	cch         *cache.Cache
	commitMutex sync.Mutex
}

// Open opens the named KV backend at dataDir and starts an engine over
// it.
func Open(backend, dataDir string, cfg Config) (*Engine, error) {
	kvs, err := kv.Open(backend, dataDir, log.StandardLogger())
	if err != nil {
		return nil, err
	}
	e, err := Start(kvs, cfg)
	if err != nil {
		kvs.Close()
		return nil, err
	}
	e.ownsKV = true
	return e, nil
}

// Mkfs initializes a fresh store at dataDir: the journal header, the
// placement cursor, and the implicit zeroed root block (the root is
// recovered from journal deltas, so nothing of it lands on disk until
// the first root mutation commits). It refuses a store that is
// already initialized.
func Mkfs(backend, dataDir string) error {
	kvs, err := kv.Open(backend, dataDir, log.StandardLogger())
	if err != nil {
		return err
	}
	defer kvs.Close()

	err = MkfsStore(kvs)
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"backend": backend,
		"data":    dataDir,
	}).Info("store initialized")
	return nil
}

// MkfsStore initializes a fresh store over an already open kv.
func MkfsStore(kvs kv.KV) error {
	mgr, err := epm.NewManager(kvs)
	if err != nil {
		return err
	}

	_, init, err := journal.Open(kvs, mgr)
	if err != nil {
		return err
	}
	if !init {
		return errors.New("engine: store already initialized")
	}

	upd, err := kvs.Updater()
	if err != nil {
		return err
	}
	err = mgr.Format(upd)
	if err != nil {
		upd.Rollback()
		return err
	}
	return upd.Commit(true)
}

// Start runs an engine over an already open store: construct the
// collaborators, replay the journal into the cache, and install the
// root.
func Start(kvs kv.KV, cfg Config) (*Engine, error) {
	mgr, err := epm.NewManager(kvs)
	if err != nil {
		return nil, err
	}

	jnl, _, err := journal.Open(kvs, mgr)
	if err != nil {
		return nil, err
	}

	cch := cache.NewCache(mgr, cache.Config{LRUCapacityBytes: cfg.LRUCapacityBytes})
	cch.SetLengthResolver(mgr.StoredLength)
	cch.InitRoot()

	e := &Engine{
		kvs: kvs,
		mgr: mgr,
		jnl: jnl,
		cch: cch,
	}

	err = e.replay()
	if err != nil {
		return nil, fmt.Errorf("engine: replay failed: %s", err)
	}

	log.WithField("last-commit", cch.LastCommit().String()).Info("engine started")
	return e, nil
}

func (e *Engine) replay() error {
	ctx := context.Background()
	return e.jnl.Replay(
		func(seq seg.JournalSeq, start seg.Paddr, rec *seg.Record) error {
			for _, m := range rec.Mutations {
				err := e.cch.ReplayDelta(ctx, seq, start, m)
				if err != nil {
					return err
				}
			}
			for _, ret := range rec.Retirements {
				e.cch.ReplayRetire(ret.Paddr, seq)
			}

			entries := make([]seg.BackrefEntry, 0, len(rec.BackrefUpdates))
			for _, ent := range rec.BackrefUpdates {
				// Fresh-block entries were journaled before their
				// addresses resolved.
				if ent.Paddr.IsRelative() {
					ent.Paddr = ent.Paddr.Resolve(start)
				}
				if !ent.IsRemoval() {
					e.cch.ReplayAlloc(ent.Paddr, ent.Type, seq)
				}
				ent.Seq = seq
				entries = append(entries, ent)
			}
			e.cch.BackrefBatchUpdate(entries, seq)
			return nil
		})
}

// Cache exposes the extent cache to callers that drive it directly:
// the repl, the cleaner surfaces, tests.
func (e *Engine) Cache() *cache.Cache {
	return e.cch
}

// Begin creates a transaction.
func (e *Engine) Begin(src seg.TransactionSrc, name string) *cache.Transaction {
	return e.cch.NewTransaction(src, name, false)
}

// BeginWeak creates a read-only transaction for scans that tolerate
// stale results.
func (e *Engine) BeginWeak(src seg.TransactionSrc, name string) *cache.Transaction {
	return e.cch.NewTransaction(src, name, true)
}

// Commit runs the three-phase pipeline for t: validate and build the
// record, submit it to the journal, and complete against the cache.
// cache.ErrConflict means the caller should retry with a fresh
// transaction.
func (e *Engine) Commit(ctx context.Context, t *cache.Transaction) (seg.JournalSeq, error) {
	e.commitMutex.Lock()
	defer e.commitMutex.Unlock()

	rec, err := e.cch.PrepareRecord(t)
	if err != nil {
		return seg.JournalSeqNull, err
	}

	if rec.Empty() {
		// Read-only transaction; nothing to journal.
		t.Abort()
		return e.cch.LastCommit(), nil
	}

	start, seq, err := e.jnl.Submit(rec)
	if err != nil {
		return seg.JournalSeqNull, err
	}

	e.cch.CompleteCommit(t, start, seq)
	return seq, nil
}

func (e *Engine) Close() error {
	e.cch.Close()
	if e.ownsKV {
		return e.kvs.Close()
	}
	return nil
}
