// Package kv is the ordered key-value store the block store and
// journal persist through. One interface, four backends: an in-memory
// btree for tests, and badger, bbolt, and pebble for real data
// directories.
package kv

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

type KV interface {
	// Iterate positions at the first key >= minKey; iteration stops
	// after maxKey.
	Iterate(minKey, maxKey []byte) (Iterator, error)

	// Get calls fn with the value at key; io.EOF reports an absent key.
	Get(key []byte, fn func(val []byte) error) error

	// Updater begins an atomic batch of writes. At most one updater is
	// active at a time.
	Updater() (Updater, error)

	Close() error
}

type Iterator interface {
	// Item calls fn with the current entry and advances; io.EOF
	// reports exhaustion.
	Item(fn func(key, val []byte) error) error
	Close()
}

type Updater interface {
	Get(key []byte, fn func(val []byte) error) error
	Set(key, val []byte) error
	Delete(key []byte) error
	Commit(sync bool) error
	Rollback()
}

// Open opens the named backend rooted at dataDir. The btree backend
// ignores dataDir and holds everything in memory.
func Open(backend, dataDir string, logger *log.Logger) (KV, error) {
	switch backend {
	case "btree":
		return MakeBTreeKV(), nil
	case "badger":
		return MakeBadgerKV(dataDir, logger)
	case "bbolt":
		return MakeBBoltKV(dataDir)
	case "pebble":
		return MakePebbleKV(dataDir, logger)
	}
	return nil, fmt.Errorf("kv: unknown backend: %s", backend)
}
