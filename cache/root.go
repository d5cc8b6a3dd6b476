package cache

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/hmatsuda/kioku/seg"
)

// RootLength is the fixed size of the root block. The root holds the
// tree managers' root addresses; the cache treats it as one more
// extent, always resident, addressed by the reserved root address and
// never placed in the extent index.
const RootLength = 512

// InitRoot installs a fresh, zeroed root block. The engine calls it on
// every start, before replay; replay recovers the root's contents
// through its deltas.
func (c *Cache) InitRoot() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.root != nil {
		panic("cache: root already initialized")
	}
	root := c.newExtentLocked(seg.Root, seg.RootPaddr, seg.LaddrNull, RootLength,
		StateClean)
	root.lastCommit = root.computeCRC()
	c.root = root
	log.Debug("root initialized")
}

// GetRoot returns t's captured root, capturing the cache's current
// root into t's read set on first use.
func (c *Cache) GetRoot(t *Transaction) (*Extent, error) {
	t.checkOpen()
	if t.conflicted {
		return nil, ErrConflict
	}
	if t.root != nil {
		return t.root, nil
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.root == nil {
		panic("cache: no resident root")
	}
	t.root = c.root
	t.addToReadSet(c.root)
	c.recordReaderLocked(t, c.root)
	return t.root, nil
}

// GetRootFast returns t's captured root; the caller asserts it has
// already called GetRoot.
func (c *Cache) GetRootFast(t *Transaction) *Extent {
	t.checkOpen()
	if t.root == nil {
		panic(fmt.Sprintf("cache: root not captured in %s", t.name))
	}
	return t.root
}
