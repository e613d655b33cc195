package amt

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultNodeCacheSize bounds the clean-node LRU when the caller does not
// configure one.
const DefaultNodeCacheSize = 4096

// nodeCache is the two-tier node store: dirty nodes are pinned in a map
// until flushed, clean nodes live in a bounded LRU. Eviction therefore can
// only ever drop clean state, which is reloadable from the node column.
type nodeCache struct {
	clean *lru.Cache[string, *Node]
	dirty map[string]*Node
}

func newNodeCache(size int) (*nodeCache, error) {
	if size <= 0 {
		size = DefaultNodeCacheSize
	}
	clean, err := lru.New[string, *Node](size)
	if err != nil {
		return nil, err
	}
	return &nodeCache{
		clean: clean,
		dirty: make(map[string]*Node),
	}, nil
}

// get returns the cached node for a prefix, dirty tier first so in-flight
// mutations are always observed over stale clean copies.
func (c *nodeCache) get(prefix []byte) (*Node, bool) {
	if n, ok := c.dirty[string(prefix)]; ok {
		return n, true
	}
	return c.clean.Get(string(prefix))
}

// putClean registers a freshly loaded or flushed node as evictable.
func (c *nodeCache) putClean(n *Node) {
	c.clean.Add(string(n.prefix), n)
}

// pinDirty moves a node into the pinned tier for the current commit.
func (c *nodeCache) pinDirty(n *Node) {
	key := string(n.prefix)
	c.clean.Remove(key)
	c.dirty[key] = n
}

// dirtyNodes returns the pinned set; callers order it themselves.
func (c *nodeCache) dirtyNodes() []*Node {
	out := make([]*Node, 0, len(c.dirty))
	for _, n := range c.dirty {
		out = append(out, n)
	}
	return out
}

// flushAll demotes every pinned node to the clean tier after its bytes
// have been durably written.
func (c *nodeCache) flushAll() {
	for key, n := range c.dirty {
		n.markClean()
		c.clean.Add(key, n)
		delete(c.dirty, key)
	}
}

// dropDirty discards all pinned nodes without flushing, used to rewind an
// aborted commit. Clean copies reload from storage on next access.
func (c *nodeCache) dropDirty() {
	for key := range c.dirty {
		delete(c.dirty, key)
	}
}
