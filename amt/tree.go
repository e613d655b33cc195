package amt

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"

	"github.com/lvmt-db/lvmt/crypto"
	"github.com/lvmt-db/lvmt/kvstore"
	"github.com/lvmt-db/lvmt/log"
)

// Tree errors. ErrMissingChild and ErrPathExhausted indicate a corrupted
// or impossible on-disk state and are treated as integrity failures by the
// engine.
var (
	ErrMissingChild  = errors.New("amt: branch slot without child node")
	ErrPathExhausted = errors.New("amt: identical routing path for distinct keys")
	ErrBadTreeConfig = errors.New("amt: invalid tree configuration")
)

// TreeConfig fixes the tree geometry. Fanout is the per-node slot count
// (power of two, at most 256); Depth the maximum number of levels.
type TreeConfig struct {
	Fanout    int
	Depth     int
	CacheSize int
}

func (c TreeConfig) validate() error {
	if c.Fanout < 2 || c.Fanout > 256 || c.Fanout&(c.Fanout-1) != 0 {
		return fmt.Errorf("%w: fanout %d", ErrBadTreeConfig, c.Fanout)
	}
	if c.Depth < 2 {
		return fmt.Errorf("%w: depth %d", ErrBadTreeConfig, c.Depth)
	}
	if c.Depth*bitsFor(c.Fanout) > 8*common.HashLength {
		return fmt.Errorf("%w: depth %d exhausts the key hash", ErrBadTreeConfig, c.Depth)
	}
	return nil
}

func bitsFor(fanout int) int {
	b := 0
	for v := fanout; v > 1; v >>= 1 {
		b++
	}
	return b
}

// Tree is the versioned multi-layer AMT. Parents refer to children only
// through path-prefix lookups in the node column; descent materializes
// ancestry as an explicit stack, never as back-pointers.
//
// The tree is not safe for concurrent use; the engine serializes access.
type Tree struct {
	params *Params // nil in hash-only mode
	store  kvstore.KeyValueStore
	hasher crypto.Hasher

	fanout    int
	depth     int
	digitBits int

	cache      *nodeCache
	root       *Node
	rootOnDisk bool

	logger *log.Logger

	// Hit counters are touched under the engine's shared lock by
	// concurrent readers.
	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
}

// NewTree opens the tree over the given store, loading the persisted root
// if one exists. params may be nil for hash-only operation.
func NewTree(store kvstore.KeyValueStore, params *Params, hasher crypto.Hasher, cfg TreeConfig) (*Tree, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if params != nil && params.Fanout() != cfg.Fanout {
		return nil, fmt.Errorf("%w: params degree %d, tree fanout %d", ErrParamsMismatch, params.Fanout(), cfg.Fanout)
	}
	cache, err := newNodeCache(cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	t := &Tree{
		params:    params,
		store:     store,
		hasher:    hasher,
		fanout:    cfg.Fanout,
		depth:     cfg.Depth,
		digitBits: bitsFor(cfg.Fanout),
		cache:     cache,
		logger:    log.Default().Module("amt"),
	}
	if err := t.loadRoot(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tree) loadRoot() error {
	data, err := t.store.Get(kvstore.ColNodes, nil)
	if err != nil {
		return err
	}
	if data == nil {
		t.root = newNode(nil, t.fanout)
		t.rootOnDisk = false
		return nil
	}
	root, err := DeserializeNode(nil, data, t.fanout)
	if err != nil {
		return err
	}
	t.root = root
	t.rootOnDisk = true
	return nil
}

// Depth returns the configured maximum depth.
func (t *Tree) Depth() int { return t.depth }

// Fanout returns the per-node slot count.
func (t *Tree) Fanout() int { return t.fanout }

// RootCommitmentBytes returns the current serialized root commitment.
func (t *Tree) RootCommitmentBytes() [commitmentSize]byte {
	return t.root.CommitmentBytes()
}

// CacheStats reports clean-node cache hits and misses since construction.
func (t *Tree) CacheStats() (hits, misses int64) {
	return t.cacheHits.Load(), t.cacheMisses.Load()
}

// digit extracts the level-th base-N routing digit from the key hash,
// consuming digitBits bits MSB-first.
func (t *Tree) digit(h common.Hash, level int) int {
	return digitOf(h, level, t.digitBits)
}

// loadNode returns the node stored at prefix, or (nil, nil) if absent.
func (t *Tree) loadNode(prefix []byte) (*Node, error) {
	if len(prefix) == 0 {
		return t.root, nil
	}
	if n, ok := t.cache.get(prefix); ok {
		t.cacheHits.Add(1)
		return n, nil
	}
	t.cacheMisses.Add(1)
	data, err := t.store.Get(kvstore.ColNodes, prefix)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	n, err := DeserializeNode(prefix, data, t.fanout)
	if err != nil {
		return nil, err
	}
	t.cache.putClean(n)
	return n, nil
}

// childPrefix appends the digit to the node's prefix.
func childPrefix(prefix []byte, digit int) []byte {
	p := make([]byte, len(prefix)+1)
	copy(p, prefix)
	p[len(prefix)] = byte(digit)
	return p
}

// Lookup descends the committed tree for the key hash h and returns the
// leaf slot version if the key is present.
func (t *Tree) Lookup(h common.Hash) (version uint64, found bool, err error) {
	node := t.root
	for level := 0; level < t.depth; level++ {
		d := t.digit(h, level)
		s := &node.slots[d]
		if s.Present {
			if s.LeafKey == h {
				return s.Version, true, nil
			}
			return 0, false, nil
		}
		if s.isEmpty() {
			return 0, false, nil
		}
		child, err := t.loadNode(childPrefix(node.prefix, d))
		if err != nil {
			return 0, false, err
		}
		if child == nil {
			return 0, false, fmt.Errorf("%w: prefix %x digit %d", ErrMissingChild, node.prefix, d)
		}
		node = child
	}
	return 0, false, nil
}

// Relocation records a resident key pushed one or more levels deeper by a
// colliding insert. A parity change between the old and new leaf versions
// means the key's value must move between value columns.
type Relocation struct {
	Key        common.Hash
	OldVersion uint64
	NewVersion uint64
}

// ApplyResult describes the effect of one staged write on the tree.
type ApplyResult struct {
	// NewVersion is the version of the key's leaf slot after the write;
	// its parity selects the value column. Zero for a no-op removal.
	NewVersion uint64
	// Existed reports whether the key had a leaf before this write.
	Existed bool
	// Noop is set for removals of absent keys.
	Noop bool
	// Relocation is non-nil if a resident key was pushed deeper.
	Relocation *Relocation
}

// Apply mutates the in-memory tree for a single write: an insert or
// overwrite of the key hashed to h with value digest vd, or a removal if
// remove is set. Commitments are not updated here; Finalize folds all
// slot changes into commitments once per commit.
func (t *Tree) Apply(h common.Hash, vd common.Hash, remove bool) (ApplyResult, error) {
	var res ApplyResult
	node := t.root
	for level := 0; ; level++ {
		if level >= t.depth {
			return res, fmt.Errorf("%w: key %x", ErrPathExhausted, h)
		}
		d := t.digit(h, level)
		s := &node.slots[d]

		switch {
		case s.Present && s.LeafKey == h:
			// Overwrite or delete in place.
			t.dirtyNode(node)
			node.touch(d)
			if remove {
				s.Present = false
				s.Digest = common.Hash{}
				s.LeafKey = common.Hash{}
			} else {
				s.Digest = vd
			}
			res.NewVersion = s.Version
			res.Existed = true
			return res, nil

		case s.Present:
			// Collision with a resident key: convert this slot into a
			// branch and push the resident one level down. The loop then
			// retries at the child, which may collide again.
			if remove {
				res.Noop = true
				return res, nil
			}
			if level == t.depth-1 {
				return res, fmt.Errorf("%w: keys %x and %x", ErrPathExhausted, h, s.LeafKey)
			}
			child, err := t.loadNode(childPrefix(node.prefix, d))
			if err != nil {
				return res, err
			}
			if child == nil {
				child = newNode(childPrefix(node.prefix, d), t.fanout)
			}
			t.dirtyNode(child)

			resident := *s
			rd := t.digit(resident.LeafKey, level+1)
			cs := &child.slots[rd]
			child.touch(rd)
			cs.Present = true
			cs.Digest = resident.Digest
			cs.LeafKey = resident.LeafKey

			if res.Relocation == nil {
				res.Relocation = &Relocation{
					Key:        resident.LeafKey,
					OldVersion: resident.Version,
				}
			}
			res.Relocation.NewVersion = cs.Version

			t.dirtyNode(node)
			node.touch(d)
			s.Present = false
			s.LeafKey = common.Hash{}
			// Digest is refreshed from the child commitment at Finalize.

			node = child
			continue

		case s.isBranch():
			child, err := t.loadNode(childPrefix(node.prefix, d))
			if err != nil {
				return res, err
			}
			if child == nil {
				return res, fmt.Errorf("%w: prefix %x digit %d", ErrMissingChild, node.prefix, d)
			}
			node = child
			continue

		default:
			// Empty slot: terminal position for this key.
			if remove {
				res.Noop = true
				return res, nil
			}
			t.dirtyNode(node)
			node.touch(d)
			s.Present = true
			s.Digest = vd
			s.LeafKey = h
			res.NewVersion = s.Version
			return res, nil
		}
	}
}

// dirtyNode pins the node for the current commit.
func (t *Tree) dirtyNode(n *Node) {
	if !n.dirty {
		n.dirty = true
	}
	t.cache.pinDirty(n)
}

// Finalize runs the upward half of the commit pipeline: deepest level
// first, every dirty node folds its slot deltas into its commitment
// exactly once, then publishes its new digest into the parent slot. The
// returned ops carry every dirtied node's serialized bytes for the node
// column; the caller merges them into the commit batch.
func (t *Tree) Finalize() (root [commitmentSize]byte, ops []kvstore.Op, err error) {
	if !t.rootOnDisk {
		t.dirtyNode(t.root)
	}

	dirty := t.cache.dirtyNodes()
	maxDepth := 0
	for _, n := range dirty {
		if n.Depth() > maxDepth {
			maxDepth = n.Depth()
		}
	}

	for level := maxDepth; level >= 1; level-- {
		nodes := t.dirtyAtDepth(level)
		for _, n := range nodes {
			n.finalize(t.params, t.hasher)

			parentPrefix := n.prefix[:len(n.prefix)-1]
			parent, err := t.loadNode(parentPrefix)
			if err != nil {
				return root, nil, err
			}
			if parent == nil {
				return root, nil, fmt.Errorf("%w: prefix %x", ErrMissingChild, parentPrefix)
			}
			t.dirtyNode(parent)
			d := int(n.prefix[len(n.prefix)-1])
			parent.touch(d)
			cb := n.CommitmentBytes()
			parent.slots[d].Digest = t.hasher.Sum(cb[:])
		}
	}

	if _, pinned := t.cache.get(nil); pinned || t.root.dirty {
		t.root.finalize(t.params, t.hasher)
	}

	for _, n := range t.sortedDirty() {
		ops = append(ops, kvstore.Put(kvstore.ColNodes, n.Prefix(), n.Serialize()))
	}
	t.logger.Debug("finalized tree mutations", "nodes", len(ops))
	return t.root.CommitmentBytes(), ops, nil
}

// dirtyAtDepth returns the pinned nodes at one level in deterministic
// prefix order.
func (t *Tree) dirtyAtDepth(level int) []*Node {
	var out []*Node
	for _, n := range t.cache.dirtyNodes() {
		if n.Depth() == level {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].prefix, out[j].prefix) < 0
	})
	return out
}

// sortedDirty returns all pinned nodes ordered by (depth, prefix) so the
// serialized batch layout is deterministic across engines.
func (t *Tree) sortedDirty() []*Node {
	out := t.cache.dirtyNodes()
	sort.Slice(out, func(i, j int) bool {
		if d := len(out[i].prefix) - len(out[j].prefix); d != 0 {
			return d < 0
		}
		return bytes.Compare(out[i].prefix, out[j].prefix) < 0
	})
	return out
}

// Flushed transitions all pinned nodes to clean after the commit batch
// has been durably written.
func (t *Tree) Flushed() {
	t.cache.flushAll()
	t.rootOnDisk = true
}

// Rollback discards every in-memory mutation of an aborted commit and
// reloads the root from its last persisted state.
func (t *Tree) Rollback() error {
	t.cache.dropDirty()
	return t.loadRoot()
}
