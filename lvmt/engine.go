// Package lvmt exposes the authenticated key-value store: a write cache
// and commit orchestration over the versioned multi-layer AMT, per-epoch
// root commitments, and opening-proof construction and verification.
//
// The engine is single-writer, multi-reader: Set, Delete and Commit take
// the exclusive lock, Get and Prove the shared one. Commit either applies
// a whole epoch atomically or leaves the engine (and disk) at the previous
// epoch.
package lvmt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sort"
	"sync"
	"time"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/ethereum/go-ethereum/common"

	"github.com/lvmt-db/lvmt/amt"
	"github.com/lvmt-db/lvmt/crypto"
	"github.com/lvmt-db/lvmt/kvstore"
	"github.com/lvmt-db/lvmt/log"
	"github.com/lvmt-db/lvmt/metrics"
)

// metaKey stores engine metadata in the node column. It is 20 bytes long;
// node path prefixes are at most depth-1 (19) bytes, so the key spaces
// cannot collide.
var metaKey = []byte("lvmt/meta/last-epoch")

// metaValue layout: epoch(8 BE) | fanout(2 BE) | depth(1) | hash algo(1).
const metaValueSize = 12

const commitmentSize = 48

type pendingWrite struct {
	value     []byte
	tombstone bool
}

type stagedValue struct {
	col   kvstore.Column
	value []byte
}

// Engine is the LVMT store facade.
type Engine struct {
	mu sync.RWMutex

	store  kvstore.KeyValueStore
	params *amt.Params // nil in merkle-root-only mode
	hasher crypto.Hasher
	cfg    Config
	tree   *amt.Tree

	writes map[common.Hash]pendingWrite

	lastEpoch    uint64
	lastRootCom  [commitmentSize]byte
	lastRootHash common.Hash

	fatalMu sync.Mutex
	fatal   error

	logger *log.Logger

	commits        *metrics.Counter
	commitDuration *metrics.Histogram
	cacheHits      *metrics.Gauge
	cacheMisses    *metrics.Gauge
}

// NewEngine opens an engine over the given backend. params carries the
// trusted-setup material and must match cfg.Fanout; it may be nil only in
// merkle-root-only mode. Persisted state with a different geometry is
// rejected.
func NewEngine(store kvstore.KeyValueStore, params *amt.Params, cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.OnlyMerkleRoot {
		params = nil
	} else {
		if params == nil {
			return nil, amt.ErrParamsNotFound
		}
		if params.Fanout() != cfg.Fanout {
			return nil, amt.ErrParamsMismatch
		}
	}

	hasher := crypto.NewHasher(cfg.Hash)
	tree, err := amt.NewTree(store, params, hasher, amt.TreeConfig{
		Fanout:    cfg.Fanout,
		Depth:     cfg.Depth,
		CacheSize: cfg.NodeCacheSize,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		store:  store,
		params: params,
		hasher: hasher,
		cfg:    cfg,
		tree:   tree,
		writes: make(map[common.Hash]pendingWrite),
		logger: log.Default().Module("lvmt"),

		commits:        metrics.DefaultRegistry.Counter("lvmt/commit/epochs"),
		commitDuration: metrics.DefaultRegistry.Histogram("lvmt/commit/duration_ms"),
		cacheHits:      metrics.DefaultRegistry.Gauge("lvmt/node_cache/hits"),
		cacheMisses:    metrics.DefaultRegistry.Gauge("lvmt/node_cache/misses"),
	}
	if err := e.loadMeta(); err != nil {
		return nil, err
	}
	if e.lastEpoch > 0 {
		e.lastRootCom = tree.RootCommitmentBytes()
		e.lastRootHash = e.rootHash(e.lastRootCom, e.lastEpoch)
	}
	return e, nil
}

func (e *Engine) loadMeta() error {
	data, err := e.store.Get(kvstore.ColNodes, metaKey)
	if err != nil {
		return backendErr(err)
	}
	if data == nil {
		return nil
	}
	if len(data) != metaValueSize {
		return integrityErr(errMetaFormat)
	}
	fanout := int(binary.BigEndian.Uint16(data[8:10]))
	depth := int(data[10])
	algo := crypto.HashAlgo(data[11])
	if fanout != e.cfg.Fanout || depth != e.cfg.Depth || algo != e.hasher.Algo() {
		return integrityErr(errMetaGeometry)
	}
	e.lastEpoch = binary.BigEndian.Uint64(data[:8])
	return nil
}

var (
	errMetaFormat   = errors.New("lvmt: malformed engine metadata record")
	errMetaGeometry = errors.New("lvmt: persisted state geometry does not match configuration")
	errValueMissing = errors.New("lvmt: leaf present but value column entry missing")
)

func (e *Engine) metaValue(epoch uint64) []byte {
	v := make([]byte, metaValueSize)
	binary.BigEndian.PutUint64(v[:8], epoch)
	binary.BigEndian.PutUint16(v[8:10], uint16(e.cfg.Fanout))
	v[10] = byte(e.cfg.Depth)
	v[11] = byte(e.hasher.Algo())
	return v
}

// rootHash folds the epoch into the serialized root commitment.
func (e *Engine) rootHash(com [commitmentSize]byte, epoch uint64) common.Hash {
	var eb [8]byte
	binary.BigEndian.PutUint64(eb[:], epoch)
	return e.hasher.Sum(com[:], eb[:])
}

// poisoned returns the fatal error if the engine has been poisoned by an
// integrity failure.
func (e *Engine) poisoned() error {
	e.fatalMu.Lock()
	defer e.fatalMu.Unlock()
	return e.fatal
}

// poison latches a fatal integrity error; every subsequent operation
// returns it.
func (e *Engine) poison(err error) error {
	e.fatalMu.Lock()
	defer e.fatalMu.Unlock()
	if e.fatal == nil {
		e.fatal = err
		e.logger.Error("engine poisoned", "err", err)
	}
	return e.fatal
}

// classify maps a tree or storage failure to the engine taxonomy,
// poisoning the engine on integrity causes.
func (e *Engine) classify(err error) error {
	if isIntegrityCause(err) || errors.Is(err, errValueMissing) {
		return e.poison(integrityErr(err))
	}
	return backendErr(err)
}

func valueColumn(version uint64) kvstore.Column {
	if version%2 == 0 {
		return kvstore.ColValOld
	}
	return kvstore.ColValNew
}

func oppositeColumn(col kvstore.Column) kvstore.Column {
	if col == kvstore.ColValOld {
		return kvstore.ColValNew
	}
	return kvstore.ColValOld
}

// Get returns the current value for key, observing uncommitted writes
// first, then the committed tree. A missing key returns (nil, nil).
func (e *Engine) Get(key []byte) ([]byte, error) {
	if err := e.poisoned(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	h := e.hasher.Sum(key)
	if pw, ok := e.writes[h]; ok {
		if pw.tombstone {
			return nil, nil
		}
		return append([]byte(nil), pw.value...), nil
	}

	version, found, err := e.tree.Lookup(h)
	if err != nil {
		return nil, e.classify(err)
	}
	if !found {
		return nil, nil
	}
	value, err := e.store.Get(valueColumn(version), h[:])
	if err != nil {
		return nil, backendErr(err)
	}
	if value == nil {
		return nil, e.poison(integrityErr(errValueMissing))
	}
	return value, nil
}

// Set stages a write. No I/O happens until Commit.
func (e *Engine) Set(key, value []byte) error {
	if err := e.poisoned(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.hasher.Sum(key)
	e.writes[h] = pendingWrite{value: append([]byte(nil), value...)}
	return nil
}

// Delete stages a removal as a tombstone.
func (e *Engine) Delete(key []byte) error {
	if err := e.poisoned(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.hasher.Sum(key)
	e.writes[h] = pendingWrite{tombstone: true}
	return nil
}

// Commit drains the write cache into the tree, updates every affected
// commitment bottom-up, writes values, nodes and metadata as one atomic
// batch, flushes, and returns the new root commitment and its epoch-bound
// hash. epoch must be strictly greater than the last committed epoch.
//
// On failure the engine re-opens its in-memory state from disk, which is
// exactly the state crash recovery would yield, and retains the write
// cache. If a failed flush follows a batch that did land, the on-disk
// epoch is adopted and the write cache is cleared.
func (e *Engine) Commit(epoch uint64) (bls12381.G1Affine, common.Hash, error) {
	var zero bls12381.G1Affine
	if err := e.poisoned(); err != nil {
		return zero, common.Hash{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if epoch <= e.lastEpoch {
		return zero, common.Hash{}, ErrEpochRegress
	}
	start := time.Now()

	// Deterministic application order: sorted key hashes.
	hs := make([]common.Hash, 0, len(e.writes))
	for h := range e.writes {
		hs = append(hs, h)
	}
	sort.Slice(hs, func(i, j int) bool {
		return bytes.Compare(hs[i][:], hs[j][:]) < 0
	})

	staged := make(map[common.Hash]stagedValue)
	var valueOps []kvstore.Op
	for _, h := range hs {
		pw := e.writes[h]
		var (
			res amt.ApplyResult
			err error
		)
		if pw.tombstone {
			res, err = e.tree.Apply(h, common.Hash{}, true)
			if err == nil && !res.Noop {
				valueOps = append(valueOps,
					kvstore.Del(kvstore.ColValOld, h[:]),
					kvstore.Del(kvstore.ColValNew, h[:]))
				delete(staged, h)
			}
		} else {
			res, err = e.tree.Apply(h, e.hasher.Sum(pw.value), false)
			if err == nil {
				col := valueColumn(res.NewVersion)
				valueOps = append(valueOps,
					kvstore.Put(col, h[:], pw.value),
					kvstore.Del(oppositeColumn(col), h[:]))
				staged[h] = stagedValue{col: col, value: pw.value}
			}
		}
		if err != nil {
			return zero, common.Hash{}, e.abortCommit(err)
		}
		if r := res.Relocation; r != nil && r.OldVersion%2 != r.NewVersion%2 {
			ops, err := e.relocateValue(r, staged)
			if err != nil {
				return zero, common.Hash{}, e.abortCommit(err)
			}
			valueOps = append(valueOps, ops...)
		}
	}

	rootCom, nodeOps, err := e.tree.Finalize()
	if err != nil {
		return zero, common.Hash{}, e.abortCommit(err)
	}

	batch := valueOps
	batch = append(batch, nodeOps...)
	batch = append(batch, kvstore.Put(kvstore.ColNodes, metaKey, e.metaValue(epoch)))

	if err := e.store.Write(batch); err != nil {
		return zero, common.Hash{}, e.recoverFromDisk(backendErr(err))
	}
	if err := e.store.Flush(); err != nil {
		return zero, common.Hash{}, e.recoverFromDisk(backendErr(err))
	}

	e.tree.Flushed()
	e.lastEpoch = epoch
	e.lastRootCom = rootCom
	e.lastRootHash = e.rootHash(rootCom, epoch)
	e.writes = make(map[common.Hash]pendingWrite)

	e.commits.Inc()
	e.commitDuration.Observe(float64(time.Since(start).Milliseconds()))
	hits, misses := e.tree.CacheStats()
	e.cacheHits.Set(hits)
	e.cacheMisses.Set(misses)
	e.logger.Info("committed epoch",
		"epoch", epoch,
		"writes", len(hs),
		"nodes", len(nodeOps),
		"root", e.lastRootHash,
		"elapsed", time.Since(start))

	root, err := e.rootAffine(rootCom)
	if err != nil {
		return zero, common.Hash{}, err
	}
	return root, e.lastRootHash, nil
}

// rootAffine decodes the serialized root commitment. In merkle-root-only
// mode there is no group element; the zero (infinity) point is returned.
func (e *Engine) rootAffine(com [commitmentSize]byte) (bls12381.G1Affine, error) {
	var aff bls12381.G1Affine
	if e.params == nil {
		return aff, nil
	}
	if _, err := aff.SetBytes(com[:]); err != nil {
		return aff, e.poison(integrityErr(err))
	}
	return aff, nil
}

// relocateValue moves a pushed-down resident key's value between parity
// columns. The value is taken from the current batch if the key was
// already staged this epoch, otherwise from its old column on disk.
func (e *Engine) relocateValue(r *amt.Relocation, staged map[common.Hash]stagedValue) ([]kvstore.Op, error) {
	oldCol := valueColumn(r.OldVersion)
	newCol := valueColumn(r.NewVersion)

	var value []byte
	if sv, ok := staged[r.Key]; ok {
		value = sv.value
		oldCol = sv.col
	} else {
		v, err := e.store.Get(oldCol, r.Key[:])
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, errValueMissing
		}
		value = v
	}
	staged[r.Key] = stagedValue{col: newCol, value: value}
	return []kvstore.Op{
		kvstore.Put(newCol, r.Key[:], value),
		kvstore.Del(oldCol, r.Key[:]),
	}, nil
}

// abortCommit rolls back the in-memory tree after a failed mutation or
// finalize. The write cache is retained for a retry.
func (e *Engine) abortCommit(err error) error {
	mapped := e.classify(err)
	if rbErr := e.tree.Rollback(); rbErr != nil {
		return e.poison(integrityErr(rbErr))
	}
	return mapped
}

// recoverFromDisk re-opens in-memory state from persisted storage after a
// failed batch write or flush, matching what crash recovery would load.
func (e *Engine) recoverFromDisk(err error) error {
	if rbErr := e.tree.Rollback(); rbErr != nil {
		return e.poison(integrityErr(rbErr))
	}
	prevEpoch := e.lastEpoch
	e.lastEpoch = 0
	if metaErr := e.loadMeta(); metaErr != nil {
		return e.poison(metaErr)
	}
	if e.lastEpoch != prevEpoch {
		// The batch landed but flush reported failure; adopt the on-disk
		// epoch just as a restart would.
		e.lastRootCom = e.tree.RootCommitmentBytes()
		e.lastRootHash = e.rootHash(e.lastRootCom, e.lastEpoch)
		e.writes = make(map[common.Hash]pendingWrite)
		e.tree.Flushed()
	}
	return err
}

// Prove builds the opening proof for key against the last committed
// state. It requires at least one prior commit and, when sharded, a key
// whose shard bits match this instance.
func (e *Engine) Prove(key []byte) (*amt.Proof, error) {
	if err := e.poisoned(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.params == nil {
		return nil, ErrProofsDisabled
	}
	if e.lastEpoch == 0 {
		return nil, ErrNoCommittedState
	}
	h := e.hasher.Sum(key)
	if !e.inShard(h) {
		return nil, ErrShardOutOfRange
	}

	levels, err := e.tree.ProvePath(h)
	if err != nil {
		if errors.Is(err, amt.ErrKeyAbsent) {
			return nil, ErrUnknownKey
		}
		return nil, e.classify(err)
	}
	leaf := levels[len(levels)-1]
	value, err := e.store.Get(valueColumn(leaf.Version), h[:])
	if err != nil {
		return nil, backendErr(err)
	}
	if value == nil {
		return nil, e.poison(integrityErr(errValueMissing))
	}
	return &amt.Proof{
		Key:    append([]byte(nil), key...),
		Value:  value,
		Levels: levels,
	}, nil
}

// Verify checks a proof against a claimed root commitment. It is a pure
// function of its inputs and the public parameters; engine state is never
// touched.
func (e *Engine) Verify(key []byte, proof *amt.Proof, root bls12381.G1Affine) error {
	if e.params == nil {
		return ErrProofsDisabled
	}
	if proof == nil || !bytes.Equal(proof.Key, key) {
		return ErrPathMismatch
	}
	return amt.VerifyProof(e.params, e.hasher, e.cfg.Depth, proof, root.Bytes())
}

// inShard reports whether the low shard bits of the key hash select this
// instance.
func (e *Engine) inShard(h common.Hash) bool {
	if e.cfg.Shards == 1 {
		return true
	}
	low := uint32(h[30])<<8 | uint32(h[31])
	return low&(e.cfg.Shards-1) == e.cfg.ShardIndex
}

// Root returns the last committed epoch with its root commitment and
// epoch-bound hash. The zero epoch means nothing has been committed.
func (e *Engine) Root() (uint64, bls12381.G1Affine, common.Hash) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var aff bls12381.G1Affine
	if e.lastEpoch == 0 {
		return 0, aff, common.Hash{}
	}
	aff, _ = e.rootAffine(e.lastRootCom)
	return e.lastEpoch, aff, e.lastRootHash
}

// Backend exposes the underlying key-value store, e.g. for metrics
// pass-through.
func (e *Engine) Backend() kvstore.KeyValueStore {
	return e.store
}
