package lvmt

import (
	"fmt"

	"github.com/lvmt-db/lvmt/crypto"
)

// Supported tree depths. The depth is fixed per deployment; changing it
// invalidates all persisted state.
var supportedDepths = map[int]bool{8: true, 12: true, 16: true, 20: true}

// MaxShards bounds the proof-sharding denominator.
const MaxShards = 65536

// Config fixes an engine instance's geometry and behavior. The zero value
// is not usable; DefaultConfig supplies the standard deployment shape.
type Config struct {
	// Depth is the maximum tree depth: 8, 12, 16 or 20.
	Depth int

	// Fanout is the per-node slot count (power of two, at most 256).
	Fanout int

	// Shards and ShardIndex configure proof sharding. Shards must be a
	// power of two in [1, MaxShards]; 1 disables sharding. Commitments
	// are always fully maintained; only Prove is gated.
	Shards     uint32
	ShardIndex uint32

	// OnlyMerkleRoot skips G1 commitment maintenance entirely and emits
	// the hash-only fingerprint. Proofs are unavailable in this mode.
	OnlyMerkleRoot bool

	// Hash selects the digest for subtree hashing and value-column keys.
	Hash crypto.HashAlgo

	// NodeCacheSize bounds the clean-node LRU; 0 selects the default.
	NodeCacheSize int
}

// DefaultConfig returns the standard deployment configuration: depth 16,
// fan-out 256, unsharded, keccak256.
func DefaultConfig() Config {
	return Config{
		Depth:  16,
		Fanout: 256,
		Shards: 1,
	}
}

// Validate checks the configuration invariants.
func (c Config) Validate() error {
	if !supportedDepths[c.Depth] {
		return fmt.Errorf("lvmt: unsupported depth %d (want 8, 12, 16 or 20)", c.Depth)
	}
	if c.Fanout < 2 || c.Fanout > 256 || c.Fanout&(c.Fanout-1) != 0 {
		return fmt.Errorf("lvmt: fanout %d must be a power of two in [2,256]", c.Fanout)
	}
	if c.Shards < 1 || c.Shards > MaxShards || c.Shards&(c.Shards-1) != 0 {
		return fmt.Errorf("lvmt: shards %d must be a power of two in [1,%d]", c.Shards, MaxShards)
	}
	if c.ShardIndex >= c.Shards {
		return fmt.Errorf("lvmt: shard index %d out of range [0,%d)", c.ShardIndex, c.Shards)
	}
	return nil
}
