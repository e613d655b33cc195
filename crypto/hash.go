// Package crypto provides the digest primitives used by the LVMT store:
// keccak256 and blake2b-256 one-shot helpers and a Hasher selector so the
// subtree-digest algorithm is pinned once at engine construction.
package crypto

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// HashAlgo identifies the digest algorithm used for subtree hashing and
// value-column keys.
type HashAlgo uint8

const (
	Keccak256Algo HashAlgo = iota
	Blake2bAlgo
)

// String returns the canonical configuration name of the algorithm.
func (a HashAlgo) String() string {
	switch a {
	case Keccak256Algo:
		return "keccak256"
	case Blake2bAlgo:
		return "blake2b"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// ParseHashAlgo maps a configuration string to a HashAlgo.
func ParseHashAlgo(s string) (HashAlgo, error) {
	switch s {
	case "keccak256":
		return Keccak256Algo, nil
	case "blake2b":
		return Blake2bAlgo, nil
	default:
		return 0, fmt.Errorf("crypto: unknown hash algorithm %q", s)
	}
}

// Keccak256 calculates the Keccak-256 hash of the given data.
func Keccak256(data ...[]byte) []byte {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	return d.Sum(nil)
}

// Keccak256Hash calculates Keccak-256 and returns it as a common.Hash.
func Keccak256Hash(data ...[]byte) common.Hash {
	return common.BytesToHash(Keccak256(data...))
}

// Blake2b256 calculates the BLAKE2b-256 hash of the given data.
func Blake2b256(data ...[]byte) []byte {
	d, err := blake2b.New256(nil)
	if err != nil {
		// blake2b.New256 only fails for oversized keys; nil never does.
		panic(err)
	}
	for _, b := range data {
		d.Write(b)
	}
	return d.Sum(nil)
}

// Blake2b256Hash calculates BLAKE2b-256 and returns it as a common.Hash.
func Blake2b256Hash(data ...[]byte) common.Hash {
	return common.BytesToHash(Blake2b256(data...))
}

// Hasher is an immutable handle to the configured digest algorithm.
type Hasher struct {
	algo HashAlgo
}

// NewHasher returns a Hasher for the given algorithm.
func NewHasher(algo HashAlgo) Hasher {
	return Hasher{algo: algo}
}

// Algo returns the underlying algorithm.
func (h Hasher) Algo() HashAlgo { return h.algo }

// Sum hashes the concatenation of data with the configured algorithm.
func (h Hasher) Sum(data ...[]byte) common.Hash {
	switch h.algo {
	case Blake2bAlgo:
		return Blake2b256Hash(data...)
	default:
		return Keccak256Hash(data...)
	}
}
