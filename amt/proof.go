package amt

import (
	"errors"
	"fmt"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/ethereum/go-ethereum/common"

	"github.com/lvmt-db/lvmt/crypto"
)

// Verification failure modes. VerifyProof is a pure function; these never
// reflect engine state.
var (
	ErrBadPairing   = errors.New("amt: pairing check failed")
	ErrPathMismatch = errors.New("amt: proof path does not match key or root")
	ErrKeyAbsent    = errors.New("amt: key has no leaf on its routing path")
)

// ProofLevel carries the per-level opening material: the routing digit,
// the slot version, this level's node commitment, and the KZG opening for
// the digit's slot. The slot scalar itself is recomputed by the verifier
// from the version and the digest chain, so it is not transmitted.
type ProofLevel struct {
	Digit      uint16
	Version    uint64
	Commitment [commitmentSize]byte
	Opening    [commitmentSize]byte
}

// Proof is the verifiable bundle returned for a point lookup: one opening
// per traversed level plus the value. Its size is O(depth) group elements.
type Proof struct {
	Key    []byte
	Value  []byte
	Levels []ProofLevel
}

// ProvePath walks the committed tree along h and produces the per-level
// opening material. The terminal level is the key's leaf slot; if the path
// ends on an empty or foreign slot, ErrKeyAbsent is returned.
func (t *Tree) ProvePath(h common.Hash) ([]ProofLevel, error) {
	if t.params == nil {
		return nil, fmt.Errorf("amt: proofs unavailable without params")
	}
	var levels []ProofLevel
	node := t.root
	for level := 0; level < t.depth; level++ {
		d := t.digit(h, level)
		s := &node.slots[d]

		pi, err := t.params.Open(d, node.scalarVector())
		if err != nil {
			return nil, err
		}
		levels = append(levels, ProofLevel{
			Digit:      uint16(d),
			Version:    s.Version,
			Commitment: node.CommitmentBytes(),
			Opening:    pi.Bytes(),
		})

		if s.Present {
			if s.LeafKey == h {
				return levels, nil
			}
			return nil, ErrKeyAbsent
		}
		if s.isEmpty() {
			return nil, ErrKeyAbsent
		}
		child, err := t.loadNode(childPrefix(node.prefix, d))
		if err != nil {
			return nil, err
		}
		if child == nil {
			return nil, fmt.Errorf("%w: prefix %x digit %d", ErrMissingChild, node.prefix, d)
		}
		node = child
	}
	return nil, ErrKeyAbsent
}

// VerifyProof checks a proof against a claimed root commitment. For every
// level it recomputes the slot scalar from the digest chain — level l must
// encode H(commitment of level l+1), the leaf must encode H(value) — and
// checks the single pairing identity with the level's opening. depth caps
// the accepted path length.
func VerifyProof(p *Params, hasher crypto.Hasher, depth int, proof *Proof, root [commitmentSize]byte) error {
	if p == nil {
		return fmt.Errorf("amt: verification unavailable without params")
	}
	if proof == nil || len(proof.Levels) == 0 || len(proof.Levels) > depth {
		return fmt.Errorf("%w: %d levels", ErrPathMismatch, levelCount(proof))
	}
	if proof.Levels[0].Commitment != root {
		return fmt.Errorf("%w: root commitment", ErrPathMismatch)
	}

	h := hasher.Sum(proof.Key)
	bits := bitsFor(p.Fanout())

	for l, lvl := range proof.Levels {
		if int(lvl.Digit) != digitOf(h, l, bits) {
			return fmt.Errorf("%w: level %d digit", ErrPathMismatch, l)
		}

		var digest common.Hash
		if l < len(proof.Levels)-1 {
			next := proof.Levels[l+1].Commitment
			digest = hasher.Sum(next[:])
		} else {
			digest = hasher.Sum(proof.Value)
		}
		scalar := scalarToFr(EncodeScalar(lvl.Version, digest))

		var com, opening bls12381.G1Affine
		if _, err := com.SetBytes(lvl.Commitment[:]); err != nil {
			return fmt.Errorf("%w: level %d commitment: %v", ErrBadPairing, l, err)
		}
		if _, err := opening.SetBytes(lvl.Opening[:]); err != nil {
			return fmt.Errorf("%w: level %d opening: %v", ErrBadPairing, l, err)
		}

		ok, err := p.VerifyOpening(&com, int(lvl.Digit), scalar, &opening)
		if err != nil {
			return fmt.Errorf("%w: level %d: %v", ErrBadPairing, l, err)
		}
		if !ok {
			return fmt.Errorf("%w: level %d", ErrBadPairing, l)
		}
	}
	return nil
}

func levelCount(p *Proof) int {
	if p == nil {
		return 0
	}
	return len(p.Levels)
}

// digitOf mirrors Tree.digit for the verifier side.
func digitOf(h common.Hash, level, bits int) int {
	start := level * bits
	v := 0
	for k := 0; k < bits; k++ {
		idx := start + k
		bit := (h[idx/8] >> (7 - idx%8)) & 1
		v = v<<1 | int(bit)
	}
	return v
}
