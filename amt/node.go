package amt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/lvmt-db/lvmt/crypto"
)

// ScalarEncodingV1 identifies the packing of (version, digest) into a slot
// scalar: the first 23 digest bytes shifted left 64 bits, plus the 64-bit
// version. 184 + 64 = 248 bits, comfortably below the field modulus.
// Prover and verifier must agree on this constant; bump it for any change.
const ScalarEncodingV1 = 1

const (
	nodeFormatVersion = 1
	commitmentSize    = 48

	// Slot flag bits.
	flagValuePresent = 0x01
	flagLeafKey      = 0x02

	digestScalarBytes = 23 // digest bytes folded into the scalar
)

// ErrCorruptNode is wrapped by all node deserialization failures.
var ErrCorruptNode = errors.New("amt: corrupt node encoding")

// Slot is one of the N positions of an AMT node. A slot is empty (all
// zero), a leaf for the key whose hash is LeafKey (Present set, Digest =
// H(value)), or a branch (Present clear, Digest = H(child commitment)).
// A deleted leaf keeps its version and reverts to empty routing state.
type Slot struct {
	Version uint64
	Digest  common.Hash
	Present bool
	LeafKey common.Hash
}

// isEmpty reports whether the slot currently routes nowhere. The version
// may still be nonzero from earlier occupancy.
func (s *Slot) isEmpty() bool {
	return !s.Present && s.Digest == (common.Hash{})
}

// isBranch reports whether the slot points at a child subtree.
func (s *Slot) isBranch() bool {
	return !s.Present && s.Digest != (common.Hash{})
}

// Scalar packs the slot's (version, digest) pair into the field element
// committed at this position (ScalarEncodingV1).
func (s *Slot) Scalar() *uint256.Int {
	var b [32]byte
	copy(b[1:1+digestScalarBytes], s.Digest[:digestScalarBytes])
	binary.BigEndian.PutUint64(b[24:], s.Version)
	return new(uint256.Int).SetBytes(b[:])
}

// EncodeScalar packs an explicit (version, digest) pair; the verifier uses
// this to recompute slot scalars from proof material.
func EncodeScalar(version uint64, digest common.Hash) *uint256.Int {
	s := Slot{Version: version, Digest: digest}
	return s.Scalar()
}

// scalarToFr lowers a packed slot scalar into the field. Packed scalars
// are < 2^248 so no modular reduction occurs.
func scalarToFr(s *uint256.Int) fr.Element {
	var e fr.Element
	b := s.Bytes32()
	e.SetBytes(b[:])
	return e
}

// Node is one AMT of the multi-layer tree, identified by its routing path
// prefix (the root has the empty prefix). It owns a slot vector of length
// N and the KZG commitment binding the vector.
type Node struct {
	prefix []byte
	slots  []Slot

	// com is the running Jacobian commitment; comBytes its serialized
	// form, refreshed at finalize time. In hash-only mode com is unused
	// and comBytes carries the hash fingerprint (leading byte zero, which
	// no compressed G1 point starts with).
	com      bls12381.G1Jac
	comBytes [commitmentSize]byte

	dirty bool

	// touched maps slot index to the packed scalar the slot had before
	// this commit's mutations, for incremental commitment deltas.
	touched map[int]*uint256.Int
}

// newNode creates an empty node for the given prefix. The zero Jacobian
// point is the identity, matching the all-zero slot vector.
func newNode(prefix []byte, fanout int) *Node {
	n := &Node{
		prefix: append([]byte(nil), prefix...),
		slots:  make([]Slot, fanout),
	}
	n.comBytes = emptyCommitment()
	return n
}

// emptyCommitment is the compressed identity point.
func emptyCommitment() [commitmentSize]byte {
	var inf bls12381.G1Affine
	return inf.Bytes()
}

// Prefix returns the node's routing path prefix.
func (n *Node) Prefix() []byte { return n.prefix }

// Depth returns the node's level (root = 0).
func (n *Node) Depth() int { return len(n.prefix) }

// CommitmentBytes returns the node commitment in its 48-byte serialized
// form (compressed G1, or the hash fingerprint in hash-only mode).
func (n *Node) CommitmentBytes() [commitmentSize]byte { return n.comBytes }

// Slots returns a copy of the node's slot vector.
func (n *Node) Slots() []Slot {
	return append([]Slot(nil), n.slots...)
}

// touch records the slot's pre-commit scalar once per commit and bumps the
// version. Every slot changed within one commit sees exactly one bump.
func (n *Node) touch(i int) {
	if n.touched == nil {
		n.touched = make(map[int]*uint256.Int)
	}
	if _, ok := n.touched[i]; ok {
		return
	}
	n.touched[i] = n.slots[i].Scalar()
	n.slots[i].Version++
	n.dirty = true
}

// scalarVector returns the current fr-encoded slot vector.
func (n *Node) scalarVector() []fr.Element {
	out := make([]fr.Element, len(n.slots))
	for i := range n.slots {
		out[i] = scalarToFr(n.slots[i].Scalar())
	}
	return out
}

// finalize applies all touched-slot deltas to the commitment and refreshes
// comBytes. With params the update is incremental:
//
//	C' = C + sum_i (s_i' - s_i) * L_i(tau) * G1
//
// In hash-only mode (params nil) the fingerprint is recomputed over the
// full slot vector with the configured hasher.
func (n *Node) finalize(p *Params, h crypto.Hasher) {
	if p != nil {
		var delta big.Int
		for i, orig := range n.touched {
			oldFr := scalarToFr(orig)
			newFr := scalarToFr(n.slots[i].Scalar())
			var d fr.Element
			d.Sub(&newFr, &oldFr)
			if d.IsZero() {
				continue
			}
			var term bls12381.G1Jac
			var base bls12381.G1Jac
			base.FromAffine(p.LagrangeG1(i))
			term.ScalarMultiplication(&base, d.BigInt(&delta))
			n.com.AddAssign(&term)
		}
		var aff bls12381.G1Affine
		aff.FromJacobian(&n.com)
		n.comBytes = aff.Bytes()
	} else {
		buf := make([]byte, 0, len(n.slots)*32)
		for i := range n.slots {
			b := n.slots[i].Scalar().Bytes32()
			buf = append(buf, b[:]...)
		}
		sum := h.Sum(buf)
		var cb [commitmentSize]byte
		copy(cb[1:33], sum[:])
		n.comBytes = cb
	}
	n.touched = nil
}

// markClean clears the dirty flag after the node's bytes have been staged
// into a durable batch.
func (n *Node) markClean() { n.dirty = false }

// Serialize encodes the node:
//
//	[ ver:1 | slot_count:2 LE | commitment:48 | slot[slot_count] ]
//
// slot: [ version uvarint | digest:32 | flags:1 (| leafKey:32) ].
// Trailing empty slots are omitted; slot_count is the used prefix length.
func (n *Node) Serialize() []byte {
	used := 0
	for i := range n.slots {
		s := &n.slots[i]
		if s.Version != 0 || !s.isEmpty() {
			used = i + 1
		}
	}

	buf := make([]byte, 0, 3+commitmentSize+used*40)
	buf = append(buf, nodeFormatVersion)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(used))
	buf = append(buf, n.comBytes[:]...)

	var varint [binary.MaxVarintLen64]byte
	for i := 0; i < used; i++ {
		s := &n.slots[i]
		k := binary.PutUvarint(varint[:], s.Version)
		buf = append(buf, varint[:k]...)
		buf = append(buf, s.Digest[:]...)
		var flags byte
		if s.Present {
			flags |= flagValuePresent | flagLeafKey
		}
		buf = append(buf, flags)
		if flags&flagLeafKey != 0 {
			buf = append(buf, s.LeafKey[:]...)
		}
	}
	return buf
}

// DeserializeNode decodes a node stored under the given prefix. fanout is
// the configured slot-vector length; encodings with more used slots than
// the fan-out are corrupt.
func DeserializeNode(prefix, data []byte, fanout int) (*Node, error) {
	if len(data) < 3+commitmentSize {
		return nil, fmt.Errorf("%w: truncated header (%d bytes)", ErrCorruptNode, len(data))
	}
	if data[0] != nodeFormatVersion {
		return nil, fmt.Errorf("%w: format version %d", ErrCorruptNode, data[0])
	}
	used := int(binary.LittleEndian.Uint16(data[1:3]))
	if used > fanout {
		return nil, fmt.Errorf("%w: %d slots exceeds fanout %d", ErrCorruptNode, used, fanout)
	}

	n := newNode(prefix, fanout)
	copy(n.comBytes[:], data[3:3+commitmentSize])
	rest := data[3+commitmentSize:]

	for i := 0; i < used; i++ {
		ver, k := binary.Uvarint(rest)
		if k <= 0 {
			return nil, fmt.Errorf("%w: slot %d version varint", ErrCorruptNode, i)
		}
		rest = rest[k:]
		if len(rest) < 33 {
			return nil, fmt.Errorf("%w: slot %d truncated", ErrCorruptNode, i)
		}
		s := &n.slots[i]
		s.Version = ver
		copy(s.Digest[:], rest[:32])
		flags := rest[32]
		rest = rest[33:]
		if flags&^(flagValuePresent|flagLeafKey) != 0 {
			return nil, fmt.Errorf("%w: slot %d reserved flags 0x%02x", ErrCorruptNode, i, flags)
		}
		s.Present = flags&flagValuePresent != 0
		if flags&flagLeafKey != 0 {
			if len(rest) < 32 {
				return nil, fmt.Errorf("%w: slot %d truncated leaf key", ErrCorruptNode, i)
			}
			copy(s.LeafKey[:], rest[:32])
			rest = rest[32:]
		}
		if s.Present && s.LeafKey == (common.Hash{}) {
			return nil, fmt.Errorf("%w: slot %d leaf without key hash", ErrCorruptNode, i)
		}
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptNode, len(rest))
	}

	// Rehydrate the Jacobian commitment for incremental updates. The
	// hash-only fingerprint (leading byte 0) is left as bytes only.
	if n.comBytes[0]&0x80 != 0 {
		var aff bls12381.G1Affine
		if _, err := aff.SetBytes(n.comBytes[:]); err != nil {
			return nil, fmt.Errorf("%w: commitment point: %v", ErrCorruptNode, err)
		}
		n.com.FromAffine(&aff)
	}
	return n, nil
}
