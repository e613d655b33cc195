package amt

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc"
	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
	"github.com/ethereum/go-ethereum/common"

	"github.com/lvmt-db/lvmt/crypto"
)

// Parameter failure modes. All are fatal at engine construction.
var (
	ErrParamsNotFound  = errors.New("amt: params not found")
	ErrParamsIntegrity = errors.New("amt: params integrity check failed")
	ErrParamsMismatch  = errors.New("amt: params domain size mismatch")
)

// SetupTranscript holds the public output of a powers-of-tau ceremony for
// degree N: {tau^i G1} for i in [0,N], plus {G2, tau G2}. The secret tau
// itself is assumed destroyed.
type SetupTranscript struct {
	N        int
	PowersG1 []bls12381.G1Affine // len N+1
	G2       bls12381.G2Affine
	TauG2    bls12381.G2Affine
}

// GenerateTranscript derives a setup transcript of degree n from an
// explicit secret seed. The tau scalar is hashed from the seed, used to
// build the powers, and discarded with the stack frame. Intended for tests
// and development networks; production deployments load a real ceremony
// transcript.
func GenerateTranscript(n int, seed []byte) (*SetupTranscript, error) {
	if n < 2 || n > MaxFanout || n&(n-1) != 0 {
		return nil, fmt.Errorf("%w: degree %d", ErrParamsMismatch, n)
	}
	tau := new(big.Int).SetBytes(crypto.Keccak256([]byte("lvmt/tau"), seed))
	tau.Mod(tau, fr.Modulus())
	if tau.Sign() == 0 {
		tau.SetInt64(1)
	}

	_, g2Jac, g1Aff, g2Aff := bls12381.Generators()

	t := &SetupTranscript{
		N:        n,
		PowersG1: make([]bls12381.G1Affine, n+1),
		G2:       g2Aff,
	}
	var tauI fr.Element
	tauI.SetOne()
	var tauBig big.Int
	for i := 0; i <= n; i++ {
		var p bls12381.G1Affine
		p.ScalarMultiplication(&g1Aff, tauI.BigInt(&tauBig))
		t.PowersG1[i] = p
		tauI.Mul(&tauI, frElementFromBig(tau))
	}
	var tg2 bls12381.G2Jac
	tg2.ScalarMultiplication(&g2Jac, tau)
	t.TauG2.FromJacobian(&tg2)
	return t, nil
}

func frElementFromBig(b *big.Int) *fr.Element {
	var e fr.Element
	e.SetBigInt(b)
	return &e
}

// Params holds the precomputed public parameters for one AMT degree:
// Lagrange basis commitments for O(1) slot updates, per-slot quotient rows
// for opening proofs, and the G2 material for the verifier's pairing.
// Params is immutable after derivation and safe for concurrent use.
type Params struct {
	domain *Domain

	g1       bls12381.G1Affine     // G1 generator
	g2       bls12381.G2Affine     // G2 generator
	tauG2    bls12381.G2Affine     // tau*G2
	lagrange []bls12381.G1Affine   // lagrange[i] = L_i(tau)*G1
	quotient [][]bls12381.G1Affine // quotient[i][j] = q_{i,j}(tau)*G1

	// negD[i] = w^i*G2 - tau*G2, the negated verifier divisor so the
	// pairing check is a single product-of-pairings equation.
	negD []bls12381.G2Affine

	id common.Hash // integrity hash binding proofs to this setup
}

// Derive computes the full parameter set from a setup transcript. For the
// default fan-out of 256 this is minutes of multi-exponentiation; results
// are meant to be cached on disk with Save.
func Derive(t *SetupTranscript) (*Params, error) {
	if t == nil || len(t.PowersG1) != t.N+1 {
		return nil, fmt.Errorf("%w: malformed transcript", ErrParamsIntegrity)
	}
	d, err := NewDomain(t.N)
	if err != nil {
		return nil, err
	}
	n := t.N

	_, _, g1Aff, _ := bls12381.Generators()
	p := &Params{
		domain:   d,
		g1:       g1Aff,
		g2:       t.G2,
		tauG2:    t.TauG2,
		lagrange: make([]bls12381.G1Affine, n),
		quotient: make([][]bls12381.G1Affine, n),
		negD:     make([]bls12381.G2Affine, n),
	}

	// Lagrange basis: L_i(tau)*G1 as an MSM of the powers against the
	// monomial coefficients of L_i. Derived from the transcript alone; no
	// knowledge of tau is required.
	for i := 0; i < n; i++ {
		coeffs := d.lagrangeCoeffs(i)
		if _, err := p.lagrange[i].MultiExp(t.PowersG1[:n], coeffs, ecc.MultiExpConfig{}); err != nil {
			return nil, fmt.Errorf("amt: lagrange msm %d: %w", i, err)
		}
	}

	// Quotient rows: q_{i,j}(X) = (L_j(X) - L_j(w^i)) / (X - w^i), with
	// L_j(w^i) = 1 iff i == j. The opening for slot i of a node with slot
	// scalars s is then pi_i = sum_j s_j * quotient[i][j].
	for i := 0; i < n; i++ {
		p.quotient[i] = make([]bls12381.G1Affine, n)
		wi := d.Root(i)
		for j := 0; j < n; j++ {
			coeffs := d.lagrangeCoeffs(j)
			if i == j {
				var one fr.Element
				one.SetOne()
				coeffs[0].Sub(&coeffs[0], &one)
			}
			q, rem := divideByLinear(coeffs, wi)
			if !rem.IsZero() {
				return nil, fmt.Errorf("%w: quotient %d,%d has nonzero remainder", ErrParamsIntegrity, i, j)
			}
			if _, err := p.quotient[i][j].MultiExp(t.PowersG1[:n-1], q, ecc.MultiExpConfig{}); err != nil {
				return nil, fmt.Errorf("amt: quotient msm %d,%d: %w", i, j, err)
			}
		}
	}

	p.deriveVerifierTable()
	p.id = p.computeID()
	return p, nil
}

// deriveVerifierTable fills negD from the domain and G2 material.
func (p *Params) deriveVerifierTable() {
	n := p.domain.Size()
	var g2Jac, tauJac bls12381.G2Jac
	tauJac.FromAffine(&p.tauG2)
	var wBig big.Int
	for i := 0; i < n; i++ {
		w := p.domain.Root(i)
		var t bls12381.G2Jac
		g2Jac.FromAffine(&p.g2)
		t.ScalarMultiplication(&g2Jac, w.BigInt(&wBig))
		t.SubAssign(&tauJac)
		p.negD[i].FromJacobian(&t)
	}
}

// computeID hashes the serialized parameter payloads into the identity
// that binds proofs to this specific trusted setup.
func (p *Params) computeID() common.Hash {
	return crypto.Keccak256Hash(p.payloadLagrange(), p.payloadQuotient(), p.payloadG2())
}

// Fanout returns the domain size N.
func (p *Params) Fanout() int { return p.domain.Size() }

// ID returns the integrity hash of the parameter set.
func (p *Params) ID() common.Hash { return p.id }

// LagrangeG1 returns L_i(tau)*G1.
func (p *Params) LagrangeG1(i int) *bls12381.G1Affine { return &p.lagrange[i] }

// Open computes the opening proof for slot i of a node whose current slot
// scalars are s (length N): pi_i = sum_j s_j * quotient[i][j].
func (p *Params) Open(i int, s []fr.Element) (bls12381.G1Affine, error) {
	var pi bls12381.G1Affine
	if i < 0 || i >= p.domain.Size() {
		return pi, fmt.Errorf("amt: open slot %d out of range", i)
	}
	if len(s) != p.domain.Size() {
		return pi, fmt.Errorf("amt: open: %d scalars for domain %d", len(s), p.domain.Size())
	}
	if _, err := pi.MultiExp(p.quotient[i], s, ecc.MultiExpConfig{}); err != nil {
		return pi, fmt.Errorf("amt: open msm: %w", err)
	}
	return pi, nil
}

// VerifyOpening checks the single-pairing KZG identity for slot i:
//
//	e(C - s*G1, G2) == e(pi, tau*G2 - w^i*G2)
//
// expressed as the product e(C - s*G1, G2) * e(pi, w^i*G2 - tau*G2) == 1.
func (p *Params) VerifyOpening(com *bls12381.G1Affine, i int, s fr.Element, pi *bls12381.G1Affine) (bool, error) {
	if i < 0 || i >= p.domain.Size() {
		return false, fmt.Errorf("amt: verify slot %d out of range", i)
	}
	var sBig big.Int
	var sG1 bls12381.G1Affine
	sG1.ScalarMultiplication(&p.g1, s.BigInt(&sBig))

	var lhs bls12381.G1Jac
	lhs.FromAffine(com)
	var sJac bls12381.G1Jac
	sJac.FromAffine(&sG1)
	lhs.SubAssign(&sJac)
	var lhsAff bls12381.G1Affine
	lhsAff.FromJacobian(&lhs)

	return bls12381.PairingCheck(
		[]bls12381.G1Affine{lhsAff, *pi},
		[]bls12381.G2Affine{p.g2, p.negD[i]},
	)
}

// CommitTo computes a fresh commitment to the full scalar vector s. The
// tree maintains commitments incrementally; this is used by tests and by
// integrity audits.
func (p *Params) CommitTo(s []fr.Element) (bls12381.G1Affine, error) {
	var c bls12381.G1Affine
	if len(s) != p.domain.Size() {
		return c, fmt.Errorf("amt: commit: %d scalars for domain %d", len(s), p.domain.Size())
	}
	if _, err := c.MultiExp(p.lagrange, s, ecc.MultiExpConfig{}); err != nil {
		return c, fmt.Errorf("amt: commit msm: %w", err)
	}
	return c, nil
}
