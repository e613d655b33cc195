// Package amt implements the versioned multi-layer AMT at the heart of the
// LVMT store: trusted-setup parameters over BLS12-381, the slot/version
// node model, incremental KZG commitment maintenance, the bottom-up commit
// pipeline, and per-level opening proofs.
package amt

import (
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
)

// MaxFanout bounds the evaluation-domain size. Larger domains make the
// quotient table quadratically bigger; 1024 is already 1 Mi points.
const MaxFanout = 1024

// frGenerator is the canonical generator of the BLS12-381 scalar field's
// multiplicative group, used to derive roots of unity.
const frGenerator = 7

// Domain is the size-N evaluation domain: the N-th roots of unity in the
// scalar field. N must be a power of two.
type Domain struct {
	n     int
	omega []fr.Element // omega[i] = w^i
	inv   []fr.Element // inv[i] = w^-i
	invN  fr.Element   // 1/N
}

// NewDomain builds the size-n roots-of-unity domain. n must be a power of
// two in [2, MaxFanout].
func NewDomain(n int) (*Domain, error) {
	if n < 2 || n > MaxFanout || n&(n-1) != 0 {
		return nil, fmt.Errorf("amt: invalid domain size %d (power of two in [2,%d] required)", n, MaxFanout)
	}

	// w = g^((r-1)/n) is a primitive n-th root of unity.
	exp := new(big.Int).Sub(fr.Modulus(), big.NewInt(1))
	exp.Div(exp, big.NewInt(int64(n)))
	var g, w fr.Element
	g.SetUint64(frGenerator)
	w.Exp(g, exp)

	d := &Domain{
		n:     n,
		omega: make([]fr.Element, n),
		inv:   make([]fr.Element, n),
	}
	d.omega[0].SetOne()
	for i := 1; i < n; i++ {
		d.omega[i].Mul(&d.omega[i-1], &w)
	}
	var wInv fr.Element
	wInv.Inverse(&w)
	d.inv[0].SetOne()
	for i := 1; i < n; i++ {
		d.inv[i].Mul(&d.inv[i-1], &wInv)
	}
	var nEl fr.Element
	nEl.SetUint64(uint64(n))
	d.invN.Inverse(&nEl)
	return d, nil
}

// Size returns the domain size N.
func (d *Domain) Size() int { return d.n }

// Root returns w^i for i in [0, N).
func (d *Domain) Root(i int) fr.Element { return d.omega[i%d.n] }

// lagrangeCoeffs returns the monomial coefficients of the i-th Lagrange
// basis polynomial over the domain:
//
//	L_i(X) = (1/N) * sum_j (w^-i)^j X^j
//
// so coeff[j] = w^(-ij) / N.
func (d *Domain) lagrangeCoeffs(i int) []fr.Element {
	c := make([]fr.Element, d.n)
	for j := 0; j < d.n; j++ {
		c[j].Mul(&d.inv[(i*j)%d.n], &d.invN)
	}
	return c
}

// divideByLinear divides the polynomial with coefficients c (degree N-1)
// by (X - a) using synthetic division, returning the quotient coefficients
// (degree N-2). The division must be exact; the remainder is returned so
// callers can assert it.
func divideByLinear(c []fr.Element, a fr.Element) (q []fr.Element, rem fr.Element) {
	n := len(c)
	q = make([]fr.Element, n-1)
	q[n-2] = c[n-1]
	for k := n - 2; k >= 1; k-- {
		var t fr.Element
		t.Mul(&a, &q[k])
		q[k-1].Add(&c[k], &t)
	}
	var t fr.Element
	t.Mul(&a, &q[0])
	rem.Add(&c[0], &t)
	return q, rem
}
