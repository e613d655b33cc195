package amt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"

	"github.com/lvmt-db/lvmt/crypto"
)

// Fixed filenames inside the pp/ parameter directory.
const (
	manifestFile = "manifest.bin"
	lagrangeFile = "lagrange.bin"
	quotientFile = "quotient.bin"
	g2File       = "g2.bin"
)

// manifest layout: magic(4) | version(1) | N(4 BE) | integrity(32).
var ppMagic = [4]byte{'L', 'V', 'P', 'P'}

const ppFormatVersion = 1

const (
	g1CompressedSize = 48
	g2CompressedSize = 96
)

func (p *Params) payloadLagrange() []byte {
	buf := make([]byte, 0, len(p.lagrange)*g1CompressedSize)
	for i := range p.lagrange {
		b := p.lagrange[i].Bytes()
		buf = append(buf, b[:]...)
	}
	return buf
}

func (p *Params) payloadQuotient() []byte {
	n := p.domain.Size()
	buf := make([]byte, 0, n*n*g1CompressedSize)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			b := p.quotient[i][j].Bytes()
			buf = append(buf, b[:]...)
		}
	}
	return buf
}

func (p *Params) payloadG2() []byte {
	buf := make([]byte, 0, 2*g2CompressedSize)
	g2 := p.g2.Bytes()
	tau := p.tauG2.Bytes()
	buf = append(buf, g2[:]...)
	buf = append(buf, tau[:]...)
	return buf
}

// Save serializes the parameter set into dir, creating it if needed. The
// manifest records an integrity hash over the concatenated payloads, which
// Load verifies.
func (p *Params) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("amt: create params dir: %w", err)
	}
	lag := p.payloadLagrange()
	quo := p.payloadQuotient()
	g2 := p.payloadG2()
	sum := crypto.Keccak256(lag, quo, g2)

	manifest := make([]byte, 0, 4+1+4+32)
	manifest = append(manifest, ppMagic[:]...)
	manifest = append(manifest, ppFormatVersion)
	manifest = binary.BigEndian.AppendUint32(manifest, uint32(p.domain.Size()))
	manifest = append(manifest, sum...)

	files := []struct {
		name string
		data []byte
	}{
		{lagrangeFile, lag},
		{quotientFile, quo},
		{g2File, g2},
		{manifestFile, manifest},
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name), f.data, 0o644); err != nil {
			return fmt.Errorf("amt: write %s: %w", f.name, err)
		}
	}
	return nil
}

// Load reads a parameter set for the expected fan-out n from dir. It
// verifies the manifest integrity hash over the payloads and the subgroup
// membership of every deserialized point.
func Load(dir string, n int) (*Params, error) {
	manifest, err := readParamFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, err
	}
	if len(manifest) != 4+1+4+32 || !bytes.Equal(manifest[:4], ppMagic[:]) || manifest[4] != ppFormatVersion {
		return nil, fmt.Errorf("%w: bad manifest", ErrParamsIntegrity)
	}
	gotN := int(binary.BigEndian.Uint32(manifest[5:9]))
	if gotN != n {
		return nil, fmt.Errorf("%w: have %d, want %d", ErrParamsMismatch, gotN, n)
	}
	wantSum := manifest[9:41]

	lag, err := readParamFile(filepath.Join(dir, lagrangeFile))
	if err != nil {
		return nil, err
	}
	quo, err := readParamFile(filepath.Join(dir, quotientFile))
	if err != nil {
		return nil, err
	}
	g2buf, err := readParamFile(filepath.Join(dir, g2File))
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(crypto.Keccak256(lag, quo, g2buf), wantSum) {
		return nil, fmt.Errorf("%w: payload hash mismatch", ErrParamsIntegrity)
	}
	if len(lag) != n*g1CompressedSize || len(quo) != n*n*g1CompressedSize || len(g2buf) != 2*g2CompressedSize {
		return nil, fmt.Errorf("%w: payload size mismatch", ErrParamsIntegrity)
	}

	d, err := NewDomain(n)
	if err != nil {
		return nil, err
	}
	_, _, g1Aff, _ := bls12381.Generators()
	p := &Params{
		domain:   d,
		g1:       g1Aff,
		lagrange: make([]bls12381.G1Affine, n),
		quotient: make([][]bls12381.G1Affine, n),
		negD:     make([]bls12381.G2Affine, n),
	}
	for i := 0; i < n; i++ {
		if err := setG1(&p.lagrange[i], lag[i*g1CompressedSize:(i+1)*g1CompressedSize]); err != nil {
			return nil, err
		}
	}
	for i := 0; i < n; i++ {
		p.quotient[i] = make([]bls12381.G1Affine, n)
		row := quo[i*n*g1CompressedSize:]
		for j := 0; j < n; j++ {
			if err := setG1(&p.quotient[i][j], row[j*g1CompressedSize:(j+1)*g1CompressedSize]); err != nil {
				return nil, err
			}
		}
	}
	if _, err := p.g2.SetBytes(g2buf[:g2CompressedSize]); err != nil {
		return nil, fmt.Errorf("%w: bad G2 generator: %v", ErrParamsIntegrity, err)
	}
	if _, err := p.tauG2.SetBytes(g2buf[g2CompressedSize:]); err != nil {
		return nil, fmt.Errorf("%w: bad tau G2: %v", ErrParamsIntegrity, err)
	}

	p.deriveVerifierTable()
	p.id = p.computeID()
	return p, nil
}

// LoadOrDerive loads cached params from dir, deriving and caching them
// from the transcript on a miss. Integrity and mismatch failures are not
// silently repaired; they surface to the caller.
func LoadOrDerive(dir string, t *SetupTranscript) (*Params, error) {
	p, err := Load(dir, t.N)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrParamsNotFound) {
		return nil, err
	}
	p, err = Derive(t)
	if err != nil {
		return nil, err
	}
	if err := p.Save(dir); err != nil {
		return nil, err
	}
	return p, nil
}

func readParamFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrParamsNotFound, path)
		}
		return nil, fmt.Errorf("amt: read %s: %w", path, err)
	}
	return data, nil
}

func setG1(dst *bls12381.G1Affine, b []byte) error {
	if _, err := dst.SetBytes(b); err != nil {
		return fmt.Errorf("%w: bad G1 point: %v", ErrParamsIntegrity, err)
	}
	return nil
}
