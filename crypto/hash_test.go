package crypto

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func TestKeccak256_KnownVectors(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"empty", nil, "c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470"},
		{"abc", []byte("abc"), "4e03657aea45a94fc7d47ba826c8d667c0d1e6e33a64a036ec44f58fa12d6c45"},
	}
	for _, tt := range tests {
		got := hex.EncodeToString(Keccak256(tt.in))
		if got != tt.want {
			t.Errorf("%s: Keccak256 = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestKeccak256_MultiPart(t *testing.T) {
	whole := Keccak256([]byte("hello world"))
	parts := Keccak256([]byte("hello "), []byte("world"))
	if !bytes.Equal(whole, parts) {
		t.Error("multi-part hash differs from single-part")
	}
}

func TestBlake2b256_DiffersFromKeccak(t *testing.T) {
	in := []byte("lvmt")
	if bytes.Equal(Keccak256(in), Blake2b256(in)) {
		t.Error("keccak256 and blake2b must not collide on the same input")
	}
	if len(Blake2b256(in)) != 32 {
		t.Errorf("Blake2b256 length = %d, want 32", len(Blake2b256(in)))
	}
}

func TestHasher_Selector(t *testing.T) {
	in := []byte("payload")
	k := NewHasher(Keccak256Algo)
	b := NewHasher(Blake2bAlgo)
	if k.Sum(in) != Keccak256Hash(in) {
		t.Error("keccak hasher mismatch")
	}
	if b.Sum(in) != Blake2b256Hash(in) {
		t.Error("blake2b hasher mismatch")
	}
	if k.Sum(in) == b.Sum(in) {
		t.Error("selector returned identical digests for different algorithms")
	}
}

func TestParseHashAlgo(t *testing.T) {
	tests := []struct {
		in      string
		want    HashAlgo
		wantErr bool
	}{
		{"keccak256", Keccak256Algo, false},
		{"blake2b", Blake2bAlgo, false},
		{"sha256", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseHashAlgo(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseHashAlgo(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseHashAlgo(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
