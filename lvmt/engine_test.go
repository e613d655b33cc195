package lvmt

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/lvmt-db/lvmt/amt"
	"github.com/lvmt-db/lvmt/crypto"
	"github.com/lvmt-db/lvmt/kvstore"
)

// Test geometry: fanout 8, depth 8. Parameter derivation is quadratic in
// the fan-out, so the suite shares one small setup.
var (
	paramsOnce sync.Once
	params8    *amt.Params
)

func testParams(t *testing.T) *amt.Params {
	t.Helper()
	paramsOnce.Do(func() {
		tr, err := amt.GenerateTranscript(8, []byte("engine-test-setup"))
		if err != nil {
			panic(err)
		}
		p, err := amt.Derive(tr)
		if err != nil {
			panic(err)
		}
		params8 = p
	})
	return params8
}

func testConfig() Config {
	return Config{Depth: 8, Fanout: 8, Shards: 1}
}

func newTestEngine(t *testing.T, db kvstore.KeyValueStore) *Engine {
	t.Helper()
	e, err := NewEngine(db, testParams(t), testConfig())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

// columnValue reads a value column entry for key's hash directly from the
// backend.
func columnValue(t *testing.T, e *Engine, col kvstore.Column, key []byte) []byte {
	t.Helper()
	h := crypto.Keccak256Hash(key)
	v, err := e.Backend().Get(col, h[:])
	if err != nil {
		t.Fatalf("backend get: %v", err)
	}
	return v
}

func TestEngine_GetSetCommit(t *testing.T) {
	e := newTestEngine(t, kvstore.NewMemory())

	// Uncommitted writes are visible through the cache.
	if err := e.Set([]byte("a"), []byte("1")); err != nil {
		t.Fatal(err)
	}
	v, err := e.Get([]byte("a"))
	if err != nil || string(v) != "1" {
		t.Fatalf("staged Get = (%q,%v)", v, err)
	}

	if _, _, err := e.Commit(1); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	v, err = e.Get([]byte("a"))
	if err != nil || string(v) != "1" {
		t.Fatalf("committed Get = (%q,%v)", v, err)
	}
	if v, _ := e.Get([]byte("b")); v != nil {
		t.Errorf("absent key returned %q", v)
	}
}

func TestEngine_TombstoneInCache(t *testing.T) {
	e := newTestEngine(t, kvstore.NewMemory())
	e.Set([]byte("a"), []byte("1"))
	if _, _, err := e.Commit(1); err != nil {
		t.Fatal(err)
	}
	e.Delete([]byte("a"))
	// Visible before commit.
	if v, err := e.Get([]byte("a")); err != nil || v != nil {
		t.Errorf("tombstoned Get = (%q,%v), want (nil,nil)", v, err)
	}
}

func TestEngine_SingleKeyScenario(t *testing.T) {
	e := newTestEngine(t, kvstore.NewMemory())
	e.Set([]byte("a"), []byte("1"))
	root, _, err := e.Commit(1)
	if err != nil {
		t.Fatal(err)
	}

	proof, err := e.Prove([]byte("a"))
	if err != nil {
		t.Fatalf("Prove: %v", err)
	}
	if !bytes.Equal(proof.Value, []byte("1")) {
		t.Errorf("proof value = %q", proof.Value)
	}
	if err := e.Verify([]byte("a"), proof, root); err != nil {
		t.Errorf("Verify: %v", err)
	}

	if _, err := e.Prove([]byte("b")); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("Prove(b) err = %v, want ErrUnknownKey", err)
	}
}

func TestEngine_ProveBeforeCommit(t *testing.T) {
	e := newTestEngine(t, kvstore.NewMemory())
	if _, err := e.Prove([]byte("a")); !errors.Is(err, ErrNoCommittedState) {
		t.Errorf("err = %v, want ErrNoCommittedState", err)
	}
}

func TestEngine_ProveIgnoresWriteCache(t *testing.T) {
	e := newTestEngine(t, kvstore.NewMemory())
	e.Set([]byte("a"), []byte("1"))
	root, _, err := e.Commit(1)
	if err != nil {
		t.Fatal(err)
	}
	// Stage an overwrite without committing; the proof must still carry
	// the committed value.
	e.Set([]byte("a"), []byte("2"))
	proof, err := e.Prove([]byte("a"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(proof.Value, []byte("1")) {
		t.Errorf("proof value = %q, want committed %q", proof.Value, "1")
	}
	if err := e.Verify([]byte("a"), proof, root); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestEngine_EmptyCommitFoldsEpoch(t *testing.T) {
	e := newTestEngine(t, kvstore.NewMemory())
	com1, hash1, err := e.Commit(1)
	if err != nil {
		t.Fatal(err)
	}
	com2, hash2, err := e.Commit(2)
	if err != nil {
		t.Fatal(err)
	}
	if !com1.Equal(&com2) {
		t.Error("empty commits must not change the root commitment")
	}
	if hash1 == hash2 {
		t.Error("the epoch must be folded into the root hash")
	}
}

func TestEngine_EpochRegress(t *testing.T) {
	e := newTestEngine(t, kvstore.NewMemory())

	if _, _, err := e.Commit(0); !errors.Is(err, ErrEpochRegress) {
		t.Errorf("Commit(0) on fresh engine: %v, want ErrEpochRegress", err)
	}
	if _, _, err := e.Commit(1); err != nil {
		t.Fatal(err)
	}
	_, _, wantHash := e.Root()

	e.Set([]byte("x"), []byte("y"))
	for _, bad := range []uint64{0, 1} {
		if _, _, err := e.Commit(bad); !errors.Is(err, ErrEpochRegress) {
			t.Errorf("Commit(%d): %v, want ErrEpochRegress", bad, err)
		}
	}
	// State untouched by the rejected commits.
	if epoch, _, gotHash := e.Root(); epoch != 1 || gotHash != wantHash {
		t.Errorf("state mutated by rejected commit: epoch=%d", epoch)
	}

	// Epochs may skip forward.
	if _, _, err := e.Commit(5); err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.Commit(3); !errors.Is(err, ErrEpochRegress) {
		t.Errorf("Commit(3) after 5: %v, want ErrEpochRegress", err)
	}
}

func TestEngine_OverwriteParityRotation(t *testing.T) {
	e := newTestEngine(t, kvstore.NewMemory())
	key := []byte("a")

	e.Set(key, []byte("1"))
	if _, _, err := e.Commit(1); err != nil {
		t.Fatal(err)
	}
	// Version 1 is odd: the value lives in the NEW column.
	if v := columnValue(t, e, kvstore.ColValNew, key); string(v) != "1" {
		t.Errorf("epoch 1: new column = %q, want 1", v)
	}
	if v := columnValue(t, e, kvstore.ColValOld, key); v != nil {
		t.Errorf("epoch 1: old column = %q, want empty", v)
	}

	e.Set(key, []byte("2"))
	if _, _, err := e.Commit(2); err != nil {
		t.Fatal(err)
	}
	if v := columnValue(t, e, kvstore.ColValOld, key); string(v) != "2" {
		t.Errorf("epoch 2: old column = %q, want 2", v)
	}
	if v := columnValue(t, e, kvstore.ColValNew, key); v != nil {
		t.Errorf("epoch 2: new column = %q, want empty", v)
	}
	if v, _ := e.Get(key); string(v) != "2" {
		t.Errorf("Get = %q, want 2", v)
	}
}

func TestEngine_DeletePurgesBothColumns(t *testing.T) {
	e := newTestEngine(t, kvstore.NewMemory())
	key := []byte("gone")

	e.Set(key, []byte("v"))
	if _, _, err := e.Commit(1); err != nil {
		t.Fatal(err)
	}
	e.Delete(key)
	if _, _, err := e.Commit(2); err != nil {
		t.Fatal(err)
	}

	if v, _ := e.Get(key); v != nil {
		t.Errorf("Get after delete = %q", v)
	}
	if v := columnValue(t, e, kvstore.ColValOld, key); v != nil {
		t.Errorf("old column survives delete: %q", v)
	}
	if v := columnValue(t, e, kvstore.ColValNew, key); v != nil {
		t.Errorf("new column survives delete: %q", v)
	}
	if _, err := e.Prove(key); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("Prove after delete: %v, want ErrUnknownKey", err)
	}
}

func TestEngine_DeleteAbsentKey(t *testing.T) {
	e := newTestEngine(t, kvstore.NewMemory())
	e.Delete([]byte("never-existed"))
	if _, _, err := e.Commit(1); err != nil {
		t.Fatalf("commit with absent-key tombstone: %v", err)
	}
}

func TestEngine_RestartResumesEpoch(t *testing.T) {
	db := kvstore.NewMemory()
	e1 := newTestEngine(t, db)
	e1.Set([]byte("a"), []byte("1"))
	_, hash1, err := e1.Commit(7)
	if err != nil {
		t.Fatal(err)
	}

	e2 := newTestEngine(t, db)
	epoch, _, gotHash := e2.Root()
	if epoch != 7 || gotHash != hash1 {
		t.Errorf("restart state: epoch=%d hash=%x, want 7/%x", epoch, gotHash, hash1)
	}
	if v, err := e2.Get([]byte("a")); err != nil || string(v) != "1" {
		t.Errorf("restart Get = (%q,%v)", v, err)
	}
	if _, _, err := e2.Commit(7); !errors.Is(err, ErrEpochRegress) {
		t.Errorf("replayed epoch accepted after restart: %v", err)
	}
	if _, _, err := e2.Commit(8); err != nil {
		t.Errorf("next epoch rejected after restart: %v", err)
	}
}

func TestEngine_GeometryMismatchRejected(t *testing.T) {
	db := kvstore.NewMemory()
	e := newTestEngine(t, db)
	e.Set([]byte("a"), []byte("1"))
	if _, _, err := e.Commit(1); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig()
	cfg.Depth = 12
	if _, err := NewEngine(db, testParams(t), cfg); !errors.Is(err, ErrIntegrity) {
		t.Errorf("depth change accepted on existing state: %v", err)
	}

	cfg = testConfig()
	cfg.Hash = crypto.Blake2bAlgo
	if _, err := NewEngine(db, testParams(t), cfg); !errors.Is(err, ErrIntegrity) {
		t.Errorf("hash change accepted on existing state: %v", err)
	}
}

func TestEngine_CollidingKeys(t *testing.T) {
	e := newTestEngine(t, kvstore.NewMemory())

	k1, k2 := findCollidingKeys(t, 2)
	e.Set(k1, []byte("v1"))
	if _, _, err := e.Commit(1); err != nil {
		t.Fatal(err)
	}
	e.Set(k2, []byte("v2"))
	root, _, err := e.Commit(2)
	if err != nil {
		t.Fatalf("colliding commit: %v", err)
	}

	for key, want := range map[string]string{string(k1): "v1", string(k2): "v2"} {
		v, err := e.Get([]byte(key))
		if err != nil || string(v) != want {
			t.Errorf("Get(%q) = (%q,%v), want %q", key, v, err, want)
		}
		proof, err := e.Prove([]byte(key))
		if err != nil {
			t.Fatalf("Prove(%q): %v", key, err)
		}
		if err := e.Verify([]byte(key), proof, root); err != nil {
			t.Errorf("Verify(%q): %v", key, err)
		}
		if len(proof.Levels) < 3 {
			t.Errorf("proof for %q has %d levels, want >= 3 after split", key, len(proof.Levels))
		}
	}
}

func TestEngine_CollisionInSameEpoch(t *testing.T) {
	e := newTestEngine(t, kvstore.NewMemory())
	k1, k2 := findCollidingKeys(t, 2)
	e.Set(k1, []byte("v1"))
	e.Set(k2, []byte("v2"))
	if _, _, err := e.Commit(1); err != nil {
		t.Fatalf("same-epoch collision: %v", err)
	}
	for key, want := range map[string]string{string(k1): "v1", string(k2): "v2"} {
		if v, _ := e.Get([]byte(key)); string(v) != want {
			t.Errorf("Get(%q) = %q, want %q", key, v, want)
		}
	}
}

// findCollidingKeys brute-forces two keys whose keccak hashes share the
// first shared 3-bit digits but differ at the next one.
func findCollidingKeys(t *testing.T, shared int) ([]byte, []byte) {
	t.Helper()
	digits := func(h common.Hash, n int) []int {
		out := make([]int, n)
		for i := 0; i < n; i++ {
			v := 0
			for k := 0; k < 3; k++ {
				idx := i*3 + k
				v = v<<1 | int((h[idx/8]>>(7-idx%8))&1)
			}
			out[i] = v
		}
		return out
	}
	base := []byte("collision-base")
	hb := digits(crypto.Keccak256Hash(base), shared+1)
	for i := 0; i < 1<<16; i++ {
		cand := append([]byte("collision-"), byte(i), byte(i>>8))
		hc := digits(crypto.Keccak256Hash(cand), shared+1)
		match := true
		for j := 0; j < shared; j++ {
			if hb[j] != hc[j] {
				match = false
				break
			}
		}
		if match && hb[shared] != hc[shared] {
			return base, cand
		}
	}
	t.Fatal("no colliding key found in search budget")
	return nil, nil
}
