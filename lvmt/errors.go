package lvmt

import (
	"errors"
	"fmt"

	"github.com/lvmt-db/lvmt/amt"
)

// Engine error taxonomy. Backend and integrity failures wrap an
// underlying cause; usage errors are plain sentinels.
var (
	// ErrBackend marks I/O failures from the underlying key-value store.
	// The engine stays at its pre-commit state; the caller may retry.
	ErrBackend = errors.New("lvmt: backend failure")

	// ErrIntegrity marks corrupt persisted state: undecodable nodes,
	// missing values for present leaves, digest mismatches. Fatal — the
	// engine refuses all further operations once raised.
	ErrIntegrity = errors.New("lvmt: integrity failure")

	// ErrEpochRegress is returned by Commit with an epoch not strictly
	// greater than the last committed one. State is unchanged.
	ErrEpochRegress = errors.New("lvmt: epoch not greater than last committed")

	// ErrUnknownKey is returned by Prove for keys with no committed leaf.
	ErrUnknownKey = errors.New("lvmt: unknown key")

	// ErrShardOutOfRange is returned by Prove for keys outside this
	// instance's proof shard.
	ErrShardOutOfRange = errors.New("lvmt: key outside proof shard")

	// ErrNoCommittedState is returned by Prove before the first commit.
	ErrNoCommittedState = errors.New("lvmt: no committed state to prove against")

	// ErrProofsDisabled is returned by Prove and Verify in hash-only
	// (merkle-root) mode, which maintains no opening material.
	ErrProofsDisabled = errors.New("lvmt: proofs disabled in merkle-root-only mode")
)

// Verification errors, re-exported from the tree layer so callers match
// on one package.
var (
	ErrBadPairing   = amt.ErrBadPairing
	ErrPathMismatch = amt.ErrPathMismatch
)

func backendErr(err error) error {
	return fmt.Errorf("%w: %v", ErrBackend, err)
}

func integrityErr(err error) error {
	return fmt.Errorf("%w: %v", ErrIntegrity, err)
}

// isIntegrityCause classifies tree-level failures that indicate corrupted
// or impossible persisted state.
func isIntegrityCause(err error) bool {
	return errors.Is(err, amt.ErrCorruptNode) ||
		errors.Is(err, amt.ErrMissingChild) ||
		errors.Is(err, amt.ErrPathExhausted)
}
