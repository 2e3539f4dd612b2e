package snapshot

import (
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Snapshot hashes an LP's serialized state, used to verify that a cloned
// destination PE's branch and its source's original branch started from
// bit-identical state at the GVT the fork occurred on.
type Snapshot struct {
	LPID      string
	StateHash string
}

// CompareAndVerify checks a branch's produced state against the hash taken
// at fork time, used by the clone-consistency test to confirm both the
// source and destination branches diverged from the same snapshot.
func CompareAndVerify(expectedHash string, branchState []byte) (bool, error) {
	if expectedHash == "" {
		return false, errors.New("no expected state hash provided by the clone director")
	}

	actualHash := GenerateStateSnapshot(branchState)

	if actualHash == expectedHash {
		return true, nil
	}

	return false, fmt.Errorf("state divergence: expected %s but branch produced %s", expectedHash, actualHash)
}

// GenerateStateSnapshot hashes a serialized LP state to establish a baseline
// for later clone-consistency comparison.
func GenerateStateSnapshot(data []byte) string {
	hash := blake2b.Sum256(data)
	return hex.EncodeToString(hash[:])
}
