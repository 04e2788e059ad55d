package core

import (
	"crypto/sha256"
	"encoding/binary"
	"strconv"
)

const GenesisHashSeed = "PerpRisk:genesis:v1"

// StateHasher computes a per-market hash chain over emitted events.
// Guarded by the owning market lock.
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher seeds the chain for one market. Market 0 is the global
// chain used by engine-wide events.
func NewStateHasher(marketID uint64) *StateHasher {
	genesis := sha256.Sum256([]byte(GenesisHashSeed + ":" + strconv.FormatUint(marketID, 10)))
	return &StateHasher{
		prevHash: genesis,
	}
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || state_digest)
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()

	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))

	h.prevHash = hash

	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash resumes a chain from a snapshot.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}
