package core

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/crypto"
)

const GenesisHashSeed = "ringsettle:notifications:genesis:v1"

// StateHasher chains notification digests into a tamper-evident log:
// hash[N] = keccak256(hash[N-1] || sequence (8B BE) || digest[N]).
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher starts the chain at the genesis seed.
func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: crypto.Keccak256Hash([]byte(GenesisHashSeed))}
}

// ResumeStateHasher continues a chain whose tip is tip.
func ResumeStateHasher(tip [32]byte) *StateHasher {
	return &StateHasher{prevHash: tip}
}

// ComputeHash folds the next notification into the chain and returns the
// new tip.
func (h *StateHasher) ComputeHash(sequence int64, digest []byte) [32]byte {
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], uint64(sequence))

	hash := crypto.Keccak256Hash(h.prevHash[:], seq[:], digest)
	h.prevHash = hash
	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}
