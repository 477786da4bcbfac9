package order

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Domain tags separating the call digests from each other and from order
// hashes.
const (
	cancelTag = "ringsettle:cancel"
	cutoffTag = "ringsettle:cutoff"
)

// CancelDigest is what an owner signs to cancel amount of the order hashed
// to orderHash:
//
//	keccak256(engine || "ringsettle:cancel" || orderHash || amount || issuedAt)
func CancelDigest(engine common.Address, orderHash common.Hash, amount, issuedAt uint256.Int) common.Hash {
	buf := make([]byte, 0, common.AddressLength+len(cancelTag)+3*32)
	buf = append(buf, engine.Bytes()...)
	buf = append(buf, cancelTag...)
	buf = append(buf, orderHash.Bytes()...)
	buf = appendWord(buf, amount)
	buf = appendWord(buf, issuedAt)
	return crypto.Keccak256Hash(buf)
}

// CutoffDigest is what an owner signs to raise its cutoff:
//
//	keccak256(engine || "ringsettle:cutoff" || owner || cutoff || issuedAt)
func CutoffDigest(engine, owner common.Address, cutoff, issuedAt uint256.Int) common.Hash {
	buf := make([]byte, 0, 2*common.AddressLength+len(cutoffTag)+2*32)
	buf = append(buf, engine.Bytes()...)
	buf = append(buf, cutoffTag...)
	buf = append(buf, owner.Bytes()...)
	buf = appendWord(buf, cutoff)
	buf = appendWord(buf, issuedAt)
	return crypto.Keccak256Hash(buf)
}
