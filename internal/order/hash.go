package order

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// packedOrderLen is the tightly packed size of a hashed order:
// 4 addresses, 6 words, 1 bool, 1 uint8.
const packedOrderLen = 4*common.AddressLength + 6*32 + 2

// Hash computes the order hash bound to the settlement engine's address:
//
//	keccak256(engine || owner || tokenS || tokenB || amountS || amountB ||
//	          timestamp || ttl || salt || lrcFee || buyNoMoreThanAmountB ||
//	          marginSplitPercentage)
//
// Addresses are 20 bytes, integers 32 bytes big-endian, the flag and the
// percentage one byte each.
func Hash(engine common.Address, o *Order, stamp Stamp) common.Hash {
	buf := make([]byte, 0, packedOrderLen)

	buf = append(buf, engine.Bytes()...)
	buf = append(buf, o.Owner.Bytes()...)
	buf = append(buf, o.TokenS.Bytes()...)
	buf = append(buf, o.TokenB.Bytes()...)
	buf = appendWord(buf, o.AmountS)
	buf = appendWord(buf, o.AmountB)
	buf = appendWord(buf, stamp.Timestamp)
	buf = appendWord(buf, stamp.TTL)
	buf = appendWord(buf, stamp.Salt)
	buf = appendWord(buf, o.LrcFee)
	if o.BuyNoMoreThanAmountB {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, o.MarginSplitPercentage)

	return crypto.Keccak256Hash(buf)
}

func appendWord(buf []byte, v uint256.Int) []byte {
	word := v.Bytes32()
	return append(buf, word[:]...)
}
