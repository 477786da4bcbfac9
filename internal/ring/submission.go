package ring

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/yuanfeiz/protocol/internal/order"
)

// Positions within Submission.UintArgs.
const (
	ArgAmountS = iota
	ArgAmountB
	ArgTimestamp
	ArgTTL
	ArgSalt
	ArgLrcFee
	ArgRateAmountS
	NumUintArgs
)

// Positions within Submission.Uint8Args.
const (
	ArgMarginSplitPercentage = iota
	ArgFeeSelection
)

// Positions within Submission.Addresses.
const (
	AddrOwner = iota
	AddrTokenS
)

// Submission is a miner's ring proposal as parallel per-order arrays.
// Each order's TokenB is implied by the next order's TokenS.
type Submission struct {
	Addresses            [][2]common.Address
	UintArgs             [][NumUintArgs]uint256.Int
	Uint8Args            [][2]uint8
	BuyNoMoreThanAmountB []bool

	// One signature per order followed by the miner's ring signature.
	Signatures []order.Signature

	Miner common.Address

	// Zero means the miner.
	FeeRecipient common.Address
}

// Size returns the number of orders in the proposal.
func (s *Submission) Size() int {
	return len(s.Addresses)
}

// RingSignature returns the trailing miner signature.
func (s *Submission) RingSignature() order.Signature {
	return s.Signatures[len(s.Signatures)-1]
}

// EffectiveFeeRecipient resolves the zero fee recipient to the miner.
func (s *Submission) EffectiveFeeRecipient() common.Address {
	if s.FeeRecipient == (common.Address{}) {
		return s.Miner
	}
	return s.FeeRecipient
}

// TokensS returns each order's sell token in ring order.
func (s *Submission) TokensS() []common.Address {
	tokens := make([]common.Address, len(s.Addresses))
	for i, a := range s.Addresses {
		tokens[i] = a[AddrTokenS]
	}
	return tokens
}

// VerifyRingSize checks 2 <= size <= maxRingSize.
func VerifyRingSize(size, maxRingSize int) error {
	if size < 2 || size > maxRingSize {
		return fmt.Errorf("%w: %d (allowed 2..%d)", ErrRingSize, size, maxRingSize)
	}
	return nil
}

// VerifyShape checks that every per-order array has one entry per order and
// the signature list carries the extra ring signature.
func (s *Submission) VerifyShape() error {
	n := s.Size()
	if len(s.UintArgs) != n {
		return fmt.Errorf("%w: %d uint arg tuples for %d orders", ErrInputShape, len(s.UintArgs), n)
	}
	if len(s.Uint8Args) != n {
		return fmt.Errorf("%w: %d uint8 arg tuples for %d orders", ErrInputShape, len(s.Uint8Args), n)
	}
	if len(s.BuyNoMoreThanAmountB) != n {
		return fmt.Errorf("%w: %d cap flags for %d orders", ErrInputShape, len(s.BuyNoMoreThanAmountB), n)
	}
	if len(s.Signatures) != n+1 {
		return fmt.Errorf("%w: %d signatures for %d orders", ErrInputShape, len(s.Signatures), n)
	}
	if s.Miner == (common.Address{}) {
		return fmt.Errorf("%w: miner is zero", ErrInputShape)
	}
	return nil
}
