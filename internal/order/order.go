// Package order holds the signed order model: its economic terms, the
// deterministic order hash, owner signatures and per-order validation.
package order

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// MarginSplitPercentageBase is the 100% value of MarginSplitPercentage.
const MarginSplitPercentageBase uint8 = 100

// FeeSelection chooses how an order pays the miner.
type FeeSelection uint8

const (
	FeeSelectLRC         FeeSelection = 0 // pay LrcFee in the fee token
	FeeSelectMarginSplit FeeSelection = 1 // give up part of the price margin instead
)

func (f FeeSelection) String() string {
	switch f {
	case FeeSelectLRC:
		return "lrc_fee"
	case FeeSelectMarginSplit:
		return "margin_split"
	default:
		return "unknown"
	}
}

// Valid reports whether f is one of the supported selections.
func (f FeeSelection) Valid() bool {
	return f == FeeSelectLRC || f == FeeSelectMarginSplit
}

var (
	ErrInvalidOrder     = errors.New("invalid order")
	ErrOrderExpired     = errors.New("order expired")
	ErrOrderCutoff      = errors.New("order cut off")
	ErrInvalidSignature = errors.New("invalid signature")
)

// Order is the owner-signed part of a ring participant. It is immutable once
// hashed; the settlement pipeline rescales a private copy.
type Order struct {
	Owner                 common.Address
	TokenS                common.Address
	TokenB                common.Address
	AmountS               uint256.Int
	AmountB               uint256.Int
	LrcFee                uint256.Int
	BuyNoMoreThanAmountB  bool
	MarginSplitPercentage uint8
}

// Stamp carries the fields that only feed the order hash and validity
// window. They are not kept once the order has been verified.
type Stamp struct {
	Timestamp uint256.Int // unix seconds
	TTL       uint256.Int // seconds
	Salt      uint256.Int
}

// Signature is a secp256k1 signature triple. V is 27/28; 0/1 is accepted.
type Signature struct {
	V uint8
	R common.Hash
	S common.Hash
}

// IsZero reports whether the signature is entirely unset.
func (s Signature) IsZero() bool {
	return s.V == 0 && s.R == (common.Hash{}) && s.S == (common.Hash{})
}
