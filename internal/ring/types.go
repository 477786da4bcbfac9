// Package ring implements the validation-and-settlement pipeline for a
// cyclic set of orders: assembly, structural and rate validation,
// historical scaling, fill propagation, fee allocation and settlement
// construction.
//
// A ring is an arena of order states. Neighbours are found positionally with
// Next and Prev; states never point at each other.
package ring

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/yuanfeiz/protocol/internal/order"
)

// RateRatioScale is the fixed precision of rate ratios.
const RateRatioScale = 10000

// Rate is the miner-proposed execution rate. AmountB always equals the
// order's signed AmountB; AmountS is the proposed sell amount.
type Rate struct {
	AmountS uint256.Int
	AmountB uint256.Int
}

// OrderState is an order plus everything derived for it during one
// settlement pass. It is discarded once the ring settles or fails.
type OrderState struct {
	Order        order.Order
	OrderHash    common.Hash
	FeeSelection order.FeeSelection
	Rate         Rate

	// Spendable amount of TokenS captured at assembly.
	AvailableAmountS uint256.Int

	FillAmountS uint256.Int
	LrcReward   uint256.Int // paid by the fee recipient to the owner
	LrcFee      uint256.Int // paid by the owner to the fee recipient
	SplitS      uint256.Int // margin split in TokenS, to the fee recipient
	SplitB      uint256.Int // margin split in TokenB, to the fee recipient
}

// Clone returns an independent copy. uint256 values copy by value.
func (s *OrderState) Clone() *OrderState {
	c := *s
	return &c
}

// Ring is the ordered cyclic sequence being settled.
type Ring struct {
	Hash   common.Hash
	Orders []*OrderState
}

// Size returns the number of orders.
func (r *Ring) Size() int {
	return len(r.Orders)
}

// Next returns the position after i.
func (r *Ring) Next(i int) int {
	return next(i, len(r.Orders))
}

// Prev returns the position before i.
func (r *Ring) Prev(i int) int {
	return prev(i, len(r.Orders))
}

func next(i, n int) int {
	return (i + 1) % n
}

func prev(i, n int) int {
	return (i + n - 1) % n
}
