package ring

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/yuanfeiz/protocol/internal/event"
	umath "github.com/yuanfeiz/protocol/internal/math"
)

// TransferRecord is one order's row in the settlement batch, in the field
// order the transfer delegate consumes.
type TransferRecord struct {
	Owner  common.Address
	TokenS common.Address

	// TokenS moved from Owner to the previous order's owner.
	AmountToPrev uint256.Int
	// TokenS moved from Owner to the fee recipient: the predecessor's
	// buy-side split plus this order's sell-side split.
	AmountToFeeRecipient uint256.Int

	LrcReward uint256.Int // LRC from the fee recipient to Owner
	LrcFee    uint256.Int // LRC from Owner to the fee recipient
}

// FillDelta is the increment to an order's cumulative filled amount.
type FillDelta struct {
	OrderHash common.Hash
	Amount    uint256.Int
}

// Settlement is everything a validated ring changes, computed before any
// state is touched.
type Settlement struct {
	Transfers   []TransferRecord
	Fills       []FillDelta
	OrderFilled []*event.OrderFilled
}

// BuildSettlement derives the transfer batch, history increments and fill
// notifications from the ring's final fills and splits.
func BuildSettlement(r *Ring, ringIndex uint64) *Settlement {
	n := r.Size()
	st := &Settlement{
		Transfers:   make([]TransferRecord, n),
		Fills:       make([]FillDelta, n),
		OrderFilled: make([]*event.OrderFilled, n),
	}

	for i, s := range r.Orders {
		prev := r.Orders[r.Prev(i)]
		nx := r.Orders[r.Next(i)]

		st.Transfers[i] = TransferRecord{
			Owner:                s.Order.Owner,
			TokenS:               s.Order.TokenS,
			AmountToPrev:         umath.Sub(s.FillAmountS, prev.SplitB),
			AmountToFeeRecipient: umath.Add(prev.SplitB, s.SplitS),
			LrcReward:            s.LrcReward,
			LrcFee:               s.LrcFee,
		}

		delta := s.FillAmountS
		if s.Order.BuyNoMoreThanAmountB {
			delta = nx.FillAmountS
		}
		st.Fills[i] = FillDelta{OrderHash: s.OrderHash, Amount: delta}

		st.OrderFilled[i] = &event.OrderFilled{
			RingIndex:     ringIndex,
			RingHash:      r.Hash,
			PrevOrderHash: prev.OrderHash,
			OrderHash:     s.OrderHash,
			NextOrderHash: nx.OrderHash,
			AmountS:       umath.Add(s.FillAmountS, s.SplitS),
			AmountB:       umath.Sub(nx.FillAmountS, s.SplitB),
			LrcReward:     s.LrcReward,
			LrcFee:        s.LrcFee,
		}
	}
	return st
}

// Result describes a settled ring.
type Result struct {
	RingIndex          uint64
	RingHash           common.Hash
	Miner              common.Address
	FeeRecipient       common.Address
	IsRinghashReserved bool
	Orders             []*OrderState
	Settlement         *Settlement
	Receipt            Receipt
}
