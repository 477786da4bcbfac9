package ring

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	umath "github.com/yuanfeiz/protocol/internal/math"
	"github.com/yuanfeiz/protocol/internal/order"
)

// FeeAllocator decides, per order, between paying the LRC fee and giving
// up part of the price margin to the fee recipient.
type FeeAllocator struct {
	LrcToken common.Address
	Balance  SpendableSource
}

// Allocate runs after fill propagation and mutates states in place.
//
// The fee recipient's spendable LRC is a single running budget consumed in
// ring order: when it cannot cover every margin-split order, earlier
// positions are rewarded and later ones keep paying their fee.
func (f *FeeAllocator) Allocate(states []*OrderState, feeRecipient common.Address) error {
	minerSpendable, err := f.Balance.Spendable(f.LrcToken, feeRecipient)
	if err != nil {
		return fmt.Errorf("read fee recipient spendable: %w", err)
	}

	n := len(states)
	for i, s := range states {
		nx := states[next(i, n)]

		lrcTotal, err := f.lrcAvailable(s, nx)
		if err != nil {
			return fmt.Errorf("order %d: %w", i, err)
		}
		if lrcTotal.Lt(&s.LrcFee) {
			s.LrcFee = lrcTotal
			s.Order.MarginSplitPercentage = order.MarginSplitPercentageBase
		}
		if s.LrcFee.IsZero() {
			s.FeeSelection = order.FeeSelectMarginSplit
			s.Order.MarginSplitPercentage = order.MarginSplitPercentageBase
		}

		switch s.FeeSelection {
		case order.FeeSelectLRC:
			minerSpendable = umath.Add(minerSpendable, s.LrcFee)

		case order.FeeSelectMarginSplit:
			if minerSpendable.Lt(&s.LrcFee) {
				continue
			}
			split := marginSplit(s, nx)
			if s.Order.BuyNoMoreThanAmountB {
				s.SplitS = split
			} else {
				s.SplitB = split
			}
			if !split.IsZero() {
				minerSpendable = umath.Sub(minerSpendable, s.LrcFee)
				s.LrcReward = s.LrcFee
			}
			s.LrcFee = umath.Zero

		default:
			return fmt.Errorf("order %d: %w: %d", i, ErrUnsupportedFeeSelection, uint8(s.FeeSelection))
		}
	}
	return nil
}

// lrcAvailable is the LRC the owner can pay its fee from once the ring
// settles: spendable LRC, less what it sells of it, plus what it buys.
func (f *FeeAllocator) lrcAvailable(s, nx *OrderState) (uint256.Int, error) {
	spendable, err := f.Balance.Spendable(f.LrcToken, s.Order.Owner)
	if err != nil {
		return umath.Zero, fmt.Errorf("read owner LRC spendable: %w", err)
	}
	if s.Order.TokenS == f.LrcToken {
		spendable = umath.TolerantSub(spendable, s.FillAmountS)
	}
	if s.Order.TokenB == f.LrcToken {
		spendable = umath.Add(spendable, nx.FillAmountS)
	}
	return spendable, nil
}

// marginSplit is the spread between the order's declared price and what it
// actually trades at, scaled by its margin split percentage. A capped order
// measures it in TokenS, others in TokenB.
func marginSplit(s, nx *OrderState) uint256.Int {
	o := &s.Order

	var split uint256.Int
	if o.BuyNoMoreThanAmountB {
		split = umath.TolerantSub(umath.MulDiv(nx.FillAmountS, o.AmountS, o.AmountB), s.FillAmountS)
	} else {
		split = umath.TolerantSub(nx.FillAmountS, umath.MulDiv(s.FillAmountS, o.AmountB, o.AmountS))
	}

	if o.MarginSplitPercentage != order.MarginSplitPercentageBase {
		split = umath.MulDiv(split, umath.New(uint64(o.MarginSplitPercentage)), umath.New(uint64(order.MarginSplitPercentageBase)))
	}
	return split
}
