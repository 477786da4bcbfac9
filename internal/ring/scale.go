package ring

import (
	"fmt"

	umath "github.com/yuanfeiz/protocol/internal/math"
)

// ScaleByHistory shrinks every order by what is already filled or
// cancelled, keeping the signed exchange rate, and seeds FillAmountS.
//
// Capped orders track completion on the buy side, others on the sell side.
// The fee shrinks in proportion. The proposed rate is left as is.
func ScaleByHistory(states []*OrderState, history History) error {
	for i, s := range states {
		consumed, err := history.Filled(s.OrderHash)
		if err != nil {
			return fmt.Errorf("order %d: read fill history: %w", i, err)
		}

		o := &s.Order
		if o.BuyNoMoreThanAmountB {
			amountB := umath.TolerantSub(o.AmountB, consumed)
			o.AmountS = umath.MulDiv(amountB, o.AmountS, o.AmountB)
			o.LrcFee = umath.MulDiv(amountB, o.LrcFee, o.AmountB)
			o.AmountB = amountB
		} else {
			amountS := umath.TolerantSub(o.AmountS, consumed)
			o.AmountB = umath.MulDiv(amountS, o.AmountB, o.AmountS)
			o.LrcFee = umath.MulDiv(amountS, o.LrcFee, o.AmountS)
			o.AmountS = amountS
		}

		if o.AmountS.IsZero() || o.AmountB.IsZero() {
			return fmt.Errorf("order %d (%s): %w", i, s.OrderHash.Hex(), ErrOrderFullyConsumed)
		}

		s.FillAmountS = umath.Min(o.AmountS, s.AvailableAmountS)
	}
	return nil
}
