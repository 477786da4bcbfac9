package ring

import (
	"fmt"

	"github.com/holiman/uint256"

	umath "github.com/yuanfeiz/protocol/internal/math"
)

// VerifyNoSubRing rejects rings where two orders sell the same token, which
// would close a smaller loop inside the ring. Rings are small, so the
// pairwise scan is fine.
func VerifyNoSubRing(states []*OrderState) error {
	for i := 0; i < len(states)-1; i++ {
		tokenS := states[i].Order.TokenS
		for j := i + 1; j < len(states); j++ {
			if states[j].Order.TokenS == tokenS {
				return fmt.Errorf("%w: orders %d and %d both sell %s", ErrSubRing, i, j, tokenS.Hex())
			}
		}
	}
	return nil
}

// VerifyRates checks each proposed rate against the order's signed rate and
// that the discount is spread evenly: the squared coefficient of variation
// of the rate ratios must not exceed threshold.
func VerifyRates(states []*OrderState, threshold uint256.Int) error {
	scale := umath.New(RateRatioScale)
	ratios := make([]uint256.Int, len(states))

	for i, s := range states {
		if s.Rate.AmountS.IsZero() || s.Rate.AmountB.IsZero() {
			return fmt.Errorf("%w: order %d has a zero rate", ErrInvalidRate, i)
		}

		// proposedS * orderB <= orderS * proposedB, without division
		s1b0 := umath.Mul(s.Rate.AmountS, s.Order.AmountB)
		s0b1 := umath.Mul(s.Order.AmountS, s.Rate.AmountB)
		if s1b0.Gt(&s0b1) {
			return fmt.Errorf("%w: order %d rate %s/%s exceeds %s/%s", ErrInvalidRate, i,
				s.Rate.AmountS.Dec(), s.Rate.AmountB.Dec(), s.Order.AmountS.Dec(), s.Order.AmountB.Dec())
		}
		ratios[i] = umath.MulDiv(scale, s1b0, s0b1)
	}

	cvs, err := umath.CVSquare(ratios, scale)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnevenDiscount, err)
	}
	if cvs.Gt(&threshold) {
		return fmt.Errorf("%w: cvs %s > threshold %s", ErrUnevenDiscount, cvs.Dec(), threshold.Dec())
	}
	return nil
}
