package ring

import (
	umath "github.com/yuanfeiz/protocol/internal/math"
)

// PropagateFills computes every order's fill at the proposed rates so that
// each order buys exactly what the next order sells. It works on copies and
// returns them with the index of the binding (smallest) order.
//
// One forward pass finds the binding order k. Orders before k were computed
// against fills that k later shrank, so a second pass reruns 0..k-1.
func PropagateFills(states []*OrderState) ([]*OrderState, int) {
	n := len(states)
	out := make([]*OrderState, n)
	for i, s := range states {
		out[i] = s.Clone()
	}

	binding := 0
	for i := 0; i < n; i++ {
		binding = fillStep(out, i, binding)
	}
	for i := 0; i < binding; i++ {
		fillStep(out, i, binding)
	}
	return out, binding
}

// fillStep derives order i's buy fill, clamps it to the order's cap, prorates
// the order's fee and pushes the buy fill into the next order's sell fill.
// It returns the binding index as updated by this step.
func fillStep(states []*OrderState, i, binding int) int {
	j := next(i, len(states))
	s, nx := states[i], states[j]

	fillB := umath.MulDiv(s.FillAmountS, s.Rate.AmountB, s.Rate.AmountS)

	if s.Order.BuyNoMoreThanAmountB {
		if fillB.Gt(&s.Order.AmountB) {
			fillB = s.Order.AmountB
			s.FillAmountS = umath.MulDiv(fillB, s.Rate.AmountS, s.Rate.AmountB)
			binding = i
		}
		s.LrcFee = umath.MulDiv(s.Order.LrcFee, fillB, s.Order.AmountB)
	} else {
		s.LrcFee = umath.MulDiv(s.Order.LrcFee, s.FillAmountS, s.Order.AmountS)
	}

	if fillB.Gt(&nx.FillAmountS) {
		return j
	}
	nx.FillAmountS = fillB
	return binding
}
