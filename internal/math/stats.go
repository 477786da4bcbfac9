package math

import (
	"fmt"

	"github.com/holiman/uint256"
)

// CVSquare returns the squared coefficient of variation of values, scaled by
// scale^2:
//
//	cvs = (Σ (v_i - avg)^2 * scale / avg * scale / avg) / (n - 1)
//
// The average is truncated. A zero average yields zero.
func CVSquare(values []uint256.Int, scale uint256.Int) (uint256.Int, error) {
	n := len(values)
	if n < 2 {
		return Zero, fmt.Errorf("cvsquare needs at least 2 values, got %d", n)
	}
	if scale.IsZero() {
		return Zero, fmt.Errorf("cvsquare scale is zero")
	}

	length := New(uint64(n))

	sum := Zero
	for _, v := range values {
		sum = Add(sum, v)
	}
	avg := Div(sum, length)
	if avg.IsZero() {
		return Zero, nil
	}

	cvs := Zero
	for _, v := range values {
		s := AbsDiff(v, avg)
		cvs = Add(cvs, Mul(s, s))
	}

	cvs = Div(Mul(Div(Mul(cvs, scale), avg), scale), avg)
	return Div(cvs, New(uint64(n-1))), nil
}
