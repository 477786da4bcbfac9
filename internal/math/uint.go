// Package math provides overflow-checked arithmetic on 256-bit unsigned
// integers. All amounts in the settlement pipeline are uint256 values.
//
// Checked operations panic with *OverflowError instead of wrapping. The
// exchange boundary recovers that panic type and aborts the whole call, so
// the ring algorithms can be written as straight-line arithmetic.
package math

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// OverflowError is the panic value raised by checked operations.
type OverflowError struct {
	Op string
	X  uint256.Int
	Y  uint256.Int
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("uint256 %s overflow (x=%s, y=%s)", e.Op, e.X.Dec(), e.Y.Dec())
}

// Zero is the additive identity.
var Zero uint256.Int

// New returns v as a uint256 value.
func New(v uint64) uint256.Int {
	return *uint256.NewInt(v)
}

// Parse accepts a decimal string or a 0x-prefixed hex string.
func Parse(s string) (uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, fmt.Errorf("empty integer")
	}

	var (
		v   *uint256.Int
		err error
	)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err = uint256.FromHex(s)
	} else {
		v, err = uint256.FromDecimal(s)
	}
	if err != nil {
		return Zero, fmt.Errorf("parse uint256 %q: %w", s, err)
	}
	return *v, nil
}

// Add returns x+y.
func Add(x, y uint256.Int) uint256.Int {
	var z uint256.Int
	if _, overflow := z.AddOverflow(&x, &y); overflow {
		panic(&OverflowError{Op: "add", X: x, Y: y})
	}
	return z
}

// Sub returns x-y and panics when y > x.
func Sub(x, y uint256.Int) uint256.Int {
	var z uint256.Int
	if _, underflow := z.SubOverflow(&x, &y); underflow {
		panic(&OverflowError{Op: "sub", X: x, Y: y})
	}
	return z
}

// Mul returns x*y.
func Mul(x, y uint256.Int) uint256.Int {
	var z uint256.Int
	if _, overflow := z.MulOverflow(&x, &y); overflow {
		panic(&OverflowError{Op: "mul", X: x, Y: y})
	}
	return z
}

// Div returns floor(x/y) and panics on a zero divisor.
func Div(x, y uint256.Int) uint256.Int {
	if y.IsZero() {
		panic(&OverflowError{Op: "div", X: x, Y: y})
	}
	var z uint256.Int
	z.Div(&x, &y)
	return z
}

// MulDiv returns floor(x*y/d), checking the intermediate product.
func MulDiv(x, y, d uint256.Int) uint256.Int {
	return Div(Mul(x, y), d)
}

// TolerantSub returns x-y, or zero when y >= x.
func TolerantSub(x, y uint256.Int) uint256.Int {
	if !y.Lt(&x) {
		return Zero
	}
	var z uint256.Int
	z.Sub(&x, &y)
	return z
}

// Min returns the smaller of x and y.
func Min(x, y uint256.Int) uint256.Int {
	if x.Lt(&y) {
		return x
	}
	return y
}

// AbsDiff returns |x-y|.
func AbsDiff(x, y uint256.Int) uint256.Int {
	if x.Gt(&y) {
		return Sub(x, y)
	}
	return Sub(y, x)
}
