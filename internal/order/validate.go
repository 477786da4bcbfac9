package order

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	umath "github.com/yuanfeiz/protocol/internal/math"
)

// Validate checks the order's static terms and its validity window against
// now (unix seconds) and the owner's cutoff.
func Validate(o *Order, stamp Stamp, now, cutoff uint256.Int) error {
	if o.Owner == (common.Address{}) {
		return fmt.Errorf("%w: owner is zero", ErrInvalidOrder)
	}
	if o.TokenS == (common.Address{}) {
		return fmt.Errorf("%w: tokenS is zero", ErrInvalidOrder)
	}
	if o.TokenB == (common.Address{}) {
		return fmt.Errorf("%w: tokenB is zero", ErrInvalidOrder)
	}
	if o.AmountS.IsZero() {
		return fmt.Errorf("%w: amountS is zero", ErrInvalidOrder)
	}
	if o.AmountB.IsZero() {
		return fmt.Errorf("%w: amountB is zero", ErrInvalidOrder)
	}
	if stamp.Timestamp.Gt(&now) {
		return fmt.Errorf("%w: timestamp %s is in the future", ErrInvalidOrder, stamp.Timestamp.Dec())
	}
	if !stamp.Timestamp.Gt(&cutoff) {
		return fmt.Errorf("%w: timestamp %s <= cutoff %s", ErrOrderCutoff, stamp.Timestamp.Dec(), cutoff.Dec())
	}
	if stamp.TTL.IsZero() {
		return fmt.Errorf("%w: ttl is zero", ErrInvalidOrder)
	}
	if _, overflow := new(uint256.Int).AddOverflow(&stamp.Timestamp, &stamp.TTL); overflow {
		return fmt.Errorf("%w: timestamp + ttl overflows", ErrInvalidOrder)
	}
	expiry := umath.Add(stamp.Timestamp, stamp.TTL)
	if !expiry.Gt(&now) {
		return fmt.Errorf("%w: expired at %s", ErrOrderExpired, expiry.Dec())
	}
	if stamp.Salt.IsZero() {
		return fmt.Errorf("%w: salt is zero", ErrInvalidOrder)
	}
	if o.MarginSplitPercentage > MarginSplitPercentageBase {
		return fmt.Errorf("%w: margin split %d > %d", ErrInvalidOrder, o.MarginSplitPercentage, MarginSplitPercentageBase)
	}
	return nil
}
