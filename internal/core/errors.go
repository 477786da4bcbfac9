package core

import (
	"errors"

	"github.com/yuanfeiz/protocol/internal/ledger"
	"github.com/yuanfeiz/protocol/internal/order"
	"github.com/yuanfeiz/protocol/internal/ring"
	"github.com/yuanfeiz/protocol/internal/store"
)

var (
	ErrReentrancy          = errors.New("ring submission already in progress")
	ErrArithmeticOverflow  = errors.New("arithmetic overflow")
	ErrNotOwner            = errors.New("caller is not the order owner")
	ErrStaleAuthorization  = errors.New("call authorization outside its validity window")
	ErrAuthorizationUsed   = errors.New("call authorization already used")
	ErrInvalidCancel       = errors.New("cancel amount is zero")
	ErrCutoffNotIncreasing = errors.New("cutoff must increase")
	ErrDuplicateRequest    = errors.New("duplicate request")
	ErrUnknownRequest      = errors.New("unknown request kind")
)

// reasons maps rejection causes to stable metric and API labels. Checked
// in order; the first match wins.
var reasons = []struct {
	err   error
	label string
}{
	{ErrReentrancy, "reentrancy"},
	{ErrArithmeticOverflow, "overflow"},
	{ErrNotOwner, "not_owner"},
	{ErrStaleAuthorization, "stale_authorization"},
	{ErrAuthorizationUsed, "authorization_used"},
	{ErrInvalidCancel, "invalid_cancel"},
	{ErrCutoffNotIncreasing, "cutoff_not_increasing"},
	{ErrDuplicateRequest, "duplicate"},
	{ring.ErrInputShape, "input_shape"},
	{ring.ErrRingSize, "ring_size"},
	{ring.ErrUnknownToken, "unknown_token"},
	{ring.ErrRinghashClaimed, "ringhash_claimed"},
	{ring.ErrSubRing, "sub_ring"},
	{ring.ErrInvalidRate, "invalid_rate"},
	{ring.ErrUnevenDiscount, "uneven_discount"},
	{ring.ErrInsufficientBalance, "insufficient_balance"},
	{ring.ErrOrderFullyConsumed, "fully_consumed"},
	{ring.ErrUnsupportedFeeSelection, "fee_selection"},
	{order.ErrInvalidSignature, "invalid_signature"},
	{order.ErrOrderExpired, "expired"},
	{order.ErrOrderCutoff, "cutoff"},
	{order.ErrInvalidOrder, "invalid_order"},
	{ledger.ErrInsufficientFunds, "transfer_failed"},
	{ledger.ErrInsufficientAllowance, "transfer_failed"},
	{store.ErrVersionConflict, "state_conflict"},
}

// Reason returns a short label for err, "internal" when unrecognised.
func Reason(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.label
		}
	}
	return "internal"
}
