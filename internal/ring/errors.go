package ring

import "errors"

// Rejections raised by the settlement pipeline. Order-level rejections
// (invalid order, expired, cut off, bad signature) live in package order.
var (
	ErrInputShape              = errors.New("malformed ring input")
	ErrRingSize                = errors.New("invalid ring size")
	ErrUnknownToken            = errors.New("token not registered")
	ErrRinghashClaimed         = errors.New("ring hash claimed by another miner")
	ErrSubRing                 = errors.New("ring contains a sub-ring")
	ErrInvalidRate             = errors.New("miner supplied rate gives invalid discount")
	ErrUnevenDiscount          = errors.New("miner supplied rates are not evenly discounted")
	ErrInsufficientBalance     = errors.New("order has no spendable balance")
	ErrOrderFullyConsumed      = errors.New("order fully filled or cancelled")
	ErrUnsupportedFeeSelection = errors.New("unsupported fee selection")
)
