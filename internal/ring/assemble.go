package ring

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/yuanfeiz/protocol/internal/order"
)

// Assembler turns a submission into order states, authenticating and
// validating each order on the way.
type Assembler struct {
	Engine  common.Address // address bound into every order hash
	History History
	Balance SpendableSource
}

// Assemble builds the ring's order states. now is the validation clock in
// unix seconds. It fails at the first order that does not verify.
func (a *Assembler) Assemble(sub *Submission, now uint256.Int) ([]*OrderState, error) {
	n := sub.Size()
	states := make([]*OrderState, n)

	for i := 0; i < n; i++ {
		j := next(i, n)
		args := sub.UintArgs[i]

		o := order.Order{
			Owner:                 sub.Addresses[i][AddrOwner],
			TokenS:                sub.Addresses[i][AddrTokenS],
			TokenB:                sub.Addresses[j][AddrTokenS],
			AmountS:               args[ArgAmountS],
			AmountB:               args[ArgAmountB],
			LrcFee:                args[ArgLrcFee],
			BuyNoMoreThanAmountB:  sub.BuyNoMoreThanAmountB[i],
			MarginSplitPercentage: sub.Uint8Args[i][ArgMarginSplitPercentage],
		}
		stamp := order.Stamp{
			Timestamp: args[ArgTimestamp],
			TTL:       args[ArgTTL],
			Salt:      args[ArgSalt],
		}

		hash := order.Hash(a.Engine, &o, stamp)
		if err := order.VerifySignature(o.Owner, hash, sub.Signatures[i]); err != nil {
			return nil, fmt.Errorf("order %d: %w", i, err)
		}

		cutoff, err := a.History.Cutoff(o.Owner)
		if err != nil {
			return nil, fmt.Errorf("order %d: read cutoff: %w", i, err)
		}
		if err := order.Validate(&o, stamp, now, cutoff); err != nil {
			return nil, fmt.Errorf("order %d (%s): %w", i, hash.Hex(), err)
		}

		selection := order.FeeSelection(sub.Uint8Args[i][ArgFeeSelection])
		if !selection.Valid() {
			return nil, fmt.Errorf("order %d: %w: %d", i, ErrUnsupportedFeeSelection, uint8(selection))
		}

		available, err := a.Balance.Spendable(o.TokenS, o.Owner)
		if err != nil {
			return nil, fmt.Errorf("order %d: read spendable: %w", i, err)
		}
		if available.IsZero() {
			return nil, fmt.Errorf("order %d (%s): %w", i, hash.Hex(), ErrInsufficientBalance)
		}

		states[i] = &OrderState{
			Order:            o,
			OrderHash:        hash,
			FeeSelection:     selection,
			Rate:             Rate{AmountS: args[ArgRateAmountS], AmountB: o.AmountB},
			AvailableAmountS: available,
		}
	}

	return states, nil
}
