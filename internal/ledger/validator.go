package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies the batch is well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGlobalBalance verifies that, per token, holder balances sum to
// the issued supply: transfers neither create nor destroy tokens.
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.HolderTotals()

	for token, held := range totals {
		held := held
		issued := v.tracker.GetIssued(token)
		if held.Cmp(&issued) != 0 {
			return fmt.Errorf("%w: %s held %s, issued %s", ErrConservation, token.Hex(), held.Dec(), issued.Dec())
		}
	}
	for _, token := range v.tracker.Tokens() {
		if _, ok := totals[token]; ok {
			continue
		}
		issued := v.tracker.GetIssued(token)
		if !issued.IsZero() {
			return fmt.Errorf("%w: %s held 0, issued %s", ErrConservation, token.Hex(), issued.Dec())
		}
	}

	return nil
}
