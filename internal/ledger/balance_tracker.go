package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	umath "github.com/yuanfeiz/protocol/internal/math"
)

// BalanceTracker maintains in-memory token balances.
//
// Holder balances grow on debit and shrink on credit. An external account
// runs the other way: crediting it issues supply into the ledger, debiting
// it retires supply. At every point the holders of a token sum to its
// external balance.
type BalanceTracker struct {
	balances map[AccountKey]uint256.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]uint256.Int),
	}
}

// ApplyJournal applies a single journal entry to balances.
// It panics with *math.OverflowError when an account cannot cover it; use
// CheckJournal first.
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] = bt.debited(j.DebitAccount, j.Amount)
	bt.balances[j.CreditAccount] = bt.credited(j.CreditAccount, j.Amount)
}

// CheckJournal reports whether j can be applied to the current balances.
func (bt *BalanceTracker) CheckJournal(j Journal) error {
	if j.CreditAccount.IsExternal() {
		return nil
	}
	have := bt.balances[j.CreditAccount]
	if have.Lt(&j.Amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, j.CreditAccount.AccountPath(), have.Dec(), j.Amount.Dec())
	}
	return nil
}

// ApplyBatch applies all journals in a batch, or none of them.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	// dry run on a copy of the touched accounts
	scratch := &BalanceTracker{balances: make(map[AccountKey]uint256.Int, 2*len(batch.Journals))}
	for _, j := range batch.Journals {
		scratch.balances[j.DebitAccount] = bt.balances[j.DebitAccount]
		scratch.balances[j.CreditAccount] = bt.balances[j.CreditAccount]
	}
	for i, j := range batch.Journals {
		if err := scratch.CheckJournal(j); err != nil {
			return fmt.Errorf("journal %d (%s): %w", i, j.JournalType, err)
		}
		scratch.ApplyJournal(j)
	}

	for k, v := range scratch.balances {
		bt.balances[k] = v
	}
	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) uint256.Int {
	return bt.balances[key]
}

// GetHolderBalance returns owner's balance of token
func (bt *BalanceTracker) GetHolderBalance(owner, token common.Address) uint256.Int {
	return bt.GetBalance(NewHolderAccountKey(owner, token))
}

// GetIssued returns the supply of token that has entered the ledger
func (bt *BalanceTracker) GetIssued(token common.Address) uint256.Int {
	return bt.GetBalance(NewExternalAccountKey(token))
}

// HolderTotals sums holder balances per token
func (bt *BalanceTracker) HolderTotals() map[common.Address]uint256.Int {
	totals := make(map[common.Address]uint256.Int)

	for key, balance := range bt.balances {
		if key.IsExternal() {
			continue
		}
		totals[key.Token] = umath.Add(totals[key.Token], balance)
	}

	return totals
}

// Tokens lists every token with an issuance account
func (bt *BalanceTracker) Tokens() []common.Address {
	var out []common.Address
	for key := range bt.balances {
		if key.IsExternal() {
			out = append(out, key.Token)
		}
	}
	return out
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]uint256.Int {
	snapshot := make(map[AccountKey]uint256.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

func (bt *BalanceTracker) debited(k AccountKey, amount uint256.Int) uint256.Int {
	if k.IsExternal() {
		return umath.Sub(bt.balances[k], amount)
	}
	return umath.Add(bt.balances[k], amount)
}

func (bt *BalanceTracker) credited(k AccountKey, amount uint256.Int) uint256.Int {
	if k.IsExternal() {
		return umath.Add(bt.balances[k], amount)
	}
	return umath.Sub(bt.balances[k], amount)
}
