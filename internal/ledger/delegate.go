// Package ledger is the double-entry token ledger behind the transfer
// delegate. Every balance change is a journal inside a batch, batches apply
// atomically, and per token the holder balances always sum to the issued
// supply.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	umath "github.com/yuanfeiz/protocol/internal/math"
	"github.com/yuanfeiz/protocol/internal/ring"
)

var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrUnknownBatch          = errors.New("batch not reversible")
	ErrConservation          = errors.New("token conservation violated")
)

var _ ring.TransferDelegate = (*TokenLedger)(nil)

// reversibleWindow bounds how many recent batches Reverse can undo.
const reversibleWindow = 256

// BatchSink receives every batch the ledger applies, in apply order.
type BatchSink interface {
	OnBatch(batch *Batch)
}

// TokenLedger holds balances and the allowances owners granted the
// exchange. It implements ring.TransferDelegate.
type TokenLedger struct {
	mu         sync.Mutex
	tracker    *BalanceTracker
	validator  *InvariantValidator
	generator  *JournalGenerator
	allowances map[AccountKey]uint256.Int

	// recent batches that Reverse may undo, oldest first
	recent   []uuid.UUID
	batches  map[uuid.UUID]*appliedBatch
	sink     BatchSink
	checkSum bool
}

type appliedBatch struct {
	batch *Batch
	// allowance consumed per paying account
	spent map[AccountKey]uint256.Int
}

// Option configures a TokenLedger.
type Option func(*TokenLedger)

// WithClock sets the clock stamped on journals.
func WithClock(now func() time.Time) Option {
	return func(l *TokenLedger) {
		l.generator = NewJournalGenerator(func() int64 { return now().UnixMicro() })
	}
}

// WithBatchSink forwards applied batches to sink.
func WithBatchSink(sink BatchSink) Option {
	return func(l *TokenLedger) { l.sink = sink }
}

// WithInvariantCheck validates token conservation after every batch.
func WithInvariantCheck() Option {
	return func(l *TokenLedger) { l.checkSum = true }
}

func NewTokenLedger(opts ...Option) *TokenLedger {
	tracker := NewBalanceTracker()
	l := &TokenLedger{
		tracker:    tracker,
		validator:  NewInvariantValidator(tracker),
		generator:  NewJournalGenerator(func() int64 { return time.Now().UnixMicro() }),
		allowances: make(map[AccountKey]uint256.Int),
		batches:    make(map[uuid.UUID]*appliedBatch),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Mint issues amount of token to owner.
func (l *TokenLedger) Mint(owner, token common.Address, amount uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.generator.GenerateMint("mint:"+owner.Hex(), owner, token, amount)
	return l.applyLocked(b, false)
}

// Burn retires amount of owner's token.
func (l *TokenLedger) Burn(owner, token common.Address, amount uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.generator.GenerateBurn("burn:"+owner.Hex(), owner, token, amount)
	return l.applyLocked(b, false)
}

// Approve sets how much of token the exchange may move out of owner's
// balance.
func (l *TokenLedger) Approve(owner, token common.Address, amount uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowances[NewHolderAccountKey(owner, token)] = amount
}

// Balance returns owner's balance of token.
func (l *TokenLedger) Balance(token, owner common.Address) uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tracker.GetHolderBalance(owner, token)
}

// Allowance returns the remaining allowance owner granted for token.
func (l *TokenLedger) Allowance(token, owner common.Address) uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowances[NewHolderAccountKey(owner, token)]
}

// Spendable returns min(balance, allowance).
func (l *TokenLedger) Spendable(token, owner common.Address) (uint256.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := NewHolderAccountKey(owner, token)
	return umath.Min(l.tracker.GetBalance(key), l.allowances[key]), nil
}

// BatchTransfer executes a ring's settlement batch. Every leg is checked
// against balances and allowances before any is applied.
func (l *TokenLedger) BatchTransfer(ctx context.Context, lrcToken, feeRecipient common.Address, records []ring.TransferRecord) (ring.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return ring.Receipt{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.generator.GenerateRingSettlement("ring:"+feeRecipient.Hex(), lrcToken, feeRecipient, records)
	if len(b.Journals) == 0 {
		return ring.Receipt{BatchID: b.BatchID}, nil
	}
	if err := l.applyLocked(b, true); err != nil {
		return ring.Receipt{}, err
	}
	return ring.Receipt{BatchID: b.BatchID, Legs: len(b.Journals)}, nil
}

// Reverse undoes a batch returned by BatchTransfer, restoring both the
// balances and the allowances it consumed.
func (l *TokenLedger) Reverse(ctx context.Context, receipt ring.Receipt) error {
	if receipt.Legs == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	applied, ok := l.batches[receipt.BatchID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBatch, receipt.BatchID)
	}

	rev := l.generator.GenerateReversal(applied.batch)
	if err := l.tracker.ApplyBatch(rev); err != nil {
		return fmt.Errorf("reverse batch %s: %w", receipt.BatchID, err)
	}
	for key, amount := range applied.spent {
		l.allowances[key] = umath.Add(l.allowances[key], amount)
	}
	delete(l.batches, receipt.BatchID)
	l.emit(rev)
	return nil
}

// Snapshot returns a copy of all balances.
func (l *TokenLedger) Snapshot() map[AccountKey]uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tracker.Snapshot()
}

// ValidateInvariants checks token conservation across the whole ledger.
func (l *TokenLedger) ValidateInvariants() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.validator.ValidateGlobalBalance()
}

func (l *TokenLedger) applyLocked(b *Batch, spendAllowance bool) error {
	var spent map[AccountKey]uint256.Int
	if spendAllowance {
		var err error
		if spent, err = l.allowanceNeeds(b); err != nil {
			return err
		}
	}

	if err := l.tracker.ApplyBatch(b); err != nil {
		return err
	}
	for key, amount := range spent {
		l.allowances[key] = umath.Sub(l.allowances[key], amount)
	}
	if l.checkSum {
		if err := l.validator.ValidateGlobalBalance(); err != nil {
			return err
		}
	}

	if spendAllowance {
		l.remember(&appliedBatch{batch: b, spent: spent})
	}
	l.emit(b)
	return nil
}

// allowanceNeeds totals what the batch pulls from each paying account and
// checks it against the granted allowances.
func (l *TokenLedger) allowanceNeeds(b *Batch) (map[AccountKey]uint256.Int, error) {
	needs := make(map[AccountKey]uint256.Int)
	for _, j := range b.Journals {
		needs[j.CreditAccount] = umath.Add(needs[j.CreditAccount], j.Amount)
	}
	for key, need := range needs {
		need := need
		granted := l.allowances[key]
		if granted.Lt(&need) {
			return nil, fmt.Errorf("%w: %s granted %s, needs %s", ErrInsufficientAllowance, key.AccountPath(), granted.Dec(), need.Dec())
		}
	}
	return needs, nil
}

func (l *TokenLedger) remember(a *appliedBatch) {
	l.batches[a.batch.BatchID] = a
	l.recent = append(l.recent, a.batch.BatchID)
	if len(l.recent) > reversibleWindow {
		delete(l.batches, l.recent[0])
		l.recent = l.recent[1:]
	}
}

func (l *TokenLedger) emit(b *Batch) {
	if l.sink != nil {
		l.sink.OnBatch(b)
	}
}
