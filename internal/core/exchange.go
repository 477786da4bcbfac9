// Package core is the settlement engine's entry point. Exchange validates
// and settles rings, records cancellations and cutoffs, and emits the
// resulting notifications as a hash-chained log.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/yuanfeiz/protocol/internal/event"
	umath "github.com/yuanfeiz/protocol/internal/math"
	"github.com/yuanfeiz/protocol/internal/observability"
	"github.com/yuanfeiz/protocol/internal/order"
	"github.com/yuanfeiz/protocol/internal/ring"
	"github.com/yuanfeiz/protocol/internal/store"
)

// enteredBit marks a submission in progress on the ring counter.
const enteredBit = uint64(1) << 63

// Config is the engine's fixed parameters.
type Config struct {
	// Address orders are bound to through their hash.
	Engine common.Address
	// Fee token.
	LrcToken    common.Address
	MaxRingSize int
	// Upper bound on CV² of the per-order discount ratios.
	RateRatioCVSThreshold uint256.Int
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	if c.Engine == (common.Address{}) {
		return errors.New("engine address is zero")
	}
	if c.LrcToken == (common.Address{}) {
		return errors.New("lrc token address is zero")
	}
	if c.MaxRingSize < 2 {
		return fmt.Errorf("max ring size %d < 2", c.MaxRingSize)
	}
	return nil
}

// Dependencies are the collaborators an Exchange settles against.
type Dependencies struct {
	State      *store.State
	Tokens     ring.TokenRegistry
	Ringhashes ring.RinghashRegistry
	Delegate   ring.TransferDelegate
}

// Output is one notification handed to the downstream workers, tagged
// with the request that caused it when there was one.
type Output struct {
	Envelope    *event.EventEnvelope
	RequestKind string
	RequestID   string
}

// Option configures an Exchange.
type Option func(*Exchange)

// WithClock sets the clock orders and cutoffs are checked against.
func WithClock(now func() time.Time) Option {
	return func(x *Exchange) { x.now = now }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(x *Exchange) { x.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(x *Exchange) { x.log = l }
}

// WithOutputs sets the notification channels. Sends on persist block;
// sends on publish drop when the channel is full. Either may be nil.
func WithOutputs(persist, publish chan<- Output) Option {
	return func(x *Exchange) {
		x.persistChan = persist
		x.publishChan = publish
	}
}

// WithIdempotency sets the request deduplicator used by Process.
func WithIdempotency(ic *IdempotencyChecker) Option {
	return func(x *Exchange) { x.idempotency = ic }
}

// WithChainTip resumes the notification log after sequence-1 with tip as
// the previous hash.
func WithChainTip(sequence int64, tip [32]byte) Option {
	return func(x *Exchange) {
		x.sequence = sequence
		x.hasher = ResumeStateHasher(tip)
	}
}

// Exchange settles rings. SubmitRing admits one caller at a time; a
// concurrent or nested call fails with ErrReentrancy.
type Exchange struct {
	cfg        Config
	state      *store.State
	tokens     ring.TokenRegistry
	ringhashes ring.RinghashRegistry
	delegate   ring.TransferDelegate

	assembler *ring.Assembler
	fees      *ring.FeeAllocator

	// ring index with enteredBit set while a submission runs
	counter atomic.Uint64

	emitMu   sync.Mutex
	sequence int64
	hasher   *StateHasher

	now         func() time.Time
	idempotency *IdempotencyChecker
	metrics     *observability.Metrics
	log         zerolog.Logger

	persistChan chan<- Output
	publishChan chan<- Output
}

func NewExchange(cfg Config, deps Dependencies, opts ...Option) (*Exchange, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("exchange config: %w", err)
	}
	if deps.State == nil || deps.Tokens == nil || deps.Ringhashes == nil || deps.Delegate == nil {
		return nil, errors.New("exchange: missing dependency")
	}

	x := &Exchange{
		cfg:        cfg,
		state:      deps.State,
		tokens:     deps.Tokens,
		ringhashes: deps.Ringhashes,
		delegate:   deps.Delegate,
		assembler: &ring.Assembler{
			Engine:  cfg.Engine,
			History: deps.State,
			Balance: deps.Delegate,
		},
		fees: &ring.FeeAllocator{
			LrcToken: cfg.LrcToken,
			Balance:  deps.Delegate,
		},
		hasher: NewStateHasher(),
		now:    time.Now,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(x)
	}

	idx, err := deps.State.RingIndex()
	if err != nil {
		return nil, fmt.Errorf("load ring index: %w", err)
	}
	if idx&enteredBit != 0 {
		return nil, fmt.Errorf("stored ring index %d has the entered bit set", idx)
	}
	x.counter.Store(idx)
	if x.metrics != nil {
		x.metrics.RingIndex.Set(float64(idx))
	}
	return x, nil
}

// SubmitRing validates sub and settles it atomically: either every
// transfer, fill increment and the ring counter bump happen, or none do.
func (x *Exchange) SubmitRing(ctx context.Context, sub *ring.Submission) (res *ring.Result, err error) {
	start := time.Now()
	defer func() {
		if err != nil {
			x.rejectRing(err)
		}
	}()
	defer recoverOverflow(&err)

	idx, err := x.enter()
	if err != nil {
		return nil, err
	}
	next := idx
	defer func() { x.counter.Store(next) }()

	res, err = x.settle(ctx, sub, idx)
	if err != nil {
		return nil, err
	}
	next = idx + 1

	if x.metrics != nil {
		x.metrics.RingsSettled.Inc()
		x.metrics.RingSettleDur.Observe(time.Since(start).Seconds())
		x.metrics.RingSize.Observe(float64(len(res.Orders)))
		x.metrics.OrdersFilled.Add(float64(len(res.Orders)))
		x.metrics.TransferLegs.Add(float64(res.Receipt.Legs))
		x.metrics.RingIndex.Set(float64(next))
	}
	x.log.Info().
		Uint64("ring_index", idx).
		Str("ring_hash", res.RingHash.Hex()).
		Str("miner", res.Miner.Hex()).
		Int("orders", len(res.Orders)).
		Int("legs", res.Receipt.Legs).
		Msg("ring settled")
	return res, nil
}

func (x *Exchange) settle(ctx context.Context, sub *ring.Submission, idx uint64) (*ring.Result, error) {
	now := x.now()
	nowSecs := umath.New(uint64(now.Unix()))

	// Step 1: shape and size
	if err := sub.VerifyShape(); err != nil {
		return nil, err
	}
	n := sub.Size()
	if err := ring.VerifyRingSize(n, x.cfg.MaxRingSize); err != nil {
		return nil, err
	}

	// Step 2: every sell token must be registered
	if !x.tokens.AreAllTokensRegistered(sub.TokensS()) {
		return nil, ring.ErrUnknownToken
	}

	// Step 3: ring hash and reservation
	hash, canSubmit, reserved, err := x.ringhashes.ComputeAndGetRinghashInfo(n, sub.Miner, sub.Signatures)
	if err != nil {
		return nil, fmt.Errorf("ring hash: %w", err)
	}
	if !canSubmit {
		return nil, fmt.Errorf("%w: %s", ring.ErrRinghashClaimed, hash.Hex())
	}

	// Step 4: the miner signed the ring hash
	if err := order.VerifySignature(sub.Miner, hash, sub.RingSignature()); err != nil {
		return nil, fmt.Errorf("ring signature: %w", err)
	}

	// Every state read from here on is covered by the write set's base
	// version.
	ws, err := x.state.Begin()
	if err != nil {
		return nil, fmt.Errorf("open write set: %w", err)
	}

	// Step 5: orders
	states, err := x.assembler.Assemble(sub, nowSecs)
	if err != nil {
		return nil, err
	}

	// Step 6: ring-level checks
	if err := ring.VerifyNoSubRing(states); err != nil {
		return nil, err
	}
	if err := ring.VerifyRates(states, x.cfg.RateRatioCVSThreshold); err != nil {
		return nil, err
	}

	// Step 7: fills and fees
	if err := ring.ScaleByHistory(states, ws); err != nil {
		return nil, err
	}
	states, _ = ring.PropagateFills(states)

	feeRecipient := sub.EffectiveFeeRecipient()
	if err := x.fees.Allocate(states, feeRecipient); err != nil {
		return nil, err
	}

	r := &ring.Ring{Hash: hash, Orders: states}
	st := ring.BuildSettlement(r, idx)

	// Step 8: stage state changes
	for _, f := range st.Fills {
		if _, err := ws.AddFilled(f.OrderHash, f.Amount); err != nil {
			return nil, fmt.Errorf("stage fill %s: %w", f.OrderHash.Hex(), err)
		}
	}
	ws.SetRingIndex(idx + 1)

	// Step 9: transfers, then state
	receipt, err := x.delegate.BatchTransfer(ctx, x.cfg.LrcToken, feeRecipient, st.Transfers)
	if err != nil {
		return nil, fmt.Errorf("transfer batch: %w", err)
	}
	if err := ws.Commit(); err != nil {
		return nil, x.compensate(ctx, receipt, err)
	}

	// Step 10: notifications
	events := make([]event.Event, 0, n+1)
	for _, f := range st.OrderFilled {
		events = append(events, f)
	}
	events = append(events, &event.RingMined{
		RingIndex:          idx,
		RingHash:           hash,
		Miner:              sub.Miner,
		FeeRecipient:       feeRecipient,
		IsRinghashReserved: reserved,
	})
	x.emit(ctx, idx, now, events)

	return &ring.Result{
		RingIndex:          idx,
		RingHash:           hash,
		Miner:              sub.Miner,
		FeeRecipient:       feeRecipient,
		IsRinghashReserved: reserved,
		Orders:             states,
		Settlement:         st,
		Receipt:            receipt,
	}, nil
}

// compensate reverses an executed transfer batch whose state commit
// failed.
func (x *Exchange) compensate(ctx context.Context, receipt ring.Receipt, commitErr error) error {
	err := fmt.Errorf("commit settlement: %w", commitErr)
	if rerr := x.delegate.Reverse(ctx, receipt); rerr != nil {
		x.log.Error().
			Err(rerr).
			Str("batch_id", receipt.BatchID.String()).
			Msg("transfer reversal failed; ledger and state diverged")
		if x.metrics != nil {
			x.metrics.Compensations.WithLabelValues("failed").Inc()
		}
		return errors.Join(err, fmt.Errorf("reverse transfer batch %s: %w", receipt.BatchID, rerr))
	}
	x.log.Warn().
		Err(commitErr).
		Str("batch_id", receipt.BatchID.String()).
		Msg("state commit failed; transfer batch reversed")
	if x.metrics != nil {
		x.metrics.Compensations.WithLabelValues("reversed").Inc()
	}
	return err
}

func (x *Exchange) enter() (uint64, error) {
	cur := x.counter.Load()
	if cur&enteredBit != 0 || !x.counter.CompareAndSwap(cur, cur|enteredBit) {
		return 0, ErrReentrancy
	}
	return cur, nil
}

func (x *Exchange) rejectRing(err error) {
	if errors.Is(err, ErrReentrancy) {
		x.log.Warn().Msg("ring submission rejected: already in progress")
	}
	reason := Reason(err)
	if x.metrics != nil {
		x.metrics.RingsRejected.WithLabelValues(reason).Inc()
	}
	x.log.Debug().Err(err).Str("reason", reason).Msg("ring rejected")
}

// recoverOverflow turns an overflow panic from internal/math into
// ErrArithmeticOverflow. Any other panic propagates.
func recoverOverflow(err *error) {
	r := recover()
	if r == nil {
		return
	}
	oe, ok := r.(*umath.OverflowError)
	if !ok {
		panic(r)
	}
	*err = fmt.Errorf("%w: %v", ErrArithmeticOverflow, oe)
}

// --- Queries ---

// Filled returns the cumulative filled-or-cancelled amount of an order.
func (x *Exchange) Filled(hash common.Hash) (uint256.Int, error) {
	return x.state.Filled(hash)
}

// Cutoff returns the owner's cutoff timestamp.
func (x *Exchange) Cutoff(owner common.Address) (uint256.Int, error) {
	return x.state.Cutoff(owner)
}

// RingIndex returns the number of rings settled so far.
func (x *Exchange) RingIndex() uint64 {
	return x.counter.Load() &^ enteredBit
}

// Sequence returns the next notification sequence and the chain tip.
func (x *Exchange) Sequence() (int64, [32]byte) {
	x.emitMu.Lock()
	defer x.emitMu.Unlock()
	return x.sequence, x.hasher.GetPrevHash()
}
