package core_test

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/yuanfeiz/protocol/internal/core"
	"github.com/yuanfeiz/protocol/internal/event"
	"github.com/yuanfeiz/protocol/internal/ledger"
	umath "github.com/yuanfeiz/protocol/internal/math"
	"github.com/yuanfeiz/protocol/internal/order"
	"github.com/yuanfeiz/protocol/internal/registry"
	"github.com/yuanfeiz/protocol/internal/ring"
	"github.com/yuanfeiz/protocol/internal/store"
	"github.com/yuanfeiz/protocol/internal/testutil"
)

// --- Test helpers ---

var errCommit = errors.New("disk full")

// failingKV fails Write while fail is set.
type failingKV struct {
	store.KV
	fail bool
}

func (f *failingKV) Write(ws *store.WriteSet) error {
	if f.fail {
		return errCommit
	}
	return f.KV.Write(ws)
}

// failingDelegate rejects every transfer batch.
type failingDelegate struct {
	*ledger.TokenLedger
}

func (failingDelegate) BatchTransfer(ctx context.Context, lrc, feeRecipient common.Address, batch []ring.TransferRecord) (ring.Receipt, error) {
	return ring.Receipt{}, ledger.ErrInsufficientFunds
}

// reentrantDelegate submits a ring from inside the transfer callback.
type reentrantDelegate struct {
	*ledger.TokenLedger
	ex       *core.Exchange
	sub      *ring.Submission
	innerErr error
}

func (d *reentrantDelegate) BatchTransfer(ctx context.Context, lrc, feeRecipient common.Address, batch []ring.TransferRecord) (ring.Receipt, error) {
	_, d.innerErr = d.ex.SubmitRing(ctx, d.sub)
	return d.TokenLedger.BatchTransfer(ctx, lrc, feeRecipient, batch)
}

// racingDelegate commits a fill for order when the fee recipient's LRC is
// first queried, as a second writer would midway through settlement.
type racingDelegate struct {
	*ledger.TokenLedger
	state   *store.State
	order   common.Hash
	trigger common.Address
	done    bool
}

func (d *racingDelegate) Spendable(token, owner common.Address) (uint256.Int, error) {
	if !d.done && token == testutil.LRC && owner == d.trigger {
		d.done = true
		ws, err := d.state.Begin()
		if err == nil {
			if _, err = ws.AddFilled(d.order, umath.New(60)); err == nil {
				err = ws.Commit()
			}
		}
		if err != nil {
			return umath.Zero, err
		}
	}
	return d.TokenLedger.Spendable(token, owner)
}

type harness struct {
	ex      *core.Exchange
	ledger  *ledger.TokenLedger
	kv      *failingKV
	state   *store.State
	tokens  *registry.TokenRegistry
	hashes  *registry.RinghashRegistry
	persist chan core.Output
	keys    [3]*ecdsa.PrivateKey
	owners  [3]common.Address
	miner   *ecdsa.PrivateKey
	spec    testutil.RingSpec
}

var sellTokens = [3]common.Address{testutil.TokenA, testutil.TokenB, testutil.TokenC}

func clock() time.Time {
	return time.Unix(int64(testutil.Now), 0)
}

// newHarness funds alice, bob and carol with 1000 of their sell token and
// 1000 LRC, and prepares a one-for-one ring A -> B -> C of 100 each.
func newHarness(t *testing.T, delegate func(l *ledger.TokenLedger) ring.TransferDelegate) *harness {
	t.Helper()

	h := &harness{
		ledger:  ledger.NewTokenLedger(ledger.WithClock(clock), ledger.WithInvariantCheck()),
		kv:      &failingKV{KV: store.NewMemStore()},
		persist: make(chan core.Output, 64),
		miner:   testutil.Key(t, "miner"),
	}
	h.state = store.NewState(h.kv)

	tokens, err := registry.NewTokenRegistry(
		registry.Token{Address: testutil.TokenA, Symbol: "AAA"},
		registry.Token{Address: testutil.TokenB, Symbol: "BBB"},
		registry.Token{Address: testutil.TokenC, Symbol: "CCC"},
		registry.Token{Address: testutil.LRC, Symbol: "LRC"},
	)
	if err != nil {
		t.Fatalf("token registry: %v", err)
	}
	h.tokens = tokens
	h.hashes = registry.NewRinghashRegistry(registry.DefaultRinghashTTL, clock)

	names := [3]string{"alice", "bob", "carol"}
	specs := make([]testutil.OrderSpec, 3)
	for i := range names {
		h.keys[i] = testutil.Key(t, names[i])
		h.owners[i] = testutil.Addr(h.keys[i])
		h.fund(t, h.owners[i], sellTokens[i], 1000)
		h.fund(t, h.owners[i], testutil.LRC, 1000)
		specs[i] = testutil.OrderSpec{
			Owner:        h.keys[i],
			TokenS:       sellTokens[i],
			AmountS:      100,
			AmountB:      100,
			LrcFee:       10,
			FeeSelection: order.FeeSelectLRC,
		}
	}
	h.fund(t, testutil.Addr(h.miner), testutil.LRC, 1000)
	h.spec = testutil.RingSpec{Miner: h.miner, Orders: specs}

	var d ring.TransferDelegate = h.ledger
	if delegate != nil {
		d = delegate(h.ledger)
	}

	ex, err := core.NewExchange(
		core.Config{
			Engine:                testutil.Engine,
			LrcToken:              testutil.LRC,
			MaxRingSize:           5,
			RateRatioCVSThreshold: umath.New(62500),
		},
		core.Dependencies{State: h.state, Tokens: h.tokens, Ringhashes: h.hashes, Delegate: d},
		core.WithClock(clock),
		core.WithOutputs(h.persist, nil),
		core.WithIdempotency(core.NewIdempotencyChecker(16, nil, nil)),
	)
	if err != nil {
		t.Fatalf("new exchange: %v", err)
	}
	h.ex = ex
	return h
}

func (h *harness) fund(t *testing.T, owner, token common.Address, amount uint64) {
	t.Helper()
	if err := h.ledger.Mint(owner, token, umath.New(amount)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	h.ledger.Approve(owner, token, umath.New(amount))
}

func (h *harness) submission(t *testing.T) *ring.Submission {
	t.Helper()
	return testutil.BuildSubmission(t, h.spec)
}

// cancel builds a cancel request for order i signed by its owner.
func (h *harness) cancel(t *testing.T, i int, amount uint64) core.CancelRequest {
	t.Helper()
	o, stamp := testutil.OrderTerms(h.spec, i)
	sig, err := order.Sign(h.keys[i], order.Hash(testutil.Engine, &o, stamp))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return core.CancelRequest{Order: o, Stamp: stamp, Signature: sig, Amount: umath.New(amount)}
}

// auth signs digest with key, issued at the harness clock.
func auth(t *testing.T, key *ecdsa.PrivateKey, digest func(issuedAt uint256.Int) common.Hash) core.CallAuth {
	t.Helper()
	issuedAt := umath.New(testutil.Now)
	sig, err := order.Sign(key, digest(issuedAt))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return core.CallAuth{IssuedAt: issuedAt, Signature: sig}
}

// cancelRequest wraps c as a transport request authorized by key.
func (h *harness) cancelRequest(t *testing.T, id string, key *ecdsa.PrivateKey, c core.CancelRequest) *core.CancelOrderRequest {
	t.Helper()
	hash := order.Hash(testutil.Engine, &c.Order, c.Stamp)
	return &core.CancelOrderRequest{
		RequestID: id,
		Cancel:    c,
		Auth: auth(t, key, func(issuedAt uint256.Int) common.Hash {
			return order.CancelDigest(testutil.Engine, hash, c.Amount, issuedAt)
		}),
	}
}

// cutoffRequest raises owner's cutoff, authorized by key.
func cutoffRequest(t *testing.T, id string, key *ecdsa.PrivateKey, owner common.Address, cutoff uint64) *core.SetCutoffRequest {
	t.Helper()
	v := umath.New(cutoff)
	return &core.SetCutoffRequest{
		RequestID: id,
		Owner:     owner,
		Cutoff:    v,
		Auth: auth(t, key, func(issuedAt uint256.Int) common.Hash {
			return order.CutoffDigest(testutil.Engine, owner, v, issuedAt)
		}),
	}
}

func (h *harness) orderHash(i int) common.Hash {
	o, stamp := testutil.OrderTerms(h.spec, i)
	return order.Hash(testutil.Engine, &o, stamp)
}

func drainOutputs(ch chan core.Output) []core.Output {
	var outputs []core.Output
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

func assertBalance(t *testing.T, l *ledger.TokenLedger, token, owner common.Address, want uint64) {
	t.Helper()
	got := l.Balance(token, owner)
	if got.Uint64() != want || !got.IsUint64() {
		t.Errorf("balance of %s in %s: got %s, want %d", owner.Hex(), token.Hex(), got.Dec(), want)
	}
}

func assertFilled(t *testing.T, h *harness, i int, want uint64) {
	t.Helper()
	got, err := h.ex.Filled(h.orderHash(i))
	if err != nil {
		t.Fatalf("filled: %v", err)
	}
	if got.Uint64() != want {
		t.Errorf("filled[%d]: got %s, want %d", i, got.Dec(), want)
	}
}

// ============================================================================
// Test: SubmitRing settlement
// ============================================================================

func TestSubmitRing_SettlesAndConservesValue(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	before := h.ledger.Snapshot()

	res, err := h.ex.SubmitRing(ctx, h.submission(t))
	if err != nil {
		t.Fatalf("submit ring: %v", err)
	}
	if res.RingIndex != 0 {
		t.Errorf("ring index: got %d, want 0", res.RingIndex)
	}
	if h.ex.RingIndex() != 1 {
		t.Errorf("next ring index: got %d, want 1", h.ex.RingIndex())
	}
	if res.FeeRecipient != testutil.Addr(h.miner) {
		t.Errorf("fee recipient: got %s, want miner", res.FeeRecipient.Hex())
	}

	// each owner sold 100 of its token and bought 100 of the next one
	for i, owner := range h.owners {
		assertBalance(t, h.ledger, sellTokens[i], owner, 900)
		assertBalance(t, h.ledger, sellTokens[(i+1)%3], owner, 100)
		assertBalance(t, h.ledger, testutil.LRC, owner, 990)
		assertFilled(t, h, i, 100)
	}
	assertBalance(t, h.ledger, testutil.LRC, testutil.Addr(h.miner), 1030)

	if err := h.ledger.ValidateInvariants(); err != nil {
		t.Errorf("invariants: %v", err)
	}

	// per-token supply is unchanged
	totals := func(snap map[ledger.AccountKey]uint256.Int) map[common.Address]uint64 {
		out := make(map[common.Address]uint64)
		for k, v := range snap {
			v := v
			if !k.IsExternal() {
				out[k.Token] += v.Uint64()
			}
		}
		return out
	}
	was, now := totals(before), totals(h.ledger.Snapshot())
	for token, amount := range was {
		if now[token] != amount {
			t.Errorf("supply of %s: got %d, want %d", token.Hex(), now[token], amount)
		}
	}
}

func TestSubmitRing_EmitsChainedNotifications(t *testing.T) {
	h := newHarness(t, nil)

	res, err := h.ex.SubmitRing(context.Background(), h.submission(t))
	if err != nil {
		t.Fatalf("submit ring: %v", err)
	}

	outputs := drainOutputs(h.persist)
	if len(outputs) != 4 {
		t.Fatalf("notifications: got %d, want 4", len(outputs))
	}

	wantTypes := []event.EventType{
		event.EventTypeOrderFilled, event.EventTypeOrderFilled,
		event.EventTypeOrderFilled, event.EventTypeRingMined,
	}
	genesis := core.NewStateHasher().GetPrevHash()
	prev := genesis
	for i, out := range outputs {
		env := out.Envelope
		if env.Sequence != int64(i) {
			t.Errorf("envelope %d: sequence %d", i, env.Sequence)
		}
		if env.EventType != wantTypes[i] {
			t.Errorf("envelope %d: type %s, want %s", i, env.EventType, wantTypes[i])
		}
		if env.PrevHash != prev {
			t.Errorf("envelope %d: prev hash does not link to previous state hash", i)
		}
		if env.StateHash == env.PrevHash {
			t.Errorf("envelope %d: state hash equals prev hash", i)
		}
		if !env.Timestamp.Equal(clock()) {
			t.Errorf("envelope %d: timestamp %v", i, env.Timestamp)
		}
		prev = env.StateHash
	}

	mined := outputs[3].Envelope.Payload.(*event.RingMined)
	if mined.RingHash != res.RingHash || mined.Miner != res.Miner {
		t.Error("RingMined does not describe the settled ring")
	}
	filled := outputs[0].Envelope.Payload.(*event.OrderFilled)
	if filled.OrderHash != h.orderHash(0) {
		t.Error("first OrderFilled is not for order 0")
	}
	if filled.AmountS.Uint64() != 100 || filled.AmountB.Uint64() != 100 || filled.LrcFee.Uint64() != 10 {
		t.Errorf("OrderFilled amounts: %s %s %s", filled.AmountS.Dec(), filled.AmountB.Dec(), filled.LrcFee.Dec())
	}

	seq, tip := h.ex.Sequence()
	if seq != 4 || tip != prev {
		t.Errorf("chain tip: seq %d, tip matches %v", seq, tip == prev)
	}
}

func TestSubmitRing_SecondSubmissionIsFullyConsumed(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.ex.SubmitRing(ctx, h.submission(t)); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := h.ex.SubmitRing(ctx, h.submission(t))
	if !errors.Is(err, ring.ErrOrderFullyConsumed) {
		t.Fatalf("got %v, want ErrOrderFullyConsumed", err)
	}
	if h.ex.RingIndex() != 1 {
		t.Errorf("ring index: got %d, want 1", h.ex.RingIndex())
	}
}

func TestSubmitRing_PartialHistoryScalesFill(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.ex.CancelOrder(ctx, h.owners[1], h.cancel(t, 1, 40)); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := h.ex.SubmitRing(ctx, h.submission(t)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// bob's remaining 60 bounds the whole ring
	for i := range h.owners {
		assertBalance(t, h.ledger, sellTokens[i], h.owners[i], 940)
	}
	assertFilled(t, h, 1, 100)
	assertFilled(t, h, 0, 60)
}

// ============================================================================
// Test: SubmitRing rejections
// ============================================================================

func TestSubmitRing_UnknownToken(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.tokens.UnregisterToken(testutil.TokenC, "CCC"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	_, err := h.ex.SubmitRing(context.Background(), h.submission(t))
	if !errors.Is(err, ring.ErrUnknownToken) {
		t.Errorf("got %v, want ErrUnknownToken", err)
	}
}

func TestSubmitRing_RingSize(t *testing.T) {
	h := newHarness(t, nil)
	h.spec.Orders = h.spec.Orders[:1]
	_, err := h.ex.SubmitRing(context.Background(), h.submission(t))
	if !errors.Is(err, ring.ErrRingSize) {
		t.Errorf("got %v, want ErrRingSize", err)
	}
}

func TestSubmitRing_BadRingSignature(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.submission(t)

	hash, err := registry.RingHash(sub.Size(), sub.Signatures)
	if err != nil {
		t.Fatalf("ring hash: %v", err)
	}
	forged, err := order.Sign(testutil.Key(t, "mallory"), hash)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sub.Signatures[sub.Size()] = forged

	_, err = h.ex.SubmitRing(context.Background(), sub)
	if !errors.Is(err, order.ErrInvalidSignature) {
		t.Errorf("got %v, want ErrInvalidSignature", err)
	}
}

func TestSubmitRing_RinghashReservation(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.submission(t)
	hash, _ := registry.RingHash(sub.Size(), sub.Signatures)

	other := testutil.Addr(testutil.Key(t, "rival"))
	if err := h.hashes.SubmitRinghash(other, hash); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	_, err := h.ex.SubmitRing(context.Background(), sub)
	if !errors.Is(err, ring.ErrRinghashClaimed) {
		t.Fatalf("got %v, want ErrRinghashClaimed", err)
	}

	// the miner's own reservation is honoured and reported
	h2 := newHarness(t, nil)
	sub2 := h2.submission(t)
	hash2, _ := registry.RingHash(sub2.Size(), sub2.Signatures)
	if err := h2.hashes.SubmitRinghash(sub2.Miner, hash2); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	res, err := h2.ex.SubmitRing(context.Background(), sub2)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.IsRinghashReserved {
		t.Error("IsRinghashReserved: got false, want true")
	}
}

func TestSubmitRing_Cutoff(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.ex.SetCutoff(ctx, h.owners[2], umath.New(testutil.OrderTimestamp)); err != nil {
		t.Fatalf("set cutoff: %v", err)
	}
	_, err := h.ex.SubmitRing(ctx, h.submission(t))
	if !errors.Is(err, order.ErrOrderCutoff) {
		t.Errorf("got %v, want ErrOrderCutoff", err)
	}
}

// ============================================================================
// Test: Transactions
// ============================================================================

func TestSubmitRing_Reentrancy(t *testing.T) {
	var rd *reentrantDelegate
	h := newHarness(t, func(l *ledger.TokenLedger) ring.TransferDelegate {
		rd = &reentrantDelegate{TokenLedger: l}
		return rd
	})
	rd.ex = h.ex
	rd.sub = h.submission(t)

	if _, err := h.ex.SubmitRing(context.Background(), h.submission(t)); err != nil {
		t.Fatalf("outer submit: %v", err)
	}
	if !errors.Is(rd.innerErr, core.ErrReentrancy) {
		t.Errorf("nested submit: got %v, want ErrReentrancy", rd.innerErr)
	}
	if h.ex.RingIndex() != 1 {
		t.Errorf("ring index: got %d, want 1", h.ex.RingIndex())
	}
}

func TestSubmitRing_FailedTransferLeavesStateUntouched(t *testing.T) {
	h := newHarness(t, func(l *ledger.TokenLedger) ring.TransferDelegate {
		return failingDelegate{l}
	})
	v0, _ := h.state.Version()

	_, err := h.ex.SubmitRing(context.Background(), h.submission(t))
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}

	v1, _ := h.state.Version()
	if v1 != v0 {
		t.Errorf("store version moved from %d to %d", v0, v1)
	}
	for i := range h.owners {
		assertFilled(t, h, i, 0)
	}
	if h.ex.RingIndex() != 0 {
		t.Errorf("ring index: got %d, want 0", h.ex.RingIndex())
	}
	if n := len(drainOutputs(h.persist)); n != 0 {
		t.Errorf("notifications: got %d, want 0", n)
	}
}

func TestSubmitRing_CommitFailureReversesTransfers(t *testing.T) {
	h := newHarness(t, nil)
	before := h.ledger.Snapshot()
	h.kv.fail = true

	_, err := h.ex.SubmitRing(context.Background(), h.submission(t))
	if !errors.Is(err, errCommit) {
		t.Fatalf("got %v, want commit error", err)
	}

	after := h.ledger.Snapshot()
	for k, v := range before {
		v := v
		got := after[k]
		if got.Cmp(&v) != 0 {
			t.Errorf("%s: got %s, want %s", k.AccountPath(), got.Dec(), v.Dec())
		}
	}
	for i, owner := range h.owners {
		allowance := h.ledger.Allowance(sellTokens[i], owner)
		if allowance.Uint64() != 1000 {
			t.Errorf("allowance of %d: got %s, want 1000", i, allowance.Dec())
		}
	}
	if h.ex.RingIndex() != 0 {
		t.Errorf("ring index: got %d, want 0", h.ex.RingIndex())
	}

	// the engine recovers once the store does
	h.kv.fail = false
	if _, err := h.ex.SubmitRing(context.Background(), h.submission(t)); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if h.ex.RingIndex() != 1 {
		t.Errorf("ring index after retry: got %d, want 1", h.ex.RingIndex())
	}
}

func TestSubmitRing_ConcurrentWriteConflicts(t *testing.T) {
	rd := &racingDelegate{}
	h := newHarness(t, func(l *ledger.TokenLedger) ring.TransferDelegate {
		rd.TokenLedger = l
		return rd
	})
	rd.state = h.state
	rd.order = h.orderHash(2)
	rd.trigger = testutil.Addr(h.miner)
	before := h.ledger.Snapshot()

	_, err := h.ex.SubmitRing(context.Background(), h.submission(t))
	if !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("got %v, want ErrVersionConflict", err)
	}
	if !rd.done {
		t.Fatal("concurrent write never happened")
	}

	after := h.ledger.Snapshot()
	for k, v := range before {
		v := v
		got := after[k]
		if got.Cmp(&v) != 0 {
			t.Errorf("%s: got %s, want %s", k.AccountPath(), got.Dec(), v.Dec())
		}
	}
	assertFilled(t, h, 0, 0)
	assertFilled(t, h, 2, 60)
	if h.ex.RingIndex() != 0 {
		t.Errorf("ring index: got %d, want 0", h.ex.RingIndex())
	}
}

func TestNewExchange_ResumesRingIndex(t *testing.T) {
	kv := store.NewMemStore()
	st := store.NewState(kv)
	ws, _ := st.Begin()
	ws.SetRingIndex(5)
	if err := ws.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tokens, _ := registry.NewTokenRegistry()
	ex, err := core.NewExchange(
		core.Config{Engine: testutil.Engine, LrcToken: testutil.LRC, MaxRingSize: 3},
		core.Dependencies{
			State:      st,
			Tokens:     tokens,
			Ringhashes: registry.NewRinghashRegistry(time.Minute, clock),
			Delegate:   ledger.NewTokenLedger(),
		},
	)
	if err != nil {
		t.Fatalf("new exchange: %v", err)
	}
	if ex.RingIndex() != 5 {
		t.Errorf("ring index: got %d, want 5", ex.RingIndex())
	}
}

func TestNewExchange_InvalidConfig(t *testing.T) {
	_, err := core.NewExchange(core.Config{}, core.Dependencies{})
	if err == nil {
		t.Error("empty config accepted")
	}
}

// ============================================================================
// Test: CancelOrder
// ============================================================================

func TestCancelOrder(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.ex.CancelOrder(ctx, h.owners[0], h.cancel(t, 0, 30)); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := h.ex.CancelOrder(ctx, h.owners[0], h.cancel(t, 0, 20)); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	assertFilled(t, h, 0, 50)

	outputs := drainOutputs(h.persist)
	if len(outputs) != 2 {
		t.Fatalf("notifications: got %d, want 2", len(outputs))
	}
	c := outputs[1].Envelope.Payload.(*event.OrderCancelled)
	if c.AmountCancelled.Uint64() != 20 || c.Cumulative.Uint64() != 50 {
		t.Errorf("OrderCancelled: amount %s cumulative %s", c.AmountCancelled.Dec(), c.Cumulative.Dec())
	}
	if outputs[0].Envelope.IdempotencyKey == outputs[1].Envelope.IdempotencyKey {
		t.Error("partial cancels share an idempotency key")
	}
}

func TestCancelOrder_Rejections(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.ex.CancelOrder(ctx, h.owners[0], h.cancel(t, 0, 0)); !errors.Is(err, core.ErrInvalidCancel) {
		t.Errorf("zero amount: got %v, want ErrInvalidCancel", err)
	}
	if err := h.ex.CancelOrder(ctx, h.owners[1], h.cancel(t, 0, 10)); !errors.Is(err, core.ErrNotOwner) {
		t.Errorf("foreign caller: got %v, want ErrNotOwner", err)
	}

	req := h.cancel(t, 0, 10)
	req.Order.AmountS = umath.New(99)
	if err := h.ex.CancelOrder(ctx, h.owners[0], req); !errors.Is(err, order.ErrInvalidSignature) {
		t.Errorf("altered terms: got %v, want ErrInvalidSignature", err)
	}

	assertFilled(t, h, 0, 0)
}

func TestCancelOrder_FullCancelBlocksSettlement(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.ex.CancelOrder(ctx, h.owners[2], h.cancel(t, 2, 100)); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	_, err := h.ex.SubmitRing(ctx, h.submission(t))
	if !errors.Is(err, ring.ErrOrderFullyConsumed) {
		t.Errorf("got %v, want ErrOrderFullyConsumed", err)
	}
}

func TestCancelOrder_Overflow(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.ex.CancelOrder(ctx, h.owners[0], h.cancel(t, 0, 1)); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	req := h.cancel(t, 0, 1)
	req.Amount = *new(uint256.Int).SetAllOne()

	if err := h.ex.CancelOrder(ctx, h.owners[0], req); !errors.Is(err, core.ErrArithmeticOverflow) {
		t.Errorf("got %v, want ErrArithmeticOverflow", err)
	}
	assertFilled(t, h, 0, 1)
}

// ============================================================================
// Test: SetCutoff
// ============================================================================

func TestSetCutoff(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	owner := h.owners[0]

	if err := h.ex.SetCutoff(ctx, owner, umath.New(100)); err != nil {
		t.Fatalf("set cutoff: %v", err)
	}
	if err := h.ex.SetCutoff(ctx, owner, umath.New(100)); !errors.Is(err, core.ErrCutoffNotIncreasing) {
		t.Errorf("equal cutoff: got %v, want ErrCutoffNotIncreasing", err)
	}
	if err := h.ex.SetCutoff(ctx, owner, umath.New(50)); !errors.Is(err, core.ErrCutoffNotIncreasing) {
		t.Errorf("lower cutoff: got %v, want ErrCutoffNotIncreasing", err)
	}

	// zero means now
	if err := h.ex.SetCutoff(ctx, owner, umath.Zero); err != nil {
		t.Fatalf("cutoff now: %v", err)
	}
	got, _ := h.ex.Cutoff(owner)
	if got.Uint64() != testutil.Now {
		t.Errorf("cutoff: got %s, want %d", got.Dec(), testutil.Now)
	}

	// other owners are unaffected
	other, _ := h.ex.Cutoff(h.owners[1])
	if !other.IsZero() {
		t.Errorf("cutoff of other owner: got %s, want 0", other.Dec())
	}

	outputs := drainOutputs(h.persist)
	if len(outputs) != 2 {
		t.Fatalf("notifications: got %d, want 2", len(outputs))
	}
	if outputs[1].Envelope.EventType != event.EventTypeCutoffChanged {
		t.Errorf("type: got %s", outputs[1].Envelope.EventType)
	}
}

// ============================================================================
// Test: Process
// ============================================================================

func TestProcess_DuplicateRequest(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	req := cutoffRequest(t, "req-1", h.keys[0], h.owners[0], 10)
	if _, err := h.ex.Process(ctx, req); err != nil {
		t.Fatalf("first: %v", err)
	}
	outputs := drainOutputs(h.persist)
	if len(outputs) != 1 || outputs[0].RequestKind != core.KindCutoff || outputs[0].RequestID != "req-1" {
		t.Errorf("notification not tagged with its request: %+v", outputs)
	}
	_, err := h.ex.Process(ctx, req)
	if !errors.Is(err, core.ErrDuplicateRequest) {
		t.Errorf("second: got %v, want ErrDuplicateRequest", err)
	}
}

func TestProcess_RejectedRequestCanBeRetried(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	bad := h.cancelRequest(t, "req-2", h.keys[1], h.cancel(t, 0, 10))
	if _, err := h.ex.Process(ctx, bad); !errors.Is(err, core.ErrNotOwner) {
		t.Fatalf("got %v, want ErrNotOwner", err)
	}

	good := h.cancelRequest(t, "req-2", h.keys[0], h.cancel(t, 0, 10))
	if _, err := h.ex.Process(ctx, good); err != nil {
		t.Errorf("retry: %v", err)
	}
}

func TestProcess_ForgedCutoffRejected(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	victim := h.owners[0]

	// bob signs a cutoff naming alice as owner
	forged := cutoffRequest(t, "cut-1", h.keys[1], victim, 1<<62)
	if _, err := h.ex.Process(ctx, forged); !errors.Is(err, core.ErrNotOwner) {
		t.Fatalf("got %v, want ErrNotOwner", err)
	}

	// a valid signature over different terms
	tampered := cutoffRequest(t, "cut-2", h.keys[0], victim, 10)
	tampered.Cutoff = umath.New(1 << 62)
	if _, err := h.ex.Process(ctx, tampered); !errors.Is(err, core.ErrNotOwner) {
		t.Fatalf("tampered: got %v, want ErrNotOwner", err)
	}

	got, _ := h.ex.Cutoff(victim)
	if !got.IsZero() {
		t.Errorf("victim cutoff: got %s, want 0", got.Dec())
	}
	if _, err := h.ex.SubmitRing(ctx, h.submission(t)); err != nil {
		t.Errorf("victim's orders should still settle: %v", err)
	}
}

func TestProcess_ForgedCancelRejected(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// the miner holds alice's signed order but not her key
	forged := h.cancelRequest(t, "cancel-1", h.miner, h.cancel(t, 0, 100))
	if _, err := h.ex.Process(ctx, forged); !errors.Is(err, core.ErrNotOwner) {
		t.Fatalf("got %v, want ErrNotOwner", err)
	}

	// alice's authorization does not cover a larger amount
	req := h.cancelRequest(t, "cancel-2", h.keys[0], h.cancel(t, 0, 10))
	req.Cancel.Amount = umath.New(100)
	if _, err := h.ex.Process(ctx, req); !errors.Is(err, core.ErrNotOwner) {
		t.Fatalf("altered amount: got %v, want ErrNotOwner", err)
	}
	assertFilled(t, h, 0, 0)
}

func TestProcess_AuthorizationReplay(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	req := h.cancelRequest(t, "cancel-1", h.keys[0], h.cancel(t, 0, 10))
	if _, err := h.ex.Process(ctx, req); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// same authorization under a fresh request id
	replay := *req
	replay.RequestID = "cancel-2"
	if _, err := h.ex.Process(ctx, &replay); !errors.Is(err, core.ErrAuthorizationUsed) {
		t.Fatalf("replay: got %v, want ErrAuthorizationUsed", err)
	}
	assertFilled(t, h, 0, 10)

	// "now" cutoffs cannot be replayed later either
	now := cutoffRequest(t, "cut-1", h.keys[1], h.owners[1], 0)
	if _, err := h.ex.Process(ctx, now); err != nil {
		t.Fatalf("cutoff: %v", err)
	}
	again := *now
	again.RequestID = "cut-2"
	if _, err := h.ex.Process(ctx, &again); !errors.Is(err, core.ErrAuthorizationUsed) {
		t.Errorf("cutoff replay: got %v, want ErrAuthorizationUsed", err)
	}
}

func TestProcess_StaleAuthorization(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	age := uint64(core.MaxAuthAge / time.Second)

	for name, issuedAt := range map[string]uint64{
		"too old":   testutil.Now - age - 1,
		"in future": testutil.Now + age + 1,
	} {
		name, issuedAt := name, issuedAt
		t.Run(name, func(t *testing.T) {
			v := umath.New(issuedAt)
			digest := order.CutoffDigest(testutil.Engine, h.owners[0], umath.New(10), v)
			sig, err := order.Sign(h.keys[0], digest)
			if err != nil {
				t.Fatalf("sign: %v", err)
			}
			req := &core.SetCutoffRequest{
				RequestID: "cut-" + name,
				Owner:     h.owners[0],
				Cutoff:    umath.New(10),
				Auth:      core.CallAuth{IssuedAt: v, Signature: sig},
			}
			if _, err := h.ex.Process(ctx, req); !errors.Is(err, core.ErrStaleAuthorization) {
				t.Errorf("got %v, want ErrStaleAuthorization", err)
			}
		})
	}
}

func TestProcess_SubmitRing(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.ex.Process(context.Background(), &core.SubmitRingRequest{RequestID: "ring-1", Submission: h.submission(t)})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res == nil || len(res.Orders) != 3 {
		t.Fatalf("result: %+v", res)
	}
}

// ============================================================================
// Test: Reason
// ============================================================================

func TestReason(t *testing.T) {
	cases := map[error]string{
		core.ErrReentrancy:              "reentrancy",
		core.ErrAuthorizationUsed:       "authorization_used",
		ring.ErrSubRing:                 "sub_ring",
		order.ErrOrderExpired:           "expired",
		ledger.ErrInsufficientFunds:     "transfer_failed",
		ring.ErrUnsupportedFeeSelection: "fee_selection",
		errors.New("something else"):    "internal",
	}
	for err, want := range cases {
		if got := core.Reason(err); got != want {
			t.Errorf("Reason(%v): got %q, want %q", err, got, want)
		}
	}
}
