package ring_test

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	umath "github.com/yuanfeiz/protocol/internal/math"
	"github.com/yuanfeiz/protocol/internal/order"
	"github.com/yuanfeiz/protocol/internal/ring"
	"github.com/yuanfeiz/protocol/internal/testutil"
)

// --- Test helpers ---

type fakeHistory struct {
	filled  map[common.Hash]uint256.Int
	cutoffs map[common.Address]uint256.Int
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{
		filled:  make(map[common.Hash]uint256.Int),
		cutoffs: make(map[common.Address]uint256.Int),
	}
}

func (h *fakeHistory) Filled(hash common.Hash) (uint256.Int, error) {
	return h.filled[hash], nil
}

func (h *fakeHistory) Cutoff(owner common.Address) (uint256.Int, error) {
	return h.cutoffs[owner], nil
}

// fakeBalances is keyed by (token, owner).
type fakeBalances map[[2]common.Address]uint256.Int

func (b fakeBalances) Spendable(token, owner common.Address) (uint256.Int, error) {
	return b[[2]common.Address{token, owner}], nil
}

func (b fakeBalances) set(token, owner common.Address, amount uint64) {
	b[[2]common.Address{token, owner}] = umath.New(amount)
}

func u(v uint64) uint256.Int { return umath.New(v) }

func assertAmount(t *testing.T, what string, got uint256.Int, want uint64) {
	t.Helper()
	if got.Cmp(uint256.NewInt(want)) != 0 {
		t.Errorf("%s: got %s, want %d", what, got.Dec(), want)
	}
}

// fixture is a signed 3-order ring A -> B -> C trading TokenA, TokenB and
// TokenC one for one, with every owner funded.
type fixture struct {
	owners   [3]common.Address
	sub      *ring.Submission
	history  *fakeHistory
	balances fakeBalances
}

func newFixture(t *testing.T, mutate func(specs []testutil.OrderSpec)) *fixture {
	t.Helper()
	keys := [3]string{"alice", "bob", "carol"}
	tokens := [3]common.Address{testutil.TokenA, testutil.TokenB, testutil.TokenC}

	specs := make([]testutil.OrderSpec, 3)
	f := &fixture{history: newFakeHistory(), balances: fakeBalances{}}
	for i := range specs {
		key := testutil.Key(t, keys[i])
		f.owners[i] = testutil.Addr(key)
		specs[i] = testutil.OrderSpec{
			Owner:        key,
			TokenS:       tokens[i],
			AmountS:      100,
			AmountB:      100,
			LrcFee:       10,
			FeeSelection: order.FeeSelectLRC,
		}
		f.balances.set(tokens[i], f.owners[i], 1000)
		f.balances.set(testutil.LRC, f.owners[i], 1000)
	}
	if mutate != nil {
		mutate(specs)
	}

	f.sub = testutil.BuildSubmission(t, testutil.RingSpec{
		Miner:  testutil.Key(t, "miner"),
		Orders: specs,
	})
	return f
}

func (f *fixture) assembler() *ring.Assembler {
	return &ring.Assembler{Engine: testutil.Engine, History: f.history, Balance: f.balances}
}

// state builds an already-scaled order state whose proposed rate equals
// its declared rate.
func state(tokenS, tokenB common.Address, amountS, amountB, fill uint64) *ring.OrderState {
	return &ring.OrderState{
		Order: order.Order{
			Owner:                 common.BytesToAddress(tokenS.Bytes()[18:]),
			TokenS:                tokenS,
			TokenB:                tokenB,
			AmountS:               u(amountS),
			AmountB:               u(amountB),
			MarginSplitPercentage: order.MarginSplitPercentageBase,
		},
		OrderHash:        common.BytesToHash(tokenS.Bytes()),
		Rate:             ring.Rate{AmountS: u(amountS), AmountB: u(amountB)},
		AvailableAmountS: u(fill),
		FillAmountS:      u(fill),
	}
}

// ============================================================================
// Test: Submission shape
// ============================================================================

func TestVerifyShape(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.sub.VerifyShape(); err != nil {
		t.Fatalf("well-formed submission rejected: %v", err)
	}

	f.sub.Signatures = f.sub.Signatures[:3]
	if err := f.sub.VerifyShape(); !errors.Is(err, ring.ErrInputShape) {
		t.Errorf("missing ring signature: got %v, want ErrInputShape", err)
	}
}

func TestVerifyShape_ZeroMiner(t *testing.T) {
	f := newFixture(t, nil)
	f.sub.Miner = common.Address{}
	if err := f.sub.VerifyShape(); !errors.Is(err, ring.ErrInputShape) {
		t.Errorf("got %v, want ErrInputShape", err)
	}
}

func TestVerifyRingSize(t *testing.T) {
	cases := []struct {
		size int
		ok   bool
	}{{1, false}, {2, true}, {5, true}, {6, false}}
	for _, c := range cases {
		err := ring.VerifyRingSize(c.size, 5)
		if c.ok && err != nil {
			t.Errorf("size %d: unexpected error %v", c.size, err)
		}
		if !c.ok && !errors.Is(err, ring.ErrRingSize) {
			t.Errorf("size %d: got %v, want ErrRingSize", c.size, err)
		}
	}
}

func TestEffectiveFeeRecipient(t *testing.T) {
	f := newFixture(t, nil)
	if f.sub.EffectiveFeeRecipient() != f.sub.Miner {
		t.Error("zero fee recipient should default to the miner")
	}
	other := common.HexToAddress("0xfee")
	f.sub.FeeRecipient = other
	if f.sub.EffectiveFeeRecipient() != other {
		t.Error("explicit fee recipient ignored")
	}
}

// ============================================================================
// Test: Assemble
// ============================================================================

func TestAssemble_ClosesLoop(t *testing.T) {
	f := newFixture(t, nil)
	states, err := f.assembler().Assemble(f.sub, u(testutil.Now))
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if len(states) != 3 {
		t.Fatalf("states: got %d, want 3", len(states))
	}
	for i, s := range states {
		next := states[(i+1)%3]
		if s.Order.TokenB != next.Order.TokenS {
			t.Errorf("order %d buys %s, next sells %s", i, s.Order.TokenB.Hex(), next.Order.TokenS.Hex())
		}
		if s.Order.Owner != f.owners[i] {
			t.Errorf("order %d owner mismatch", i)
		}
		assertAmount(t, "available", s.AvailableAmountS, 1000)
		assertAmount(t, "rate.AmountB", s.Rate.AmountB, 100)
	}
}

func TestAssemble_TamperedTerms(t *testing.T) {
	f := newFixture(t, nil)
	f.sub.UintArgs[1][ring.ArgAmountB] = u(101)

	_, err := f.assembler().Assemble(f.sub, u(testutil.Now))
	if !errors.Is(err, order.ErrInvalidSignature) {
		t.Errorf("got %v, want ErrInvalidSignature", err)
	}
}

func TestAssemble_WrongEngine(t *testing.T) {
	f := newFixture(t, nil)
	a := f.assembler()
	a.Engine = common.HexToAddress("0xdead")

	if _, err := a.Assemble(f.sub, u(testutil.Now)); !errors.Is(err, order.ErrInvalidSignature) {
		t.Errorf("got %v, want ErrInvalidSignature", err)
	}
}

func TestAssemble_Cutoff(t *testing.T) {
	f := newFixture(t, nil)
	f.history.cutoffs[f.owners[2]] = u(testutil.OrderTimestamp)

	_, err := f.assembler().Assemble(f.sub, u(testutil.Now))
	if !errors.Is(err, order.ErrOrderCutoff) {
		t.Errorf("got %v, want ErrOrderCutoff", err)
	}
}

func TestAssemble_Expired(t *testing.T) {
	f := newFixture(t, func(specs []testutil.OrderSpec) { specs[0].TTL = 30 })

	_, err := f.assembler().Assemble(f.sub, u(testutil.Now))
	if !errors.Is(err, order.ErrOrderExpired) {
		t.Errorf("got %v, want ErrOrderExpired", err)
	}
}

func TestAssemble_NoBalance(t *testing.T) {
	f := newFixture(t, nil)
	f.balances.set(testutil.TokenB, f.owners[1], 0)

	_, err := f.assembler().Assemble(f.sub, u(testutil.Now))
	if !errors.Is(err, ring.ErrInsufficientBalance) {
		t.Errorf("got %v, want ErrInsufficientBalance", err)
	}
}

func TestAssemble_UnsupportedFeeSelection(t *testing.T) {
	f := newFixture(t, func(specs []testutil.OrderSpec) { specs[1].FeeSelection = 2 })

	_, err := f.assembler().Assemble(f.sub, u(testutil.Now))
	if !errors.Is(err, ring.ErrUnsupportedFeeSelection) {
		t.Errorf("got %v, want ErrUnsupportedFeeSelection", err)
	}
}

// ============================================================================
// Test: Validation
// ============================================================================

func TestVerifyNoSubRing(t *testing.T) {
	x, y := testutil.TokenA, testutil.TokenB
	states := []*ring.OrderState{state(x, x, 100, 100, 100), state(x, x, 100, 100, 100)}
	if err := ring.VerifyNoSubRing(states); !errors.Is(err, ring.ErrSubRing) {
		t.Errorf("size 2 both selling X: got %v, want ErrSubRing", err)
	}

	states = []*ring.OrderState{state(x, y, 100, 100, 100), state(y, x, 100, 100, 100)}
	if err := ring.VerifyNoSubRing(states); err != nil {
		t.Errorf("distinct tokens rejected: %v", err)
	}
}

func TestVerifyNoSubRing_Nested(t *testing.T) {
	a, b, c := testutil.TokenA, testutil.TokenB, testutil.TokenC
	states := []*ring.OrderState{
		state(a, b, 1, 1, 1),
		state(b, c, 1, 1, 1),
		state(c, b, 1, 1, 1),
		state(b, a, 1, 1, 1),
	}
	if err := ring.VerifyNoSubRing(states); !errors.Is(err, ring.ErrSubRing) {
		t.Errorf("got %v, want ErrSubRing", err)
	}
}

func TestVerifyRates_ExactRatesPassAnyThreshold(t *testing.T) {
	a, b, c := testutil.TokenA, testutil.TokenB, testutil.TokenC
	states := []*ring.OrderState{
		state(a, b, 100, 300, 100),
		state(b, c, 300, 7, 300),
		state(c, a, 7, 100, 7),
	}
	if err := ring.VerifyRates(states, umath.Zero); err != nil {
		t.Errorf("exact-rate ring rejected at zero threshold: %v", err)
	}
}

func TestVerifyRates_MoreFavourableThanDeclared(t *testing.T) {
	a, b := testutil.TokenA, testutil.TokenB
	states := []*ring.OrderState{state(a, b, 100, 100, 100), state(b, a, 100, 100, 100)}
	states[1].Rate.AmountS = u(101)

	if err := ring.VerifyRates(states, u(1_000_000_000)); !errors.Is(err, ring.ErrInvalidRate) {
		t.Errorf("got %v, want ErrInvalidRate", err)
	}
}

func TestVerifyRates_ZeroRate(t *testing.T) {
	a, b := testutil.TokenA, testutil.TokenB
	states := []*ring.OrderState{state(a, b, 100, 100, 100), state(b, a, 100, 100, 100)}
	states[0].Rate.AmountS = umath.Zero

	if err := ring.VerifyRates(states, u(1_000_000_000)); !errors.Is(err, ring.ErrInvalidRate) {
		t.Errorf("got %v, want ErrInvalidRate", err)
	}
}

func TestVerifyRates_UnevenDiscount(t *testing.T) {
	a, b := testutil.TokenA, testutil.TokenB
	states := []*ring.OrderState{state(a, b, 100, 100, 100), state(b, a, 100, 100, 100)}
	// ratios 10000 and 8000 give cvs 2469135
	states[1].Rate.AmountS = u(80)

	if err := ring.VerifyRates(states, u(2469134)); !errors.Is(err, ring.ErrUnevenDiscount) {
		t.Errorf("got %v, want ErrUnevenDiscount", err)
	}
	if err := ring.VerifyRates(states, u(2469135)); err != nil {
		t.Errorf("threshold equal to cvs should pass: %v", err)
	}
}

// ============================================================================
// Test: History scaling
// ============================================================================

func TestScaleByHistory_SellSide(t *testing.T) {
	a, b := testutil.TokenA, testutil.TokenB
	s := state(a, b, 100, 50, 1000)
	s.Order.LrcFee = u(10)
	h := newFakeHistory()
	h.filled[s.OrderHash] = u(40)

	if err := ring.ScaleByHistory([]*ring.OrderState{s}, h); err != nil {
		t.Fatalf("scale: %v", err)
	}
	assertAmount(t, "amountS", s.Order.AmountS, 60)
	assertAmount(t, "amountB", s.Order.AmountB, 30)
	assertAmount(t, "lrcFee", s.Order.LrcFee, 6)
	assertAmount(t, "fill", s.FillAmountS, 60)
	// the proposed rate is not rescaled
	assertAmount(t, "rate.AmountB", s.Rate.AmountB, 50)
}

func TestScaleByHistory_BuySide(t *testing.T) {
	a, b := testutil.TokenA, testutil.TokenB
	s := state(a, b, 100, 50, 45)
	s.Order.BuyNoMoreThanAmountB = true
	s.Order.LrcFee = u(10)
	h := newFakeHistory()
	h.filled[s.OrderHash] = u(20)

	if err := ring.ScaleByHistory([]*ring.OrderState{s}, h); err != nil {
		t.Fatalf("scale: %v", err)
	}
	assertAmount(t, "amountB", s.Order.AmountB, 30)
	assertAmount(t, "amountS", s.Order.AmountS, 60)
	assertAmount(t, "lrcFee", s.Order.LrcFee, 6)
	// capped by spendable balance
	assertAmount(t, "fill", s.FillAmountS, 45)
}

func TestScaleByHistory_FullyConsumed(t *testing.T) {
	f := newFixture(t, nil)
	states, err := f.assembler().Assemble(f.sub, u(testutil.Now))
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	f.history.filled[states[1].OrderHash] = u(100)

	if err := ring.ScaleByHistory(states, f.history); !errors.Is(err, ring.ErrOrderFullyConsumed) {
		t.Errorf("got %v, want ErrOrderFullyConsumed", err)
	}
}

func TestScaleByHistory_OverfilledIsTolerated(t *testing.T) {
	a, b := testutil.TokenA, testutil.TokenB
	s := state(a, b, 100, 50, 100)
	h := newFakeHistory()
	h.filled[s.OrderHash] = u(500)

	err := ring.ScaleByHistory([]*ring.OrderState{s}, h)
	if !errors.Is(err, ring.ErrOrderFullyConsumed) {
		t.Errorf("got %v, want ErrOrderFullyConsumed", err)
	}
}

// ============================================================================
// Test: Fill propagation
// ============================================================================

func TestPropagateFills_TwoPass(t *testing.T) {
	a, b, c := testutil.TokenA, testutil.TokenB, testutil.TokenC
	states := []*ring.OrderState{
		state(a, b, 100, 100, 100),
		state(b, c, 100, 100, 100),
		state(c, a, 100, 100, 50),
	}
	states[0].Order.LrcFee = u(10)

	out, binding := ring.PropagateFills(states)

	if binding != 2 {
		t.Errorf("binding: got %d, want 2", binding)
	}
	for i, s := range out {
		assertAmount(t, "fill", s.FillAmountS, 50)
		if i == 0 {
			// recomputed in the second pass against the shrunk fill
			assertAmount(t, "order 0 lrcFee", s.LrcFee, 5)
		}
	}

	// inputs are untouched
	assertAmount(t, "input fill 0", states[0].FillAmountS, 100)
	assertAmount(t, "input fill 1", states[1].FillAmountS, 100)
}

func TestPropagateFills_BindingAtZero(t *testing.T) {
	a, b, c := testutil.TokenA, testutil.TokenB, testutil.TokenC
	states := []*ring.OrderState{
		state(a, b, 100, 100, 30),
		state(b, c, 100, 100, 100),
		state(c, a, 100, 100, 100),
	}

	out, binding := ring.PropagateFills(states)
	if binding != 0 {
		t.Errorf("binding: got %d, want 0", binding)
	}
	for _, s := range out {
		assertAmount(t, "fill", s.FillAmountS, 30)
	}
}

func TestPropagateFills_ProposedRate(t *testing.T) {
	a, b := testutil.TokenA, testutil.TokenB
	// A sells 100 for 50 but the miner executes at 80 for 50
	states := []*ring.OrderState{
		state(a, b, 100, 50, 80),
		state(b, a, 50, 100, 50),
	}
	states[0].Rate.AmountS = u(80)
	states[1].Rate.AmountS = u(40)

	out, _ := ring.PropagateFills(states)
	assertAmount(t, "fill 0", out[0].FillAmountS, 80)
	assertAmount(t, "fill 1", out[1].FillAmountS, 50)
}

func TestPropagateFills_CapAtBuyAmount(t *testing.T) {
	a, b := testutil.TokenA, testutil.TokenB
	states := []*ring.OrderState{
		state(a, b, 100, 100, 100),
		state(b, a, 100, 100, 100),
	}
	states[1].Order.BuyNoMoreThanAmountB = true
	states[1].Order.AmountB = u(40)
	states[1].Rate.AmountB = u(100)
	states[1].Order.LrcFee = u(8)

	out, binding := ring.PropagateFills(states)
	if binding != 1 {
		t.Errorf("binding: got %d, want 1", binding)
	}
	assertAmount(t, "fill 1", out[1].FillAmountS, 40)
	assertAmount(t, "fill 0", out[0].FillAmountS, 40)
	// fee prorated on the buy side: 8 * 40 / 40
	assertAmount(t, "lrcFee 1", out[1].LrcFee, 8)
}

// ============================================================================
// Test: Fee allocation
// ============================================================================

// marginRing returns three orders that each declare 100 for 90 but trade
// one for one, leaving a buy-side spread of 10 each.
func marginRing() []*ring.OrderState {
	a, b, c := testutil.TokenA, testutil.TokenB, testutil.TokenC
	states := []*ring.OrderState{
		state(a, b, 100, 90, 100),
		state(b, c, 100, 90, 100),
		state(c, a, 100, 90, 100),
	}
	for _, s := range states {
		s.FeeSelection = order.FeeSelectMarginSplit
		s.LrcFee = u(10)
	}
	return states
}

func fundLRC(states []*ring.OrderState, amount uint64) fakeBalances {
	b := fakeBalances{}
	for _, s := range states {
		b.set(testutil.LRC, s.Order.Owner, amount)
	}
	return b
}

func TestAllocate_MarginSplitPriority(t *testing.T) {
	states := marginRing()
	balances := fundLRC(states, 100)
	feeRecipient := common.HexToAddress("0xfee")
	balances.set(testutil.LRC, feeRecipient, 10)

	fa := &ring.FeeAllocator{LrcToken: testutil.LRC, Balance: balances}
	if err := fa.Allocate(states, feeRecipient); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	assertAmount(t, "order 0 split", states[0].SplitB, 10)
	assertAmount(t, "order 0 reward", states[0].LrcReward, 10)
	assertAmount(t, "order 0 fee", states[0].LrcFee, 0)
	for i := 1; i < 3; i++ {
		assertAmount(t, "later split", states[i].SplitB, 0)
		assertAmount(t, "later reward", states[i].LrcReward, 0)
		assertAmount(t, "later fee", states[i].LrcFee, 10)
	}
}

func TestAllocate_LrcFeeFundsLaterRewards(t *testing.T) {
	states := marginRing()
	states[0].FeeSelection = order.FeeSelectLRC
	balances := fundLRC(states, 100)
	feeRecipient := common.HexToAddress("0xfee")

	fa := &ring.FeeAllocator{LrcToken: testutil.LRC, Balance: balances}
	if err := fa.Allocate(states, feeRecipient); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	assertAmount(t, "order 0 fee", states[0].LrcFee, 10)
	assertAmount(t, "order 0 split", states[0].SplitB, 0)
	assertAmount(t, "order 1 reward", states[1].LrcReward, 10)
	assertAmount(t, "order 2 reward", states[2].LrcReward, 0)
	assertAmount(t, "order 2 fee", states[2].LrcFee, 10)
}

func TestAllocate_OwnerShortOfLRC(t *testing.T) {
	states := marginRing()
	for _, s := range states {
		s.FeeSelection = order.FeeSelectLRC
		s.Order.MarginSplitPercentage = 30
	}
	balances := fundLRC(states, 100)
	balances.set(testutil.LRC, states[1].Order.Owner, 4)

	fa := &ring.FeeAllocator{LrcToken: testutil.LRC, Balance: balances}
	if err := fa.Allocate(states, common.HexToAddress("0xfee")); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	assertAmount(t, "short owner fee", states[1].LrcFee, 4)
	if states[1].Order.MarginSplitPercentage != order.MarginSplitPercentageBase {
		t.Errorf("margin split: got %d, want 100", states[1].Order.MarginSplitPercentage)
	}
	if states[0].Order.MarginSplitPercentage != 30 {
		t.Errorf("funded owner margin split changed to %d", states[0].Order.MarginSplitPercentage)
	}
}

func TestAllocate_ZeroFeeForcesMarginSplit(t *testing.T) {
	states := marginRing()
	states[0].FeeSelection = order.FeeSelectLRC
	states[0].LrcFee = umath.Zero
	states[0].Order.MarginSplitPercentage = 20
	balances := fundLRC(states, 100)

	fa := &ring.FeeAllocator{LrcToken: testutil.LRC, Balance: balances}
	if err := fa.Allocate(states, common.HexToAddress("0xfee")); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	if states[0].FeeSelection != order.FeeSelectMarginSplit {
		t.Errorf("selection: got %s, want margin_split", states[0].FeeSelection)
	}
	// full spread at 100%
	assertAmount(t, "split", states[0].SplitB, 10)
	assertAmount(t, "reward", states[0].LrcReward, 0)
}

func TestAllocate_PartialMarginSplit(t *testing.T) {
	states := marginRing()
	states[0].Order.MarginSplitPercentage = 50
	balances := fundLRC(states, 100)
	feeRecipient := common.HexToAddress("0xfee")
	balances.set(testutil.LRC, feeRecipient, 100)

	fa := &ring.FeeAllocator{LrcToken: testutil.LRC, Balance: balances}
	if err := fa.Allocate(states, feeRecipient); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	assertAmount(t, "split", states[0].SplitB, 5)
}

func TestAllocate_CappedOrderSplitsSellSide(t *testing.T) {
	states := marginRing()
	states[0].Order.BuyNoMoreThanAmountB = true
	states[0].FillAmountS = u(80)
	states[1].FillAmountS = u(90)
	balances := fundLRC(states, 100)
	feeRecipient := common.HexToAddress("0xfee")
	balances.set(testutil.LRC, feeRecipient, 100)

	fa := &ring.FeeAllocator{LrcToken: testutil.LRC, Balance: balances}
	if err := fa.Allocate(states, feeRecipient); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	// 90 * 100 / 90 - 80
	assertAmount(t, "splitS", states[0].SplitS, 20)
	assertAmount(t, "splitB", states[0].SplitB, 0)
}

func TestAllocate_UnsupportedSelection(t *testing.T) {
	states := marginRing()
	states[2].FeeSelection = 7
	balances := fundLRC(states, 100)

	fa := &ring.FeeAllocator{LrcToken: testutil.LRC, Balance: balances}
	err := fa.Allocate(states, common.HexToAddress("0xfee"))
	if !errors.Is(err, ring.ErrUnsupportedFeeSelection) {
		t.Errorf("got %v, want ErrUnsupportedFeeSelection", err)
	}
}

// ============================================================================
// Test: Settlement
// ============================================================================

func TestBuildSettlement_Conservation(t *testing.T) {
	states := marginRing()
	states[1].Order.BuyNoMoreThanAmountB = true
	balances := fundLRC(states, 100)
	feeRecipient := common.HexToAddress("0xfee")
	balances.set(testutil.LRC, feeRecipient, 100)

	fa := &ring.FeeAllocator{LrcToken: testutil.LRC, Balance: balances}
	if err := fa.Allocate(states, feeRecipient); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	r := &ring.Ring{Hash: common.HexToHash("0x01"), Orders: states}
	st := ring.BuildSettlement(r, 7)

	if len(st.Transfers) != 3 || len(st.Fills) != 3 || len(st.OrderFilled) != 3 {
		t.Fatalf("settlement sizes: %d %d %d", len(st.Transfers), len(st.Fills), len(st.OrderFilled))
	}

	for i, rec := range st.Transfers {
		rec := rec
		prev := (i + 2) % 3
		// what the owner sends is what it reports selling
		sent := umath.Add(rec.AmountToPrev, rec.AmountToFeeRecipient)
		if sent.Cmp(&st.OrderFilled[i].AmountS) != 0 {
			t.Errorf("order %d: sent %s, reported %s", i, sent.Dec(), st.OrderFilled[i].AmountS.Dec())
		}
		// what the predecessor receives is what it reports buying
		if rec.AmountToPrev.Cmp(&st.OrderFilled[prev].AmountB) != 0 {
			t.Errorf("order %d: prev received %s, reported %s", i, rec.AmountToPrev.Dec(), st.OrderFilled[prev].AmountB.Dec())
		}
		if st.OrderFilled[i].RingIndex != 7 {
			t.Errorf("ring index: got %d, want 7", st.OrderFilled[i].RingIndex)
		}
	}

	// capped order records the next order's fill, others their own
	assertAmount(t, "fill delta 0", st.Fills[0].Amount, 100)
	assertAmount(t, "fill delta 1", st.Fills[1].Amount, states[2].FillAmountS.Uint64())
}

func TestBuildSettlement_Neighbours(t *testing.T) {
	states := marginRing()
	r := &ring.Ring{Orders: states}
	st := ring.BuildSettlement(r, 0)

	if st.OrderFilled[0].PrevOrderHash != states[2].OrderHash {
		t.Error("prev hash of order 0 should be order 2")
	}
	if st.OrderFilled[2].NextOrderHash != states[0].OrderHash {
		t.Error("next hash of order 2 should be order 0")
	}
}

// ============================================================================
// Test: Pipeline properties
// ============================================================================

func TestPipeline_FillNeverExceedsBounds(t *testing.T) {
	f := newFixture(t, func(specs []testutil.OrderSpec) {
		specs[1].AmountS = 200
		specs[1].AmountB = 200
	})
	f.balances.set(testutil.TokenC, f.owners[2], 70)

	states, err := f.assembler().Assemble(f.sub, u(testutil.Now))
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	f.history.filled[states[0].OrderHash] = u(10)
	if err := ring.ScaleByHistory(states, f.history); err != nil {
		t.Fatalf("scale: %v", err)
	}
	bounds := make([]uint256.Int, len(states))
	for i, s := range states {
		bounds[i] = umath.Min(s.Order.AmountS, s.AvailableAmountS)
	}

	out, _ := ring.PropagateFills(states)
	for i, s := range out {
		if s.FillAmountS.Gt(&bounds[i]) {
			t.Errorf("order %d: fill %s exceeds bound %s", i, s.FillAmountS.Dec(), bounds[i].Dec())
		}
		assertAmount(t, "fill", s.FillAmountS, 70)
	}
}
