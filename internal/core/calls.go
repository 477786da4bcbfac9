package core

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/yuanfeiz/protocol/internal/event"
	umath "github.com/yuanfeiz/protocol/internal/math"
	"github.com/yuanfeiz/protocol/internal/order"
	"github.com/yuanfeiz/protocol/internal/store"
)

// CancelRequest identifies an order by its full signed terms and the
// amount of it to mark consumed.
type CancelRequest struct {
	Order     order.Order
	Stamp     order.Stamp
	Signature order.Signature
	Amount    uint256.Int
}

// CancelOrder adds Amount to the order's filled-or-cancelled total. Only the
// owner may cancel, and the order signature must verify. caller must
// already be authenticated; transports go through Process.
func (x *Exchange) CancelOrder(ctx context.Context, caller common.Address, req CancelRequest) error {
	return x.cancelOrder(ctx, caller, req, nil)
}

// cancelOrder consumes auth, when set, in the same commit as the cancel.
func (x *Exchange) cancelOrder(ctx context.Context, caller common.Address, req CancelRequest, auth *common.Hash) (err error) {
	defer func() { x.rejectCall("cancel", err) }()
	defer recoverOverflow(&err)

	if req.Amount.IsZero() {
		return ErrInvalidCancel
	}
	if caller != req.Order.Owner {
		return fmt.Errorf("%w: %s", ErrNotOwner, caller.Hex())
	}

	hash := order.Hash(x.cfg.Engine, &req.Order, req.Stamp)
	if err := order.VerifySignature(req.Order.Owner, hash, req.Signature); err != nil {
		return err
	}

	ws, err := x.state.Begin()
	if err != nil {
		return fmt.Errorf("open write set: %w", err)
	}
	if err := consumeAuth(ws, auth); err != nil {
		return err
	}
	total, err := ws.AddFilled(hash, req.Amount)
	if err != nil {
		return err
	}
	if err := ws.Commit(); err != nil {
		return fmt.Errorf("commit cancel: %w", err)
	}

	x.emit(ctx, 0, x.now(), []event.Event{&event.OrderCancelled{
		OrderHash:       hash,
		AmountCancelled: req.Amount,
		Cumulative:      total,
	}})
	if x.metrics != nil {
		x.metrics.OrdersCancelled.Inc()
	}
	x.log.Info().
		Str("order_hash", hash.Hex()).
		Str("amount", req.Amount.Dec()).
		Str("cumulative", total.Dec()).
		Msg("order cancelled")
	return nil
}

// SetCutoff raises caller's cutoff: orders it signed at or before the
// cutoff can no longer settle. Zero means now. caller must already be
// authenticated; transports go through Process.
func (x *Exchange) SetCutoff(ctx context.Context, caller common.Address, cutoff uint256.Int) error {
	return x.setCutoff(ctx, caller, cutoff, nil)
}

func (x *Exchange) setCutoff(ctx context.Context, caller common.Address, cutoff uint256.Int, auth *common.Hash) (err error) {
	defer func() { x.rejectCall("cutoff", err) }()

	if caller == (common.Address{}) {
		return fmt.Errorf("%w: caller is zero", ErrNotOwner)
	}

	now := x.now()
	t := cutoff
	if t.IsZero() {
		t = umath.New(uint64(now.Unix()))
	}

	ws, err := x.state.Begin()
	if err != nil {
		return fmt.Errorf("open write set: %w", err)
	}
	cur, err := x.state.Cutoff(caller)
	if err != nil {
		return err
	}
	if !cur.Lt(&t) {
		return fmt.Errorf("%w: %s -> %s", ErrCutoffNotIncreasing, cur.Dec(), t.Dec())
	}
	if err := consumeAuth(ws, auth); err != nil {
		return err
	}
	ws.SetCutoff(caller, t)
	if err := ws.Commit(); err != nil {
		return fmt.Errorf("commit cutoff: %w", err)
	}

	x.emit(ctx, 0, now, []event.Event{&event.CutoffChanged{Owner: caller, Cutoff: t}})
	if x.metrics != nil {
		x.metrics.CutoffsChanged.Inc()
	}
	x.log.Info().
		Str("owner", caller.Hex()).
		Str("cutoff", t.Dec()).
		Msg("cutoff changed")
	return nil
}

func consumeAuth(ws *store.WriteSet, auth *common.Hash) error {
	if auth == nil {
		return nil
	}
	fresh, err := ws.ConsumeAuth(*auth)
	if err != nil {
		return err
	}
	if !fresh {
		return fmt.Errorf("%w: %s", ErrAuthorizationUsed, auth.Hex())
	}
	return nil
}

func (x *Exchange) rejectCall(call string, err error) {
	if err == nil {
		return
	}
	reason := Reason(err)
	if x.metrics != nil {
		x.metrics.CallsRejected.WithLabelValues(call, reason).Inc()
	}
	x.log.Debug().Err(err).Str("call", call).Str("reason", reason).Msg("call rejected")
}
