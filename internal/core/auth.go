package core

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/yuanfeiz/protocol/internal/order"
)

// MaxAuthAge bounds how far a call authorization's IssuedAt may be from the
// engine clock, in either direction.
const MaxAuthAge = 10 * time.Minute

// CallAuth is the owner's signature authorizing one cancel or cutoff
// request. The signed digest is order.CancelDigest or order.CutoffDigest;
// each digest is accepted once.
type CallAuth struct {
	IssuedAt  uint256.Int // unix seconds
	Signature order.Signature
}

// authenticate returns the signer of digest if auth is fresh.
func (x *Exchange) authenticate(digest common.Hash, auth CallAuth) (common.Address, error) {
	now := uint64(x.now().Unix())
	age := uint64(MaxAuthAge / time.Second)
	if !auth.IssuedAt.IsUint64() || auth.IssuedAt.Uint64() > now+age {
		return common.Address{}, fmt.Errorf("%w: issued at %s", ErrStaleAuthorization, auth.IssuedAt.Dec())
	}
	if auth.IssuedAt.Uint64()+age < now {
		return common.Address{}, fmt.Errorf("%w: issued at %s", ErrStaleAuthorization, auth.IssuedAt.Dec())
	}

	signer, err := order.Recover(digest, auth.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("call authorization: %w", err)
	}
	return signer, nil
}

func (x *Exchange) processCancel(ctx context.Context, r *CancelOrderRequest) error {
	hash := order.Hash(x.cfg.Engine, &r.Cancel.Order, r.Cancel.Stamp)
	digest := order.CancelDigest(x.cfg.Engine, hash, r.Cancel.Amount, r.Auth.IssuedAt)

	caller, err := x.authenticate(digest, r.Auth)
	if err != nil {
		x.rejectCall("cancel", err)
		return err
	}
	return x.cancelOrder(ctx, caller, r.Cancel, &digest)
}

func (x *Exchange) processCutoff(ctx context.Context, r *SetCutoffRequest) error {
	digest := order.CutoffDigest(x.cfg.Engine, r.Owner, r.Cutoff, r.Auth.IssuedAt)

	caller, err := x.authenticate(digest, r.Auth)
	if err == nil && caller != r.Owner {
		err = fmt.Errorf("%w: signed by %s, not %s", ErrNotOwner, caller.Hex(), r.Owner.Hex())
	}
	if err != nil {
		x.rejectCall("cutoff", err)
		return err
	}
	return x.setCutoff(ctx, caller, r.Cutoff, &digest)
}
