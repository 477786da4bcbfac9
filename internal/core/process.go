package core

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/yuanfeiz/protocol/internal/ring"
)

// Request kinds, also used as idempotency namespaces.
const (
	KindSubmitRing = "submit_ring"
	KindCancel     = "cancel_order"
	KindCutoff     = "set_cutoff"
)

// Request is one call arriving over a transport. ID is the caller-chosen
// request id; an empty ID disables deduplication.
type Request interface {
	Kind() string
	ID() string
}

type SubmitRingRequest struct {
	RequestID  string
	Submission *ring.Submission
}

func (r *SubmitRingRequest) Kind() string { return KindSubmitRing }
func (r *SubmitRingRequest) ID() string   { return r.RequestID }

// CancelOrderRequest is a cancel signed by the order owner. The caller is
// the signer of Auth.
type CancelOrderRequest struct {
	RequestID string
	Cancel    CancelRequest
	Auth      CallAuth
}

func (r *CancelOrderRequest) Kind() string { return KindCancel }
func (r *CancelOrderRequest) ID() string   { return r.RequestID }

// SetCutoffRequest raises Owner's cutoff. Auth must be signed by Owner.
type SetCutoffRequest struct {
	RequestID string
	Owner     common.Address
	Cutoff    uint256.Int
	Auth      CallAuth
}

func (r *SetCutoffRequest) Kind() string { return KindCutoff }
func (r *SetCutoffRequest) ID() string   { return r.RequestID }

// Process deduplicates req by kind and id, then dispatches it. A request
// already processed returns ErrDuplicateRequest. A rejected request is not
// marked, so the caller may retry it.
func (x *Exchange) Process(ctx context.Context, req Request) (*ring.Result, error) {
	kind, id := req.Kind(), req.ID()

	// Step 1: idempotency check (two-tier)
	if x.idempotency != nil && x.idempotency.IsDuplicate(kind, id) {
		return nil, fmt.Errorf("%w: %s %s", ErrDuplicateRequest, kind, id)
	}

	// Step 2: dispatch
	ctx = WithRequest(ctx, kind, id)
	var (
		res *ring.Result
		err error
	)
	switch r := req.(type) {
	case *SubmitRingRequest:
		res, err = x.SubmitRing(ctx, r.Submission)
	case *CancelOrderRequest:
		err = x.processCancel(ctx, r)
	case *SetCutoffRequest:
		err = x.processCutoff(ctx, r)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownRequest, req)
	}
	if err != nil {
		return nil, err
	}

	// Step 3: mark as processed
	if x.idempotency != nil {
		x.idempotency.MarkProcessed(kind, id)
	}
	return res, nil
}
