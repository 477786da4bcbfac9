package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/yuanfeiz/protocol/internal/core"
	"github.com/yuanfeiz/protocol/internal/ingestion"
	"github.com/yuanfeiz/protocol/internal/observability"
	"github.com/yuanfeiz/protocol/internal/query"
	"github.com/yuanfeiz/protocol/internal/ring"
)

// Applier runs a mutating request on the exchange's single goroutine.
type Applier interface {
	Do(ctx context.Context, transport string, req core.Request) (*ring.Result, error)
}

// StateReader answers exchange state queries.
type StateReader interface {
	Filled(hash common.Hash) (uint256.Int, error)
	Cutoff(owner common.Address) (uint256.Int, error)
	RingIndex() uint64
}

// RinghashReserver accepts ring-hash reservations ahead of submission.
type RinghashReserver interface {
	SubmitRinghash(miner common.Address, hash common.Hash) error
	BatchSubmitRinghash(miners []common.Address, hashes []common.Hash) error
}

// LogReader serves the persisted notification log and journal.
type LogReader interface {
	ListNotifications(ctx context.Context, from int64, limit int) ([]query.NotificationRecord, error)
	RingNotifications(ctx context.Context, ringIndex int64) ([]query.NotificationRecord, error)
	ListJournals(ctx context.Context, owner common.Address, limit int, before *int64) ([]query.JournalRecord, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// exchangeService implements ExchangeServer. Log is nil when the daemon
// runs without Postgres; log-backed methods then return Unavailable.
type exchangeService struct {
	apply      Applier
	state      StateReader
	ringhashes RinghashReserver
	log        LogReader
	metrics    *observability.Metrics
}

const transportRPC = "grpc"

func (s *exchangeService) SubmitRing(ctx context.Context, in *ingestion.SubmitRingJSON) (*RingResult, error) {
	id := requestID(in.RequestID)
	sub, err := in.Submission()
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode submission: %v", err)
	}
	res, err := s.apply.Do(ctx, transportRPC, &core.SubmitRingRequest{RequestID: id, Submission: sub})
	if err != nil {
		return nil, statusFromError(err)
	}
	return newRingResult(id, res), nil
}

func (s *exchangeService) CancelOrder(ctx context.Context, in *ingestion.CancelOrderJSON) (*Ack, error) {
	in.RequestID = requestID(in.RequestID)
	req, err := in.Request()
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode cancel: %v", err)
	}
	if _, err := s.apply.Do(ctx, transportRPC, req); err != nil {
		return nil, statusFromError(err)
	}
	return &Ack{RequestID: in.RequestID}, nil
}

func (s *exchangeService) SetCutoff(ctx context.Context, in *ingestion.SetCutoffJSON) (*Ack, error) {
	in.RequestID = requestID(in.RequestID)
	req, err := in.Request()
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode cutoff: %v", err)
	}
	if _, err := s.apply.Do(ctx, transportRPC, req); err != nil {
		return nil, statusFromError(err)
	}
	return &Ack{RequestID: in.RequestID}, nil
}

func (s *exchangeService) SubmitRinghash(ctx context.Context, in *SubmitRinghashRequest) (*Ack, error) {
	if err := s.ringhashes.SubmitRinghash(in.Miner, in.RingHash); err != nil {
		return nil, statusFromError(err)
	}
	s.reserved(1)
	return &Ack{}, nil
}

func (s *exchangeService) BatchSubmitRinghash(ctx context.Context, in *BatchSubmitRinghashRequest) (*Ack, error) {
	if len(in.Miners) != len(in.RingHashes) {
		return nil, status.Errorf(codes.InvalidArgument, "%d miners for %d ring hashes", len(in.Miners), len(in.RingHashes))
	}
	if err := s.ringhashes.BatchSubmitRinghash(in.Miners, in.RingHashes); err != nil {
		return nil, statusFromError(err)
	}
	s.reserved(len(in.RingHashes))
	return &Ack{}, nil
}

func (s *exchangeService) GetFilled(ctx context.Context, in *GetFilledRequest) (*GetFilledResponse, error) {
	v, err := s.state.Filled(in.OrderHash)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "read filled: %v", err)
	}
	return &GetFilledResponse{OrderHash: in.OrderHash, Filled: v.Dec()}, nil
}

func (s *exchangeService) GetCutoff(ctx context.Context, in *GetCutoffRequest) (*GetCutoffResponse, error) {
	v, err := s.state.Cutoff(in.Owner)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "read cutoff: %v", err)
	}
	return &GetCutoffResponse{Owner: in.Owner, Cutoff: v.Dec()}, nil
}

func (s *exchangeService) GetRingIndex(ctx context.Context, in *GetRingIndexRequest) (*GetRingIndexResponse, error) {
	return &GetRingIndexResponse{RingIndex: s.state.RingIndex()}, nil
}

func (s *exchangeService) ListNotifications(ctx context.Context, in *ListNotificationsRequest) (*NotificationsResponse, error) {
	if s.log == nil {
		return nil, errNoLog
	}
	out, err := s.log.ListNotifications(ctx, in.From, pageSize(in.Limit, 100, 1000))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "list notifications: %v", err)
	}
	return &NotificationsResponse{Notifications: out}, nil
}

func (s *exchangeService) GetRing(ctx context.Context, in *GetRingRequest) (*NotificationsResponse, error) {
	if s.log == nil {
		return nil, errNoLog
	}
	out, err := s.log.RingNotifications(ctx, in.RingIndex)
	if err != nil {
		return nil, statusFromError(err)
	}
	return &NotificationsResponse{Notifications: out}, nil
}

func (s *exchangeService) ListJournals(ctx context.Context, in *ListJournalsRequest) (*ListJournalsResponse, error) {
	if s.log == nil {
		return nil, errNoLog
	}
	if in.Owner == (common.Address{}) {
		return nil, status.Error(codes.InvalidArgument, "owner is required")
	}
	out, err := s.log.ListJournals(ctx, in.Owner, pageSize(in.Limit, 100, 500), in.Before)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "list journals: %v", err)
	}
	return &ListJournalsResponse{Journals: out}, nil
}

func (s *exchangeService) VerifyIntegrity(ctx context.Context, in *VerifyIntegrityRequest) (*query.IntegrityReport, error) {
	if s.log == nil {
		return nil, errNoLog
	}
	report, err := s.log.VerifyIntegrity(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "verify integrity: %v", err)
	}
	return report, nil
}

func (s *exchangeService) reserved(n int) {
	if s.metrics != nil {
		s.metrics.RinghashReserved.Add(float64(n))
	}
}

var errNoLog = status.Error(codes.Unavailable, "notification log is not configured")

// requestID keeps a caller-chosen id or assigns a fresh one, so every RPC
// request can be found in the notification log.
func requestID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

func pageSize(n, def, max int) int {
	if n <= 0 || n > max {
		return def
	}
	return n
}

// codes by core.Reason label
var reasonCodes = map[string]codes.Code{
	"reentrancy":            codes.Aborted,
	"state_conflict":        codes.Aborted,
	"duplicate":             codes.AlreadyExists,
	"not_owner":             codes.PermissionDenied,
	"stale_authorization":   codes.PermissionDenied,
	"authorization_used":    codes.AlreadyExists,
	"input_shape":           codes.InvalidArgument,
	"ring_size":             codes.InvalidArgument,
	"unknown_token":         codes.InvalidArgument,
	"invalid_rate":          codes.InvalidArgument,
	"invalid_signature":     codes.InvalidArgument,
	"invalid_order":         codes.InvalidArgument,
	"invalid_cancel":        codes.InvalidArgument,
	"fee_selection":         codes.InvalidArgument,
	"uneven_discount":       codes.InvalidArgument,
	"sub_ring":              codes.InvalidArgument,
	"ringhash_claimed":      codes.FailedPrecondition,
	"insufficient_balance":  codes.FailedPrecondition,
	"fully_consumed":        codes.FailedPrecondition,
	"expired":               codes.FailedPrecondition,
	"cutoff":                codes.FailedPrecondition,
	"cutoff_not_increasing": codes.FailedPrecondition,
	"transfer_failed":       codes.FailedPrecondition,
	"overflow":              codes.FailedPrecondition,
}

// statusFromError maps exchange errors to gRPC status errors.
func statusFromError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, query.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	}
	reason := core.Reason(err)
	code, ok := reasonCodes[reason]
	if !ok {
		return status.Error(codes.Internal, err.Error())
	}
	return status.Error(code, fmt.Sprintf("%s: %v", reason, err))
}
