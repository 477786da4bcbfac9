package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/yuanfeiz/protocol/internal/ingestion"
)

// maxBodyBytes bounds request bodies on the HTTP surface.
const maxBodyBytes = 1 << 20

type observeFunc func(method string, start time.Time, err error)

type route struct {
	method  string
	pattern string
	name    string
	call    func(ctx context.Context, r *http.Request, params map[string]string) (any, error)
}

// newGatewayMux maps the Exchange methods onto HTTP routes under /v1.
func newGatewayMux(svc ExchangeServer, observe observeFunc) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()

	routes := []route{
		{"POST", "/v1/rings", "SubmitRing", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			var in ingestion.SubmitRingJSON
			if err := decodeBody(r, &in); err != nil {
				return nil, err
			}
			return svc.SubmitRing(ctx, &in)
		}},
		{"POST", "/v1/orders/cancel", "CancelOrder", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			var in ingestion.CancelOrderJSON
			if err := decodeBody(r, &in); err != nil {
				return nil, err
			}
			return svc.CancelOrder(ctx, &in)
		}},
		{"POST", "/v1/cutoffs", "SetCutoff", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			var in ingestion.SetCutoffJSON
			if err := decodeBody(r, &in); err != nil {
				return nil, err
			}
			return svc.SetCutoff(ctx, &in)
		}},
		{"POST", "/v1/ringhashes", "SubmitRinghash", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			var in SubmitRinghashRequest
			if err := decodeBody(r, &in); err != nil {
				return nil, err
			}
			return svc.SubmitRinghash(ctx, &in)
		}},
		{"POST", "/v1/ringhashes/batch", "BatchSubmitRinghash", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			var in BatchSubmitRinghashRequest
			if err := decodeBody(r, &in); err != nil {
				return nil, err
			}
			return svc.BatchSubmitRinghash(ctx, &in)
		}},
		{"GET", "/v1/orders/{order_hash}/filled", "GetFilled", func(ctx context.Context, _ *http.Request, p map[string]string) (any, error) {
			hash, err := parseHash(p["order_hash"])
			if err != nil {
				return nil, err
			}
			return svc.GetFilled(ctx, &GetFilledRequest{OrderHash: hash})
		}},
		{"GET", "/v1/owners/{owner}/cutoff", "GetCutoff", func(ctx context.Context, _ *http.Request, p map[string]string) (any, error) {
			owner, err := parseAddress(p["owner"])
			if err != nil {
				return nil, err
			}
			return svc.GetCutoff(ctx, &GetCutoffRequest{Owner: owner})
		}},
		{"GET", "/v1/ringindex", "GetRingIndex", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return svc.GetRingIndex(ctx, &GetRingIndexRequest{})
		}},
		{"GET", "/v1/rings/{ring_index}", "GetRing", func(ctx context.Context, _ *http.Request, p map[string]string) (any, error) {
			idx, err := strconv.ParseInt(p["ring_index"], 10, 64)
			if err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "ring_index: %v", err)
			}
			return svc.GetRing(ctx, &GetRingRequest{RingIndex: idx})
		}},
		{"GET", "/v1/notifications", "ListNotifications", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			q := r.URL.Query()
			from, err := queryInt(q.Get("from"))
			if err != nil {
				return nil, err
			}
			limit, err := queryInt(q.Get("limit"))
			if err != nil {
				return nil, err
			}
			return svc.ListNotifications(ctx, &ListNotificationsRequest{From: from, Limit: int(limit)})
		}},
		{"GET", "/v1/owners/{owner}/journals", "ListJournals", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			owner, err := parseAddress(p["owner"])
			if err != nil {
				return nil, err
			}
			q := r.URL.Query()
			limit, err := queryInt(q.Get("limit"))
			if err != nil {
				return nil, err
			}
			in := &ListJournalsRequest{Owner: owner, Limit: int(limit)}
			if b := q.Get("before"); b != "" {
				before, err := queryInt(b)
				if err != nil {
					return nil, err
				}
				in.Before = &before
			}
			return svc.ListJournals(ctx, in)
		}},
		{"GET", "/v1/integrity", "VerifyIntegrity", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return svc.VerifyIntegrity(ctx, &VerifyIntegrityRequest{})
		}},
	}

	for _, rt := range routes {
		rt := rt
		err := mux.HandlePath(rt.method, rt.pattern, func(w http.ResponseWriter, r *http.Request, params map[string]string) {
			start := time.Now()
			resp, err := rt.call(r.Context(), r, params)
			observe(rt.name, start, err)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
		})
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return mux, nil
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode body: %v", err)
	}
	return nil
}

func parseHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, status.Errorf(codes.InvalidArgument, "invalid hash %q", s)
	}
	return common.BytesToHash(b), nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, status.Errorf(codes.InvalidArgument, "invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

func queryInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "invalid integer %q", s)
	}
	return v, nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), errorBody{
		Code:    st.Code().String(),
		Message: st.Message(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
