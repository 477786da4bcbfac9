package ingestion

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/yuanfeiz/protocol/internal/core"
	umath "github.com/yuanfeiz/protocol/internal/math"
	"github.com/yuanfeiz/protocol/internal/order"
	"github.com/yuanfeiz/protocol/internal/ring"
)

// ParseRequest converts a JSON request body of the given kind into a typed
// core.Request. fallbackID is used when the body carries no request_id.
func ParseRequest(kind string, data []byte, fallbackID string) (core.Request, error) {
	switch kind {
	case core.KindSubmitRing:
		var j SubmitRingJSON
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, fmt.Errorf("parse %s: %w", kind, err)
		}
		return j.withID(fallbackID).Request()
	case core.KindCancel:
		var j CancelOrderJSON
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, fmt.Errorf("parse %s: %w", kind, err)
		}
		return j.withID(fallbackID).Request()
	case core.KindCutoff:
		var j SetCutoffJSON
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, fmt.Errorf("parse %s: %w", kind, err)
		}
		return j.withID(fallbackID).Request()
	default:
		return nil, fmt.Errorf("unknown request kind: %s", kind)
	}
}

// --- JSON wire formats ---
// Integers are decimal or 0x-hex strings so 256-bit values survive JSON.
// Field names use snake_case to match upstream producers.

type SignatureJSON struct {
	V uint8       `json:"v"`
	R common.Hash `json:"r"`
	S common.Hash `json:"s"`
}

func (s SignatureJSON) signature() order.Signature {
	return order.Signature{V: s.V, R: s.R, S: s.S}
}

func NewSignatureJSON(sig order.Signature) SignatureJSON {
	return SignatureJSON{V: sig.V, R: sig.R, S: sig.S}
}

// SubmitRingJSON mirrors ring.Submission's parallel arrays.
type SubmitRingJSON struct {
	RequestID            string                     `json:"request_id,omitempty"`
	Addresses            [][2]common.Address        `json:"addresses"`
	UintArgs             [][ring.NumUintArgs]string `json:"uint_args"`
	Uint8Args            [][2]uint8                 `json:"uint8_args"`
	BuyNoMoreThanAmountB []bool                     `json:"buy_no_more_than_amount_b"`
	Signatures           []SignatureJSON            `json:"signatures"`
	Miner                common.Address             `json:"miner"`
	FeeRecipient         common.Address             `json:"fee_recipient"`
}

func (j SubmitRingJSON) withID(id string) SubmitRingJSON {
	if j.RequestID == "" {
		j.RequestID = id
	}
	return j
}

// Submission decodes the wire form. Array lengths are checked by the
// exchange, not here.
func (j SubmitRingJSON) Submission() (*ring.Submission, error) {
	sub := &ring.Submission{
		Addresses:            j.Addresses,
		UintArgs:             make([][ring.NumUintArgs]uint256.Int, len(j.UintArgs)),
		Uint8Args:            j.Uint8Args,
		BuyNoMoreThanAmountB: j.BuyNoMoreThanAmountB,
		Signatures:           make([]order.Signature, len(j.Signatures)),
		Miner:                j.Miner,
		FeeRecipient:         j.FeeRecipient,
	}
	for i, args := range j.UintArgs {
		for k, s := range args {
			v, err := umath.Parse(s)
			if err != nil {
				return nil, fmt.Errorf("uint_args[%d][%d]: %w", i, k, err)
			}
			sub.UintArgs[i][k] = v
		}
	}
	for i, s := range j.Signatures {
		sub.Signatures[i] = s.signature()
	}
	return sub, nil
}

func (j SubmitRingJSON) Request() (core.Request, error) {
	sub, err := j.Submission()
	if err != nil {
		return nil, err
	}
	return &core.SubmitRingRequest{RequestID: j.RequestID, Submission: sub}, nil
}

// NewSubmitRingJSON encodes sub for the wire.
func NewSubmitRingJSON(requestID string, sub *ring.Submission) SubmitRingJSON {
	j := SubmitRingJSON{
		RequestID:            requestID,
		Addresses:            sub.Addresses,
		UintArgs:             make([][ring.NumUintArgs]string, len(sub.UintArgs)),
		Uint8Args:            sub.Uint8Args,
		BuyNoMoreThanAmountB: sub.BuyNoMoreThanAmountB,
		Signatures:           make([]SignatureJSON, len(sub.Signatures)),
		Miner:                sub.Miner,
		FeeRecipient:         sub.FeeRecipient,
	}
	for i, args := range sub.UintArgs {
		args := args
		for k := range args {
			j.UintArgs[i][k] = args[k].Dec()
		}
	}
	for i, s := range sub.Signatures {
		j.Signatures[i] = NewSignatureJSON(s)
	}
	return j
}

type OrderJSON struct {
	Owner                 common.Address `json:"owner"`
	TokenS                common.Address `json:"token_s"`
	TokenB                common.Address `json:"token_b"`
	AmountS               string         `json:"amount_s"`
	AmountB               string         `json:"amount_b"`
	LrcFee                string         `json:"lrc_fee"`
	BuyNoMoreThanAmountB  bool           `json:"buy_no_more_than_amount_b"`
	MarginSplitPercentage uint8          `json:"margin_split_percentage"`
	Timestamp             string         `json:"timestamp"`
	TTL                   string         `json:"ttl"`
	Salt                  string         `json:"salt"`
}

func (j OrderJSON) decode() (order.Order, order.Stamp, error) {
	o := order.Order{
		Owner:                 j.Owner,
		TokenS:                j.TokenS,
		TokenB:                j.TokenB,
		BuyNoMoreThanAmountB:  j.BuyNoMoreThanAmountB,
		MarginSplitPercentage: j.MarginSplitPercentage,
	}
	var st order.Stamp
	fields := []struct {
		name string
		src  string
		dst  *uint256.Int
	}{
		{"amount_s", j.AmountS, &o.AmountS},
		{"amount_b", j.AmountB, &o.AmountB},
		{"lrc_fee", j.LrcFee, &o.LrcFee},
		{"timestamp", j.Timestamp, &st.Timestamp},
		{"ttl", j.TTL, &st.TTL},
		{"salt", j.Salt, &st.Salt},
	}
	for _, f := range fields {
		if f.src == "" {
			continue
		}
		v, err := umath.Parse(f.src)
		if err != nil {
			return o, st, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = v
	}
	return o, st, nil
}

func NewOrderJSON(o order.Order, st order.Stamp) OrderJSON {
	return OrderJSON{
		Owner:                 o.Owner,
		TokenS:                o.TokenS,
		TokenB:                o.TokenB,
		AmountS:               o.AmountS.Dec(),
		AmountB:               o.AmountB.Dec(),
		LrcFee:                o.LrcFee.Dec(),
		BuyNoMoreThanAmountB:  o.BuyNoMoreThanAmountB,
		MarginSplitPercentage: o.MarginSplitPercentage,
		Timestamp:             st.Timestamp.Dec(),
		TTL:                   st.TTL.Dec(),
		Salt:                  st.Salt.Dec(),
	}
}

// AuthJSON is the owner's signature over a cancel or cutoff digest. The
// caller is whoever signed it; requests carry no caller field.
type AuthJSON struct {
	IssuedAt  string        `json:"issued_at"`
	Signature SignatureJSON `json:"signature"`
}

func (j AuthJSON) decode() (core.CallAuth, error) {
	issuedAt, err := umath.Parse(j.IssuedAt)
	if err != nil {
		return core.CallAuth{}, fmt.Errorf("issued_at: %w", err)
	}
	return core.CallAuth{IssuedAt: issuedAt, Signature: j.Signature.signature()}, nil
}

func NewAuthJSON(a core.CallAuth) AuthJSON {
	return AuthJSON{IssuedAt: a.IssuedAt.Dec(), Signature: NewSignatureJSON(a.Signature)}
}

type CancelOrderJSON struct {
	RequestID string        `json:"request_id,omitempty"`
	Order     OrderJSON     `json:"order"`
	Signature SignatureJSON `json:"signature"`
	Amount    string        `json:"amount"`
	Auth      AuthJSON      `json:"auth"`
}

func (j CancelOrderJSON) withID(id string) CancelOrderJSON {
	if j.RequestID == "" {
		j.RequestID = id
	}
	return j
}

func (j CancelOrderJSON) Request() (core.Request, error) {
	o, st, err := j.Order.decode()
	if err != nil {
		return nil, fmt.Errorf("order: %w", err)
	}
	amount, err := umath.Parse(j.Amount)
	if err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}
	auth, err := j.Auth.decode()
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	return &core.CancelOrderRequest{
		RequestID: j.RequestID,
		Cancel: core.CancelRequest{
			Order:     o,
			Stamp:     st,
			Signature: j.Signature.signature(),
			Amount:    amount,
		},
		Auth: auth,
	}, nil
}

type SetCutoffJSON struct {
	RequestID string         `json:"request_id,omitempty"`
	Owner     common.Address `json:"owner"`
	Cutoff    string         `json:"cutoff,omitempty"` // empty or 0 means now
	Auth      AuthJSON       `json:"auth"`
}

func (j SetCutoffJSON) withID(id string) SetCutoffJSON {
	if j.RequestID == "" {
		j.RequestID = id
	}
	return j
}

func (j SetCutoffJSON) Request() (core.Request, error) {
	var cutoff uint256.Int
	if j.Cutoff != "" {
		v, err := umath.Parse(j.Cutoff)
		if err != nil {
			return nil, fmt.Errorf("cutoff: %w", err)
		}
		cutoff = v
	}
	auth, err := j.Auth.decode()
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	return &core.SetCutoffRequest{RequestID: j.RequestID, Owner: j.Owner, Cutoff: cutoff, Auth: auth}, nil
}
