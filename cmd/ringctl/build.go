package main

import (
	"crypto/ecdsa"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/yuanfeiz/protocol/internal/core"
	"github.com/yuanfeiz/protocol/internal/ingestion"
	umath "github.com/yuanfeiz/protocol/internal/math"
	"github.com/yuanfeiz/protocol/internal/order"
	"github.com/yuanfeiz/protocol/internal/registry"
	"github.com/yuanfeiz/protocol/internal/ring"
)

// RingFile describes a ring to sign. Keys are hex secp256k1 private keys.
// Each order buys the next order's sell token.
type RingFile struct {
	RequestID    string      `yaml:"request_id"`
	Engine       string      `yaml:"engine"`
	MinerKey     string      `yaml:"miner_key"`
	FeeRecipient string      `yaml:"fee_recipient"`
	Orders       []OrderFile `yaml:"orders"`
}

type OrderFile struct {
	OwnerKey              string `yaml:"owner_key"`
	TokenS                string `yaml:"token_s"`
	AmountS               string `yaml:"amount_s"`
	AmountB               string `yaml:"amount_b"`
	RateAmountS           string `yaml:"rate_amount_s"` // defaults to amount_s
	LrcFee                string `yaml:"lrc_fee"`
	BuyNoMoreThanAmountB  bool   `yaml:"buy_no_more_than_amount_b"`
	MarginSplitPercentage uint8  `yaml:"margin_split_percentage"`
	FeeSelection          uint8  `yaml:"fee_selection"`
	Timestamp             string `yaml:"timestamp"`
	TTL                   string `yaml:"ttl"`
	Salt                  string `yaml:"salt"`
}

// CancelFile describes an order cancellation signed by its owner.
// IssuedAt defaults to now.
type CancelFile struct {
	RequestID string    `yaml:"request_id"`
	Engine    string    `yaml:"engine"`
	TokenB    string    `yaml:"token_b"`
	Amount    string    `yaml:"amount"`
	IssuedAt  string    `yaml:"issued_at"`
	Order     OrderFile `yaml:"order"`
}

// CutoffFile describes a cutoff raise signed by its owner. An empty cutoff
// means the engine's now.
type CutoffFile struct {
	RequestID string `yaml:"request_id"`
	Engine    string `yaml:"engine"`
	OwnerKey  string `yaml:"owner_key"`
	Cutoff    string `yaml:"cutoff"`
	IssuedAt  string `yaml:"issued_at"`
}

// SignedRing is a submission with the hashes it commits to.
type SignedRing struct {
	Request     ingestion.SubmitRingJSON `json:"request"`
	OrderHashes []common.Hash            `json:"order_hashes"`
	RingHash    common.Hash              `json:"ring_hash"`
}

func parseKey(s string) (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(strings.TrimPrefix(s, "0x"))
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s: %q is not a hex address", field, s)
	}
	return common.HexToAddress(s), nil
}

func parseUint(field, s, def string) (uint256.Int, error) {
	if s == "" {
		s = def
	}
	v, err := umath.Parse(s)
	if err != nil {
		return v, fmt.Errorf("%s: %w", field, err)
	}
	return v, nil
}

// terms decodes o. TokenB is supplied by the caller.
func (o OrderFile) terms(tokenB common.Address) (*ecdsa.PrivateKey, order.Order, order.Stamp, error) {
	var (
		ord   order.Order
		stamp order.Stamp
	)
	key, err := parseKey(o.OwnerKey)
	if err != nil {
		return nil, ord, stamp, fmt.Errorf("owner_key: %w", err)
	}
	tokenS, err := parseAddress("token_s", o.TokenS)
	if err != nil {
		return nil, ord, stamp, err
	}
	ord = order.Order{
		Owner:                 crypto.PubkeyToAddress(key.PublicKey),
		TokenS:                tokenS,
		TokenB:                tokenB,
		BuyNoMoreThanAmountB:  o.BuyNoMoreThanAmountB,
		MarginSplitPercentage: o.MarginSplitPercentage,
	}
	fields := []struct {
		name, src, def string
		dst            *uint256.Int
	}{
		{"amount_s", o.AmountS, "", &ord.AmountS},
		{"amount_b", o.AmountB, "", &ord.AmountB},
		{"lrc_fee", o.LrcFee, "0", &ord.LrcFee},
		{"timestamp", o.Timestamp, "", &stamp.Timestamp},
		{"ttl", o.TTL, "", &stamp.TTL},
		{"salt", o.Salt, "0", &stamp.Salt},
	}
	for _, f := range fields {
		v, err := parseUint(f.name, f.src, f.def)
		if err != nil {
			return nil, ord, stamp, err
		}
		*f.dst = v
	}
	return key, ord, stamp, nil
}

// BuildRing signs every order and then the ring with the miner key.
func BuildRing(f *RingFile) (*SignedRing, error) {
	n := len(f.Orders)
	if n < 2 {
		return nil, fmt.Errorf("ring needs at least 2 orders, got %d", n)
	}
	engine, err := parseAddress("engine", f.Engine)
	if err != nil {
		return nil, err
	}
	minerKey, err := parseKey(f.MinerKey)
	if err != nil {
		return nil, fmt.Errorf("miner_key: %w", err)
	}
	var feeRecipient common.Address
	if f.FeeRecipient != "" {
		if feeRecipient, err = parseAddress("fee_recipient", f.FeeRecipient); err != nil {
			return nil, err
		}
	}

	sub := &ring.Submission{
		Addresses:            make([][2]common.Address, n),
		UintArgs:             make([][ring.NumUintArgs]uint256.Int, n),
		Uint8Args:            make([][2]uint8, n),
		BuyNoMoreThanAmountB: make([]bool, n),
		Signatures:           make([]order.Signature, n+1),
		Miner:                crypto.PubkeyToAddress(minerKey.PublicKey),
		FeeRecipient:         feeRecipient,
	}
	out := &SignedRing{OrderHashes: make([]common.Hash, n)}

	for i, of := range f.Orders {
		tokenB, err := parseAddress(fmt.Sprintf("orders[%d].token_s", (i+1)%n), f.Orders[(i+1)%n].TokenS)
		if err != nil {
			return nil, err
		}
		key, o, stamp, err := of.terms(tokenB)
		if err != nil {
			return nil, fmt.Errorf("orders[%d]: %w", i, err)
		}
		rateS, err := parseUint("rate_amount_s", of.RateAmountS, of.AmountS)
		if err != nil {
			return nil, fmt.Errorf("orders[%d]: %w", i, err)
		}

		sub.Addresses[i] = [2]common.Address{o.Owner, o.TokenS}
		sub.UintArgs[i] = [ring.NumUintArgs]uint256.Int{
			ring.ArgAmountS:     o.AmountS,
			ring.ArgAmountB:     o.AmountB,
			ring.ArgTimestamp:   stamp.Timestamp,
			ring.ArgTTL:         stamp.TTL,
			ring.ArgSalt:        stamp.Salt,
			ring.ArgLrcFee:      o.LrcFee,
			ring.ArgRateAmountS: rateS,
		}
		sub.Uint8Args[i] = [2]uint8{of.MarginSplitPercentage, of.FeeSelection}
		sub.BuyNoMoreThanAmountB[i] = of.BuyNoMoreThanAmountB

		hash := order.Hash(engine, &o, stamp)
		sig, err := order.Sign(key, hash)
		if err != nil {
			return nil, fmt.Errorf("sign order %d: %w", i, err)
		}
		sub.Signatures[i] = sig
		out.OrderHashes[i] = hash
	}

	ringHash, err := registry.RingHash(n, sub.Signatures)
	if err != nil {
		return nil, fmt.Errorf("ring hash: %w", err)
	}
	sig, err := order.Sign(minerKey, ringHash)
	if err != nil {
		return nil, fmt.Errorf("sign ring: %w", err)
	}
	sub.Signatures[n] = sig

	out.Request = ingestion.NewSubmitRingJSON(f.RequestID, sub)
	out.RingHash = ringHash
	return out, nil
}

func signAuth(key *ecdsa.PrivateKey, digest common.Hash, issuedAt uint256.Int) (ingestion.AuthJSON, error) {
	sig, err := order.Sign(key, digest)
	if err != nil {
		return ingestion.AuthJSON{}, fmt.Errorf("sign authorization: %w", err)
	}
	return ingestion.NewAuthJSON(core.CallAuth{IssuedAt: issuedAt, Signature: sig}), nil
}

// BuildCancel signs the order and the owner's authorization to cancel
// amount of it.
func BuildCancel(f *CancelFile, now time.Time) (*ingestion.CancelOrderJSON, common.Hash, error) {
	engine, err := parseAddress("engine", f.Engine)
	if err != nil {
		return nil, common.Hash{}, err
	}
	tokenB, err := parseAddress("token_b", f.TokenB)
	if err != nil {
		return nil, common.Hash{}, err
	}
	key, o, stamp, err := f.Order.terms(tokenB)
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("order: %w", err)
	}
	amount, err := parseUint("amount", f.Amount, "")
	if err != nil {
		return nil, common.Hash{}, err
	}
	issuedAt, err := parseUint("issued_at", f.IssuedAt, strconv.FormatInt(now.Unix(), 10))
	if err != nil {
		return nil, common.Hash{}, err
	}

	hash := order.Hash(engine, &o, stamp)
	sig, err := order.Sign(key, hash)
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("sign order: %w", err)
	}
	auth, err := signAuth(key, order.CancelDigest(engine, hash, amount, issuedAt), issuedAt)
	if err != nil {
		return nil, common.Hash{}, err
	}
	return &ingestion.CancelOrderJSON{
		RequestID: f.RequestID,
		Order:     ingestion.NewOrderJSON(o, stamp),
		Signature: ingestion.NewSignatureJSON(sig),
		Amount:    f.Amount,
		Auth:      auth,
	}, hash, nil
}

// BuildCutoff signs the owner's request to raise its cutoff.
func BuildCutoff(f *CutoffFile, now time.Time) (*ingestion.SetCutoffJSON, error) {
	engine, err := parseAddress("engine", f.Engine)
	if err != nil {
		return nil, err
	}
	key, err := parseKey(f.OwnerKey)
	if err != nil {
		return nil, fmt.Errorf("owner_key: %w", err)
	}
	cutoff, err := parseUint("cutoff", f.Cutoff, "0")
	if err != nil {
		return nil, err
	}
	issuedAt, err := parseUint("issued_at", f.IssuedAt, strconv.FormatInt(now.Unix(), 10))
	if err != nil {
		return nil, err
	}

	owner := crypto.PubkeyToAddress(key.PublicKey)
	auth, err := signAuth(key, order.CutoffDigest(engine, owner, cutoff, issuedAt), issuedAt)
	if err != nil {
		return nil, err
	}
	return &ingestion.SetCutoffJSON{
		RequestID: f.RequestID,
		Owner:     owner,
		Cutoff:    cutoff.Dec(),
		Auth:      auth,
	}, nil
}
