package testutil

import (
	"crypto/ecdsa"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	umath "github.com/yuanfeiz/protocol/internal/math"
	"github.com/yuanfeiz/protocol/internal/order"
	"github.com/yuanfeiz/protocol/internal/registry"
	"github.com/yuanfeiz/protocol/internal/ring"
)

// Fixed clock used by ring fixtures. Orders are stamped at OrderTimestamp
// and validated at Now.
const (
	OrderTimestamp uint64 = 1_700_000_000
	Now            uint64 = OrderTimestamp + 60
	DefaultTTL     uint64 = 3600
)

var (
	Engine = common.HexToAddress("0x00000000000000000000000000000000000e0e0e")
	LRC    = common.HexToAddress("0x000000000000000000000000000000000000a1c0")
	TokenA = common.HexToAddress("0x000000000000000000000000000000000000a001")
	TokenB = common.HexToAddress("0x000000000000000000000000000000000000b002")
	TokenC = common.HexToAddress("0x000000000000000000000000000000000000c003")
)

// Key derives a deterministic secp256k1 key from seed.
func Key(t testing.TB, seed string) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.ToECDSA(crypto.Keccak256([]byte(seed)))
	if err != nil {
		t.Fatalf("derive key %q: %v", seed, err)
	}
	return key
}

// Addr returns the address of key.
func Addr(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}

// OrderSpec describes one order of a fixture ring. Zero values take
// defaults: RateAmountS = AmountS, Timestamp = OrderTimestamp,
// TTL = DefaultTTL, Salt = position + 1.
type OrderSpec struct {
	Owner                 *ecdsa.PrivateKey
	TokenS                common.Address
	AmountS               uint64
	AmountB               uint64
	RateAmountS           uint64
	LrcFee                uint64
	BuyNoMoreThanAmountB  bool
	MarginSplitPercentage uint8
	FeeSelection          order.FeeSelection
	Timestamp             uint64
	TTL                   uint64
	Salt                  uint64
}

// RingSpec describes a fixture ring. A zero Engine uses testutil.Engine.
type RingSpec struct {
	Engine       common.Address
	Miner        *ecdsa.PrivateKey
	FeeRecipient common.Address
	Orders       []OrderSpec
}

// BuildSubmission signs every order and the ring itself.
func BuildSubmission(t testing.TB, spec RingSpec) *ring.Submission {
	t.Helper()

	engine := EngineOf(spec)

	n := len(spec.Orders)
	sub := &ring.Submission{
		Addresses:            make([][2]common.Address, n),
		UintArgs:             make([][ring.NumUintArgs]uint256.Int, n),
		Uint8Args:            make([][2]uint8, n),
		BuyNoMoreThanAmountB: make([]bool, n),
		Signatures:           make([]order.Signature, n+1),
		Miner:                Addr(spec.Miner),
		FeeRecipient:         spec.FeeRecipient,
	}

	for i, osp := range spec.Orders {
		o, stamp := OrderTerms(spec, i)
		rateS := osp.RateAmountS
		if rateS == 0 {
			rateS = osp.AmountS
		}

		sub.Addresses[i] = [2]common.Address{o.Owner, o.TokenS}
		sub.UintArgs[i] = [ring.NumUintArgs]uint256.Int{
			ring.ArgAmountS:     o.AmountS,
			ring.ArgAmountB:     o.AmountB,
			ring.ArgTimestamp:   stamp.Timestamp,
			ring.ArgTTL:         stamp.TTL,
			ring.ArgSalt:        stamp.Salt,
			ring.ArgLrcFee:      o.LrcFee,
			ring.ArgRateAmountS: umath.New(rateS),
		}
		sub.Uint8Args[i] = [2]uint8{osp.MarginSplitPercentage, uint8(osp.FeeSelection)}
		sub.BuyNoMoreThanAmountB[i] = osp.BuyNoMoreThanAmountB

		sig, err := order.Sign(osp.Owner, order.Hash(engine, &o, stamp))
		if err != nil {
			t.Fatalf("sign order %d: %v", i, err)
		}
		sub.Signatures[i] = sig
	}

	ringHash, err := registry.RingHash(n, sub.Signatures)
	if err != nil {
		t.Fatalf("ring hash: %v", err)
	}
	sig, err := order.Sign(spec.Miner, ringHash)
	if err != nil {
		t.Fatalf("sign ring: %v", err)
	}
	sub.Signatures[n] = sig

	return sub
}

// OrderTerms returns the signed terms of order i of spec, with defaults
// applied and TokenB taken from the next order.
func OrderTerms(spec RingSpec, i int) (order.Order, order.Stamp) {
	osp := spec.Orders[i]
	n := len(spec.Orders)

	ts := osp.Timestamp
	if ts == 0 {
		ts = OrderTimestamp
	}
	ttl := osp.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	salt := osp.Salt
	if salt == 0 {
		salt = uint64(i + 1)
	}

	o := order.Order{
		Owner:                 Addr(osp.Owner),
		TokenS:                osp.TokenS,
		TokenB:                spec.Orders[(i+1)%n].TokenS,
		AmountS:               umath.New(osp.AmountS),
		AmountB:               umath.New(osp.AmountB),
		LrcFee:                umath.New(osp.LrcFee),
		BuyNoMoreThanAmountB:  osp.BuyNoMoreThanAmountB,
		MarginSplitPercentage: osp.MarginSplitPercentage,
	}
	stamp := order.Stamp{Timestamp: umath.New(ts), TTL: umath.New(ttl), Salt: umath.New(salt)}
	return o, stamp
}

// EngineOf returns the engine address spec binds orders to.
func EngineOf(spec RingSpec) common.Address {
	if spec.Engine == (common.Address{}) {
		return Engine
	}
	return spec.Engine
}
