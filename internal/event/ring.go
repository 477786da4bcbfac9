package event

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// RingMined is emitted once per settled ring, after its OrderFilled
// notifications.
// Idempotency key: "{ring_index}:{ring_hash}".
type RingMined struct {
	RingIndex          uint64
	RingHash           common.Hash
	Miner              common.Address
	FeeRecipient       common.Address
	IsRinghashReserved bool
}

func (r *RingMined) IdempotencyKey() string {
	return fmt.Sprintf("%d:%s", r.RingIndex, r.RingHash.Hex())
}

func (r *RingMined) EventType() EventType {
	return EventTypeRingMined
}

func (r *RingMined) Digest() []byte {
	buf := make([]byte, 0, 8+32+20+20+1)
	buf = binary.BigEndian.AppendUint64(buf, r.RingIndex)
	buf = append(buf, r.RingHash.Bytes()...)
	buf = append(buf, r.Miner.Bytes()...)
	buf = append(buf, r.FeeRecipient.Bytes()...)
	if r.IsRinghashReserved {
		return append(buf, 1)
	}
	return append(buf, 0)
}

type ringMinedJSON struct {
	RingIndex          uint64         `json:"ring_index"`
	RingHash           common.Hash    `json:"ring_hash"`
	Miner              common.Address `json:"miner"`
	FeeRecipient       common.Address `json:"fee_recipient"`
	IsRinghashReserved bool           `json:"is_ringhash_reserved"`
}

func (r *RingMined) MarshalJSON() ([]byte, error) {
	return json.Marshal(ringMinedJSON{
		RingIndex:          r.RingIndex,
		RingHash:           r.RingHash,
		Miner:              r.Miner,
		FeeRecipient:       r.FeeRecipient,
		IsRinghashReserved: r.IsRinghashReserved,
	})
}

// OrderFilled reports what one ring participant traded.
// AmountS is what the owner gave up (fill plus its sell-side split), AmountB
// what it received (next order's fill less its buy-side split).
// Idempotency key: "{ring_index}:{order_hash}".
type OrderFilled struct {
	RingIndex     uint64
	RingHash      common.Hash
	PrevOrderHash common.Hash
	OrderHash     common.Hash
	NextOrderHash common.Hash
	AmountS       uint256.Int
	AmountB       uint256.Int
	LrcReward     uint256.Int
	LrcFee        uint256.Int
}

func (f *OrderFilled) IdempotencyKey() string {
	return fmt.Sprintf("%d:%s", f.RingIndex, f.OrderHash.Hex())
}

func (f *OrderFilled) EventType() EventType {
	return EventTypeOrderFilled
}

func (f *OrderFilled) Digest() []byte {
	buf := make([]byte, 0, 8+4*32+4*32)
	buf = binary.BigEndian.AppendUint64(buf, f.RingIndex)
	buf = append(buf, f.RingHash.Bytes()...)
	buf = append(buf, f.PrevOrderHash.Bytes()...)
	buf = append(buf, f.OrderHash.Bytes()...)
	buf = append(buf, f.NextOrderHash.Bytes()...)
	buf = appendWord(buf, f.AmountS)
	buf = appendWord(buf, f.AmountB)
	buf = appendWord(buf, f.LrcReward)
	return appendWord(buf, f.LrcFee)
}

type orderFilledJSON struct {
	RingIndex     uint64      `json:"ring_index"`
	RingHash      common.Hash `json:"ring_hash"`
	PrevOrderHash common.Hash `json:"prev_order_hash"`
	OrderHash     common.Hash `json:"order_hash"`
	NextOrderHash common.Hash `json:"next_order_hash"`
	AmountS       string      `json:"amount_s"`
	AmountB       string      `json:"amount_b"`
	LrcReward     string      `json:"lrc_reward"`
	LrcFee        string      `json:"lrc_fee"`
}

func (f *OrderFilled) MarshalJSON() ([]byte, error) {
	return json.Marshal(orderFilledJSON{
		RingIndex:     f.RingIndex,
		RingHash:      f.RingHash,
		PrevOrderHash: f.PrevOrderHash,
		OrderHash:     f.OrderHash,
		NextOrderHash: f.NextOrderHash,
		AmountS:       f.AmountS.Dec(),
		AmountB:       f.AmountB.Dec(),
		LrcReward:     f.LrcReward.Dec(),
		LrcFee:        f.LrcFee.Dec(),
	})
}

func appendWord(buf []byte, v uint256.Int) []byte {
	word := v.Bytes32()
	return append(buf, word[:]...)
}
