package event

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// OrderCancelled records an owner marking part of an order as consumed.
// Idempotency key: "{order_hash}:{cumulative}" so repeated partial cancels
// of the same order stay distinct.
type OrderCancelled struct {
	OrderHash       common.Hash
	AmountCancelled uint256.Int
	Cumulative      uint256.Int // filled-or-cancelled total after this cancel
}

func (c *OrderCancelled) IdempotencyKey() string {
	return c.OrderHash.Hex() + ":" + c.Cumulative.Dec()
}

func (c *OrderCancelled) EventType() EventType {
	return EventTypeOrderCancelled
}

func (c *OrderCancelled) Digest() []byte {
	buf := make([]byte, 0, 32*3)
	buf = append(buf, c.OrderHash.Bytes()...)
	buf = appendWord(buf, c.AmountCancelled)
	return appendWord(buf, c.Cumulative)
}

func (c *OrderCancelled) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		OrderHash       common.Hash `json:"order_hash"`
		AmountCancelled string      `json:"amount_cancelled"`
		Cumulative      string      `json:"cumulative"`
	}{c.OrderHash, c.AmountCancelled.Dec(), c.Cumulative.Dec()})
}
