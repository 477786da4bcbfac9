package event

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// CutoffChanged records an owner raising its cutoff timestamp.
// Idempotency key: "{owner}:{cutoff}".
type CutoffChanged struct {
	Owner  common.Address
	Cutoff uint256.Int
}

func (c *CutoffChanged) IdempotencyKey() string {
	return c.Owner.Hex() + ":" + c.Cutoff.Dec()
}

func (c *CutoffChanged) EventType() EventType {
	return EventTypeCutoffChanged
}

func (c *CutoffChanged) Digest() []byte {
	buf := make([]byte, 0, 20+32)
	buf = append(buf, c.Owner.Bytes()...)
	return appendWord(buf, c.Cutoff)
}

func (c *CutoffChanged) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Owner  common.Address `json:"owner"`
		Cutoff string         `json:"cutoff"`
	}{c.Owner, c.Cutoff.Dec()})
}
