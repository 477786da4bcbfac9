package server

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/yuanfeiz/protocol/internal/query"
	"github.com/yuanfeiz/protocol/internal/ring"
)

// Request and response messages of ringsettle.v1.Exchange. Integers wider
// than 64 bits travel as decimal strings.

type Ack struct {
	RequestID string `json:"request_id,omitempty"`
}

type OrderFill struct {
	OrderHash   common.Hash `json:"order_hash"`
	FillAmountS string      `json:"fill_amount_s"`
	LrcReward   string      `json:"lrc_reward"`
	LrcFee      string      `json:"lrc_fee"`
	SplitS      string      `json:"split_s"`
	SplitB      string      `json:"split_b"`
}

type RingResult struct {
	RequestID          string         `json:"request_id,omitempty"`
	RingIndex          uint64         `json:"ring_index"`
	RingHash           common.Hash    `json:"ring_hash"`
	Miner              common.Address `json:"miner"`
	FeeRecipient       common.Address `json:"fee_recipient"`
	IsRinghashReserved bool           `json:"is_ringhash_reserved"`
	TransferLegs       int            `json:"transfer_legs"`
	Orders             []OrderFill    `json:"orders"`
}

func newRingResult(requestID string, res *ring.Result) *RingResult {
	out := &RingResult{
		RequestID:          requestID,
		RingIndex:          res.RingIndex,
		RingHash:           res.RingHash,
		Miner:              res.Miner,
		FeeRecipient:       res.FeeRecipient,
		IsRinghashReserved: res.IsRinghashReserved,
		TransferLegs:       res.Receipt.Legs,
		Orders:             make([]OrderFill, 0, len(res.Orders)),
	}
	for _, s := range res.Orders {
		out.Orders = append(out.Orders, OrderFill{
			OrderHash:   s.OrderHash,
			FillAmountS: s.FillAmountS.Dec(),
			LrcReward:   s.LrcReward.Dec(),
			LrcFee:      s.LrcFee.Dec(),
			SplitS:      s.SplitS.Dec(),
			SplitB:      s.SplitB.Dec(),
		})
	}
	return out
}

type GetFilledRequest struct {
	OrderHash common.Hash `json:"order_hash"`
}

type GetFilledResponse struct {
	OrderHash common.Hash `json:"order_hash"`
	Filled    string      `json:"filled"`
}

type GetCutoffRequest struct {
	Owner common.Address `json:"owner"`
}

type GetCutoffResponse struct {
	Owner  common.Address `json:"owner"`
	Cutoff string         `json:"cutoff"`
}

type GetRingIndexRequest struct{}

type GetRingIndexResponse struct {
	RingIndex uint64 `json:"ring_index"`
}

type SubmitRinghashRequest struct {
	Miner    common.Address `json:"miner"`
	RingHash common.Hash    `json:"ring_hash"`
}

type BatchSubmitRinghashRequest struct {
	Miners     []common.Address `json:"miners"`
	RingHashes []common.Hash    `json:"ring_hashes"`
}

type ListNotificationsRequest struct {
	From  int64 `json:"from"`
	Limit int   `json:"limit"`
}

type GetRingRequest struct {
	RingIndex int64 `json:"ring_index"`
}

type NotificationsResponse struct {
	Notifications []query.NotificationRecord `json:"notifications"`
}

type ListJournalsRequest struct {
	Owner  common.Address `json:"owner"`
	Limit  int            `json:"limit"`
	Before *int64         `json:"before,omitempty"`
}

type ListJournalsResponse struct {
	Journals []query.JournalRecord `json:"journals"`
}

type VerifyIntegrityRequest struct{}
