package query

import (
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// NotificationRecord is one persisted notification.
type NotificationRecord struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	RingIndex      int64           `json:"ring_index"`
	RequestKind    string          `json:"request_kind,omitempty"`
	RequestID      string          `json:"request_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      hexutil.Bytes   `json:"state_hash"`
	PrevHash       hexutil.Bytes   `json:"prev_hash"`
	EmittedAt      time.Time       `json:"emitted_at"`
}

// JournalRecord is one persisted ledger movement.
type JournalRecord struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Token         string `json:"token"`
	Amount        string `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp_us"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy         bool               `json:"is_healthy"`
	LastSequence      int64              `json:"last_sequence"`
	HashChainBreaks   []int64            `json:"hash_chain_breaks,omitempty"`
	SequenceGaps      []int64            `json:"sequence_gaps,omitempty"`
	OverdrawnAccounts []OverdrawnAccount `json:"overdrawn_accounts,omitempty"`
}

// OverdrawnAccount is a holder account whose journals net below zero.
type OverdrawnAccount struct {
	Account string `json:"account"`
	Token   string `json:"token"`
	Net     string `json:"net"`
}
