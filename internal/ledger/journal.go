package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeMint JournalType = iota
	JournalTypeBurn
	JournalTypeRingTransfer // owner to previous owner
	JournalTypeMarginSplit  // owner to fee recipient, in the sold token
	JournalTypeLrcReward    // fee recipient to owner
	JournalTypeLrcFee       // owner to fee recipient
	JournalTypeReversal
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeMint:
		return "mint"
	case JournalTypeBurn:
		return "burn"
	case JournalTypeRingTransfer:
		return "ring_transfer"
	case JournalTypeMarginSplit:
		return "margin_split"
	case JournalTypeLrcReward:
		return "lrc_reward"
	case JournalTypeLrcFee:
		return "lrc_fee"
	case JournalTypeReversal:
		return "reversal"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID      // Unique identifier
	BatchID       uuid.UUID      // Groups entries applied together
	EventRef      string         // Idempotency key of the source request
	DebitAccount  AccountKey     // Account receiving the amount
	CreditAccount AccountKey     // Account paying the amount
	Token         common.Address // Token being transferred
	Amount        uint256.Int    // ALWAYS positive
	JournalType   JournalType
	Timestamp     int64 // epoch microseconds
}

// Batch is a set of journal entries applied all at once or not at all
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Each entry moves one positive amount of one token between two accounts,
// so every entry, and hence the batch, conserves each token.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		j := j
		if j.Amount.IsZero() {
			return fmt.Errorf("journal %s has zero amount", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.Token != j.Token || j.CreditAccount.Token != j.Token {
			return fmt.Errorf("journal %s moves %s between accounts of another token", j.JournalID, j.Token.Hex())
		}
	}

	return nil
}
