package ledger

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/yuanfeiz/protocol/internal/ring"
)

// JournalGenerator creates journal batches from transfer instructions
type JournalGenerator struct {
	now func() int64
}

func NewJournalGenerator(now func() int64) *JournalGenerator {
	return &JournalGenerator{now: now}
}

// GenerateMint creates the batch crediting owner with newly issued token.
// Moves funds: external:issuance -> holder
func (jg *JournalGenerator) GenerateMint(ref string, owner, token common.Address, amount uint256.Int) *Batch {
	b := jg.newBatch(ref, 1)
	b.add(NewHolderAccountKey(owner, token), NewExternalAccountKey(token), token, amount, JournalTypeMint)
	return b
}

// GenerateBurn creates the batch retiring amount of owner's token.
// Moves funds: holder -> external:issuance
func (jg *JournalGenerator) GenerateBurn(ref string, owner, token common.Address, amount uint256.Int) *Batch {
	b := jg.newBatch(ref, 1)
	b.add(NewExternalAccountKey(token), NewHolderAccountKey(owner, token), token, amount, JournalTypeBurn)
	return b
}

// GenerateRingSettlement expands a ring's transfer records into journals.
// For each record, with prev the record before it:
//
//	owner -> prev.owner     tokenS  AmountToPrev          (skipped when same owner)
//	owner -> feeRecipient   tokenS  AmountToFeeRecipient  (skipped when owner is feeRecipient)
//	feeRecipient -> owner   lrc     LrcReward             (likewise)
//	owner -> feeRecipient   lrc     LrcFee                (likewise)
//
// Zero amounts produce no journal. A ring where nothing moves yields an
// empty batch.
func (jg *JournalGenerator) GenerateRingSettlement(ref string, lrc, feeRecipient common.Address, records []ring.TransferRecord) *Batch {
	n := len(records)
	b := jg.newBatch(ref, 4*n)

	for i, rec := range records {
		prevOwner := records[(i+n-1)%n].Owner
		owner := NewHolderAccountKey(rec.Owner, rec.TokenS)

		if rec.Owner != prevOwner {
			b.add(NewHolderAccountKey(prevOwner, rec.TokenS), owner, rec.TokenS, rec.AmountToPrev, JournalTypeRingTransfer)
		}
		if rec.Owner == feeRecipient {
			continue
		}
		b.add(NewHolderAccountKey(feeRecipient, rec.TokenS), owner, rec.TokenS, rec.AmountToFeeRecipient, JournalTypeMarginSplit)
		b.add(NewHolderAccountKey(rec.Owner, lrc), NewHolderAccountKey(feeRecipient, lrc), lrc, rec.LrcReward, JournalTypeLrcReward)
		b.add(NewHolderAccountKey(feeRecipient, lrc), NewHolderAccountKey(rec.Owner, lrc), lrc, rec.LrcFee, JournalTypeLrcFee)
	}
	return b
}

// GenerateReversal creates the batch that undoes applied, in reverse order.
func (jg *JournalGenerator) GenerateReversal(applied *Batch) *Batch {
	b := jg.newBatch("reversal:"+applied.BatchID.String(), len(applied.Journals))
	for i := len(applied.Journals) - 1; i >= 0; i-- {
		j := applied.Journals[i]
		b.add(j.CreditAccount, j.DebitAccount, j.Token, j.Amount, JournalTypeReversal)
	}
	return b
}

func (jg *JournalGenerator) newBatch(ref string, capacity int) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  ref,
		Timestamp: jg.now(),
		Journals:  make([]Journal, 0, capacity),
	}
}

// add appends a journal moving amount from credit to debit. Zero amounts
// are dropped.
func (b *Batch) add(debit, credit AccountKey, token common.Address, amount uint256.Int, typ JournalType) {
	if amount.IsZero() {
		return
	}
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		DebitAccount:  debit,
		CreditAccount: credit,
		Token:         token,
		Amount:        amount,
		JournalType:   typ,
		Timestamp:     b.Timestamp,
	})
}
