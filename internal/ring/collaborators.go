package ring

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/yuanfeiz/protocol/internal/order"
)

// TokenRegistry answers whether token identities are known.
type TokenRegistry interface {
	AreAllTokensRegistered(tokens []common.Address) bool
}

// RinghashRegistry derives a ring's hash from its signatures and reports
// whether the miner may submit it and whether the miner reserved it.
type RinghashRegistry interface {
	ComputeAndGetRinghashInfo(ringSize int, miner common.Address, sigs []order.Signature) (hash common.Hash, canSubmit bool, reserved bool, err error)
}

// SpendableSource reports min(balance, allowance) of token held by owner.
type SpendableSource interface {
	Spendable(token, owner common.Address) (uint256.Int, error)
}

// TransferDelegate moves tokens on behalf of ring participants.
// BatchTransfer executes every record or none of them. Reverse undoes a
// batch that has already been executed.
type TransferDelegate interface {
	SpendableSource
	BatchTransfer(ctx context.Context, lrcToken, feeRecipient common.Address, batch []TransferRecord) (Receipt, error)
	Reverse(ctx context.Context, receipt Receipt) error
}

// History is the read side of the persistent ledger state.
type History interface {
	Filled(orderHash common.Hash) (uint256.Int, error)
	Cutoff(owner common.Address) (uint256.Int, error)
}

// Receipt identifies an executed transfer batch.
type Receipt struct {
	BatchID uuid.UUID
	Legs    int
}
