package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	// AccountScopeHolder is a token balance owned by an address.
	AccountScopeHolder AccountScope = iota
	// AccountScopeExternal is the issuance boundary of a token. Its balance
	// is the total supply that has entered the ledger.
	AccountScopeExternal
)

// AccountKey identifies one token balance (41 bytes, comparable).
type AccountKey struct {
	Scope AccountScope
	Owner common.Address
	Token common.Address
}

// NewHolderAccountKey creates a key for owner's balance of token
func NewHolderAccountKey(owner, token common.Address) AccountKey {
	return AccountKey{
		Scope: AccountScopeHolder,
		Owner: owner,
		Token: token,
	}
}

// NewExternalAccountKey creates the issuance key for token
func NewExternalAccountKey(token common.Address) AccountKey {
	return AccountKey{
		Scope: AccountScopeExternal,
		Token: token,
	}
}

// IsExternal reports whether k is an issuance boundary account.
func (k AccountKey) IsExternal() bool {
	return k.Scope == AccountScopeExternal
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeHolder:
		return fmt.Sprintf("holder:%s:%s", k.Owner.Hex(), k.Token.Hex())
	case AccountScopeExternal:
		return fmt.Sprintf("external:issuance:%s", k.Token.Hex())
	}
	return "unknown"
}
