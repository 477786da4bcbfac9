package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidToken  = errors.New("invalid token registration")
	ErrTokenExists   = errors.New("token already registered")
	ErrTokenNotFound = errors.New("token not registered")
)

// Token is a registered token identity.
type Token struct {
	Address common.Address `json:"address"`
	Symbol  string         `json:"symbol"`
}

// TokenRegistry maps token addresses to symbols, one to one.
type TokenRegistry struct {
	mu       sync.RWMutex
	symbols  map[common.Address]string
	bySymbol map[string]common.Address
}

// NewTokenRegistry creates a registry seeded with tokens.
func NewTokenRegistry(tokens ...Token) (*TokenRegistry, error) {
	r := &TokenRegistry{
		symbols:  make(map[common.Address]string),
		bySymbol: make(map[string]common.Address),
	}
	for _, t := range tokens {
		if err := r.RegisterToken(t.Address, t.Symbol); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// RegisterToken adds a token. Both the address and the symbol must be new.
func (r *TokenRegistry) RegisterToken(addr common.Address, symbol string) error {
	symbol = strings.TrimSpace(symbol)
	if addr == (common.Address{}) || symbol == "" {
		return fmt.Errorf("%w: address %s symbol %q", ErrInvalidToken, addr.Hex(), symbol)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.symbols[addr]; ok {
		return fmt.Errorf("%w: %s", ErrTokenExists, addr.Hex())
	}
	if _, ok := r.bySymbol[symbol]; ok {
		return fmt.Errorf("%w: symbol %s", ErrTokenExists, symbol)
	}
	r.symbols[addr] = symbol
	r.bySymbol[symbol] = addr
	return nil
}

// UnregisterToken removes a token. The symbol must match its registration.
func (r *TokenRegistry) UnregisterToken(addr common.Address, symbol string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	registered, ok := r.symbols[addr]
	if !ok || registered != symbol {
		return fmt.Errorf("%w: %s (%s)", ErrTokenNotFound, addr.Hex(), symbol)
	}
	delete(r.symbols, addr)
	delete(r.bySymbol, symbol)
	return nil
}

// IsTokenRegistered reports whether addr is known.
func (r *TokenRegistry) IsTokenRegistered(addr common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.symbols[addr]
	return ok
}

// AreAllTokensRegistered implements ring.TokenRegistry.
func (r *TokenRegistry) AreAllTokensRegistered(tokens []common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range tokens {
		if _, ok := r.symbols[t]; !ok {
			return false
		}
	}
	return true
}

// AddressBySymbol looks a token up by symbol.
func (r *TokenRegistry) AddressBySymbol(symbol string) (common.Address, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.bySymbol[symbol]
	return addr, ok
}

// Tokens lists the registered tokens sorted by symbol.
func (r *TokenRegistry) Tokens() []Token {
	r.mu.RLock()
	out := make([]Token, 0, len(r.symbols))
	for addr, sym := range r.symbols {
		out = append(out, Token{Address: addr, Symbol: sym})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
