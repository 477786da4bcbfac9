// Package registry holds the reference token registry and ring-hash
// registry the exchange consults before settling a ring.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/yuanfeiz/protocol/internal/order"
	"github.com/yuanfeiz/protocol/internal/ring"
)

// DefaultRinghashTTL is how long a reservation blocks other miners.
const DefaultRinghashTTL = 100 * time.Second

type reservation struct {
	miner common.Address
	at    time.Time
}

// RinghashRegistry lets miners reserve a ring hash before submitting the
// ring, so that others cannot front-run it while the reservation lives.
type RinghashRegistry struct {
	mu           sync.RWMutex
	ttl          time.Duration
	now          func() time.Time
	reservations map[common.Hash]reservation
}

// NewRinghashRegistry creates a registry. A nil now uses time.Now.
func NewRinghashRegistry(ttl time.Duration, now func() time.Time) *RinghashRegistry {
	if ttl <= 0 {
		ttl = DefaultRinghashTTL
	}
	if now == nil {
		now = time.Now
	}
	return &RinghashRegistry{
		ttl:          ttl,
		now:          now,
		reservations: make(map[common.Hash]reservation),
	}
}

// RingHash derives a ring's identity from its first ringSize signatures:
//
//	keccak256(xor(v) || xor(r) || xor(s))
//
// with v packed as one byte.
func RingHash(ringSize int, sigs []order.Signature) (common.Hash, error) {
	if ringSize <= 0 || len(sigs) < ringSize {
		return common.Hash{}, fmt.Errorf("%w: ring hash over %d signatures, have %d", ring.ErrInputShape, ringSize, len(sigs))
	}

	var (
		v    uint8
		r, s common.Hash
	)
	for _, sig := range sigs[:ringSize] {
		v ^= sig.V
		for i := range r {
			r[i] ^= sig.R[i]
			s[i] ^= sig.S[i]
		}
	}

	buf := make([]byte, 0, 1+2*common.HashLength)
	buf = append(buf, v)
	buf = append(buf, r[:]...)
	buf = append(buf, s[:]...)
	return crypto.Keccak256Hash(buf), nil
}

// CanSubmit reports whether miner may submit the ring: it is unreserved,
// its reservation expired, or miner holds it.
func (r *RinghashRegistry) CanSubmit(hash common.Hash, miner common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.canSubmitLocked(hash, miner)
}

// IsReserved reports whether miner holds a live reservation for hash.
func (r *RinghashRegistry) IsReserved(hash common.Hash, miner common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.reservations[hash]
	return ok && res.miner == miner && r.live(res)
}

// SubmitRinghash reserves hash for miner, refreshing its own reservation.
func (r *RinghashRegistry) SubmitRinghash(miner common.Address, hash common.Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.canSubmitLocked(hash, miner) {
		return fmt.Errorf("%w: %s", ring.ErrRinghashClaimed, hash.Hex())
	}
	r.reservations[hash] = reservation{miner: miner, at: r.now()}
	return nil
}

// BatchSubmitRinghash reserves several hashes. Either all reservations are
// recorded or none.
func (r *RinghashRegistry) BatchSubmitRinghash(miners []common.Address, hashes []common.Hash) error {
	if len(miners) != len(hashes) {
		return fmt.Errorf("%w: %d miners for %d ring hashes", ring.ErrInputShape, len(miners), len(hashes))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	pending := make(map[common.Hash]common.Address, len(hashes))
	for i, h := range hashes {
		if prior, ok := pending[h]; ok && prior != miners[i] {
			return fmt.Errorf("%w: %s twice in batch", ring.ErrRinghashClaimed, h.Hex())
		}
		if !r.canSubmitLocked(h, miners[i]) {
			return fmt.Errorf("%w: %s", ring.ErrRinghashClaimed, h.Hex())
		}
		pending[h] = miners[i]
	}

	at := r.now()
	for h, m := range pending {
		r.reservations[h] = reservation{miner: m, at: at}
	}
	return nil
}

// ComputeAndGetRinghashInfo implements ring.RinghashRegistry.
func (r *RinghashRegistry) ComputeAndGetRinghashInfo(ringSize int, miner common.Address, sigs []order.Signature) (common.Hash, bool, bool, error) {
	hash, err := RingHash(ringSize, sigs)
	if err != nil {
		return common.Hash{}, false, false, err
	}
	return hash, r.CanSubmit(hash, miner), r.IsReserved(hash, miner), nil
}

// Prune drops expired reservations and returns how many were removed.
func (r *RinghashRegistry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for h, res := range r.reservations {
		if !r.live(res) {
			delete(r.reservations, h)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked reservations, live or not.
func (r *RinghashRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.reservations)
}

func (r *RinghashRegistry) canSubmitLocked(hash common.Hash, miner common.Address) bool {
	res, ok := r.reservations[hash]
	return !ok || !r.live(res) || res.miner == miner
}

// live: at + ttl >= now
func (r *RinghashRegistry) live(res reservation) bool {
	return !res.at.Add(r.ttl).Before(r.now())
}
