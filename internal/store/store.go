// Package store is the versioned key-value store holding the exchange's
// persistent state: cumulative fills per order, cutoffs per owner, used
// call authorizations and the ring counter.
//
// Changes are staged in a WriteSet and committed together. A commit fails
// if anything else committed since the WriteSet was opened.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	umath "github.com/yuanfeiz/protocol/internal/math"
)

var (
	ErrNotFound        = errors.New("key not found")
	ErrVersionConflict = errors.New("store changed since write set was opened")
	ErrClosed          = errors.New("store closed")
)

// KV is the backend contract. Write applies every put of the write set in
// one atomic step and advances the version by one.
type KV interface {
	Get(key []byte) ([]byte, error)
	Write(ws *WriteSet) error
	Version() (uint64, error)
	Close() error
}

var (
	prefixFilled = []byte("filled:")
	prefixCutoff = []byte("cutoff:")
	prefixAuth   = []byte("auth:")
	keyRingIndex = []byte("meta:ring_index")
	keyVersion   = []byte("meta:version")
)

func filledKey(hash common.Hash) []byte {
	return append(append([]byte{}, prefixFilled...), hash.Bytes()...)
}

func cutoffKey(owner common.Address) []byte {
	return append(append([]byte{}, prefixCutoff...), owner.Bytes()...)
}

func authKey(digest common.Hash) []byte {
	return append(append([]byte{}, prefixAuth...), digest.Bytes()...)
}

func encodeUint256(v uint256.Int) []byte {
	b := v.Bytes32()
	return b[:]
}

func decodeUint256(b []byte) (uint256.Int, error) {
	if len(b) != 32 {
		return umath.Zero, fmt.Errorf("stored uint256 has %d bytes", len(b))
	}
	var v uint256.Int
	v.SetBytes32(b)
	return v, nil
}

func encodeUint64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func decodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("stored uint64 has %d bytes", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// State is the typed view over a KV. It implements ring.History.
type State struct {
	kv KV
}

func NewState(kv KV) *State {
	return &State{kv: kv}
}

// Filled returns the cumulative filled-or-cancelled amount of an order.
func (s *State) Filled(hash common.Hash) (uint256.Int, error) {
	return s.getUint256(filledKey(hash))
}

// Cutoff returns the owner's cutoff timestamp, zero if never set.
func (s *State) Cutoff(owner common.Address) (uint256.Int, error) {
	return s.getUint256(cutoffKey(owner))
}

// RingIndex returns the number of rings settled so far.
func (s *State) RingIndex() (uint64, error) {
	raw, err := s.kv.Get(keyRingIndex)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load ring index: %w", err)
	}
	return decodeUint64(raw)
}

// Version returns the number of committed write sets.
func (s *State) Version() (uint64, error) {
	return s.kv.Version()
}

// Begin opens a write set against the current version.
func (s *State) Begin() (*WriteSet, error) {
	v, err := s.kv.Version()
	if err != nil {
		return nil, err
	}
	return &WriteSet{state: s, base: v, puts: make(map[string][]byte)}, nil
}

func (s *State) getUint256(key []byte) (uint256.Int, error) {
	raw, err := s.kv.Get(key)
	if errors.Is(err, ErrNotFound) {
		return umath.Zero, nil
	}
	if err != nil {
		return umath.Zero, fmt.Errorf("load %q: %w", key, err)
	}
	return decodeUint256(raw)
}

// WriteSet stages changes to State. Reads through a write set see its own
// staged values.
type WriteSet struct {
	state *State
	base  uint64
	puts  map[string][]byte
	order []string
}

// Base returns the version the write set was opened against.
func (w *WriteSet) Base() uint64 {
	return w.base
}

// Len returns the number of staged keys.
func (w *WriteSet) Len() int {
	return len(w.order)
}

// Each calls fn for every staged put in staging order.
func (w *WriteSet) Each(fn func(key, value []byte)) {
	for _, k := range w.order {
		fn([]byte(k), w.puts[k])
	}
}

// AddFilled stages filled[hash] += delta and returns the new total.
func (w *WriteSet) AddFilled(hash common.Hash, delta uint256.Int) (uint256.Int, error) {
	key := filledKey(hash)
	cur, err := w.getUint256(key)
	if err != nil {
		return umath.Zero, err
	}
	total := umath.Add(cur, delta)
	w.put(key, encodeUint256(total))
	return total, nil
}

// Filled reads filled[hash] including staged increments.
func (w *WriteSet) Filled(hash common.Hash) (uint256.Int, error) {
	return w.getUint256(filledKey(hash))
}

// Cutoff reads the owner's cutoff including a staged change.
func (w *WriteSet) Cutoff(owner common.Address) (uint256.Int, error) {
	return w.getUint256(cutoffKey(owner))
}

// SetCutoff stages the owner's cutoff.
func (w *WriteSet) SetCutoff(owner common.Address, cutoff uint256.Int) {
	w.put(cutoffKey(owner), encodeUint256(cutoff))
}

// ConsumeAuth stages digest as used. It reports false, staging nothing, if
// digest was already consumed.
func (w *WriteSet) ConsumeAuth(digest common.Hash) (bool, error) {
	key := authKey(digest)
	if _, ok := w.puts[string(key)]; ok {
		return false, nil
	}
	_, err := w.state.kv.Get(key)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, ErrNotFound):
		return false, fmt.Errorf("load %q: %w", key, err)
	}
	w.put(key, []byte{1})
	return true, nil
}

// SetRingIndex stages the ring counter.
func (w *WriteSet) SetRingIndex(idx uint64) {
	w.put(keyRingIndex, encodeUint64(idx))
}

// Commit writes every staged change atomically.
func (w *WriteSet) Commit() error {
	return w.state.kv.Write(w)
}

func (w *WriteSet) put(key, value []byte) {
	k := string(key)
	if _, ok := w.puts[k]; !ok {
		w.order = append(w.order, k)
	}
	w.puts[k] = value
}

func (w *WriteSet) getUint256(key []byte) (uint256.Int, error) {
	if raw, ok := w.puts[string(key)]; ok {
		return decodeUint256(raw)
	}
	return w.state.getUint256(key)
}
