package order

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// VerifySignature checks that sig over the signed-message digest of hash
// was produced by signer. The digest is
// keccak256("\x19Ethereum Signed Message:\n32" || hash).
func VerifySignature(signer common.Address, hash common.Hash, sig Signature) error {
	recovered, err := Recover(hash, sig)
	if err != nil {
		return err
	}
	if recovered != signer {
		return fmt.Errorf("%w: recovered %s, want %s", ErrInvalidSignature, recovered.Hex(), signer.Hex())
	}
	return nil
}

// Recover returns the address that produced sig over hash.
func Recover(hash common.Hash, sig Signature) (common.Address, error) {
	v := sig.V
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return common.Address{}, fmt.Errorf("%w: bad recovery id %d", ErrInvalidSignature, sig.V)
	}

	raw := make([]byte, crypto.SignatureLength)
	copy(raw[:32], sig.R[:])
	copy(raw[32:64], sig.S[:])
	raw[64] = v

	pub, err := crypto.SigToPub(accounts.TextHash(hash.Bytes()), raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Sign produces the signature VerifySignature accepts, with V in {27, 28}.
func Sign(key *ecdsa.PrivateKey, hash common.Hash) (Signature, error) {
	raw, err := crypto.Sign(accounts.TextHash(hash.Bytes()), key)
	if err != nil {
		return Signature{}, fmt.Errorf("sign %s: %w", hash.Hex(), err)
	}

	var sig Signature
	copy(sig.R[:], raw[:32])
	copy(sig.S[:], raw[32:64])
	sig.V = raw[64] + 27
	return sig, nil
}
