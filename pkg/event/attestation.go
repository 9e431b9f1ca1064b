package event

import (
	"crypto/ecdsa"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Attestation is a single relayer's claim that it observed a BridgeEvent on
// the source chain. The signature covers the event's canonical digest only;
// the claimed confirmation depth is transport metadata evaluated by the
// finality gate and deliberately excluded from the digest, so that the same
// event attested at different depths still aggregates under one digest.
type Attestation struct {
	// Relayer is the attesting identity, as registered in the relayer set.
	Relayer common.Address
	// Event is the observed cross-chain event.
	Event BridgeEvent
	// Confirmations is the depth of the event's block below the source-chain
	// head, as claimed by the relayer at observation time.
	Confirmations uint32
	// Signature is a 65-byte recoverable secp256k1 signature over the
	// event's signing digest.
	Signature []byte
}

var ErrInvalidSignature = errors.New("attestation signature does not match relayer address")

// Sign populates the attestation's signature with key. The relayer address is
// derived from the key so the two always match.
func (a *Attestation) Sign(key *ecdsa.PrivateKey) error {
	sig, err := crypto.Sign(a.Event.SigningDigest().Bytes(), key)
	if err != nil {
		return err
	}
	a.Signature = sig
	a.Relayer = crypto.PubkeyToAddress(key.PublicKey)
	return nil
}

// VerifySignature recovers the signer of the attestation and checks it
// against the claimed relayer address. Attestations arrive from an untrusted
// transport, so every field is suspect until this check passes.
func (a *Attestation) VerifySignature() error {
	pk, err := crypto.Ecrecover(a.Event.SigningDigest().Bytes(), a.Signature)
	if err != nil {
		return ErrInvalidSignature
	}

	signer := common.BytesToAddress(crypto.Keccak256(pk[1:])[12:])
	if signer != a.Relayer {
		return ErrInvalidSignature
	}
	return nil
}
