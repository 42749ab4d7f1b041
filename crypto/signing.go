package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
)

// SignatureSize is the size of an Ed25519 signature in bytes.
const SignatureSize = ed25519.SignatureSize

// Signature represents an Ed25519 signature.
type Signature [SignatureSize]byte

// ErrInvalidSignature indicates a signature that does not verify.
var ErrInvalidSignature = errors.New("invalid signature")

// SigningKey is an Ed25519 key stored as its 32 byte seed.
type SigningKey struct {
	Public [32]byte `cbor:"1,keyasint"`
	Seed   [32]byte `cbor:"2,keyasint"`
}

// GenerateSigningKey creates a new random Ed25519 signing key.
func GenerateSigningKey() (*SigningKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	sk := &SigningKey{}
	copy(sk.Public[:], pub)
	copy(sk.Seed[:], priv.Seed())
	ZeroBytes(priv)
	return sk, nil
}

// Sign creates an Ed25519 signature for message.
func (sk *SigningKey) Sign(message []byte) (Signature, error) {
	if len(message) == 0 {
		return Signature{}, errors.New("empty message")
	}

	priv := ed25519.NewKeyFromSeed(sk.Seed[:])
	defer ZeroBytes(priv)

	var sig Signature
	copy(sig[:], ed25519.Sign(priv, message))
	return sig, nil
}

// Verify checks sig over message against the Ed25519 public key.
func Verify(publicKey [32]byte, message []byte, sig Signature) error {
	if len(message) == 0 {
		return errors.New("empty message")
	}
	if !ed25519.Verify(publicKey[:], message, sig[:]) {
		return ErrInvalidSignature
	}
	return nil
}
