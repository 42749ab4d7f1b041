package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the size of Curve25519 public and private keys.
const KeySize = 32

// ErrInvalidKey indicates key material that cannot be used for agreement.
var ErrInvalidKey = errors.New("invalid key")

// KeyPair represents a Curve25519 key pair.
type KeyPair struct {
	Public  [32]byte `cbor:"1,keyasint"`
	Private [32]byte `cbor:"2,keyasint"`
}

// GenerateKeyPair creates a new random Curve25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return nil, fmt.Errorf("failed to read random key: %w", err)
	}
	kp, err := FromSecretKey(secret)
	ZeroBytes(secret[:])
	return kp, err
}

// FromSecretKey creates a key pair from an existing private key. The private
// key is clamped and the public key derived from it.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, fmt.Errorf("%w: secret key is all zeros", ErrInvalidKey)
	}

	kp := &KeyPair{Private: secretKey}
	clamp(&kp.Private)

	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// DH computes the Curve25519 shared secret between kp and peerPublic.
func (kp *KeyPair) DH(peerPublic [32]byte) ([32]byte, error) {
	return DeriveSharedSecret(peerPublic, kp.Private)
}

// Clone returns a deep copy of kp, or nil for a nil receiver.
func (kp *KeyPair) Clone() *KeyPair {
	if kp == nil {
		return nil
	}
	c := *kp
	return &c
}

func clamp(k *[32]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	var v byte
	for _, b := range key {
		v |= b
	}
	return v == 0
}

// IsZero reports whether key consists of all zeros.
func IsZero(key [32]byte) bool {
	return isZeroKey(key)
}
