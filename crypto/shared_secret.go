package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// DeriveSharedSecret computes a shared secret between two parties
// using Elliptic Curve Diffie-Hellman (ECDH) on Curve25519.
func DeriveSharedSecret(peerPublicKey, privateKey [32]byte) ([32]byte, error) {
	var privateKeyCopy [32]byte
	copy(privateKeyCopy[:], privateKey[:])
	defer ZeroBytes(privateKeyCopy[:])

	sharedSecret, err := curve25519.X25519(privateKeyCopy[:], peerPublicKey[:])
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":        "DeriveSharedSecret",
			"peer_key_prefix": KeyPreview(peerPublicKey[:]),
			"error":           err.Error(),
		}).Debug("X25519 computation failed")
		return [32]byte{}, fmt.Errorf("%w: failed to compute shared secret: %v", ErrInvalidKey, err)
	}

	var result [32]byte
	copy(result[:], sharedSecret)
	ZeroBytes(sharedSecret)
	return result, nil
}

// HKDF expands ikm into n bytes with HKDF-SHA256 using salt and info.
func HKDF(ikm, salt, info []byte, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, info), out); err != nil {
		return nil, fmt.Errorf("hkdf expand failed: %w", err)
	}
	return out, nil
}

// KeyPreview returns a short hex prefix of key material suitable for logs.
func KeyPreview(key []byte) string {
	if len(key) == 0 {
		return "nil"
	}
	if len(key) > 8 {
		return fmt.Sprintf("%x...", key[:8])
	}
	return fmt.Sprintf("%x", key)
}
