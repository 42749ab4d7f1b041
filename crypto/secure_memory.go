package crypto

import (
	"crypto/subtle"
	"errors"
	"runtime"
)

var errWipeNil = errors.New("cannot wipe nil key material")

// SecureWipe overwrites data with zeros. It fails only for a nil slice.
func SecureWipe(data []byte) error {
	if data == nil {
		return errWipeNil
	}
	clear(data)
	// Keep the compiler from eliding the overwrite.
	runtime.KeepAlive(data)
	return nil
}

// ZeroBytes is SecureWipe for callers that hold a possibly nil slice.
func ZeroBytes(data []byte) {
	_ = SecureWipe(data)
}

// WipeKeyPair erases the private half of kp.
func WipeKeyPair(kp *KeyPair) error {
	if kp == nil {
		return errWipeNil
	}
	return SecureWipe(kp.Private[:])
}

// WipeSigningKey erases the seed of sk.
func WipeSigningKey(sk *SigningKey) error {
	if sk == nil {
		return errWipeNil
	}
	return SecureWipe(sk.Seed[:])
}

// Equal32 compares two 32 byte values in constant time.
func Equal32(a, b [32]byte) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}
