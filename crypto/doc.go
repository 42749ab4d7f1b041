// Package crypto implements the cryptographic primitives shared by the session
// layer.
//
// This package provides Curve25519 key pairs for Diffie-Hellman agreement,
// Ed25519 signing keys for pre-key signatures, HKDF key derivation, identity
// fingerprints and memory-wiping helpers. Higher level protocols (the Noise
// handshake in package noise and the ratchet in package signal) are built on
// these types.
//
// # Core Types
//
//   - [KeyPair]: Curve25519 key pair used for Noise static keys, identity
//     agreement keys, signed pre-keys and one-time pre-keys.
//   - [SigningKey]: Ed25519 key used to sign pre-keys.
//
// # Key Generation
//
//	kp, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer crypto.WipeKeyPair(kp)
//
//	shared, err := kp.DH(peerPublic)
//
// # Fingerprints
//
// [Fingerprint] renders a stable, human comparable digest of one or two
// identity keys, used to verify identities out of band:
//
//	fp := crypto.Fingerprint(ourIdentity, theirIdentity)
//
// # Logging
//
// Key material must never be logged. Use [KeyPreview] to log an 8 byte prefix.
package crypto
