// Package signal implements per-device end-to-end encryption: X3DH session
// establishment from a published pre-key bundle and a Double Ratchet with
// HKDF-SHA256 chains and ChaCha20-Poly1305 message keys.
//
// The first messages of a session are pre-key messages carrying the
// sender's identity and base key so the receiver can derive the same root
// key without a round trip. Once the peer has replied, plain session
// messages are sent.
//
//	engine := signal.NewEngine(st, fetcher, signal.Config{})
//	ct, err := engine.Encrypt(ctx, addr, []byte("hello"))
//	...
//	pt, err := peerEngine.Decrypt(ctx, myAddr, *ct)
//
// Operations on one device address are serialized through the store's
// per-address lock. Ratchet state is persisted only after a successful
// operation; a failed decrypt leaves the session untouched.
package signal
