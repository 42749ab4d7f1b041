// Package noise runs the Noise handshake that authenticates a session and
// yields the two directional transport ciphers.
//
// Handshakes use the flynn/noise implementation. The pattern and cipher suite
// are configuration, not constants:
//
//	Pattern │ When to Use                                  │ Messages
//	────────┼──────────────────────────────────────────────┼─────────
//	XX      │ Neither side knows the other's static key    │ 3
//	IK      │ Initiator already knows the responder's key  │ 2
//
// The default is Noise_XX_25519_AESGCM_SHA256. Suites are written
// "DH_Cipher_Hash" (see [ParseSuite]).
//
// # State Machine
//
// Every Handshake moves through
//
//	Init → SentHello → ReceivedHello → Completed
//	  └──────────────┴───────────────┴──→ Failed
//
// An initiator sends first; a responder visits ReceivedHello before
// SentHello. Any error, including a message arriving out of turn or a peer
// refused by Config.VerifyPeer, moves the handshake to Failed. Failed is
// terminal: every later call returns ErrHandshakeFailed.
//
// XX message flow:
//
//	Initiator                              Responder
//	-> e
//	                                       <- e, ee, s, es
//	-> s, se
//	[session established]
//
// Example (initiator):
//
//	hs, err := noise.NewHandshake(noise.Config{
//	    Role:      noise.Initiator,
//	    Prologue:  prologue,
//	    StaticKey: creds.NoiseKey,
//	})
//	hello, err := hs.WriteMessage(nil)
//	// send hello, receive reply
//	serverPayload, err := hs.ReadMessage(reply)
//	finish, err := hs.WriteMessage(clientPayload)
//	send, recv, err := hs.CipherStates()
//
// # Key Freshness
//
// The ephemeral key is drawn from crypto/rand inside NewHandshake. A
// Handshake is single use; reconnecting builds a new one so nonces are never
// resumed across connections.
//
// # Thread Safety
//
// A Handshake is driven by one goroutine. The cipher states it returns are
// not safe for concurrent use; the transport serializes access to them.
package noise
