package noise

import (
	"bytes"
	"errors"
	"testing"

	"github.com/opd-ai/wasession/crypto"
)

func newKey(t *testing.T) *crypto.KeyPair {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	return kp
}

func newPair(t *testing.T, pattern Pattern, suite string) (*Handshake, *Handshake, *crypto.KeyPair, *crypto.KeyPair) {
	t.Helper()
	initKey, respKey := newKey(t), newKey(t)
	initCfg := Config{Pattern: pattern, Suite: suite, Role: Initiator, Prologue: []byte("WA\x06\x03"), StaticKey: initKey}
	if pattern == PatternIK {
		initCfg.PeerStatic = respKey.Public[:]
	}
	initiator, err := NewHandshake(initCfg)
	if err != nil {
		t.Fatalf("Failed to create initiator: %v", err)
	}
	responder, err := NewHandshake(Config{Pattern: pattern, Suite: suite, Role: Responder, Prologue: []byte("WA\x06\x03"), StaticKey: respKey})
	if err != nil {
		t.Fatalf("Failed to create responder: %v", err)
	}
	return initiator, responder, initKey, respKey
}

// exchange drives both sides to completion, sending payloads tagged with the
// message number.
func exchange(t *testing.T, initiator, responder *Handshake) {
	t.Helper()
	sides := [2]*Handshake{initiator, responder}
	for i := 0; i < initiator.MessageCount(); i++ {
		writer, reader := sides[i%2], sides[(i+1)%2]
		payload := []byte{byte('a' + i)}
		msg, err := writer.WriteMessage(payload)
		if err != nil {
			t.Fatalf("message %d write: %v", i+1, err)
		}
		got, err := reader.ReadMessage(msg)
		if err != nil {
			t.Fatalf("message %d read: %v", i+1, err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("message %d payload = %q, want %q", i+1, got, payload)
		}
	}
}

func TestHandshakeCompletes(t *testing.T) {
	tests := []struct {
		pattern Pattern
		suite   string
	}{
		{PatternXX, ""},
		{PatternXX, "25519_ChaChaPoly_SHA256"},
		{PatternXX, "25519_AESGCM_BLAKE2b"},
		{PatternIK, ""},
		{PatternIK, "25519_ChaChaPoly_SHA512"},
	}

	for _, tt := range tests {
		t.Run(ProtocolName(tt.pattern, tt.suite), func(t *testing.T) {
			initiator, responder, initKey, respKey := newPair(t, tt.pattern, tt.suite)
			exchange(t, initiator, responder)

			if !initiator.Complete() || !responder.Complete() {
				t.Fatalf("states = %v / %v, want completed", initiator.State(), responder.State())
			}
			if !bytes.Equal(initiator.RemoteStaticKey(), respKey.Public[:]) {
				t.Error("initiator learned the wrong responder key")
			}
			if !bytes.Equal(responder.RemoteStaticKey(), initKey.Public[:]) {
				t.Error("responder learned the wrong initiator key")
			}

			iSend, iRecv, err := initiator.CipherStates()
			if err != nil {
				t.Fatal(err)
			}
			rSend, rRecv, err := responder.CipherStates()
			if err != nil {
				t.Fatal(err)
			}

			var zero [32]byte
			if iSend.UnsafeKey() == zero || iRecv.UnsafeKey() == zero {
				t.Error("cipher key must never be zero")
			}
			if iSend.UnsafeKey() == iRecv.UnsafeKey() {
				t.Error("send and receive keys must differ")
			}

			ct, err := iSend.Encrypt(nil, nil, []byte("ping"))
			if err != nil {
				t.Fatal(err)
			}
			pt, err := rRecv.Decrypt(nil, nil, ct)
			if err != nil || string(pt) != "ping" {
				t.Fatalf("responder decrypt = %q, %v", pt, err)
			}
			ct, err = rSend.Encrypt(nil, nil, []byte("pong"))
			if err != nil {
				t.Fatal(err)
			}
			pt, err = iRecv.Decrypt(nil, nil, ct)
			if err != nil || string(pt) != "pong" {
				t.Fatalf("initiator decrypt = %q, %v", pt, err)
			}

			ih, _ := initiator.HandshakeHash()
			rh, _ := responder.HandshakeHash()
			if len(ih) == 0 || !bytes.Equal(ih, rh) {
				t.Error("handshake hashes differ")
			}
		})
	}
}

func TestStateTransitions(t *testing.T) {
	initiator, responder, _, _ := newPair(t, PatternXX, "")

	if initiator.State() != StateInit || responder.State() != StateInit {
		t.Fatal("new handshakes must start in init")
	}

	msg1, _ := initiator.WriteMessage(nil)
	if initiator.State() != StateSentHello {
		t.Errorf("initiator after write = %v, want sent_hello", initiator.State())
	}
	if _, err := responder.ReadMessage(msg1); err != nil {
		t.Fatal(err)
	}
	if responder.State() != StateReceivedHello {
		t.Errorf("responder after read = %v, want received_hello", responder.State())
	}

	msg2, _ := responder.WriteMessage([]byte("server"))
	if responder.State() != StateSentHello {
		t.Errorf("responder after write = %v, want sent_hello", responder.State())
	}
	if _, err := initiator.ReadMessage(msg2); err != nil {
		t.Fatal(err)
	}
	if initiator.State() != StateReceivedHello {
		t.Errorf("initiator after read = %v, want received_hello", initiator.State())
	}
	if string(initiator.PeerPayload()) != "server" {
		t.Errorf("PeerPayload = %q", initiator.PeerPayload())
	}

	if _, _, err := initiator.CipherStates(); !errors.Is(err, ErrHandshakeNotComplete) {
		t.Errorf("CipherStates before completion: %v", err)
	}

	msg3, _ := initiator.WriteMessage([]byte("client"))
	if _, err := responder.ReadMessage(msg3); err != nil {
		t.Fatal(err)
	}
	if !initiator.Complete() || !responder.Complete() {
		t.Fatal("both sides should be complete")
	}

	if _, err := initiator.WriteMessage(nil); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("write after completion: %v", err)
	}
}

func TestOutOfTurnMessageFails(t *testing.T) {
	initiator, responder, _, _ := newPair(t, PatternXX, "")

	if _, err := responder.WriteMessage(nil); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("responder writing first: %v", err)
	}
	if responder.State() != StateFailed {
		t.Fatalf("state = %v, want failed", responder.State())
	}

	msg1, _ := initiator.WriteMessage(nil)
	if _, err := responder.ReadMessage(msg1); !errors.Is(err, ErrHandshakeFailed) {
		t.Errorf("failed handshake must stay failed, got %v", err)
	}
	if _, _, err := responder.CipherStates(); !errors.Is(err, ErrHandshakeFailed) {
		t.Errorf("CipherStates on failed handshake: %v", err)
	}
}

func TestTamperedMessageFails(t *testing.T) {
	initiator, responder, _, _ := newPair(t, PatternXX, "")

	msg1, _ := initiator.WriteMessage(nil)
	if _, err := responder.ReadMessage(msg1); err != nil {
		t.Fatal(err)
	}
	msg2, _ := responder.WriteMessage([]byte("payload"))
	msg2[len(msg2)-1] ^= 0xff

	_, err := initiator.ReadMessage(msg2)
	if !errors.Is(err, ErrHandshakeFailed) || !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("tampered message: %v", err)
	}
	if initiator.State() != StateFailed {
		t.Errorf("state = %v, want failed", initiator.State())
	}
	if _, err := initiator.WriteMessage(nil); !errors.Is(err, ErrHandshakeFailed) {
		t.Errorf("later call: %v", err)
	}
}

func TestPrologueMismatchFails(t *testing.T) {
	initiator, err := NewHandshake(Config{Role: Initiator, Prologue: []byte("a"), StaticKey: newKey(t)})
	if err != nil {
		t.Fatal(err)
	}
	responder, err := NewHandshake(Config{Role: Responder, Prologue: []byte("b"), StaticKey: newKey(t)})
	if err != nil {
		t.Fatal(err)
	}

	msg1, _ := initiator.WriteMessage(nil)
	if _, err := responder.ReadMessage(msg1); err != nil {
		t.Fatal(err)
	}
	msg2, _ := responder.WriteMessage(nil)
	if _, err := initiator.ReadMessage(msg2); !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("prologue mismatch must fail, got %v", err)
	}
}

func TestVerifyPeer(t *testing.T) {
	serverKey := newKey(t)
	rejected := errors.New("unknown server")

	var seen []byte
	initiator, err := NewHandshake(Config{
		Role:      Initiator,
		StaticKey: newKey(t),
		VerifyPeer: func(remoteStatic, payload []byte) error {
			seen = remoteStatic
			if string(payload) != "trusted" {
				return rejected
			}
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	responder, err := NewHandshake(Config{Role: Responder, StaticKey: serverKey})
	if err != nil {
		t.Fatal(err)
	}

	msg1, _ := initiator.WriteMessage(nil)
	if _, err := responder.ReadMessage(msg1); err != nil {
		t.Fatal(err)
	}
	msg2, _ := responder.WriteMessage([]byte("untrusted"))
	_, err = initiator.ReadMessage(msg2)
	if !errors.Is(err, ErrPeerRejected) || !errors.Is(err, rejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if !bytes.Equal(seen, serverKey.Public[:]) {
		t.Error("hook did not receive the server static key")
	}
	if initiator.State() != StateFailed {
		t.Errorf("state = %v, want failed", initiator.State())
	}
}

func TestNewHandshakeValidation(t *testing.T) {
	key := newKey(t)

	if _, err := NewHandshake(Config{Role: Initiator}); !errors.Is(err, crypto.ErrInvalidKey) {
		t.Errorf("missing static key: %v", err)
	}
	if _, err := NewHandshake(Config{Pattern: PatternIK, Role: Initiator, StaticKey: key}); err == nil {
		t.Error("IK initiator without peer key must fail")
	}
	if _, err := NewHandshake(Config{Pattern: "NN", StaticKey: key}); !errors.Is(err, ErrUnsupportedPattern) {
		t.Errorf("unknown pattern: %v", err)
	}
	if _, err := NewHandshake(Config{Pattern: PatternIK, Role: Responder, StaticKey: key}); err != nil {
		t.Errorf("IK responder needs no peer key: %v", err)
	}
}

func TestParseSuite(t *testing.T) {
	valid := []string{"", "25519_AESGCM_SHA256", "25519_ChaChaPoly_BLAKE2s", "25519_AESGCM_SHA512"}
	for _, name := range valid {
		if _, err := ParseSuite(name); err != nil {
			t.Errorf("ParseSuite(%q): %v", name, err)
		}
	}

	invalid := []string{"25519_AESGCM", "448_AESGCM_SHA256", "25519_DES_SHA256", "25519_AESGCM_MD5"}
	for _, name := range invalid {
		if _, err := ParseSuite(name); !errors.Is(err, ErrUnsupportedSuite) {
			t.Errorf("ParseSuite(%q) = %v, want ErrUnsupportedSuite", name, err)
		}
	}

	if got := ProtocolName("", ""); got != "Noise_XX_25519_AESGCM_SHA256" {
		t.Errorf("ProtocolName = %q", got)
	}
}

func TestEphemeralIsFresh(t *testing.T) {
	key := newKey(t)
	a, _ := NewHandshake(Config{Role: Initiator, StaticKey: key})
	b, _ := NewHandshake(Config{Role: Initiator, StaticKey: key})
	m1, _ := a.WriteMessage(nil)
	m2, _ := b.WriteMessage(nil)
	if bytes.Equal(m1, m2) {
		t.Error("two handshakes produced the same ephemeral")
	}
}
