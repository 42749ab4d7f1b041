package noise

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wasession/crypto"
)

var (
	// ErrHandshakeNotComplete indicates handshake is still in progress
	ErrHandshakeNotComplete = errors.New("handshake not complete")
	// ErrInvalidMessage indicates a message for the wrong handshake step
	ErrInvalidMessage = errors.New("invalid message for current handshake state")
	// ErrHandshakeFailed is returned by every call on a failed handshake
	ErrHandshakeFailed = errors.New("handshake failed")
	// ErrPeerRejected indicates the VerifyPeer hook refused the peer
	ErrPeerRejected = errors.New("peer rejected")
)

// Role defines whether we're initiating or responding to handshake
type Role uint8

const (
	// Initiator sends the first handshake message
	Initiator Role = iota
	// Responder answers the first handshake message
	Responder
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// State is the position of a Handshake in its state machine.
type State uint8

const (
	StateInit State = iota
	StateSentHello
	StateReceivedHello
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateSentHello:
		return "sent_hello"
	case StateReceivedHello:
		return "received_hello"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Config parameterizes a handshake.
type Config struct {
	// Pattern defaults to PatternXX.
	Pattern Pattern
	// Suite is "DH_Cipher_Hash"; defaults to DefaultSuite.
	Suite string
	Role  Role
	// Prologue is mixed into the transcript; both sides must agree on it.
	Prologue []byte
	// StaticKey is our long-term Noise key.
	StaticKey *crypto.KeyPair
	// PeerStatic is the responder's static public key, required for an IK initiator.
	PeerStatic []byte
	// VerifyPeer is called once with the peer's static key and the
	// authenticated payload that accompanied it. A non-nil error fails the
	// handshake.
	VerifyPeer func(remoteStatic, payload []byte) error
	// Random overrides crypto/rand for ephemeral key generation.
	Random io.Reader
	Logger logrus.FieldLogger
}

// Handshake runs one Noise handshake. It is not safe for concurrent use and
// is never reused: a new connection attempt needs a new Handshake.
type Handshake struct {
	role     Role
	pattern  Pattern
	messages int
	index    int
	state    State
	verified bool

	hs          *noise.HandshakeState
	send        *noise.CipherState
	recv        *noise.CipherState
	peerPayload []byte
	verifyPeer  func(remoteStatic, payload []byte) error
	logger      logrus.FieldLogger
}

// NewHandshake creates a handshake with a fresh ephemeral key.
func NewHandshake(cfg Config) (*Handshake, error) {
	info, err := lookupPattern(cfg.Pattern)
	if err != nil {
		return nil, err
	}
	suite, err := ParseSuite(cfg.Suite)
	if err != nil {
		return nil, err
	}
	if cfg.StaticKey == nil || crypto.IsZero(cfg.StaticKey.Private) {
		return nil, fmt.Errorf("static key required: %w", crypto.ErrInvalidKey)
	}
	if cfg.Pattern == PatternIK && cfg.Role == Initiator && len(cfg.PeerStatic) != crypto.KeySize {
		return nil, fmt.Errorf("IK initiator requires a %d byte peer static key, got %d", crypto.KeySize, len(cfg.PeerStatic))
	}

	random := cfg.Random
	if random == nil {
		random = rand.Reader
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	pattern := cfg.Pattern
	if pattern == "" {
		pattern = PatternXX
	}

	staticKey := noise.DHKey{
		Private: append([]byte(nil), cfg.StaticKey.Private[:]...),
		Public:  append([]byte(nil), cfg.StaticKey.Public[:]...),
	}
	nc := noise.Config{
		CipherSuite:   suite,
		Random:        random,
		Pattern:       info.pattern,
		Initiator:     cfg.Role == Initiator,
		Prologue:      cfg.Prologue,
		StaticKeypair: staticKey,
	}
	if len(cfg.PeerStatic) > 0 {
		nc.PeerStatic = append([]byte(nil), cfg.PeerStatic...)
	}

	hs, err := noise.NewHandshakeState(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	return &Handshake{
		role:       cfg.Role,
		pattern:    pattern,
		messages:   info.messages,
		hs:         hs,
		verifyPeer: cfg.VerifyPeer,
		logger: logger.WithFields(logrus.Fields{
			"package": "noise",
			"pattern": string(pattern),
			"role":    cfg.Role.String(),
		}),
	}, nil
}

// State returns the current state.
func (h *Handshake) State() State {
	return h.state
}

// Complete reports whether the cipher states are available.
func (h *Handshake) Complete() bool {
	return h.state == StateCompleted
}

func (h *Handshake) ourTurn() bool {
	even := h.index%2 == 0
	return even == (h.role == Initiator)
}

func (h *Handshake) usable() error {
	switch h.state {
	case StateFailed:
		return ErrHandshakeFailed
	case StateCompleted:
		return fmt.Errorf("%w: handshake already complete", ErrInvalidMessage)
	}
	return nil
}

func (h *Handshake) fail(op string, err error) error {
	if h.state == StateCompleted || h.state == StateFailed {
		return err
	}
	h.logger.WithFields(logrus.Fields{
		"function": op,
		"message":  h.index,
		"state":    h.state.String(),
		"error":    err.Error(),
	}).Warn("Noise handshake failed")
	h.state = StateFailed
	h.hs = nil
	h.send, h.recv = nil, nil
	return fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
}

// WriteMessage produces the next outbound handshake message carrying payload.
func (h *Handshake) WriteMessage(payload []byte) ([]byte, error) {
	if err := h.usable(); err != nil {
		return nil, err
	}
	if !h.ourTurn() {
		return nil, h.fail("WriteMessage", fmt.Errorf("%w: expected to read message %d", ErrInvalidMessage, h.index+1))
	}

	msg, cs1, cs2, err := h.hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, h.fail("WriteMessage", err)
	}
	h.index++
	h.logger.WithFields(logrus.Fields{
		"function": "WriteMessage",
		"message":  h.index,
		"size":     len(msg),
	}).Debug("Wrote handshake message")

	if cs1 != nil && cs2 != nil {
		h.finish(cs1, cs2)
		return msg, nil
	}
	h.state = StateSentHello
	return msg, nil
}

// ReadMessage consumes the next inbound handshake message and returns the
// authenticated payload it carried.
func (h *Handshake) ReadMessage(msg []byte) ([]byte, error) {
	if err := h.usable(); err != nil {
		return nil, err
	}
	if h.ourTurn() {
		return nil, h.fail("ReadMessage", fmt.Errorf("%w: expected to write message %d", ErrInvalidMessage, h.index+1))
	}

	payload, cs1, cs2, err := h.hs.ReadMessage(nil, msg)
	if err != nil {
		return nil, h.fail("ReadMessage", fmt.Errorf("%w: %w", ErrInvalidMessage, err))
	}
	h.index++

	if !h.verified && len(h.hs.PeerStatic()) > 0 {
		h.verified = true
		h.peerPayload = append([]byte(nil), payload...)
		if h.verifyPeer != nil {
			if err := h.verifyPeer(h.RemoteStaticKey(), payload); err != nil {
				return nil, h.fail("ReadMessage", fmt.Errorf("%w: %w", ErrPeerRejected, err))
			}
		}
	}
	h.logger.WithFields(logrus.Fields{
		"function": "ReadMessage",
		"message":  h.index,
		"payload":  len(payload),
	}).Debug("Read handshake message")

	if cs1 != nil && cs2 != nil {
		h.finish(cs1, cs2)
		return payload, nil
	}
	h.state = StateReceivedHello
	return payload, nil
}

// finish assigns directions: flynn/noise always returns the initiator's
// sending cipher first.
func (h *Handshake) finish(cs1, cs2 *noise.CipherState) {
	if h.role == Initiator {
		h.send, h.recv = cs1, cs2
	} else {
		h.send, h.recv = cs2, cs1
	}
	h.state = StateCompleted
	h.logger.WithFields(logrus.Fields{
		"function": "finish",
		"peer":     crypto.KeyPreview(h.hs.PeerStatic()),
	}).Info("Noise handshake completed")
}

// CipherStates returns the send and receive cipher states after successful handshake.
func (h *Handshake) CipherStates() (send, recv *noise.CipherState, err error) {
	switch h.state {
	case StateCompleted:
		return h.send, h.recv, nil
	case StateFailed:
		return nil, nil, ErrHandshakeFailed
	}
	return nil, nil, ErrHandshakeNotComplete
}

// RemoteStaticKey returns a copy of the peer's static public key, or nil
// while it is still unknown.
func (h *Handshake) RemoteStaticKey() []byte {
	if h.hs == nil {
		return nil
	}
	peer := h.hs.PeerStatic()
	if len(peer) == 0 {
		return nil
	}
	return append([]byte(nil), peer...)
}

// PeerPayload returns the authenticated payload that accompanied the
// peer's static key.
func (h *Handshake) PeerPayload() []byte {
	return h.peerPayload
}

// HandshakeHash returns the transcript hash once the handshake completed.
// Both sides obtain the same value; it is suitable for channel binding.
func (h *Handshake) HandshakeHash() ([]byte, error) {
	if h.state != StateCompleted {
		return nil, ErrHandshakeNotComplete
	}
	return append([]byte(nil), h.hs.ChannelBinding()...), nil
}

// MessageCount returns the number of messages the pattern exchanges.
func (h *Handshake) MessageCount() int {
	return h.messages
}
