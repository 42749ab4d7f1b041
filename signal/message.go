package signal

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/opd-ai/wasession/codec"
)

// CurrentVersion is the message format version.
const CurrentVersion = 3

// MessageType distinguishes session-establishing ciphertexts from regular
// ones. Values match the "type" attribute of enc nodes.
type MessageType string

const (
	TypePreKey  MessageType = "pkmsg"
	TypeMessage MessageType = "msg"
)

// ErrUnsupportedVersion is returned for ciphertexts of another version.
var ErrUnsupportedVersion = errors.New("unsupported message version")

// ErrInvalidMessage is returned for ciphertexts that cannot be parsed.
var ErrInvalidMessage = errors.New("invalid message")

// Ciphertext is one encrypted message for one device.
type Ciphertext struct {
	Type MessageType
	Data []byte
	// IdentityChanged is set when the recipient's identity key differs
	// from the one trusted before.
	IdentityChanged bool
}

// Plaintext is a decrypted message.
type Plaintext struct {
	Data []byte
	// NewSession is set when a pre-key message created the session.
	NewSession bool
	// IdentityChanged is set when the sender's identity replaced a
	// previously trusted one.
	IdentityChanged bool
}

// Message is a ratchet message.
type Message struct {
	RatchetKey      [32]byte `cbor:"1,keyasint"`
	Counter         uint32   `cbor:"2,keyasint"`
	PreviousCounter uint32   `cbor:"3,keyasint"`
	Ciphertext      []byte   `cbor:"4,keyasint"`
}

// PreKeyMessage wraps a Message with what the receiver needs to build the
// session. A zero PreKeyID means no one-time pre-key was used.
type PreKeyMessage struct {
	RegistrationID uint16   `cbor:"1,keyasint"`
	PreKeyID       uint32   `cbor:"2,keyasint,omitempty"`
	SignedPreKeyID uint32   `cbor:"3,keyasint"`
	BaseKey        [32]byte `cbor:"4,keyasint"`
	IdentityKey    [32]byte `cbor:"5,keyasint"`
	Message        Message  `cbor:"6,keyasint"`
}

func versionByte() byte {
	return CurrentVersion<<4 | CurrentVersion
}

// header is the authenticated part of a Message.
func (m *Message) header() []byte {
	h := make([]byte, 0, 1+32+8)
	h = append(h, versionByte())
	h = append(h, m.RatchetKey[:]...)
	h = binary.BigEndian.AppendUint32(h, m.Counter)
	return binary.BigEndian.AppendUint32(h, m.PreviousCounter)
}

func marshalVersioned(v any) ([]byte, error) {
	body, err := codec.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append([]byte{versionByte()}, body...), nil
}

func unmarshalVersioned(data []byte, v any) error {
	if len(data) < 2 {
		return fmt.Errorf("%w: %d bytes", ErrInvalidMessage, len(data))
	}
	if data[0]>>4 != CurrentVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, data[0]>>4)
	}
	if err := codec.Unmarshal(data[1:], v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	return nil
}

// Encode returns the version byte followed by the CBOR body.
func (m *Message) Encode() ([]byte, error) { return marshalVersioned(m) }

// ParseMessage parses data written by Message.Encode.
func ParseMessage(data []byte) (*Message, error) {
	var m Message
	if err := unmarshalVersioned(data, &m); err != nil {
		return nil, err
	}
	if len(m.Ciphertext) == 0 {
		return nil, fmt.Errorf("%w: empty ciphertext", ErrInvalidMessage)
	}
	return &m, nil
}

// Encode returns the version byte followed by the CBOR body.
func (m *PreKeyMessage) Encode() ([]byte, error) { return marshalVersioned(m) }

// ParsePreKeyMessage parses data written by PreKeyMessage.Encode.
func ParsePreKeyMessage(data []byte) (*PreKeyMessage, error) {
	var m PreKeyMessage
	if err := unmarshalVersioned(data, &m); err != nil {
		return nil, err
	}
	if len(m.Message.Ciphertext) == 0 {
		return nil, fmt.Errorf("%w: empty ciphertext", ErrInvalidMessage)
	}
	return &m, nil
}
