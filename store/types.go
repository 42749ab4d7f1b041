package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opd-ai/wasession/crypto"
)

// Address identifies one physical device of a user. User is the bare user
// JID ("491234@s.whatsapp.net"); Device 0 is the primary device.
type Address struct {
	User   string
	Device uint16
}

// String renders "user:device" and is used as the persisted map key.
func (a Address) String() string {
	return a.User + ":" + strconv.Itoa(int(a.Device))
}

// JID renders the device JID, e.g. "491234:3@s.whatsapp.net". The primary
// device renders without a device part.
func (a Address) JID() string {
	if a.Device == 0 {
		return a.User
	}
	user, server, ok := strings.Cut(a.User, "@")
	if !ok {
		return a.User + ":" + strconv.Itoa(int(a.Device))
	}
	return user + ":" + strconv.Itoa(int(a.Device)) + "@" + server
}

// ParseJID splits a device JID into an Address.
func ParseJID(jid string) (Address, error) {
	user, server, ok := strings.Cut(jid, "@")
	if !ok || user == "" || server == "" {
		return Address{}, fmt.Errorf("invalid jid %q", jid)
	}
	name, device, hasDevice := strings.Cut(user, ":")
	if !hasDevice {
		return Address{User: jid}, nil
	}
	d, err := strconv.ParseUint(device, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("invalid device in jid %q: %w", jid, err)
	}
	return Address{User: name + "@" + server, Device: uint16(d)}, nil
}

func parseAddressKey(key string) (Address, error) {
	i := strings.LastIndexByte(key, ':')
	if i < 0 {
		return Address{}, fmt.Errorf("invalid address key %q", key)
	}
	d, err := strconv.ParseUint(key[i+1:], 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address key %q: %w", key, err)
	}
	return Address{User: key[:i], Device: uint16(d)}, nil
}

// PreKey is a one-time pre-key.
type PreKey struct {
	ID      uint32         `cbor:"1,keyasint"`
	KeyPair crypto.KeyPair `cbor:"2,keyasint"`
}

// SignedPreKey is the medium-term pre-key signed by the identity signing key.
type SignedPreKey struct {
	ID        uint32           `cbor:"1,keyasint"`
	KeyPair   crypto.KeyPair   `cbor:"2,keyasint"`
	Signature crypto.Signature `cbor:"3,keyasint"`
	Created   time.Time        `cbor:"4,keyasint"`
}

// Account links the credentials to a registered device.
type Account struct {
	JID        string    `cbor:"1,keyasint"`
	Device     uint16    `cbor:"2,keyasint"`
	PushName   string    `cbor:"3,keyasint,omitempty"`
	Registered time.Time `cbor:"4,keyasint"`
}

// Address returns the account's own device address.
func (a Account) Address() Address {
	return Address{User: a.JID, Device: a.Device}
}

// Credentials are the long-term authentication material of this device.
type Credentials struct {
	NoiseKey              crypto.KeyPair    `cbor:"1,keyasint"`
	IdentityKey           crypto.KeyPair    `cbor:"2,keyasint"`
	SigningKey            crypto.SigningKey `cbor:"3,keyasint"`
	SignedPreKey          SignedPreKey      `cbor:"4,keyasint"`
	PreviousSignedPreKeys []SignedPreKey    `cbor:"5,keyasint,omitempty"`
	RegistrationID        uint16            `cbor:"6,keyasint"`
	Account               *Account          `cbor:"7,keyasint,omitempty"`
	NextPreKeyID          uint32            `cbor:"8,keyasint"`
	Created               time.Time         `cbor:"9,keyasint"`
}

// Registered reports whether the credentials are linked to an account.
func (c *Credentials) Registered() bool {
	return c.Account != nil
}

// Chain is one symmetric ratchet chain.
type Chain struct {
	Key   [32]byte `cbor:"1,keyasint"`
	Index uint32   `cbor:"2,keyasint"`
}

// SkippedKey is a message key kept for a message that has not arrived yet.
type SkippedKey struct {
	RatchetKey [32]byte `cbor:"1,keyasint"`
	Index      uint32   `cbor:"2,keyasint"`
	MessageKey [32]byte `cbor:"3,keyasint"`
}

// PendingPreKey is kept by the initiator of a session until the peer's
// first reply proves the session was accepted.
type PendingPreKey struct {
	PreKeyID       uint32   `cbor:"1,keyasint"`
	HasPreKey      bool     `cbor:"2,keyasint"`
	SignedPreKeyID uint32   `cbor:"3,keyasint"`
	BaseKey        [32]byte `cbor:"4,keyasint"`
}

// SessionState is the ratchet state shared with one remote device.
type SessionState struct {
	Version              uint8          `cbor:"1,keyasint"`
	LocalIdentity        [32]byte       `cbor:"2,keyasint"`
	RemoteIdentity       [32]byte       `cbor:"3,keyasint"`
	RootKey              [32]byte       `cbor:"4,keyasint"`
	SendChain            Chain          `cbor:"5,keyasint"`
	RecvChain            *Chain         `cbor:"6,keyasint,omitempty"`
	SendRatchet          crypto.KeyPair `cbor:"7,keyasint"`
	RecvRatchet          [32]byte       `cbor:"8,keyasint"`
	PreviousCounter      uint32         `cbor:"9,keyasint"`
	Skipped              []SkippedKey   `cbor:"10,keyasint,omitempty"`
	Pending              *PendingPreKey `cbor:"11,keyasint,omitempty"`
	BaseKey              [32]byte       `cbor:"12,keyasint"`
	RemoteRegistrationID uint16         `cbor:"13,keyasint"`
	Created              time.Time      `cbor:"14,keyasint"`
	RetiredRatchets      [][32]byte     `cbor:"15,keyasint,omitempty"`
}

// Clone returns a deep copy.
func (s *SessionState) Clone() *SessionState {
	if s == nil {
		return nil
	}
	c := *s
	if s.RecvChain != nil {
		chain := *s.RecvChain
		c.RecvChain = &chain
	}
	if s.Skipped != nil {
		c.Skipped = append([]SkippedKey(nil), s.Skipped...)
	}
	if s.Pending != nil {
		p := *s.Pending
		c.Pending = &p
	}
	if s.RetiredRatchets != nil {
		c.RetiredRatchets = append([][32]byte(nil), s.RetiredRatchets...)
	}
	return &c
}

// Bundle is the public pre-key material a device publishes so others can
// start a session with it.
type Bundle struct {
	RegistrationID        uint16           `cbor:"1,keyasint"`
	IdentityKey           [32]byte         `cbor:"2,keyasint"`
	SigningKey            [32]byte         `cbor:"3,keyasint"`
	SignedPreKeyID        uint32           `cbor:"4,keyasint"`
	SignedPreKey          [32]byte         `cbor:"5,keyasint"`
	SignedPreKeySignature crypto.Signature `cbor:"6,keyasint"`
	PreKeyID              uint32           `cbor:"7,keyasint,omitempty"`
	PreKey                *[32]byte        `cbor:"8,keyasint,omitempty"`
}

// SignedPreKeyMessage is the byte string signed by the identity signing key:
// the signed pre-key followed by the identity DH key it belongs to.
func SignedPreKeyMessage(signedPreKey, identityKey [32]byte) []byte {
	msg := make([]byte, 0, 64)
	msg = append(msg, signedPreKey[:]...)
	return append(msg, identityKey[:]...)
}

// VerifySignature checks the signed pre-key signature of the bundle.
func (b *Bundle) VerifySignature() error {
	return crypto.Verify(b.SigningKey, SignedPreKeyMessage(b.SignedPreKey, b.IdentityKey), b.SignedPreKeySignature)
}

// Snapshot is everything a Backend persists.
type Snapshot struct {
	Version     int                     `cbor:"1,keyasint"`
	Credentials Credentials             `cbor:"2,keyasint"`
	PreKeys     []PreKey                `cbor:"3,keyasint,omitempty"`
	Sessions    map[string]SessionState `cbor:"4,keyasint,omitempty"`
	Identities  map[string][32]byte     `cbor:"5,keyasint,omitempty"`
}

// SnapshotVersion is the current Snapshot layout.
const SnapshotVersion = 1
