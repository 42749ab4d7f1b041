package wasession

import (
	"bytes"
	"errors"

	"github.com/opd-ai/wasession/codec"
	"github.com/opd-ai/wasession/crypto"
)

// ErrServerKeyMismatch is returned when the server presented a static key
// other than the pinned one.
var ErrServerKeyMismatch = errors.New("server static key does not match")

// ClientPayload is the authenticated payload sent with our static key
// during the handshake. A registered device logs in with Username and
// Device; a fresh device sends Registration instead.
type ClientPayload struct {
	Username     string               `cbor:"1,keyasint,omitempty"`
	Device       uint16               `cbor:"2,keyasint,omitempty"`
	PushName     string               `cbor:"3,keyasint,omitempty"`
	Passive      bool                 `cbor:"4,keyasint,omitempty"`
	Registration *RegistrationPayload `cbor:"5,keyasint,omitempty"`
}

// RegistrationPayload carries the public keys of a device that has not
// been linked to an account yet.
type RegistrationPayload struct {
	RegistrationID        uint16           `cbor:"1,keyasint"`
	IdentityKey           [32]byte         `cbor:"2,keyasint"`
	SigningKey            [32]byte         `cbor:"3,keyasint"`
	SignedPreKeyID        uint32           `cbor:"4,keyasint"`
	SignedPreKey          [32]byte         `cbor:"5,keyasint"`
	SignedPreKeySignature crypto.Signature `cbor:"6,keyasint"`
}

func (c *Client) clientPayload([]byte) ([]byte, error) {
	var p ClientPayload
	if acct := c.store.Account(); acct != nil {
		p.Username = acct.JID
		p.Device = acct.Device
		p.PushName = acct.PushName
	} else {
		b := c.store.Bundle()
		p.PushName = c.cfg.PushName
		p.Registration = &RegistrationPayload{
			RegistrationID:        b.RegistrationID,
			IdentityKey:           b.IdentityKey,
			SigningKey:            b.SigningKey,
			SignedPreKeyID:        b.SignedPreKeyID,
			SignedPreKey:          b.SignedPreKey,
			SignedPreKeySignature: b.SignedPreKeySignature,
		}
	}
	return codec.Marshal(p)
}

func (c *Client) verifyServer(remoteStatic, _ []byte) error {
	if c.peerStatic != nil && !bytes.Equal(remoteStatic, c.peerStatic) {
		return ErrServerKeyMismatch
	}
	return nil
}
