package signal

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wasession/clock"
	"github.com/opd-ai/wasession/crypto"
	"github.com/opd-ai/wasession/limits"
	"github.com/opd-ai/wasession/store"
)

var (
	// ErrUnknownSession is returned when a session message arrives for a
	// device without session state.
	ErrUnknownSession = errors.New("no session for device")
	// ErrInvalidBundle is returned for bundles whose signed pre-key does
	// not verify.
	ErrInvalidBundle = errors.New("invalid pre-key bundle")
	// ErrInvalidPreKey is returned when a pre-key message references a
	// pre-key this device does not have.
	ErrInvalidPreKey = errors.New("unknown pre-key")
)

// BundleFetcher retrieves the published pre-key bundle of a device.
type BundleFetcher interface {
	FetchBundle(ctx context.Context, addr store.Address) (*store.Bundle, error)
}

// BundleFetcherFunc adapts a function to BundleFetcher.
type BundleFetcherFunc func(ctx context.Context, addr store.Address) (*store.Bundle, error)

// FetchBundle calls f.
func (f BundleFetcherFunc) FetchBundle(ctx context.Context, addr store.Address) (*store.Bundle, error) {
	return f(ctx, addr)
}

// Config configures an Engine.
type Config struct {
	MaxSkip          int
	MaxStoredSkipped int
	Clock            clock.Clock
	Logger           logrus.FieldLogger
}

// Engine encrypts and decrypts messages for individual devices.
type Engine struct {
	store   *store.Store
	fetcher BundleFetcher
	ratchet ratchet
	clock   clock.Clock
	logger  logrus.FieldLogger
}

// NewEngine returns an engine over st. fetcher may be nil when the engine
// only ever responds to sessions started by peers.
func NewEngine(st *store.Store, fetcher BundleFetcher, cfg Config) *Engine {
	if cfg.MaxSkip <= 0 {
		cfg.MaxSkip = DefaultMaxSkip
	}
	if cfg.MaxStoredSkipped <= 0 {
		cfg.MaxStoredSkipped = DefaultMaxStoredSkipped
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Engine{
		store:   st,
		fetcher: fetcher,
		ratchet: ratchet{maxSkip: uint32(cfg.MaxSkip), maxStored: cfg.MaxStoredSkipped},
		clock:   clock.OrReal(cfg.Clock),
		logger:  cfg.Logger.WithField("package", "signal"),
	}
}

// Encrypt encrypts plaintext for addr, establishing a session from the
// device's pre-key bundle if none exists.
func (e *Engine) Encrypt(ctx context.Context, addr store.Address, plaintext []byte) (*Ciphertext, error) {
	if err := limits.ValidatePlaintextMessage(plaintext); err != nil {
		return nil, err
	}
	unlock := e.store.LockAddress(addr)
	defer unlock()

	st, ok := e.store.SessionState(addr)
	if !ok {
		var err error
		if st, err = e.startSession(ctx, addr); err != nil {
			return nil, err
		}
	}

	msg, err := e.ratchet.encrypt(st, plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypt for %s: %w", addr, err)
	}

	ct := &Ciphertext{Type: TypeMessage}
	if p := st.Pending; p != nil {
		pkm := &PreKeyMessage{
			RegistrationID: e.store.RegistrationID(),
			SignedPreKeyID: p.SignedPreKeyID,
			BaseKey:        p.BaseKey,
			IdentityKey:    st.LocalIdentity,
			Message:        *msg,
		}
		if p.HasPreKey {
			pkm.PreKeyID = p.PreKeyID
		}
		ct.Type = TypePreKey
		ct.Data, err = pkm.Encode()
	} else {
		ct.Data, err = msg.Encode()
	}
	if err != nil {
		return nil, err
	}

	if err := e.store.PutSessionState(ctx, addr, st); err != nil {
		return nil, err
	}
	if !ok {
		changed, err := e.store.SaveIdentity(ctx, addr, st.RemoteIdentity)
		if err != nil {
			return nil, err
		}
		ct.IdentityChanged = changed
	}
	return ct, nil
}

func (e *Engine) startSession(ctx context.Context, addr store.Address) (*store.SessionState, error) {
	if e.fetcher == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, addr)
	}
	b, err := e.fetcher.FetchBundle(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("fetch bundle for %s: %w", addr, err)
	}
	if b == nil {
		return nil, fmt.Errorf("%w: no bundle for %s", ErrInvalidBundle, addr)
	}
	if err := b.VerifySignature(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBundle, err)
	}

	st, err := newInitiatorSession(e.store.Identity(), b, e.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("start session with %s: %w", addr, err)
	}
	e.logger.WithFields(logrus.Fields{
		"function":  "startSession",
		"address":   addr.String(),
		"identity":  crypto.KeyPreview(b.IdentityKey[:]),
		"prekey_id": b.PreKeyID,
		"signed_id": b.SignedPreKeyID,
		"one_time":  b.PreKey != nil,
	}).Debug("Established outgoing session")
	return st, nil
}

// Decrypt decrypts a ciphertext received from addr.
func (e *Engine) Decrypt(ctx context.Context, addr store.Address, ct Ciphertext) (*Plaintext, error) {
	unlock := e.store.LockAddress(addr)
	defer unlock()

	switch ct.Type {
	case TypePreKey:
		return e.decryptPreKey(ctx, addr, ct.Data)
	case TypeMessage:
		msg, err := ParseMessage(ct.Data)
		if err != nil {
			return nil, err
		}
		st, ok := e.store.SessionState(addr)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSession, addr)
		}
		return e.decryptWith(ctx, addr, st, msg)
	default:
		return nil, fmt.Errorf("%w: type %q", ErrInvalidMessage, ct.Type)
	}
}

func (e *Engine) decryptWith(ctx context.Context, addr store.Address, st *store.SessionState, msg *Message) (*Plaintext, error) {
	pt, err := e.ratchet.decrypt(st, msg)
	if err != nil {
		e.logger.WithFields(logrus.Fields{
			"function": "Decrypt",
			"address":  addr.String(),
			"counter":  msg.Counter,
			"error":    err.Error(),
		}).Debug("Failed to decrypt message")
		return nil, err
	}
	// A reply proves the peer built the session.
	st.Pending = nil
	if err := e.store.PutSessionState(ctx, addr, st); err != nil {
		return nil, err
	}
	return &Plaintext{Data: pt}, nil
}

func (e *Engine) decryptPreKey(ctx context.Context, addr store.Address, data []byte) (*Plaintext, error) {
	pkm, err := ParsePreKeyMessage(data)
	if err != nil {
		return nil, err
	}

	// The sender repeats pre-key messages until it sees a reply.
	if st, ok := e.store.SessionState(addr); ok &&
		crypto.Equal32(st.BaseKey, pkm.BaseKey) && crypto.Equal32(st.RemoteIdentity, pkm.IdentityKey) {
		return e.decryptWith(ctx, addr, st, &pkm.Message)
	}

	spk, ok := e.store.SignedPreKeyByID(pkm.SignedPreKeyID)
	if !ok {
		return nil, fmt.Errorf("%w: signed pre-key %d", ErrInvalidPreKey, pkm.SignedPreKeyID)
	}
	var oneTime *crypto.KeyPair
	if pkm.PreKeyID != 0 {
		pk, ok := e.store.PreKey(pkm.PreKeyID)
		if !ok {
			return nil, fmt.Errorf("%w: pre-key %d", ErrInvalidPreKey, pkm.PreKeyID)
		}
		oneTime = &pk.KeyPair
	}

	st, err := newResponderSession(e.store.Identity(), &spk.KeyPair, oneTime, pkm, e.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("accept session from %s: %w", addr, err)
	}
	pt, err := e.ratchet.decrypt(st, &pkm.Message)
	if err != nil {
		return nil, err
	}

	if pkm.PreKeyID != 0 {
		if err := e.store.ConsumePreKey(ctx, pkm.PreKeyID); err != nil {
			return nil, err
		}
	}
	if err := e.store.PutSessionState(ctx, addr, st); err != nil {
		return nil, err
	}
	changed, err := e.store.SaveIdentity(ctx, addr, pkm.IdentityKey)
	if err != nil {
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"function":         "Decrypt",
		"address":          addr.String(),
		"prekey_id":        pkm.PreKeyID,
		"identity_changed": changed,
	}).Debug("Established incoming session")
	return &Plaintext{Data: pt, NewSession: true, IdentityChanged: changed}, nil
}
