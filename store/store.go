package store

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wasession/clock"
	"github.com/opd-ai/wasession/crypto"
)

// Defaults applied by Options.withDefaults.
const (
	DefaultPreKeyBatch         = 50
	DefaultSignedPreKeyHistory = 3
)

// Pre-key ids are 24 bits wide and wrap back to 1.
const maxPreKeyID uint32 = 1<<24 - 1

// Options configures a Store.
type Options struct {
	// PreKeyBatch is how many one-time pre-keys one upload generates.
	PreKeyBatch int
	// SignedPreKeyHistory is how many rotated signed pre-keys stay usable
	// for in-flight pre-key messages.
	SignedPreKeyHistory int
	Clock               clock.Clock
	Logger              logrus.FieldLogger
}

func (o Options) withDefaults() Options {
	if o.PreKeyBatch <= 0 {
		o.PreKeyBatch = DefaultPreKeyBatch
	}
	if o.SignedPreKeyHistory <= 0 {
		o.SignedPreKeyHistory = DefaultSignedPreKeyHistory
	}
	o.Clock = clock.OrReal(o.Clock)
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

// Store holds credentials, pre-keys, peer identities and per-device session
// state. Reads return copies; every mutation is persisted through the
// Backend before it returns.
type Store struct {
	opts    Options
	logger  logrus.FieldLogger
	backend Backend

	mu         sync.RWMutex
	creds      Credentials
	preKeys    map[uint32]PreKey
	sessions   map[Address]*SessionState
	identities map[Address][32]byte

	saveMu sync.Mutex

	locksMu sync.Mutex
	locks   map[Address]*addressLock
}

type addressLock struct {
	mu   sync.Mutex
	refs int
}

// Open loads the snapshot from backend or creates and persists fresh
// credentials when none exist.
func Open(ctx context.Context, backend Backend, opts Options) (*Store, error) {
	opts = opts.withDefaults()
	s := &Store{
		opts:       opts,
		logger:     opts.Logger.WithField("package", "store"),
		backend:    backend,
		preKeys:    make(map[uint32]PreKey),
		sessions:   make(map[Address]*SessionState),
		identities: make(map[Address][32]byte),
		locks:      make(map[Address]*addressLock),
	}

	snap, err := backend.Load(ctx)
	switch {
	case errors.Is(err, ErrNotFound):
		creds, err := NewCredentials(opts.Clock.Now())
		if err != nil {
			return nil, err
		}
		s.creds = *creds
		if err := s.persist(ctx); err != nil {
			return nil, fmt.Errorf("persist new credentials: %w", err)
		}
		s.logger.WithFields(logrus.Fields{
			"function":        "Open",
			"registration_id": creds.RegistrationID,
			"identity":        crypto.KeyPreview(creds.IdentityKey.Public[:]),
		}).Info("Created new credentials")
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	if err := s.restore(snap); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"function": "Open",
		"sessions": len(s.sessions),
		"prekeys":  len(s.preKeys),
	}).Debug("Loaded credentials")
	return s, nil
}

// NewCredentials generates a complete set of long-term keys.
func NewCredentials(now time.Time) (*Credentials, error) {
	noiseKey, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	identity, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	signing, err := crypto.GenerateSigningKey()
	if err != nil {
		return nil, err
	}
	regID, err := randomRegistrationID()
	if err != nil {
		return nil, err
	}

	creds := &Credentials{
		NoiseKey:       *noiseKey,
		IdentityKey:    *identity,
		SigningKey:     *signing,
		RegistrationID: regID,
		NextPreKeyID:   1,
		Created:        now,
	}
	spk, err := newSignedPreKey(creds, 1, now)
	if err != nil {
		return nil, err
	}
	creds.SignedPreKey = *spk
	return creds, nil
}

// randomRegistrationID returns a random non-zero 14-bit id.
func randomRegistrationID() (uint16, error) {
	var b [2]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, fmt.Errorf("failed to generate registration id: %w", err)
		}
		if id := binary.BigEndian.Uint16(b[:]) & 0x3fff; id != 0 {
			return id, nil
		}
	}
}

func (s *Store) restore(snap *Snapshot) error {
	if crypto.IsZero(snap.Credentials.IdentityKey.Private) || crypto.IsZero(snap.Credentials.NoiseKey.Private) {
		return fmt.Errorf("stored credentials are incomplete: %w", crypto.ErrInvalidKey)
	}
	s.creds = snap.Credentials
	for _, pk := range snap.PreKeys {
		s.preKeys[pk.ID] = pk
	}
	for key, st := range snap.Sessions {
		addr, err := parseAddressKey(key)
		if err != nil {
			return err
		}
		st := st
		s.sessions[addr] = &st
	}
	for key, pub := range snap.Identities {
		addr, err := parseAddressKey(key)
		if err != nil {
			return err
		}
		s.identities[addr] = pub
	}
	return nil
}

// snapshotLocked builds a Snapshot; s.mu must be held.
func (s *Store) snapshotLocked() *Snapshot {
	snap := &Snapshot{
		Version:     SnapshotVersion,
		Credentials: s.creds,
	}
	if s.creds.PreviousSignedPreKeys != nil {
		snap.Credentials.PreviousSignedPreKeys = append([]SignedPreKey(nil), s.creds.PreviousSignedPreKeys...)
	}
	if s.creds.Account != nil {
		acct := *s.creds.Account
		snap.Credentials.Account = &acct
	}
	for _, pk := range s.preKeys {
		snap.PreKeys = append(snap.PreKeys, pk)
	}
	if len(s.sessions) > 0 {
		snap.Sessions = make(map[string]SessionState, len(s.sessions))
		for addr, st := range s.sessions {
			snap.Sessions[addr.String()] = *st.Clone()
		}
	}
	if len(s.identities) > 0 {
		snap.Identities = make(map[string][32]byte, len(s.identities))
		for addr, pub := range s.identities {
			snap.Identities[addr.String()] = pub
		}
	}
	return snap
}

// persist writes the current state through the backend. Saves are
// serialized so a slow older snapshot never overwrites a newer one.
func (s *Store) persist(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	snap := s.snapshotLocked()
	s.mu.RUnlock()

	if err := s.backend.Save(ctx, snap); err != nil {
		s.logger.WithFields(logrus.Fields{
			"function": "persist",
			"error":    err.Error(),
		}).Error("Failed to persist store")
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Credentials returns a copy of the credentials.
func (s *Store) Credentials() Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.creds
	c.PreviousSignedPreKeys = append([]SignedPreKey(nil), s.creds.PreviousSignedPreKeys...)
	if s.creds.Account != nil {
		acct := *s.creds.Account
		c.Account = &acct
	}
	return c
}

// NoiseKey returns the static Noise key pair.
func (s *Store) NoiseKey() *crypto.KeyPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.NoiseKey.Clone()
}

// Identity returns the identity DH key pair.
func (s *Store) Identity() *crypto.KeyPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.IdentityKey.Clone()
}

// RegistrationID returns the stable registration id.
func (s *Store) RegistrationID() uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.RegistrationID
}

// Account returns the linked account, or nil before registration.
func (s *Store) Account() *Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.creds.Account == nil {
		return nil
	}
	acct := *s.creds.Account
	return &acct
}

// SetAccount links the credentials to a registered device.
func (s *Store) SetAccount(ctx context.Context, acct Account) error {
	s.mu.Lock()
	s.creds.Account = &acct
	s.mu.Unlock()
	return s.persist(ctx)
}

// Clear discards every session, identity and pre-key and replaces the
// credentials with fresh ones. It is used after logout.
func (s *Store) Clear(ctx context.Context) error {
	creds, err := NewCredentials(s.opts.Clock.Now())
	if err != nil {
		return err
	}

	s.mu.Lock()
	old := s.creds
	s.creds = *creds
	s.preKeys = make(map[uint32]PreKey)
	s.sessions = make(map[Address]*SessionState)
	s.identities = make(map[Address][32]byte)
	s.mu.Unlock()

	crypto.WipeKeyPair(&old.NoiseKey)
	crypto.WipeKeyPair(&old.IdentityKey)
	crypto.WipeSigningKey(&old.SigningKey)
	crypto.WipeKeyPair(&old.SignedPreKey.KeyPair)

	s.logger.WithField("function", "Clear").Info("Store cleared")
	return s.persist(ctx)
}

// LockAddress acquires the exclusive lock for one remote device and returns
// its release function. Operations on different addresses do not contend.
func (s *Store) LockAddress(addr Address) (unlock func()) {
	s.locksMu.Lock()
	l, ok := s.locks[addr]
	if !ok {
		l = &addressLock{}
		s.locks[addr] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, addr)
		}
		s.locksMu.Unlock()
	}
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
