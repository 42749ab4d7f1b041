package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wasession/crypto"
)

func newSignedPreKey(creds *Credentials, id uint32, now time.Time) (*SignedPreKey, error) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate signed pre-key: %w", err)
	}
	sig, err := creds.SigningKey.Sign(SignedPreKeyMessage(kp.Public, creds.IdentityKey.Public))
	if err != nil {
		return nil, fmt.Errorf("failed to sign pre-key: %w", err)
	}
	return &SignedPreKey{ID: id, KeyPair: *kp, Signature: sig, Created: now}, nil
}

// SignedPreKey returns the current signed pre-key.
func (s *Store) SignedPreKey() SignedPreKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.SignedPreKey
}

// SignedPreKeyByID finds the current or a retained previous signed pre-key.
func (s *Store) SignedPreKeyByID(id uint32) (SignedPreKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.creds.SignedPreKey.ID == id {
		return s.creds.SignedPreKey, true
	}
	for _, spk := range s.creds.PreviousSignedPreKeys {
		if spk.ID == id {
			return spk, true
		}
	}
	return SignedPreKey{}, false
}

// RotateSignedPreKey replaces the signed pre-key. The previous key is kept
// so pre-key messages already in flight still decrypt.
func (s *Store) RotateSignedPreKey(ctx context.Context) (SignedPreKey, error) {
	s.mu.Lock()
	old := s.creds.SignedPreKey
	spk, err := newSignedPreKey(&s.creds, old.ID%maxPreKeyID+1, s.opts.Clock.Now())
	if err != nil {
		s.mu.Unlock()
		return SignedPreKey{}, err
	}
	s.creds.SignedPreKey = *spk
	prev := append([]SignedPreKey{old}, s.creds.PreviousSignedPreKeys...)
	if len(prev) > s.opts.SignedPreKeyHistory {
		for _, dropped := range prev[s.opts.SignedPreKeyHistory:] {
			crypto.ZeroBytes(dropped.KeyPair.Private[:])
		}
		prev = prev[:s.opts.SignedPreKeyHistory]
	}
	s.creds.PreviousSignedPreKeys = prev
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"function": "RotateSignedPreKey",
		"id":       spk.ID,
		"previous": old.ID,
	}).Info("Rotated signed pre-key")
	return *spk, s.persist(ctx)
}

// GeneratePreKeys creates n one-time pre-keys with consecutive ids.
func (s *Store) GeneratePreKeys(ctx context.Context, n int) ([]PreKey, error) {
	keys := make([]PreKey, 0, n)
	for i := 0; i < n; i++ {
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("failed to generate pre-key %d: %w", i, err)
		}
		keys = append(keys, PreKey{KeyPair: *kp})
	}

	s.mu.Lock()
	for i := range keys {
		id := s.creds.NextPreKeyID
		if id == 0 || id > maxPreKeyID {
			id = 1
		}
		keys[i].ID = id
		s.preKeys[id] = keys[i]
		s.creds.NextPreKeyID = id + 1
	}
	s.mu.Unlock()

	if err := s.persist(ctx); err != nil {
		return nil, err
	}
	return keys, nil
}

// RotatePreKeyIfBelowThreshold generates and uploads a batch of one-time
// pre-keys when the server reports fewer than threshold remaining. It
// returns how many keys were uploaded.
func (s *Store) RotatePreKeyIfBelowThreshold(ctx context.Context, serverCount, threshold int, upload func(context.Context, []PreKey) error) (int, error) {
	if serverCount >= threshold {
		return 0, nil
	}
	keys, err := s.GeneratePreKeys(ctx, s.opts.PreKeyBatch)
	if err != nil {
		return 0, err
	}
	if err := upload(ctx, keys); err != nil {
		return 0, fmt.Errorf("upload pre-keys: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"function":     "RotatePreKeyIfBelowThreshold",
		"server_count": serverCount,
		"uploaded":     len(keys),
	}).Info("Uploaded one-time pre-keys")
	return len(keys), nil
}

// PreKey returns an unconsumed one-time pre-key.
func (s *Store) PreKey(id uint32) (PreKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pk, ok := s.preKeys[id]
	return pk, ok
}

// PreKeyCount returns the number of unconsumed one-time pre-keys.
func (s *Store) PreKeyCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.preKeys)
}

// ConsumePreKey deletes a one-time pre-key after it established a session.
func (s *Store) ConsumePreKey(ctx context.Context, id uint32) error {
	s.mu.Lock()
	pk, ok := s.preKeys[id]
	delete(s.preKeys, id)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	crypto.ZeroBytes(pk.KeyPair.Private[:])
	return s.persist(ctx)
}

// Bundle returns this device's public pre-key bundle, offering the lowest
// unconsumed one-time pre-key if any remain.
func (s *Store) Bundle() Bundle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b := Bundle{
		RegistrationID:        s.creds.RegistrationID,
		IdentityKey:           s.creds.IdentityKey.Public,
		SigningKey:            s.creds.SigningKey.Public,
		SignedPreKeyID:        s.creds.SignedPreKey.ID,
		SignedPreKey:          s.creds.SignedPreKey.KeyPair.Public,
		SignedPreKeySignature: s.creds.SignedPreKey.Signature,
	}
	if len(s.preKeys) > 0 {
		ids := make([]uint32, 0, len(s.preKeys))
		for id := range s.preKeys {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		pub := s.preKeys[ids[0]].KeyPair.Public
		b.PreKeyID = ids[0]
		b.PreKey = &pub
	}
	return b
}
