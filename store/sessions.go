package store

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wasession/crypto"
)

// SessionState returns a copy of the session with addr.
func (s *Store) SessionState(addr Address) (*SessionState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[addr]
	if !ok {
		return nil, false
	}
	return st.Clone(), true
}

// HasSession reports whether a session with addr exists.
func (s *Store) HasSession(addr Address) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[addr]
	return ok
}

// PutSessionState stores a copy of st for addr and persists it.
func (s *Store) PutSessionState(ctx context.Context, addr Address, st *SessionState) error {
	s.mu.Lock()
	s.sessions[addr] = st.Clone()
	s.mu.Unlock()
	return s.persist(ctx)
}

// DeleteSession removes the session with addr.
func (s *Store) DeleteSession(ctx context.Context, addr Address) error {
	s.mu.Lock()
	_, ok := s.sessions[addr]
	delete(s.sessions, addr)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.persist(ctx)
}

// DeleteAllSessions removes every device session of user.
func (s *Store) DeleteAllSessions(ctx context.Context, user string) error {
	s.mu.Lock()
	removed := 0
	for addr := range s.sessions {
		if addr.User == user {
			delete(s.sessions, addr)
			removed++
		}
	}
	s.mu.Unlock()
	if removed == 0 {
		return nil
	}
	s.logger.WithFields(logrus.Fields{
		"function": "DeleteAllSessions",
		"user":     user,
		"removed":  removed,
	}).Debug("Deleted sessions")
	return s.persist(ctx)
}

// SessionAddresses returns the devices of user that have a session, ordered
// by device id.
func (s *Store) SessionAddresses(user string) []Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Address
	for addr := range s.sessions {
		if addr.User == user {
			out = append(out, addr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device < out[j].Device })
	return out
}

// SaveIdentity records the identity key of addr. It reports whether a
// different key was already recorded; in that case the new key replaces it.
func (s *Store) SaveIdentity(ctx context.Context, addr Address, identity [32]byte) (changed bool, err error) {
	s.mu.Lock()
	prev, known := s.identities[addr]
	if known && crypto.Equal32(prev, identity) {
		s.mu.Unlock()
		return false, nil
	}
	s.identities[addr] = identity
	s.mu.Unlock()

	if known {
		s.logger.WithFields(logrus.Fields{
			"function": "SaveIdentity",
			"address":  addr.String(),
			"previous": crypto.KeyPreview(prev[:]),
			"current":  crypto.KeyPreview(identity[:]),
		}).Warn("Identity key changed")
	}
	return known, s.persist(ctx)
}

// IsTrustedIdentity reports whether identity may be used for addr: unknown
// addresses are trusted on first use, known ones only with the same key.
func (s *Store) IsTrustedIdentity(addr Address, identity [32]byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prev, known := s.identities[addr]
	return !known || crypto.Equal32(prev, identity)
}

// RemoteIdentity returns the recorded identity key of addr.
func (s *Store) RemoteIdentity(addr Address) ([32]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.identities[addr]
	return id, ok
}
