package signal

import (
	"time"

	"github.com/opd-ai/wasession/crypto"
	"github.com/opd-ai/wasession/store"
)

var infoX3DH = []byte("WASession_X3DH")

// deriveRootKey hashes the X3DH DH outputs, prefixed with 32 0xFF bytes,
// into the initial root key.
func deriveRootKey(dhs ...[32]byte) ([32]byte, error) {
	ikm := make([]byte, 32, 32*(len(dhs)+1))
	for i := range ikm {
		ikm[i] = 0xff
	}
	for _, dh := range dhs {
		ikm = append(ikm, dh[:]...)
	}
	defer crypto.ZeroBytes(ikm)

	var root [32]byte
	out, err := crypto.HKDF(ikm, nil, infoX3DH, 32)
	if err != nil {
		return root, err
	}
	copy(root[:], out)
	crypto.ZeroBytes(out)
	return root, nil
}

func dhAll(pairs ...func() ([32]byte, error)) ([][32]byte, error) {
	out := make([][32]byte, 0, len(pairs))
	for _, f := range pairs {
		dh, err := f()
		if err != nil {
			return nil, err
		}
		out = append(out, dh)
	}
	return out, nil
}

func wipeAll(dhs [][32]byte) {
	for i := range dhs {
		crypto.ZeroBytes(dhs[i][:])
	}
}

// newInitiatorSession runs X3DH against a verified bundle and returns a
// session ready to send its first pre-key message.
func newInitiatorSession(identity *crypto.KeyPair, b *store.Bundle, now time.Time) (*store.SessionState, error) {
	base, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	defer crypto.WipeKeyPair(base)

	steps := []func() ([32]byte, error){
		func() ([32]byte, error) { return identity.DH(b.SignedPreKey) },
		func() ([32]byte, error) { return base.DH(b.IdentityKey) },
		func() ([32]byte, error) { return base.DH(b.SignedPreKey) },
	}
	if b.PreKey != nil {
		opk := *b.PreKey
		steps = append(steps, func() ([32]byte, error) { return base.DH(opk) })
	}
	dhs, err := dhAll(steps...)
	if err != nil {
		return nil, err
	}
	defer wipeAll(dhs)
	secret, err := deriveRootKey(dhs...)
	if err != nil {
		return nil, err
	}

	ratchetKey, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	dh, err := ratchetKey.DH(b.SignedPreKey)
	if err != nil {
		return nil, err
	}
	root, chain, err := kdfRoot(secret, dh)
	crypto.ZeroBytes(dh[:])
	crypto.ZeroBytes(secret[:])
	if err != nil {
		return nil, err
	}

	return &store.SessionState{
		Version:        CurrentVersion,
		LocalIdentity:  identity.Public,
		RemoteIdentity: b.IdentityKey,
		RootKey:        root,
		SendChain:      store.Chain{Key: chain},
		SendRatchet:    *ratchetKey,
		RecvRatchet:    b.SignedPreKey,
		Pending: &store.PendingPreKey{
			PreKeyID:       b.PreKeyID,
			HasPreKey:      b.PreKey != nil,
			SignedPreKeyID: b.SignedPreKeyID,
			BaseKey:        base.Public,
		},
		BaseKey:              base.Public,
		RemoteRegistrationID: b.RegistrationID,
		Created:              now,
	}, nil
}

// newResponderSession runs the receiving side of X3DH for a pre-key
// message. oneTime is nil when the sender used no one-time pre-key. The
// returned state has no receiving chain yet; decrypting the embedded
// message performs the first ratchet step.
func newResponderSession(identity, signedPreKey, oneTime *crypto.KeyPair, m *PreKeyMessage, now time.Time) (*store.SessionState, error) {
	steps := []func() ([32]byte, error){
		func() ([32]byte, error) { return signedPreKey.DH(m.IdentityKey) },
		func() ([32]byte, error) { return identity.DH(m.BaseKey) },
		func() ([32]byte, error) { return signedPreKey.DH(m.BaseKey) },
	}
	if oneTime != nil {
		steps = append(steps, func() ([32]byte, error) { return oneTime.DH(m.BaseKey) })
	}
	dhs, err := dhAll(steps...)
	if err != nil {
		return nil, err
	}
	defer wipeAll(dhs)
	root, err := deriveRootKey(dhs...)
	if err != nil {
		return nil, err
	}

	return &store.SessionState{
		Version:              CurrentVersion,
		LocalIdentity:        identity.Public,
		RemoteIdentity:       m.IdentityKey,
		RootKey:              root,
		SendRatchet:          *signedPreKey.Clone(),
		BaseKey:              m.BaseKey,
		RemoteRegistrationID: m.RegistrationID,
		Created:              now,
	}, nil
}
