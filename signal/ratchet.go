package signal

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/opd-ai/wasession/crypto"
	"github.com/opd-ai/wasession/store"
)

const (
	// DefaultMaxSkip is the largest gap a single message may open in a
	// receiving chain.
	DefaultMaxSkip = 2000
	// DefaultMaxStoredSkipped bounds the skipped message keys kept per
	// session. The oldest are dropped first.
	DefaultMaxStoredSkipped = 2000

	maxRetiredRatchets = 8
)

var (
	// ErrMessageTooOld is returned for duplicates of consumed messages and
	// messages whose key fell out of the skipped-key window.
	ErrMessageTooOld = errors.New("message too old")
	// ErrTooManySkipped is returned when a message is too far ahead of the
	// receiving chain.
	ErrTooManySkipped = errors.New("too many skipped messages")
	// ErrDecryptFailed is returned when a message fails authentication.
	ErrDecryptFailed = errors.New("message authentication failed")
)

var (
	infoRatchet = []byte("WASession_Ratchet")
	infoChain   = []byte("WASession_Chain")
)

func split64(out []byte) (a, b [32]byte) {
	copy(a[:], out[:32])
	copy(b[:], out[32:64])
	crypto.ZeroBytes(out)
	return a, b
}

// kdfRoot mixes a DH output into the root key and returns the new root key
// and a fresh chain key.
func kdfRoot(rootKey, dh [32]byte) (root, chain [32]byte, err error) {
	out, err := crypto.HKDF(dh[:], rootKey[:], infoRatchet, 64)
	if err != nil {
		return root, chain, err
	}
	root, chain = split64(out)
	return root, chain, nil
}

// kdfChain advances a chain key and returns the next chain key and the
// message key for the current index.
func kdfChain(chainKey [32]byte) (next, messageKey [32]byte, err error) {
	out, err := crypto.HKDF(chainKey[:], nil, infoChain, 64)
	if err != nil {
		return next, messageKey, err
	}
	next, messageKey = split64(out)
	return next, messageKey, nil
}

func nonceFor(counter uint32) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[len(nonce)-4:], counter)
	return nonce
}

func seal(messageKey [32]byte, counter uint32, plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(messageKey[:])
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonceFor(counter), plaintext, ad), nil
}

func open(messageKey [32]byte, counter uint32, ciphertext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(messageKey[:])
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonceFor(counter), ciphertext, ad)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return pt, nil
}

// associatedData binds both identities and the message header.
func associatedData(sender, receiver [32]byte, m *Message) []byte {
	ad := make([]byte, 0, 64+41)
	ad = append(ad, sender[:]...)
	ad = append(ad, receiver[:]...)
	return append(ad, m.header()...)
}

// ratchet applies Double Ratchet steps to a session state. Callers pass a
// copy and persist it only on success.
type ratchet struct {
	maxSkip   uint32
	maxStored int
}

func (r ratchet) encrypt(st *store.SessionState, plaintext []byte) (*Message, error) {
	next, mk, err := kdfChain(st.SendChain.Key)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(mk[:])

	msg := &Message{
		RatchetKey:      st.SendRatchet.Public,
		Counter:         st.SendChain.Index,
		PreviousCounter: st.PreviousCounter,
	}
	msg.Ciphertext, err = seal(mk, msg.Counter, plaintext, associatedData(st.LocalIdentity, st.RemoteIdentity, msg))
	if err != nil {
		return nil, err
	}
	st.SendChain = store.Chain{Key: next, Index: st.SendChain.Index + 1}
	return msg, nil
}

func (r ratchet) decrypt(st *store.SessionState, msg *Message) ([]byte, error) {
	ad := associatedData(st.RemoteIdentity, st.LocalIdentity, msg)

	if mk, ok := takeSkipped(st, msg.RatchetKey, msg.Counter); ok {
		defer crypto.ZeroBytes(mk[:])
		return open(mk, msg.Counter, msg.Ciphertext, ad)
	}

	if st.RecvChain != nil && crypto.Equal32(msg.RatchetKey, st.RecvRatchet) {
		if msg.Counter < st.RecvChain.Index {
			return nil, fmt.Errorf("%w: index %d, chain at %d", ErrMessageTooOld, msg.Counter, st.RecvChain.Index)
		}
	} else {
		if isRetired(st, msg.RatchetKey) {
			return nil, fmt.Errorf("%w: chain already replaced", ErrMessageTooOld)
		}
		if err := r.step(st, msg); err != nil {
			return nil, err
		}
	}

	if err := r.skipTo(st, msg.Counter); err != nil {
		return nil, err
	}
	next, mk, err := kdfChain(st.RecvChain.Key)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(mk[:])

	pt, err := open(mk, msg.Counter, msg.Ciphertext, ad)
	if err != nil {
		return nil, err
	}
	st.RecvChain = &store.Chain{Key: next, Index: msg.Counter + 1}
	return pt, nil
}

// step performs a DH ratchet step on a new remote ratchet key.
func (r ratchet) step(st *store.SessionState, msg *Message) error {
	if st.RecvChain != nil {
		if err := r.skipTo(st, msg.PreviousCounter); err != nil {
			return err
		}
		st.RetiredRatchets = append(st.RetiredRatchets, st.RecvRatchet)
		if n := len(st.RetiredRatchets); n > maxRetiredRatchets {
			st.RetiredRatchets = append([][32]byte(nil), st.RetiredRatchets[n-maxRetiredRatchets:]...)
		}
	}

	dh, err := st.SendRatchet.DH(msg.RatchetKey)
	if err != nil {
		return err
	}
	root, recv, err := kdfRoot(st.RootKey, dh)
	crypto.ZeroBytes(dh[:])
	if err != nil {
		return err
	}

	next, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	dh, err = next.DH(msg.RatchetKey)
	if err != nil {
		return err
	}
	root, send, err := kdfRoot(root, dh)
	crypto.ZeroBytes(dh[:])
	if err != nil {
		return err
	}

	crypto.WipeKeyPair(&st.SendRatchet)
	st.RecvRatchet = msg.RatchetKey
	st.RecvChain = &store.Chain{Key: recv}
	st.PreviousCounter = st.SendChain.Index
	st.SendRatchet = *next
	st.SendChain = store.Chain{Key: send}
	st.RootKey = root
	return nil
}

// skipTo stores message keys for every index of the receiving chain below
// until.
func (r ratchet) skipTo(st *store.SessionState, until uint32) error {
	chain := st.RecvChain
	if until <= chain.Index {
		return nil
	}
	if until-chain.Index > r.maxSkip {
		return fmt.Errorf("%w: %d ahead of chain index %d", ErrTooManySkipped, until, chain.Index)
	}
	for chain.Index < until {
		next, mk, err := kdfChain(chain.Key)
		if err != nil {
			return err
		}
		st.Skipped = append(st.Skipped, store.SkippedKey{
			RatchetKey: st.RecvRatchet,
			Index:      chain.Index,
			MessageKey: mk,
		})
		chain.Key = next
		chain.Index++
	}
	if drop := len(st.Skipped) - r.maxStored; drop > 0 {
		for i := range st.Skipped[:drop] {
			crypto.ZeroBytes(st.Skipped[i].MessageKey[:])
		}
		st.Skipped = append([]store.SkippedKey(nil), st.Skipped[drop:]...)
	}
	return nil
}

func takeSkipped(st *store.SessionState, ratchetKey [32]byte, index uint32) ([32]byte, bool) {
	for i, sk := range st.Skipped {
		if sk.Index == index && crypto.Equal32(sk.RatchetKey, ratchetKey) {
			st.Skipped = append(st.Skipped[:i:i], st.Skipped[i+1:]...)
			return sk.MessageKey, true
		}
	}
	return [32]byte{}, false
}

func isRetired(st *store.SessionState, ratchetKey [32]byte) bool {
	for _, k := range st.RetiredRatchets {
		if crypto.Equal32(k, ratchetKey) {
			return true
		}
	}
	return false
}
