// Package filestore persists store snapshots in a single file encrypted
// at rest with AES-256-GCM under a password-derived key.
package filestore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"

	"github.com/opd-ai/wasession/crypto"
	"github.com/opd-ai/wasession/store"
)

const (
	// PBKDF2Iterations is the number of iterations for key derivation.
	PBKDF2Iterations = 100000
	// FormatVersion is the current file format version.
	FormatVersion = 1
	// SaltSize is the size of the PBKDF2 salt.
	SaltSize = 32

	snapshotFile = "session.bin"
	saltFile     = ".salt"
)

// ErrDecrypt is returned when the file cannot be authenticated, which
// usually means a wrong password.
var ErrDecrypt = errors.New("failed to decrypt snapshot")

// Backend is an encrypted file store.Backend rooted at a directory.
// Format: [version:2][nonce:12][ciphertext+tag].
type Backend struct {
	dir string
	key [32]byte
}

// Open prepares dir and derives the file key from password. The password
// slice is wiped.
func Open(dir string, password []byte) (*Backend, error) {
	if len(password) == 0 {
		return nil, fmt.Errorf("password cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	b := &Backend{dir: dir}
	salt, err := b.loadOrGenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize salt: %w", err)
	}

	derived := pbkdf2.Key(password, salt, PBKDF2Iterations, 32, sha256.New)
	copy(b.key[:], derived)
	crypto.ZeroBytes(derived)
	crypto.ZeroBytes(password)
	return b, nil
}

func (b *Backend) loadOrGenerateSalt() ([]byte, error) {
	path := filepath.Join(b.dir, saltFile)
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != SaltSize {
			return nil, fmt.Errorf("invalid salt file size: got %d, want %d", len(data), SaltSize)
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read salt file: %w", err)
	}

	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("failed to save salt: %w", err)
	}
	return salt, nil
}

func (b *Backend) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(b.key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Load decrypts the snapshot or returns store.ErrNotFound.
func (b *Backend) Load(ctx context.Context) (*store.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(b.dir, snapshotFile))
	if os.IsNotExist(err) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	gcm, err := b.aead()
	if err != nil {
		return nil, err
	}
	min := 2 + gcm.NonceSize() + gcm.Overhead()
	if len(data) < min {
		return nil, fmt.Errorf("file too short: %d bytes (minimum %d)", len(data), min)
	}
	if v := binary.BigEndian.Uint16(data[:2]); v != FormatVersion {
		return nil, fmt.Errorf("unsupported format version: %d (expected %d)", v, FormatVersion)
	}
	nonce := data[2 : 2+gcm.NonceSize()]
	plaintext, err := gcm.Open(nil, nonce, data[2+gcm.NonceSize():], data[:2])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	defer crypto.ZeroBytes(plaintext)
	return store.DecodeSnapshot(plaintext)
}

// Save encrypts the snapshot and atomically replaces the file.
func (b *Backend) Save(ctx context.Context, snap *store.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	plaintext, err := store.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	defer crypto.ZeroBytes(plaintext)

	gcm, err := b.aead()
	if err != nil {
		return err
	}
	out := make([]byte, 2+gcm.NonceSize(), 2+gcm.NonceSize()+len(plaintext)+gcm.Overhead())
	binary.BigEndian.PutUint16(out[:2], FormatVersion)
	if _, err := io.ReadFull(rand.Reader, out[2:]); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	out = gcm.Seal(out, out[2:], plaintext, out[:2])

	tmp := filepath.Join(b.dir, snapshotFile+".tmp")
	final := filepath.Join(b.dir, snapshotFile)
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

// Close wipes the derived key.
func (b *Backend) Close() error {
	crypto.ZeroBytes(b.key[:])
	return nil
}
