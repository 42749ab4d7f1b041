package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/opd-ai/wasession/codec"
)

// ErrNotFound is returned by Backend.Load when nothing has been saved yet.
var ErrNotFound = errors.New("credentials not found")

// Backend persists snapshots. The store never dictates the medium; any
// implementation of this contract will do.
type Backend interface {
	// Load returns the last saved snapshot or ErrNotFound.
	Load(ctx context.Context) (*Snapshot, error)
	// Save replaces the stored snapshot atomically.
	Save(ctx context.Context, snap *Snapshot) error
	Close() error
}

// EncodeSnapshot serializes snap as CBOR.
func EncodeSnapshot(snap *Snapshot) ([]byte, error) {
	data, err := codec.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot parses data written by EncodeSnapshot.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := codec.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Version > SnapshotVersion {
		return nil, fmt.Errorf("snapshot version %d is newer than supported %d", snap.Version, SnapshotVersion)
	}
	return &snap, nil
}

// MemoryBackend keeps the encoded snapshot in memory.
type MemoryBackend struct {
	mu    sync.Mutex
	data  []byte
	saves int
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// Load decodes the stored snapshot.
func (m *MemoryBackend) Load(ctx context.Context) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil, ErrNotFound
	}
	return DecodeSnapshot(m.data)
}

// Save encodes and stores snap.
func (m *MemoryBackend) Save(ctx context.Context, snap *Snapshot) error {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data = data
	m.saves++
	m.mu.Unlock()
	return nil
}

// Saves returns how many times Save succeeded.
func (m *MemoryBackend) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// Close is a no-op.
func (m *MemoryBackend) Close() error {
	return nil
}
