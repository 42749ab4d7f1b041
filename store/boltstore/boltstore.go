// Package boltstore persists store snapshots in a bbolt database.
package boltstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/opd-ai/wasession/store"
)

const (
	bSnapshot = "snapshot"
	bMeta     = "meta"
	kCurrent  = "current"
	kSaved    = "saved_at"

	defaultTO = 2 * time.Second
)

// Backend is a bbolt-backed store.Backend.
type Backend struct {
	db *bolt.DB
}

// Open opens (or creates) a bbolt database at path.
func Open(path string) (*Backend, error) {
	if path == "" {
		return nil, errors.New("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: defaultTO})
	if err != nil {
		return nil, err
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bSnapshot)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(bMeta))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Backend{db: db}, nil
}

// Load returns the stored snapshot or store.ErrNotFound.
func (b *Backend) Load(ctx context.Context) (*store.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bSnapshot)).Get([]byte(kCurrent))
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, store.ErrNotFound
	}
	return store.DecodeSnapshot(data)
}

// Save replaces the stored snapshot in one transaction.
func (b *Backend) Save(ctx context.Context, snap *store.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := store.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	saved, err := time.Now().UTC().MarshalBinary()
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(bSnapshot)).Put([]byte(kCurrent), data); err != nil {
			return err
		}
		return tx.Bucket([]byte(bMeta)).Put([]byte(kSaved), saved)
	})
}

// SavedAt returns when the snapshot was last written.
func (b *Backend) SavedAt() (time.Time, error) {
	var t time.Time
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bMeta)).Get([]byte(kSaved))
		if v == nil {
			return store.ErrNotFound
		}
		return t.UnmarshalBinary(v)
	})
	return t, err
}

// Close closes the database.
func (b *Backend) Close() error { return b.db.Close() }
