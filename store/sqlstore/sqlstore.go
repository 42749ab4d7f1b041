// Package sqlstore persists store snapshots in a SQLite database.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/opd-ai/wasession/store"
)

const schema = `
	CREATE TABLE IF NOT EXISTS snapshots (
		name TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		version INTEGER NOT NULL,
		saved_at INTEGER NOT NULL
	);
`

// Backend is a SQLite-backed store.Backend. Several named snapshots (one
// per account) can share a database.
type Backend struct {
	db   *sql.DB
	name string
}

// Open opens or creates the database at path and selects the snapshot
// called name.
func Open(path, name string) (*Backend, error) {
	if name == "" {
		return nil, errors.New("empty snapshot name")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Backend{db: db, name: name}, nil
}

// Load returns the named snapshot or store.ErrNotFound.
func (b *Backend) Load(ctx context.Context) (*store.Snapshot, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx, `SELECT data FROM snapshots WHERE name = ?`, b.name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return store.DecodeSnapshot(data)
}

// Save upserts the named snapshot.
func (b *Backend) Save(ctx context.Context, snap *store.Snapshot) error {
	data, err := store.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO snapshots (name, data, version, saved_at) VALUES (?, ?, ?, ?)`,
		b.name, data, snap.Version, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// Names lists every snapshot stored in the database.
func (b *Backend) Names(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT name FROM snapshots ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Delete removes the named snapshot.
func (b *Backend) Delete(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM snapshots WHERE name = ?`, b.name)
	return err
}

// Close closes the database.
func (b *Backend) Close() error {
	return b.db.Close()
}
