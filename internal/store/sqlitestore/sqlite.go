// Package sqlitestore implements a single-file SQLite storage backend.
package sqlitestore

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/discochess/shellcache/internal/codec"
	"github.com/discochess/shellcache/internal/snapshot"
	"github.com/discochess/shellcache/internal/store"
)

// Compile-time checks.
var (
	_ store.Store   = (*Store)(nil)
	_ store.Counter = (*Store)(nil)
)

//go:embed schema.sql
var schema string

// Store persists generations in SQLite.
type Store struct {
	db    *sql.DB
	codec codec.Codec
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string, c codec.Codec) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, codec: c}, nil
}

// Open creates the generation row.
func (s *Store) Open(ctx context.Context, tag string) error {
	if err := store.ValidateTag(tag); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO generations (tag, created_at) VALUES (?, ?)`,
		tag, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("opening generation %q: %w", tag, err)
	}
	return nil
}

// Put upserts the entry inside a transaction that also creates the generation.
func (s *Store) Put(ctx context.Context, tag string, key snapshot.Key, resp *snapshot.Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := store.ValidateTag(tag); err != nil {
		return err
	}

	now := time.Now().UTC()
	stored := resp.Clone()
	stored.StoredAt = now
	encoded, err := snapshot.Encode(stored)
	if err != nil {
		return err
	}
	data, err := codec.Compress(s.codec, encoded)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO generations (tag, created_at) VALUES (?, ?)`,
		tag, toMillis(now)); err != nil {
		return fmt.Errorf("opening generation %q: %w", tag, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO entries (tag, method, url, data, stored_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (tag, method, url) DO UPDATE SET data = excluded.data, stored_at = excluded.stored_at`,
		tag, key.Method, key.URL, data, toMillis(now)); err != nil {
		return fmt.Errorf("writing entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit entry: %w", err)
	}
	return nil
}

// Match loads the entry for key.
func (s *Store) Match(ctx context.Context, tag string, key snapshot.Key) (*snapshot.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM entries WHERE tag = ? AND method = ? AND url = ?`,
		tag, key.Method, key.URL).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("reading entry: %w", err)
	}

	decoded, err := codec.Decompress(s.codec, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return snapshot.Decode(decoded)
}

// Tags lists generations.
func (s *Store) Tags(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tag FROM generations ORDER BY tag`)
	if err != nil {
		return nil, fmt.Errorf("listing generations: %w", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("scanning generation: %w", err)
		}
		tags = append(tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing generations: %w", err)
	}
	// SQLite's BINARY collation matches sort.Strings, but keep one ordering rule.
	return store.SortTags(tags), nil
}

// Delete removes the generation and its entries.
func (s *Store) Delete(ctx context.Context, tag string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE tag = ?`, tag); err != nil {
		return fmt.Errorf("deleting entries of %q: %w", tag, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM generations WHERE tag = ?`, tag); err != nil {
		return fmt.Errorf("deleting generation %q: %w", tag, err)
	}
	return tx.Commit()
}

// Count returns the number of entries in a generation.
func (s *Store) Count(ctx context.Context, tag string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE tag = ?`, tag).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting generation %q: %w", tag, err)
	}
	return n, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
