// Package state provides the persistent state store for miraclecast.
//
// The store is a small SQLite database (pure-Go driver, no CGO) holding
// JSON values in named buckets. The only production consumer is the DHCP
// server's lease table, which must survive daemon restarts so P2P peers
// keep their addresses across reconnects.
package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/albfan/miraclecast/internal/clock"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a key does not exist in a bucket.
	ErrNotFound = errors.New("state: key not found")
)

// Store is a bucketed JSON key/value store.
type Store interface {
	GetJSON(bucket, key string, v interface{}) error
	SetJSON(bucket, key string, v interface{}) error
	Delete(bucket, key string) error
	List(bucket string) (map[string][]byte, error)
	Close() error
}

// SQLiteStore implements Store on a single SQLite file.
type SQLiteStore struct {
	mu    sync.Mutex
	db    *sql.DB
	clock clock.Clock
}

// Open opens (and if needed creates) the store at path. ":memory:" gives an
// ephemeral store for tests.
func Open(path string) (*SQLiteStore, error) {
	return OpenWithClock(path, &clock.RealClock{})
}

// OpenWithClock opens the store with an injected clock.
func OpenWithClock(path string, clk clock.Clock) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}

	// Single writer; WAL keeps readers cheap.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS state (
	bucket     TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (bucket, key)
)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db, clock: clk}, nil
}

// GetJSON unmarshals the value at bucket/key into v.
func (s *SQLiteStore) GetJSON(bucket, key string, v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var raw []byte
	err := s.db.QueryRow(
		`SELECT value FROM state WHERE bucket = ? AND key = ?`,
		bucket, key,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}

	return json.Unmarshal(raw, v)
}

// SetJSON stores v at bucket/key, replacing any previous value.
func (s *SQLiteStore) SetJSON(bucket, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", bucket, key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(
		`INSERT INTO state (bucket, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (bucket, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		bucket, key, string(raw), s.clock.Now().UTC().Format("2006-01-02T15:04:05Z07:00"),
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Delete removes bucket/key. Deleting a missing key is not an error.
func (s *SQLiteStore) Delete(bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM state WHERE bucket = ? AND key = ?`, bucket, key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

// List returns all raw values in a bucket keyed by key.
func (s *SQLiteStore) List(bucket string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT key, value FROM state WHERE bucket = ?`, bucket)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", bucket, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
