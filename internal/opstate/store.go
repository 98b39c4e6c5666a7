// Package opstate persists small pieces of operational state across
// restarts. Entries are grouped by namespace; the device controller
// keeps one namespace per device ("device/<room>/<device>") holding
// its last commanded power, mode and setpoint. Values are plain
// strings and callers own their encoding.
package opstate

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS operational_state (
	namespace  TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (namespace, key)
);`

const upsert = `
INSERT INTO operational_state (namespace, key, value, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (namespace, key) DO UPDATE
SET value = excluded.value, updated_at = excluded.updated_at`

// Store is a SQLite-backed namespaced key-value store, safe for
// concurrent use.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens (creating if needed) the database file at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s, err := Open(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Open wraps an already open database, creating the schema if needed.
// Closing the Store closes db.
func Open(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) stamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

// Get returns the value stored under namespace/key, or "" when there
// is none.
func (s *Store) Get(namespace, key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM operational_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Set stores one value, replacing any previous one.
func (s *Store) Set(namespace, key, value string) error {
	if _, err := s.db.Exec(upsert, namespace, key, value, s.stamp()); err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// SetMany stores several keys of one namespace in a single
// transaction, so a reader never sees half of a device update.
func (s *Store) SetMany(namespace string, values map[string]string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("set %s: begin: %w", namespace, err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(upsert)
	if err != nil {
		return fmt.Errorf("set %s: prepare: %w", namespace, err)
	}
	defer stmt.Close()

	now := s.stamp()
	for key, value := range values {
		if _, err := stmt.Exec(namespace, key, value, now); err != nil {
			return fmt.Errorf("set %s/%s: %w", namespace, key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("set %s: commit: %w", namespace, err)
	}
	return nil
}

// Delete removes one key. Missing keys are not an error.
func (s *Store) Delete(namespace, key string) error {
	if _, err := s.db.Exec(
		`DELETE FROM operational_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	); err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// DeleteNamespace removes every key of a namespace.
func (s *Store) DeleteNamespace(namespace string) error {
	if _, err := s.db.Exec(
		`DELETE FROM operational_state WHERE namespace = ?`,
		namespace,
	); err != nil {
		return fmt.Errorf("delete namespace %s: %w", namespace, err)
	}
	return nil
}

// List returns every key/value pair of a namespace. The map is empty,
// never nil, when the namespace has no entries.
func (s *Store) List(namespace string) (map[string]string, error) {
	rows, err := s.db.Query(
		`SELECT key, value FROM operational_state WHERE namespace = ?`,
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", namespace, err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan %s: %w", namespace, err)
		}
		result[k] = v
	}
	return result, rows.Err()
}

// Namespaces returns the distinct namespaces starting with prefix, in
// sorted order.
func (s *Store) Namespaces(prefix string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT namespace FROM operational_state WHERE namespace >= ? ORDER BY namespace`,
		prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("namespaces %q: %w", prefix, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, fmt.Errorf("scan namespace: %w", err)
		}
		if !strings.HasPrefix(ns, prefix) {
			break
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}
