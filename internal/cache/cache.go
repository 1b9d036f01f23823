// Package cache keeps the last successfully fetched item snapshot per list
// in SQLite, so the status API can answer without reaching the service.
package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/anylist/internal/models"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS lists (
	name       TEXT PRIMARY KEY,
	fetched_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS items (
	list     TEXT NOT NULL REFERENCES lists(name) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	id       TEXT NOT NULL DEFAULT '',
	name     TEXT NOT NULL,
	checked  INTEGER NOT NULL DEFAULT 0,
	notes    TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (list, position)
);
`

// Snapshot is the cached content of one list.
type Snapshot struct {
	List      string        `json:"list"`
	Items     []models.Item `json:"items"`
	FetchedAt time.Time     `json:"fetched_at"`
}

// Store is the snapshot persistence used by the refresher and the status API.
type Store interface {
	SaveItems(list string, items []models.Item, fetchedAt time.Time) error
	Snapshot(list string) (*Snapshot, error)
	Lists() ([]string, error)
	Close() error
}

// Verify *DB satisfies Store at compile time.
var _ Store = (*DB)(nil)

// DB wraps a sql.DB holding list snapshots.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("cache: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("cache: apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// SaveItems replaces the snapshot of list within a transaction. Item order
// is preserved.
func (db *DB) SaveItems(list string, items []models.Item, fetchedAt time.Time) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("cache: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	_, err = tx.Exec(`
		INSERT INTO lists (name, fetched_at) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET fetched_at = excluded.fetched_at
	`, list, fetchedAt.UTC())
	if err != nil {
		return fmt.Errorf("cache: upsert list: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM items WHERE list = ?`, list); err != nil {
		return fmt.Errorf("cache: clear items: %w", err)
	}
	if len(items) > 0 {
		stmt, err := tx.Prepare(`INSERT INTO items (list, position, id, name, checked, notes) VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("cache: prepare item insert: %w", err)
		}
		defer stmt.Close()
		for i, it := range items {
			if _, err := stmt.Exec(list, i, it.ID, it.Name, it.Checked, it.Notes); err != nil {
				return fmt.Errorf("cache: insert item: %w", err)
			}
		}
	}

	return tx.Commit()
}

// Snapshot returns the cached items of list, or nil if it was never saved.
func (db *DB) Snapshot(list string) (*Snapshot, error) {
	snap := &Snapshot{List: list, Items: []models.Item{}}
	err := db.conn.QueryRow(`SELECT fetched_at FROM lists WHERE name = ?`, list).Scan(&snap.FetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: get list: %w", err)
	}

	rows, err := db.conn.Query(`
		SELECT id, name, checked, notes FROM items
		WHERE list = ? ORDER BY position
	`, list)
	if err != nil {
		return nil, fmt.Errorf("cache: get items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		it := models.Item{List: list}
		if err := rows.Scan(&it.ID, &it.Name, &it.Checked, &it.Notes); err != nil {
			return nil, err
		}
		snap.Items = append(snap.Items, it)
	}
	return snap, rows.Err()
}

// Lists returns the names of every cached list, sorted.
func (db *DB) Lists() ([]string, error) {
	rows, err := db.conn.Query(`SELECT name FROM lists ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("cache: lists: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}
