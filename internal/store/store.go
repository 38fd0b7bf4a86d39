// Package store persists materialized cache entries to SQLite so a restart
// begins with a warm cache instead of refetching every feed.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"picocal/internal/model"
)

// Entry is one persisted cache row: the canonical URL, the validators seen
// at fetch time, and the already-materialized event list.
type Entry struct {
	URL           string
	Events        []model.Event
	LastModified  string
	ETag          string
	FetchedAt     int64
	ContentLength int
	Fingerprint   string
}

// Store manages the SQLite database backing the fetch cache.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath and ensures the schema.
// Use ":memory:" for an in-memory database, which is handy in tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache db: %w", err)
	}

	s := &Store{db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cache_entries (
		url TEXT PRIMARY KEY,
		last_modified TEXT,
		etag TEXT,
		fetched_at INTEGER NOT NULL,
		content_length INTEGER,
		fingerprint TEXT,
		events TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save writes an entry, replacing any previous row for the same URL
// wholesale. Entries are never merged.
func (s *Store) Save(e Entry) error {
	events, err := json.Marshal(e.Events)
	if err != nil {
		return fmt.Errorf("failed to encode events: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO cache_entries (url, last_modified, etag, fetched_at, content_length, fingerprint, events)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			last_modified = excluded.last_modified,
			etag = excluded.etag,
			fetched_at = excluded.fetched_at,
			content_length = excluded.content_length,
			fingerprint = excluded.fingerprint,
			events = excluded.events`,
		e.URL, e.LastModified, e.ETag, e.FetchedAt, e.ContentLength, e.Fingerprint, string(events))
	if err != nil {
		return fmt.Errorf("failed to save cache entry: %w", err)
	}
	return nil
}

// LoadAll returns every persisted entry. Rows whose event payload fails to
// decode are skipped rather than failing the whole warm start.
func (s *Store) LoadAll() ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT url, last_modified, etag, fetched_at, content_length, fingerprint, events
		FROM cache_entries`)
	if err != nil {
		return nil, fmt.Errorf("failed to query cache entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var events string
		if err := rows.Scan(&e.URL, &e.LastModified, &e.ETag, &e.FetchedAt, &e.ContentLength, &e.Fingerprint, &events); err != nil {
			return nil, fmt.Errorf("failed to scan cache entry: %w", err)
		}
		if err := json.Unmarshal([]byte(events), &e.Events); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Delete removes the entry for one canonical URL.
func (s *Store) Delete(url string) error {
	_, err := s.db.Exec(`DELETE FROM cache_entries WHERE url = ?`, url)
	return err
}

// Clear removes every entry.
func (s *Store) Clear() error {
	_, err := s.db.Exec(`DELETE FROM cache_entries`)
	return err
}
