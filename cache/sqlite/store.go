// Package sqlite provides a SQLite-backed partition storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/briangreenhill/campusedge/cache"
)

const schema = `
CREATE TABLE IF NOT EXISTS partitions (
	name       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	partition TEXT NOT NULL REFERENCES partitions(name) ON DELETE CASCADE,
	method    TEXT NOT NULL,
	url       TEXT NOT NULL,
	status    INTEGER NOT NULL,
	header    TEXT NOT NULL,
	body      BLOB,
	stored_at INTEGER NOT NULL,
	UNIQUE (partition, method, url)
);`

// Store persists cache partitions in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite partition store and creates its tables.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one writer keeps SQLITE_BUSY out of concurrent Put calls
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) Open(ctx context.Context, name string) (cache.Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("partition name is required")
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO partitions (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, toMillis(time.Now()),
	)
	if err != nil {
		return nil, fmt.Errorf("open partition %s: %w", name, err)
	}
	return &partition{store: s, name: name}, nil
}

func (s *Store) Has(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(1) FROM partitions WHERE name = ?`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup partition %s: %w", name, err)
	}
	return n > 0, nil
}

func (s *Store) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE partition = ?`, name); err != nil {
		return false, fmt.Errorf("delete partition %s entries: %w", name, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM partitions WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete partition %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) Names(ctx context.Context) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT name FROM partitions ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
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

type partition struct {
	store *Store
	name  string
}

func (p *partition) Name() string { return p.name }

func (p *partition) Match(ctx context.Context, key cache.Key) (*cache.Entry, bool, error) {
	var (
		status   int
		header   string
		body     []byte
		storedAt int64
	)
	err := p.store.sqlDB.QueryRowContext(ctx,
		`SELECT status, header, body, stored_at FROM entries WHERE partition = ? AND method = ? AND url = ?`,
		p.name, key.Method, key.URL,
	).Scan(&status, &header, &body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("match %s in %s: %w", key, p.name, err)
	}

	e := &cache.Entry{
		Method:   key.Method,
		URL:      key.URL,
		Status:   status,
		Body:     body,
		StoredAt: fromMillis(storedAt),
	}
	if header != "" {
		var h http.Header
		if err := json.Unmarshal([]byte(header), &h); err != nil {
			return nil, false, fmt.Errorf("decode header for %s: %w", key, err)
		}
		e.Header = h
	}
	return e, true, nil
}

func (p *partition) Put(ctx context.Context, entry *cache.Entry) error {
	key := entry.Key()
	header, err := json.Marshal(entry.Header)
	if err != nil {
		return err
	}
	_, err = p.store.sqlDB.ExecContext(ctx,
		`INSERT INTO entries (partition, method, url, status, header, body, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(partition, method, url) DO UPDATE SET
		   status = excluded.status,
		   header = excluded.header,
		   body = excluded.body,
		   stored_at = excluded.stored_at`,
		p.name, key.Method, key.URL, entry.Status, string(header), entry.Body, toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("put %s in %s: %w", key, p.name, err)
	}
	return nil
}

func (p *partition) Delete(ctx context.Context, key cache.Key) (bool, error) {
	res, err := p.store.sqlDB.ExecContext(ctx,
		`DELETE FROM entries WHERE partition = ? AND method = ? AND url = ?`,
		p.name, key.Method, key.URL,
	)
	if err != nil {
		return false, fmt.Errorf("delete %s in %s: %w", key, p.name, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (p *partition) Keys(ctx context.Context) ([]cache.Key, error) {
	rows, err := p.store.sqlDB.QueryContext(ctx,
		`SELECT method, url FROM entries WHERE partition = ? ORDER BY id`, p.name)
	if err != nil {
		return nil, fmt.Errorf("list keys in %s: %w", p.name, err)
	}
	defer rows.Close()

	var keys []cache.Key
	for rows.Next() {
		var k cache.Key
		if err := rows.Scan(&k.Method, &k.URL); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
