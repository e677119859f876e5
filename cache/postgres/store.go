// Package postgres provides a Postgres-backed partition storage so several
// processes (the edge server and the sync worker) can share partitions.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/briangreenhill/campusedge/cache"
)

const schema = `
CREATE TABLE IF NOT EXISTS cache_partitions (
	name       TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	seq        BIGSERIAL
);
CREATE TABLE IF NOT EXISTS cache_entries (
	id        BIGSERIAL PRIMARY KEY,
	partition TEXT NOT NULL REFERENCES cache_partitions(name) ON DELETE CASCADE,
	method    TEXT NOT NULL,
	url       TEXT NOT NULL,
	status    INTEGER NOT NULL,
	header    JSONB,
	body      BYTEA,
	stored_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (partition, method, url)
);`

// Store persists cache partitions in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to databaseURL and creates the partition tables.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("database url is required")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Open(ctx context.Context, name string) (cache.Partition, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("partition name is required")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cache_partitions (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name)
	if err != nil {
		return nil, fmt.Errorf("open partition %s: %w", name, err)
	}
	return &partition{pool: s.pool, name: name}, nil
}

func (s *Store) Has(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM cache_partitions WHERE name = $1)`, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("lookup partition %s: %w", name, err)
	}
	return exists, nil
}

func (s *Store) Delete(ctx context.Context, name string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM cache_partitions WHERE name = $1`, name)
	if err != nil {
		return false, fmt.Errorf("delete partition %s: %w", name, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) Names(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT name FROM cache_partitions ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	return names, nil
}

type partition struct {
	pool *pgxpool.Pool
	name string
}

func (p *partition) Name() string { return p.name }

func (p *partition) Match(ctx context.Context, key cache.Key) (*cache.Entry, bool, error) {
	e := &cache.Entry{Method: key.Method, URL: key.URL}
	var header []byte
	err := p.pool.QueryRow(ctx,
		`SELECT status, header, body, stored_at FROM cache_entries
		 WHERE partition = $1 AND method = $2 AND url = $3`,
		p.name, key.Method, key.URL,
	).Scan(&e.Status, &header, &e.Body, &e.StoredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("match %s in %s: %w", key, p.name, err)
	}
	if len(header) > 0 {
		var h http.Header
		if err := json.Unmarshal(header, &h); err != nil {
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
	_, err = p.pool.Exec(ctx,
		`INSERT INTO cache_entries (partition, method, url, status, header, body, stored_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 ON CONFLICT (partition, method, url) DO UPDATE SET
		   status = EXCLUDED.status,
		   header = EXCLUDED.header,
		   body = EXCLUDED.body,
		   stored_at = EXCLUDED.stored_at`,
		p.name, key.Method, key.URL, entry.Status, header, entry.Body,
	)
	if err != nil {
		return fmt.Errorf("put %s in %s: %w", key, p.name, err)
	}
	return nil
}

func (p *partition) Delete(ctx context.Context, key cache.Key) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM cache_entries WHERE partition = $1 AND method = $2 AND url = $3`,
		p.name, key.Method, key.URL)
	if err != nil {
		return false, fmt.Errorf("delete %s in %s: %w", key, p.name, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *partition) Keys(ctx context.Context) ([]cache.Key, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT method, url FROM cache_entries WHERE partition = $1 ORDER BY id`, p.name)
	if err != nil {
		return nil, fmt.Errorf("list keys in %s: %w", p.name, err)
	}
	keys, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (cache.Key, error) {
		var k cache.Key
		err := row.Scan(&k.Method, &k.URL)
		return k, err
	})
	if err != nil {
		return nil, fmt.Errorf("list keys in %s: %w", p.name, err)
	}
	return keys, nil
}
