// Copyright (c) 2026 Nlaak Studios (https://nlaak.com)
// Author: Andrew Donelson (https://www.linkedin.com/in/andrew-donelson/)
//
// l3.go — PostgreSQL persistence tier: a single key/value table holding
// opaque payloads with an optional expiry, upsert on write, expiry-aware
// reads, prefix listing and clearing, a sweeper for expired rows, and
// optional read-replica routing via a secondary pgxpool.

// Package l3 provides the PostgreSQL persistence tier adapter.
package l3

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AndrewDonelson/stash/internal/clock"
)

// ErrMiss is returned by Get when no live row exists for the key.
var ErrMiss = errors.New("l3: miss")

// ErrInvalidTable is returned by New for an empty or malformed table name.
var ErrInvalidTable = errors.New("l3: invalid table name")

// Store is the L3 PostgreSQL adapter.
type Store struct {
	pool    *pgxpool.Pool
	replica *pgxpool.Pool
	clock   clock.Clock
	table   string // sanitized identifier
	index   string

	sqlUpsert string
	sqlGet    string
	sqlExists string
	sqlDelete string
	sqlKeys   string
	sqlClear  string
	sqlSweep  string
	sqlScan   string
}

// New creates a Store over table, which may be schema-qualified
// ("cache.entries"). replica is optional and serves reads.
func New(pool, replica *pgxpool.Pool, table string, clk clock.Clock) (*Store, error) {
	ident, err := parseTable(table)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real{}
	}
	t := ident.Sanitize()
	s := &Store{
		pool:    pool,
		replica: replica,
		clock:   clk,
		table:   t,
		index:   pgx.Identifier{ident[len(ident)-1] + "_expires_at_idx"}.Sanitize(),
	}
	s.sqlUpsert = "INSERT INTO " + t + " (key, value, expires_at, updated_at) VALUES ($1, $2, $3, now()) " +
		"ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = now()"
	s.sqlGet = "SELECT value, expires_at FROM " + t + " WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)"
	s.sqlExists = "SELECT 1 FROM " + t + " WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2) LIMIT 1"
	s.sqlDelete = "DELETE FROM " + t + " WHERE key = ANY($1)"
	s.sqlKeys = "SELECT key FROM " + t + ` WHERE key LIKE $1 ESCAPE '\' AND (expires_at IS NULL OR expires_at > $2) ORDER BY key`
	s.sqlClear = "DELETE FROM " + t + ` WHERE key LIKE $1 ESCAPE '\'`
	s.sqlSweep = "DELETE FROM " + t + " WHERE expires_at IS NOT NULL AND expires_at <= $1"
	s.sqlScan = "SELECT key, value, expires_at FROM " + t +
		` WHERE key LIKE $1 ESCAPE '\' AND (expires_at IS NULL OR expires_at > $2) ORDER BY updated_at DESC, key`
	return s, nil
}

func parseTable(table string) (pgx.Identifier, error) {
	table = strings.TrimSpace(table)
	if table == "" {
		return nil, ErrInvalidTable
	}
	parts := strings.Split(table, ".")
	if len(parts) > 2 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidTable, table)
		}
	}
	return pgx.Identifier(parts), nil
}

// readPool returns the read replica if available, otherwise the primary.
func (s *Store) readPool() *pgxpool.Pool {
	if s.replica != nil {
		return s.replica
	}
	return s.pool
}

// Table returns the sanitized table identifier.
func (s *Store) Table() string { return s.table }

// Ping verifies the primary pool is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureTable creates the table and its expiry index when missing.
func (s *Store) EnsureTable(ctx context.Context) error {
	ddl := []string{
		"CREATE TABLE IF NOT EXISTS " + s.table + ` (
			key        TEXT PRIMARY KEY,
			value      BYTEA NOT NULL,
			expires_at TIMESTAMPTZ NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		"CREATE INDEX IF NOT EXISTS " + s.index + " ON " + s.table + " (expires_at) WHERE expires_at IS NOT NULL",
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("l3 ensure table %s: %w", s.table, err)
		}
	}
	return nil
}

// Upsert writes data under key. A nil expiresAt stores the row without expiry.
func (s *Store) Upsert(ctx context.Context, key string, data []byte, expiresAt *time.Time) error {
	if _, err := s.pool.Exec(ctx, s.sqlUpsert, key, data, expiresAt); err != nil {
		return fmt.Errorf("l3 upsert %s: %w", key, err)
	}
	return nil
}

// Get returns the payload and expiry of a live row, or ErrMiss.
func (s *Store) Get(ctx context.Context, key string) ([]byte, *time.Time, error) {
	var (
		data      []byte
		expiresAt *time.Time
	)
	err := s.readPool().QueryRow(ctx, s.sqlGet, key, s.clock.Now()).Scan(&data, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrMiss
		}
		return nil, nil, fmt.Errorf("l3 get %s: %w", key, err)
	}
	return data, expiresAt, nil
}

// Exists reports whether a live row exists for key.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	var dummy int
	err := s.readPool().QueryRow(ctx, s.sqlExists, key, s.clock.Now()).Scan(&dummy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("l3 exists %s: %w", key, err)
	}
	return true, nil
}

// Delete removes rows by key and returns how many existed.
func (s *Store) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, s.sqlDelete, keys)
	if err != nil {
		return 0, fmt.Errorf("l3 delete: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Keys lists live keys starting with prefix, sorted.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.readPool().Query(ctx, s.sqlKeys, likePrefix(prefix), s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("l3 keys: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("l3 keys: %w", err)
	}
	return keys, nil
}

// Row is one live entry returned by Scan.
type Row struct {
	Key       string
	Value     []byte
	ExpiresAt *time.Time
}

// Scan calls fn for live rows under prefix, most recently written first.
// limit <= 0 returns every row. A non-nil error from fn stops the scan.
func (s *Store) Scan(ctx context.Context, prefix string, limit int, fn func(Row) error) error {
	query := s.sqlScan
	args := []any{likePrefix(prefix), s.clock.Now()}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}
	rows, err := s.readPool().Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("l3 scan: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.Key, &r.Value, &r.ExpiresAt); err != nil {
			return fmt.Errorf("l3 scan: %w", err)
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Clear deletes every row whose key starts with prefix.
func (s *Store) Clear(ctx context.Context, prefix string) (int64, error) {
	tag, err := s.pool.Exec(ctx, s.sqlClear, likePrefix(prefix))
	if err != nil {
		return 0, fmt.Errorf("l3 clear: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SweepExpired deletes rows whose expiry has passed.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, s.sqlSweep, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("l3 sweep: %w", err)
	}
	return tag.RowsAffected(), nil
}

// likePrefix escapes LIKE metacharacters in prefix and appends the wildcard.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

// Permanent reports whether err is a server-side rejection that a retry
// cannot fix: data exceptions (class 22), integrity violations (23), and
// syntax or access errors (42). Connection and timeout errors are transient.
func Permanent(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || len(pgErr.Code) < 2 {
		return false
	}
	switch pgErr.Code[:2] {
	case "22", "23", "42":
		return true
	}
	return false
}

// Pool returns the underlying primary connection pool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close shuts down the connection pools.
func (s *Store) Close() {
	s.pool.Close()
	if s.replica != nil && s.replica != s.pool {
		s.replica.Close()
	}
}
