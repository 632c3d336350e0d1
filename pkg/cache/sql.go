package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/letuhao/chaos-backend-service-sub003/pkg/contracts"

	_ "modernc.org/sqlite"
)

// Dialect selects placeholder syntax and driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DefaultTable is the cache table name.
const DefaultTable = "snapshot_cache"

// SQLBackend persists entries in a SQL table. Expiry is stored as unix
// nanoseconds, zero meaning no expiry.
type SQLBackend struct {
	db      *sql.DB
	dialect Dialect
	table   string
	now     func() time.Time
	counters
}

// OpenSQLite opens (or creates) a sqlite database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}
	db.SetMaxOpenConns(1)
	return NewSQLBackend(ctx, db, DialectSQLite, DefaultTable)
}

// OpenPostgres connects to a postgres database.
func OpenPostgres(ctx context.Context, dsn string) (*SQLBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres cache: %w", err)
	}
	return NewSQLBackend(ctx, db, DialectPostgres, DefaultTable)
}

// NewSQLBackend wraps db and creates the cache table if needed.
func NewSQLBackend(ctx context.Context, db *sql.DB, dialect Dialect, table string) (*SQLBackend, error) {
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, contracts.Configurationf("sql_cache", string(dialect), "unsupported dialect")
	}
	if table == "" {
		table = DefaultTable
	}
	s := &SQLBackend{db: db, dialect: dialect, table: pq.QuoteIdentifier(table), now: time.Now}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLBackend) migrate(ctx context.Context) error {
	query := fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS %s (
        cache_key TEXT PRIMARY KEY,
        value TEXT NOT NULL,
        expires_at BIGINT NOT NULL DEFAULT 0
    )`, s.table)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return contracts.Wrap(contracts.KindCache, "sql migrate", s.table, err)
	}
	return nil
}

// rebind rewrites ? placeholders for postgres.
func (s *SQLBackend) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLBackend) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	query := s.rebind(fmt.Sprintf(`SELECT value, expires_at FROM %s WHERE cache_key = ?`, s.table))
	var (
		value   string
		expires int64
	)
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		s.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, contracts.Wrap(contracts.KindCache, "sql get", key, err)
	}
	if expires > 0 && s.now().UnixNano() >= expires {
		s.misses.Add(1)
		s.evictions.Add(1)
		if err := s.remove(ctx, key); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	s.hits.Add(1)
	return json.RawMessage(value), true, nil
}

func (s *SQLBackend) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	var expires int64
	if ttl > 0 {
		expires = s.now().Add(ttl).UnixNano()
	}
	query := s.rebind(fmt.Sprintf(`
        INSERT INTO %s (cache_key, value, expires_at) VALUES (?, ?, ?)
        ON CONFLICT (cache_key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`, s.table))
	if _, err := s.db.ExecContext(ctx, query, key, string(value), expires); err != nil {
		return contracts.Wrap(contracts.KindCache, "sql set", key, err)
	}
	s.sets.Add(1)
	return nil
}

func (s *SQLBackend) remove(ctx context.Context, key string) error {
	query := s.rebind(fmt.Sprintf(`DELETE FROM %s WHERE cache_key = ?`, s.table))
	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return contracts.Wrap(contracts.KindCache, "sql delete", key, err)
	}
	return nil
}

func (s *SQLBackend) Delete(ctx context.Context, key string) error {
	if err := s.remove(ctx, key); err != nil {
		return err
	}
	s.deletes.Add(1)
	return nil
}

func (s *SQLBackend) Clear(ctx context.Context) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, s.table))
	if err != nil {
		return contracts.Wrap(contracts.KindCache, "sql clear", s.table, err)
	}
	if n, err := res.RowsAffected(); err == nil {
		s.deletes.Add(n)
	}
	return nil
}

// PurgeExpired deletes rows whose expiry has passed and returns how many.
func (s *SQLBackend) PurgeExpired(ctx context.Context) (int64, error) {
	query := s.rebind(fmt.Sprintf(`DELETE FROM %s WHERE expires_at > 0 AND expires_at <= ?`, s.table))
	res, err := s.db.ExecContext(ctx, query, s.now().UnixNano())
	if err != nil {
		return 0, contracts.Wrap(contracts.KindCache, "sql purge", s.table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, contracts.Wrap(contracts.KindCache, "sql purge", s.table, err)
	}
	s.evictions.Add(n)
	return n, nil
}

func (s *SQLBackend) Stats() Stats {
	return s.snapshot(string(s.dialect), 0)
}

func (s *SQLBackend) Close() error {
	return s.db.Close()
}
