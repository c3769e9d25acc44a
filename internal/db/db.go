// Package db provides the persistent store for the migration workflow engine:
// runbooks, batches, batch members, phase executions, step and init
// executions, and the per-runbook dynamic data tables.
//
// Repositories are methods on *Store, one file per entity. All guarded state
// transitions return (bool, error): false means another caller already moved
// the entity and the operation was a no-op.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shiftctl/runbookd/internal/db/driver"
)

//go:embed schema/*.sql schema/postgres/*.sql
var schemaFS embed.FS

// timeFormat is the canonical UTC timestamp layout used in every table.
const timeFormat = "2006-01-02 15:04:05"

// embedFSAdapter wraps embed.FS to implement driver.SchemaFS.
type embedFSAdapter struct {
	fs embed.FS
}

func (e *embedFSAdapter) ReadDir(name string) ([]driver.DirEntry, error) {
	entries, err := e.fs.ReadDir(name)
	if err != nil {
		return nil, err
	}
	result := make([]driver.DirEntry, len(entries))
	for i, entry := range entries {
		result[i] = dirEntryAdapter{entry}
	}
	return result, nil
}

func (e *embedFSAdapter) ReadFile(name string) ([]byte, error) {
	return e.fs.ReadFile(name)
}

type dirEntryAdapter struct {
	fs.DirEntry
}

func (d dirEntryAdapter) Name() string {
	return d.DirEntry.Name()
}

func (d dirEntryAdapter) IsDir() bool {
	return d.DirEntry.IsDir()
}

// Store wraps a database connection with driver abstraction.
type Store struct {
	driver driver.Driver
	path   string
}

// Open opens a SQLite store at the given path, creating the parent directory
// if needed.
func Open(path string) (*Store, error) {
	return OpenWithDialect(path, driver.DialectSQLite)
}

// OpenInMemory opens an in-memory SQLite store with migrations applied.
// Each call creates a new isolated database; intended for tests.
func OpenInMemory() (*Store, error) {
	drv, err := driver.New(driver.DialectSQLite)
	if err != nil {
		return nil, err
	}
	if err := drv.Open(":memory:"); err != nil {
		return nil, err
	}
	s := &Store{driver: drv, path: ":memory:"}
	if err := s.Migrate(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// OpenWithDialect opens a store with a specific dialect.
func OpenWithDialect(dsn string, dialect driver.Dialect) (*Store, error) {
	if dialect == driver.DialectSQLite && dsn != ":memory:" {
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	drv, err := driver.New(dialect)
	if err != nil {
		return nil, err
	}
	if err := drv.Open(dsn); err != nil {
		return nil, err
	}
	return &Store{driver: drv, path: dsn}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.driver.Close()
}

// Path returns the database DSN/path.
func (s *Store) Path() string {
	return s.path
}

// Dialect returns the database dialect.
func (s *Store) Dialect() driver.Dialect {
	return s.driver.Dialect()
}

// DB returns the underlying sql.DB for advanced operations.
func (s *Store) DB() *sql.DB {
	return s.driver.DB()
}

// Migrate applies pending engine schema migrations
// (schema/engine_NNN.sql, schema/postgres/engine_NNN.sql).
func (s *Store) Migrate() error {
	adapter := &embedFSAdapter{fs: schemaFS}
	return s.driver.Migrate(context.Background(), adapter, "engine")
}

// TryRunbookLock acquires the per-runbook advisory lock used to serialize
// scheduler ticks. Returns ok=false when another tick holds it.
func (s *Store) TryRunbookLock(ctx context.Context, runbookID int64) (release func(), ok bool, err error) {
	return s.driver.TryLock(ctx, runbookID)
}

// Exec executes a query without returning rows. Queries are written with ?
// placeholders and rebound for the active dialect.
func (s *Store) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.driver.Exec(ctx, s.rebind(query), args...)
}

// Query executes a query that returns rows.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.driver.Query(ctx, s.rebind(query), args...)
}

// QueryRow executes a query that returns at most one row.
func (s *Store) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.driver.QueryRow(ctx, s.rebind(query), args...)
}

// TxOps exposes query helpers bound to an open transaction.
type TxOps struct {
	tx    driver.Tx
	store *Store
}

// Exec executes a query inside the transaction.
func (t *TxOps) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.Exec(ctx, t.store.rebind(query), args...)
}

// Query executes a query that returns rows inside the transaction.
func (t *TxOps) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.Query(ctx, t.store.rebind(query), args...)
}

// QueryRow executes a single-row query inside the transaction.
func (t *TxOps) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRow(ctx, t.store.rebind(query), args...)
}

// RunInTx runs fn inside a transaction, committing on nil error and rolling
// back otherwise.
func (s *Store) RunInTx(ctx context.Context, fn func(tx *TxOps) error) error {
	tx, err := s.driver.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&TxOps{tx: tx, store: s}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// rebind converts ? placeholders to the dialect's form ($1, $2, ... for
// Postgres). SQLite queries pass through untouched.
func (s *Store) rebind(query string) string {
	if s.driver.Dialect() != driver.DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// formatTime renders a timestamp in the canonical UTC layout.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// formatTimePtr renders an optional timestamp, nil-safe.
func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

// parseTime parses a stored timestamp; zero time on failure.
func parseTime(s string) time.Time {
	for _, layout := range []string{timeFormat, time.RFC3339, "2006-01-02 15:04:05.000000000"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// parseTimePtr parses an optional stored timestamp.
func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
