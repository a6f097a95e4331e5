package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite persists the store in a SQLite database. The schema is created
// lazily so that an unreadable database surfaces from Load or Commit rather
// than from Open.
type SQLite struct {
	path string
	db   *sql.DB
}

// OpenSQLite prepares a gateway for the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &SQLite{path: path, db: db}, nil
}

func (g *SQLite) Location() string { return g.path }

// Close releases the underlying database handle.
func (g *SQLite) Close() error {
	if g == nil || g.db == nil {
		return nil
	}
	return g.db.Close()
}

func (g *SQLite) prepare(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, pragma := range pragmas {
		if _, err := g.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	const schema = `
CREATE TABLE IF NOT EXISTS cache_records (
        path TEXT PRIMARY KEY,
        size INTEGER NOT NULL,
        mod_secs INTEGER,
        mod_nanos INTEGER NOT NULL DEFAULT 0
);
`
	if _, err := g.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("initialize schema: %w", err)
	}
	return nil
}

// Load reads every persisted record.
func (g *SQLite) Load(ctx context.Context) (*Store, error) {
	if err := g.prepare(ctx); err != nil {
		return nil, err
	}
	rows, err := g.db.QueryContext(ctx, `SELECT path, size, mod_secs, mod_nanos FROM cache_records`)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	store := NewStore()
	for rows.Next() {
		var (
			path     string
			size     int64
			modSecs  sql.NullInt64
			modNanos int64
		)
		if err := rows.Scan(&path, &size, &modSecs, &modNanos); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if modNanos < 0 || modNanos >= int64(time.Second) {
			return nil, fmt.Errorf("%w: record %s has invalid nanoseconds", ErrCorrupt, path)
		}
		record := FileRecord{Path: path, Size: size}
		if modSecs.Valid {
			record.ModTime = time.Unix(modSecs.Int64, modNanos)
		}
		store.Upsert(record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return store, nil
}

// Commit replaces the persisted records with a snapshot of store inside one
// transaction.
func (g *SQLite) Commit(ctx context.Context, store *Store) error {
	if err := g.prepare(ctx); err != nil {
		return err
	}
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_records`); err != nil {
		return fmt.Errorf("clear records: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO cache_records(path, size, mod_secs, mod_nanos) VALUES(?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, record := range store.Snapshot() {
		var (
			modSecs  sql.NullInt64
			modNanos int64
		)
		if record.HasModTime() {
			modSecs = sql.NullInt64{Int64: record.ModTime.Unix(), Valid: true}
			modNanos = int64(record.ModTime.Nanosecond())
		}
		if _, err := stmt.ExecContext(ctx, record.Path, record.Size, modSecs, modNanos); err != nil {
			return fmt.Errorf("insert record %s: %w", record.Path, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
