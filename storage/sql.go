package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	kvTableName         = "kv_store"
	sqlOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	driver string
	upsert string
	get    string
	create string
}

var (
	sqliteDialect = sqlDialect{
		driver: "sqlite",
		create: `CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		get: `SELECT value FROM %s WHERE key = ?`,
		upsert: `INSERT INTO %s (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
	}
	postgresDialect = sqlDialect{
		driver: "postgres",
		create: `CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		get: `SELECT value FROM %s WHERE key = $1`,
		upsert: `INSERT INTO %s (key, value, updated_at) VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
	}
)

// SQLKV stores each key as one row of a key/value table. The table is created
// on first use.
type SQLKV struct {
	dsn     string
	table   string
	dialect sqlDialect
	openDB  sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// OpenSQLite returns a KV backed by a SQLite database file.
func OpenSQLite(path string) (*SQLKV, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path required")
	}
	return &SQLKV{dsn: path, table: kvTableName, dialect: sqliteDialect, openDB: sql.Open}, nil
}

// OpenPostgres returns a KV backed by a Postgres table.
func OpenPostgres(dsn string) (*SQLKV, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	return &SQLKV{dsn: dsn, table: kvTableName, dialect: postgresDialect, openDB: sql.Open}, nil
}

func (s *SQLKV) ensureReady(ctx context.Context) error {
	s.initOnce.Do(func() {
		db, err := s.openDB(s.dialect.driver, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		if s.dialect.driver == "sqlite" {
			// a single writer avoids SQLITE_BUSY between pool connections
			db.SetMaxOpenConns(1)
		}
		ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
		defer cancel()
		if _, err := db.ExecContext(ctx, fmt.Sprintf(s.dialect.create, quoteIdentifier(s.table))); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *SQLKV) GetItem(ctx context.Context, key string) ([]byte, bool, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	var value string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(s.dialect.get, quoteIdentifier(s.table)), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(value), true, nil
}

func (s *SQLKV) SetItem(ctx context.Context, key string, value []byte) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, fmt.Sprintf(s.dialect.upsert, quoteIdentifier(s.table)), key, string(value), time.Now().UTC())
	return err
}

func (s *SQLKV) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
