// Package store is the persistence façade (§4.H): registered nick, channel,
// and operator records backed by SQLite or MySQL behind a uniform adapter.
// Schema is managed with the teacher's ordered-migration-slice pattern — a
// schema_migrations tracking table plus an append-only []string of DDL.
package store

import (
	"database/sql"
	"fmt"
	"log"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// migrations holds the ordered list of DDL statements that bring the schema
// up to date. Index i corresponds to version i+1; never edit or reorder
// existing entries, only append.
var migrations = []string{
	// v1 — registered nicknames
	`CREATE TABLE IF NOT EXISTS registered_nicks (
		nick       TEXT PRIMARY KEY,
		password   TEXT NOT NULL,
		mask       TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`,
	// v2 — registered channels
	`CREATE TABLE IF NOT EXISTS registered_channels (
		name       TEXT PRIMARY KEY,
		topic      TEXT NOT NULL DEFAULT '',
		modes_json TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL
	)`,
	// v3 — operators
	`CREATE TABLE IF NOT EXISTS operators (
		name     TEXT PRIMARY KEY,
		password TEXT NOT NULL,
		mask     TEXT NOT NULL DEFAULT ''
	)`,
	// v4 — index for lookups by creation time (LIST ordering, admin views)
	`CREATE INDEX IF NOT EXISTS idx_registered_channels_created ON registered_channels(created_at)`,
}

// mysqlMigrations is used instead of migrations when DB.Database == "mysql":
// MySQL lacks SQLite's permissive typing and AUTOINCREMENT syntax differs,
// so the DDL is kept as its own ordered slice rather than trying to make
// one statement list satisfy both engines.
var mysqlMigrations = []string{
	`CREATE TABLE IF NOT EXISTS registered_nicks (
		nick       VARCHAR(64) PRIMARY KEY,
		password   TEXT NOT NULL,
		mask       TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS registered_channels (
		name       VARCHAR(80) PRIMARY KEY,
		topic      TEXT NOT NULL DEFAULT '',
		modes_json TEXT NOT NULL DEFAULT '{}',
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS operators (
		name     VARCHAR(64) PRIMARY KEY,
		password TEXT NOT NULL,
		mask     TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX idx_registered_channels_created ON registered_channels(created_at)`,
}

// Store wraps a database/sql handle and exposes registered-nick/channel/
// operator CRUD. It is safe for concurrent use (database/sql pools its own
// connections); the async discipline required by §4.H is layered on top by
// Facade, not here.
type Store struct {
	db     *sql.DB
	driver string // "sqlite" | "mysql"
}

// Open opens (or creates) the configured database and applies migrations.
// driver is the normalized config.Database.Database value ("sqlite" or
// "mysql"); dsn is config.Database.URL (a file path for sqlite).
func Open(driver, dsn string) (*Store, error) {
	var sqlDriver string
	var list []string
	switch driver {
	case "mysql":
		sqlDriver = "mysql"
		list = mysqlMigrations
	default:
		sqlDriver = "sqlite"
		list = migrations
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", sqlDriver, err)
	}
	if sqlDriver == "sqlite" {
		if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
			log.Printf("[store] WAL mode: %v (non-fatal)", err)
		}
		if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
			log.Printf("[store] busy_timeout: %v (non-fatal)", err)
		}
	}

	s := &Store{db: db, driver: driver}
	if err := s.migrate(list); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(list []string) error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at BIGINT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range list {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)`, v, nowUnix(),
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		log.Printf("[store] applied migration v%d", v)
	}
	return nil
}
