// Package postgres implements the Data Store contract (spec.md §4.1) over
// PostgreSQL via jmoiron/sqlx and lib/pq, schema-managed by
// golang-migrate/migrate/v4. It stores each record family's leasing and
// ordering columns as real SQL columns — so the same compare-and-set and
// FIFO-by-time semantics the memory backend gets from a mutex-guarded map
// become plain WHERE clauses here — and keeps the rest of each domain
// record as a JSONB document, grounded on the teacher's BaseStore pattern
// (pkg/storage/postgres/base_store.go) of a thin wrapper around *sql.DB
// plus per-family query files.
package postgres

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	_ "github.com/lib/pq"

	"github.com/okapi-sec/okapi/internal/app/storage"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Store implements storage.Store against a PostgreSQL database.
type Store struct {
	db *sqlx.DB
}

// Connect opens a PostgreSQL connection pool via lib/pq, sized per the
// caller's pool settings.
func Connect(dsn string, maxOpen, maxIdle int) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	return db, nil
}

// Migrate applies every pending embedded migration to db, in lexical
// filename order, via golang-migrate.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: open migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("postgres: open migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "okapi", driver)
	if err != nil {
		return fmt.Errorf("postgres: build migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("postgres: apply migrations: %w", err)
	}
	return nil
}

// New wraps an already-open *sqlx.DB as a Store.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

var _ storage.Store = (*Store)(nil)

// DB returns the underlying connection pool, for callers needing direct
// access (health checks, Close on shutdown).
func (s *Store) DB() *sqlx.DB { return s.db }

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: rows affected: %w", err)
	}
	return n, nil
}
