// Package postgres implements store.Store on the web application's
// PostgreSQL database.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/alfredjeanlab/notifyd/internal/model"
	"github.com/alfredjeanlab/notifyd/internal/store"
)

// migrationsFS holds the subset of the web application's schema the daemon
// reads. It is applied only to development databases by "notifyd schema apply".
//
//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements store.Store backed by a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements store.Store.
var _ store.Store = (*PostgresStore)(nil)

// New opens a connection to the database at the given URL and verifies it.
// The daemon issues one query at a time from its loop, so the pool is small.
func New(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewWithDB wraps an existing handle.
func NewWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies the embedded schema to the database at databaseURL.
func Migrate(databaseURL string) error {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	return runMigrations(db)
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: "notifyd_schema_migrations"})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) GetSession(ctx context.Context, token string) (*model.Session, error) {
	return queryGetSession(ctx, s.db, token)
}

func (s *PostgresStore) LatestSession(ctx context.Context, username, userAgent string) (*model.Session, error) {
	return queryLatestSession(ctx, s.db, username, userAgent)
}

func (s *PostgresStore) DeleteSessionsOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	return queryDeleteSessionsBefore(ctx, s.db, time.Now().Add(-age))
}

func (s *PostgresStore) RecipientIDByUsername(ctx context.Context, username string) (int64, error) {
	return queryRecipientIDByUsername(ctx, s.db, username)
}

func (s *PostgresStore) LatestSentNotificationID(ctx context.Context) (int64, error) {
	return queryLatestSentNotificationID(ctx, s.db)
}

func (s *PostgresStore) SentNotificationsAfter(ctx context.Context, cursor int64) ([]*model.Notification, error) {
	return querySentNotificationsAfter(ctx, s.db, cursor)
}
