// Package db owns the schema: it opens a database/sql handle for tooling and
// applies the embedded migrations. Request traffic goes through dbpool.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"municipal-api/internal/logging"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// OpenDB opens a small database/sql pool over pgx and pings it.
func OpenDB(ctx context.Context, databaseURL string) (*sql.DB, error) {
	if databaseURL == "" {
		return nil, errors.New("db: database URL is empty")
	}

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	// Migrations and admin tooling only.
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("db: open embedded migrations: %w", err)
	}
	drv, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return nil, fmt.Errorf("db: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", drv)
	if err != nil {
		return nil, fmt.Errorf("db: migrate: %w", err)
	}
	return m, nil
}

// RunMigrations applies every pending up migration. db is closed on return.
func RunMigrations(db *sql.DB) error {
	m, err := newMigrate(db)
	if err != nil {
		_ = db.Close()
		return err
	}
	defer m.Close()

	start := time.Now()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("db: apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("db: read schema version: %w", err)
	}
	logging.Info("migrations_applied", map[string]any{
		"version":  version,
		"dirty":    dirty,
		"duration": time.Since(start).String(),
	})
	return nil
}

// Migrate opens databaseURL, applies migrations and closes the handle.
func Migrate(ctx context.Context, databaseURL string) error {
	db, err := OpenDB(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("db: connect for migrations: %w", err)
	}
	return RunMigrations(db)
}

// Migrations lists the embedded migration file names, for tooling.
func Migrations() ([]string, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}
